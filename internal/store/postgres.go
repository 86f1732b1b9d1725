package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Update runs under SERIALIZABLE isolation and re-runs the transaction
// function on serialization failure, which gives the same semantics as the
// in-memory store's optimistic retry. All monetary values are stored as
// NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS card_instances (
	owner_id           TEXT NOT NULL,
	collection_id      TEXT NOT NULL,
	card_id            TEXT NOT NULL,
	quantity           BIGINT NOT NULL,
	locked_quantity    BIGINT NOT NULL,
	name               TEXT NOT NULL,
	image_ref          TEXT NOT NULL,
	point_worth        NUMERIC NOT NULL,
	rarity             INT NOT NULL,
	soft_expires_at    TIMESTAMPTZ NOT NULL,
	buyback_expires_at TIMESTAMPTZ NOT NULL,
	acquired_at        TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner_id, collection_id, card_id)
);

CREATE TABLE IF NOT EXISTS listings (
	id             TEXT PRIMARY KEY,
	owner_id       TEXT NOT NULL,
	collection_id  TEXT NOT NULL,
	card_id        TEXT NOT NULL,
	name           TEXT NOT NULL,
	image_ref      TEXT NOT NULL,
	quantity       BIGINT NOT NULL,
	price_points   NUMERIC NOT NULL,
	price_cash     NUMERIC NOT NULL,
	status         TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL,
	payment_due_at TIMESTAMPTZ NOT NULL,
	ho_points_id     TEXT NOT NULL DEFAULT '',
	ho_points_bidder TEXT NOT NULL DEFAULT '',
	ho_points_amount NUMERIC NOT NULL DEFAULT 0,
	ho_cash_id       TEXT NOT NULL DEFAULT '',
	ho_cash_bidder   TEXT NOT NULL DEFAULT '',
	ho_cash_amount   NUMERIC NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS listings_owner_idx ON listings (owner_id);

CREATE TABLE IF NOT EXISTS offers (
	id             TEXT PRIMARY KEY,
	listing_id     TEXT NOT NULL,
	bidder_id      TEXT NOT NULL,
	currency       TEXT NOT NULL,
	amount         NUMERIC NOT NULL,
	status         TEXT NOT NULL,
	placed_at      TIMESTAMPTZ NOT NULL,
	payment_due_at TIMESTAMPTZ NOT NULL,
	expires_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS offers_listing_idx ON offers (listing_id);

CREATE TABLE IF NOT EXISTS accounts (
	user_id            TEXT PRIMARY KEY,
	points_balance     NUMERIC NOT NULL,
	cash_balance       NUMERIC NOT NULL,
	client_seed        TEXT NOT NULL,
	nonce_counter      BIGINT NOT NULL,
	total_drawn        NUMERIC NOT NULL,
	total_points_spent NUMERIC NOT NULL,
	total_fusions      BIGINT NOT NULL,
	week_start         TEXT NOT NULL,
	week_spent         NUMERIC NOT NULL,
	created_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS packs (
	collection_id TEXT NOT NULL,
	pack_id       TEXT NOT NULL,
	price_points  NUMERIC NOT NULL,
	cards         JSONB NOT NULL,
	popularity    BIGINT NOT NULL,
	PRIMARY KEY (collection_id, pack_id)
);

CREATE TABLE IF NOT EXISTS fusion_recipes (
	id                   TEXT PRIMARY KEY,
	result_collection_id TEXT NOT NULL,
	result_card_id       TEXT NOT NULL,
	ingredients          JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id            TEXT PRIMARY KEY,
	listing_id    TEXT NOT NULL,
	seller_id     TEXT NOT NULL,
	buyer_id      TEXT NOT NULL,
	collection_id TEXT NOT NULL,
	card_id       TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	currency      TEXT NOT NULL,
	amount        NUMERIC NOT NULL,
	settled_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_seller_idx ON transactions (seller_id);
CREATE INDEX IF NOT EXISTS transactions_buyer_idx ON transactions (buyer_id);

CREATE TABLE IF NOT EXISTS draw_sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	collection_id    TEXT NOT NULL,
	pack_id          TEXT NOT NULL,
	count            INT NOT NULL,
	client_seed      TEXT NOT NULL,
	nonce            BIGINT NOT NULL,
	server_seed      TEXT NOT NULL,
	server_seed_hash TEXT NOT NULL,
	random_hash      TEXT NOT NULL,
	card_table       JSONB NOT NULL,
	card_ids         JSONB NOT NULL,
	price_points     NUMERIC NOT NULL,
	opened_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS draw_sessions_user_idx ON draw_sessions (user_id);

CREATE TABLE IF NOT EXISTS settlement_failures (
	id            TEXT PRIMARY KEY,
	listing_id    TEXT NOT NULL,
	seller_id     TEXT NOT NULL,
	buyer_id      TEXT NOT NULL,
	collection_id TEXT NOT NULL,
	card_id       TEXT NOT NULL,
	quantity      BIGINT NOT NULL,
	reason        TEXT NOT NULL,
	failed_at     TIMESTAMPTZ NOT NULL
);
`

// pgTx implements Tx directly against an open pgx transaction. Mutators
// execute immediately; the first execution error is stashed and surfaced
// from Update, matching the mutators-never-fail contract.
type pgTx struct {
	ctx context.Context
	tx  pgx.Tx
	err error
}

func (t *pgTx) stash(err error) {
	if err != nil && t.err == nil {
		t.err = err
	}
}

// retryable reports whether err is a serialization failure or deadlock that
// a fresh attempt can resolve.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Update runs fn inside a SERIALIZABLE transaction, retrying transparently
// on serialization failure up to maxRetries times.
func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		pt := &pgTx{ctx: ctx, tx: tx}
		err = fn(pt)
		if err == nil {
			err = pt.err
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			if retryable(err) {
				lastErr = err
				continue
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if retryable(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return fmt.Errorf("transaction retries exhausted: %w", lastErr)
}

// View runs fn inside a read-only transaction.
func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	pt := &pgTx{ctx: ctx, tx: tx}
	if err := fn(pt); err != nil {
		return err
	}
	if pt.err != nil {
		return pt.err
	}
	return tx.Commit(ctx)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Card instances ---

func (t *pgTx) CardInstance(owner string, ref model.CardRef) (*model.CardInstance, error) {
	var c model.CardInstance
	var worth string

	err := t.tx.QueryRow(t.ctx,
		`SELECT owner_id, collection_id, card_id, quantity, locked_quantity,
		        name, image_ref, point_worth::TEXT, rarity,
		        soft_expires_at, buyback_expires_at, acquired_at
		 FROM card_instances
		 WHERE owner_id = $1 AND collection_id = $2 AND card_id = $3`,
		owner, ref.CollectionID, ref.CardID).
		Scan(&c.OwnerID, &c.CollectionID, &c.CardID, &c.Quantity, &c.LockedQuantity,
			&c.Name, &c.ImageRef, &worth, &c.Rarity,
			&c.SoftExpiresAt, &c.BuybackExpiresAt, &c.AcquiredAt)
	if err != nil {
		return nil, notFound(err)
	}

	c.PointWorth, _ = decimal.NewFromString(worth)
	return &c, nil
}

func (t *pgTx) PutCardInstance(c *model.CardInstance) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO card_instances (owner_id, collection_id, card_id, quantity, locked_quantity,
		                             name, image_ref, point_worth, rarity,
		                             soft_expires_at, buyback_expires_at, acquired_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (owner_id, collection_id, card_id) DO UPDATE SET
		   quantity = EXCLUDED.quantity,
		   locked_quantity = EXCLUDED.locked_quantity,
		   name = EXCLUDED.name,
		   image_ref = EXCLUDED.image_ref,
		   point_worth = EXCLUDED.point_worth,
		   rarity = EXCLUDED.rarity,
		   soft_expires_at = EXCLUDED.soft_expires_at,
		   buyback_expires_at = EXCLUDED.buyback_expires_at,
		   acquired_at = EXCLUDED.acquired_at`,
		c.OwnerID, c.CollectionID, c.CardID, c.Quantity, c.LockedQuantity,
		c.Name, c.ImageRef, c.PointWorth.String(), c.Rarity,
		c.SoftExpiresAt, c.BuybackExpiresAt, c.AcquiredAt)
	t.stash(err)
}

func (t *pgTx) DeleteCardInstance(owner string, ref model.CardRef) {
	_, err := t.tx.Exec(t.ctx,
		`DELETE FROM card_instances WHERE owner_id = $1 AND collection_id = $2 AND card_id = $3`,
		owner, ref.CollectionID, ref.CardID)
	t.stash(err)
}

// --- Listings ---

const listingCols = `id, owner_id, collection_id, card_id, name, image_ref, quantity,
       price_points::TEXT, price_cash::TEXT, status, created_at, expires_at, payment_due_at,
       ho_points_id, ho_points_bidder, ho_points_amount::TEXT,
       ho_cash_id, ho_cash_bidder, ho_cash_amount::TEXT`

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var pricePoints, priceCash, hpAmount, hcAmount string

	err := row.Scan(&l.ID, &l.OwnerID, &l.CollectionID, &l.CardID, &l.Name, &l.ImageRef, &l.Quantity,
		&pricePoints, &priceCash, &l.Status, &l.CreatedAt, &l.ExpiresAt, &l.PaymentDueAt,
		&l.HighestOfferPoints.OfferID, &l.HighestOfferPoints.BidderID, &hpAmount,
		&l.HighestOfferCash.OfferID, &l.HighestOfferCash.BidderID, &hcAmount)
	if err != nil {
		return nil, err
	}

	l.PricePoints, _ = decimal.NewFromString(pricePoints)
	l.PriceCash, _ = decimal.NewFromString(priceCash)
	l.HighestOfferPoints.Amount, _ = decimal.NewFromString(hpAmount)
	l.HighestOfferCash.Amount, _ = decimal.NewFromString(hcAmount)
	return &l, nil
}

func (t *pgTx) Listing(id string) (*model.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(t.ctx,
		`SELECT `+listingCols+` FROM listings WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return l, nil
}

func (t *pgTx) PutListing(l *model.Listing) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO listings (id, owner_id, collection_id, card_id, name, image_ref, quantity,
		                       price_points, price_cash, status, created_at, expires_at, payment_due_at,
		                       ho_points_id, ho_points_bidder, ho_points_amount,
		                       ho_cash_id, ho_cash_bidder, ho_cash_amount)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13,
		         $14, $15, $16::NUMERIC, $17, $18, $19::NUMERIC)
		 ON CONFLICT (id) DO UPDATE SET
		   quantity = EXCLUDED.quantity,
		   price_points = EXCLUDED.price_points,
		   price_cash = EXCLUDED.price_cash,
		   status = EXCLUDED.status,
		   expires_at = EXCLUDED.expires_at,
		   payment_due_at = EXCLUDED.payment_due_at,
		   ho_points_id = EXCLUDED.ho_points_id,
		   ho_points_bidder = EXCLUDED.ho_points_bidder,
		   ho_points_amount = EXCLUDED.ho_points_amount,
		   ho_cash_id = EXCLUDED.ho_cash_id,
		   ho_cash_bidder = EXCLUDED.ho_cash_bidder,
		   ho_cash_amount = EXCLUDED.ho_cash_amount`,
		l.ID, l.OwnerID, l.CollectionID, l.CardID, l.Name, l.ImageRef, l.Quantity,
		l.PricePoints.String(), l.PriceCash.String(), l.Status, l.CreatedAt, l.ExpiresAt, l.PaymentDueAt,
		l.HighestOfferPoints.OfferID, l.HighestOfferPoints.BidderID, l.HighestOfferPoints.Amount.String(),
		l.HighestOfferCash.OfferID, l.HighestOfferCash.BidderID, l.HighestOfferCash.Amount.String())
	t.stash(err)
}

func (t *pgTx) DeleteListing(id string) {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM listings WHERE id = $1`, id)
	t.stash(err)
}

// --- Offers ---

const offerCols = `id, listing_id, bidder_id, currency, amount::TEXT, status, placed_at, payment_due_at, expires_at`

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	var amount string

	err := row.Scan(&o.ID, &o.ListingID, &o.BidderID, &o.Currency, &amount,
		&o.Status, &o.PlacedAt, &o.PaymentDueAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}

	o.Amount, _ = decimal.NewFromString(amount)
	return &o, nil
}

func (t *pgTx) Offer(id string) (*model.Offer, error) {
	o, err := scanOffer(t.tx.QueryRow(t.ctx,
		`SELECT `+offerCols+` FROM offers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return o, nil
}

func (t *pgTx) PutOffer(o *model.Offer) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO offers (id, listing_id, bidder_id, currency, amount, status, placed_at, payment_due_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   amount = EXCLUDED.amount,
		   status = EXCLUDED.status,
		   payment_due_at = EXCLUDED.payment_due_at,
		   expires_at = EXCLUDED.expires_at`,
		o.ID, o.ListingID, o.BidderID, o.Currency, o.Amount.String(),
		o.Status, o.PlacedAt, o.PaymentDueAt, o.ExpiresAt)
	t.stash(err)
}

func (t *pgTx) DeleteOffer(id string) {
	_, err := t.tx.Exec(t.ctx, `DELETE FROM offers WHERE id = $1`, id)
	t.stash(err)
}

func (t *pgTx) OffersByListing(listingID string) ([]model.Offer, error) {
	rows, err := t.tx.Query(t.ctx,
		`SELECT `+offerCols+` FROM offers WHERE listing_id = $1`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

// --- Accounts ---

func (t *pgTx) Account(userID string) (*model.Account, error) {
	var a model.Account
	var points, cash, drawn, spent, weekSpent string

	err := t.tx.QueryRow(t.ctx,
		`SELECT user_id, points_balance::TEXT, cash_balance::TEXT,
		        client_seed, nonce_counter,
		        total_drawn::TEXT, total_points_spent::TEXT, total_fusions,
		        week_start, week_spent::TEXT, created_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &points, &cash,
			&a.ClientSeed, &a.NonceCounter,
			&drawn, &spent, &a.TotalFusions,
			&a.WeekStart, &weekSpent, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}

	a.PointsBalance, _ = decimal.NewFromString(points)
	a.CashBalance, _ = decimal.NewFromString(cash)
	a.TotalDrawn, _ = decimal.NewFromString(drawn)
	a.TotalPointsSpent, _ = decimal.NewFromString(spent)
	a.WeekSpent, _ = decimal.NewFromString(weekSpent)
	return &a, nil
}

func (t *pgTx) PutAccount(a *model.Account) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO accounts (user_id, points_balance, cash_balance, client_seed, nonce_counter,
		                       total_drawn, total_points_spent, total_fusions, week_start, week_spent, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10::NUMERIC, $11)
		 ON CONFLICT (user_id) DO UPDATE SET
		   points_balance = EXCLUDED.points_balance,
		   cash_balance = EXCLUDED.cash_balance,
		   client_seed = EXCLUDED.client_seed,
		   nonce_counter = EXCLUDED.nonce_counter,
		   total_drawn = EXCLUDED.total_drawn,
		   total_points_spent = EXCLUDED.total_points_spent,
		   total_fusions = EXCLUDED.total_fusions,
		   week_start = EXCLUDED.week_start,
		   week_spent = EXCLUDED.week_spent`,
		a.UserID, a.PointsBalance.String(), a.CashBalance.String(), a.ClientSeed, a.NonceCounter,
		a.TotalDrawn.String(), a.TotalPointsSpent.String(), a.TotalFusions,
		a.WeekStart, a.WeekSpent.String(), a.CreatedAt)
	t.stash(err)
}

// --- Packs and recipes ---

func (t *pgTx) Pack(collectionID, packID string) (*model.Pack, error) {
	var p model.Pack
	var price string
	var cards []byte

	err := t.tx.QueryRow(t.ctx,
		`SELECT collection_id, pack_id, price_points::TEXT, cards, popularity
		 FROM packs WHERE collection_id = $1 AND pack_id = $2`,
		collectionID, packID).
		Scan(&p.CollectionID, &p.PackID, &price, &cards, &p.Popularity)
	if err != nil {
		return nil, notFound(err)
	}

	p.PricePoints, _ = decimal.NewFromString(price)
	if err := json.Unmarshal(cards, &p.Cards); err != nil {
		return nil, fmt.Errorf("decode pack cards: %w", err)
	}
	return &p, nil
}

func (t *pgTx) PutPack(p *model.Pack) {
	cards, err := json.Marshal(p.Cards)
	if err != nil {
		t.stash(fmt.Errorf("encode pack cards: %w", err))
		return
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO packs (collection_id, pack_id, price_points, cards, popularity)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (collection_id, pack_id) DO UPDATE SET
		   price_points = EXCLUDED.price_points,
		   cards = EXCLUDED.cards,
		   popularity = EXCLUDED.popularity`,
		p.CollectionID, p.PackID, p.PricePoints.String(), cards, p.Popularity)
	t.stash(err)
}

func (t *pgTx) Recipe(id string) (*model.FusionRecipe, error) {
	var r model.FusionRecipe
	var ingredients []byte

	err := t.tx.QueryRow(t.ctx,
		`SELECT id, result_collection_id, result_card_id, ingredients
		 FROM fusion_recipes WHERE id = $1`, id).
		Scan(&r.ID, &r.ResultCollectionID, &r.ResultCardID, &ingredients)
	if err != nil {
		return nil, notFound(err)
	}

	if err := json.Unmarshal(ingredients, &r.Ingredients); err != nil {
		return nil, fmt.Errorf("decode recipe ingredients: %w", err)
	}
	return &r, nil
}

func (t *pgTx) PutRecipe(r *model.FusionRecipe) {
	ingredients, err := json.Marshal(r.Ingredients)
	if err != nil {
		t.stash(fmt.Errorf("encode recipe ingredients: %w", err))
		return
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO fusion_recipes (id, result_collection_id, result_card_id, ingredients)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   result_collection_id = EXCLUDED.result_collection_id,
		   result_card_id = EXCLUDED.result_card_id,
		   ingredients = EXCLUDED.ingredients`,
		r.ID, r.ResultCollectionID, r.ResultCardID, ingredients)
	t.stash(err)
}

// --- Append-only records ---

func (t *pgTx) AppendTransaction(rec *model.TransactionRecord) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO transactions (id, listing_id, seller_id, buyer_id, collection_id, card_id,
		                           quantity, currency, amount, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::NUMERIC, $10)`,
		rec.ID, rec.ListingID, rec.SellerID, rec.BuyerID, rec.CollectionID, rec.CardID,
		rec.Quantity, rec.Currency, rec.Amount.String(), rec.SettledAt)
	t.stash(err)
}

func (t *pgTx) AppendDrawSession(s *model.DrawSession) {
	cardTable, err := json.Marshal(s.CardTable)
	if err != nil {
		t.stash(fmt.Errorf("encode draw card table: %w", err))
		return
	}
	cardIDs, err := json.Marshal(s.CardIDs)
	if err != nil {
		t.stash(fmt.Errorf("encode draw card ids: %w", err))
		return
	}
	_, err = t.tx.Exec(t.ctx,
		`INSERT INTO draw_sessions (id, user_id, collection_id, pack_id, count,
		                            client_seed, nonce, server_seed, server_seed_hash, random_hash,
		                            card_table, card_ids, price_points, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::NUMERIC, $14)`,
		s.ID, s.UserID, s.CollectionID, s.PackID, s.Count,
		s.ClientSeed, s.Nonce, s.ServerSeed, s.ServerSeedHash, s.RandomHash,
		cardTable, cardIDs, s.PricePoints.String(), s.OpenedAt)
	t.stash(err)
}

func (t *pgTx) AppendSettlementFailure(f *model.SettlementFailure) {
	_, err := t.tx.Exec(t.ctx,
		`INSERT INTO settlement_failures (id, listing_id, seller_id, buyer_id, collection_id, card_id,
		                                  quantity, reason, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.ListingID, f.SellerID, f.BuyerID, f.CollectionID, f.CardID,
		f.Quantity, f.Reason, f.FailedAt)
	t.stash(err)
}

// --- Read models ---

func (s *PostgresStore) ListingsByOwner(ctx context.Context, ownerID string) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+` FROM listings WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectListings(rows)
}

func (s *PostgresStore) AllListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+listingCols+` FROM listings ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectListings(rows)
}

func collectListings(rows pgx.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) CardInstancesByOwner(ctx context.Context, ownerID string) ([]model.CardInstance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT owner_id, collection_id, card_id, quantity, locked_quantity,
		        name, image_ref, point_worth::TEXT, rarity,
		        soft_expires_at, buyback_expires_at, acquired_at
		 FROM card_instances WHERE owner_id = $1 ORDER BY collection_id, card_id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []model.CardInstance
	for rows.Next() {
		var c model.CardInstance
		var worth string
		if err := rows.Scan(&c.OwnerID, &c.CollectionID, &c.CardID, &c.Quantity, &c.LockedQuantity,
			&c.Name, &c.ImageRef, &worth, &c.Rarity,
			&c.SoftExpiresAt, &c.BuybackExpiresAt, &c.AcquiredAt); err != nil {
			return nil, err
		}
		c.PointWorth, _ = decimal.NewFromString(worth)
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

func (s *PostgresStore) TransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, listing_id, seller_id, buyer_id, collection_id, card_id,
		        quantity, currency, amount::TEXT, settled_at
		 FROM transactions WHERE seller_id = $1 OR buyer_id = $1 ORDER BY settled_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []model.TransactionRecord
	for rows.Next() {
		var r model.TransactionRecord
		var amount string
		if err := rows.Scan(&r.ID, &r.ListingID, &r.SellerID, &r.BuyerID, &r.CollectionID, &r.CardID,
			&r.Quantity, &r.Currency, &amount, &r.SettledAt); err != nil {
			return nil, err
		}
		r.Amount, _ = decimal.NewFromString(amount)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) DrawSessionsByUser(ctx context.Context, userID string) ([]model.DrawSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, collection_id, pack_id, count,
		        client_seed, nonce, server_seed, server_seed_hash, random_hash,
		        card_table, card_ids, price_points::TEXT, opened_at
		 FROM draw_sessions WHERE user_id = $1 ORDER BY opened_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.DrawSession
	for rows.Next() {
		var d model.DrawSession
		var price string
		var cardTable, cardIDs []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.CollectionID, &d.PackID, &d.Count,
			&d.ClientSeed, &d.Nonce, &d.ServerSeed, &d.ServerSeedHash, &d.RandomHash,
			&cardTable, &cardIDs, &price, &d.OpenedAt); err != nil {
			return nil, err
		}
		d.PricePoints, _ = decimal.NewFromString(price)
		if err := json.Unmarshal(cardTable, &d.CardTable); err != nil {
			return nil, fmt.Errorf("decode draw card table: %w", err)
		}
		if err := json.Unmarshal(cardIDs, &d.CardIDs); err != nil {
			return nil, fmt.Errorf("decode draw card ids: %w", err)
		}
		sessions = append(sessions, d)
	}
	return sessions, rows.Err()
}
