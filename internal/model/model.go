// Package model defines the document types shared across the card engine.
// All monetary values (points and cash alike) use shopspring/decimal,
// never float64.
//
// The persistence layer treats these as flat keyed documents: CardInstance
// by (owner, collection, card), Listing and Offer by id, Account by user id,
// Pack by (collection, pack). Hierarchy is a storage detail that never
// appears here.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency tags an amount as points or cash. Listings may accept either or
// both; each offer carries exactly one.
type Currency string

const (
	Points Currency = "points"
	Cash   Currency = "cash"
)

// Valid reports whether c is a known currency tag.
func (c Currency) Valid() bool {
	return c == Points || c == Cash
}

// CardRef identifies one card type within one collection.
type CardRef struct {
	CollectionID string `json:"collection_id"`
	CardID       string `json:"card_id"`
}

// String renders the canonical "collection/card" form used in references.
func (r CardRef) String() string {
	return r.CollectionID + "/" + r.CardID
}

// CardInstance is a user's stock record for one card type: how many units
// are freely available and how many are locked behind open listings.
// Invariant: Quantity >= 0 and LockedQuantity >= 0 at all times. The
// instance is deleted when both reach zero.
type CardInstance struct {
	OwnerID      string `json:"owner_id" db:"owner_id"`
	CollectionID string `json:"collection_id" db:"collection_id"`
	CardID       string `json:"card_id" db:"card_id"`

	Quantity       int64 `json:"quantity" db:"quantity"`
	LockedQuantity int64 `json:"locked_quantity" db:"locked_quantity"`

	// Display metadata denormalized from the catalog at first acquisition;
	// never re-read afterwards.
	Name       string          `json:"name" db:"name"`
	ImageRef   string          `json:"image_ref" db:"image_ref"`
	PointWorth decimal.Decimal `json:"point_worth" db:"point_worth"`
	Rarity     int             `json:"rarity" db:"rarity"`

	// SoftExpiresAt is set (non-zero) only for low-value cards; an external
	// sweeper reclaims them after this time. BuybackExpiresAt is refreshed
	// on every acquisition.
	SoftExpiresAt    time.Time `json:"soft_expires_at,omitempty" db:"soft_expires_at"`
	BuybackExpiresAt time.Time `json:"buyback_expires_at" db:"buyback_expires_at"`
	AcquiredAt       time.Time `json:"acquired_at" db:"acquired_at"`
}

// Ref returns the card reference of this instance.
func (c *CardInstance) Ref() CardRef {
	return CardRef{CollectionID: c.CollectionID, CardID: c.CardID}
}

// ListingStatus is the sale-listing state machine. Withdrawn and settled
// listings are deleted, so only open and accepted are ever persisted.
type ListingStatus string

const (
	ListingOpen     ListingStatus = "open"
	ListingAccepted ListingStatus = "accepted"
)

// OfferSnapshot caches the current highest offer of one currency on a
// listing. A zero OfferID means no offer is cached.
type OfferSnapshot struct {
	OfferID  string          `json:"offer_id,omitempty"`
	BidderID string          `json:"bidder_id,omitempty"`
	Amount   decimal.Decimal `json:"amount"`
}

// None reports whether the snapshot is empty.
func (s OfferSnapshot) None() bool { return s.OfferID == "" }

// Listing is an open offer-to-sell some quantity of a card. The listed
// quantity is always backed by an equal reservation on the owner's
// CardInstance made at creation time.
type Listing struct {
	ID           string `json:"id" db:"id"`
	OwnerID      string `json:"owner_id" db:"owner_id"`
	CollectionID string `json:"collection_id" db:"collection_id"`
	CardID       string `json:"card_id" db:"card_id"`

	// Display metadata copied from the seller's CardInstance at creation.
	Name     string `json:"name" db:"name"`
	ImageRef string `json:"image_ref" db:"image_ref"`

	Quantity int64 `json:"quantity" db:"quantity"`

	// Accepted prices. A non-positive price means the listing does not
	// accept that currency; at least one is always positive.
	PricePoints decimal.Decimal `json:"price_points" db:"price_points"`
	PriceCash   decimal.Decimal `json:"price_cash" db:"price_cash"`

	Status    ListingStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`

	// ExpiresAt is optional at creation (zero = none) and stamped with a
	// fixed window when an offer is accepted. PaymentDueAt is set only on
	// acceptance.
	ExpiresAt    time.Time `json:"expires_at,omitempty" db:"expires_at"`
	PaymentDueAt time.Time `json:"payment_due_at,omitempty" db:"payment_due_at"`

	HighestOfferPoints OfferSnapshot `json:"highest_offer_points"`
	HighestOfferCash   OfferSnapshot `json:"highest_offer_cash"`
}

// Ref returns the card reference being sold.
func (l *Listing) Ref() CardRef {
	return CardRef{CollectionID: l.CollectionID, CardID: l.CardID}
}

// Price returns the listing's unit price in the given currency; the second
// return is false when the listing does not accept that currency.
func (l *Listing) Price(c Currency) (decimal.Decimal, bool) {
	switch c {
	case Points:
		return l.PricePoints, l.PricePoints.IsPositive()
	case Cash:
		return l.PriceCash, l.PriceCash.IsPositive()
	}
	return decimal.Zero, false
}

// Highest returns the cached highest offer for the given currency.
func (l *Listing) Highest(c Currency) OfferSnapshot {
	if c == Cash {
		return l.HighestOfferCash
	}
	return l.HighestOfferPoints
}

// SetHighest replaces the cached highest offer for the given currency.
func (l *Listing) SetHighest(c Currency, s OfferSnapshot) {
	if c == Cash {
		l.HighestOfferCash = s
	} else {
		l.HighestOfferPoints = s
	}
}

// OfferStatus is the bid state machine. At most one offer per listing is
// ever in state accepted.
type OfferStatus string

const (
	OfferOpen     OfferStatus = "open"
	OfferAccepted OfferStatus = "accepted"
)

// Offer is a bid against a listing, in points or cash.
type Offer struct {
	ID        string          `json:"id" db:"id"`
	ListingID string          `json:"listing_id" db:"listing_id"`
	BidderID  string          `json:"bidder_id" db:"bidder_id"`
	Currency  Currency        `json:"currency" db:"currency"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Status    OfferStatus     `json:"status" db:"status"`
	PlacedAt  time.Time       `json:"placed_at" db:"placed_at"`

	// PaymentDueAt is stamped when the offer is accepted; ExpiresAt bounds
	// how long an open offer stands.
	PaymentDueAt time.Time `json:"payment_due_at,omitempty" db:"payment_due_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" db:"expires_at"`
}

// FusionIngredient is one required input of a fusion recipe.
type FusionIngredient struct {
	CollectionID string `json:"collection_id"`
	CardID       string `json:"card_id"`
	Quantity     int64  `json:"quantity"`
}

// Ref returns the ingredient's card reference.
func (i FusionIngredient) Ref() CardRef {
	return CardRef{CollectionID: i.CollectionID, CardID: i.CardID}
}

// FusionRecipe maps an ordered ingredient list to one result card.
// Immutable once created.
type FusionRecipe struct {
	ID                 string             `json:"id" db:"id"`
	ResultCollectionID string             `json:"result_collection_id" db:"result_collection_id"`
	ResultCardID       string             `json:"result_card_id" db:"result_card_id"`
	Ingredients        []FusionIngredient `json:"ingredients" db:"ingredients"`
}

// ResultRef returns the recipe's result card reference.
func (r *FusionRecipe) ResultRef() CardRef {
	return CardRef{CollectionID: r.ResultCollectionID, CardID: r.ResultCardID}
}

// Clone returns a deep copy (the ingredient slice is shared state otherwise).
func (r *FusionRecipe) Clone() *FusionRecipe {
	cp := *r
	cp.Ingredients = append([]FusionIngredient(nil), r.Ingredients...)
	return &cp
}

// Pack is a purchasable randomized pack: a card→weight probability table and
// a unit price in points. Weights are relative, not required to sum to 1.
type Pack struct {
	CollectionID string             `json:"collection_id" db:"collection_id"`
	PackID       string             `json:"pack_id" db:"pack_id"`
	PricePoints  decimal.Decimal    `json:"price_points" db:"price_points"`
	Cards        map[string]float64 `json:"cards" db:"cards"`
	Popularity   int64              `json:"popularity" db:"popularity"`
}

// Clone returns a deep copy (the card table is shared state otherwise).
func (p *Pack) Clone() *Pack {
	cp := *p
	cp.Cards = make(map[string]float64, len(p.Cards))
	for k, v := range p.Cards {
		cp.Cards[k] = v
	}
	return &cp
}

// DrawSession is the immutable record of one pack opening: the committed
// seeds, the proof hash, the card/weight table the draw ran against, and
// the resulting card sequence. Together these let anyone re-verify the
// draw after the server seed is revealed, even after the pack's table is
// later edited.
type DrawSession struct {
	ID           string `json:"id" db:"id"`
	UserID       string `json:"user_id" db:"user_id"`
	CollectionID string `json:"collection_id" db:"collection_id"`
	PackID       string `json:"pack_id" db:"pack_id"`
	Count        int    `json:"count" db:"count"`

	ClientSeed     string `json:"client_seed" db:"client_seed"`
	Nonce          int64  `json:"nonce" db:"nonce"`
	ServerSeed     string `json:"server_seed" db:"server_seed"`
	ServerSeedHash string `json:"server_seed_hash" db:"server_seed_hash"`
	RandomHash     string `json:"random_hash" db:"random_hash"`

	CardTable   map[string]float64 `json:"card_table" db:"card_table"`
	CardIDs     []string           `json:"card_ids" db:"card_ids"`
	PricePoints decimal.Decimal    `json:"price_points" db:"price_points"`
	OpenedAt    time.Time          `json:"opened_at" db:"opened_at"`
}

// Clone returns a deep copy (the card table and id slice are shared state
// otherwise).
func (s *DrawSession) Clone() *DrawSession {
	cp := *s
	cp.CardTable = make(map[string]float64, len(s.CardTable))
	for k, v := range s.CardTable {
		cp.CardTable[k] = v
	}
	cp.CardIDs = append([]string(nil), s.CardIDs...)
	return &cp
}

// TransactionRecord is an immutable append-only entry written once per
// completed sale. Never mutated.
type TransactionRecord struct {
	ID           string          `json:"id" db:"id"`
	ListingID    string          `json:"listing_id" db:"listing_id"`
	SellerID     string          `json:"seller_id" db:"seller_id"`
	BuyerID      string          `json:"buyer_id" db:"buyer_id"`
	CollectionID string          `json:"collection_id" db:"collection_id"`
	CardID       string          `json:"card_id" db:"card_id"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	Currency     Currency        `json:"currency" db:"currency"`
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	SettledAt    time.Time       `json:"settled_at" db:"settled_at"`
}

// SettlementFailure records a sale whose currency leg committed but whose
// buyer-side card credit could not be applied. Appended for manual
// reconciliation, so the sold card is never silently dropped.
type SettlementFailure struct {
	ID           string    `json:"id" db:"id"`
	ListingID    string    `json:"listing_id" db:"listing_id"`
	SellerID     string    `json:"seller_id" db:"seller_id"`
	BuyerID      string    `json:"buyer_id" db:"buyer_id"`
	CollectionID string    `json:"collection_id" db:"collection_id"`
	CardID       string    `json:"card_id" db:"card_id"`
	Quantity     int64     `json:"quantity" db:"quantity"`
	Reason       string    `json:"reason" db:"reason"`
	FailedAt     time.Time `json:"failed_at" db:"failed_at"`
}

// Account is the per-user currency ledger document. It also carries the
// provably-fair draw state (client seed and nonce counter) and spend
// bookkeeping, because the nonce increment must serialize against balance
// mutations on the same document.
type Account struct {
	UserID        string          `json:"user_id" db:"user_id"`
	PointsBalance decimal.Decimal `json:"points_balance" db:"points_balance"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`

	// ClientSeed is long-lived and user-controlled; NonceCounter increases
	// monotonically, one unit per draw in a batch.
	ClientSeed   string `json:"client_seed" db:"client_seed"`
	NonceCounter int64  `json:"nonce_counter" db:"nonce_counter"`

	TotalDrawn       decimal.Decimal `json:"total_drawn" db:"total_drawn"`
	TotalPointsSpent decimal.Decimal `json:"total_points_spent" db:"total_points_spent"`
	TotalFusions     int64           `json:"total_fusions" db:"total_fusions"`

	// Rolling weekly pack spend, keyed by the Monday of the week being
	// tracked (YYYY-MM-DD). Reset lazily when the week rolls over.
	WeekStart string          `json:"week_start" db:"week_start"`
	WeekSpent decimal.Decimal `json:"week_spent" db:"week_spent"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Balance returns the balance for the given currency.
func (a *Account) Balance(c Currency) decimal.Decimal {
	if c == Cash {
		return a.CashBalance
	}
	return a.PointsBalance
}

// SetBalance replaces the balance for the given currency.
func (a *Account) SetBalance(c Currency, v decimal.Decimal) {
	if c == Cash {
		a.CashBalance = v
	} else {
		a.PointsBalance = v
	}
}
