// Package draw implements provably-fair pack opening with a commit-reveal
// scheme. Before each draw the server commits to a random server seed by
// publishing its SHA-256 hash; the outcome is derived from
// HMAC-SHA256(serverSeed, clientSeed||nonce), so after the reveal anyone can
// recompute the digest and replay the exact card sequence. The server cannot
// change the seed after the fact without breaking the published hash, and
// the user-controlled client seed keeps the server from cherry-picking
// seeds.
package draw

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	mrand "math/rand"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/cardref"
	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/spendlimit"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

var (
	// ErrEmptyPack is returned when a pack has no cards to draw from. The
	// check runs before any nonce is consumed.
	ErrEmptyPack = errors.New("draw: pack has no cards")

	// ErrInvalidCount is returned for a draw count outside [1, MaxCount].
	ErrInvalidCount = errors.New("draw: invalid draw count")

	// ErrSeedHashMismatch means the revealed server seed does not match the
	// committed hash.
	ErrSeedHashMismatch = errors.New("draw: server seed does not match committed hash")

	// ErrRandomHashMismatch means the recorded proof hash does not derive
	// from the recorded seeds and nonce.
	ErrRandomHashMismatch = errors.New("draw: random hash does not match seeds")

	// ErrSequenceMismatch means replaying the draw yields a different card
	// sequence than recorded.
	ErrSequenceMismatch = errors.New("draw: card sequence does not replay")
)

// MaxCount is the largest number of cards one draw request may open.
const MaxCount = 10

// Engine executes pack draws against the store.
type Engine struct {
	store   store.Store
	catalog catalog.Catalog
	limiter *spendlimit.Limiter
	policy  ledger.Policy
}

// New creates a draw Engine.
func New(s store.Store, c catalog.Catalog, l *spendlimit.Limiter, policy ledger.Policy) *Engine {
	return &Engine{store: s, catalog: c, limiter: l, policy: policy}
}

// Open draws count cards from a pack. The draw runs in three stages:
//
//  1. A nonce range is reserved on the user's account in its own commit.
//     The account document serializes concurrent draws by the same user, so
//     two racing requests get disjoint nonces and distinct outcomes.
//  2. The outcome is computed purely from the seeds and nonce. No store
//     state is touched.
//  3. The money, counters, drawn cards, and the immutable session record
//     commit together. If this stage fails the reserved nonces are burned,
//     which is harmless: the sequence is unused and unpaid.
func (e *Engine) Open(ctx context.Context, userID, collectionID, packID string, count int) (*model.DrawSession, error) {
	if count < 1 || count > MaxCount {
		return nil, ErrInvalidCount
	}

	// Cheap pre-checks before consuming a nonce: the pack must exist and be
	// drawable, and the user must plausibly afford it.
	var (
		pack  *model.Pack
		total decimal.Decimal
	)
	if err := e.store.View(ctx, func(tx store.Tx) error {
		p, err := tx.Pack(collectionID, packID)
		if err != nil {
			return err
		}
		if len(p.Cards) == 0 {
			return ErrEmptyPack
		}
		pack = p
		total = p.PricePoints.Mul(decimal.NewFromInt(int64(count)))

		a, err := tx.Account(userID)
		if errors.Is(err, store.ErrNotFound) {
			return wallet.ErrUnknownUser
		}
		if err != nil {
			return err
		}
		if a.PointsBalance.LessThan(total) {
			return wallet.ErrInsufficientFunds
		}
		return e.limiter.Check(total, weekSpent(a, time.Now().UTC()))
	}); err != nil {
		return nil, err
	}

	// Stage 1: reserve the nonce range.
	var (
		nonce      int64
		clientSeed string
	)
	if err := e.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if errors.Is(err, store.ErrNotFound) {
			return wallet.ErrUnknownUser
		}
		if err != nil {
			return err
		}
		nonce = a.NonceCounter + 1
		a.NonceCounter += int64(count)
		clientSeed = a.ClientSeed
		tx.PutAccount(a)
		return nil
	}); err != nil {
		return nil, err
	}

	// Stage 2: pure computation.
	seedBytes := make([]byte, 32)
	if _, err := rand.Read(seedBytes); err != nil {
		return nil, err
	}
	serverSeed := hex.EncodeToString(seedBytes)
	serverSeedHash := hashSeed(serverSeed)
	randomHash, digest := proofHash(serverSeed, clientSeed, nonce)
	cardIDs := weightedDraws(pack.Cards, count, digest)

	// Resolve metadata for the distinct cards drawn.
	metas := make(map[string]ledger.Meta)
	for _, id := range cardIDs {
		if _, ok := metas[id]; ok {
			continue
		}
		card, err := e.catalog.Card(ctx, model.CardRef{CollectionID: collectionID, CardID: id})
		if err != nil {
			return nil, err
		}
		metas[id] = ledger.Meta{
			Name:       card.Name,
			ImageRef:   card.ImageRef,
			PointWorth: card.PointWorth,
			Rarity:     card.Rarity,
		}
	}

	session := &model.DrawSession{
		ID:             uuid.New().String(),
		UserID:         userID,
		CollectionID:   collectionID,
		PackID:         packID,
		Count:          count,
		ClientSeed:     clientSeed,
		Nonce:          nonce,
		ServerSeed:     serverSeed,
		ServerSeedHash: serverSeedHash,
		RandomHash:     randomHash,
		CardTable:      pack.Cards,
		CardIDs:        cardIDs,
		PricePoints:    total,
		OpenedAt:       time.Now().UTC(),
	}

	// Stage 3: pay, credit the cards, and record the session atomically.
	// Funds and limits are re-checked against fresh state.
	err := e.store.Update(ctx, func(tx store.Tx) error {
		a, err := tx.Account(userID)
		if errors.Is(err, store.ErrNotFound) {
			return wallet.ErrUnknownUser
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		spent := weekSpent(a, now)
		if err := e.limiter.Check(total, spent); err != nil {
			return err
		}
		if a.PointsBalance.LessThan(total) {
			return wallet.ErrInsufficientFunds
		}

		a.PointsBalance = a.PointsBalance.Sub(total)
		a.TotalDrawn = a.TotalDrawn.Add(decimal.NewFromInt(int64(count)))
		a.TotalPointsSpent = a.TotalPointsSpent.Add(total)
		a.WeekStart = spendlimit.WeekStart(now)
		a.WeekSpent = spent.Add(total)
		tx.PutAccount(a)

		p, err := tx.Pack(collectionID, packID)
		if err != nil {
			return err
		}
		p.Popularity += int64(count)
		tx.PutPack(p)

		// Credit drawn cards, aggregating duplicates.
		counts := make(map[string]int64)
		for _, id := range cardIDs {
			counts[id]++
		}
		ids := make([]string, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ref := model.CardRef{CollectionID: collectionID, CardID: id}
			if err := ledger.Credit(tx, e.policy, userID, ref, counts[id], metas[id], now); err != nil {
				return err
			}
		}

		tx.AppendDrawSession(session)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// weekSpent returns the user's pack spend for the week containing now,
// treating a stale week key as zero.
func weekSpent(a *model.Account, now time.Time) decimal.Decimal {
	if a.WeekStart != spendlimit.WeekStart(now) {
		return decimal.Zero
	}
	return a.WeekSpent
}

// hashSeed returns the commit hash of a server seed.
func hashSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// proofHash derives the outcome digest: HMAC-SHA256 keyed by the server
// seed over clientSeed||nonce. Returns the hex proof and the raw digest.
func proofHash(serverSeed, clientSeed string, nonce int64) (string, []byte) {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(clientSeed + strconv.FormatInt(nonce, 10)))
	digest := mac.Sum(nil)
	return hex.EncodeToString(digest), digest
}

// weightedDraws replays count weighted draws (with replacement) from the
// pack's card table, seeded by the first eight bytes of the digest. Card
// ids are walked in sorted order so the sequence is deterministic.
func weightedDraws(cards map[string]float64, count int, digest []byte) []string {
	ids := make([]string, 0, len(cards))
	total := 0.0
	for id, w := range cards {
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		ids = append(ids, id)
		total += w
	}
	if len(ids) == 0 || total <= 0 {
		return nil
	}
	sort.Strings(ids)

	rng := mrand.New(mrand.NewSource(int64(binary.BigEndian.Uint64(digest[:8]))))

	out := make([]string, count)
	for i := 0; i < count; i++ {
		r := rng.Float64() * total
		acc := 0.0
		pick := ids[len(ids)-1]
		for _, id := range ids {
			acc += cards[id]
			if r < acc {
				pick = id
				break
			}
		}
		out[i] = pick
	}
	return out
}

// Verify replays a recorded draw session against the card table it was
// drawn from. It checks the commit hash, the proof hash, and the card
// sequence; a nil return means the draw was provably fair. The table is
// the session's own snapshot, so later pack edits cannot turn a fair draw
// unfair.
func Verify(s *model.DrawSession) error {
	if hashSeed(s.ServerSeed) != s.ServerSeedHash {
		return ErrSeedHashMismatch
	}

	randomHash, digest := proofHash(s.ServerSeed, s.ClientSeed, s.Nonce)
	if randomHash != s.RandomHash {
		return ErrRandomHashMismatch
	}

	replayed := weightedDraws(s.CardTable, s.Count, digest)
	if len(replayed) != len(s.CardIDs) {
		return ErrSequenceMismatch
	}
	for i := range replayed {
		if replayed[i] != s.CardIDs[i] {
			return ErrSequenceMismatch
		}
	}
	return nil
}

// AddPack registers a drawable pack. Intended for seeding and admin use.
func (e *Engine) AddPack(ctx context.Context, p *model.Pack) error {
	if p.CollectionID == "" || p.PackID == "" {
		return errors.New("draw: pack needs a collection and pack id")
	}
	for id, w := range p.Cards {
		if _, err := cardref.Parse(p.CollectionID + "/" + id); err != nil {
			return err
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return errors.New("draw: card weight must be a positive finite number")
		}
	}
	return e.store.Update(ctx, func(tx store.Tx) error {
		tx.PutPack(p)
		return nil
	})
}

// GetPack returns one pack.
func (e *Engine) GetPack(ctx context.Context, collectionID, packID string) (*model.Pack, error) {
	var pack *model.Pack
	err := e.store.View(ctx, func(tx store.Tx) error {
		p, err := tx.Pack(collectionID, packID)
		if err != nil {
			return err
		}
		pack = p
		return nil
	})
	return pack, err
}
