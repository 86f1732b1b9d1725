package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/packrush/card-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps and optimistic
// per-document versioning. Used for testing and development. Not suitable
// for production (no persistence).
//
// Each document carries a version counter. A transaction records the
// version of every document it reads; at commit time the versions are
// re-checked under the store lock, and any mismatch aborts the commit with
// ErrConflict, which Update turns into a transparent re-run.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*docEntry

	transactions []model.TransactionRecord
	drawSessions []model.DrawSession
	failures     []model.SettlementFailure
}

// docEntry is one versioned document slot. val == nil marks a deleted
// (or never-created) document; the version survives deletion so a
// delete/recreate cannot masquerade as "unchanged".
type docEntry struct {
	version uint64
	val     any
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docEntry)}
}

// --- Document keys (flat keyed map; hierarchy is not a domain concept) ---

func cardKey(owner string, ref model.CardRef) string {
	return fmt.Sprintf("card|%s|%s|%s", owner, ref.CollectionID, ref.CardID)
}
func listingKey(id string) string     { return "listing|" + id }
func offerKey(id string) string       { return "offer|" + id }
func accountKey(userID string) string { return "account|" + userID }
func recipeKey(id string) string      { return "recipe|" + id }

func packKey(collectionID, packID string) string {
	return fmt.Sprintf("pack|%s|%s", collectionID, packID)
}

// clone copies a stored document so transactions never share mutable state
// with the store or with each other.
func clone(v any) any {
	switch t := v.(type) {
	case model.CardInstance:
		cp := t
		return cp
	case model.Listing:
		cp := t
		return cp
	case model.Offer:
		cp := t
		return cp
	case model.Account:
		cp := t
		return cp
	case model.Pack:
		return *t.Clone()
	case model.FusionRecipe:
		return *t.Clone()
	default:
		return v
	}
}

// memTx implements Tx over a MemoryStore. Reads go to the store under lock
// (recording versions); writes are staged locally until commit.
type memTx struct {
	s      *MemoryStore
	reads  map[string]uint64 // key → version observed (0 = absent)
	writes map[string]any    // key → staged value; nil = tombstone

	appendTxns []model.TransactionRecord
	appendDraw []model.DrawSession
	appendFail []model.SettlementFailure
}

func (s *MemoryStore) newTx() *memTx {
	return &memTx{
		s:      s,
		reads:  make(map[string]uint64),
		writes: make(map[string]any),
	}
}

// get returns the current value for key, honoring staged writes first.
func (t *memTx) get(key string) (any, bool) {
	if v, staged := t.writes[key]; staged {
		if v == nil {
			return nil, false
		}
		return clone(v), true
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	e, ok := t.s.docs[key]
	if _, seen := t.reads[key]; !seen {
		if ok {
			t.reads[key] = e.version
		} else {
			t.reads[key] = 0
		}
	}
	if !ok || e.val == nil {
		return nil, false
	}
	return clone(e.val), true
}

func (t *memTx) put(key string, v any) { t.writes[key] = clone(v) }
func (t *memTx) del(key string)        { t.writes[key] = nil }

// commit re-validates every read version under the store lock and applies
// the staged writes and appends atomically.
func (t *memTx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for key, seen := range t.reads {
		var current uint64
		if e, ok := t.s.docs[key]; ok {
			current = e.version
		}
		if current != seen {
			return ErrConflict
		}
	}

	for key, v := range t.writes {
		e, ok := t.s.docs[key]
		if !ok {
			e = &docEntry{}
			t.s.docs[key] = e
		}
		e.version++
		e.val = v
	}

	t.s.transactions = append(t.s.transactions, t.appendTxns...)
	t.s.drawSessions = append(t.s.drawSessions, t.appendDraw...)
	t.s.failures = append(t.s.failures, t.appendFail...)
	return nil
}

// --- Tx interface ---

func (t *memTx) CardInstance(owner string, ref model.CardRef) (*model.CardInstance, error) {
	v, ok := t.get(cardKey(owner, ref))
	if !ok {
		return nil, ErrNotFound
	}
	c := v.(model.CardInstance)
	return &c, nil
}

func (t *memTx) PutCardInstance(c *model.CardInstance) {
	t.put(cardKey(c.OwnerID, c.Ref()), *c)
}

func (t *memTx) DeleteCardInstance(owner string, ref model.CardRef) {
	t.del(cardKey(owner, ref))
}

func (t *memTx) Listing(id string) (*model.Listing, error) {
	v, ok := t.get(listingKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	l := v.(model.Listing)
	return &l, nil
}

func (t *memTx) PutListing(l *model.Listing) { t.put(listingKey(l.ID), *l) }
func (t *memTx) DeleteListing(id string)     { t.del(listingKey(id)) }

func (t *memTx) Offer(id string) (*model.Offer, error) {
	v, ok := t.get(offerKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	o := v.(model.Offer)
	return &o, nil
}

func (t *memTx) PutOffer(o *model.Offer) { t.put(offerKey(o.ID), *o) }
func (t *memTx) DeleteOffer(id string)   { t.del(offerKey(id)) }

// OffersByListing scans all offer documents. Matching documents join the
// read set, so a concurrent mutation of any returned offer conflicts the
// commit.
func (t *memTx) OffersByListing(listingID string) ([]model.Offer, error) {
	matched := make(map[string]model.Offer)

	t.s.mu.Lock()
	for key, e := range t.s.docs {
		if !strings.HasPrefix(key, "offer|") || e.val == nil {
			continue
		}
		o := e.val.(model.Offer)
		if o.ListingID != listingID {
			continue
		}
		if _, seen := t.reads[key]; !seen {
			t.reads[key] = e.version
		}
		matched[key] = o
	}
	t.s.mu.Unlock()

	// Overlay staged writes from this transaction.
	for key, v := range t.writes {
		if !strings.HasPrefix(key, "offer|") {
			continue
		}
		if v == nil {
			delete(matched, key)
			continue
		}
		o := v.(model.Offer)
		if o.ListingID == listingID {
			matched[key] = o
		} else {
			delete(matched, key)
		}
	}

	offers := make([]model.Offer, 0, len(matched))
	for _, o := range matched {
		offers = append(offers, o)
	}
	return offers, nil
}

func (t *memTx) Account(userID string) (*model.Account, error) {
	v, ok := t.get(accountKey(userID))
	if !ok {
		return nil, ErrNotFound
	}
	a := v.(model.Account)
	return &a, nil
}

func (t *memTx) PutAccount(a *model.Account) { t.put(accountKey(a.UserID), *a) }

func (t *memTx) Pack(collectionID, packID string) (*model.Pack, error) {
	v, ok := t.get(packKey(collectionID, packID))
	if !ok {
		return nil, ErrNotFound
	}
	p := v.(model.Pack)
	return &p, nil
}

func (t *memTx) PutPack(p *model.Pack) { t.put(packKey(p.CollectionID, p.PackID), *p) }

func (t *memTx) Recipe(id string) (*model.FusionRecipe, error) {
	v, ok := t.get(recipeKey(id))
	if !ok {
		return nil, ErrNotFound
	}
	r := v.(model.FusionRecipe)
	return &r, nil
}

func (t *memTx) PutRecipe(r *model.FusionRecipe) { t.put(recipeKey(r.ID), *r) }

func (t *memTx) AppendTransaction(rec *model.TransactionRecord) {
	t.appendTxns = append(t.appendTxns, *rec)
}

func (t *memTx) AppendDrawSession(s *model.DrawSession) {
	t.appendDraw = append(t.appendDraw, *s.Clone())
}

func (t *memTx) AppendSettlementFailure(f *model.SettlementFailure) {
	t.appendFail = append(t.appendFail, *f)
}

// --- Store interface ---

// Update runs fn in an optimistic transaction, retrying transparently on
// write conflict up to maxRetries times.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := s.newTx()
		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.commit(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", ErrConflict)
}

// View runs fn against the store read-only. Staged writes, if any, are
// discarded. Each read sees the latest committed version of its document;
// versions are not cross-validated, so a multi-document View can straddle
// a concurrent commit.
func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s.newTx())
}

// --- Read models ---

func (s *MemoryStore) ListingsByOwner(_ context.Context, ownerID string) ([]model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var listings []model.Listing
	for key, e := range s.docs {
		if !strings.HasPrefix(key, "listing|") || e.val == nil {
			continue
		}
		l := e.val.(model.Listing)
		if l.OwnerID == ownerID {
			listings = append(listings, l)
		}
	}
	return listings, nil
}

func (s *MemoryStore) AllListings(_ context.Context) ([]model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var listings []model.Listing
	for key, e := range s.docs {
		if !strings.HasPrefix(key, "listing|") || e.val == nil {
			continue
		}
		listings = append(listings, e.val.(model.Listing))
	}
	return listings, nil
}

func (s *MemoryStore) CardInstancesByOwner(_ context.Context, ownerID string) ([]model.CardInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "card|" + ownerID + "|"
	var cards []model.CardInstance
	for key, e := range s.docs {
		if !strings.HasPrefix(key, prefix) || e.val == nil {
			continue
		}
		cards = append(cards, e.val.(model.CardInstance))
	}
	return cards, nil
}

func (s *MemoryStore) TransactionsByUser(_ context.Context, userID string) ([]model.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []model.TransactionRecord
	for _, r := range s.transactions {
		if r.BuyerID == userID || r.SellerID == userID {
			recs = append(recs, r)
		}
	}
	return recs, nil
}

func (s *MemoryStore) DrawSessionsByUser(_ context.Context, userID string) ([]model.DrawSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []model.DrawSession
	for _, d := range s.drawSessions {
		if d.UserID == userID {
			sessions = append(sessions, *d.Clone())
		}
	}
	return sessions, nil
}

// SettlementFailures returns all recorded settlement failures. Intended for
// the reconciliation surface and tests.
func (s *MemoryStore) SettlementFailures() []model.SettlementFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SettlementFailure(nil), s.failures...)
}
