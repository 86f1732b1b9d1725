// Package store defines the transactional document store for the card
// engine. Implementations include PostgreSQL (source of truth, serializable
// transactions) and in-memory (optimistic per-document versioning, for
// testing and development).
//
// Every mutating operation in the engine runs as one short-lived atomic
// transaction: Update reads the documents it needs, computes the new state
// in memory, and commits all writes together. On write conflict the
// transaction function is re-run transparently against fresh state, so
// callers never observe partial commits or lost updates.
package store

import (
	"context"
	"errors"

	"github.com/packrush/card-engine/internal/model"
)

var (
	// ErrNotFound is returned by Tx getters when a document does not exist.
	ErrNotFound = errors.New("store: document not found")

	// ErrConflict is the internal signal that a commit lost a race on a
	// document it read. Update retries on it; callers only see it when
	// retries are exhausted.
	ErrConflict = errors.New("store: write conflict")
)

// maxRetries bounds transparent conflict retries per Update call.
const maxRetries = 10

// Tx gives transactional read/write access to the documents. Reads observe
// writes staged earlier in the same transaction. Writes take effect only if
// the transaction commits; a commit fails (and is retried) if any document
// read during the transaction was modified concurrently.
//
// Getter methods return ErrNotFound for absent documents. Mutators never
// fail at call time; implementation errors surface from Update/View.
type Tx interface {
	// --- Card instances: one stock record per (owner, collection, card) ---

	CardInstance(owner string, ref model.CardRef) (*model.CardInstance, error)
	PutCardInstance(c *model.CardInstance)
	DeleteCardInstance(owner string, ref model.CardRef)

	// --- Listings and offers ---

	Listing(id string) (*model.Listing, error)
	PutListing(l *model.Listing)
	DeleteListing(id string)

	Offer(id string) (*model.Offer, error)
	PutOffer(o *model.Offer)
	DeleteOffer(id string)

	// OffersByListing returns all offers against a listing, in no
	// particular order.
	OffersByListing(listingID string) ([]model.Offer, error)

	// --- Accounts (currency ledger + draw state) ---

	Account(userID string) (*model.Account, error)
	PutAccount(a *model.Account)

	// --- Packs and recipes ---

	Pack(collectionID, packID string) (*model.Pack, error)
	PutPack(p *model.Pack)

	Recipe(id string) (*model.FusionRecipe, error)
	PutRecipe(r *model.FusionRecipe)

	// --- Append-only records (immutable once committed) ---

	AppendTransaction(t *model.TransactionRecord)
	AppendDrawSession(s *model.DrawSession)
	AppendSettlementFailure(f *model.SettlementFailure)
}

// Store is the persistence interface. Update runs fn inside one atomic
// transaction and commits its staged writes; on write conflict fn is re-run
// against fresh state (fn must therefore be side-effect free outside the
// Tx). View runs fn read-only; isolation depends on the implementation.
// The Postgres store views inside a repeatable-read transaction, while the
// memory store reads each document at its latest committed version, so a
// multi-document View there can observe a commit that lands between reads.
// Writes decided inside a View must be re-validated in an Update.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error

	// --- Read models (non-transactional queries for the HTTP surface) ---

	ListingsByOwner(ctx context.Context, ownerID string) ([]model.Listing, error)
	AllListings(ctx context.Context) ([]model.Listing, error)
	CardInstancesByOwner(ctx context.Context, ownerID string) ([]model.CardInstance, error)
	TransactionsByUser(ctx context.Context, userID string) ([]model.TransactionRecord, error)
	DrawSessionsByUser(ctx context.Context, userID string) ([]model.DrawSession, error)
}
