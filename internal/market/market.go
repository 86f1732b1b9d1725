// Package market implements the marketplace: sale listings backed by
// inventory reservations, competing offers in points or cash, and the
// settlement engine that moves money and cards when a deal closes.
//
// All monetary values use shopspring/decimal, never float64.
package market

import (
	"time"

	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/store"
)

// Config carries the marketplace timing windows.
type Config struct {
	// PaymentDue is how long an accepted offer's bidder has to pay.
	PaymentDue time.Duration

	// OfferTTL bounds how long an open offer stands before an external
	// sweeper may remove it.
	OfferTTL time.Duration
}

// DefaultConfig matches production configuration.
func DefaultConfig() Config {
	return Config{
		PaymentDue: 48 * time.Hour,
		OfferTTL:   7 * 24 * time.Hour,
	}
}

// Market executes listing, offer, and settlement operations as atomic store
// transactions. Safe for concurrent use; conflicting operations serialize
// through the store's transaction retry.
type Market struct {
	store  store.Store
	policy ledger.Policy
	cfg    Config
}

// New creates a Market over the given store.
func New(s store.Store, policy ledger.Policy, cfg Config) *Market {
	return &Market{store: s, policy: policy, cfg: cfg}
}
