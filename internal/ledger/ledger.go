// Package ledger implements the inventory ledger: per-owner stock records
// with an available quantity and a locked (listed) quantity. All operations
// run against a store transaction, so callers compose them with other
// document mutations and the whole group commits atomically.
//
// Invariants: Quantity >= 0 and LockedQuantity >= 0 always; a record at
// (0, 0) is deleted rather than kept around.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

var (
	// ErrInsufficientStock is returned when a debit, reserve, or consume
	// asks for more units than the relevant pool holds.
	ErrInsufficientStock = errors.New("ledger: insufficient stock")

	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
)

// Meta is the display metadata denormalized onto a stock record when it is
// first created. Sourced from the catalog or copied from another record.
type Meta struct {
	Name       string
	ImageRef   string
	PointWorth decimal.Decimal
	Rarity     int
}

// Policy controls card lifetime bookkeeping stamped at acquisition time.
// Cards worth less than SoftWorthThreshold points get a soft expiry; the
// buyback window is refreshed on every acquisition regardless of worth.
type Policy struct {
	SoftWorthThreshold decimal.Decimal
	SoftExpiry         time.Duration
	Buyback            time.Duration
}

// DefaultPolicy matches production configuration.
func DefaultPolicy() Policy {
	return Policy{
		SoftWorthThreshold: decimal.NewFromInt(1000),
		SoftExpiry:         7 * 24 * time.Hour,
		Buyback:            3 * 24 * time.Hour,
	}
}

// Credit adds qty units to the owner's available pool, creating the stock
// record if absent. meta is consulted only on creation; the buyback window
// is refreshed either way.
func Credit(tx store.Tx, policy Policy, owner string, ref model.CardRef, qty int64, meta Meta, now time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	c, err := tx.CardInstance(owner, ref)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c = &model.CardInstance{
			OwnerID:      owner,
			CollectionID: ref.CollectionID,
			CardID:       ref.CardID,
			Name:         meta.Name,
			ImageRef:     meta.ImageRef,
			PointWorth:   meta.PointWorth,
			Rarity:       meta.Rarity,
			AcquiredAt:   now,
		}
		if meta.PointWorth.LessThan(policy.SoftWorthThreshold) {
			c.SoftExpiresAt = now.Add(policy.SoftExpiry)
		}
	case err != nil:
		return err
	}

	c.Quantity += qty
	c.BuybackExpiresAt = now.Add(policy.Buyback)
	tx.PutCardInstance(c)
	return nil
}

// Debit removes qty units from the owner's available pool. Fails with
// ErrInsufficientStock if fewer than qty units are available; locked units
// are never touched. Deletes the record when it reaches (0, 0).
func Debit(tx store.Tx, owner string, ref model.CardRef, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	c, err := tx.CardInstance(owner, ref)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInsufficientStock
	}
	if err != nil {
		return err
	}
	if c.Quantity < qty {
		return ErrInsufficientStock
	}

	c.Quantity -= qty
	putOrDelete(tx, c)
	return nil
}

// Reserve moves qty units from available to locked, backing a new listing.
func Reserve(tx store.Tx, owner string, ref model.CardRef, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	c, err := tx.CardInstance(owner, ref)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInsufficientStock
	}
	if err != nil {
		return err
	}
	if c.Quantity < qty {
		return ErrInsufficientStock
	}

	c.Quantity -= qty
	c.LockedQuantity += qty
	tx.PutCardInstance(c)
	return nil
}

// Release moves qty units from locked back to available, undoing a
// reservation when a listing is withdrawn.
func Release(tx store.Tx, owner string, ref model.CardRef, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}

	c, err := tx.CardInstance(owner, ref)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInsufficientStock
	}
	if err != nil {
		return err
	}
	if c.LockedQuantity < qty {
		return ErrInsufficientStock
	}

	c.LockedQuantity -= qty
	c.Quantity += qty
	tx.PutCardInstance(c)
	return nil
}

// ConsumeReserved removes qty units from the locked pool permanently, used
// when reserved units are sold. Deletes the record when it reaches (0, 0).
// Returns the record's display metadata so the buyer-side credit can carry
// it forward.
func ConsumeReserved(tx store.Tx, owner string, ref model.CardRef, qty int64) (Meta, error) {
	if qty <= 0 {
		return Meta{}, ErrInvalidQuantity
	}

	c, err := tx.CardInstance(owner, ref)
	if errors.Is(err, store.ErrNotFound) {
		return Meta{}, ErrInsufficientStock
	}
	if err != nil {
		return Meta{}, err
	}
	if c.LockedQuantity < qty {
		return Meta{}, ErrInsufficientStock
	}

	meta := Meta{
		Name:       c.Name,
		ImageRef:   c.ImageRef,
		PointWorth: c.PointWorth,
		Rarity:     c.Rarity,
	}

	c.LockedQuantity -= qty
	putOrDelete(tx, c)
	return meta, nil
}

// putOrDelete persists the record, or deletes it when both pools are empty.
func putOrDelete(tx store.Tx, c *model.CardInstance) {
	if c.Quantity == 0 && c.LockedQuantity == 0 {
		tx.DeleteCardInstance(c.OwnerID, c.Ref())
		return
	}
	tx.PutCardInstance(c)
}
