package market

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

// CreateListing lists qty units of the owner's card for sale, reserving them
// on the owner's stock record in the same transaction. At least one of the
// two prices must be positive; a non-positive price means the listing does
// not accept that currency.
func (m *Market) CreateListing(ctx context.Context, ownerID string, ref model.CardRef, qty int64, pricePoints, priceCash decimal.Decimal) (*model.Listing, error) {
	if qty <= 0 {
		return nil, ErrInvalidInput
	}
	if !pricePoints.IsPositive() && !priceCash.IsPositive() {
		return nil, ErrInvalidInput
	}
	if pricePoints.IsPositive() && !pricePoints.IsInteger() {
		return nil, ErrInvalidInput
	}

	var listing *model.Listing
	err := m.store.Update(ctx, func(tx store.Tx) error {
		c, err := tx.CardInstance(ownerID, ref)
		if errors.Is(err, store.ErrNotFound) {
			return ledger.ErrInsufficientStock
		}
		if err != nil {
			return err
		}

		if err := ledger.Reserve(tx, ownerID, ref, qty); err != nil {
			return err
		}

		listing = &model.Listing{
			ID:           uuid.New().String(),
			OwnerID:      ownerID,
			CollectionID: ref.CollectionID,
			CardID:       ref.CardID,
			Name:         c.Name,
			ImageRef:     c.ImageRef,
			Quantity:     qty,
			PricePoints:  pricePoints,
			PriceCash:    priceCash,
			Status:       model.ListingOpen,
			CreatedAt:    time.Now().UTC(),
		}
		tx.PutListing(listing)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// WithdrawListing removes an open listing, releasing the reserved units back
// to the owner's available pool and deleting all offers against it. A
// listing with an accepted offer cannot be withdrawn.
func (m *Market) WithdrawListing(ctx context.Context, ownerID, listingID string) error {
	return m.store.Update(ctx, func(tx store.Tx) error {
		l, err := tx.Listing(listingID)
		if err != nil {
			return err
		}
		if l.OwnerID != ownerID {
			return ErrForbidden
		}
		if l.Status != model.ListingOpen {
			return ErrAlreadyAccepted
		}

		if err := ledger.Release(tx, ownerID, l.Ref(), l.Quantity); err != nil {
			return err
		}

		offers, err := tx.OffersByListing(listingID)
		if err != nil {
			return err
		}
		for _, o := range offers {
			tx.DeleteOffer(o.ID)
		}

		tx.DeleteListing(listingID)
		return nil
	})
}

// GetListing returns one listing.
func (m *Market) GetListing(ctx context.Context, listingID string) (*model.Listing, error) {
	var listing *model.Listing
	err := m.store.View(ctx, func(tx store.Tx) error {
		l, err := tx.Listing(listingID)
		if err != nil {
			return err
		}
		listing = l
		return nil
	})
	return listing, err
}
