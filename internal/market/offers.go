package market

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

// PlaceOffer bids amount (total, not per-unit) on a listing. Any positive
// bid is accepted; the listing's cached highest offer moves only when the
// bid strictly exceeds it, so an equal bid leaves the earlier bidder on top.
// Funds are not escrowed; they are checked at payment time.
func (m *Market) PlaceOffer(ctx context.Context, bidderID, listingID string, c model.Currency, amount decimal.Decimal) (*model.Offer, error) {
	if !c.Valid() || !amount.IsPositive() {
		return nil, ErrInvalidInput
	}
	if c == model.Points && !amount.IsInteger() {
		return nil, ErrInvalidInput
	}

	var offer *model.Offer
	err := m.store.Update(ctx, func(tx store.Tx) error {
		l, err := tx.Listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != model.ListingOpen {
			return ErrAlreadyAccepted
		}
		if l.OwnerID == bidderID {
			return ErrSelfDeal
		}
		if _, ok := l.Price(c); !ok {
			return ErrCurrencyNotAccepted
		}

		now := time.Now().UTC()
		offer = &model.Offer{
			ID:        uuid.New().String(),
			ListingID: listingID,
			BidderID:  bidderID,
			Currency:  c,
			Amount:    amount,
			Status:    model.OfferOpen,
			PlacedAt:  now,
			ExpiresAt: now.Add(m.cfg.OfferTTL),
		}
		tx.PutOffer(offer)

		if highest := l.Highest(c); highest.None() || amount.GreaterThan(highest.Amount) {
			l.SetHighest(c, model.OfferSnapshot{OfferID: offer.ID, BidderID: bidderID, Amount: amount})
			tx.PutListing(l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// RaiseOffer increases an existing open offer. The new amount must strictly
// exceed the offer's old amount; the cached highest moves under the same
// strictly-greater rule as placement.
func (m *Market) RaiseOffer(ctx context.Context, bidderID, offerID string, amount decimal.Decimal) (*model.Offer, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidInput
	}

	var offer *model.Offer
	err := m.store.Update(ctx, func(tx store.Tx) error {
		o, err := tx.Offer(offerID)
		if err != nil {
			return err
		}
		if o.BidderID != bidderID {
			return ErrForbidden
		}
		if o.Status != model.OfferOpen {
			return ErrAlreadyAccepted
		}
		if o.Currency == model.Points && !amount.IsInteger() {
			return ErrInvalidInput
		}
		if !amount.GreaterThan(o.Amount) {
			return ErrMustIncrease
		}

		l, err := tx.Listing(o.ListingID)
		if err != nil {
			return err
		}
		if l.Status != model.ListingOpen {
			return ErrAlreadyAccepted
		}

		o.Amount = amount
		tx.PutOffer(o)

		if highest := l.Highest(o.Currency); highest.None() || amount.GreaterThan(highest.Amount) {
			l.SetHighest(o.Currency, model.OfferSnapshot{OfferID: o.ID, BidderID: o.BidderID, Amount: amount})
			tx.PutListing(l)
		}
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// WithdrawOffer removes an open offer. If it was the cached highest in its
// currency the true maximum is recomputed from the remaining offers, so the
// cache never points at a dead offer. An accepted offer cannot be
// withdrawn.
func (m *Market) WithdrawOffer(ctx context.Context, bidderID, offerID string) error {
	return m.store.Update(ctx, func(tx store.Tx) error {
		o, err := tx.Offer(offerID)
		if err != nil {
			return err
		}
		if o.BidderID != bidderID {
			return ErrForbidden
		}
		if o.Status != model.OfferOpen {
			return ErrAlreadyAccepted
		}

		tx.DeleteOffer(offerID)

		l, err := tx.Listing(o.ListingID)
		if err != nil {
			// Listing already gone; nothing to recompute.
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}

		if l.Highest(o.Currency).OfferID == o.ID {
			if err := recomputeHighest(tx, l, o.Currency); err != nil {
				return err
			}
			tx.PutListing(l)
		}
		return nil
	})
}

// AcceptOffer marks an offer as the winning bid. The listing and the offer
// both move to accepted, freezing the listing against further offers and
// withdrawal, and a payment deadline is stamped on both.
func (m *Market) AcceptOffer(ctx context.Context, ownerID, offerID string) (*model.Offer, error) {
	var offer *model.Offer
	err := m.store.Update(ctx, func(tx store.Tx) error {
		o, err := tx.Offer(offerID)
		if err != nil {
			return err
		}
		if o.Status != model.OfferOpen {
			return ErrAlreadyAccepted
		}

		l, err := tx.Listing(o.ListingID)
		if err != nil {
			return err
		}
		if l.OwnerID != ownerID {
			return ErrForbidden
		}
		if l.Status != model.ListingOpen {
			return ErrAlreadyAccepted
		}

		accept(tx, o, l, time.Now().UTC().Add(m.cfg.PaymentDue))
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// AcceptHighest accepts the cached highest offer on a listing in the given
// currency. Only the listing owner may accept; a listing with no cached
// highest in that currency fails with ErrNoOffers.
func (m *Market) AcceptHighest(ctx context.Context, ownerID, listingID string, c model.Currency) (*model.Offer, error) {
	if !c.Valid() {
		return nil, ErrInvalidInput
	}

	var offer *model.Offer
	err := m.store.Update(ctx, func(tx store.Tx) error {
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

		highest := l.Highest(c)
		if highest.None() {
			return ErrNoOffers
		}
		o, err := tx.Offer(highest.OfferID)
		if err != nil {
			return err
		}

		accept(tx, o, l, time.Now().UTC().Add(m.cfg.PaymentDue))
		offer = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// accept stamps the offer as the winning bid and freezes the listing. Both
// documents get the same payment deadline.
func accept(tx store.Tx, o *model.Offer, l *model.Listing, due time.Time) {
	o.Status = model.OfferAccepted
	o.PaymentDueAt = due
	tx.PutOffer(o)

	l.Status = model.ListingAccepted
	l.PaymentDueAt = due
	l.ExpiresAt = due
	tx.PutListing(l)
}

// ListingOffers returns all offers against a listing.
func (m *Market) ListingOffers(ctx context.Context, listingID string) ([]model.Offer, error) {
	var offers []model.Offer
	err := m.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.Listing(listingID); err != nil {
			return err
		}
		os, err := tx.OffersByListing(listingID)
		if err != nil {
			return err
		}
		offers = os
		return nil
	})
	return offers, err
}

// recomputeHighest rescans the listing's remaining offers in the given
// currency and resets the cached snapshot to the true maximum. Ties break
// toward the earliest placed offer.
func recomputeHighest(tx store.Tx, l *model.Listing, c model.Currency) error {
	offers, err := tx.OffersByListing(l.ID)
	if err != nil {
		return err
	}

	var best model.OfferSnapshot
	var bestPlaced time.Time
	for _, o := range offers {
		if o.Currency != c {
			continue
		}
		if best.None() ||
			o.Amount.GreaterThan(best.Amount) ||
			(o.Amount.Equal(best.Amount) && o.PlacedAt.Before(bestPlaced)) {
			best = model.OfferSnapshot{OfferID: o.ID, BidderID: o.BidderID, Amount: o.Amount}
			bestPlaced = o.PlacedAt
		}
	}

	l.SetHighest(c, best)
	return nil
}
