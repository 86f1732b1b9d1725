package market

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

// creditRetries bounds the buyer-credit attempts after the payment leg has
// committed. Each attempt is itself a full transaction with conflict retry.
const creditRetries = 5

// PayAccepted settles an accepted offer: the bidder pays the offer amount,
// the seller is paid, the reserved units transfer, the listing and its
// offers are removed, and an immutable transaction record is written, all
// in one commit. The buyer-side card credit runs as a second commit; if it
// cannot be applied after retries a settlement failure is recorded and
// ErrSettlementFailed is returned alongside the completed record.
func (m *Market) PayAccepted(ctx context.Context, buyerID, offerID string) (*model.TransactionRecord, error) {
	var (
		rec  model.TransactionRecord
		meta ledger.Meta
	)

	err := m.store.Update(ctx, func(tx store.Tx) error {
		o, err := tx.Offer(offerID)
		if err != nil {
			return err
		}
		if o.BidderID != buyerID {
			return ErrForbidden
		}
		if o.Status != model.OfferAccepted {
			return ErrNotAccepted
		}

		l, err := tx.Listing(o.ListingID)
		if err != nil {
			return err
		}

		// The accepted offer buys out the listing's full remaining
		// quantity at the offered total.
		qty := l.Quantity

		if err := wallet.Debit(tx, buyerID, o.Currency, o.Amount); err != nil {
			return err
		}
		if err := wallet.Credit(tx, l.OwnerID, o.Currency, o.Amount); err != nil {
			return err
		}

		meta, err = ledger.ConsumeReserved(tx, l.OwnerID, l.Ref(), qty)
		if err != nil {
			return err
		}

		offers, err := tx.OffersByListing(l.ID)
		if err != nil {
			return err
		}
		for _, other := range offers {
			tx.DeleteOffer(other.ID)
		}
		tx.DeleteListing(l.ID)

		rec = model.TransactionRecord{
			ID:           uuid.New().String(),
			ListingID:    l.ID,
			SellerID:     l.OwnerID,
			BuyerID:      buyerID,
			CollectionID: l.CollectionID,
			CardID:       l.CardID,
			Quantity:     qty,
			Currency:     o.Currency,
			Amount:       o.Amount,
			SettledAt:    time.Now().UTC(),
		}
		tx.AppendTransaction(&rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.creditBuyer(ctx, &rec, meta); err != nil {
		return &rec, err
	}
	return &rec, nil
}

// PayDirect buys qty units at the listing price, without an offer round.
// Partial quantities are allowed; the listing shrinks and is removed when
// it empties.
func (m *Market) PayDirect(ctx context.Context, buyerID, listingID string, c model.Currency, qty int64) (*model.TransactionRecord, error) {
	if !c.Valid() || qty <= 0 {
		return nil, ErrInvalidInput
	}

	var (
		rec  model.TransactionRecord
		meta ledger.Meta
	)

	err := m.store.Update(ctx, func(tx store.Tx) error {
		l, err := tx.Listing(listingID)
		if err != nil {
			return err
		}
		if l.Status != model.ListingOpen {
			return ErrAlreadyAccepted
		}
		if l.OwnerID == buyerID {
			return ErrSelfDeal
		}

		price, ok := l.Price(c)
		if !ok {
			return ErrCurrencyNotAccepted
		}
		if qty > l.Quantity {
			return ledger.ErrInsufficientStock
		}
		total := price.Mul(decimal.NewFromInt(qty))

		if err := wallet.Debit(tx, buyerID, c, total); err != nil {
			return err
		}
		if err := wallet.Credit(tx, l.OwnerID, c, total); err != nil {
			return err
		}

		meta, err = ledger.ConsumeReserved(tx, l.OwnerID, l.Ref(), qty)
		if err != nil {
			return err
		}

		l.Quantity -= qty
		if l.Quantity == 0 {
			offers, err := tx.OffersByListing(l.ID)
			if err != nil {
				return err
			}
			for _, o := range offers {
				tx.DeleteOffer(o.ID)
			}
			tx.DeleteListing(l.ID)
		} else {
			tx.PutListing(l)
		}

		rec = model.TransactionRecord{
			ID:           uuid.New().String(),
			ListingID:    l.ID,
			SellerID:     l.OwnerID,
			BuyerID:      buyerID,
			CollectionID: l.CollectionID,
			CardID:       l.CardID,
			Quantity:     qty,
			Currency:     c,
			Amount:       total,
			SettledAt:    time.Now().UTC(),
		}
		tx.AppendTransaction(&rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.creditBuyer(ctx, &rec, meta); err != nil {
		return &rec, err
	}
	return &rec, nil
}

// creditBuyer applies the buyer-side card credit for a settled sale. The
// payment leg has already committed, so this must eventually succeed; after
// creditRetries failed attempts the sale is recorded as a settlement
// failure for manual reconciliation instead of being silently dropped.
func (m *Market) creditBuyer(ctx context.Context, rec *model.TransactionRecord, meta ledger.Meta) error {
	ref := model.CardRef{CollectionID: rec.CollectionID, CardID: rec.CardID}

	var lastErr error
	for attempt := 0; attempt < creditRetries; attempt++ {
		lastErr = m.store.Update(ctx, func(tx store.Tx) error {
			return ledger.Credit(tx, m.policy, rec.BuyerID, ref, rec.Quantity, meta, time.Now().UTC())
		})
		if lastErr == nil {
			return nil
		}
	}

	slog.Error("buyer credit failed after payment",
		"transaction_id", rec.ID,
		"listing_id", rec.ListingID,
		"buyer", rec.BuyerID,
		"error", lastErr,
	)

	failure := model.SettlementFailure{
		ID:           uuid.New().String(),
		ListingID:    rec.ListingID,
		SellerID:     rec.SellerID,
		BuyerID:      rec.BuyerID,
		CollectionID: rec.CollectionID,
		CardID:       rec.CardID,
		Quantity:     rec.Quantity,
		Reason:       lastErr.Error(),
		FailedAt:     time.Now().UTC(),
	}
	if err := m.store.Update(ctx, func(tx store.Tx) error {
		tx.AppendSettlementFailure(&failure)
		return nil
	}); err != nil {
		slog.Error("recording settlement failure failed", "transaction_id", rec.ID, "error", err)
	}

	return fmt.Errorf("%w: %s", ErrSettlementFailed, lastErr)
}
