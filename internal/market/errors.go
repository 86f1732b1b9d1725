package market

import "errors"

var (
	// ErrInvalidInput is returned for malformed quantities, prices, or
	// currencies.
	ErrInvalidInput = errors.New("market: invalid input")

	// ErrForbidden is returned when the caller does not own the listing or
	// offer it is trying to act on.
	ErrForbidden = errors.New("market: not the owner")

	// ErrSelfDeal is returned when a user bids on or buys from their own
	// listing.
	ErrSelfDeal = errors.New("market: cannot deal on own listing")

	// ErrCurrencyNotAccepted is returned when an offer or purchase uses a
	// currency the listing has no price for.
	ErrCurrencyNotAccepted = errors.New("market: currency not accepted by listing")

	// ErrMustIncrease is returned when a raised offer does not strictly
	// exceed its own previous amount.
	ErrMustIncrease = errors.New("market: raised offer must exceed previous amount")

	// ErrNoOffers is returned when acceptance is requested on a listing
	// with no cached highest offer in the requested currency.
	ErrNoOffers = errors.New("market: no offers on listing")

	// ErrAlreadyAccepted is returned when an operation requires an open
	// listing or offer but an acceptance has already locked it.
	ErrAlreadyAccepted = errors.New("market: already accepted")

	// ErrNotAccepted is returned when payment is attempted on an offer that
	// has not been accepted.
	ErrNotAccepted = errors.New("market: offer not accepted")

	// ErrSettlementFailed is returned when the currency leg of a sale
	// committed but the buyer-side card credit could not be applied. The
	// failure is recorded for reconciliation.
	ErrSettlementFailed = errors.New("market: settlement failed after payment")
)
