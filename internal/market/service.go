package market

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/cardref"
	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/metrics"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

// Service handles the marketplace HTTP surface.
type Service struct {
	store  store.Store
	market *Market
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a marketplace service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, m *Market, hub *WSHub) *Service {
	return &Service{store: st, market: m, wsHub: hub}
}

// --- Request types ---

// CreateListingRequest is the JSON body for POST /listings.
type CreateListingRequest struct {
	OwnerID     string          `json:"owner_id"`
	CardRef     string          `json:"card_ref"` // "collection/card"
	Quantity    int64           `json:"quantity"`
	PricePoints decimal.Decimal `json:"price_points"`
	PriceCash   decimal.Decimal `json:"price_cash"`
}

// PlaceOfferRequest is the JSON body for POST /listings/{listingID}/offers.
type PlaceOfferRequest struct {
	BidderID string          `json:"bidder_id"`
	Currency model.Currency  `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// RaiseOfferRequest is the JSON body for POST /offers/{offerID}/raise.
type RaiseOfferRequest struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

// BuyRequest is the JSON body for POST /listings/{listingID}/buy.
type BuyRequest struct {
	BuyerID  string         `json:"buyer_id"`
	Currency model.Currency `json:"currency"`
	Quantity int64          `json:"quantity"`
}

// --- HTTP Handlers ---

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	ref, err := cardref.Parse(req.CardRef)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	listing, err := s.market.CreateListing(r.Context(), req.OwnerID, ref, req.Quantity, req.PricePoints, req.PriceCash)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.ListingsCreated.Inc()
	slog.Info("listing created",
		"id", listing.ID,
		"owner", req.OwnerID,
		"card", ref.String(),
		"qty", req.Quantity,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "listing_created",
			ListingID: listing.ID,
			CardRef:   ref.String(),
			Quantity:  listing.Quantity,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(listing)
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	listing, err := s.market.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listing)
}

// ListListings handles GET /api/v1/listings
// Returns all listings, optionally filtered by ?owner_id=<userID>.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	var (
		listings []model.Listing
		err      error
	)
	if owner := r.URL.Query().Get("owner_id"); owner != "" {
		listings, err = s.store.ListingsByOwner(r.Context(), owner)
	} else {
		listings, err = s.store.AllListings(r.Context())
	}
	if err != nil {
		writeError(w, "failed to list listings", http.StatusInternalServerError)
		return
	}
	if listings == nil {
		listings = []model.Listing{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(listings)
}

// WithdrawListing handles DELETE /api/v1/listings/{listingID}?owner_id=<userID>
func (s *Service) WithdrawListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	if err := s.market.WithdrawListing(r.Context(), ownerID, listingID); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("listing withdrawn", "id", listingID, "owner", ownerID)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{Type: "listing_withdrawn", ListingID: listingID})
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListOffers handles GET /api/v1/listings/{listingID}/offers
func (s *Service) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.market.ListingOffers(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if offers == nil {
		offers = []model.Offer{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offers)
}

// PlaceOffer handles POST /api/v1/listings/{listingID}/offers
func (s *Service) PlaceOffer(w http.ResponseWriter, r *http.Request) {
	var req PlaceOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BidderID == "" {
		writeError(w, "bidder_id is required", http.StatusBadRequest)
		return
	}

	listingID := chi.URLParam(r, "listingID")
	offer, err := s.market.PlaceOffer(r.Context(), req.BidderID, listingID, req.Currency, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.OffersPlaced.WithLabelValues(string(req.Currency)).Inc()
	slog.Info("offer placed",
		"id", offer.ID,
		"listing", listingID,
		"bidder", req.BidderID,
		"currency", req.Currency,
		"amount", req.Amount.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "offer_placed",
			ListingID: listingID,
			OfferID:   offer.ID,
			Currency:  string(req.Currency),
			Amount:    req.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(offer)
}

// RaiseOffer handles POST /api/v1/offers/{offerID}/raise
func (s *Service) RaiseOffer(w http.ResponseWriter, r *http.Request) {
	var req RaiseOfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	offer, err := s.market.RaiseOffer(r.Context(), req.BidderID, chi.URLParam(r, "offerID"), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "offer_raised",
			ListingID: offer.ListingID,
			OfferID:   offer.ID,
			Currency:  string(offer.Currency),
			Amount:    offer.Amount.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offer)
}

// WithdrawOffer handles DELETE /api/v1/offers/{offerID}?bidder_id=<userID>
func (s *Service) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	offerID := chi.URLParam(r, "offerID")
	bidderID := r.URL.Query().Get("bidder_id")
	if bidderID == "" {
		writeError(w, "bidder_id is required", http.StatusBadRequest)
		return
	}

	if err := s.market.WithdrawOffer(r.Context(), bidderID, offerID); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("offer withdrawn", "id", offerID, "bidder", bidderID)
	w.WriteHeader(http.StatusNoContent)
}

// AcceptOffer handles POST /api/v1/offers/{offerID}/accept
func (s *Service) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	offer, err := s.market.AcceptOffer(r.Context(), req.OwnerID, chi.URLParam(r, "offerID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("offer accepted",
		"id", offer.ID,
		"listing", offer.ListingID,
		"bidder", offer.BidderID,
		"payment_due", offer.PaymentDueAt,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "offer_accepted",
			ListingID: offer.ListingID,
			OfferID:   offer.ID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offer)
}

// AcceptHighest handles POST /api/v1/listings/{listingID}/accept
// Accepts the cached highest offer on the listing in the requested
// currency.
func (s *Service) AcceptHighest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID  string         `json:"owner_id"`
		Currency model.Currency `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	offer, err := s.market.AcceptHighest(r.Context(), req.OwnerID, chi.URLParam(r, "listingID"), req.Currency)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("offer accepted",
		"id", offer.ID,
		"listing", offer.ListingID,
		"bidder", offer.BidderID,
		"payment_due", offer.PaymentDueAt,
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "offer_accepted",
			ListingID: offer.ListingID,
			OfferID:   offer.ID,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(offer)
}

// PayOffer handles POST /api/v1/offers/{offerID}/pay
func (s *Service) PayOffer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID string `json:"buyer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.market.PayAccepted(r.Context(), req.BuyerID, chi.URLParam(r, "offerID"))
	if err != nil {
		if errors.Is(err, ErrSettlementFailed) {
			metrics.SettlementFailures.Inc()
		}
		writeDomainError(w, err)
		return
	}

	s.settled(rec)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Buy handles POST /api/v1/listings/{listingID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := s.market.PayDirect(r.Context(), req.BuyerID, chi.URLParam(r, "listingID"), req.Currency, req.Quantity)
	if err != nil {
		if errors.Is(err, ErrSettlementFailed) {
			metrics.SettlementFailures.Inc()
		}
		writeDomainError(w, err)
		return
	}

	s.settled(rec)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// settled records metrics, logs, and broadcasts for a completed sale.
func (s *Service) settled(rec *model.TransactionRecord) {
	metrics.SettlementsTotal.WithLabelValues(string(rec.Currency)).Inc()
	slog.Info("sale settled",
		"transaction_id", rec.ID,
		"listing", rec.ListingID,
		"seller", rec.SellerID,
		"buyer", rec.BuyerID,
		"qty", rec.Quantity,
		"currency", rec.Currency,
		"amount", rec.Amount.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:      "sale_settled",
			ListingID: rec.ListingID,
			CardRef:   rec.CollectionID + "/" + rec.CardID,
			Currency:  string(rec.Currency),
			Amount:    rec.Amount.String(),
			Quantity:  rec.Quantity,
		})
	}
}

// UserCards handles GET /api/v1/users/{userID}/cards
func (s *Service) UserCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.store.CardInstancesByOwner(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list cards", http.StatusInternalServerError)
		return
	}
	if cards == nil {
		cards = []model.CardInstance{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cards)
}

// UserTransactions handles GET /api/v1/users/{userID}/transactions
func (s *Service) UserTransactions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.TransactionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.TransactionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// writeDomainError maps domain sentinels to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrSelfDeal),
		errors.Is(err, ErrCurrencyNotAccepted),
		errors.Is(err, ErrMustIncrease),
		errors.Is(err, cardref.ErrInvalidRef),
		errors.Is(err, ledger.ErrInvalidQuantity),
		errors.Is(err, wallet.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, ErrAlreadyAccepted),
		errors.Is(err, ErrNotAccepted):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientStock):
		metrics.StockRejections.Inc()
		status = http.StatusConflict
	case errors.Is(err, ErrNoOffers), errors.Is(err, wallet.ErrUnknownUser):
		status = http.StatusNotFound
	case errors.Is(err, ErrSettlementFailed):
		status = http.StatusBadGateway
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
