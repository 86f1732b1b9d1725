package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
)

// Service handles the account HTTP surface.
type Service struct {
	wallet *Wallet
}

// NewService creates an account service.
func NewService(w *Wallet) *Service {
	return &Service{wallet: w}
}

// CreateAccount handles POST /api/v1/users
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	a, err := s.wallet.Open(r.Context(), req.UserID, time.Now().UTC())
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	slog.Info("account opened", "user", req.UserID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(accountView(a))
}

// GetAccount handles GET /api/v1/users/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.wallet.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(accountView(a))
}

// Deposit handles POST /api/v1/users/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Currency model.Currency  `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.Currency.Valid() {
		writeError(w, "currency must be points or cash", http.StatusBadRequest)
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := s.wallet.Deposit(r.Context(), userID, req.Currency, req.Amount); err != nil {
		switch {
		case errors.Is(err, ErrUnknownUser):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrInvalidAmount):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	slog.Info("deposit", "user", userID, "currency", req.Currency, "amount", req.Amount.String())
	w.WriteHeader(http.StatusNoContent)
}

// SetClientSeed handles PUT /api/v1/users/{userID}/client-seed
func (s *Service) SetClientSeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed string `json:"seed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID := chi.URLParam(r, "userID")
	if err := s.wallet.SetClientSeed(r.Context(), userID, req.Seed); err != nil {
		switch {
		case errors.Is(err, ErrUnknownUser):
			writeError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, ErrInvalidSeed):
			writeError(w, err.Error(), http.StatusBadRequest)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	slog.Info("client seed updated", "user", userID)
	w.WriteHeader(http.StatusNoContent)
}

// AccountView is the account representation returned over HTTP. The server
// never reveals unrevealed draw state beyond the nonce counter.
type AccountView struct {
	UserID           string          `json:"user_id"`
	PointsBalance    decimal.Decimal `json:"points_balance"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	ClientSeed       string          `json:"client_seed"`
	NonceCounter     int64           `json:"nonce_counter"`
	TotalDrawn       decimal.Decimal `json:"total_drawn"`
	TotalPointsSpent decimal.Decimal `json:"total_points_spent"`
	TotalFusions     int64           `json:"total_fusions"`
	WeekSpent        decimal.Decimal `json:"week_spent"`
}

func accountView(a *model.Account) AccountView {
	return AccountView{
		UserID:           a.UserID,
		PointsBalance:    a.PointsBalance,
		CashBalance:      a.CashBalance,
		ClientSeed:       a.ClientSeed,
		NonceCounter:     a.NonceCounter,
		TotalDrawn:       a.TotalDrawn,
		TotalPointsSpent: a.TotalPointsSpent,
		TotalFusions:     a.TotalFusions,
		WeekSpent:        a.WeekSpent,
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
