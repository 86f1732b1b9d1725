package draw

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/metrics"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/spendlimit"
	"github.com/packrush/card-engine/internal/store"
	"github.com/packrush/card-engine/internal/wallet"
)

// Service handles the pack and draw HTTP surface.
type Service struct {
	engine *Engine
	store  store.Store
}

// NewService creates a draw service.
func NewService(e *Engine, st store.Store) *Service {
	return &Service{engine: e, store: st}
}

// AddPack handles POST /api/v1/packs
func (s *Service) AddPack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectionID string             `json:"collection_id"`
		PackID       string             `json:"pack_id"`
		PricePoints  decimal.Decimal    `json:"price_points"`
		Cards        map[string]float64 `json:"cards"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pack := &model.Pack{
		CollectionID: req.CollectionID,
		PackID:       req.PackID,
		PricePoints:  req.PricePoints,
		Cards:        req.Cards,
	}
	if err := s.engine.AddPack(r.Context(), pack); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("pack added", "collection", req.CollectionID, "pack", req.PackID, "cards", len(req.Cards))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pack)
}

// GetPack handles GET /api/v1/packs/{collectionID}/{packID}
func (s *Service) GetPack(w http.ResponseWriter, r *http.Request) {
	pack, err := s.engine.GetPack(r.Context(), chi.URLParam(r, "collectionID"), chi.URLParam(r, "packID"))
	if err != nil {
		writeError(w, "pack not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pack)
}

// Open handles POST /api/v1/packs/{collectionID}/{packID}/open
func (s *Service) Open(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Count  int    `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	collectionID := chi.URLParam(r, "collectionID")
	packID := chi.URLParam(r, "packID")

	session, err := s.engine.Open(r.Context(), req.UserID, collectionID, packID, req.Count)
	if err != nil {
		writeDrawError(w, err)
		return
	}

	metrics.DrawsTotal.Inc()
	metrics.CardsDrawn.Add(float64(session.Count))
	slog.Info("pack opened",
		"session", session.ID,
		"user", req.UserID,
		"pack", collectionID+"/"+packID,
		"count", session.Count,
		"nonce", session.Nonce,
		"cost", session.PricePoints.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

// UserDraws handles GET /api/v1/users/{userID}/draws
func (s *Service) UserDraws(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.DrawSessionsByUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to list draws", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []model.DrawSession{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessions)
}

// VerifyDraw handles POST /api/v1/draws/verify
// Replays a recorded session against the card table it carries. A payload
// without a table falls back to the pack's current table.
func (s *Service) VerifyDraw(w http.ResponseWriter, r *http.Request) {
	var session model.DrawSession
	if err := json.NewDecoder(r.Body).Decode(&session); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if len(session.CardTable) == 0 {
		pack, err := s.engine.GetPack(r.Context(), session.CollectionID, session.PackID)
		if err != nil {
			writeError(w, "pack not found", http.StatusNotFound)
			return
		}
		session.CardTable = pack.Cards
	}

	resp := map[string]any{"fair": true}
	if err := Verify(&session); err != nil {
		resp["fair"] = false
		resp["reason"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeDrawError maps draw sentinels to HTTP status codes.
func writeDrawError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, wallet.ErrUnknownUser):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidCount):
		status = http.StatusBadRequest
	case errors.Is(err, ErrEmptyPack):
		status = http.StatusConflict
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, spendlimit.ErrPerDrawLimitExceeded),
		errors.Is(err, spendlimit.ErrWeeklyLimitExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, catalog.ErrCardUnknown):
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
