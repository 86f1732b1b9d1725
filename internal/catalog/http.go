package catalog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/cardref"
)

// Service handles the catalog HTTP surface: registering card types and
// looking them up.
type Service struct {
	mem    *Memory
	lookup Catalog // read path, possibly cache-wrapped
}

// NewService creates a catalog service. mem receives writes; lookup serves
// reads and may be the same catalog wrapped with a cache.
func NewService(mem *Memory, lookup Catalog) *Service {
	return &Service{mem: mem, lookup: lookup}
}

// AddCard handles POST /api/v1/catalog/cards
func (s *Service) AddCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref        string          `json:"ref"` // "collection/card"
		Name       string          `json:"name"`
		ImageRef   string          `json:"image_ref"`
		PointWorth decimal.Decimal `json:"point_worth"`
		Rarity     int             `json:"rarity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ref, err := cardref.Parse(req.Ref)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	card := Card{
		Ref:        ref,
		Name:       req.Name,
		ImageRef:   req.ImageRef,
		PointWorth: req.PointWorth,
		Rarity:     req.Rarity,
	}
	s.mem.Add(card)

	// Drop any stale cached copy.
	if cached, ok := s.lookup.(*Cached); ok {
		cached.Invalidate(r.Context(), ref)
	}

	slog.Info("catalog card added", "ref", ref.String(), "worth", req.PointWorth.String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(card)
}

// GetCard handles GET /api/v1/catalog/cards?ref=<collection/card>
func (s *Service) GetCard(w http.ResponseWriter, r *http.Request) {
	ref, err := cardref.Parse(r.URL.Query().Get("ref"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	card, err := s.lookup.Card(r.Context(), ref)
	if err != nil {
		if errors.Is(err, ErrCardUnknown) {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(card)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
