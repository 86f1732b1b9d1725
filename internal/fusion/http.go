package fusion

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/metrics"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

// Service handles the fusion HTTP surface.
type Service struct {
	engine *Engine
}

// NewService creates a fusion service.
func NewService(e *Engine) *Service {
	return &Service{engine: e}
}

// AddRecipe handles POST /api/v1/recipes
func (s *Service) AddRecipe(w http.ResponseWriter, r *http.Request) {
	var recipe recipeRequest
	if err := json.NewDecoder(r.Body).Decode(&recipe); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m := recipe.model()
	if err := s.engine.AddRecipe(r.Context(), m); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	slog.Info("recipe added", "id", m.ID, "result", m.ResultRef().String())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(m)
}

// GetRecipe handles GET /api/v1/recipes/{recipeID}
func (s *Service) GetRecipe(w http.ResponseWriter, r *http.Request) {
	recipe, err := s.engine.GetRecipe(r.Context(), chi.URLParam(r, "recipeID"))
	if err != nil {
		writeError(w, "recipe not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recipe)
}

// Check handles GET /api/v1/recipes/{recipeID}/check?user_id=<userID>
// Reports which ingredients the user is missing without fusing.
func (s *Service) Check(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	missing, err := s.engine.Check(r.Context(), userID, chi.URLParam(r, "recipeID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "recipe not found", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if missing == nil {
		missing = []Shortfall{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"fusable": len(missing) == 0,
		"missing": missing,
	})
}

// Fuse handles POST /api/v1/recipes/{recipeID}/fuse
func (s *Service) Fuse(w http.ResponseWriter, r *http.Request) {
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

	recipeID := chi.URLParam(r, "recipeID")
	result, err := s.engine.Fuse(r.Context(), req.UserID, recipeID)
	if err != nil {
		var missing *MissingIngredientsError
		switch {
		case errors.As(err, &missing):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"error":   "missing ingredients",
				"missing": missing.Missing,
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, "recipe not found", http.StatusNotFound)
		case errors.Is(err, catalog.ErrCardUnknown):
			writeError(w, err.Error(), http.StatusConflict)
		default:
			writeError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	metrics.FusionsTotal.Inc()
	slog.Info("fusion completed", "user", req.UserID, "recipe", recipeID, "result", result.Ref().String())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// recipeRequest is the JSON body for POST /recipes.
type recipeRequest struct {
	ID                 string                   `json:"id"`
	ResultCollectionID string                   `json:"result_collection_id"`
	ResultCardID       string                   `json:"result_card_id"`
	Ingredients        []model.FusionIngredient `json:"ingredients"`
}

func (r recipeRequest) model() *model.FusionRecipe {
	return &model.FusionRecipe{
		ID:                 r.ID,
		ResultCollectionID: r.ResultCollectionID,
		ResultCardID:       r.ResultCardID,
		Ingredients:        r.Ingredients,
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
