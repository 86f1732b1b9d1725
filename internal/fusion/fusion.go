// Package fusion implements recipe-based card fusion: a fixed list of
// ingredient cards is consumed and one result card is produced, atomically.
// A fusion either fully applies or leaves the inventory untouched.
package fusion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/packrush/card-engine/internal/catalog"
	"github.com/packrush/card-engine/internal/ledger"
	"github.com/packrush/card-engine/internal/model"
	"github.com/packrush/card-engine/internal/store"
)

// Shortfall names one ingredient the user cannot cover: how many units the
// recipe requires versus how many are available (locked units do not
// count).
type Shortfall struct {
	Ref      model.CardRef `json:"ref"`
	Required int64         `json:"required"`
	Held     int64         `json:"held"`
}

// MissingIngredientsError reports every ingredient shortfall of an
// attempted fusion, not just the first.
type MissingIngredientsError struct {
	Missing []Shortfall
}

func (e *MissingIngredientsError) Error() string {
	parts := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		parts[i] = fmt.Sprintf("%s need %d have %d", s.Ref, s.Required, s.Held)
	}
	return "fusion: missing ingredients: " + strings.Join(parts, ", ")
}

// Engine executes fusions against the store.
type Engine struct {
	store   store.Store
	catalog catalog.Catalog
	policy  ledger.Policy
}

// New creates a fusion Engine.
func New(s store.Store, c catalog.Catalog, policy ledger.Policy) *Engine {
	return &Engine{store: s, catalog: c, policy: policy}
}

// aggregate sums the recipe's requirement per card, in first-occurrence
// order. A card listed on several ingredient lines is checked and debited
// once, against the combined quantity.
func aggregate(recipe *model.FusionRecipe) []model.FusionIngredient {
	idx := make(map[model.CardRef]int, len(recipe.Ingredients))
	out := make([]model.FusionIngredient, 0, len(recipe.Ingredients))
	for _, ing := range recipe.Ingredients {
		if i, ok := idx[ing.Ref()]; ok {
			out[i].Quantity += ing.Quantity
			continue
		}
		idx[ing.Ref()] = len(out)
		out = append(out, ing)
	}
	return out
}

// shortfalls returns the ingredients the user cannot cover from available
// stock, in recipe order.
func shortfalls(tx store.Tx, userID string, recipe *model.FusionRecipe) ([]Shortfall, error) {
	var missing []Shortfall
	for _, ing := range aggregate(recipe) {
		var held int64
		c, err := tx.CardInstance(userID, ing.Ref())
		switch {
		case errors.Is(err, store.ErrNotFound):
			held = 0
		case err != nil:
			return nil, err
		default:
			held = c.Quantity
		}
		if held < ing.Quantity {
			missing = append(missing, Shortfall{Ref: ing.Ref(), Required: ing.Quantity, Held: held})
		}
	}
	return missing, nil
}

// Check reports the ingredient shortfalls for a fusion without performing
// it. An empty result means the fusion would succeed.
func (e *Engine) Check(ctx context.Context, userID, recipeID string) ([]Shortfall, error) {
	var missing []Shortfall
	err := e.store.View(ctx, func(tx store.Tx) error {
		recipe, err := tx.Recipe(recipeID)
		if err != nil {
			return err
		}
		missing, err = shortfalls(tx, userID, recipe)
		return err
	})
	return missing, err
}

// Fuse consumes the recipe's ingredients from the user's available stock
// and credits one result card. Locked units never count toward ingredients.
// If any ingredient is short the whole fusion is rejected with
// *MissingIngredientsError and nothing changes.
func (e *Engine) Fuse(ctx context.Context, userID, recipeID string) (*model.CardInstance, error) {
	// Resolve the recipe and the result card's metadata before entering the
	// atomic region; the catalog may be a network hop.
	var recipe *model.FusionRecipe
	if err := e.store.View(ctx, func(tx store.Tx) error {
		r, err := tx.Recipe(recipeID)
		if err != nil {
			return err
		}
		recipe = r
		return nil
	}); err != nil {
		return nil, err
	}

	card, err := e.catalog.Card(ctx, recipe.ResultRef())
	if err != nil {
		return nil, err
	}
	meta := ledger.Meta{
		Name:       card.Name,
		ImageRef:   card.ImageRef,
		PointWorth: card.PointWorth,
		Rarity:     card.Rarity,
	}

	var result *model.CardInstance
	err = e.store.Update(ctx, func(tx store.Tx) error {
		missing, err := shortfalls(tx, userID, recipe)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return &MissingIngredientsError{Missing: missing}
		}

		for _, ing := range aggregate(recipe) {
			if err := ledger.Debit(tx, userID, ing.Ref(), ing.Quantity); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := ledger.Credit(tx, e.policy, userID, recipe.ResultRef(), 1, meta, now); err != nil {
			return err
		}

		a, err := tx.Account(userID)
		if err == nil {
			a.TotalFusions++
			tx.PutAccount(a)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		result, err = tx.CardInstance(userID, recipe.ResultRef())
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddRecipe registers a fusion recipe. Recipes are immutable; re-adding an
// existing id replaces it and is intended for seeding only.
func (e *Engine) AddRecipe(ctx context.Context, r *model.FusionRecipe) error {
	if r.ID == "" || len(r.Ingredients) == 0 {
		return errors.New("fusion: recipe needs an id and at least one ingredient")
	}
	for _, ing := range r.Ingredients {
		if ing.Quantity <= 0 {
			return errors.New("fusion: ingredient quantity must be positive")
		}
	}
	return e.store.Update(ctx, func(tx store.Tx) error {
		tx.PutRecipe(r)
		return nil
	})
}

// GetRecipe returns one recipe.
func (e *Engine) GetRecipe(ctx context.Context, recipeID string) (*model.FusionRecipe, error) {
	var recipe *model.FusionRecipe
	err := e.store.View(ctx, func(tx store.Tx) error {
		r, err := tx.Recipe(recipeID)
		if err != nil {
			return err
		}
		recipe = r
		return nil
	})
	return recipe, err
}
