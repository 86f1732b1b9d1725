// Package catalog resolves card references to display metadata and point
// worth. The catalog is external reference data: the engine reads it when
// cards are first acquired and denormalizes the result onto the owner's
// stock records, so later ledger operations never consult it again.
package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/packrush/card-engine/internal/model"
)

// ErrCardUnknown is returned when a card reference is not in the catalog.
var ErrCardUnknown = errors.New("catalog: unknown card")

// Card is the catalog entry for one card type.
type Card struct {
	Ref        model.CardRef   `json:"ref"`
	Name       string          `json:"name"`
	ImageRef   string          `json:"image_ref"`
	PointWorth decimal.Decimal `json:"point_worth"`
	Rarity     int             `json:"rarity"`
}

// Catalog looks up card metadata by reference.
type Catalog interface {
	Card(ctx context.Context, ref model.CardRef) (*Card, error)
}

// Memory is an in-memory catalog, used for testing and development.
type Memory struct {
	mu    sync.RWMutex
	cards map[model.CardRef]Card
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{cards: make(map[model.CardRef]Card)}
}

// Add registers a card, replacing any existing entry for the same ref.
func (m *Memory) Add(c Card) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[c.Ref] = c
}

func (m *Memory) Card(_ context.Context, ref model.CardRef) (*Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[ref]
	if !ok {
		return nil, ErrCardUnknown
	}
	return &c, nil
}
