package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/packrush/card-engine/internal/model"
)

// Cached wraps a primary Catalog with a Redis read-through cache. Card
// metadata changes rarely, so entries are cached with a TTL; unknown refs
// are cached too (negative entries) to absorb repeated bad lookups.
type Cached struct {
	primary Catalog
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCached creates a cached wrapper around a primary catalog.
func NewCached(primary Catalog, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// unknownMarker is the negative-cache payload for refs the primary rejected.
const unknownMarker = "!"

func (c *Cached) Card(ctx context.Context, ref model.CardRef) (*Card, error) {
	// Try cache.
	data, err := c.rdb.Get(ctx, cardKey(ref)).Bytes()
	if err == nil {
		if string(data) == unknownMarker {
			return nil, ErrCardUnknown
		}
		var card Card
		if json.Unmarshal(data, &card) == nil {
			return &card, nil
		}
	}

	// Cache miss: read from primary.
	card, err := c.primary.Card(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrCardUnknown) {
			c.rdb.Set(ctx, cardKey(ref), unknownMarker, c.ttl)
		}
		return nil, err
	}

	if data, err := json.Marshal(card); err == nil {
		c.rdb.Set(ctx, cardKey(ref), data, c.ttl)
	}
	return card, nil
}

// Invalidate drops the cached entry for a ref. Next read re-populates.
func (c *Cached) Invalidate(ctx context.Context, ref model.CardRef) {
	c.rdb.Del(ctx, cardKey(ref))
}

func cardKey(ref model.CardRef) string { return fmt.Sprintf("card:%s", ref) }
