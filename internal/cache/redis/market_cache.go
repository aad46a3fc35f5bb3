package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/redis/go-redis/v9"
)

const marketStateTTL = 5 * time.Minute

// MarketCache implements domain.MarketStateCache with JSON-serialized
// market state at key "marketstate:{id}". It serves read-side consumers
// (dashboards, the notification path) that should not contend for the
// engine's market locks; the engine remains the source of truth.
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketStateKey(id string) string { return "marketstate:" + id }

// Set stores a market's state with a 5-minute TTL.
func (mc *MarketCache) Set(ctx context.Context, m domain.Market) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", m.ID, err)
	}
	if err := mc.rdb.Set(ctx, marketStateKey(m.ID), data, marketStateTTL).Err(); err != nil {
		return fmt.Errorf("redis: set market %s: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a market's cached state. It returns domain.ErrNotFound when
// the key does not exist or has expired.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.Get(ctx, marketStateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var m domain.Market
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return m, nil
}

// Invalidate removes a market's cached state.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketStateKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketStateCache = (*MarketCache)(nil)
