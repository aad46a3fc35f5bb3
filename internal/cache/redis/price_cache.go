package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each market's
// outcome price vector is stored at key "price:{marketID}" with fields
// "prices" (JSON array) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(marketID string) string {
	return "price:" + marketID
}

// SetPrices stores the latest outcome prices and timestamp for a market.
func (pc *PriceCache) SetPrices(ctx context.Context, marketID string, prices []float64, ts time.Time) error {
	data, err := json.Marshal(prices)
	if err != nil {
		return fmt.Errorf("redis: marshal prices %s: %w", marketID, err)
	}
	fields := map[string]interface{}{
		"prices": data,
		"ts":     strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(marketID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set prices %s: %w", marketID, err)
	}
	return nil
}

// GetPrices retrieves the latest outcome prices and timestamp for a market.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrices(ctx context.Context, marketID string) ([]float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(marketID)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get prices %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, domain.ErrNotFound
	}

	raw, ok := vals["prices"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	var prices []float64
	if err := json.Unmarshal([]byte(raw), &prices); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse prices %s: %w", marketID, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", marketID, err)
	}

	return prices, time.Unix(0, tsNano), nil
}

// Invalidate removes a market's cached prices, used when a market leaves
// the tradable states.
func (pc *PriceCache) Invalidate(ctx context.Context, marketID string) error {
	if err := pc.rdb.Del(ctx, priceKey(marketID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: invalidate prices %s: %w", marketID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
