package domain

import (
	"context"
	"io"
	"time"
)

// PriceCache caches per-market outcome prices for read-side consumers so
// they never touch the engine's locks.
type PriceCache interface {
	SetPrices(ctx context.Context, marketID string, prices []float64, ts time.Time) error
	GetPrices(ctx context.Context, marketID string) ([]float64, time.Time, error)
}

// StreamMessage is a single entry read from a durable event stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus carries instructions into the engine and receipts/lifecycle
// events out of it: pub/sub for ephemeral fan-out, streams for durable
// ordered delivery.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}

// MarketStateCache caches full market state for read-side consumers that
// should not reach into the engine.
type MarketStateCache interface {
	Set(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter bounds instruction intake per sender.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// BlobWriter uploads objects to blob storage (receipt archives).
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobInfo describes one stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// BlobReader retrieves and inspects stored objects. The archiver verifies
// an upload landed before deleting the archived rows.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}
