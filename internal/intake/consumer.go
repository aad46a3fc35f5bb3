// Package intake consumes signed instructions from the Redis intake stream
// and feeds them to the engine. Producers append instruction JSON to the
// stream; the consumer reads in order, enforces per-sender rate limits, and
// applies each instruction. Rejections are logged and skipped, never retried:
// the sender's nonce discipline makes a blind retry pointless.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/engine"
)

const pollInterval = 250 * time.Millisecond

// Consumer reads instructions from a stream and applies them in order.
type Consumer struct {
	bus     domain.EventBus
	engine  *engine.Engine
	limiter domain.RateLimiter
	logger  *slog.Logger

	stream     string
	batch      int
	rateLimit  int
	rateWindow time.Duration

	lastID      string
	onInvariant func(ctx context.Context, entity string, err error)
}

// Config controls the intake stream and optional per-sender rate limit.
// RateLimit <= 0 disables limiting.
type Config struct {
	Stream     string
	Batch      int
	RateLimit  int
	RateWindow time.Duration
}

// NewConsumer creates a Consumer. limiter may be nil, which disables rate
// limiting regardless of cfg.RateLimit.
func NewConsumer(bus domain.EventBus, eng *engine.Engine, limiter domain.RateLimiter, cfg Config, logger *slog.Logger) *Consumer {
	batch := cfg.Batch
	if batch <= 0 {
		batch = 100
	}
	return &Consumer{
		bus:        bus,
		engine:     eng,
		limiter:    limiter,
		logger:     logger.With(slog.String("component", "intake")),
		stream:     cfg.Stream,
		batch:      batch,
		rateLimit:  cfg.RateLimit,
		rateWindow: cfg.RateWindow,
		lastID:     "0",
	}
}

// OnInvariant registers a hook invoked when an instruction trips an
// invariant violation, for ops alerting. Must be set before Run.
func (c *Consumer) OnInvariant(fn func(ctx context.Context, entity string, err error)) {
	c.onInvariant = fn
}

// Run polls the intake stream until the context is cancelled. Stream read
// errors are logged and retried on the next poll; the consumer never exits
// on a transient Redis failure.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "intake consumer started",
		slog.String("stream", c.stream),
		slog.Int("batch", c.batch),
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.drain(ctx); err != nil {
				c.logger.WarnContext(ctx, "intake: stream read failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// drain reads and applies messages until the stream is empty.
func (c *Consumer) drain(ctx context.Context) error {
	for {
		msgs, err := c.bus.StreamRead(ctx, c.stream, c.lastID, c.batch)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
			// Advance past the message even when it was rejected, so a
			// malformed entry cannot wedge the stream.
			c.lastID = msg.ID
		}
		if len(msgs) < c.batch {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg domain.StreamMessage) {
	var in domain.Instruction
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		c.logger.WarnContext(ctx, "intake: dropping malformed instruction",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if c.limiter != nil && c.rateLimit > 0 {
		allowed, err := c.limiter.Allow(ctx, "intake:"+in.Sender, c.rateLimit, c.rateWindow)
		if err != nil {
			// Limiter failure must not halt settlement; apply anyway.
			c.logger.WarnContext(ctx, "intake: rate limiter unavailable",
				slog.String("error", err.Error()),
			)
		} else if !allowed {
			c.logger.InfoContext(ctx, "intake: sender rate limited",
				slog.String("sender", in.Sender),
				slog.String("kind", string(in.Kind)),
			)
			return
		}
	}

	rcpt, err := c.engine.Apply(ctx, in)
	if err != nil {
		// The engine already logged the rejection with its class; only the
		// stream position is worth recording here.
		c.logger.DebugContext(ctx, "intake: instruction rejected",
			slog.String("stream_id", msg.ID),
			slog.String("error", err.Error()),
		)
		if domain.Classify(err) == domain.ClassInvariant {
			var ie *domain.InvariantError
			entity := ""
			if errors.As(err, &ie) {
				entity = ie.Entity
			}
			c.logger.ErrorContext(ctx, "intake: invariant violation",
				slog.String("entity", entity),
				slog.String("stream_id", msg.ID),
			)
			if c.onInvariant != nil {
				c.onInvariant(ctx, entity, err)
			}
		}
		return
	}

	c.logger.DebugContext(ctx, "intake: instruction applied",
		slog.String("receipt_id", rcpt.ID),
		slog.String("kind", string(rcpt.Kind)),
		slog.String("sender", rcpt.Sender),
	)
}
