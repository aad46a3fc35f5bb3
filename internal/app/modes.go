package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketd/internal/authority"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/engine"
	"github.com/alanyoungcy/marketd/internal/intake"
	"github.com/alanyoungcy/marketd/internal/ledger"
	"github.com/alanyoungcy/marketd/internal/lifecycle"
	"github.com/alanyoungcy/marketd/internal/notify"
	"github.com/alanyoungcy/marketd/internal/settlement"
	"github.com/alanyoungcy/marketd/internal/verify"
)

// MarketChannel is the pub/sub channel lifecycle events are announced on.
const MarketChannel = "marketd:markets"

// core bundles the in-memory settlement state built per run: ledger, market
// registry, engine, and the lifecycle sweeper.
type core struct {
	engine  *engine.Engine
	sweeper *lifecycle.Sweeper
}

// buildCore constructs the settlement core from config and wired
// infrastructure, restoring the latest persisted snapshot when one exists.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	logger := slog.Default()

	lgr := ledger.New()
	registry := lifecycle.NewRegistry()
	controller := lifecycle.NewController(lifecycle.Config{
		MinLaunchLiquidity: a.cfg.Lifecycle.MinLaunchLiquidity,
		ViabilityThreshold: a.cfg.Lifecycle.ViabilityThreshold,
		ProvisionalWindow:  a.cfg.Lifecycle.ProvisionalWindow.Duration,
		FeeRate:            a.cfg.Lifecycle.FeeRate,
		Resolvers:          a.cfg.Lifecycle.Resolvers,
	}, lgr, logger)
	settler := settlement.NewService(lgr, logger)
	verifier := verify.NewVerifier(lgr, a.cfg.Engine.TimestampWindow.Duration, a.cfg.Engine.ChainID, logger)

	authMode, err := authority.ParseMode(a.cfg.Authority.Mode)
	if err != nil {
		return nil, fmt.Errorf("build core: %w", err)
	}
	var auth authority.Authority
	if authMode != authority.ModeOff {
		// No external authority transport is wired yet; a static confirm-all
		// stand-in keeps the consult/compensate machinery live.
		auth = authority.Static{Decision: authority.Confirmed}
	}

	eng := engine.New(engine.Deps{
		Verifier:      verifier,
		Ledger:        lgr,
		Registry:      registry,
		Controller:    controller,
		Settlement:    settler,
		Authority:     auth,
		AuthorityMode: authMode,
		Receipts:      deps.Receipts,
		Bus:           deps.Bus,
		Prices:        deps.PriceCache,
		Logger:        logger,
	})

	snap, err := deps.Snapshots.Latest(ctx)
	switch {
	case err == nil:
		if err := eng.Restore(&snap); err != nil {
			return nil, fmt.Errorf("build core: restore snapshot: %w", err)
		}
		a.logger.InfoContext(ctx, "state restored from snapshot",
			slog.Time("taken_at", snap.TakenAt),
			slog.Int("accounts", len(snap.Accounts)),
		)
	case errors.Is(err, domain.ErrNotFound):
		a.logger.InfoContext(ctx, "no snapshot found, starting fresh")
	default:
		return nil, fmt.Errorf("build core: load snapshot: %w", err)
	}

	sweeper := lifecycle.NewSweeper(
		registry,
		controller,
		settler,
		a.cfg.Lifecycle.SweepInterval.Duration,
		logger,
	)
	sweeper.Gate(eng.Guarded)
	return &core{engine: eng, sweeper: sweeper}, nil
}

// EngineMode runs the settlement core: the intake consumer, the lifecycle
// sweep, and periodic state snapshots.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("engine mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps, c)
	return g.Wait()
}

// ArchiveMode runs a single journal archival pass and exits. Intended for
// cron-style invocation against a live deployment's database.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: object storage is not configured")
	}

	cutoff := time.Now().UTC().Add(-time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	archived, err := deps.Archiver.ArchiveReceipts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "archive run complete", slog.Int64("receipts", archived))
	return nil
}

// FullMode runs the settlement core plus the periodic archive loop when
// archival is enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startCore(ctx, g, deps, c)

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error {
			a.archiveLoop(ctx, deps)
			return nil
		})
	} else {
		a.logger.InfoContext(ctx, "receipt archival disabled")
	}

	return g.Wait()
}

// startCore adds the intake consumer, sweeper, and snapshot loop goroutines
// to the given errgroup.
func (a *App) startCore(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	logger := slog.Default()

	consumer := intake.NewConsumer(deps.Bus, c.engine, deps.RateLimiter, intake.Config{
		Stream:     a.cfg.Engine.IntakeStream,
		Batch:      a.cfg.Engine.IntakeBatch,
		RateLimit:  a.cfg.Engine.RateLimit,
		RateWindow: a.cfg.Engine.RateWindow.Duration,
	}, logger)
	consumer.OnInvariant(func(ctx context.Context, entity string, err error) {
		_ = deps.Notifier.Notify(ctx, notify.EventInvariantViolated,
			"Invariant violation",
			fmt.Sprintf("entity %s: %v", entity, err),
		)
	})
	g.Go(func() error {
		err := consumer.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	c.sweeper.OnTransition(func(marketID string, applied []lifecycle.Transition) {
		a.announceTransitions(ctx, deps, c.engine, marketID, applied)
	})
	g.Go(func() error {
		err := c.sweeper.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		a.snapshotLoop(ctx, deps, c.engine)
		return nil
	})
}

// snapshotLoop persists engine state every SnapshotInterval and prunes old
// snapshots. Persistence failures are logged and retried next tick; the
// receipt journal remains the source of truth in between.
func (a *App) snapshotLoop(ctx context.Context, deps *Dependencies, eng *engine.Engine) {
	interval := a.cfg.Engine.SnapshotInterval.Duration
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final snapshot on shutdown so a restart resumes from the
			// freshest state.
			saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.saveSnapshot(saveCtx, deps, eng)
			cancel()
			return
		case <-ticker.C:
			a.saveSnapshot(ctx, deps, eng)
		}
	}
}

func (a *App) saveSnapshot(ctx context.Context, deps *Dependencies, eng *engine.Engine) {
	snap := eng.Snapshot()
	if err := deps.Snapshots.Save(ctx, *snap); err != nil {
		a.logger.ErrorContext(ctx, "snapshot save failed", slog.String("error", err.Error()))
		return
	}
	if keep := a.cfg.Engine.SnapshotKeep; keep > 0 {
		if _, err := deps.Snapshots.Prune(ctx, keep); err != nil {
			a.logger.WarnContext(ctx, "snapshot prune failed", slog.String("error", err.Error()))
		}
	}
	a.logger.DebugContext(ctx, "snapshot saved",
		slog.Time("taken_at", snap.TakenAt),
		slog.Int("accounts", len(snap.Accounts)),
	)
}

// archiveLoop periodically offloads old receipts from the journal to object
// storage.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour)
			archived, err := deps.Archiver.ArchiveReceipts(ctx, cutoff)
			if err != nil {
				a.logger.ErrorContext(ctx, "receipt archival failed", slog.String("error", err.Error()))
				continue
			}
			if archived > 0 {
				a.logger.InfoContext(ctx, "receipts archived",
					slog.Int64("count", archived),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}

// marketEvent is the JSON body published on MarketChannel for each
// time-driven transition.
type marketEvent struct {
	MarketID   string    `json:"market_id"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// announceTransitions pushes sweep-applied transitions to the market state
// cache, the event bus, and ops notifications. All of it is best-effort;
// the transition itself is already committed.
func (a *App) announceTransitions(ctx context.Context, deps *Dependencies, eng *engine.Engine, marketID string, applied []lifecycle.Transition) {
	m, err := eng.MarketState(marketID)
	if err != nil {
		a.logger.WarnContext(ctx, "announce: market lookup failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := deps.MarketCache.Set(ctx, m); err != nil {
		a.logger.DebugContext(ctx, "announce: market cache update failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
	}

	for _, t := range applied {
		event := transitionEvent(t)
		if event == "" {
			continue
		}
		body, err := json.Marshal(marketEvent{
			MarketID:   marketID,
			Event:      event,
			Status:     string(m.Status),
			OccurredAt: time.Now().UTC(),
		})
		if err == nil {
			if err := deps.Bus.Publish(ctx, MarketChannel, body); err != nil {
				a.logger.DebugContext(ctx, "announce: event publish failed",
					slog.String("market_id", marketID),
					slog.String("error", err.Error()),
				)
			}
		}
		_ = deps.Notifier.Notify(ctx, event,
			fmt.Sprintf("Market %s", event),
			fmt.Sprintf("market %s (%q) is now %s", marketID, m.Question, m.Status),
		)
	}
}

func transitionEvent(t lifecycle.Transition) string {
	switch t {
	case lifecycle.TransitionActivate:
		return notify.EventMarketActivated
	case lifecycle.TransitionRefund:
		return notify.EventMarketRefunded
	case lifecycle.TransitionClose:
		return notify.EventMarketClosed
	default:
		return ""
	}
}
