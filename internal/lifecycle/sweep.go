package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// LPSettler settles a resolved market's pool to its liquidity providers.
// Implemented by the settlement service; the sweep drives it so providers
// get paid without submitting anything.
type LPSettler interface {
	SettleLP(m *domain.Market) (map[string]float64, error)
}

// Sweeper periodically walks every market, applying due time-driven
// transitions and settling LPs of freshly resolved markets. Each market is
// visited under its own lock, so the sweep never blocks instruction
// processing on other markets.
type Sweeper struct {
	registry   *Registry
	controller *Controller
	settler    LPSettler
	interval   time.Duration
	logger     *slog.Logger

	// gate, when set, wraps each market pass. The engine registers its
	// state gate here so sweep mutations and state snapshots exclude each
	// other; ledger and market state only move under the gate.
	gate func(func())

	// onTransition, when set, is called after a market's lock is released
	// with the transitions just applied. The engine uses it to publish
	// lifecycle events without holding market locks.
	onTransition func(marketID string, applied []Transition)
}

// NewSweeper creates a Sweeper.
func NewSweeper(reg *Registry, ctl *Controller, settler LPSettler, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		registry:   reg,
		controller: ctl,
		settler:    settler,
		interval:   interval,
		logger:     logger.With(slog.String("component", "sweep")),
	}
}

// Gate registers the wrapper each market pass runs under. Must be called
// before Run.
func (s *Sweeper) Gate(fn func(func())) {
	s.gate = fn
}

// OnTransition registers the post-transition callback. Must be called
// before Run.
func (s *Sweeper) OnTransition(fn func(marketID string, applied []Transition)) {
	s.onTransition = fn
}

// Run sweeps on the configured interval until ctx is canceled. Errors on
// individual markets are logged and do not stop the sweep.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweep loop started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass over every market. Exported so tests and the archive
// mode can drive passes directly.
func (s *Sweeper) Sweep() {
	for _, id := range s.registry.IDs() {
		var applied []Transition
		var err error
		pass := func() { applied, err = s.sweepOne(id) }
		if s.gate != nil {
			s.gate(pass)
		} else {
			pass()
		}
		if err != nil {
			s.logger.Error("sweep pass failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		if len(applied) > 0 && s.onTransition != nil {
			s.onTransition(id, applied)
		}
	}
}

func (s *Sweeper) sweepOne(id string) ([]Transition, error) {
	var applied []Transition
	err := s.registry.WithMarket(id, func(m *domain.Market) error {
		var err error
		applied, err = s.controller.ApplyDue(m)
		if err != nil {
			return err
		}
		if m.Status == domain.MarketStatusResolved && !m.LPSettled {
			if _, err := s.settler.SettleLP(m); err != nil {
				return err
			}
		}
		return nil
	})
	return applied, err
}
