// Package engine is the settlement engine's sole mutating entry point. It
// verifies signed instructions, serializes them per sender and per market,
// applies their economic effect through the ledger and pools, and emits a
// receipt for every accepted instruction.
//
// Locking layers, outermost first: a state gate (read side held by every
// Apply and by each sweep pass, write side by Snapshot and Restore), one
// lock per sender (nonce check and effect commit as a unit), and the
// registry's per-market locks.
// External calls, the settlement authority included, happen strictly
// outside all of them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketd/internal/amm"
	"github.com/alanyoungcy/marketd/internal/authority"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
	"github.com/alanyoungcy/marketd/internal/lifecycle"
	"github.com/alanyoungcy/marketd/internal/settlement"
	"github.com/alanyoungcy/marketd/internal/verify"
)

// ReceiptChannel is the pub/sub channel receipts are announced on.
const ReceiptChannel = "marketd:receipts"

// Deps collects the engine's collaborators. Receipts, Bus, and Prices are
// optional; a nil Authority runs with authority mode off.
type Deps struct {
	Verifier   *verify.Verifier
	Ledger     *ledger.Ledger
	Registry   *lifecycle.Registry
	Controller *lifecycle.Controller
	Settlement *settlement.Service

	Authority     authority.Authority
	AuthorityMode authority.Mode

	Receipts domain.ReceiptStore
	Bus      domain.EventBus
	Prices   domain.PriceCache

	Logger *slog.Logger
}

// Engine applies verified instructions to the ledger and markets.
type Engine struct {
	verifier   *verify.Verifier
	ledger     *ledger.Ledger
	registry   *lifecycle.Registry
	controller *lifecycle.Controller
	settler    *settlement.Service

	auth     authority.Authority
	authMode authority.Mode

	receipts domain.ReceiptStore
	bus      domain.EventBus
	prices   domain.PriceCache

	logger *slog.Logger
	now    func() time.Time

	// stateMu write side freezes all instruction processing so Snapshot
	// and Restore see the full state atomically.
	stateMu sync.RWMutex

	sendersMu sync.Mutex
	senders   map[string]*sync.Mutex
}

// New creates an Engine from its dependencies.
func New(d Deps) *Engine {
	mode := d.AuthorityMode
	if d.Authority == nil {
		mode = authority.ModeOff
	}
	return &Engine{
		verifier:   d.Verifier,
		ledger:     d.Ledger,
		registry:   d.Registry,
		controller: d.Controller,
		settler:    d.Settlement,
		auth:       d.Authority,
		authMode:   mode,
		receipts:   d.Receipts,
		bus:        d.Bus,
		prices:     d.Prices,
		logger:     d.Logger.With(slog.String("component", "engine")),
		now:        time.Now,
		senders:    make(map[string]*sync.Mutex),
	}
}

// senderLock returns the mutex serializing addr's instructions.
func (e *Engine) senderLock(addr string) *sync.Mutex {
	addr = ledger.Normalize(addr)
	e.sendersMu.Lock()
	defer e.sendersMu.Unlock()
	mu, ok := e.senders[addr]
	if !ok {
		mu = &sync.Mutex{}
		e.senders[addr] = mu
	}
	return mu
}

// Apply verifies and executes one instruction, returning its receipt. The
// nonce advances together with the effect: both happen under the sender's
// lock, or neither does. In pessimistic mode the authority is consulted
// before anything is applied; in optimistic mode the instruction applies
// first and a rejection is compensated from the receipt's deltas.
func (e *Engine) Apply(ctx context.Context, in domain.Instruction) (*domain.Receipt, error) {
	vin, err := e.verifier.Verify(in)
	if err != nil {
		e.logReject(in, err)
		return nil, err
	}

	id := uuid.New().String()

	if e.authMode == authority.ModePessimistic {
		if err := e.consult(ctx, id, in); err != nil {
			return nil, err
		}
	}

	rcpt, update, err := e.applyLocked(vin, id)
	if err != nil {
		e.logReject(in, err)
		return nil, err
	}

	if e.authMode == authority.ModeOptimistic {
		if err := e.consult(ctx, id, in); err != nil {
			if cerr := e.compensate(rcpt); cerr != nil {
				e.logger.Error("compensation failed",
					slog.String("receipt_id", rcpt.ID),
					slog.String("error", cerr.Error()),
				)
				return nil, cerr
			}
			e.logger.Warn("instruction compensated after authority rejection",
				slog.String("receipt_id", rcpt.ID),
				slog.String("sender", rcpt.Sender),
			)
			return nil, err
		}
	}

	e.publish(ctx, rcpt, update)
	return rcpt, nil
}

// applyLocked runs the critical section: nonce re-check, dispatch, nonce
// accept, all under the state gate and the sender's lock. No I/O happens
// inside.
func (e *Engine) applyLocked(vin *domain.VerifiedInstruction, id string) (*domain.Receipt, *marketUpdate, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	sender := ledger.Normalize(vin.Sender)
	mu := e.senderLock(sender)
	mu.Lock()
	defer mu.Unlock()

	// The verifier's check was only advisory; another instruction may have
	// consumed the nonce since.
	if err := e.ledger.CheckNonce(sender, vin.Nonce); err != nil {
		return nil, nil, err
	}

	rcpt := &domain.Receipt{
		ID:        id,
		Kind:      vin.Kind,
		Sender:    sender,
		Nonce:     vin.Nonce,
		AppliedAt: e.now().UTC(),
	}
	update, err := e.dispatch(vin, rcpt)
	if err != nil {
		return nil, nil, err
	}

	if err := e.ledger.AcceptNonce(sender, vin.Nonce); err != nil {
		// Unreachable while the sender lock is held; a failure here means
		// the effect committed without its nonce.
		return nil, nil, domain.Invariant(sender, fmt.Errorf("accept nonce %d: %w", vin.Nonce, err))
	}
	return rcpt, update, nil
}

// consult submits the instruction to the settlement authority.
func (e *Engine) consult(ctx context.Context, id string, in domain.Instruction) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("engine: encode instruction for authority: %w", err)
	}
	decision, err := e.auth.Submit(ctx, id, raw)
	if err != nil {
		return fmt.Errorf("engine: authority submit: %w", err)
	}
	if decision == authority.Rejected {
		return fmt.Errorf("%w: instruction %s", domain.ErrAuthorityRejected, id)
	}
	return nil
}

// marketUpdate carries post-instruction read-side state out of the
// critical section.
type marketUpdate struct {
	marketID string
	prices   []float64
}

// publish persists and announces a committed receipt and refreshes the
// price cache. All three are best-effort: the instruction has already
// committed, so failures are logged, not returned.
func (e *Engine) publish(ctx context.Context, rcpt *domain.Receipt, update *marketUpdate) {
	if e.receipts != nil {
		if err := e.receipts.Append(ctx, *rcpt); err != nil {
			e.logger.Error("receipt append failed",
				slog.String("receipt_id", rcpt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.bus != nil {
		raw, err := json.Marshal(rcpt)
		if err == nil {
			err = e.bus.Publish(ctx, ReceiptChannel, raw)
		}
		if err != nil {
			e.logger.Error("receipt publish failed",
				slog.String("receipt_id", rcpt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.prices != nil && update != nil && len(update.prices) > 0 {
		if err := e.prices.SetPrices(ctx, update.marketID, update.prices, rcpt.AppliedAt); err != nil {
			e.logger.Error("price cache update failed",
				slog.String("market_id", update.marketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (e *Engine) logReject(in domain.Instruction, err error) {
	level := slog.LevelInfo
	if domain.Classify(err) == domain.ClassInvariant {
		level = slog.LevelError
	}
	e.logger.Log(context.Background(), level, "instruction rejected",
		slog.String("sender", ledger.Normalize(in.Sender)),
		slog.Uint64("nonce", in.Nonce),
		slog.String("kind", string(in.Kind)),
		slog.String("class", domain.Classify(err).String()),
		slog.String("error", err.Error()),
	)
}

// Balance returns addr's ledger balance.
func (e *Engine) Balance(addr string) float64 {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.ledger.Balance(addr)
}

// MarketState returns a copy of the market.
func (e *Engine) MarketState(id string) (domain.Market, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.registry.Get(id)
}

// Price returns the current marginal price of one outcome.
func (e *Engine) Price(marketID string, outcome int) (float64, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	var price float64
	err := e.registry.WithMarket(marketID, func(m *domain.Market) error {
		if outcome < 0 || outcome >= len(m.Outcomes) {
			return fmt.Errorf("%w: outcome %d of %d", domain.ErrUnknownOutcome, outcome, len(m.Outcomes))
		}
		if amm.TVL(&m.Pool) <= 0 {
			return fmt.Errorf("%w: market %s has no live pool", domain.ErrWrongMarketStatus, marketID)
		}
		price = amm.Prices(&m.Pool)[outcome]
		return nil
	})
	return price, err
}

// Snapshot captures the full engine state. The state gate's write side is
// held, so no instruction is in flight and the snapshot is consistent
// across all accounts and markets.
func (e *Engine) Snapshot() *domain.Snapshot {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return &domain.Snapshot{
		Version:  domain.SnapshotVersion,
		TakenAt:  e.now().UTC(),
		Accounts: e.ledger.Accounts(),
		Markets:  e.registry.Markets(),
	}
}

// Restore replaces the full engine state with a snapshot.
func (e *Engine) Restore(snap *domain.Snapshot) error {
	if snap.Version != domain.SnapshotVersion {
		return fmt.Errorf("engine: unsupported snapshot version %d", snap.Version)
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	e.ledger.Restore(snap.Accounts)
	e.registry.Restore(snap.Markets)
	e.logger.Info("state restored",
		slog.Time("taken_at", snap.TakenAt),
		slog.Int("accounts", len(snap.Accounts)),
		slog.Int("markets", len(snap.Markets)),
	)
	return nil
}

// Registry exposes the market registry for wiring proposals and the sweep.
func (e *Engine) Registry() *lifecycle.Registry { return e.registry }

// Guarded runs fn under the state gate's read side. The lifecycle sweep
// routes each market pass through it, so a sweep mutation (refund
// transfers, LP settlement) can never interleave with Snapshot or Restore.
func (e *Engine) Guarded(fn func()) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	fn()
}
