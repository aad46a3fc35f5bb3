package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/marketd/internal/amm"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

// conservationEpsilon absorbs float accumulation error when comparing
// projected payouts against escrow; anything beyond it is a real defect.
const conservationEpsilon = 1e-6

// Config holds the lifecycle parameters shared by every market.
type Config struct {
	// MinLaunchLiquidity is the smallest deposit that can launch a market.
	MinLaunchLiquidity float64
	// ViabilityThreshold is the TVL a provisional market must reach by its
	// deadline to activate; below it the market refunds.
	ViabilityThreshold float64
	// ProvisionalWindow is how long a launched market has to reach the
	// viability threshold.
	ProvisionalWindow time.Duration
	// FeeRate is the trading fee applied by every pool seeded at launch.
	FeeRate float64
	// Resolvers lists the addresses authorized to resolve markets.
	Resolvers []string
}

// Controller drives market state transitions. Launch and Resolve are
// instruction-driven; the remaining transitions are time-driven and
// applied by the sweep through ApplyDue.
type Controller struct {
	cfg       Config
	ledger    *ledger.Ledger
	resolvers map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewController creates a Controller.
func NewController(cfg Config, lgr *ledger.Ledger, logger *slog.Logger) *Controller {
	resolvers := make(map[string]bool, len(cfg.Resolvers))
	for _, r := range cfg.Resolvers {
		resolvers[ledger.Normalize(r)] = true
	}
	return &Controller{
		cfg:       cfg,
		ledger:    lgr,
		resolvers: resolvers,
		logger:    logger.With(slog.String("component", "lifecycle")),
		now:       time.Now,
	}
}

// SetClock overrides the controller's clock, for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Propose creates a pending market. Proposals are not signed instructions;
// they arrive from the external event-ingestion collaborator or operator
// tooling and carry no funds until launch.
func (c *Controller) Propose(question string, outcomes []string, bettingClose time.Time) (*domain.Market, error) {
	if len(outcomes) < 2 {
		return nil, fmt.Errorf("%w: market needs at least 2 outcomes, got %d",
			domain.ErrMalformedPayload, len(outcomes))
	}
	now := c.now()
	if !bettingClose.After(now) {
		return nil, fmt.Errorf("%w: betting close %s not in the future",
			domain.ErrMalformedPayload, bettingClose.Format(time.RFC3339))
	}

	m := &domain.Market{
		ID:               uuid.New().String(),
		Question:         question,
		Outcomes:         append([]string(nil), outcomes...),
		Status:           domain.MarketStatusPending,
		WinningOutcome:   domain.NoWinner,
		BettingCloseTime: bettingClose.UTC(),
		Holdings:         make(map[string][]float64),
		Deposits:         make(map[string]float64),
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}
	return m, nil
}

// Launch moves a pending market to provisional: the launcher's liquidity is
// escrowed, reserves are seeded evenly across outcomes, the viability
// deadline starts, and the launcher receives 100% of the LP shares.
// The caller holds the market lock.
func (c *Controller) Launch(m *domain.Market, launcher string, liquidity float64) error {
	if m.Status != domain.MarketStatusPending {
		return fmt.Errorf("%w: launch on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	if liquidity < c.cfg.MinLaunchLiquidity {
		return fmt.Errorf("%w: launch liquidity %v below minimum %v",
			domain.ErrInvalidAmount, liquidity, c.cfg.MinLaunchLiquidity)
	}

	launcher = ledger.Normalize(launcher)
	if err := c.ledger.Transfer(launcher, m.EscrowAddress(), liquidity); err != nil {
		return err
	}

	amm.Seed(&m.Pool, len(m.Outcomes), liquidity, c.cfg.FeeRate, launcher)
	m.AdjustDeposit(launcher, liquidity)

	now := c.now().UTC()
	m.Status = domain.MarketStatusProvisional
	m.ProvisionalDeadline = now.Add(c.cfg.ProvisionalWindow)
	m.UpdatedAt = now

	c.logger.Info("market launched",
		slog.String("market_id", m.ID),
		slog.String("launcher", launcher),
		slog.Float64("liquidity", liquidity),
	)
	return nil
}

// Resolve moves a closed market to resolved, recording the winning
// outcome. Only configured resolver addresses may resolve. The projected
// payout (winning holdings plus pool settlement value) is checked against
// escrow up front, so a resolution that could not be paid in full is
// rejected instead of discovered mid-settlement. The caller holds the
// market lock.
func (c *Controller) Resolve(m *domain.Market, resolver string, outcome int) error {
	if !c.resolvers[ledger.Normalize(resolver)] {
		return fmt.Errorf("%w: %s", domain.ErrUnauthorizedResolver, resolver)
	}
	if m.Status != domain.MarketStatusClosed {
		return fmt.Errorf("%w: resolve on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	if outcome < 0 || outcome >= len(m.Outcomes) {
		return fmt.Errorf("%w: outcome %d of %d", domain.ErrUnknownOutcome, outcome, len(m.Outcomes))
	}

	var winningHoldings float64
	for _, h := range m.Holdings {
		winningHoldings += h[outcome]
	}
	projected := winningHoldings + m.Pool.Reserves[outcome] + m.Pool.FeeReserve
	escrow := c.ledger.Balance(m.EscrowAddress())
	if projected > escrow+conservationEpsilon {
		return fmt.Errorf("%w: market %s would pay %v against escrow %v",
			domain.ErrSettlementInvariant, m.ID, projected, escrow)
	}

	now := c.now().UTC()
	m.Status = domain.MarketStatusResolved
	m.WinningOutcome = outcome
	m.ResolvedAt = &now
	m.UpdatedAt = now

	c.logger.Info("market resolved",
		slog.String("market_id", m.ID),
		slog.String("resolver", ledger.Normalize(resolver)),
		slog.String("outcome", m.Outcomes[outcome]),
	)
	return nil
}

// Transition is a due time-driven state change computed by Tick.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionActivate
	TransitionRefund
	TransitionClose
)

// Tick is the pure transition function of (market, now, tvl). It performs
// no I/O and mutates nothing, so deadline behavior is testable in
// isolation. Terminal and pending markets always yield TransitionNone,
// which is what makes the periodic sweep idempotent.
func Tick(m *domain.Market, now time.Time, tvl, viabilityThreshold float64) Transition {
	switch m.Status {
	case domain.MarketStatusProvisional:
		if now.Before(m.ProvisionalDeadline) {
			return TransitionNone
		}
		if tvl >= viabilityThreshold {
			return TransitionActivate
		}
		return TransitionRefund
	case domain.MarketStatusActive:
		if !now.Before(m.BettingCloseTime) {
			return TransitionClose
		}
		return TransitionNone
	default:
		return TransitionNone
	}
}

// ApplyDue applies every transition the market is due for at the current
// time, in order (a provisional market past both deadlines activates and
// then closes in the same pass). It returns the transitions applied;
// re-running it immediately produces none.
func (c *Controller) ApplyDue(m *domain.Market) ([]Transition, error) {
	var applied []Transition
	for {
		now := c.now()
		tr := Tick(m, now, amm.TVL(&m.Pool), c.cfg.ViabilityThreshold)
		if tr == TransitionNone {
			return applied, nil
		}
		switch tr {
		case TransitionActivate:
			m.Status = domain.MarketStatusActive
			m.UpdatedAt = now.UTC()
			c.logger.Info("market activated",
				slog.String("market_id", m.ID),
				slog.Float64("tvl", amm.TVL(&m.Pool)),
			)
		case TransitionClose:
			m.Status = domain.MarketStatusClosed
			m.UpdatedAt = now.UTC()
			c.logger.Info("market closed",
				slog.String("market_id", m.ID),
			)
		case TransitionRefund:
			if err := c.refund(m); err != nil {
				return applied, err
			}
		}
		applied = append(applied, tr)
	}
}

// refund returns every depositor's net contribution from escrow, burns all
// LP shares and holdings, and zeroes the reserves. Refunded is terminal.
//
// Net contributions normally sum to exactly the escrow balance. When a
// depositor traded out more cash than they put in, their clamped-at-zero
// contribution leaves the others' sum above escrow; payouts then scale
// down proportionally rather than overdraw.
func (c *Controller) refund(m *domain.Market) error {
	escrowAddr := m.EscrowAddress()
	escrow := c.ledger.Balance(escrowAddr)

	var owed float64
	for _, d := range m.Deposits {
		owed += d
	}
	scale := 1.0
	if owed > escrow+conservationEpsilon {
		scale = escrow / owed
	}

	remaining := escrow
	for addr, d := range m.Deposits {
		pay := d * scale
		if pay > remaining {
			pay = remaining
		}
		if pay <= 0 {
			continue
		}
		if err := c.ledger.Transfer(escrowAddr, addr, pay); err != nil {
			return domain.Invariant(m.ID, fmt.Errorf("refund %s: %w", addr, err))
		}
		remaining -= pay
	}

	for i := range m.Pool.Reserves {
		m.Pool.Reserves[i] = 0
	}
	m.Pool.FeeReserve = 0
	m.Pool.TotalShares = 0
	m.Pool.LPShares = make(map[string]float64)
	m.Holdings = make(map[string][]float64)
	m.Deposits = make(map[string]float64)

	m.Status = domain.MarketStatusRefunded
	m.UpdatedAt = c.now().UTC()

	c.logger.Info("market refunded",
		slog.String("market_id", m.ID),
		slog.Float64("refunded", escrow-remaining),
	)
	return nil
}
