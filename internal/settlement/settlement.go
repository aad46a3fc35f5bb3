// Package settlement converts resolved-market holdings and LP shares into
// ledger balance changes. All cash leaves through the market's escrow
// account, so the ledger's non-negative balance invariant backs up the
// conservation check: payouts can never exceed what the market collected.
package settlement

import (
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

// payoutEpsilon absorbs float accumulation error between the tracked pool
// value and the escrow balance. Shortfalls beyond it are logic defects.
const payoutEpsilon = 1e-6

// Service performs redemption and LP settlement. Methods take a market the
// caller has already locked through the registry.
type Service struct {
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewService creates a settlement Service.
func NewService(lgr *ledger.Ledger, logger *slog.Logger) *Service {
	return &Service{
		ledger: lgr,
		logger: logger.With(slog.String("component", "settlement")),
	}
}

// Redeem burns amount of addr's holding in the given outcome. Holdings of
// the winning outcome pay 1:1 from escrow; losing holdings pay zero but
// are burned all the same, closing out the position. It returns the amount
// credited.
func (s *Service) Redeem(m *domain.Market, addr string, outcome int, amount float64) (float64, error) {
	if m.Status != domain.MarketStatusResolved {
		return 0, fmt.Errorf("%w: redeem on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	if outcome < 0 || outcome >= len(m.Outcomes) {
		return 0, fmt.Errorf("%w: outcome %d of %d", domain.ErrUnknownOutcome, outcome, len(m.Outcomes))
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: redeem %v", domain.ErrInvalidAmount, amount)
	}

	addr = ledger.Normalize(addr)
	held := m.Holding(addr, outcome)
	if held < amount {
		return 0, fmt.Errorf("%w: %s holds %v of outcome %d, requested %v",
			domain.ErrInsufficientHolding, addr, held, outcome, amount)
	}

	paid := 0.0
	if outcome == m.WinningOutcome {
		if err := s.payFromEscrow(m, addr, amount); err != nil {
			return 0, err
		}
		paid = amount
	}
	m.AdjustHolding(addr, outcome, -amount)

	s.logger.Debug("holding redeemed",
		slog.String("market_id", m.ID),
		slog.String("address", addr),
		slog.Int("outcome", outcome),
		slog.Float64("burned", amount),
		slog.Float64("paid", paid),
	)
	return paid, nil
}

// SettleLP distributes the pool's settlement value (the winning outcome's
// reserve plus accumulated fees; losing reserves are worthless paper) to
// LP shares pro-rata, then drains the pool and marks settlement done.
// Calling it again is a no-op, so the sweep can drive it safely. It
// returns what each provider was paid.
func (s *Service) SettleLP(m *domain.Market) (map[string]float64, error) {
	if m.Status != domain.MarketStatusResolved {
		return nil, fmt.Errorf("%w: settle LP on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	if m.LPSettled {
		return nil, nil
	}

	value := m.Pool.Reserves[m.WinningOutcome] + m.Pool.FeeReserve
	paid := make(map[string]float64, len(m.Pool.LPShares))

	if m.Pool.TotalShares > 0 && value > 0 {
		for addr, shares := range m.Pool.LPShares {
			amount := shares / m.Pool.TotalShares * value
			if amount <= 0 {
				continue
			}
			if err := s.payFromEscrow(m, addr, amount); err != nil {
				return nil, err
			}
			paid[addr] = amount
		}
	}

	for i := range m.Pool.Reserves {
		m.Pool.Reserves[i] = 0
	}
	m.Pool.FeeReserve = 0
	m.Pool.TotalShares = 0
	m.Pool.LPShares = make(map[string]float64)
	m.LPSettled = true

	s.logger.Info("lp settlement complete",
		slog.String("market_id", m.ID),
		slog.Float64("distributed", value),
		slog.Int("providers", len(paid)),
	)
	return paid, nil
}

// payFromEscrow transfers amount from the market escrow to addr. A
// shortfall within payoutEpsilon of the escrow balance is float dust and
// the payment clamps to what is left; anything larger means the books do
// not balance and settlement aborts with a fatal invariant error.
func (s *Service) payFromEscrow(m *domain.Market, addr string, amount float64) error {
	escrow := s.ledger.Balance(m.EscrowAddress())
	if amount > escrow {
		if amount-escrow > payoutEpsilon {
			return domain.Invariant(m.ID, fmt.Errorf("%w: payout %v exceeds escrow %v",
				domain.ErrSettlementInvariant, amount, escrow))
		}
		amount = escrow
	}
	if amount <= 0 {
		return nil
	}
	if err := s.ledger.Transfer(m.EscrowAddress(), addr, amount); err != nil {
		return domain.Invariant(m.ID, fmt.Errorf("escrow payout to %s: %w", addr, err))
	}
	return nil
}
