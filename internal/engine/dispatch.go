package engine

import (
	"fmt"

	"github.com/alanyoungcy/marketd/internal/amm"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

// dispatch routes a verified instruction to its handler, filling rcpt with
// the applied deltas. It runs inside the sender's critical section; market
// handlers additionally hold the market lock.
func (e *Engine) dispatch(vin *domain.VerifiedInstruction, rcpt *domain.Receipt) (*marketUpdate, error) {
	switch op := vin.Op.(type) {
	case *domain.TransferPayload:
		return nil, e.applyTransfer(rcpt, op)
	case *domain.TradePayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.applyTrade(rcpt, m, op)
		})
	case *domain.AddLiquidityPayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.applyAddLiquidity(rcpt, m, op)
		})
	case *domain.RemoveLiquidityPayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.applyRemoveLiquidity(rcpt, m, op)
		})
	case *domain.LaunchPayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.applyLaunch(rcpt, m, op)
		})
	case *domain.ResolvePayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.controller.Resolve(m, rcpt.Sender, op.Outcome)
		})
	case *domain.RedeemPayload:
		return e.applyOnMarket(rcpt, op.MarketID, func(m *domain.Market) error {
			return e.applyRedeem(rcpt, m, op)
		})
	default:
		return nil, fmt.Errorf("%w: unhandled payload %T", domain.ErrMalformedPayload, vin.Op)
	}
}

// applyOnMarket wraps a market handler: due time-driven transitions apply
// first, so an instruction arriving after a deadline sees the market in
// its correct state, then the handler runs, then the pool delta and fresh
// prices are captured for the receipt and the read side.
func (e *Engine) applyOnMarket(rcpt *domain.Receipt, marketID string, fn func(*domain.Market) error) (*marketUpdate, error) {
	update := &marketUpdate{marketID: marketID}
	err := e.registry.WithMarket(marketID, func(m *domain.Market) error {
		if _, err := e.controller.ApplyDue(m); err != nil {
			return err
		}

		before := snapshotPool(&m.Pool)
		statusBefore := m.Status
		if err := fn(m); err != nil {
			return err
		}
		recordPoolDelta(rcpt, m, before)
		if m.Status != statusBefore {
			rcpt.StatusChanges = append(rcpt.StatusChanges, domain.StatusChange{
				MarketID: m.ID, From: statusBefore, To: m.Status,
			})
		}

		if !m.Status.Terminal() && amm.TVL(&m.Pool) > 0 {
			update.prices = amm.Prices(&m.Pool)
		}
		m.UpdatedAt = rcpt.AppliedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

func (e *Engine) applyTransfer(rcpt *domain.Receipt, op *domain.TransferPayload) error {
	to := ledger.Normalize(op.To)
	if err := e.ledger.Transfer(rcpt.Sender, to, op.Amount); err != nil {
		return err
	}
	rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
		domain.BalanceDelta{Address: rcpt.Sender, Delta: -op.Amount},
		domain.BalanceDelta{Address: to, Delta: op.Amount},
	)
	return nil
}

// tradable reports whether the market currently accepts trading and
// liquidity instructions.
func tradable(m *domain.Market) bool {
	return m.Status == domain.MarketStatusProvisional || m.Status == domain.MarketStatusActive
}

func (e *Engine) applyTrade(rcpt *domain.Receipt, m *domain.Market, op *domain.TradePayload) error {
	if !tradable(m) {
		return fmt.Errorf("%w: trade on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}

	sender := rcpt.Sender
	switch op.Side {
	case domain.SideBuy:
		cost, fee, err := amm.QuoteBuy(&m.Pool, op.Outcome, op.Shares)
		if err != nil {
			return err
		}
		total := cost + fee
		// A zero MaxCost is the payload's documented opt-out of the cap.
		if op.MaxCost > 0 && total > op.MaxCost {
			return fmt.Errorf("%w: cost %v above limit %v", domain.ErrSlippageExceeded, total, op.MaxCost)
		}
		if err := e.ledger.Transfer(sender, m.EscrowAddress(), total); err != nil {
			return err
		}
		amm.ApplyBuy(&m.Pool, op.Outcome, op.Shares, cost, fee)
		m.AdjustHolding(sender, op.Outcome, op.Shares)
		dep := m.AdjustDeposit(sender, total)

		rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
			domain.BalanceDelta{Address: sender, Delta: -total},
			domain.BalanceDelta{Address: m.EscrowAddress(), Delta: total},
		)
		rcpt.HoldingDeltas = append(rcpt.HoldingDeltas, domain.HoldingDelta{
			Address: sender, MarketID: m.ID, Outcome: op.Outcome, Delta: op.Shares,
		})
		rcpt.DepositDeltas = append(rcpt.DepositDeltas, domain.DepositDelta{
			Address: sender, MarketID: m.ID, Delta: dep,
		})
		setDetail(rcpt, map[string]any{"cost": cost, "fee": fee})

	case domain.SideSell:
		if held := m.Holding(sender, op.Outcome); held < op.Shares {
			return fmt.Errorf("%w: %s holds %v of outcome %d, selling %v",
				domain.ErrInsufficientHolding, sender, held, op.Outcome, op.Shares)
		}
		proceeds, fee, err := amm.QuoteSell(&m.Pool, op.Outcome, op.Shares)
		if err != nil {
			return err
		}
		net := proceeds - fee
		if op.MinProceeds > 0 && net < op.MinProceeds {
			return fmt.Errorf("%w: proceeds %v below floor %v", domain.ErrSlippageExceeded, net, op.MinProceeds)
		}
		if err := e.ledger.Transfer(m.EscrowAddress(), sender, net); err != nil {
			return domain.Invariant(m.ID, fmt.Errorf("sell payout: %w", err))
		}
		amm.ApplySell(&m.Pool, op.Outcome, op.Shares, proceeds, fee)
		m.AdjustHolding(sender, op.Outcome, -op.Shares)
		dep := m.AdjustDeposit(sender, -net)

		rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
			domain.BalanceDelta{Address: m.EscrowAddress(), Delta: -net},
			domain.BalanceDelta{Address: sender, Delta: net},
		)
		rcpt.HoldingDeltas = append(rcpt.HoldingDeltas, domain.HoldingDelta{
			Address: sender, MarketID: m.ID, Outcome: op.Outcome, Delta: -op.Shares,
		})
		rcpt.DepositDeltas = append(rcpt.DepositDeltas, domain.DepositDelta{
			Address: sender, MarketID: m.ID, Delta: dep,
		})
		setDetail(rcpt, map[string]any{"proceeds": proceeds, "fee": fee})

	default:
		return fmt.Errorf("%w: trade side %q", domain.ErrMalformedPayload, op.Side)
	}

	return amm.CheckInvariants(&m.Pool, m.ID)
}

func (e *Engine) applyAddLiquidity(rcpt *domain.Receipt, m *domain.Market, op *domain.AddLiquidityPayload) error {
	if !tradable(m) {
		return fmt.Errorf("%w: add liquidity on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	sender := rcpt.Sender
	// Quote first: once the transfer lands, nothing below can fail, so the
	// deposit commits wholly or not at all.
	minted, err := amm.QuoteAddLiquidity(&m.Pool, op.Amount)
	if err != nil {
		return err
	}
	if err := e.ledger.Transfer(sender, m.EscrowAddress(), op.Amount); err != nil {
		return err
	}
	amm.ApplyAddLiquidity(&m.Pool, sender, op.Amount, minted)
	dep := m.AdjustDeposit(sender, op.Amount)

	rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
		domain.BalanceDelta{Address: sender, Delta: -op.Amount},
		domain.BalanceDelta{Address: m.EscrowAddress(), Delta: op.Amount},
	)
	rcpt.LPShareDeltas = append(rcpt.LPShareDeltas, domain.LPShareDelta{
		Address: sender, MarketID: m.ID, Delta: minted,
	})
	rcpt.DepositDeltas = append(rcpt.DepositDeltas, domain.DepositDelta{
		Address: sender, MarketID: m.ID, Delta: dep,
	})
	setDetail(rcpt, map[string]any{"minted": minted})
	return amm.CheckInvariants(&m.Pool, m.ID)
}

func (e *Engine) applyRemoveLiquidity(rcpt *domain.Receipt, m *domain.Market, op *domain.RemoveLiquidityPayload) error {
	if !tradable(m) {
		return fmt.Errorf("%w: remove liquidity on %s market %s", domain.ErrWrongMarketStatus, m.Status, m.ID)
	}
	sender := rcpt.Sender
	if amm.RemoveDrainsPool(&m.Pool, sender, op.Shares) {
		return fmt.Errorf("%w: withdrawal would empty the pool of live market %s",
			domain.ErrInvalidAmount, m.ID)
	}
	sharesBefore := m.Pool.LPShares[sender]
	payout, err := amm.RemoveLiquidity(&m.Pool, sender, op.Shares)
	if err != nil {
		return err
	}
	if err := e.ledger.Transfer(m.EscrowAddress(), sender, payout); err != nil {
		return domain.Invariant(m.ID, fmt.Errorf("withdrawal payout: %w", err))
	}
	burned := sharesBefore - m.Pool.LPShares[sender]
	dep := m.AdjustDeposit(sender, -payout)

	rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
		domain.BalanceDelta{Address: m.EscrowAddress(), Delta: -payout},
		domain.BalanceDelta{Address: sender, Delta: payout},
	)
	rcpt.LPShareDeltas = append(rcpt.LPShareDeltas, domain.LPShareDelta{
		Address: sender, MarketID: m.ID, Delta: -burned,
	})
	rcpt.DepositDeltas = append(rcpt.DepositDeltas, domain.DepositDelta{
		Address: sender, MarketID: m.ID, Delta: dep,
	})
	setDetail(rcpt, map[string]any{"payout": payout})
	return amm.CheckInvariants(&m.Pool, m.ID)
}

func (e *Engine) applyLaunch(rcpt *domain.Receipt, m *domain.Market, op *domain.LaunchPayload) error {
	sender := rcpt.Sender
	if err := e.controller.Launch(m, sender, op.Liquidity); err != nil {
		return err
	}
	rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
		domain.BalanceDelta{Address: sender, Delta: -op.Liquidity},
		domain.BalanceDelta{Address: m.EscrowAddress(), Delta: op.Liquidity},
	)
	rcpt.LPShareDeltas = append(rcpt.LPShareDeltas, domain.LPShareDelta{
		Address: sender, MarketID: m.ID, Delta: op.Liquidity,
	})
	rcpt.DepositDeltas = append(rcpt.DepositDeltas, domain.DepositDelta{
		Address: sender, MarketID: m.ID, Delta: op.Liquidity,
	})
	return nil
}

func (e *Engine) applyRedeem(rcpt *domain.Receipt, m *domain.Market, op *domain.RedeemPayload) error {
	sender := rcpt.Sender
	paid, err := e.settler.Redeem(m, sender, op.Outcome, op.Amount)
	if err != nil {
		return err
	}
	rcpt.HoldingDeltas = append(rcpt.HoldingDeltas, domain.HoldingDelta{
		Address: sender, MarketID: m.ID, Outcome: op.Outcome, Delta: -op.Amount,
	})
	if paid > 0 {
		rcpt.BalanceDeltas = append(rcpt.BalanceDeltas,
			domain.BalanceDelta{Address: m.EscrowAddress(), Delta: -paid},
			domain.BalanceDelta{Address: sender, Delta: paid},
		)
	}
	setDetail(rcpt, map[string]any{"paid": paid})
	return nil
}

// poolState is the pre-instruction pool view used to derive the receipt's
// pool delta.
type poolState struct {
	reserves    []float64
	feeReserve  float64
	totalShares float64
}

func snapshotPool(p *domain.Pool) poolState {
	return poolState{
		reserves:    append([]float64(nil), p.Reserves...),
		feeReserve:  p.FeeReserve,
		totalShares: p.TotalShares,
	}
}

// recordPoolDelta appends the net pool change since before, if any. Launch
// grows the reserve slice from empty; absent entries count as zero.
func recordPoolDelta(rcpt *domain.Receipt, m *domain.Market, before poolState) {
	n := len(m.Pool.Reserves)
	if n < len(before.reserves) {
		n = len(before.reserves)
	}
	deltas := make([]float64, n)
	changed := false
	for i := 0; i < n; i++ {
		var prev, cur float64
		if i < len(before.reserves) {
			prev = before.reserves[i]
		}
		if i < len(m.Pool.Reserves) {
			cur = m.Pool.Reserves[i]
		}
		deltas[i] = cur - prev
		if deltas[i] != 0 {
			changed = true
		}
	}
	feeDelta := m.Pool.FeeReserve - before.feeReserve
	shareDelta := m.Pool.TotalShares - before.totalShares
	if !changed && feeDelta == 0 && shareDelta == 0 {
		return
	}
	rcpt.PoolDeltas = append(rcpt.PoolDeltas, domain.PoolDelta{
		MarketID:         m.ID,
		ReserveDeltas:    deltas,
		FeeReserveDelta:  feeDelta,
		TotalSharesDelta: shareDelta,
	})
}

func setDetail(rcpt *domain.Receipt, kv map[string]any) {
	if rcpt.Detail == nil {
		rcpt.Detail = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		rcpt.Detail[k] = v
	}
}
