package engine

import (
	"fmt"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// compensate reverses an applied instruction after an optimistic-mode
// authority rejection by replaying the receipt's deltas backwards. The
// nonce stays consumed: the instruction was seen and decided, so a resend
// must carry a fresh nonce.
//
// Any delta that can no longer be reversed (the sender already spent the
// credited funds, for example) is an invariant violation: the books can no
// longer be squared and the operator has to intervene.
func (e *Engine) compensate(rcpt *domain.Receipt) error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	mu := e.senderLock(rcpt.Sender)
	mu.Lock()
	defer mu.Unlock()

	for _, d := range rcpt.BalanceDeltas {
		var err error
		if d.Delta > 0 {
			err = e.ledger.Debit(d.Address, d.Delta)
		} else if d.Delta < 0 {
			err = e.ledger.Credit(d.Address, -d.Delta)
		}
		if err != nil {
			return domain.Invariant(d.Address,
				fmt.Errorf("reverse balance delta %v for receipt %s: %w", d.Delta, rcpt.ID, err))
		}
	}

	for _, id := range receiptMarkets(rcpt) {
		err := e.registry.WithMarket(id, func(m *domain.Market) error {
			for _, d := range rcpt.HoldingDeltas {
				if d.MarketID == m.ID {
					m.AdjustHolding(d.Address, d.Outcome, -d.Delta)
				}
			}
			for _, d := range rcpt.LPShareDeltas {
				if d.MarketID != m.ID {
					continue
				}
				if m.Pool.LPShares == nil {
					m.Pool.LPShares = make(map[string]float64)
				}
				m.Pool.LPShares[d.Address] -= d.Delta
				if m.Pool.LPShares[d.Address] <= 0 {
					delete(m.Pool.LPShares, d.Address)
				}
			}
			for _, d := range rcpt.PoolDeltas {
				if d.MarketID != m.ID {
					continue
				}
				for i, rd := range d.ReserveDeltas {
					if i < len(m.Pool.Reserves) {
						m.Pool.Reserves[i] -= rd
					}
				}
				m.Pool.FeeReserve -= d.FeeReserveDelta
				m.Pool.TotalShares -= d.TotalSharesDelta
			}
			for _, d := range rcpt.DepositDeltas {
				if d.MarketID == m.ID {
					m.AdjustDeposit(d.Address, -d.Delta)
				}
			}
			for _, d := range rcpt.StatusChanges {
				if d.MarketID != m.ID {
					continue
				}
				m.Status = d.From
				if d.To == domain.MarketStatusResolved {
					m.WinningOutcome = domain.NoWinner
					m.ResolvedAt = nil
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("engine: compensate receipt %s on market %s: %w", rcpt.ID, id, err)
		}
	}
	return nil
}

// receiptMarkets lists the distinct markets a receipt touched.
func receiptMarkets(rcpt *domain.Receipt) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, d := range rcpt.HoldingDeltas {
		add(d.MarketID)
	}
	for _, d := range rcpt.LPShareDeltas {
		add(d.MarketID)
	}
	for _, d := range rcpt.PoolDeltas {
		add(d.MarketID)
	}
	for _, d := range rcpt.DepositDeltas {
		add(d.MarketID)
	}
	for _, d := range rcpt.StatusChanges {
		add(d.MarketID)
	}
	return ids
}
