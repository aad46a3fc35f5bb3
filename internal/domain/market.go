package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusPending     MarketStatus = "pending"
	MarketStatusProvisional MarketStatus = "provisional"
	MarketStatusActive      MarketStatus = "active"
	MarketStatusClosed      MarketStatus = "closed"
	MarketStatusResolved    MarketStatus = "resolved"
	MarketStatusRefunded    MarketStatus = "refunded"
)

// Terminal reports whether s admits no further lifecycle transitions.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusRefunded
}

// Pool holds a market's constant-product reserves, one per outcome.
// K = Π reserves stays fixed across trades; liquidity events rescale it.
// Trading fees accumulate in FeeReserve and are paid out pro-rata to LP
// shares on withdrawal and settlement.
type Pool struct {
	Reserves    []float64          `json:"reserves"`
	FeeReserve  float64            `json:"fee_reserve"`
	FeeRate     float64            `json:"fee_rate"`
	TotalShares float64            `json:"total_shares"`
	LPShares    map[string]float64 `json:"lp_shares"`
}

// NoWinner is the WinningOutcome value of an unresolved market.
const NoWinner = -1

// Market is a prediction market carried from proposal through settlement.
// Holdings maps address to per-outcome token balances (len == len(Outcomes)).
// Deposits tracks each address's net ledger contribution, used for exact
// refunds when a provisional market misses its viability threshold.
type Market struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Outcomes []string `json:"outcomes"`

	Status         MarketStatus `json:"status"`
	Pool           Pool         `json:"pool"`
	WinningOutcome int          `json:"winning_outcome"` // NoWinner until resolved
	LPSettled      bool         `json:"lp_settled"`

	ProvisionalDeadline time.Time `json:"provisional_deadline"`
	BettingCloseTime    time.Time `json:"betting_close_time"`

	Holdings map[string][]float64 `json:"holdings"`
	Deposits map[string]float64   `json:"deposits"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// EscrowAddress returns the ledger account that holds all cash deposited
// into the market. Every payout is a transfer out of this account, so the
// ledger's non-negative balance invariant doubles as the conservation
// guard: a payout exceeding deposits plus fees cannot clear.
func (m *Market) EscrowAddress() string {
	return "market:" + m.ID
}

// Holding returns addr's token balance for the given outcome.
func (m *Market) Holding(addr string, outcome int) float64 {
	h, ok := m.Holdings[addr]
	if !ok || outcome < 0 || outcome >= len(h) {
		return 0
	}
	return h[outcome]
}

// AdjustHolding adds delta to addr's balance for the given outcome,
// allocating the per-address slice on first touch.
func (m *Market) AdjustHolding(addr string, outcome int, delta float64) {
	if m.Holdings == nil {
		m.Holdings = make(map[string][]float64)
	}
	h, ok := m.Holdings[addr]
	if !ok {
		h = make([]float64, len(m.Outcomes))
		m.Holdings[addr] = h
	}
	h[outcome] += delta
}

// AdjustDeposit adds delta to addr's net contribution, clamping at zero:
// an address that has withdrawn more than it deposited (LP fees, trading
// gains) has no refundable contribution left. It returns the change that
// was actually applied after clamping.
func (m *Market) AdjustDeposit(addr string, delta float64) float64 {
	if m.Deposits == nil {
		m.Deposits = make(map[string]float64)
	}
	old := m.Deposits[addr]
	d := old + delta
	if d < 0 {
		d = 0
	}
	m.Deposits[addr] = d
	return d - old
}
