package domain

import "time"

// BalanceDelta records one ledger balance change applied by an instruction.
// Transfers produce a matched debit/credit pair; mint and burn entries
// stand alone.
type BalanceDelta struct {
	Address string  `json:"address"`
	Delta   float64 `json:"delta"`
}

// HoldingDelta records one outcome-token change applied by an instruction.
type HoldingDelta struct {
	Address  string  `json:"address"`
	MarketID string  `json:"market_id"`
	Outcome  int     `json:"outcome"`
	Delta    float64 `json:"delta"`
}

// Receipt is the committed record of one applied instruction. The recorded
// deltas are complete: replaying them in reverse undoes the instruction,
// which is how optimistic-mode compensation works.
type Receipt struct {
	ID        string          `json:"id"`
	Kind      InstructionKind `json:"kind"`
	Sender    string          `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	AppliedAt time.Time       `json:"applied_at"`

	BalanceDeltas []BalanceDelta `json:"balance_deltas,omitempty"`
	HoldingDeltas []HoldingDelta `json:"holding_deltas,omitempty"`

	// LPShareDeltas mirrors pool share mints/burns keyed by market id.
	LPShareDeltas []LPShareDelta `json:"lp_share_deltas,omitempty"`

	PoolDeltas    []PoolDelta    `json:"pool_deltas,omitempty"`
	DepositDeltas []DepositDelta `json:"deposit_deltas,omitempty"`
	StatusChanges []StatusChange `json:"status_changes,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

// LPShareDelta records a liquidity share mint (positive) or burn (negative).
type LPShareDelta struct {
	Address  string  `json:"address"`
	MarketID string  `json:"market_id"`
	Delta    float64 `json:"delta"`
}

// PoolDelta records the net change an instruction made to a market's pool.
type PoolDelta struct {
	MarketID         string    `json:"market_id"`
	ReserveDeltas    []float64 `json:"reserve_deltas"`
	FeeReserveDelta  float64   `json:"fee_reserve_delta"`
	TotalSharesDelta float64   `json:"total_shares_delta"`
}

// DepositDelta records the change to an address's refundable net
// contribution on a market. The recorded value is the applied change after
// clamping, so reversing it restores the prior contribution exactly.
type DepositDelta struct {
	Address  string  `json:"address"`
	MarketID string  `json:"market_id"`
	Delta    float64 `json:"delta"`
}

// StatusChange records a market status transition the instruction itself
// caused (launch, resolve). Time-driven transitions are not instruction
// effects and never appear here.
type StatusChange struct {
	MarketID string       `json:"market_id"`
	From     MarketStatus `json:"from"`
	To       MarketStatus `json:"to"`
}
