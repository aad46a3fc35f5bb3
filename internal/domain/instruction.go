package domain

import (
	"encoding/json"
	"fmt"
)

// InstructionKind discriminates the tagged instruction payload union.
type InstructionKind string

const (
	KindTransfer        InstructionKind = "transfer"
	KindTrade           InstructionKind = "trade"
	KindAddLiquidity    InstructionKind = "add_liquidity"
	KindRemoveLiquidity InstructionKind = "remove_liquidity"
	KindLaunch          InstructionKind = "launch"
	KindResolve         InstructionKind = "resolve"
	KindRedeem          InstructionKind = "redeem"
)

// TradeSide selects the direction of a trade instruction.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Instruction is a signed request to mutate engine state. It is consumed
// exactly once: the sender's nonce must equal the stored nonce plus one.
// Timestamp is unix seconds so the signed byte representation is stable.
type Instruction struct {
	Sender    string          `json:"sender"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Kind      InstructionKind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"` // hex r||s||v, 65 bytes
}

// TransferPayload moves ledger balance between two accounts.
type TransferPayload struct {
	To     string  `json:"to"`
	Amount float64 `json:"amount"`
}

// TradePayload buys or sells outcome shares against a market's pool.
// MaxCost caps the total charge on buys; MinProceeds floors the net credit
// on sells. A zero limit means no limit.
type TradePayload struct {
	MarketID    string    `json:"market_id"`
	Outcome     int       `json:"outcome"`
	Side        TradeSide `json:"side"`
	Shares      float64   `json:"shares"`
	MaxCost     float64   `json:"max_cost,omitempty"`
	MinProceeds float64   `json:"min_proceeds,omitempty"`
}

// AddLiquidityPayload deposits ledger balance into a market's pool for
// proportional LP shares.
type AddLiquidityPayload struct {
	MarketID string  `json:"market_id"`
	Amount   float64 `json:"amount"`
}

// RemoveLiquidityPayload burns LP shares for a proportional withdrawal.
type RemoveLiquidityPayload struct {
	MarketID string  `json:"market_id"`
	Shares   float64 `json:"shares"`
}

// LaunchPayload moves a pending market to provisional, seeding its pool
// evenly with the sender's liquidity deposit.
type LaunchPayload struct {
	MarketID  string  `json:"market_id"`
	Liquidity float64 `json:"liquidity"`
}

// ResolvePayload declares the winning outcome of a closed market. Only
// configured resolver addresses may send it.
type ResolvePayload struct {
	MarketID string `json:"market_id"`
	Outcome  int    `json:"outcome"`
}

// RedeemPayload burns an outcome holding on a resolved market. Winning
// holdings pay 1:1 from the market escrow; losing holdings pay zero.
type RedeemPayload struct {
	MarketID string  `json:"market_id"`
	Outcome  int     `json:"outcome"`
	Amount   float64 `json:"amount"`
}

// DecodePayload decodes the raw payload into its concrete type based on
// Kind. Unknown kinds and undecodable JSON are reported as
// ErrMalformedPayload so dispatch can rely on an exhaustive match.
func (in *Instruction) DecodePayload() (any, error) {
	var op any
	switch in.Kind {
	case KindTransfer:
		op = &TransferPayload{}
	case KindTrade:
		op = &TradePayload{}
	case KindAddLiquidity:
		op = &AddLiquidityPayload{}
	case KindRemoveLiquidity:
		op = &RemoveLiquidityPayload{}
	case KindLaunch:
		op = &LaunchPayload{}
	case KindResolve:
		op = &ResolvePayload{}
	case KindRedeem:
		op = &RedeemPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedPayload, in.Kind)
	}
	if err := json.Unmarshal(in.Payload, op); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrMalformedPayload, in.Kind, err)
	}
	return op, nil
}

// VerifiedInstruction is an Instruction that passed signature, freshness,
// and nonce checks, with its payload decoded into the concrete Op type.
type VerifiedInstruction struct {
	Instruction
	Op any
}
