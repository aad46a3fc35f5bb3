package domain

import "errors"

// Validation errors: the instruction never passed verification. The caller
// may correct and resubmit; no state was touched.
var (
	ErrBadSignature     = errors.New("bad signature")
	ErrExpired          = errors.New("instruction expired")
	ErrFutureTimestamp  = errors.New("instruction timestamp in the future")
	ErrMalformedPayload = errors.New("malformed payload")
)

// State errors: the instruction was well-formed but conflicts with current
// ledger or market state. Rejected before any mutation.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientShares   = errors.New("insufficient liquidity shares")
	ErrInsufficientHolding  = errors.New("insufficient outcome holding")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrNonceReplay          = errors.New("nonce replay")
	ErrNonceGap             = errors.New("nonce gap")
	ErrMarketNotFound       = errors.New("market not found")
	ErrWrongMarketStatus    = errors.New("wrong market status")
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrUnknownOutcome       = errors.New("unknown outcome")
	ErrUnauthorizedResolver = errors.New("unauthorized resolver")
	ErrAuthorityRejected    = errors.New("settlement authority rejected instruction")
)

// ErrNotFound reports a cache or store miss. Infrastructure adapters
// return it so callers can distinguish absence from transport failure.
var ErrNotFound = errors.New("not found")

// ErrSettlementInvariant signals that a resolution or settlement would pay
// out more than the market ever collected. It is an invariant violation,
// not bad input.
var ErrSettlementInvariant = errors.New("settlement invariant violation")

// InvariantError marks a logic defect: negative reserves, payouts exceeding
// escrow, a nonce advanced without its matching effect. It aborts the
// operation on the affected entity and must be surfaced loudly, never
// swallowed.
type InvariantError struct {
	Entity string // account address or market id
	Err    error
}

func (e *InvariantError) Error() string {
	return "invariant violation on " + e.Entity + ": " + e.Err.Error()
}

func (e *InvariantError) Unwrap() error { return e.Err }

// Invariant wraps err as a fatal InvariantError on the given entity.
func Invariant(entity string, err error) error {
	return &InvariantError{Entity: entity, Err: err}
}

// ErrorClass partitions errors for callers deciding whether to resubmit.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassValidation
	ClassState
	ClassInvariant
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassState:
		return "state"
	case ClassInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var validationErrs = []error{
	ErrBadSignature, ErrExpired, ErrFutureTimestamp, ErrMalformedPayload,
}

var stateErrs = []error{
	ErrInsufficientBalance, ErrInsufficientShares, ErrInsufficientHolding,
	ErrInvalidAmount, ErrNonceReplay, ErrNonceGap, ErrMarketNotFound,
	ErrWrongMarketStatus, ErrSlippageExceeded, ErrUnknownOutcome,
	ErrUnauthorizedResolver, ErrAuthorityRejected,
}

// Classify returns the error class of err. InvariantError takes precedence
// over sentinel matching so a wrapped state sentinel inside an invariant
// report is still treated as fatal.
func Classify(err error) ErrorClass {
	var inv *InvariantError
	if errors.As(err, &inv) || errors.Is(err, ErrSettlementInvariant) {
		return ClassInvariant
	}
	for _, e := range validationErrs {
		if errors.Is(err, e) {
			return ClassValidation
		}
	}
	for _, e := range stateErrs {
		if errors.Is(err, e) {
			return ClassState
		}
	}
	return ClassUnknown
}
