// Package authority defines the external confirmation hook for applied
// instructions and the modes that control how the engine consults it.
package authority

import (
	"context"
	"fmt"
)

// Decision is the authority's verdict on an instruction.
type Decision int

const (
	// Confirmed means the instruction may take (or keep) effect.
	Confirmed Decision = iota
	// Rejected means the instruction must not take effect; an already
	// applied instruction is compensated.
	Rejected
)

// Mode selects how the engine orders authority submission against local
// application.
type Mode string

const (
	// ModeOff skips authority submission entirely.
	ModeOff Mode = "off"
	// ModePessimistic submits before applying; a rejection means nothing
	// was applied.
	ModePessimistic Mode = "pessimistic"
	// ModeOptimistic applies first and submits after; a rejection triggers
	// compensation from the receipt.
	ModeOptimistic Mode = "optimistic"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeOff, ModePessimistic, ModeOptimistic:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("authority: unknown mode %q", s)
	}
}

// Authority is the external settlement authority. Submit blocks until the
// authority decides; the engine never calls it while holding locks.
type Authority interface {
	Submit(ctx context.Context, instructionID string, raw []byte) (Decision, error)
}

// Static always returns the same decision. It backs the off mode
// (confirm-all) and exercises rejection paths in tests.
type Static struct {
	Decision Decision
}

// Submit implements Authority.
func (s Static) Submit(context.Context, string, []byte) (Decision, error) {
	return s.Decision, nil
}
