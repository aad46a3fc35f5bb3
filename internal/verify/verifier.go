// Package verify performs the admission checks on incoming instructions:
// timestamp freshness, signature authenticity, and nonce sequencing.
//
// Verification is side-effect free. It reads the current nonce but never
// advances it; the engine re-checks and consumes the nonce under the
// sender's lock when the instruction actually applies, so a verified
// instruction that later loses a race is rejected there, not here.
package verify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/marketd/internal/crypto"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

// NonceSource exposes the nonce reads verification needs. Satisfied by
// *ledger.Ledger.
type NonceSource interface {
	CheckNonce(addr string, n uint64) error
}

// Verifier validates instructions before they reach the engine. Checks run
// in a fixed order (timestamp, signature, nonce) so a given bad
// instruction always fails the same way.
type Verifier struct {
	nonces  NonceSource
	window  time.Duration
	chainID int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewVerifier creates a Verifier accepting instructions timestamped within
// the given window of the local clock, in either direction.
func NewVerifier(nonces NonceSource, window time.Duration, chainID int64, logger *slog.Logger) *Verifier {
	return &Verifier{
		nonces:  nonces,
		window:  window,
		chainID: chainID,
		logger:  logger.With(slog.String("component", "verify")),
		now:     time.Now,
	}
}

// SetClock overrides the verifier's clock, for tests.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }

// Verify checks an instruction and returns it paired with its decoded
// payload. The sender claim is not trusted: the address recovered from the
// signature must match it exactly.
func (v *Verifier) Verify(in domain.Instruction) (*domain.VerifiedInstruction, error) {
	if err := v.checkTimestamp(in); err != nil {
		return nil, err
	}

	digest := crypto.InstructionDigest(in, v.chainID)
	recovered, err := crypto.RecoverSigner(digest, in.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	if ledger.Normalize(recovered.Hex()) != ledger.Normalize(in.Sender) {
		return nil, fmt.Errorf("%w: signed by %s, sender claims %s",
			domain.ErrBadSignature, recovered, in.Sender)
	}

	if err := v.nonces.CheckNonce(in.Sender, in.Nonce); err != nil {
		return nil, err
	}

	op, err := in.DecodePayload()
	if err != nil {
		return nil, err
	}

	v.logger.Debug("instruction verified",
		slog.String("sender", ledger.Normalize(in.Sender)),
		slog.Uint64("nonce", in.Nonce),
		slog.String("kind", string(in.Kind)),
	)
	return &domain.VerifiedInstruction{Instruction: in, Op: op}, nil
}

func (v *Verifier) checkTimestamp(in domain.Instruction) error {
	now := v.now()
	ts := time.Unix(in.Timestamp, 0)
	switch {
	case now.Sub(ts) > v.window:
		return fmt.Errorf("%w: instruction timestamp %s outside window %s",
			domain.ErrExpired, ts.UTC().Format(time.RFC3339), v.window)
	case ts.Sub(now) > v.window:
		return fmt.Errorf("%w: instruction timestamp %s ahead of local clock",
			domain.ErrFutureTimestamp, ts.UTC().Format(time.RFC3339))
	default:
		return nil
	}
}
