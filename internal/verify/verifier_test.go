package verify

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketd/internal/crypto"
	"github.com/alanyoungcy/marketd/internal/domain"
	"github.com/alanyoungcy/marketd/internal/ledger"
)

const chainID = int64(1)

func newTestVerifier(t *testing.T, lgr *ledger.Ledger) (*Verifier, *crypto.Signer) {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(pk)), chainID)
	require.NoError(t, err)
	v := NewVerifier(lgr, 5*time.Minute, chainID, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return v, signer
}

func signedTransfer(t *testing.T, signer *crypto.Signer, nonce uint64, ts time.Time) domain.Instruction {
	t.Helper()
	in, err := signer.SignInstruction(domain.Instruction{
		Nonce:     nonce,
		Timestamp: ts.Unix(),
		Kind:      domain.KindTransfer,
		Payload:   json.RawMessage(`{"to":"0xbob","amount":10}`),
	})
	require.NoError(t, err)
	return in
}

func TestVerifyHappyPath(t *testing.T) {
	v, signer := newTestVerifier(t, ledger.New())
	in := signedTransfer(t, signer, 1, time.Now())

	vin, err := v.Verify(in)
	require.NoError(t, err)
	assert.Equal(t, in.Nonce, vin.Nonce)

	op, ok := vin.Op.(*domain.TransferPayload)
	require.True(t, ok, "payload decoded to its kind's type")
	assert.Equal(t, "0xbob", op.To)
	assert.Equal(t, 10.0, op.Amount)
}

func TestVerifyTimestampWindow(t *testing.T) {
	v, signer := newTestVerifier(t, ledger.New())

	in := signedTransfer(t, signer, 1, time.Now().Add(-time.Hour))
	_, err := v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrExpired)

	in = signedTransfer(t, signer, 1, time.Now().Add(time.Hour))
	_, err = v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrFutureTimestamp)

	// The window is symmetric; just inside either edge passes.
	in = signedTransfer(t, signer, 1, time.Now().Add(-4*time.Minute))
	_, err = v.Verify(in)
	assert.NoError(t, err)
}

func TestVerifyTamperedPayload(t *testing.T) {
	v, signer := newTestVerifier(t, ledger.New())
	in := signedTransfer(t, signer, 1, time.Now())
	in.Payload = json.RawMessage(`{"to":"0xmallory","amount":10000}`)

	_, err := v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestVerifySenderClaimMustMatchSignature(t *testing.T) {
	lgr := ledger.New()
	v, signer := newTestVerifier(t, lgr)
	_, other := newTestVerifier(t, lgr)

	in := signedTransfer(t, signer, 1, time.Now())
	in.Sender = strings.ToLower(other.Address().Hex())

	_, err := v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestVerifyNonceSequence(t *testing.T) {
	lgr := ledger.New()
	v, signer := newTestVerifier(t, lgr)
	sender := strings.ToLower(signer.Address().Hex())
	require.NoError(t, lgr.AcceptNonce(sender, 1))

	_, err := v.Verify(signedTransfer(t, signer, 1, time.Now()))
	assert.ErrorIs(t, err, domain.ErrNonceReplay)

	_, err = v.Verify(signedTransfer(t, signer, 3, time.Now()))
	assert.ErrorIs(t, err, domain.ErrNonceGap)

	_, err = v.Verify(signedTransfer(t, signer, 2, time.Now()))
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), lgr.Nonce(sender), "verification never consumes the nonce")
}

func TestVerifyMalformedPayload(t *testing.T) {
	v, signer := newTestVerifier(t, ledger.New())
	in, err := signer.SignInstruction(domain.Instruction{
		Nonce:     1,
		Timestamp: time.Now().Unix(),
		Kind:      domain.KindTrade,
		Payload:   json.RawMessage(`{"market_id":`),
	})
	require.NoError(t, err)

	_, err = v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestVerifyUnknownKind(t *testing.T) {
	v, signer := newTestVerifier(t, ledger.New())
	in, err := signer.SignInstruction(domain.Instruction{
		Nonce:     1,
		Timestamp: time.Now().Unix(),
		Kind:      "teleport",
		Payload:   json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = v.Verify(in)
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}
