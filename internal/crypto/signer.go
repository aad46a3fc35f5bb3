package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/marketd/internal/domain"
)

// --------------------------------------------------------------------------
// Typed-data hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Instruction(address sender,uint256 nonce,uint256 timestamp,string kind,bytes payload)
	instructionTypeHash = ethcrypto.Keccak256(
		[]byte("Instruction(address sender,uint256 nonce,uint256 timestamp,string kind,bytes payload)"),
	)
)

// domainName/domainVersion pin the signing domain so instruction signatures
// cannot be replayed against other applications sharing a key.
const (
	domainName    = "MarketdSettlement"
	domainVersion = "1"
)

// DomainSeparator returns the typed-data domain separator for the given
// chain ID. Signers and verifiers must agree on it.
func DomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// InstructionDigest computes the 32-byte signing digest of an instruction:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
//
// The payload enters as its keccak hash so the digest stays fixed-size and
// covers the exact raw bytes the sender signed.
func InstructionDigest(in domain.Instruction, chainID int64) []byte {
	structHash := ethcrypto.Keccak256(
		concatBytes(
			instructionTypeHash,
			common.LeftPadBytes(common.HexToAddress(in.Sender).Bytes(), 32),
			bigIntTo32Bytes(new(big.Int).SetUint64(in.Nonce)),
			bigIntTo32Bytes(big.NewInt(in.Timestamp)),
			ethcrypto.Keccak256([]byte(in.Kind)),
			ethcrypto.Keccak256(in.Payload),
		),
	)
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			DomainSeparator(chainID),
			structHash,
		),
	)
}

// Signer signs instructions with a secp256k1 private key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the signing-domain chain ID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}, nil
}

// Address returns the address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignInstruction fills in Sender (when empty) and Signature on a copy of
// in and returns it. The signature is hex-encoded r||s||v, 65 bytes.
func (s *Signer) SignInstruction(in domain.Instruction) (domain.Instruction, error) {
	if in.Sender == "" {
		in.Sender = strings.ToLower(s.address.Hex())
	}

	digest := InstructionDigest(in, s.chainID)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; keep the on-wire convention of {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}

	in.Signature = "0x" + hex.EncodeToString(sig)
	return in, nil
}

// RecoverSigner recovers the address that produced sigHex over digest.
func RecoverSigner(digest []byte, sigHex string) (common.Address, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: decode signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: expected 65-byte signature, got %d", len(sigBytes))
	}

	// SigToPub wants the recovery id in {0,1}.
	sig := make([]byte, 65)
	copy(sig, sigBytes)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sigHex over message was produced by the key behind
// address. This is the signature-verification primitive the instruction
// verifier builds on.
func Verify(address string, message []byte, sigHex string) bool {
	recovered, err := RecoverSigner(message, sigHex)
	if err != nil {
		return false
	}
	return bytes.Equal(recovered.Bytes(), common.HexToAddress(address).Bytes())
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
