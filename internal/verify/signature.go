package verify

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// SignatureVerifier checks Ed25519 signatures against a fixed public key.
type SignatureVerifier struct {
	publicKey ed25519.PublicKey
}

// NewSignatureVerifier returns a verifier for a hex encoded 32 byte Ed25519 public key.
func NewSignatureVerifier(publicKeyHex string) (*SignatureVerifier, error) {
	key, err := hex.DecodeString(strings.TrimSpace(publicKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}

	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidPublicKey, ed25519.PublicKeySize, len(key))
	}

	return &SignatureVerifier{publicKey: ed25519.PublicKey(key)}, nil
}

// VerifyFile checks the signature over the full content of the file at path.
func (v *SignatureVerifier) VerifyFile(path string, signatureHex string) error {
	content, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return err
	}

	return v.VerifyData(content, signatureHex)
}

// VerifyData checks the signature over data.
func (v *SignatureVerifier) VerifyData(data []byte, signatureHex string) error {
	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return err
	}

	if !ed25519.Verify(v.publicKey, data, sig) {
		return ErrSignatureMismatch
	}

	return nil
}

// PublicKeyHex returns the hex encoded public key.
func (v *SignatureVerifier) PublicKeyHex() string {
	return hex.EncodeToString(v.publicKey)
}

func decodeSignature(signatureHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	if len(sig) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature must be %d bytes, got %d", ErrInvalidSignature, ed25519.SignatureSize, len(sig))
	}

	return sig, nil
}
