package verify

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// GenerateKeypair creates a new Ed25519 key pair for the release tooling.
//
// The private key is returned as its hex encoded 32 byte seed, the public key
// as its hex encoded 32 byte value. Only the public key ever ships on a device.
func GenerateKeypair() (string, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", err
	}

	return hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub), nil
}

// SignData signs data with a hex encoded Ed25519 seed and returns the hex encoded signature.
func SignData(data []byte, privateKeyHex string) (string, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(privateKeyHex))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPrivateKey, err)
	}

	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidPrivateKey, ed25519.SeedSize, len(seed))
	}

	sig := ed25519.Sign(ed25519.NewKeyFromSeed(seed), data)

	return hex.EncodeToString(sig), nil
}

// SignFile signs the full content of the file at path.
func SignFile(path string, privateKeyHex string) (string, error) {
	content, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return "", err
	}

	return SignData(content, privateKeyHex)
}
