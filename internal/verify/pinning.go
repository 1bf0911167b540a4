package verify

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
)

// placeholderPin is what unconfigured builds carry instead of a real pin.
const placeholderPin = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrCertificateNotPinned is returned when the server presents an unknown key.
var ErrCertificateNotPinned = errors.New("server certificate doesn't match any pinned key")

// CertificatePinner checks update server certificates against pinned SHA-256
// hashes of their SubjectPublicKeyInfo.
type CertificatePinner struct {
	pins []string
}

// NewCertificatePinner returns a pinner for the given hex encoded hashes.
func NewCertificatePinner(pins []string) *CertificatePinner {
	p := &CertificatePinner{}

	for _, pin := range pins {
		p.pins = append(p.pins, strings.ToLower(strings.TrimSpace(pin)))
	}

	return p
}

// Verify returns true if the hash matches one of the pins.
func (p *CertificatePinner) Verify(certHash string) bool {
	return slices.Contains(p.pins, strings.ToLower(certHash))
}

// IsConfigured returns false when no real pin is present.
func (p *CertificatePinner) IsConfigured() bool {
	for _, pin := range p.pins {
		if pin != placeholderPin {
			return true
		}
	}

	return false
}

// TLSConfig returns a TLS configuration enforcing the pins on top of the
// regular chain validation. Without a real pin, nil is returned.
func (p *CertificatePinner) TLSConfig() *tls.Config {
	if !p.IsConfigured() {
		return nil
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return ErrCertificateNotPinned
			}

			sum := sha256.Sum256(cs.PeerCertificates[0].RawSubjectPublicKeyInfo)
			if !p.Verify(hex.EncodeToString(sum[:])) {
				return ErrCertificateNotPinned
			}

			return nil
		},
	}
}
