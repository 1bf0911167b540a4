package util

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// CertPool returns the system CA pool with the provided PEM-encoded
// certificates appended.
func CertPool(pemCerts []string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	// Validate that each PEM-encoded block is a valid x509 certificate.
	for i, pemCert := range pemCerts {
		pemBlock, _ := pem.Decode([]byte(pemCert))
		if pemBlock == nil {
			return nil, fmt.Errorf("unable to decode certificate %d", i)
		}

		if pemBlock.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("certificate %d isn't a PEM-encoded certificate", i)
		}

		cert, err := x509.ParseCertificate(pemBlock.Bytes)
		if err != nil {
			return nil, err
		}

		pool.AddCert(cert)
	}

	return pool, nil
}
