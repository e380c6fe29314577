// Package tls provides the certificates the HTTP API serves.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
)

// ExpiryWarning is how close to expiry a certificate gets reported
const ExpiryWarning = 14 * 24 * time.Hour

// CertificateInfo describes a certificate
type CertificateInfo struct {
	Domain    string
	Subject   string
	Issuer    string
	NotBefore time.Time
	NotAfter  time.Time
	DaysLeft  int
	DNSNames  []string
}

// Expiring reports whether the certificate expires within ExpiryWarning of now
func (c CertificateInfo) Expiring(now time.Time) bool {
	return c.NotAfter.Sub(now) < ExpiryWarning
}

func infoFor(domain string, leaf *x509.Certificate) CertificateInfo {
	return CertificateInfo{
		Domain:    domain,
		Subject:   leaf.Subject.CommonName,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		DaysLeft:  int(time.Until(leaf.NotAfter).Hours() / 24),
		DNSNames:  leaf.DNSNames,
	}
}

// LoadCertificate loads TLS certificate from PEM files
func LoadCertificate(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ReadCertificateInfo reads the first certificate of a PEM file
func ReadCertificateInfo(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	info := infoFor(cert.Subject.CommonName, cert)
	return &info, nil
}

// Setup returns the API's TLS config and, when ACME is enabled, the manager
// whose challenge server must run alongside the API. A nil config means
// plain HTTP.
func Setup(cfg config.TLSConfig) (*tls.Config, *ACMEManager, error) {
	if cfg.ACME.Enabled {
		m := NewACMEManager(cfg.ACME)
		return m.TLSConfig(), m, nil
	}
	if cfg.CertFile != "" {
		tlsConfig, err := LoadCertificate(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		return tlsConfig, nil, nil
	}
	return nil, nil, nil
}

// Certificates returns the certificates Setup would serve: the static file
// or the ACME certificates already in the cache
func Certificates(cfg config.TLSConfig) ([]CertificateInfo, error) {
	if cfg.ACME.Enabled {
		return NewACMEManager(cfg.ACME).CachedCertificates()
	}
	if cfg.CertFile == "" {
		return nil, nil
	}
	info, err := ReadCertificateInfo(cfg.CertFile)
	if err != nil {
		return nil, err
	}
	return []CertificateInfo{*info}, nil
}
