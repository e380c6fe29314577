package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/config"
)

// ACMEManager manages automatic TLS certificates from Let's Encrypt
type ACMEManager struct {
	manager       *autocert.Manager
	cache         autocert.DirCache
	domains       []string
	challengeAddr string
}

// NewACMEManager creates a new ACME manager
func NewACMEManager(cfg config.ACMEConfig) *ACMEManager {
	cache := autocert.DirCache(cfg.CacheDir)
	return &ACMEManager{
		manager: &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.Email,
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
			Cache:      cache,
		},
		cache:         cache,
		domains:       cfg.Domains,
		challengeAddr: cfg.ChallengeAddr,
	}
}

// Domains returns the list of configured domains
func (a *ACMEManager) Domains() []string {
	return a.domains
}

// TLSConfig returns TLS configuration for use with servers
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
	}
}

// ChallengeServer returns the HTTP-01 challenge server. Other requests are
// redirected to https.
func (a *ACMEManager) ChallengeServer() *http.Server {
	return &http.Server{
		Addr:              a.challengeAddr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: a.manager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + r.Host + r.URL.Path
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})),
	}
}

// CachedCertificates reads certificates from cache without contacting
// Let's Encrypt. Domains without a cached certificate are skipped.
func (a *ACMEManager) CachedCertificates() ([]CertificateInfo, error) {
	var results []CertificateInfo

	for _, domain := range a.domains {
		data, err := a.cache.Get(context.Background(), domain)
		if err != nil {
			continue
		}

		// autocert stores the key and the chain in one PEM bundle
		cert, err := tls.X509KeyPair(data, data)
		if err != nil || len(cert.Certificate) == 0 {
			continue
		}

		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			continue
		}
		results = append(results, infoFor(domain, leaf))
	}

	return results, nil
}
