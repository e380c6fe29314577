// Package dkim signs outgoing messages per sending domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders are covered by every signature
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "Reply-To",
	"MIME-Version", "Content-Type", "List-Unsubscribe", "List-Unsubscribe-Post",
}

// Signer signs messages for one domain and selector
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// NewSigner creates a signer from an RSA key
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: strings.ToLower(domain), selector: selector}
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(message), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderKeys:             signedHeaders,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message for %s: %w", s.domain, err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string { return s.domain }

// Selector returns the DKIM selector
func (s *Signer) Selector() string { return s.selector }

// Keyring holds one signer per sending domain
type Keyring struct {
	mu      sync.RWMutex
	signers map[string]*Signer
}

// NewKeyring creates an empty keyring
func NewKeyring() *Keyring {
	return &Keyring{signers: make(map[string]*Signer)}
}

// Add registers a signer under its domain
func (k *Keyring) Add(s *Signer) {
	k.mu.Lock()
	k.signers[s.domain] = s
	k.mu.Unlock()
}

// LoadFile loads a PEM key and registers a signer for domain
func (k *Keyring) LoadFile(domain, selector, keyFile string) error {
	key, err := LoadPrivateKey(keyFile)
	if err != nil {
		return fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
	}
	k.Add(NewSigner(key, domain, selector))
	return nil
}

// SignerFor returns the signer for the domain of an address, or nil
func (k *Keyring) SignerFor(address string) *Signer {
	if k == nil {
		return nil
	}
	at := strings.LastIndexByte(address, '@')
	domain := strings.ToLower(address[at+1:])

	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.signers[domain]
}

// Len returns the number of configured domains
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.signers)
}
