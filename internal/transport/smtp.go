package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/dkim"
)

// TLSMode selects how the SMTP provider secures the connection
type TLSMode string

const (
	TLSNone          TLSMode = "none"
	TLSOpportunistic TLSMode = "opportunistic"
	TLSStartTLS      TLSMode = "starttls"
	TLSImplicit      TLSMode = "implicit"
)

// SMTPConfig configures a relay provider
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLSMode            TLSMode
	InsecureSkipVerify bool
	// Hostname is sent in EHLO
	Hostname       string
	PoolSize       int
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
}

// SMTPProvider delivers through an SMTP relay over pooled persistent
// connections. One pool is kept per source address so that identity IPs
// stay bound to their own connections.
type SMTPProvider struct {
	cfg     SMTPConfig
	keyring *dkim.Keyring
	logger  *slog.Logger

	mu    sync.Mutex
	pools map[string]*Pool[*smtp.Client]

	// now is overridden in tests
	now func() time.Time
}

// NewSMTPProvider creates a relay provider. keyring may be nil.
func NewSMTPProvider(cfg SMTPConfig, keyring *dkim.Keyring, logger *slog.Logger) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSOpportunistic
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPProvider{
		cfg:     cfg,
		keyring: keyring,
		logger:  logger.With("component", "smtp", "relay", cfg.Host),
		pools:   make(map[string]*Pool[*smtp.Client]),
		now:     time.Now,
	}
}

// Name returns the provider name
func (p *SMTPProvider) Name() string { return ProviderSMTP }

// Send delivers msg over a pooled connection
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	data, messageID, err := buildMIME(msg, p.now())
	if err != nil {
		return nil, &Error{Kind: KindPermanent, Provider: ProviderSMTP, Message: "build message: " + err.Error(), Err: err}
	}

	if signer := p.keyring.SignerFor(msg.From); signer != nil {
		signed, err := signer.Sign(data)
		if err != nil {
			p.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	pool := p.poolFor(msg.SourceAddress)
	c, err := pool.Get(ctx)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, classifyNet(ProviderSMTP, err)
	}

	err = p.deliver(c, msg.From, msg.To, data)
	pool.Put(c, err != nil && !isReply(err))
	if err != nil {
		return nil, err
	}

	p.logger.Debug("message relayed", "message_id", msg.ID, "smtp_message_id", messageID)
	return &SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  ProviderSMTP,
		SentAt:    p.now(),
	}, nil
}

// Verify opens (or reuses) a connection and issues NOOP
func (p *SMTPProvider) Verify(ctx context.Context) error {
	pool := p.poolFor("")
	c, err := pool.Get(ctx)
	if err != nil {
		return fmt.Errorf("verify smtp relay %s: %w", p.cfg.Host, err)
	}
	err = c.Noop()
	pool.Put(c, err != nil)
	if err != nil {
		return fmt.Errorf("verify smtp relay %s: %w", p.cfg.Host, err)
	}
	return nil
}

// Close shuts down all pools
func (p *SMTPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		pool.Close()
	}
	p.pools = make(map[string]*Pool[*smtp.Client])
	return nil
}

func (p *SMTPProvider) poolFor(source string) *Pool[*smtp.Client] {
	var local net.Addr
	key := ""
	if ip, err := netip.ParseAddr(source); err == nil {
		local = &net.TCPAddr{IP: ip.AsSlice()}
		key = ip.String()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[key]; ok {
		return pool
	}
	pool := NewPool(ProviderSMTP, p.cfg.PoolSize, func(ctx context.Context) (*smtp.Client, error) {
		return p.dial(ctx, local, p.cfg.TLSMode)
	})
	p.pools[key] = pool
	return pool
}

func (p *SMTPProvider) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         p.cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	}
}

func (p *SMTPProvider) dial(ctx context.Context, local net.Addr, mode TLSMode) (*smtp.Client, error) {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	dialer := &net.Dialer{Timeout: p.cfg.ConnectTimeout, LocalAddr: local}

	var conn net.Conn
	var err error
	if mode == TLSImplicit {
		td := &tls.Dialer{NetDialer: dialer, Config: p.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, classifyNet(ProviderSMTP, fmt.Errorf("connect %s: %w", addr, err))
	}

	var c *smtp.Client
	if mode == TLSStartTLS || mode == TLSOpportunistic {
		// NewClientStartTLS greets as localhost; the EHLO that counts is
		// the one sent over TLS below.
		if p.cfg.ConnectTimeout > 0 {
			_ = conn.SetDeadline(time.Now().Add(p.cfg.ConnectTimeout))
		}
		c, err = smtp.NewClientStartTLS(conn, p.tlsConfig())
		_ = conn.SetDeadline(time.Time{})
		if err != nil {
			return p.startTLSFailed(ctx, local, mode, err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = p.cfg.ConnectTimeout
	c.SubmissionTimeout = p.cfg.SendTimeout

	if err := c.Hello(p.cfg.Hostname); err != nil {
		_ = c.Close()
		// the TLS handshake runs on the first write after STARTTLS
		if (mode == TLSStartTLS || mode == TLSOpportunistic) && !isReply(err) {
			return p.startTLSFailed(ctx, local, mode, err)
		}
		return nil, replyError(err, "EHLO")
	}

	if p.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			_ = c.Close()
			var se *smtp.SMTPError
			if errors.As(err, &se) {
				return nil, &Error{Kind: KindConfig, Provider: ProviderSMTP, Code: strconv.Itoa(se.Code), Message: "AUTH: " + se.Message, Err: err}
			}
			return nil, classifyNet(ProviderSMTP, fmt.Errorf("AUTH: %w", err))
		}
	}

	return c, nil
}

// startTLSFailed fails a starttls dial and falls back to plaintext in
// opportunistic mode
func (p *SMTPProvider) startTLSFailed(ctx context.Context, local net.Addr, mode TLSMode, err error) (*smtp.Client, error) {
	if mode == TLSOpportunistic {
		p.logger.Warn("STARTTLS failed, continuing without encryption", "error", err)
		return p.dial(ctx, local, TLSNone)
	}
	return nil, &Error{Kind: KindConfig, Provider: ProviderSMTP, Message: "STARTTLS failed: " + err.Error(), Err: err}
}

func (p *SMTPProvider) deliver(c *smtp.Client, from, to string, data []byte) error {
	if err := c.Mail(from, nil); err != nil {
		return replyError(err, "MAIL FROM")
	}
	if err := c.Rcpt(to, nil); err != nil {
		return replyError(err, "RCPT TO")
	}
	w, err := c.Data()
	if err != nil {
		return replyError(err, "DATA")
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return classifyNet(ProviderSMTP, fmt.Errorf("write message data: %w", err))
	}
	if err := w.Close(); err != nil {
		return replyError(err, "DATA close")
	}
	return nil
}

// replyError classifies an SMTP reply by code; anything else is a
// connection-level failure
func replyError(err error, stage string) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		e := classifySMTP(ProviderSMTP, se.Code, stage+": "+se.Message)
		e.Err = err
		return e
	}
	return classifyNet(ProviderSMTP, fmt.Errorf("%s: %w", stage, err))
}

// isReply reports whether err came from a well-formed server reply, which
// leaves the connection usable after RSET
func isReply(err error) bool {
	var se *smtp.SMTPError
	return errors.As(err, &se)
}
