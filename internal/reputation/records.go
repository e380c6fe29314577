package reputation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

func domainKey(workspaceID, domain string) string {
	return workspaceID + "|" + strings.ToLower(domain)
}

// GetDomain returns the reputation record of a domain
func (s *Store) GetDomain(ctx context.Context, workspaceID, domain string) (*DomainReputation, error) {
	var d DomainReputation
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketDomains), domainKey(workspaceID, domain), &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDomains returns domain records of a workspace ("" for all)
func (s *Store) ListDomains(ctx context.Context, workspaceID string) ([]*DomainReputation, error) {
	var out []*DomainReputation
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketDomains), func(_ []byte, d *DomainReputation) error {
			if workspaceID == "" || d.WorkspaceID == workspaceID {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// UpsertDomain applies fn to the domain record, creating it when missing
func (s *Store) UpsertDomain(ctx context.Context, workspaceID, domain string, fn func(*DomainReputation) error) (*DomainReputation, error) {
	var out *DomainReputation
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := s.upsertDomainTx(tx, workspaceID, domain, fn)
		out = d
		return err
	})
	return out, err
}

func (s *Store) upsertDomainTx(tx *bolt.Tx, workspaceID, domain string, fn func(*DomainReputation) error) (*DomainReputation, error) {
	b := tx.Bucket(bucketDomains)
	k := domainKey(workspaceID, domain)

	var d DomainReputation
	if err := store.GetJSON(b, k, &d); err != nil {
		if err != store.ErrNotFound {
			return nil, err
		}
		d = newDomain(workspaceID, domain)
	}
	if err := fn(&d); err != nil {
		return nil, err
	}
	d.UpdatedAt = s.now()
	return &d, store.PutJSON(b, k, &d)
}

func newDomain(workspaceID, domain string) DomainReputation {
	d := DomainReputation{
		WorkspaceID: workspaceID,
		Domain:      strings.ToLower(domain),
		Auth:        Auth{SPF: AuthUnknown, DKIM: AuthUnknown, DMARC: AuthUnknown},
	}
	d.Rates = ComputeRates(d.Counters)
	d.ReputationScore = Score(ScoreInput{})
	d.HealthStatus = Health(d.ReputationScore, d.Rates)
	return d
}

// SaveMailbox inserts or replaces a mailbox record
func (s *Store) SaveMailbox(ctx context.Context, m *MailboxReputation) error {
	if m.Email == "" {
		return fmt.Errorf("mailbox email is required")
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Domain == "" {
		m.Domain = DomainOf(m.Email)
	}
	if m.HealthStatus == "" {
		m.Rates = ComputeRates(m.Counters)
		m.ReputationScore = Score(ScoreInput{})
		m.HealthStatus = Health(m.ReputationScore, m.Rates)
	}
	m.UpdatedAt = s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return store.PutJSON(tx.Bucket(bucketMailboxes), m.ID, m)
	})
}

// GetMailbox returns a mailbox record by id
func (s *Store) GetMailbox(ctx context.Context, id string) (*MailboxReputation, error) {
	var m MailboxReputation
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.GetJSON(tx.Bucket(bucketMailboxes), id, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMailboxes returns mailbox records of a workspace ("" for all)
func (s *Store) ListMailboxes(ctx context.Context, workspaceID string) ([]*MailboxReputation, error) {
	var out []*MailboxReputation
	err := s.db.View(func(tx *bolt.Tx) error {
		return store.ForEachJSON(tx.Bucket(bucketMailboxes), func(_ []byte, m *MailboxReputation) error {
			if workspaceID == "" || m.WorkspaceID == workspaceID {
				out = append(out, m)
			}
			return nil
		})
	})
	return out, err
}

// UpdateMailbox applies fn to a stored mailbox inside one write transaction
func (s *Store) UpdateMailbox(ctx context.Context, id string, fn func(*MailboxReputation) error) (*MailboxReputation, error) {
	var out MailboxReputation
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMailboxes)
		if err := store.GetJSON(b, id, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		out.UpdatedAt = s.now()
		return store.PutJSON(b, id, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReserveMailboxSend counts one send against a mailbox's warmup allowance.
// Unknown mailboxes are not managed and always pass.
func (s *Store) ReserveMailboxSend(ctx context.Context, mailboxID string) error {
	if mailboxID == "" {
		return nil
	}
	_, err := s.UpdateMailbox(ctx, mailboxID, func(m *MailboxReputation) error {
		if m.QuarantinedAt(s.now()) || m.WarmupPaused {
			return ErrMailboxPaused
		}
		if m.WarmupDailyLimit > 0 && m.SentToday >= m.WarmupDailyLimit {
			return ErrCapacityExceeded
		}
		m.SentToday++
		return nil
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

// ReleaseMailboxSend returns a slot taken by ReserveMailboxSend for a send
// that never reached a provider
func (s *Store) ReleaseMailboxSend(ctx context.Context, mailboxID string) error {
	if mailboxID == "" {
		return nil
	}
	_, err := s.UpdateMailbox(ctx, mailboxID, func(m *MailboxReputation) error {
		if m.SentToday > 0 {
			m.SentToday--
		}
		return nil
	})
	if err == ErrNotFound {
		return nil
	}
	return err
}

// QuarantinedAt reports whether the quarantine is in force at t
func (q Quarantine) QuarantinedAt(t time.Time) bool {
	if !q.IsQuarantined {
		return false
	}
	return q.QuarantineUntil == nil || t.Before(*q.QuarantineUntil)
}

// RecordSignal bumps counters on the identity, mailbox and domain that a
// signal is attributed to, in one transaction. Mailbox and domain records
// are created on first sight.
func (s *Store) RecordSignal(ctx context.Context, sig Signal) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		now := s.now()

		if sig.IdentityID != "" {
			b := tx.Bucket(bucketIdentities)
			var i Identity
			switch err := store.GetJSON(b, sig.IdentityID, &i); err {
			case nil:
				bump(&i.Counters, sig.Type)
				i.UpdatedAt = now
				if err := store.PutJSON(b, i.ID, &i); err != nil {
					return err
				}
			case store.ErrNotFound:
			default:
				return err
			}
		}

		if sig.MailboxID != "" {
			b := tx.Bucket(bucketMailboxes)
			var m MailboxReputation
			if err := store.GetJSON(b, sig.MailboxID, &m); err != nil {
				if err != store.ErrNotFound {
					return err
				}
				m = MailboxReputation{
					ID:           sig.MailboxID,
					WorkspaceID:  sig.WorkspaceID,
					Email:        strings.ToLower(sig.MailboxEmail),
					Domain:       DomainOf(sig.MailboxEmail),
					HealthStatus: HealthGood,
				}
				m.Rates = ComputeRates(m.Counters)
				m.ReputationScore = Score(ScoreInput{})
			}
			bump(&m.Counters, sig.Type)
			switch sig.Type {
			case SignalBounced:
				m.ConsecutiveBounces++
			case SignalDelivered:
				m.ConsecutiveBounces = 0
			}
			m.UpdatedAt = now
			if err := store.PutJSON(b, m.ID, &m); err != nil {
				return err
			}
		}

		domain := sig.Domain
		if domain == "" {
			domain = DomainOf(sig.MailboxEmail)
		}
		if domain != "" {
			if _, err := s.upsertDomainTx(tx, sig.WorkspaceID, domain, func(d *DomainReputation) error {
				bump(&d.Counters, sig.Type)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func bump(c *Counters, t SignalType) {
	switch t {
	case SignalSent:
		c.Sent++
	case SignalDelivered:
		c.Delivered++
	case SignalBounced:
		c.Bounced++
	case SignalComplaint:
		c.Complaints++
	case SignalOpened:
		c.Opens++
	case SignalClicked:
		c.Clicks++
	}
}

// DomainOf returns the lower-cased domain part of an address
func DomainOf(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}
