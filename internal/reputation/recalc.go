package reputation

import (
	"context"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	bolt "go.etcd.io/bbolt"
)

// RecalcSummary reports what a recalculation pass touched
type RecalcSummary struct {
	Identities         int
	Domains            int
	Mailboxes          int
	UnhealthyIdentity  int
	QuarantinesExpired int
}

// Recalculate recomputes rates, scores and health for every identity,
// domain and mailbox of a workspace ("" for all). Expired quarantines are
// lifted in the same pass. It runs on a schedule rather than per event.
func (s *Store) Recalculate(ctx context.Context, workspaceID string) (*RecalcSummary, error) {
	sum := &RecalcSummary{}
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		// Domain auth feeds identity and mailbox scores
		auth := make(map[string]Auth)

		db := tx.Bucket(bucketDomains)
		var domains []*DomainReputation
		if err := store.ForEachJSON(db, func(_ []byte, d *DomainReputation) error {
			if workspaceID != "" && d.WorkspaceID != workspaceID {
				return nil
			}
			d.Rates = ComputeRates(d.Counters)
			d.ReputationScore = Score(ScoreInput{Counters: d.Counters, SPF: d.SPF, DKIM: d.DKIM, DMARC: d.DMARC})
			d.HealthStatus = Health(d.ReputationScore, d.Rates)
			if d.QuarantineUntil != nil && !now.Before(*d.QuarantineUntil) {
				d.Quarantine = Quarantine{}
				sum.QuarantinesExpired++
			}
			d.UpdatedAt = now
			auth[d.WorkspaceID+"|"+d.Domain] = d.Auth
			domains = append(domains, d)
			return nil
		}); err != nil {
			return err
		}
		for _, d := range domains {
			if err := store.PutJSON(db, domainKey(d.WorkspaceID, d.Domain), d); err != nil {
				return err
			}
		}
		sum.Domains = len(domains)

		mb := tx.Bucket(bucketMailboxes)
		var mailboxes []*MailboxReputation
		if err := store.ForEachJSON(mb, func(_ []byte, m *MailboxReputation) error {
			if workspaceID != "" && m.WorkspaceID != workspaceID {
				return nil
			}
			a := auth[m.WorkspaceID+"|"+m.Domain]
			m.Rates = ComputeRates(m.Counters)
			m.ReputationScore = Score(ScoreInput{Counters: m.Counters, SPF: a.SPF, DKIM: a.DKIM, DMARC: a.DMARC})
			m.HealthStatus = Health(m.ReputationScore, m.Rates)
			if m.QuarantineUntil != nil && !now.Before(*m.QuarantineUntil) {
				m.Quarantine = Quarantine{}
				m.WarmupPaused = false
				sum.QuarantinesExpired++
			}
			m.UpdatedAt = now
			mailboxes = append(mailboxes, m)
			return nil
		}); err != nil {
			return err
		}
		for _, m := range mailboxes {
			if err := store.PutJSON(mb, m.ID, m); err != nil {
				return err
			}
		}
		sum.Mailboxes = len(mailboxes)

		ib := tx.Bucket(bucketIdentities)
		var identities []*Identity
		if err := store.ForEachJSON(ib, func(_ []byte, i *Identity) error {
			if workspaceID != "" && i.WorkspaceID != workspaceID {
				return nil
			}
			i.Rates = ComputeRates(i.Counters)
			i.ReputationScore = Score(ScoreInput{Counters: i.Counters})
			i.HealthStatus = Health(i.ReputationScore, i.Rates)
			i.Healthy = s.healthy(i)
			if !i.Healthy {
				sum.UnhealthyIdentity++
			}
			i.UpdatedAt = now
			identities = append(identities, i)
			return nil
		}); err != nil {
			return err
		}
		for _, i := range identities {
			if err := store.PutJSON(ib, i.ID, i); err != nil {
				return err
			}
		}
		sum.Identities = len(identities)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}
