package reputation

import (
	"context"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/store"
	bolt "go.etcd.io/bbolt"
)

// WarmupStep is the daily limit from a warmup day onward
type WarmupStep struct {
	Day   int
	Limit int
}

// WarmupSchedule ramps a fresh mailbox up over three weeks
var WarmupSchedule = []WarmupStep{
	{Day: 1, Limit: 5},
	{Day: 4, Limit: 15},
	{Day: 8, Limit: 30},
	{Day: 14, Limit: 40},
	{Day: 21, Limit: 40},
}

// WarmupResetLimit is the daily cap applied when warmup restarts at day 1
const WarmupResetLimit = 5

// LimitForDay returns the daily limit for a warmup day
func LimitForDay(day int) int {
	limit := WarmupSchedule[0].Limit
	for _, step := range WarmupSchedule {
		if day >= step.Day {
			limit = step.Limit
		}
	}
	return limit
}

// AdvanceWarmup moves every warming mailbox one day forward. Paused and
// quarantined mailboxes stay where they are, and a reduced limit is never
// raised by the schedule.
func (s *Store) AdvanceWarmup(ctx context.Context) (int, error) {
	now := s.now()
	count := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMailboxes)
		var changed []*MailboxReputation
		if err := store.ForEachJSON(b, func(_ []byte, m *MailboxReputation) error {
			if m.WarmupDay <= 0 || m.WarmupPaused || m.QuarantinedAt(now) {
				return nil
			}
			m.WarmupDay++
			m.WarmupDailyLimit = LimitForDay(m.WarmupDay)
			if m.ReducedLimit > 0 && m.ReducedLimit < m.WarmupDailyLimit {
				m.WarmupDailyLimit = m.ReducedLimit
			}
			m.UpdatedAt = now
			changed = append(changed, m)
			return nil
		}); err != nil {
			return err
		}
		for _, m := range changed {
			if err := store.PutJSON(b, m.ID, m); err != nil {
				return err
			}
		}
		count = len(changed)
		return nil
	})
	return count, err
}
