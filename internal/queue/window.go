package queue

import (
	"time"
)

// location resolves the window timezone, falling back to UTC
func (w *SendWindow) location() *time.Location {
	if w.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Open reports whether now falls inside the window
func (w *SendWindow) Open(now time.Time) bool {
	if w == nil || w.StartHour == w.EndHour {
		return true
	}
	h := now.In(w.location()).Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// window wraps midnight, e.g. 22-6
	return h >= w.StartHour || h < w.EndHour
}

// NextOpen returns the next time the window opens at or after now
func (w *SendWindow) NextOpen(now time.Time) time.Time {
	if w.Open(now) {
		return now
	}
	local := now.In(w.location())
	start := time.Date(local.Year(), local.Month(), local.Day(), w.StartHour, 0, 0, 0, local.Location())
	if !start.After(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}
