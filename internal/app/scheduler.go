package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// job is one periodic task
type job struct {
	name     string
	interval time.Duration
	// aligned jobs fire on interval boundaries (top of the hour, UTC
	// midnight) and skip the run at start
	aligned bool
	run     func(ctx context.Context) error
}

// Scheduler runs periodic jobs, one goroutine each. A slow job delays only
// its own next run.
type Scheduler struct {
	jobs   []job
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewScheduler creates an empty scheduler
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Every registers fn to run at start and then every interval. A
// non-positive interval disables the job.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: fn})
}

// Aligned registers fn to run on every interval boundary
func (s *Scheduler) Aligned(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		return
	}
	s.jobs = append(s.jobs, job{name: name, interval: interval, aligned: true, run: fn})
}

// Jobs returns the registered job names
func (s *Scheduler) Jobs() []string {
	names := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		names[i] = j.name
	}
	return names
}

// Start launches every job
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop stops all jobs and waits for running ones to return
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// nextBoundary returns the first multiple of interval after t
func nextBoundary(t time.Time, interval time.Duration) time.Time {
	return t.UTC().Truncate(interval).Add(interval)
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()

	if !j.aligned {
		s.runJob(ctx, j)
	}

	for {
		wait := j.interval
		if j.aligned {
			wait = nextBoundary(s.now(), j.interval).Sub(s.now())
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
			s.runJob(ctx, j)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j job) {
	start := s.now()
	logger := s.logger.With("job", j.name)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduled job panicked", "panic", r)
		}
	}()

	if err := j.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("scheduled job failed", "error", err)
		return
	}
	logger.Debug("scheduled job completed", "duration", time.Since(start))
}
