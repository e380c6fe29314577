package transport

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/UpmaxAutomation/coldforge-sub002/internal/metrics"
)

// DefaultPoolSize is the per-provider connection cap
const DefaultPoolSize = 5

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("connection pool closed")

// Conn is a persistent protocol connection that can be health checked
type Conn interface {
	Noop() error
	Reset() error
	Quit() error
	Close() error
}

// Pool bounds the number of connections checked out at once and keeps
// returned ones for reuse. Idle connections are checked with NOOP before
// being handed out again.
type Pool[C Conn] struct {
	name string
	dial func(ctx context.Context) (C, error)
	sem  *semaphore.Weighted
	idle chan C

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool of at most size concurrent connections
func NewPool[C Conn](name string, size int, dial func(ctx context.Context) (C, error)) *Pool[C] {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool[C]{
		name: name,
		dial: dial,
		sem:  semaphore.NewWeighted(int64(size)),
		idle: make(chan C, size),
	}
}

// Get returns a healthy connection, dialing a new one if none is idle.
// It blocks while size connections are checked out.
func (p *Pool[C]) Get(ctx context.Context) (C, error) {
	var zero C
	if p.isClosed() {
		return zero, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, err
	}

	for {
		c, ok := p.takeIdle()
		if !ok {
			break
		}
		if err := c.Noop(); err != nil {
			_ = c.Close()
			continue
		}
		metrics.AddSMTPPoolActive(p.name, 1)
		return c, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return zero, err
	}
	metrics.AddSMTPPoolActive(p.name, 1)
	return c, nil
}

// Put returns a connection. Broken connections are closed instead of kept.
func (p *Pool[C]) Put(c C, broken bool) {
	defer p.sem.Release(1)
	metrics.AddSMTPPoolActive(p.name, -1)

	if broken || p.isClosed() {
		_ = c.Close()
		return
	}
	if err := c.Reset(); err != nil {
		_ = c.Close()
		return
	}
	select {
	case p.idle <- c:
	default:
		_ = c.Quit()
	}
}

// Idle returns the number of idle connections
func (p *Pool[C]) Idle() int {
	return len(p.idle)
}

// Close quits all idle connections. Connections still checked out are
// closed when they are returned.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		c, ok := p.takeIdle()
		if !ok {
			return
		}
		_ = c.Quit()
	}
}

func (p *Pool[C]) takeIdle() (C, bool) {
	select {
	case c := <-p.idle:
		return c, true
	default:
		var zero C
		return zero, false
	}
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
