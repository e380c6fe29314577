package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id      int
	noopErr error
	closed  atomic.Bool
	quit    atomic.Bool
}

func (c *fakeConn) Noop() error  { return c.noopErr }
func (c *fakeConn) Reset() error { return nil }
func (c *fakeConn) Quit() error  { c.quit.Store(true); return nil }
func (c *fakeConn) Close() error { c.closed.Store(true); return nil }

func newFakePool(size int) (*Pool[*fakeConn], *atomic.Int32) {
	var dials atomic.Int32
	p := NewPool("fake", size, func(ctx context.Context) (*fakeConn, error) {
		n := dials.Add(1)
		return &fakeConn{id: int(n)}, nil
	})
	return p, &dials
}

func TestPoolBoundsCheckouts(t *testing.T) {
	p, dials := newFakePool(2)

	a, err := p.Get(context.Background())
	require.NoError(t, err)
	b, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Put(a, false)
	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.EqualValues(t, 2, dials.Load())

	p.Put(b, false)
	p.Put(c, false)
	assert.Equal(t, 2, p.Idle())
}

func TestPoolDiscardsBrokenConnections(t *testing.T) {
	p, dials := newFakePool(1)

	a, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Put(a, true)
	assert.True(t, a.closed.Load())
	assert.Equal(t, 0, p.Idle())

	b, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.EqualValues(t, 2, dials.Load())
}

func TestPoolHealthChecksIdleConnections(t *testing.T) {
	p, dials := newFakePool(1)

	a, err := p.Get(context.Background())
	require.NoError(t, err)
	p.Put(a, false)
	a.noopErr = errors.New("connection reset")

	b, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, a.closed.Load())
	assert.NotSame(t, a, b)
	assert.EqualValues(t, 2, dials.Load())
}

func TestPoolClose(t *testing.T) {
	p, _ := newFakePool(2)

	a, _ := p.Get(context.Background())
	b, _ := p.Get(context.Background())
	p.Put(a, false)
	p.Close()
	assert.True(t, a.quit.Load())

	// returned after close
	p.Put(b, false)
	assert.True(t, b.closed.Load())

	_, err := p.Get(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDialFailureReleasesSlot(t *testing.T) {
	fail := true
	p := NewPool("fake", 1, func(ctx context.Context) (*fakeConn, error) {
		if fail {
			return nil, errors.New("refused")
		}
		return &fakeConn{}, nil
	})

	_, err := p.Get(context.Background())
	require.Error(t, err)

	fail = false
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Get(ctx)
	assert.NoError(t, err)
}
