package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

type flakyDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
}

func (d *flakyDialer) Dial(_ context.Context) (pipeline.QueueConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dials <= d.failures {
		return nil, errors.New("connection refused")
	}
	return &nopConn{}, nil
}

type nopConn struct {
	closed bool
}

func (c *nopConn) Push(context.Context, string, []byte) error    { return nil }
func (c *nopConn) Requeue(context.Context, string, []byte) error { return nil }
func (c *nopConn) Pop(context.Context, string, time.Duration) ([]byte, error) {
	return nil, pipeline.ErrQueueEmpty
}
func (c *nopConn) Ping(context.Context) error { return nil }
func (c *nopConn) Close() error {
	c.closed = true
	return nil
}

func TestSessionRetriesDial(t *testing.T) {
	t.Parallel()

	dialer := &flakyDialer{failures: 2}
	s := NewSession(dialer, Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond}, "worker", zap.NewNop())

	conn, err := s.Conn(context.Background())
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 3, dialer.dials)

	again, err := s.Conn(context.Background())
	require.NoError(t, err)
	require.Same(t, conn, again)
}

func TestSessionResetRedials(t *testing.T) {
	t.Parallel()

	dialer := &flakyDialer{}
	s := NewSession(dialer, Backoff{Initial: time.Millisecond, Max: time.Millisecond}, "consumer", nil)

	first, err := s.Conn(context.Background())
	require.NoError(t, err)
	s.Reset(context.Background(), ErrConnLost)
	require.True(t, first.(*nopConn).closed)

	second, err := s.Conn(context.Background())
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSessionDialHonorsCancel(t *testing.T) {
	t.Parallel()

	dialer := &flakyDialer{failures: 1000}
	s := NewSession(dialer, Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond}, "worker", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := s.Conn(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffDoublesToCap(t *testing.T) {
	t.Parallel()

	s := NewSession(&flakyDialer{}, DefaultBackoff, "worker", nil)
	delay := DefaultBackoff.Initial
	var seen []time.Duration
	for i := 0; i < 6; i++ {
		delay = s.next(delay)
		seen = append(seen, delay)
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second,
	}, seen)
}
