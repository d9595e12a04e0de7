package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

func dial(t *testing.T, mr *miniredis.Miniredis) pipeline.QueueConn {
	t.Helper()
	d, err := NewDialer("redis://" + mr.Addr())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPushPopOrder(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	conn := dial(t, mr)
	ctx := context.Background()

	require.NoError(t, conn.Push(ctx, "osint_to_scan", []byte(`{"id":"1"}`)))
	require.NoError(t, conn.Push(ctx, "osint_to_scan", []byte(`{"id":"2"}`)))
	require.NoError(t, conn.Requeue(ctx, "osint_to_scan", []byte(`{"id":"0"}`)))

	list, err := mr.List("osint_to_scan")
	require.NoError(t, err)
	require.Equal(t, []string{`{"id":"0"}`, `{"id":"1"}`, `{"id":"2"}`}, list)

	for _, want := range []string{`{"id":"0"}`, `{"id":"1"}`, `{"id":"2"}`} {
		got, err := conn.Pop(ctx, "osint_to_scan", time.Second)
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
}

func TestPopEmptyTimesOut(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	conn := dial(t, mr)

	_, err := conn.Pop(context.Background(), "osint_results", time.Second)
	require.ErrorIs(t, err, pipeline.ErrQueueEmpty)
}

func TestDialFailsWhenServerDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	d, err := NewDialer("redis://" + addr)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx)
	require.Error(t, err)
}

func TestNewDialerRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := NewDialer("http://not-redis")
	require.Error(t, err)
}
