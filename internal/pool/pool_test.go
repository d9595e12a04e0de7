package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestPoolRunStartsLoops ensures every loop begins and the pool stops on cancel.
func TestPoolRunStartsLoops(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	ready := make(chan struct{}, 3)
	p := New(zap.NewNop())
	p.AddN("worker", 2, func(int) Loop {
		return LoopFunc(func(ctx context.Context) {
			started.Add(1)
			ready <- struct{}{}
			<-ctx.Done()
		})
	})
	p.Add("consumer", LoopFunc(func(ctx context.Context) {
		started.Add(1)
		ready <- struct{}{}
		<-ctx.Done()
	}))
	if p.Len() != 3 {
		t.Fatalf("expected 3 loops, got %d", p.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-ready:
		case <-time.After(time.Second):
			t.Fatal("loop did not start")
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool did not stop after context cancel")
	}
	if started.Load() != 3 {
		t.Fatalf("expected 3 loops started, got %d", started.Load())
	}
}

// TestPoolEarlyExitKeepsOthersRunning checks a loop that returns on its own
// does not end Run.
func TestPoolEarlyExitKeepsOthersRunning(t *testing.T) {
	t.Parallel()

	p := New(zap.NewNop())
	p.Add("short", LoopFunc(func(context.Context) {}))
	p.Add("long", LoopFunc(func(ctx context.Context) { <-ctx.Done() }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("pool stopped before cancel")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	<-done
}
