package headless

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// idleWatcher reports when no network request has been in flight for
// idleAfter.
type idleWatcher struct {
	idleAfter time.Duration
	active    atomic.Int32

	mu    sync.Mutex
	timer *time.Timer
	armed bool

	once sync.Once
	idle chan struct{}
}

func newIdleWatcher(idleAfter time.Duration) *idleWatcher {
	return &idleWatcher{idleAfter: idleAfter, idle: make(chan struct{})}
}

func (w *idleWatcher) handle(ev any) {
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		w.active.Add(1)
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		if w.active.Add(-1) <= 0 {
			w.mu.Lock()
			armed := w.armed
			w.mu.Unlock()
			if armed {
				w.restart()
			}
		}
	}
}

func (w *idleWatcher) restart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.idleAfter, func() {
		if w.active.Load() <= 0 {
			w.once.Do(func() { close(w.idle) })
		}
	})
}

func (w *idleWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}

// wait blocks until the page is idle or ctx ends. It runs after Navigate, so
// the load event has already fired.
func (w *idleWatcher) wait() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		w.restart()
		select {
		case <-w.idle:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
