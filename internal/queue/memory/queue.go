// Package memory provides an in-process queue broker for local development
// and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/queue"
)

// ErrQueueFull is returned when a push would exceed the list capacity.
var ErrQueueFull = errors.New("queue full")

// ErrClosed is returned once the broker has been closed.
var ErrClosed = errors.New("queue closed")

// Broker holds named FIFO lists shared by every connection dialed from it.
type Broker struct {
	mu         sync.Mutex
	lists      map[string]*list
	capacity   int
	closed     bool
	generation int
}

type list struct {
	items  [][]byte
	notify chan struct{}
}

// NewBroker constructs a broker whose lists hold at most capacity items.
func NewBroker(capacity int) *Broker {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Broker{lists: make(map[string]*list), capacity: capacity}
}

// Dial returns a new connection. It implements pipeline.QueueDialer.
func (b *Broker) Dial(_ context.Context) (pipeline.QueueConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &Conn{broker: b, generation: b.generation}, nil
}

// Sever invalidates every open connection, as if the store restarted.
// Subsequent dials succeed.
func (b *Broker) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.generation++
	for _, l := range b.lists {
		l.wake()
	}
}

// Len reports the number of items waiting on the named list.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.lists[name]; ok {
		return len(l.items)
	}
	return 0
}

// Close shuts the broker down and wakes blocked pops.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, l := range b.lists {
		l.wake()
	}
}

func (b *Broker) listLocked(name string) *list {
	l, ok := b.lists[name]
	if !ok {
		l = &list{notify: make(chan struct{})}
		b.lists[name] = l
	}
	return l
}

func (l *list) wake() {
	close(l.notify)
	l.notify = make(chan struct{})
}

// Conn is one loop's view of the broker.
type Conn struct {
	broker     *Broker
	generation int
	closeMu    sync.Mutex
	closed     bool
}

func (c *Conn) checkLocked() error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	switch {
	case c.broker.closed:
		return ErrClosed
	case closed, c.generation != c.broker.generation:
		return queue.ErrConnLost
	}
	return nil
}

// Push appends payload to the tail of the named list.
func (c *Conn) Push(ctx context.Context, name string, payload []byte) error {
	return c.insert(ctx, name, payload, false)
}

// Requeue puts payload back at the head of the named list.
func (c *Conn) Requeue(ctx context.Context, name string, payload []byte) error {
	return c.insert(ctx, name, payload, true)
}

func (c *Conn) insert(ctx context.Context, name string, payload []byte, head bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("push canceled: %w", err)
	}
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	l := b.listLocked(name)
	item := append([]byte(nil), payload...)
	switch {
	case head:
		l.items = append([][]byte{item}, l.items...)
	case len(l.items) >= b.capacity:
		return fmt.Errorf("push %s: %w", name, ErrQueueFull)
	default:
		l.items = append(l.items, item)
	}
	l.wake()
	return nil
}

// Pop blocks up to timeout for the head of the named list.
func (c *Conn) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	b := c.broker
	for {
		b.mu.Lock()
		if err := c.checkLocked(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		l := b.listLocked(name)
		if len(l.items) > 0 {
			item := l.items[0]
			l.items[0] = nil
			l.items = l.items[1:]
			b.mu.Unlock()
			return item, nil
		}
		notify := l.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("pop canceled: %w", ctx.Err())
		case <-timer.C:
			return nil, pipeline.ErrQueueEmpty
		case <-notify:
		}
	}
}

// Ping reports whether the connection is still usable.
func (c *Conn) Ping(_ context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.checkLocked()
}

// Close marks the connection unusable. Closing twice is safe.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closed = true
	return nil
}
