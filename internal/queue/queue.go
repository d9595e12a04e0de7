// Package queue manages loop-owned connections to the work and result queues.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// ErrConnLost reports that a connection can no longer be used and must be
// re-dialed.
var ErrConnLost = errors.New("queue connection lost")

// Backoff bounds the reconnect delay. The delay doubles from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff matches the 500ms to 5s reconnect schedule.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 5 * time.Second}

// Session owns a single loop's queue connection. It dials lazily, re-dials
// with capped doubling backoff after a failure, and is not safe for use by
// more than one loop.
type Session struct {
	dialer  pipeline.QueueDialer
	backoff Backoff
	role    string
	logger  *zap.Logger

	mu   sync.Mutex
	conn pipeline.QueueConn
}

// NewSession builds a Session. role labels logs and metrics ("worker", "consumer").
func NewSession(dialer pipeline.QueueDialer, backoff Backoff, role string, logger *zap.Logger) *Session {
	if backoff.Initial <= 0 {
		backoff.Initial = DefaultBackoff.Initial
	}
	if backoff.Max < backoff.Initial {
		backoff.Max = backoff.Initial
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{dialer: dialer, backoff: backoff, role: role, logger: logger}
}

// Conn returns the live connection, dialing until it succeeds or ctx ends.
func (s *Session) Conn(ctx context.Context) (pipeline.QueueConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}
	delay := s.backoff.Initial
	for attempt := 1; ; attempt++ {
		conn, err := s.dialer.Dial(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Info("queue reconnected", zap.String("role", s.role), zap.Int("attempts", attempt))
			}
			s.conn = conn
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial queue: %w", ctx.Err())
		}
		metrics.ObserveQueueReconnect(s.role)
		s.logger.Warn("queue dial failed",
			zap.String("role", s.role),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("dial queue: %w", err)
		}
		delay = s.next(delay)
	}
}

// Reset drops the current connection after a failure and waits one backoff
// step so a flapping store is not hammered.
func (s *Session) Reset(ctx context.Context, cause error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close failed connection", zap.String("role", s.role), zap.Error(err))
		}
	}
	s.logger.Warn("queue connection reset", zap.String("role", s.role), zap.Error(cause))
	_ = sleep(ctx, s.backoff.Initial)
}

// Close releases the connection, if any.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("close queue connection: %w", err)
	}
	return nil
}

func (s *Session) next(delay time.Duration) time.Duration {
	delay *= 2
	if delay > s.backoff.Max {
		return s.backoff.Max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
