// Package pool runs the long-lived pipeline loops of one process.
package pool

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Loop is a blocking loop that returns once ctx is done.
type Loop interface {
	Run(ctx context.Context)
}

// LoopFunc adapts a function to Loop.
type LoopFunc func(ctx context.Context)

// Run calls f.
func (f LoopFunc) Run(ctx context.Context) { f(ctx) }

type member struct {
	name string
	loop Loop
}

// Pool fans out a fixed set of loops: the worker instances plus the consumer,
// or any subset for single-role processes.
type Pool struct {
	members []member
	logger  *zap.Logger
}

// New creates an empty Pool.
func New(logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{logger: logger}
}

// Add registers a loop under name. It must be called before Run.
func (p *Pool) Add(name string, loop Loop) {
	p.members = append(p.members, member{name: name, loop: loop})
}

// AddN registers n loops built by newLoop, named "<prefix>-<i>".
func (p *Pool) AddN(prefix string, n int, newLoop func(i int) Loop) {
	for i := 0; i < n; i++ {
		p.Add(fmt.Sprintf("%s-%d", prefix, i), newLoop(i))
	}
}

// Len reports the number of registered loops.
func (p *Pool) Len() int { return len(p.members) }

// Run starts every loop and blocks until ctx is done and all loops returned.
// A loop that returns early does not stop the others.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, m := range p.members {
		wg.Add(1)
		go func(m member) {
			defer wg.Done()
			p.logger.Debug("loop starting", zap.String("loop", m.name))
			m.loop.Run(ctx)
			if ctx.Err() == nil {
				p.logger.Warn("loop exited before shutdown", zap.String("loop", m.name))
			}
		}(m)
	}
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("all loops stopped", zap.Int("loops", len(p.members)))
}
