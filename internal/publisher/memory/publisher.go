// Package memory records case events in process. It backs the default
// notify backend and the service tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Event is one recorded publish.
type Event struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every event it accepts, in publish order.
type Publisher struct {
	mu     sync.Mutex
	events []Event
	seq    int
	fail   error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records payload under topic. While a failure is armed with FailWith
// the event is dropped and the error returned instead.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if topic == "" {
		return "", fmt.Errorf("memory publisher: topic is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.seq++
	id := fmt.Sprintf("evt-%06d", p.seq)
	p.events = append(p.events, Event{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// FailWith makes subsequent publishes return err. A nil err clears it.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// Topic returns the recorded events for one topic.
func (p *Publisher) Topic(topic string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}
