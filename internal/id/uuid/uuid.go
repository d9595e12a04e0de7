// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUIDs for tasks, reports and dispatch records.
type Generator struct {
	random bool
}

// New creates a Generator producing time-ordered UUID v7 values.
func New() *Generator {
	return &Generator{}
}

// NewRandom creates a Generator producing UUID v4 values, matching ids minted
// by external producers.
func NewRandom() *Generator {
	return &Generator{random: true}
}

// NewID returns a fresh UUID.
func (g Generator) NewID() (uuid.UUID, error) {
	if g.random {
		id, err := uuid.NewRandom()
		if err != nil {
			return uuid.Nil, fmt.Errorf("generate uuid4: %w", err)
		}
		return id, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}
