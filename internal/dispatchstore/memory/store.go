// Package memory keeps dispatch records in an in-process TTL cache.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
)

// Store implements dispatchstore.Store on go-cache.
type Store struct {
	// mu serializes index read-modify-write cycles.
	mu    sync.Mutex
	cache *cache.Cache
}

// New creates a Store. A positive cleanupInterval starts the cache janitor,
// which evicts expired entries in the background and lives for the rest of
// the process; expired entries are never returned either way.
func New(cleanupInterval time.Duration) *Store {
	return &Store{cache: cache.New(cache.NoExpiration, cleanupInterval)}
}

// Save stores a copy of rec.
func (s *Store) Save(_ context.Context, rec dispatchstore.Record, ttl time.Duration) error {
	s.cache.Set(dispatchstore.RecordKey(rec.DispatchID), rec, ttl)
	return nil
}

// Get returns the stored record.
func (s *Store) Get(_ context.Context, dispatchID string) (dispatchstore.Record, error) {
	v, ok := s.cache.Get(dispatchstore.RecordKey(dispatchID))
	if !ok {
		return dispatchstore.Record{}, fmt.Errorf("dispatch %s: %w", dispatchID, dispatchstore.ErrNotFound)
	}
	rec, ok := v.(dispatchstore.Record)
	if !ok {
		return dispatchstore.Record{}, fmt.Errorf("dispatch %s: unexpected cache entry %T", dispatchID, v)
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(_ context.Context, dispatchID string) error {
	s.cache.Delete(dispatchstore.RecordKey(dispatchID))
	return nil
}

// AddToIndex prepends dispatchID and trims the list to max entries.
func (s *Store) AddToIndex(_ context.Context, incidentID, dispatchID string, max int, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := dispatchstore.IndexKey(incidentID)
	current := s.index(key)
	ids := make([]string, 0, len(current)+1)
	ids = append(ids, dispatchID)
	ids = append(ids, current...)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	s.cache.Set(key, ids, ttl)
	return nil
}

// Index returns a copy of the case index.
func (s *Store) Index(_ context.Context, incidentID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.index(dispatchstore.IndexKey(incidentID))...), nil
}

// DeleteIndex drops the case index.
func (s *Store) DeleteIndex(_ context.Context, incidentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(dispatchstore.IndexKey(incidentID))
	return nil
}

func (s *Store) index(key string) []string {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil
	}
	ids, _ := v.([]string)
	return ids
}
