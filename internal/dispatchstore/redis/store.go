// Package redis stores dispatch records as expiring Redis strings and the
// per-case index as an expiring, trimmed Redis list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
)

// Store implements dispatchstore.Store.
type Store struct {
	client goredis.UniversalClient
}

// New wraps a Redis client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open parses a redis:// URL and verifies the server.
func Open(ctx context.Context, rawURL string) (*Store, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return New(client), nil
}

// Save writes the record with SET EX.
func (s *Store) Save(ctx context.Context, rec dispatchstore.Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dispatch %s: %w", rec.DispatchID, err)
	}
	if err := s.client.Set(ctx, dispatchstore.RecordKey(rec.DispatchID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set dispatch %s: %w", rec.DispatchID, err)
	}
	return nil
}

// Get reads a record.
func (s *Store) Get(ctx context.Context, dispatchID string) (dispatchstore.Record, error) {
	raw, err := s.client.Get(ctx, dispatchstore.RecordKey(dispatchID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return dispatchstore.Record{}, fmt.Errorf("dispatch %s: %w", dispatchID, dispatchstore.ErrNotFound)
	}
	if err != nil {
		return dispatchstore.Record{}, fmt.Errorf("get dispatch %s: %w", dispatchID, err)
	}
	var rec dispatchstore.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return dispatchstore.Record{}, fmt.Errorf("decode dispatch %s: %w", dispatchID, err)
	}
	return rec, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, dispatchID string) error {
	if err := s.client.Del(ctx, dispatchstore.RecordKey(dispatchID)).Err(); err != nil {
		return fmt.Errorf("del dispatch %s: %w", dispatchID, err)
	}
	return nil
}

// AddToIndex runs LPUSH, LTRIM and EXPIRE in one MULTI block.
func (s *Store) AddToIndex(ctx context.Context, incidentID, dispatchID string, max int, ttl time.Duration) error {
	key := dispatchstore.IndexKey(incidentID)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, key, dispatchID)
		p.LTrim(ctx, key, 0, int64(max-1))
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index dispatch %s: %w", dispatchID, err)
	}
	return nil
}

// Index returns the whole list.
func (s *Store) Index(ctx context.Context, incidentID string) ([]string, error) {
	ids, err := s.client.LRange(ctx, dispatchstore.IndexKey(incidentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange dispatch index %s: %w", incidentID, err)
	}
	return ids, nil
}

// DeleteIndex drops the index list.
func (s *Store) DeleteIndex(ctx context.Context, incidentID string) error {
	if err := s.client.Del(ctx, dispatchstore.IndexKey(incidentID)).Err(); err != nil {
		return fmt.Errorf("del dispatch index %s: %w", incidentID, err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
