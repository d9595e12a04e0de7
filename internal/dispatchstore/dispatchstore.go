// Package dispatchstore defines the ephemeral storage of dispatch records and
// their per-case timeline index. Both expire; the case note is the permanent
// record of what happened.
package dispatchstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for a dispatch that never existed or has expired.
var ErrNotFound = errors.New("dispatch not found or expired")

// Record is one simulated enforcement request and its latest operator state.
type Record struct {
	DispatchID     string    `json:"dispatch_id"`
	IncidentID     string    `json:"incident_id"`
	ActionType     string    `json:"action_type"`
	OperatorStatus string    `json:"operator_status"`
	DecisionStatus string    `json:"decision_status"`
	RequestedBy    string    `json:"requested_by,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ExecutionNote  string    `json:"execution_note,omitempty"`
	ExternalRef    string    `json:"external_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store persists dispatch records with a time to live.
type Store interface {
	// Save writes rec and (re)sets its expiry.
	Save(ctx context.Context, rec Record, ttl time.Duration) error
	// Get returns ErrNotFound once the record has expired.
	Get(ctx context.Context, dispatchID string) (Record, error)
	Delete(ctx context.Context, dispatchID string) error
	// AddToIndex prepends dispatchID to the case index, keeps at most max
	// entries and refreshes the index expiry.
	AddToIndex(ctx context.Context, incidentID, dispatchID string, max int, ttl time.Duration) error
	// Index lists dispatch ids for a case, newest first.
	Index(ctx context.Context, incidentID string) ([]string, error)
	DeleteIndex(ctx context.Context, incidentID string) error
}

// Key prefixes shared by every backend.
const (
	RecordKeyPrefix = "shield_dispatch:"
	IndexKeyPrefix  = "shield_incident_dispatches:"
)

// RecordKey returns the storage key of a dispatch record.
func RecordKey(dispatchID string) string { return RecordKeyPrefix + dispatchID }

// IndexKey returns the storage key of a case's dispatch index.
func IndexKey(incidentID string) string { return IndexKeyPrefix + incidentID }
