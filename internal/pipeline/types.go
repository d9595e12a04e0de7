// Package pipeline defines the core types shared by the worker, the result
// consumer, the forensic sealer and the incident response service.
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CaseStatus is the analyst workflow state of a Case.
type CaseStatus string

// Case status values persisted in the case store.
const (
	CaseStatusNew              CaseStatus = "NEW"
	CaseStatusInReview         CaseStatus = "IN_REVIEW"
	CaseStatusConfirmed        CaseStatus = "CONFIRMED"
	CaseStatusDismissed        CaseStatus = "DISMISSED"
	CaseStatusBlockedSimulated CaseStatus = "BLOCKED_SIMULATED"
)

// EvidenceStatus tracks whether an Evidence row may still change.
type EvidenceStatus string

// Evidence status values. SEALED is terminal.
const (
	EvidenceStatusActive EvidenceStatus = "ACTIVE"
	EvidenceStatusSealed EvidenceStatus = "SEALED"
)

// RunStatus is the lifecycle state of one queued scan task.
type RunStatus string

// Scraping run status values.
const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// EvidenceTypeScreenshot is the default evidence type tag for page captures.
const EvidenceTypeScreenshot = "SCREENSHOT"

// EvidenceTypeUpload tags evidence attached through the citizen upload path.
const EvidenceTypeUpload = "UPLOAD"

// Case is the persistent fraud-signal record. It is stored in the alerts table.
type Case struct {
	ID         int64      `json:"-"`
	UUID       uuid.UUID  `json:"uuid"`
	URL        string     `json:"url"`
	SourceType string     `json:"source_type"`
	RiskScore  int        `json:"risk_score"`
	Status     CaseStatus `json:"status"`
	// Note accumulates analyst comments and audit lines, newline separated.
	Note      string    `json:"analysis_note"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Evidence is a content-addressed artifact attached to a Case.
type Evidence struct {
	ID             int64          `json:"id"`
	CaseID         int64          `json:"-"`
	Type           string         `json:"type"`
	FilePath       string         `json:"file_path"`
	FileHash       string         `json:"file_hash"`
	ContentPreview string         `json:"content_preview"`
	Metadata       map[string]any `json:"metadata"`
	Status         EvidenceStatus `json:"status"`
	CapturedAt     time.Time      `json:"captured_at"`
	SealedAt       *time.Time     `json:"sealed_at,omitempty"`
}

// Category is one detected fraud category with its rule weight.
type Category struct {
	Name    string   `json:"name" yaml:"name"`
	Weight  int      `json:"weight" yaml:"weight"`
	Matches []string `json:"matches,omitempty" yaml:"matches,omitempty"`
}

// Entity is a named entity extracted from captured text.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Analysis is the one-per-case scoring output, replaced on every new result.
type Analysis struct {
	ID           int64      `json:"-"`
	CaseID       int64      `json:"-"`
	Categories   []Category `json:"categories"`
	Entities     []Entity   `json:"entities"`
	Explanations []string   `json:"explanations"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Report is an append-only sealed snapshot of a Case.
type Report struct {
	ID              int64     `json:"-"`
	UUID            uuid.UUID `json:"uuid"`
	CaseID          int64     `json:"-"`
	CaseUUID        uuid.UUID `json:"case_uuid"`
	Snapshot        []byte    `json:"-"`
	Digest          string    `json:"report_hash"`
	SnapshotVersion string    `json:"snapshot_version"`
	ArtifactPath    string    `json:"artifact_path"`
	GeneratedBy     string    `json:"generated_by"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// ScrapingRun is the bookkeeping row for one queued scan task.
type ScrapingRun struct {
	ID              int64      `json:"-"`
	UUID            uuid.UUID  `json:"uuid"`
	URL             string     `json:"url"`
	SourceType      string     `json:"source_type"`
	Status          RunStatus  `json:"status"`
	AlertsGenerated int        `json:"alerts_generated_count"`
	LogMessage      string     `json:"log_message"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// CaseBundle is a Case eagerly loaded with its Evidence and Analysis.
type CaseBundle struct {
	Case      Case
	Evidences []Evidence
	// Analysis is nil until the first completed result arrives.
	Analysis *Analysis
}

// CaptureRequest describes one page capture.
type CaptureRequest struct {
	TaskID string
	URL    string
}

// Capture is the output of a successful page capture.
type Capture struct {
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Title       string
	HTML        string
	Artifact    []byte
	ContentType string
	Duration    time.Duration
}
