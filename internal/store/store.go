package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateEvidence signals that an evidence content hash is already stored.
var ErrDuplicateEvidence = errors.New("evidence hash already exists")

// ErrEvidenceSealed signals an attempt to change a sealed evidence row.
var ErrEvidenceSealed = errors.New("evidence is sealed")

// Store runs units of work against the case store.
type Store interface {
	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// Tx exposes the record operations available inside a transaction.
type Tx interface {
	// CaseByUUID loads a case or returns ErrNotFound.
	CaseByUUID(ctx context.Context, id uuid.UUID) (pipeline.Case, error)
	// InsertCase stores c and fills in its internal ID.
	InsertCase(ctx context.Context, c *pipeline.Case) error
	// UpdateCase rewrites the mutable case fields (url, score, status, note).
	UpdateCase(ctx context.Context, c pipeline.Case) error
	// DeleteCase removes a case and every dependent row.
	DeleteCase(ctx context.Context, caseID int64) (DeleteCounts, error)

	// RunByUUID loads a scraping run or returns ErrNotFound.
	RunByUUID(ctx context.Context, id uuid.UUID) (pipeline.ScrapingRun, error)
	// InsertRun stores r and fills in its internal ID.
	InsertRun(ctx context.Context, r *pipeline.ScrapingRun) error
	// UpdateRun rewrites status, counter, log line and completion time.
	UpdateRun(ctx context.Context, r pipeline.ScrapingRun) error

	// EvidenceByHash returns ErrNotFound when the hash is unknown.
	EvidenceByHash(ctx context.Context, hash string) (pipeline.Evidence, error)
	// InsertEvidence stores e as ACTIVE. A hash collision returns
	// ErrDuplicateEvidence and leaves the transaction usable.
	InsertEvidence(ctx context.Context, e *pipeline.Evidence) error
	// SealEvidence flips the listed ACTIVE rows of the case to SEALED and
	// reports how many changed. Rows already sealed are left untouched.
	SealEvidence(ctx context.Context, caseID int64, ids []int64, at time.Time) (int, error)

	// UpsertAnalysis replaces the single analysis row of a case.
	UpsertAnalysis(ctx context.Context, a *pipeline.Analysis) error

	// LoadBundle eagerly loads a case with its evidence and analysis.
	LoadBundle(ctx context.Context, caseUUID uuid.UUID) (pipeline.CaseBundle, error)

	// InsertReport stores an immutable report row.
	InsertReport(ctx context.Context, r *pipeline.Report) error
	// ReportByUUID loads a report or returns ErrNotFound.
	ReportByUUID(ctx context.Context, id uuid.UUID) (pipeline.Report, error)
	// ReportsForCase lists the reports of a case, oldest first.
	ReportsForCase(ctx context.Context, caseID int64) ([]pipeline.Report, error)
}

// DeleteCounts reports how many rows a cascade delete removed.
type DeleteCounts struct {
	Cases    int `json:"alerts"`
	Evidence int `json:"evidences"`
	Analyses int `json:"analysis_results"`
	Reports  int `json:"reports"`
}
