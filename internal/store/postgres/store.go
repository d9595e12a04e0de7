// Package postgres implements store.Store on Postgres through a pgx pool.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation = "23505"
	pgSealedEvidence  = "SH001"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is a Postgres-backed store.Store.
type Store struct {
	pool pool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// EnsureSchema creates the tables, indexes and the sealed-evidence trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Schema returns the DDL applied by EnsureSchema.
func Schema() string { return schemaSQL }

// InTx begins a transaction, runs fn, and commits or rolls back.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &tx{tx: pgtx}); err != nil {
		if rbErr := pgtx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

// Ping checks pool connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

type tx struct {
	tx pgx.Tx
}

type rowScanner interface {
	Scan(dest ...any) error
}

const caseColumns = `id, uuid, url, source_type, risk_score, status, analysis_note, created_at, updated_at`

func scanCase(row rowScanner) (pipeline.Case, error) {
	var (
		c       pipeline.Case
		rawUUID string
		status  string
	)
	if err := row.Scan(&c.ID, &rawUUID, &c.URL, &c.SourceType, &c.RiskScore, &status, &c.Note, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return pipeline.Case{}, err
	}
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		return pipeline.Case{}, fmt.Errorf("parse case uuid: %w", err)
	}
	c.UUID = id
	c.Status = pipeline.CaseStatus(status)
	return c, nil
}

func (t *tx) CaseByUUID(ctx context.Context, id uuid.UUID) (pipeline.Case, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+caseColumns+` FROM alerts WHERE uuid = $1`, id.String())
	c, err := scanCase(row)
	if err != nil {
		return pipeline.Case{}, fmt.Errorf("load case %s: %w", id, mapError(err))
	}
	return c, nil
}

func (t *tx) InsertCase(ctx context.Context, c *pipeline.Case) error {
	if c.Status == "" {
		c.Status = pipeline.CaseStatusNew
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	err := t.tx.QueryRow(ctx, `
INSERT INTO alerts (uuid, url, source_type, risk_score, status, analysis_note, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		c.UUID.String(), c.URL, c.SourceType, c.RiskScore, string(c.Status), c.Note, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert case %s: %w", c.UUID, mapError(err))
	}
	return nil
}

func (t *tx) UpdateCase(ctx context.Context, c pipeline.Case) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE alerts SET url = $2, source_type = $3, risk_score = $4, status = $5, analysis_note = $6, updated_at = $7
WHERE id = $1`,
		c.ID, c.URL, c.SourceType, c.RiskScore, string(c.Status), c.Note, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update case %d: %w", c.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update case %d: %w", c.ID, store.ErrNotFound)
	}
	return nil
}

func (t *tx) DeleteCase(ctx context.Context, caseID int64) (store.DeleteCounts, error) {
	var counts store.DeleteCounts
	steps := []struct {
		query string
		count *int
	}{
		{`DELETE FROM reports WHERE alert_id = $1`, &counts.Reports},
		{`DELETE FROM evidences WHERE alert_id = $1`, &counts.Evidence},
		{`DELETE FROM analysis_results WHERE alert_id = $1`, &counts.Analyses},
		{`DELETE FROM alerts WHERE id = $1`, &counts.Cases},
	}
	for _, step := range steps {
		tag, err := t.tx.Exec(ctx, step.query, caseID)
		if err != nil {
			return store.DeleteCounts{}, fmt.Errorf("delete case %d: %w", caseID, mapError(err))
		}
		*step.count = int(tag.RowsAffected())
	}
	if counts.Cases == 0 {
		return store.DeleteCounts{}, fmt.Errorf("delete case %d: %w", caseID, store.ErrNotFound)
	}
	return counts, nil
}

const runColumns = `id, uuid, url, source_type, status, alerts_generated_count, log_message, started_at, completed_at`

func (t *tx) RunByUUID(ctx context.Context, id uuid.UUID) (pipeline.ScrapingRun, error) {
	var (
		r       pipeline.ScrapingRun
		rawUUID string
		status  string
	)
	err := t.tx.QueryRow(ctx, `SELECT `+runColumns+` FROM scraping_runs WHERE uuid = $1`, id.String()).
		Scan(&r.ID, &rawUUID, &r.URL, &r.SourceType, &status, &r.AlertsGenerated, &r.LogMessage, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return pipeline.ScrapingRun{}, fmt.Errorf("load run %s: %w", id, mapError(err))
	}
	r.UUID = id
	r.Status = pipeline.RunStatus(status)
	return r, nil
}

func (t *tx) InsertRun(ctx context.Context, r *pipeline.ScrapingRun) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	err := t.tx.QueryRow(ctx, `
INSERT INTO scraping_runs (uuid, url, source_type, status, alerts_generated_count, log_message, started_at, completed_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		r.UUID.String(), r.URL, r.SourceType, string(r.Status), r.AlertsGenerated, r.LogMessage, r.StartedAt, r.CompletedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.UUID, mapError(err))
	}
	return nil
}

func (t *tx) UpdateRun(ctx context.Context, r pipeline.ScrapingRun) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE scraping_runs SET url = $2, source_type = $3, status = $4, alerts_generated_count = $5, log_message = $6, completed_at = $7
WHERE id = $1`,
		r.ID, r.URL, r.SourceType, string(r.Status), r.AlertsGenerated, r.LogMessage, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update run %d: %w", r.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %d: %w", r.ID, store.ErrNotFound)
	}
	return nil
}

const evidenceColumns = `id, alert_id, type, file_path, file_hash, content_preview, metadata, status, captured_at, sealed_at`

func scanEvidence(row rowScanner) (pipeline.Evidence, error) {
	var (
		e        pipeline.Evidence
		metadata []byte
		status   string
	)
	if err := row.Scan(&e.ID, &e.CaseID, &e.Type, &e.FilePath, &e.FileHash, &e.ContentPreview, &metadata, &status, &e.CapturedAt, &e.SealedAt); err != nil {
		return pipeline.Evidence{}, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return pipeline.Evidence{}, fmt.Errorf("decode evidence metadata: %w", err)
		}
	}
	e.Status = pipeline.EvidenceStatus(status)
	return e, nil
}

func (t *tx) EvidenceByHash(ctx context.Context, hash string) (pipeline.Evidence, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+evidenceColumns+` FROM evidences WHERE file_hash = $1`, hash)
	e, err := scanEvidence(row)
	if err != nil {
		return pipeline.Evidence{}, fmt.Errorf("load evidence %s: %w", hash, mapError(err))
	}
	return e, nil
}

func (t *tx) InsertEvidence(ctx context.Context, e *pipeline.Evidence) error {
	metadata, err := marshalJSON(e.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("marshal evidence metadata: %w", err)
	}
	e.Status = pipeline.EvidenceStatusActive
	e.SealedAt = nil
	if e.CapturedAt.IsZero() {
		e.CapturedAt = time.Now().UTC()
	}
	// A hash committed by another transaction after our lookup must not abort
	// this one, so the conflict is absorbed here and reported as a duplicate.
	err = t.tx.QueryRow(ctx, `
INSERT INTO evidences (alert_id, type, file_path, file_hash, content_preview, metadata, status, captured_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (file_hash) DO NOTHING
RETURNING id`,
		e.CaseID, e.Type, e.FilePath, e.FileHash, e.ContentPreview, metadata, string(e.Status), e.CapturedAt,
	).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("insert evidence %s: %w", e.FileHash, store.ErrDuplicateEvidence)
	}
	if err != nil {
		return fmt.Errorf("insert evidence %s: %w", e.FileHash, mapError(err))
	}
	return nil
}

func (t *tx) SealEvidence(ctx context.Context, caseID int64, ids []int64, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := t.tx.Exec(ctx, `
UPDATE evidences SET status = 'SEALED', sealed_at = $3
WHERE alert_id = $1 AND id = ANY($2) AND status = 'ACTIVE'`,
		caseID, ids, at,
	)
	if err != nil {
		return 0, fmt.Errorf("seal evidence for case %d: %w", caseID, mapError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (t *tx) UpsertAnalysis(ctx context.Context, a *pipeline.Analysis) error {
	categories, err := marshalJSON(a.Categories, "[]")
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	entities, err := marshalJSON(a.Entities, "[]")
	if err != nil {
		return fmt.Errorf("marshal entities: %w", err)
	}
	explanations, err := marshalJSON(a.Explanations, "[]")
	if err != nil {
		return fmt.Errorf("marshal explanations: %w", err)
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	err = t.tx.QueryRow(ctx, `
INSERT INTO analysis_results (alert_id, categories, entities, explanations, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (alert_id) DO UPDATE
SET categories = EXCLUDED.categories,
    entities = EXCLUDED.entities,
    explanations = EXCLUDED.explanations,
    updated_at = EXCLUDED.updated_at
RETURNING id`,
		a.CaseID, categories, entities, explanations, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("upsert analysis for case %d: %w", a.CaseID, mapError(err))
	}
	return nil
}

func (t *tx) LoadBundle(ctx context.Context, caseUUID uuid.UUID) (pipeline.CaseBundle, error) {
	c, err := t.CaseByUUID(ctx, caseUUID)
	if err != nil {
		return pipeline.CaseBundle{}, err
	}
	bundle := pipeline.CaseBundle{Case: c}

	rows, err := t.tx.Query(ctx, `SELECT `+evidenceColumns+` FROM evidences WHERE alert_id = $1 ORDER BY id`, c.ID)
	if err != nil {
		return pipeline.CaseBundle{}, fmt.Errorf("load evidence for case %s: %w", caseUUID, err)
	}
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			rows.Close()
			return pipeline.CaseBundle{}, fmt.Errorf("scan evidence: %w", err)
		}
		bundle.Evidences = append(bundle.Evidences, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return pipeline.CaseBundle{}, fmt.Errorf("iterate evidence: %w", err)
	}

	var (
		a                                  pipeline.Analysis
		categories, entities, explanations []byte
	)
	err = t.tx.QueryRow(ctx, `
SELECT id, categories, entities, explanations, updated_at FROM analysis_results WHERE alert_id = $1`, c.ID).
		Scan(&a.ID, &categories, &entities, &explanations, &a.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return bundle, nil
	case err != nil:
		return pipeline.CaseBundle{}, fmt.Errorf("load analysis for case %s: %w", caseUUID, err)
	}
	a.CaseID = c.ID
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{categories, &a.Categories},
		{entities, &a.Entities},
		{explanations, &a.Explanations},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return pipeline.CaseBundle{}, fmt.Errorf("decode analysis: %w", err)
		}
	}
	bundle.Analysis = &a
	return bundle, nil
}

const reportColumns = `r.id, r.uuid, r.alert_id, a.uuid, r.snapshot_json, r.report_hash, r.snapshot_version, r.artifact_path, r.generated_by, r.generated_at`

func scanReport(row rowScanner) (pipeline.Report, error) {
	var (
		r                pipeline.Report
		rawID, rawCaseID string
		snapshot         string
	)
	if err := row.Scan(&r.ID, &rawID, &r.CaseID, &rawCaseID, &snapshot, &r.Digest, &r.SnapshotVersion, &r.ArtifactPath, &r.GeneratedBy, &r.GeneratedAt); err != nil {
		return pipeline.Report{}, err
	}
	var err error
	if r.UUID, err = uuid.Parse(rawID); err != nil {
		return pipeline.Report{}, fmt.Errorf("parse report uuid: %w", err)
	}
	if r.CaseUUID, err = uuid.Parse(rawCaseID); err != nil {
		return pipeline.Report{}, fmt.Errorf("parse case uuid: %w", err)
	}
	r.Snapshot = []byte(snapshot)
	return r, nil
}

func (t *tx) InsertReport(ctx context.Context, r *pipeline.Report) error {
	err := t.tx.QueryRow(ctx, `
INSERT INTO reports (uuid, alert_id, snapshot_json, report_hash, snapshot_version, artifact_path, generated_by, generated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		r.UUID.String(), r.CaseID, string(r.Snapshot), r.Digest, r.SnapshotVersion, r.ArtifactPath, r.GeneratedBy, r.GeneratedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("insert report %s: %w", r.UUID, mapError(err))
	}
	return nil
}

func (t *tx) ReportByUUID(ctx context.Context, id uuid.UUID) (pipeline.Report, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports r JOIN alerts a ON a.id = r.alert_id WHERE r.uuid = $1`, id.String())
	r, err := scanReport(row)
	if err != nil {
		return pipeline.Report{}, fmt.Errorf("load report %s: %w", id, mapError(err))
	}
	return r, nil
}

func (t *tx) ReportsForCase(ctx context.Context, caseID int64) ([]pipeline.Report, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+reportColumns+` FROM reports r JOIN alerts a ON a.id = r.alert_id WHERE r.alert_id = $1 ORDER BY r.id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list reports for case %d: %w", caseID, err)
	}
	defer rows.Close()
	var out []pipeline.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return out, nil
}

func marshalJSON(v any, empty string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

// mapError translates driver errors into store sentinels.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "evidences_file_hash_key" {
				return fmt.Errorf("%w: %s", store.ErrDuplicateEvidence, pgErr.Detail)
			}
		case pgSealedEvidence:
			return fmt.Errorf("%w: %s", store.ErrEvidenceSealed, pgErr.Message)
		}
	}
	return err
}
