// Package memory implements store.Store in process memory. Each transaction
// works on a private copy of the state that replaces the shared state only on
// commit, so a failed unit of work leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
)

// Store is an in-memory case store for development and tests.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty Store.
func New() *Store {
	return &Store{st: newState()}
}

// InTx serializes transactions and commits by swapping in the working copy.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

type state struct {
	nextID         int64
	cases          map[int64]pipeline.Case
	caseByUUID     map[uuid.UUID]int64
	runs           map[int64]pipeline.ScrapingRun
	runByUUID      map[uuid.UUID]int64
	evidence       map[int64]pipeline.Evidence
	evidenceByHash map[string]int64
	analyses       map[int64]pipeline.Analysis
	reports        map[int64]pipeline.Report
	reportByUUID   map[uuid.UUID]int64
}

func newState() *state {
	return &state{
		cases:          make(map[int64]pipeline.Case),
		caseByUUID:     make(map[uuid.UUID]int64),
		runs:           make(map[int64]pipeline.ScrapingRun),
		runByUUID:      make(map[uuid.UUID]int64),
		evidence:       make(map[int64]pipeline.Evidence),
		evidenceByHash: make(map[string]int64),
		analyses:       make(map[int64]pipeline.Analysis),
		reports:        make(map[int64]pipeline.Report),
		reportByUUID:   make(map[uuid.UUID]int64),
	}
}

func (st *state) clone() *state {
	out := newState()
	out.nextID = st.nextID
	for k, v := range st.cases {
		out.cases[k] = v
	}
	for k, v := range st.caseByUUID {
		out.caseByUUID[k] = v
	}
	for k, v := range st.runs {
		out.runs[k] = cloneRun(v)
	}
	for k, v := range st.runByUUID {
		out.runByUUID[k] = v
	}
	for k, v := range st.evidence {
		out.evidence[k] = cloneEvidence(v)
	}
	for k, v := range st.evidenceByHash {
		out.evidenceByHash[k] = v
	}
	for k, v := range st.analyses {
		out.analyses[k] = cloneAnalysis(v)
	}
	for k, v := range st.reports {
		out.reports[k] = cloneReport(v)
	}
	for k, v := range st.reportByUUID {
		out.reportByUUID[k] = v
	}
	return out
}

func (st *state) newID() int64 {
	st.nextID++
	return st.nextID
}

type tx struct {
	st *state
}

func (t *tx) CaseByUUID(_ context.Context, id uuid.UUID) (pipeline.Case, error) {
	key, ok := t.st.caseByUUID[id]
	if !ok {
		return pipeline.Case{}, fmt.Errorf("case %s: %w", id, store.ErrNotFound)
	}
	return t.st.cases[key], nil
}

func (t *tx) InsertCase(_ context.Context, c *pipeline.Case) error {
	if _, exists := t.st.caseByUUID[c.UUID]; exists {
		return fmt.Errorf("case %s already exists", c.UUID)
	}
	c.ID = t.st.newID()
	stampCase(c)
	t.st.cases[c.ID] = *c
	t.st.caseByUUID[c.UUID] = c.ID
	return nil
}

func (t *tx) UpdateCase(_ context.Context, c pipeline.Case) error {
	existing, ok := t.st.cases[c.ID]
	if !ok {
		return fmt.Errorf("case %d: %w", c.ID, store.ErrNotFound)
	}
	c.UUID = existing.UUID
	c.CreatedAt = existing.CreatedAt
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	t.st.cases[c.ID] = c
	return nil
}

func (t *tx) DeleteCase(_ context.Context, caseID int64) (store.DeleteCounts, error) {
	c, ok := t.st.cases[caseID]
	if !ok {
		return store.DeleteCounts{}, fmt.Errorf("case %d: %w", caseID, store.ErrNotFound)
	}
	var counts store.DeleteCounts
	for id, r := range t.st.reports {
		if r.CaseID == caseID {
			delete(t.st.reports, id)
			delete(t.st.reportByUUID, r.UUID)
			counts.Reports++
		}
	}
	for id, e := range t.st.evidence {
		if e.CaseID == caseID {
			delete(t.st.evidence, id)
			delete(t.st.evidenceByHash, e.FileHash)
			counts.Evidence++
		}
	}
	if _, ok := t.st.analyses[caseID]; ok {
		delete(t.st.analyses, caseID)
		counts.Analyses++
	}
	delete(t.st.cases, caseID)
	delete(t.st.caseByUUID, c.UUID)
	counts.Cases = 1
	return counts, nil
}

func (t *tx) RunByUUID(_ context.Context, id uuid.UUID) (pipeline.ScrapingRun, error) {
	key, ok := t.st.runByUUID[id]
	if !ok {
		return pipeline.ScrapingRun{}, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return cloneRun(t.st.runs[key]), nil
}

func (t *tx) InsertRun(_ context.Context, r *pipeline.ScrapingRun) error {
	if _, exists := t.st.runByUUID[r.UUID]; exists {
		return fmt.Errorf("run %s already exists", r.UUID)
	}
	r.ID = t.st.newID()
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	t.st.runs[r.ID] = cloneRun(*r)
	t.st.runByUUID[r.UUID] = r.ID
	return nil
}

func (t *tx) UpdateRun(_ context.Context, r pipeline.ScrapingRun) error {
	existing, ok := t.st.runs[r.ID]
	if !ok {
		return fmt.Errorf("run %d: %w", r.ID, store.ErrNotFound)
	}
	r.UUID = existing.UUID
	r.StartedAt = existing.StartedAt
	t.st.runs[r.ID] = cloneRun(r)
	return nil
}

func (t *tx) EvidenceByHash(_ context.Context, hash string) (pipeline.Evidence, error) {
	key, ok := t.st.evidenceByHash[hash]
	if !ok {
		return pipeline.Evidence{}, fmt.Errorf("evidence %s: %w", hash, store.ErrNotFound)
	}
	return cloneEvidence(t.st.evidence[key]), nil
}

func (t *tx) InsertEvidence(_ context.Context, e *pipeline.Evidence) error {
	if _, exists := t.st.evidenceByHash[e.FileHash]; exists {
		return fmt.Errorf("evidence %s: %w", e.FileHash, store.ErrDuplicateEvidence)
	}
	if _, ok := t.st.cases[e.CaseID]; !ok {
		return fmt.Errorf("case %d: %w", e.CaseID, store.ErrNotFound)
	}
	e.ID = t.st.newID()
	e.Status = pipeline.EvidenceStatusActive
	e.SealedAt = nil
	if e.CapturedAt.IsZero() {
		e.CapturedAt = time.Now().UTC()
	}
	t.st.evidence[e.ID] = cloneEvidence(*e)
	t.st.evidenceByHash[e.FileHash] = e.ID
	return nil
}

func (t *tx) SealEvidence(_ context.Context, caseID int64, ids []int64, at time.Time) (int, error) {
	sealed := 0
	for _, id := range ids {
		e, ok := t.st.evidence[id]
		if !ok || e.CaseID != caseID || e.Status == pipeline.EvidenceStatusSealed {
			continue
		}
		sealedAt := at
		e.Status = pipeline.EvidenceStatusSealed
		e.SealedAt = &sealedAt
		t.st.evidence[id] = e
		sealed++
	}
	return sealed, nil
}

func (t *tx) UpsertAnalysis(_ context.Context, a *pipeline.Analysis) error {
	if _, ok := t.st.cases[a.CaseID]; !ok {
		return fmt.Errorf("case %d: %w", a.CaseID, store.ErrNotFound)
	}
	if existing, ok := t.st.analyses[a.CaseID]; ok {
		a.ID = existing.ID
	} else {
		a.ID = t.st.newID()
	}
	t.st.analyses[a.CaseID] = cloneAnalysis(*a)
	return nil
}

func (t *tx) LoadBundle(ctx context.Context, caseUUID uuid.UUID) (pipeline.CaseBundle, error) {
	c, err := t.CaseByUUID(ctx, caseUUID)
	if err != nil {
		return pipeline.CaseBundle{}, err
	}
	bundle := pipeline.CaseBundle{Case: c}
	for _, e := range t.st.evidence {
		if e.CaseID == c.ID {
			bundle.Evidences = append(bundle.Evidences, cloneEvidence(e))
		}
	}
	sort.Slice(bundle.Evidences, func(i, j int) bool { return bundle.Evidences[i].ID < bundle.Evidences[j].ID })
	if a, ok := t.st.analyses[c.ID]; ok {
		copied := cloneAnalysis(a)
		bundle.Analysis = &copied
	}
	return bundle, nil
}

func (t *tx) InsertReport(_ context.Context, r *pipeline.Report) error {
	if _, ok := t.st.cases[r.CaseID]; !ok {
		return fmt.Errorf("case %d: %w", r.CaseID, store.ErrNotFound)
	}
	if _, exists := t.st.reportByUUID[r.UUID]; exists {
		return fmt.Errorf("report %s already exists", r.UUID)
	}
	r.ID = t.st.newID()
	t.st.reports[r.ID] = cloneReport(*r)
	t.st.reportByUUID[r.UUID] = r.ID
	return nil
}

func (t *tx) ReportByUUID(_ context.Context, id uuid.UUID) (pipeline.Report, error) {
	key, ok := t.st.reportByUUID[id]
	if !ok {
		return pipeline.Report{}, fmt.Errorf("report %s: %w", id, store.ErrNotFound)
	}
	return cloneReport(t.st.reports[key]), nil
}

func (t *tx) ReportsForCase(_ context.Context, caseID int64) ([]pipeline.Report, error) {
	var out []pipeline.Report
	for _, r := range t.st.reports {
		if r.CaseID == caseID {
			out = append(out, cloneReport(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func stampCase(c *pipeline.Case) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = pipeline.CaseStatusNew
	}
}

func cloneRun(r pipeline.ScrapingRun) pipeline.ScrapingRun {
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		r.CompletedAt = &completed
	}
	return r
}

func cloneEvidence(e pipeline.Evidence) pipeline.Evidence {
	if e.SealedAt != nil {
		sealed := *e.SealedAt
		e.SealedAt = &sealed
	}
	if e.Metadata != nil {
		e.Metadata, _ = cloneValue(e.Metadata).(map[string]any)
	}
	return e
}

func cloneAnalysis(a pipeline.Analysis) pipeline.Analysis {
	if a.Categories != nil {
		cats := make([]pipeline.Category, len(a.Categories))
		for i, c := range a.Categories {
			c.Matches = append([]string(nil), c.Matches...)
			cats[i] = c
		}
		a.Categories = cats
	}
	a.Entities = append([]pipeline.Entity(nil), a.Entities...)
	a.Explanations = append([]string(nil), a.Explanations...)
	return a
}

func cloneReport(r pipeline.Report) pipeline.Report {
	r.Snapshot = append([]byte(nil), r.Snapshot...)
	return r
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}
