package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/clock/system"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	pubmemory "github.com/JakeFAU/osint-shield/internal/publisher/memory"
	"github.com/JakeFAU/osint-shield/internal/queue"
	memqueue "github.com/JakeFAU/osint-shield/internal/queue/memory"
	"github.com/JakeFAU/osint-shield/internal/store"
	memstore "github.com/JakeFAU/osint-shield/internal/store/memory"
)

const evidenceHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

var taskUUID = uuid.MustParse("5b7f6c1e-8d7a-4f0e-9a55-3f1d2c4b6a70")

type fixture struct {
	st        *memstore.Store
	publisher *pubmemory.Publisher
	consumer  *Consumer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	publisher := pubmemory.New()
	clock := system.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &fixture{
		st:        st,
		publisher: publisher,
		consumer:  New(nil, st, publisher, clock, Config{ResultQueue: "osint_results"}, zap.NewNop()),
	}
}

func (f *fixture) seedRun(t *testing.T) {
	t.Helper()
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRun(ctx, &pipeline.ScrapingRun{
			UUID:   taskUUID,
			URL:    "https://example.com/x",
			Status: pipeline.RunStatusPending,
		})
	})
	require.NoError(t, err)
}

func (f *fixture) seedCase(t *testing.T, status pipeline.CaseStatus) {
	t.Helper()
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.InsertCase(ctx, &pipeline.Case{
			UUID:       taskUUID,
			URL:        "citizen://text-signal",
			SourceType: "CITIZEN_SMS",
			RiskScore:  40,
			Status:     status,
			Note:       "[sms] gagnez 500000 FCFA",
		})
	})
	require.NoError(t, err)
}

func (f *fixture) run(t *testing.T) pipeline.ScrapingRun {
	t.Helper()
	var run pipeline.ScrapingRun
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		run, err = tx.RunByUUID(ctx, taskUUID)
		return err
	})
	require.NoError(t, err)
	return run
}

// bundle returns the case bundle, or false when no case exists.
func (f *fixture) bundle(t *testing.T) (pipeline.CaseBundle, bool) {
	t.Helper()
	var b pipeline.CaseBundle
	err := f.st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.LoadBundle(ctx, taskUUID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return pipeline.CaseBundle{}, false
	}
	require.NoError(t, err)
	return b, true
}

func alertResult(hash string) pipeline.Result {
	return pipeline.Result{
		TaskID:     taskUUID.String(),
		TaskUUID:   taskUUID,
		URL:        "https://example.com/x",
		SourceType: "WEB",
		Timestamp:  time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC),
		Outcome: pipeline.Success{
			EvidenceHash:     hash,
			EvidenceFilePath: "screenshots/evidence_" + hash + ".png",
			EvidenceMetadata: map[string]any{"title": "MTN Mobile Money", "text_preview": "confirmez votre code OTP"},
			RiskScore:        70,
			IsAlert:          true,
			Analysis: pipeline.AnalysisDetails{
				Categories: []pipeline.Category{{Name: "CREDENTIAL_REQUEST", Weight: 30}},
				Entities:   []pipeline.Entity{{Text: "MTN", Label: "ORG"}},
				Summary:    "HIGH risk (70/100)",
			},
		},
	}
}

func TestReconcileFailureWithoutCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedRun(t)

	res := pipeline.Result{
		TaskID:   taskUUID.String(),
		TaskUUID: taskUUID,
		Outcome:  pipeline.Failure{Code: pipeline.ErrCodeScrapeTimeout, Message: "navigation deadline"},
	}
	outcome, err := f.consumer.Reconcile(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailure, outcome)

	_, found := f.bundle(t)
	require.False(t, found, "a failure must not create a case")

	run := f.run(t)
	require.Equal(t, pipeline.RunStatusFailed, run.Status)
	require.Equal(t, "OSINT FAILED: SCRAPE_TIMEOUT - navigation deadline", run.LogMessage)
	require.NotNil(t, run.CompletedAt)
}

func TestReconcileFailureAppendsToExistingCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedCase(t, pipeline.CaseStatusNew)

	res := pipeline.Result{
		TaskID:   taskUUID.String(),
		TaskUUID: taskUUID,
		Outcome:  pipeline.Failure{Code: pipeline.ErrCodeNavigationError},
	}
	_, err := f.consumer.Reconcile(context.Background(), res)
	require.NoError(t, err)

	b, found := f.bundle(t)
	require.True(t, found)
	require.Equal(t, "[sms] gagnez 500000 FCFA\nOSINT FAILED: SCRAPE_NAVIGATION_ERROR - No details", b.Case.Note)
	require.Equal(t, 40, b.Case.RiskScore)
}

func TestReconcileCleanResultDoesNotCreateCase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedRun(t)

	res := alertResult(evidenceHash)
	success, _ := res.Success()
	success.IsAlert = false
	success.RiskScore = 10
	res.Outcome = success

	outcome, err := f.consumer.Reconcile(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, OutcomeClean, outcome)

	_, found := f.bundle(t)
	require.False(t, found)
	run := f.run(t)
	require.Equal(t, pipeline.RunStatusCompleted, run.Status)
	require.Equal(t, "No threat detected", run.LogMessage)
	require.Zero(t, run.AlertsGenerated)
	require.Empty(t, f.publisher.Messages())
}

func TestReconcileAlertIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedRun(t)
	res := alertResult(evidenceHash)

	outcome, err := f.consumer.Reconcile(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, OutcomeCaseCreated, outcome)

	outcome, err = f.consumer.Reconcile(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, OutcomeCaseUpdated, outcome)

	b, found := f.bundle(t)
	require.True(t, found)
	require.Equal(t, taskUUID, b.Case.UUID)
	require.Equal(t, pipeline.CaseStatusNew, b.Case.Status)
	require.Equal(t, 70, b.Case.RiskScore)
	require.Equal(t, "WEB", b.Case.SourceType)
	require.Len(t, b.Evidences, 1)
	assert.Equal(t, pipeline.EvidenceStatusActive, b.Evidences[0].Status)
	assert.Equal(t, "confirmez votre code OTP", b.Evidences[0].ContentPreview)
	require.NotNil(t, b.Analysis)
	assert.Equal(t, []pipeline.Entity{{Text: "MTN", Label: "ORG"}}, b.Analysis.Entities)
	require.Equal(t,
		"Evidence hash already exists (9f86d081884c7d65...), skipped duplicate insert.",
		b.Case.Note,
	)

	run := f.run(t)
	require.Equal(t, pipeline.RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.AlertsGenerated)
	require.Equal(t, "Threat detected on https://example.com/x", run.LogMessage)

	messages := f.publisher.Messages()
	require.Len(t, messages, 2)
	require.Equal(t, pipeline.TopicCaseAlerted, messages[0].Topic)
	event, ok := messages[0].Payload.(*pipeline.CaseAlertedEvent)
	require.True(t, ok)
	require.True(t, event.Created)
}

func TestReconcileKeepsAnalystDecision(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedCase(t, pipeline.CaseStatusConfirmed)

	_, err := f.consumer.Reconcile(context.Background(), alertResult(""))
	require.NoError(t, err)

	b, found := f.bundle(t)
	require.True(t, found)
	require.Equal(t, pipeline.CaseStatusConfirmed, b.Case.Status)
	require.Equal(t, 70, b.Case.RiskScore)
	require.Equal(t, "https://example.com/x", b.Case.URL)
	require.Empty(t, b.Evidences)
	require.Contains(t, b.Case.Note, "OSINT completed without evidence hash.")
}

type failingTx struct {
	store.Tx
}

func (failingTx) UpsertAnalysis(context.Context, *pipeline.Analysis) error {
	return errors.New("analysis table locked")
}

type failingStore struct {
	*memstore.Store
}

func (s failingStore) InTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

func TestHandleMessageRollsBackOnError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedRun(t)
	clock := system.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(nil, failingStore{Store: f.st}, nil, clock, Config{}, zap.NewNop())

	raw, err := pipeline.EncodeResult(alertResult(evidenceHash))
	require.NoError(t, err)
	require.Equal(t, OutcomeError, c.HandleMessage(context.Background(), raw))

	_, found := f.bundle(t)
	require.False(t, found)
	require.Equal(t, pipeline.RunStatusPending, f.run(t).Status)
}

// lateHashTx behaves as if another writer committed the evidence hash
// between the lookup and the insert.
type lateHashTx struct {
	store.Tx
}

func (lateHashTx) EvidenceByHash(context.Context, string) (pipeline.Evidence, error) {
	return pipeline.Evidence{}, store.ErrNotFound
}

func (lateHashTx) InsertEvidence(_ context.Context, e *pipeline.Evidence) error {
	return fmt.Errorf("evidence %s: %w", e.FileHash, store.ErrDuplicateEvidence)
}

type lateHashStore struct {
	*memstore.Store
}

func (s lateHashStore) InTx(ctx context.Context, fn func(context.Context, store.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, lateHashTx{Tx: tx})
	})
}

func TestReconcileConcurrentDuplicateHashIsSkipped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedRun(t)
	clock := system.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := New(nil, lateHashStore{Store: f.st}, nil, clock, Config{}, zap.NewNop())

	raw, err := pipeline.EncodeResult(alertResult(evidenceHash))
	require.NoError(t, err)
	require.Equal(t, OutcomeCaseCreated, c.HandleMessage(context.Background(), raw))

	b, found := f.bundle(t)
	require.True(t, found)
	require.Empty(t, b.Evidences)
	require.NotNil(t, b.Analysis)
	require.Equal(t,
		"Evidence hash already exists (9f86d081884c7d65...), skipped duplicate insert.",
		b.Case.Note,
	)
	run := f.run(t)
	require.Equal(t, pipeline.RunStatusCompleted, run.Status)
	require.Equal(t, 1, run.AlertsGenerated)
}

func TestHandleMessageDropsInvalidPayload(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, raw := range []string{`{`, `{"status":"COMPLETED"}`, `{"task_id":"abc","status":"FAILED"}`} {
		require.Equal(t, OutcomeInvalid, f.consumer.HandleMessage(context.Background(), []byte(raw)), raw)
	}
}

func TestRunAppliesQueuedResults(t *testing.T) {
	t.Parallel()

	broker := memqueue.NewBroker(8)
	defer broker.Close()
	st := memstore.New()
	session := queue.NewSession(broker, queue.Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond}, "consumer", zap.NewNop())
	c := New(session, st, nil, system.New(), Config{ResultQueue: "osint_results", PopTimeout: 20 * time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	// Drop connections once so the loop has to reconnect.
	time.Sleep(20 * time.Millisecond)
	broker.Sever()
	conn, err := broker.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ids := make([]uuid.UUID, 0, 3)
	for i := 0; i < 3; i++ {
		res := alertResult(fmt.Sprintf("%064d", i))
		res.TaskUUID = uuid.New()
		res.TaskID = res.TaskUUID.String()
		ids = append(ids, res.TaskUUID)
		raw, err := pipeline.EncodeResult(res)
		require.NoError(t, err)
		require.NoError(t, conn.Push(context.Background(), "osint_results", raw))
	}

	require.Eventually(t, func() bool {
		return broker.Len("osint_results") == 0 && countCases(st, ids) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)
}

func countCases(st *memstore.Store, ids []uuid.UUID) int {
	var n int
	_ = st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, id := range ids {
			if _, err := tx.CaseByUUID(ctx, id); err == nil {
				n++
			}
		}
		return nil
	})
	return n
}
