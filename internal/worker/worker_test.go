package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/clock/system"
	shieldsha "github.com/JakeFAU/osint-shield/internal/hash/sha256"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/policy/ratelimit"
	"github.com/JakeFAU/osint-shield/internal/queue"
	memqueue "github.com/JakeFAU/osint-shield/internal/queue/memory"
	"github.com/JakeFAU/osint-shield/internal/scoring"
	memstore "github.com/JakeFAU/osint-shield/internal/storage/memory"
)

const (
	taskQueue   = "osint_to_scan"
	resultQueue = "osint_results"
	taskID      = "5b7f6c1e-8d7a-4f0e-9a55-3f1d2c4b6a70"
)

const scamHTML = `<html><head><title>MTN Mobile Money</title></head>
<body><p>Urgent, confirmez votre code OTP pour recevoir le transfert.</p></body></html>`

type fakeCapturer struct {
	calls   atomic.Int32
	capture pipeline.Capture
	err     error
	// block waits for ctx to end before returning.
	block bool
}

func (f *fakeCapturer) Capture(ctx context.Context, _ pipeline.CaptureRequest) (pipeline.Capture, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return pipeline.Capture{}, ctx.Err()
	}
	if f.err != nil {
		return pipeline.Capture{}, f.err
	}
	return f.capture, nil
}

type fakeRunMarker struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (f *fakeRunMarker) MarkRunning(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return f.err == nil, f.err
}

func (f *fakeRunMarker) marked() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ids...)
}

type failingBlobStore struct{}

func (failingBlobStore) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func (failingBlobStore) DeleteObject(context.Context, string) error { return nil }

type harness struct {
	broker   *memqueue.Broker
	blobs    *memstore.BlobStore
	capturer *fakeCapturer
	worker   *Worker
	cfg      Config
}

func newHarness(t *testing.T, capturer *fakeCapturer, mutate func(*Config)) *harness {
	t.Helper()
	broker := memqueue.NewBroker(16)
	t.Cleanup(broker.Close)
	blobs := memstore.NewBlobStore()
	cfg := Config{
		TaskQueue:       taskQueue,
		ResultQueue:     resultQueue,
		PopTimeout:      20 * time.Millisecond,
		TaskBudget:      time.Second,
		RequeueOnCancel: true,
		PushTimeout:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	session := queue.NewSession(broker, queue.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond}, "worker", zap.NewNop())
	w := New(
		session,
		capturer,
		blobs,
		scoring.MustDefault(),
		shieldsha.New(),
		system.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		cfg,
		zap.NewNop(),
	)
	return &harness{broker: broker, blobs: blobs, capturer: capturer, worker: w, cfg: cfg}
}

func (h *harness) push(t *testing.T, payload string) {
	t.Helper()
	conn, err := h.broker.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Push(context.Background(), taskQueue, []byte(payload)))
}

func (h *harness) run(t *testing.T) (context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.worker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return cancel, &wg
}

func (h *harness) awaitResult(t *testing.T) pipeline.Result {
	t.Helper()
	conn, err := h.broker.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	raw, err := conn.Pop(context.Background(), resultQueue, 2*time.Second)
	require.NoError(t, err)
	res, err := pipeline.DecodeResult(raw)
	require.NoError(t, err)
	return res
}

func TestWorkerSuccessFlow(t *testing.T) {
	t.Parallel()

	artifact := []byte("png-bytes")
	h := newHarness(t, &fakeCapturer{capture: pipeline.Capture{
		FinalURL:    "https://example.com/x",
		StatusCode:  200,
		HTML:        scamHTML,
		Artifact:    artifact,
		ContentType: "image/png",
	}}, nil)
	h.push(t, `{"id":"`+taskID+`","url":"https://example.com/x","source_type":"WEB"}`)
	h.run(t)

	res := h.awaitResult(t)
	require.Equal(t, taskID, res.TaskID)
	success, ok := res.Success()
	require.True(t, ok)

	hash := shieldsha.Hex(artifact)
	require.Equal(t, hash, success.EvidenceHash)
	require.Equal(t, "screenshots/evidence_"+hash+".png", success.EvidenceFilePath)
	require.True(t, success.IsAlert)
	require.GreaterOrEqual(t, success.RiskScore, 65)
	require.Equal(t, scoring.LevelHigh, success.Analysis.RiskLevel)
	require.Equal(t, "MTN Mobile Money", success.EvidenceMetadata["title"])

	stored, ok := h.blobs.Get(success.EvidenceFilePath)
	require.True(t, ok)
	require.Equal(t, artifact, stored)
	require.Len(t, h.blobs.Paths(), 1)
}

func TestWorkerRejectsMalformedTaskWithoutCapture(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeCapturer{}, nil)
	h.push(t, `{"id":"not-a-uuid","url":"https://x"}`)
	h.run(t)

	conn, err := h.broker.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	raw, err := conn.Pop(context.Background(), resultQueue, 2*time.Second)
	require.NoError(t, err)

	// The consumer drops results whose id is not a UUID, but the worker still
	// reports them for visibility.
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, "not-a-uuid", wire["task_id"])
	require.Equal(t, "FAILED", wire["status"])
	require.Equal(t, string(pipeline.ErrCodeInvalidTaskID), wire["error_code"])
	require.Zero(t, h.capturer.calls.Load())
	require.Empty(t, h.blobs.Paths())
}

func TestProcessClassifiesCaptureErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		capturer *fakeCapturer
		budget   time.Duration
		want     pipeline.ErrorCode
	}{
		{
			name:     "navigation",
			capturer: &fakeCapturer{err: pipeline.NewCaptureError(pipeline.ErrCodeNavigationError, errors.New("net::ERR_NAME_NOT_RESOLVED"))},
			budget:   time.Second,
			want:     pipeline.ErrCodeNavigationError,
		},
		{
			name:     "unclassified",
			capturer: &fakeCapturer{err: errors.New("boom")},
			budget:   time.Second,
			want:     pipeline.ErrCodeScrapeRuntime,
		},
		{
			name:     "task budget exceeded",
			capturer: &fakeCapturer{block: true},
			budget:   30 * time.Millisecond,
			want:     pipeline.ErrCodeScrapeTimeout,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.capturer, func(c *Config) { c.TaskBudget = tt.budget })
			res, err := h.worker.Process(context.Background(), []byte(`{"id":"`+taskID+`","url":"https://example.com"}`))
			require.NoError(t, err)
			failure, ok := res.Failure()
			require.True(t, ok)
			require.Equal(t, tt.want, failure.Code)
			require.Empty(t, h.blobs.Paths())
		})
	}
}

func TestProcessArtifactStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeCapturer{capture: pipeline.Capture{HTML: "<p>x</p>", Artifact: []byte("x"), ContentType: "image/png"}}, nil)
	h.worker.blobStore = failingBlobStore{}

	res, err := h.worker.Process(context.Background(), []byte(`{"id":"`+taskID+`","url":"https://example.com"}`))
	require.NoError(t, err)
	failure, ok := res.Failure()
	require.True(t, ok)
	require.Equal(t, pipeline.ErrCodeScrapeRuntime, failure.Code)
	require.Contains(t, failure.Message, "bucket unavailable")
}

func TestProcessHostRateLimitExceedsBudget(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{capture: pipeline.Capture{HTML: "<p>x</p>", Artifact: []byte("x"), ContentType: "image/png"}}
	h := newHarness(t, capturer, func(c *Config) {
		c.TaskBudget = 100 * time.Millisecond
		c.Limiter = ratelimit.New(ratelimit.Config{RPS: 0.5, Burst: 1})
	})
	task := []byte(`{"id":"` + taskID + `","url":"https://example.com/a"}`)

	res, err := h.worker.Process(context.Background(), task)
	require.NoError(t, err)
	_, ok := res.Success()
	require.True(t, ok)

	res, err = h.worker.Process(context.Background(), task)
	require.NoError(t, err)
	failure, ok := res.Failure()
	require.True(t, ok)
	require.Equal(t, pipeline.ErrCodeScrapeTimeout, failure.Code)
	require.Equal(t, int32(1), capturer.calls.Load())
}

func TestProcessMarksRunBeforeCapture(t *testing.T) {
	t.Parallel()

	runs := &fakeRunMarker{}
	h := newHarness(t, &fakeCapturer{capture: pipeline.Capture{HTML: scamHTML, Artifact: []byte("png"), ContentType: "image/png"}}, func(c *Config) {
		c.Runs = runs
	})

	res, err := h.worker.Process(context.Background(), []byte(`{"id":"`+taskID+`","url":"https://example.com"}`))
	require.NoError(t, err)
	_, ok := res.Success()
	require.True(t, ok)
	require.Equal(t, []uuid.UUID{uuid.MustParse(taskID)}, runs.marked())

	_, err = h.worker.Process(context.Background(), []byte(`{"id":"bad","url":"https://example.com"}`))
	require.NoError(t, err)
	require.Len(t, runs.marked(), 1, "rejected tasks never reach capture")
}

func TestProcessIgnoresRunMarkerFailure(t *testing.T) {
	t.Parallel()

	runs := &fakeRunMarker{err: errors.New("connection refused")}
	h := newHarness(t, &fakeCapturer{capture: pipeline.Capture{HTML: scamHTML, Artifact: []byte("png"), ContentType: "image/png"}}, func(c *Config) {
		c.Runs = runs
	})

	res, err := h.worker.Process(context.Background(), []byte(`{"id":"`+taskID+`","url":"https://example.com"}`))
	require.NoError(t, err)
	_, ok := res.Success()
	require.True(t, ok)
	require.EqualValues(t, 1, h.capturer.calls.Load())
}

func TestWorkerRequeuesInterruptedTask(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{block: true}
	h := newHarness(t, capturer, func(c *Config) { c.TaskBudget = time.Minute })
	payload := `{"id":"` + taskID + `","url":"https://example.com"}`
	h.push(t, payload)
	cancel, wg := h.run(t)

	require.Eventually(t, func() bool { return capturer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	require.Equal(t, 1, h.broker.Len(taskQueue))
	require.Zero(t, h.broker.Len(resultQueue))

	conn, err := h.broker.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	raw, err := conn.Pop(context.Background(), taskQueue, time.Second)
	require.NoError(t, err)
	require.JSONEq(t, payload, string(raw))
}

func TestWorkerReportsInterruptedTaskWhenRequeueDisabled(t *testing.T) {
	t.Parallel()

	capturer := &fakeCapturer{block: true}
	h := newHarness(t, capturer, func(c *Config) {
		c.TaskBudget = time.Minute
		c.RequeueOnCancel = false
	})
	h.push(t, `{"id":"`+taskID+`","url":"https://example.com"}`)
	cancel, wg := h.run(t)

	require.Eventually(t, func() bool { return capturer.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	require.Zero(t, h.broker.Len(taskQueue))
	res := h.awaitResult(t)
	failure, ok := res.Failure()
	require.True(t, ok)
	require.Equal(t, pipeline.ErrCodeScrapeTimeout, failure.Code)
}

func TestWorkerReconnectsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeCapturer{capture: pipeline.Capture{HTML: "<p>hello</p>", Artifact: []byte("a"), ContentType: "image/png"}}, nil)
	h.run(t)

	// Let the worker block on its first pop, then drop every connection.
	time.Sleep(30 * time.Millisecond)
	h.broker.Sever()
	h.push(t, `{"id":"`+taskID+`","url":"https://example.com"}`)

	res := h.awaitResult(t)
	_, ok := res.Success()
	require.True(t, ok)
}

func TestEvidencePathUsesContentType(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, Config{EvidencePrefix: "/captures/"}, nil)
	require.Equal(t, "captures/evidence_abc.png", w.evidencePath("abc", "image/png"))
	require.Equal(t, "captures/evidence_abc.html", w.evidencePath("abc", "text/html; charset=utf-8"))
}

func TestEncodedResultIsWireCompatible(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeCapturer{}, nil)
	res, err := h.worker.Process(context.Background(), []byte(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	raw, err := pipeline.EncodeResult(res)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	require.Equal(t, "FAILED", wire["status"])
	require.Equal(t, "MISSING_TASK_ID", wire["error_code"])
}
