// Package worker implements the scrape/analyze loop: pop a scan task, capture
// the page, persist the artifact, score the text and push exactly one result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/capture/extract"
	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/queue"
	"github.com/JakeFAU/osint-shield/internal/scoring"
	"github.com/JakeFAU/osint-shield/internal/telemetry"
)

const (
	defaultPushTimeout = 30 * time.Second
	defaultTextLimit   = 20000
)

// errInterrupted marks a task abandoned because the worker is shutting down.
var errInterrupted = errors.New("task interrupted by shutdown")

// Config controls Worker behavior.
type Config struct {
	TaskQueue   string
	ResultQueue string
	PopTimeout  time.Duration
	// TaskBudget bounds capture plus artifact upload for one task.
	TaskBudget     time.Duration
	TextLimit      int
	EvidencePrefix string
	// CapturerName labels capture metrics ("headless", "static").
	CapturerName string
	// RequeueOnCancel puts a task interrupted by shutdown back at the head of
	// the work queue instead of reporting it.
	RequeueOnCancel bool
	PushTimeout     time.Duration
	// Limiter paces captures per target host. Nil disables pacing.
	Limiter HostLimiter
	// Runs records that capture started. Nil skips the RUNNING transition.
	Runs RunMarker
}

// RunMarker moves a task's scraping run from PENDING to RUNNING.
type RunMarker interface {
	MarkRunning(ctx context.Context, id uuid.UUID) (bool, error)
}

// HostLimiter blocks until a capture of rawURL may start.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Worker consumes scan tasks and emits results.
type Worker struct {
	session   *queue.Session
	capturer  pipeline.Capturer
	blobStore pipeline.BlobStore
	scorer    *scoring.Scorer
	hasher    pipeline.Hasher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. The session is owned by the worker and closed when
// Run returns.
func New(
	session *queue.Session,
	capturer pipeline.Capturer,
	blobStore pipeline.BlobStore,
	scorer *scoring.Scorer,
	hasher pipeline.Hasher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.TaskBudget <= 0 {
		cfg.TaskBudget = 60 * time.Second
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = defaultTextLimit
	}
	if cfg.EvidencePrefix == "" {
		cfg.EvidencePrefix = "screenshots"
	}
	if cfg.CapturerName == "" {
		cfg.CapturerName = "headless"
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		session:   session,
		capturer:  capturer,
		blobStore: blobStore,
		scorer:    scorer,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer func() {
		if err := w.session.Close(); err != nil {
			w.logger.Warn("close queue session", zap.Error(err))
		}
	}()

	w.logger.Info("worker started", zap.String("queue", w.cfg.TaskQueue))
	for ctx.Err() == nil {
		conn, err := w.session.Conn(ctx)
		if err != nil {
			continue
		}
		raw, err := conn.Pop(ctx, w.cfg.TaskQueue, w.cfg.PopTimeout)
		switch {
		case errors.Is(err, pipeline.ErrQueueEmpty):
			continue
		case err != nil:
			if ctx.Err() == nil {
				w.session.Reset(ctx, fmt.Errorf("pop task: %w", err))
			}
			continue
		}
		w.handle(ctx, raw)
	}
	w.logger.Info("worker stopped")
}

func (w *Worker) handle(ctx context.Context, raw []byte) {
	res, err := w.Process(ctx, raw)
	if errors.Is(err, errInterrupted) {
		w.requeueOrFail(ctx, raw, res)
		return
	}
	w.pushResult(ctx, res)
}

// markRunning is advisory: the result still settles the run if the store is
// unreachable here.
func (w *Worker) markRunning(ctx context.Context, id uuid.UUID, logger *zap.Logger) {
	if w.cfg.Runs == nil {
		return
	}
	if _, err := w.cfg.Runs.MarkRunning(ctx, id); err != nil {
		logger.Warn("mark run running", zap.Error(err))
	}
}

// Process turns one raw task payload into its result. It returns
// errInterrupted, together with a SCRAPE_TIMEOUT failure result, when ctx was
// canceled mid-task.
func (w *Worker) Process(ctx context.Context, raw []byte) (pipeline.Result, error) {
	valid, task, terr := pipeline.ParseTask(raw)
	if terr != nil {
		w.logger.Warn("rejected task", zap.String("task_id", task.ID), zap.String("error_code", string(terr.Code)), zap.String("reason", terr.Message))
		return w.failure(task.ID, task.URL, task.SourceType, terr.Code, terr.Message), nil
	}

	taskID := valid.ID.String()
	logger := w.logger.With(zap.String("task_id", taskID), zap.String("url", valid.URL))
	logger.Debug("processing task")

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskBudget)
	defer cancel()
	taskCtx, span := telemetry.Tracer("worker").Start(taskCtx, "worker.Process")
	span.SetAttributes(attribute.String("task_id", taskID))
	defer span.End()

	if w.cfg.Limiter != nil {
		if err := w.cfg.Limiter.Wait(taskCtx, valid.URL); err != nil {
			if ctx.Err() != nil {
				return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeTimeout, "worker shutting down"), errInterrupted
			}
			logger.Warn("host rate limit exceeds task budget", zap.Error(err))
			return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeTimeout, err.Error()), nil
		}
	}

	w.markRunning(taskCtx, valid.ID, logger)

	capture, err := w.capturer.Capture(taskCtx, pipeline.CaptureRequest{TaskID: taskID, URL: valid.URL})
	if err != nil {
		if ctx.Err() != nil {
			return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeTimeout, "worker shutting down"), errInterrupted
		}
		code := captureCode(taskCtx, err)
		logger.Warn("capture failed", zap.String("error_code", string(code)), zap.Error(err))
		return w.failure(taskID, valid.URL, valid.SourceType, code, err.Error()), nil
	}
	if len(capture.Artifact) == 0 {
		logger.Warn("capture returned no artifact")
		return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeRuntime, "capture produced an empty artifact"), nil
	}

	hash, err := w.hasher.Hash(capture.Artifact)
	if err != nil {
		return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeRuntime, fmt.Sprintf("hash artifact: %v", err)), nil
	}
	evidencePath := w.evidencePath(hash, capture.ContentType)
	uri, err := w.blobStore.PutObject(taskCtx, evidencePath, capture.ContentType, capture.Artifact)
	if err != nil {
		if ctx.Err() != nil {
			return w.failure(taskID, valid.URL, valid.SourceType, pipeline.ErrCodeScrapeTimeout, "worker shutting down"), errInterrupted
		}
		code := pipeline.ErrCodeScrapeRuntime
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			code = pipeline.ErrCodeScrapeTimeout
		}
		logger.Error("store artifact failed", zap.String("path", evidencePath), zap.Error(err))
		return w.failure(taskID, valid.URL, valid.SourceType, code, fmt.Sprintf("store artifact: %v", err)), nil
	}
	metrics.ObserveCapture(w.cfg.CapturerName, valid.URL, capture.Duration, len(capture.Artifact))

	page := extract.Extract(capture.HTML, capture.FinalURL, w.cfg.TextLimit)
	if page.Title == "" {
		page.Title = strings.TrimSpace(capture.Title)
	}
	assessment := w.scorer.Score(scoring.Input{
		Text:  strings.TrimSpace(page.Title + "\n" + page.Text),
		URL:   valid.URL,
		Links: page.Links,
	})
	metrics.ObserveRiskScore(assessment.Score)

	metadata := page.Metadata()
	metadata["final_url"] = capture.FinalURL
	metadata["status_code"] = capture.StatusCode
	metadata["content_type"] = capture.ContentType
	metadata["blob_uri"] = uri
	metadata["capture_ms"] = capture.Duration.Milliseconds()
	metadata["artifact_bytes"] = len(capture.Artifact)
	metadata["text_preview"] = pipeline.Truncate(page.Text, 500)

	logger.Info("task analyzed",
		zap.String("evidence_hash", hash),
		zap.Int("risk_score", assessment.Score),
		zap.String("risk_level", assessment.Level),
		zap.Bool("is_alert", assessment.ShouldReport),
	)
	return pipeline.Result{
		TaskID:     taskID,
		TaskUUID:   valid.ID,
		URL:        valid.URL,
		SourceType: valid.SourceType,
		Timestamp:  w.clock.Now(),
		Outcome: pipeline.Success{
			EvidenceHash:     hash,
			EvidenceFilePath: evidencePath,
			EvidenceMetadata: metadata,
			RiskScore:        assessment.Score,
			IsAlert:          assessment.ShouldReport,
			Analysis:         assessment.Details(),
		},
	}, nil
}

func (w *Worker) failure(taskID, url, sourceType string, code pipeline.ErrorCode, msg string) pipeline.Result {
	return pipeline.Result{
		TaskID:     taskID,
		URL:        url,
		SourceType: sourceType,
		Timestamp:  w.clock.Now(),
		Outcome:    pipeline.Failure{Code: code, Message: msg},
	}
}

// evidencePath derives the artifact path from its content hash.
func (w *Worker) evidencePath(hash, contentType string) string {
	ext := "png"
	if strings.HasPrefix(contentType, "text/html") {
		ext = "html"
	}
	return path.Join(strings.Trim(w.cfg.EvidencePrefix, "/"), fmt.Sprintf("evidence_%s.%s", hash, ext))
}

func captureCode(taskCtx context.Context, err error) pipeline.ErrorCode {
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return pipeline.ErrCodeScrapeTimeout
	}
	var captureErr *pipeline.CaptureError
	if errors.As(err, &captureErr) && captureErr.Code != "" {
		return captureErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeline.ErrCodeScrapeTimeout
	}
	return pipeline.ErrCodeScrapeRuntime
}

// requeueOrFail puts an interrupted task back on the work queue. When
// requeueing is disabled or fails, the task is reported as FAILED instead so
// it does not vanish.
func (w *Worker) requeueOrFail(ctx context.Context, raw []byte, fallback pipeline.Result) {
	if w.cfg.RequeueOnCancel {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PushTimeout)
		defer cancel()
		err := w.withConn(pushCtx, func(conn pipeline.QueueConn) error {
			return conn.Requeue(pushCtx, w.cfg.TaskQueue, raw)
		})
		if err == nil {
			w.logger.Info("requeued interrupted task", zap.String("task_id", fallback.TaskID))
			return
		}
		w.logger.Error("requeue interrupted task failed", zap.String("task_id", fallback.TaskID), zap.Error(err))
	}
	w.pushResult(ctx, fallback)
}

// pushResult delivers res to the result queue, reconnecting as needed until
// the push timeout elapses. It runs detached from ctx so a finished task is
// still reported during shutdown.
func (w *Worker) pushResult(ctx context.Context, res pipeline.Result) {
	status := string(res.Outcome.Status())
	code := ""
	if failure, ok := res.Failure(); ok {
		code = string(failure.Code)
	}
	metrics.ObserveTask(status, code)

	payload, err := pipeline.EncodeResult(res)
	if err != nil {
		w.logger.Error("encode result failed", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PushTimeout)
	defer cancel()
	err = w.withConn(pushCtx, func(conn pipeline.QueueConn) error {
		return conn.Push(pushCtx, w.cfg.ResultQueue, payload)
	})
	if err != nil {
		w.logger.Error("push result failed",
			zap.String("task_id", res.TaskID),
			zap.String("status", status),
			zap.ByteString("payload", payload),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("result pushed", zap.String("task_id", res.TaskID), zap.String("status", status))
}

func (w *Worker) withConn(ctx context.Context, fn func(pipeline.QueueConn) error) error {
	for {
		conn, err := w.session.Conn(ctx)
		if err != nil {
			return err
		}
		err = fn(conn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		}
		w.session.Reset(ctx, err)
	}
}
