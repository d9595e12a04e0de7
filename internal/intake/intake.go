// Package intake accepts new work: scan tasks, citizen signals and evidence
// uploads.
package intake

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/queue"
	"github.com/JakeFAU/osint-shield/internal/scoring"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const (
	defaultSourceType  = "AUTOMATIC_SCRAPING"
	defaultChannel     = "WEB_PORTAL"
	textSignalURL      = "citizen://text-signal"
	signalNoteLimit    = 250
	minMessageLen      = 5
	maxMessageLen      = 3000
	runLogLimit        = 1000
	defaultPushTimeout = 5 * time.Second
	defaultUploadDir   = "uploads"
)

var (
	// ErrInvalidInput rejects a request before anything is stored.
	ErrInvalidInput = errors.New("invalid input")
	// ErrEnqueue reports that a task was recorded but could not be queued.
	ErrEnqueue = errors.New("enqueue failed")
)

var channels = map[string]bool{"MOBILE_APP": true, "WEB_PORTAL": true}

// Config controls intake.
type Config struct {
	TaskQueue   string
	PushTimeout time.Duration
	// UploadPrefix is the blob path prefix for citizen uploads.
	UploadPrefix string
}

// Service records intake requests and feeds the work queue.
type Service struct {
	store     store.Store
	session   *queue.Session
	blobs     pipeline.BlobStore
	scorer    *scoring.Scorer
	hasher    pipeline.Hasher
	ids       pipeline.IDGenerator
	clock     pipeline.Clock
	publisher pipeline.Publisher
	cfg       Config
	logger    *zap.Logger

	// pushMu serializes use of the session, which belongs to one caller at a time.
	pushMu sync.Mutex
}

// New wires a Service. The session is owned by the service; call Close on
// shutdown.
func New(
	st store.Store,
	session *queue.Session,
	blobs pipeline.BlobStore,
	scorer *scoring.Scorer,
	hasher pipeline.Hasher,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	publisher pipeline.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = defaultPushTimeout
	}
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = defaultUploadDir
	}
	if publisher == nil {
		publisher = pipeline.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     st,
		session:   session,
		blobs:     blobs,
		scorer:    scorer,
		hasher:    hasher,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Close releases the queue connection.
func (s *Service) Close() error {
	return s.session.Close()
}

// TaskRequest asks for a URL to be scanned.
type TaskRequest struct {
	URL        string `json:"url"`
	SourceType string `json:"source_type,omitempty"`
}

// TaskReceipt acknowledges a queued task.
type TaskReceipt struct {
	TaskID     uuid.UUID          `json:"task_id"`
	URL        string             `json:"url"`
	SourceType string             `json:"source_type"`
	Status     pipeline.RunStatus `json:"status"`
}

// SubmitTask records a PENDING scraping run and pushes the task. When the push
// fails the run is marked FAILED and ErrEnqueue is returned.
func (s *Service) SubmitTask(ctx context.Context, req TaskRequest) (TaskReceipt, error) {
	target := strings.TrimSpace(req.URL)
	if err := pipeline.ValidateTargetURL(target); err != nil {
		return TaskReceipt{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	sourceType := strings.TrimSpace(req.SourceType)
	if sourceType == "" {
		sourceType = defaultSourceType
	}
	id, err := s.ids.NewID()
	if err != nil {
		return TaskReceipt{}, fmt.Errorf("task id: %w", err)
	}

	run := pipeline.ScrapingRun{
		UUID:       id,
		URL:        target,
		SourceType: sourceType,
		Status:     pipeline.RunStatusPending,
		StartedAt:  s.clock.Now().UTC(),
	}
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertRun(ctx, &run)
	}); err != nil {
		return TaskReceipt{}, fmt.Errorf("record run: %w", err)
	}

	receipt := TaskReceipt{TaskID: id, URL: target, SourceType: sourceType, Status: pipeline.RunStatusPending}
	if err := s.enqueue(ctx, pipeline.ScanTask{ID: id.String(), URL: target, SourceType: sourceType}); err != nil {
		s.failRun(ctx, id, err)
		return TaskReceipt{}, err
	}
	s.logger.Info("task queued", zap.String("task_id", id.String()), zap.String("url", target))
	return receipt, nil
}

// SignalRequest is a fraud report sent by a citizen.
type SignalRequest struct {
	Channel string `json:"channel,omitempty"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// SignalReceipt acknowledges a citizen signal.
type SignalReceipt struct {
	CaseUUID      uuid.UUID           `json:"alert_uuid"`
	Status        pipeline.CaseStatus `json:"status"`
	RiskScore     int                 `json:"risk_score_initial"`
	RiskLevel     string              `json:"risk_level"`
	QueuedForScan bool                `json:"queued_for_osint"`
	QueueError    string              `json:"queue_error,omitempty"`
}

// ReportSignal scores a citizen signal and opens a Case for it. A signal that
// carries an http(s) URL also queues a scan keyed by the Case UUID; a failed
// enqueue is reported in the receipt and does not fail the call.
func (s *Service) ReportSignal(ctx context.Context, req SignalRequest) (SignalReceipt, error) {
	message := strings.TrimSpace(req.Message)
	if n := utf8.RuneCountInString(message); n < minMessageLen || n > maxMessageLen {
		return SignalReceipt{}, fmt.Errorf("%w: message must be %d to %d characters", ErrInvalidInput, minMessageLen, maxMessageLen)
	}
	channel := strings.ToUpper(strings.TrimSpace(req.Channel))
	if channel == "" {
		channel = defaultChannel
	}
	if !channels[channel] {
		return SignalReceipt{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	}
	link := strings.TrimSpace(req.URL)
	phone := strings.TrimSpace(req.Phone)

	text := message
	if phone != "" {
		text += "\n" + phone
	}
	assessment := s.scorer.Score(scoring.Input{Text: text, URL: link})

	caseID, err := s.ids.NewID()
	if err != nil {
		return SignalReceipt{}, fmt.Errorf("case id: %w", err)
	}
	target := link
	if target == "" {
		target = textSignalURL
	}
	scannable := link != "" && pipeline.ValidateTargetURL(link) == nil
	sourceType := "CITIZEN_" + channel
	now := s.clock.Now().UTC()

	c := pipeline.Case{
		UUID:       caseID,
		URL:        target,
		SourceType: sourceType,
		RiskScore:  assessment.Score,
		Status:     pipeline.CaseStatusNew,
		Note:       fmt.Sprintf("[%s] %s", channel, pipeline.Truncate(message, signalNoteLimit)),
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertCase(ctx, &c); err != nil {
			return err
		}
		if err := tx.UpsertAnalysis(ctx, &pipeline.Analysis{
			CaseID:       c.ID,
			Categories:   assessment.Categories,
			Entities:     assessment.Entities,
			Explanations: assessment.Explanations,
			UpdatedAt:    now,
		}); err != nil {
			return err
		}
		if !scannable {
			return nil
		}
		return tx.InsertRun(ctx, &pipeline.ScrapingRun{
			UUID:       caseID,
			URL:        link,
			SourceType: sourceType,
			Status:     pipeline.RunStatusPending,
			StartedAt:  now,
		})
	})
	if err != nil {
		return SignalReceipt{}, fmt.Errorf("record signal: %w", err)
	}

	receipt := SignalReceipt{
		CaseUUID:  caseID,
		Status:    pipeline.CaseStatusNew,
		RiskScore: assessment.Score,
		RiskLevel: assessment.Level,
	}
	if scannable {
		if err := s.enqueue(ctx, pipeline.ScanTask{ID: caseID.String(), URL: link, SourceType: sourceType}); err != nil {
			s.logger.Error("enqueue signal scan failed", zap.String("alert_uuid", caseID.String()), zap.Error(err))
			s.failRun(ctx, caseID, err)
			receipt.QueueError = err.Error()
		} else {
			receipt.QueuedForScan = true
		}
	}

	s.logger.Info("citizen signal recorded",
		zap.String("alert_uuid", caseID.String()),
		zap.String("channel", channel),
		zap.Int("risk_score", assessment.Score),
		zap.Bool("queued_for_osint", receipt.QueuedForScan),
	)
	if assessment.ShouldReport {
		event := &pipeline.CaseAlertedEvent{
			CaseUUID:  caseID.String(),
			URL:       target,
			RiskScore: assessment.Score,
			Status:    string(pipeline.CaseStatusNew),
			Created:   true,
			At:        now,
		}
		if _, err := s.publisher.Publish(ctx, pipeline.TopicCaseAlerted, event); err != nil {
			s.logger.Warn("publish case alerted failed", zap.Error(err))
		}
	}
	return receipt, nil
}

// UploadRequest is a citizen evidence upload.
type UploadRequest struct {
	CaseUUID    uuid.UUID
	Data        []byte
	ContentType string
	Filename    string
}

// UploadReceipt describes the stored evidence.
type UploadReceipt struct {
	CaseUUID   uuid.UUID `json:"alert_uuid"`
	EvidenceID int64     `json:"evidence_id,omitempty"`
	FileHash   string    `json:"file_hash"`
	FilePath   string    `json:"file_path"`
	Duplicate  bool      `json:"duplicate"`
}

// AttachEvidence stores an uploaded file as ACTIVE Evidence on a Case. A file
// whose hash is already stored is not inserted again; the Case note records
// the skip.
func (s *Service) AttachEvidence(ctx context.Context, req UploadRequest) (UploadReceipt, error) {
	if len(req.Data) == 0 {
		return UploadReceipt{}, fmt.Errorf("%w: empty upload", ErrInvalidInput)
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CaseByUUID(ctx, req.CaseUUID)
		return err
	}); err != nil {
		return UploadReceipt{}, fmt.Errorf("attach evidence to %s: %w", req.CaseUUID, err)
	}

	hash, err := s.hasher.Hash(req.Data)
	if err != nil {
		return UploadReceipt{}, fmt.Errorf("hash upload: %w", err)
	}
	filePath := path.Join(s.cfg.UploadPrefix, fmt.Sprintf("evidence_%s.%s", hash, extension(contentType)))
	uri, err := s.blobs.PutObject(ctx, filePath, contentType, req.Data)
	if err != nil {
		return UploadReceipt{}, fmt.Errorf("store upload: %w", err)
	}

	receipt := UploadReceipt{CaseUUID: req.CaseUUID, FileHash: hash, FilePath: filePath}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, req.CaseUUID)
		if err != nil {
			return err
		}
		_, err = tx.EvidenceByHash(ctx, hash)
		switch {
		case err == nil:
			receipt.Duplicate = true
		case errors.Is(err, store.ErrNotFound):
			ev := pipeline.Evidence{
				CaseID:   c.ID,
				Type:     pipeline.EvidenceTypeUpload,
				FilePath: filePath,
				FileHash: hash,
				Metadata: map[string]any{
					"content_type": contentType,
					"bytes":        len(req.Data),
					"blob_uri":     uri,
					"filename":     strings.TrimSpace(req.Filename),
				},
				CapturedAt: s.clock.Now().UTC(),
			}
			switch err := tx.InsertEvidence(ctx, &ev); {
			case err == nil:
				receipt.EvidenceID = ev.ID
				return nil
			case errors.Is(err, store.ErrDuplicateEvidence):
				// Committed by a concurrent writer after the lookup.
				receipt.Duplicate = true
			default:
				return err
			}
		default:
			return err
		}
		c.Note = pipeline.AppendNote(c.Note, fmt.Sprintf("Evidence hash already exists (%s...), skipped duplicate insert.", pipeline.ShortHash(hash, 16)))
		c.UpdatedAt = s.clock.Now()
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		return UploadReceipt{}, fmt.Errorf("attach evidence to %s: %w", req.CaseUUID, err)
	}
	s.logger.Info("evidence uploaded",
		zap.String("alert_uuid", req.CaseUUID.String()),
		zap.String("file_hash", hash),
		zap.Bool("duplicate", receipt.Duplicate),
	)
	return receipt, nil
}

// enqueue pushes a task, re-dialing once if the connection went stale.
func (s *Service) enqueue(ctx context.Context, task pipeline.ScanTask) error {
	payload, err := pipeline.EncodeTask(task)
	if err != nil {
		return err
	}
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := s.session.Conn(pushCtx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEnqueue, err)
		}
		if lastErr = conn.Push(pushCtx, s.cfg.TaskQueue, payload); lastErr == nil {
			return nil
		}
		if pushCtx.Err() != nil {
			break
		}
		s.session.Reset(pushCtx, lastErr)
	}
	return fmt.Errorf("%w: %v", ErrEnqueue, lastErr)
}

func (s *Service) failRun(ctx context.Context, runID uuid.UUID, cause error) {
	err := s.store.InTx(context.WithoutCancel(ctx), func(ctx context.Context, tx store.Tx) error {
		run, err := tx.RunByUUID(ctx, runID)
		if err != nil {
			return err
		}
		completed := s.clock.Now().UTC()
		run.Status = pipeline.RunStatusFailed
		run.LogMessage = pipeline.Truncate("enqueue failed: "+cause.Error(), runLogLimit)
		run.CompletedAt = &completed
		return tx.UpdateRun(ctx, run)
	})
	if err != nil {
		s.logger.Error("mark run failed", zap.String("task_id", runID.String()), zap.Error(err))
	}
}

func extension(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "application/pdf":
		return "pdf"
	case "text/plain":
		return "txt"
	case "text/html":
		return "html"
	default:
		return "bin"
	}
}
