// Package consumer reconciles worker results into the case store.
//
// Reconciliation is idempotent: a result delivered twice leaves one Evidence
// row, one Analysis row and a single alert count on the scraping run. Each
// result is applied in its own transaction; a result that fails to apply is
// logged and dropped because the worker never resends.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/queue"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const (
	defaultSourceType = "AUTOMATIC_SCRAPING"
	runLogLimit       = 1000
	previewLimit      = 500

	noThreatLine     = "No threat detected"
	missingHashLine  = "OSINT completed without evidence hash."
	duplicateLineFmt = "Evidence hash already exists (%s...), skipped duplicate insert."
)

// Outcome names how a result was applied.
type Outcome string

// Reconciliation outcomes, also used as metric labels.
const (
	OutcomeFailure     Outcome = "failure"
	OutcomeClean       Outcome = "clean"
	OutcomeCaseCreated Outcome = "case_created"
	OutcomeCaseUpdated Outcome = "case_updated"
	OutcomeInvalid     Outcome = "invalid"
	OutcomeError       Outcome = "error"
)

// Config controls the consumer loop.
type Config struct {
	ResultQueue string
	PopTimeout  time.Duration
}

// Consumer drains the result queue.
type Consumer struct {
	session   *queue.Session
	store     store.Store
	publisher pipeline.Publisher
	clock     pipeline.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Consumer. A nil publisher disables events.
func New(
	session *queue.Session,
	st store.Store,
	publisher pipeline.Publisher,
	clock pipeline.Clock,
	cfg Config,
	logger *zap.Logger,
) *Consumer {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if publisher == nil {
		publisher = pipeline.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		session:   session,
		store:     st,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run consumes results until ctx is canceled.
func (c *Consumer) Run(ctx context.Context) {
	defer func() {
		if err := c.session.Close(); err != nil {
			c.logger.Warn("close queue session", zap.Error(err))
		}
	}()

	c.logger.Info("result consumer started", zap.String("queue", c.cfg.ResultQueue))
	for ctx.Err() == nil {
		conn, err := c.session.Conn(ctx)
		if err != nil {
			continue
		}
		raw, err := conn.Pop(ctx, c.cfg.ResultQueue, c.cfg.PopTimeout)
		switch {
		case errors.Is(err, pipeline.ErrQueueEmpty):
			continue
		case err != nil:
			if ctx.Err() == nil {
				c.session.Reset(ctx, fmt.Errorf("pop result: %w", err))
			}
			continue
		}
		// A popped result is applied even if shutdown begins meanwhile; it
		// cannot be put back without breaking ordering.
		c.HandleMessage(context.WithoutCancel(ctx), raw)
	}
	c.logger.Info("result consumer stopped")
}

// HandleMessage decodes and applies one raw result message.
func (c *Consumer) HandleMessage(ctx context.Context, raw []byte) Outcome {
	res, err := pipeline.DecodeResult(raw)
	if err != nil {
		c.logger.Error("dropping invalid result", zap.ByteString("payload", raw), zap.Error(err))
		metrics.ObserveResult(string(OutcomeInvalid))
		return OutcomeInvalid
	}
	outcome, err := c.Reconcile(ctx, res)
	if err != nil {
		c.logger.Error("dropping result after failed reconciliation",
			zap.String("task_id", res.TaskID),
			zap.String("status", string(res.Outcome.Status())),
			zap.Error(err),
		)
		metrics.ObserveResult(string(OutcomeError))
		return OutcomeError
	}
	metrics.ObserveResult(string(outcome))
	return outcome
}

// Reconcile applies res to the case store in one transaction.
func (c *Consumer) Reconcile(ctx context.Context, res pipeline.Result) (Outcome, error) {
	var (
		outcome Outcome
		alerted *pipeline.CaseAlertedEvent
	)
	err := c.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome, alerted = "", nil
		now := c.clock.Now()

		cs, caseFound, err := lookupCase(ctx, tx, res)
		if err != nil {
			return err
		}
		run, runFound, err := lookupRun(ctx, tx, res)
		if err != nil {
			return err
		}

		switch o := res.Outcome.(type) {
		case pipeline.Failure:
			outcome = OutcomeFailure
			return applyFailure(ctx, tx, o, cs, caseFound, run, runFound, now)
		case pipeline.Success:
			if !caseFound && !o.IsAlert {
				outcome = OutcomeClean
				if !runFound {
					return nil
				}
				completeRun(&run, now, false, noThreatLine)
				return wrap("update run", tx.UpdateRun(ctx, run))
			}
			created, err := applySuccess(ctx, tx, res, o, &cs, caseFound, now)
			if err != nil {
				return err
			}
			outcome = OutcomeCaseUpdated
			if created {
				outcome = OutcomeCaseCreated
			}
			if runFound {
				line := noThreatLine
				if o.IsAlert {
					line = "Threat detected on " + res.URL
				}
				completeRun(&run, now, o.IsAlert, line)
				if err := tx.UpdateRun(ctx, run); err != nil {
					return wrap("update run", err)
				}
			}
			if o.IsAlert {
				alerted = &pipeline.CaseAlertedEvent{
					CaseUUID:  cs.UUID.String(),
					URL:       cs.URL,
					RiskScore: cs.RiskScore,
					Status:    string(cs.Status),
					Created:   created,
					At:        now,
				}
			}
			return nil
		default:
			return fmt.Errorf("result %s: %w: no outcome", res.TaskID, pipeline.ErrInvalidResult)
		}
	})
	if err != nil {
		return "", err
	}

	logger := c.logger.With(zap.String("task_id", res.TaskID), zap.String("outcome", string(outcome)))
	switch outcome {
	case OutcomeFailure:
		logger.Warn("result processed as failure")
	default:
		logger.Info("result processed")
	}
	if alerted != nil {
		if _, err := c.publisher.Publish(ctx, pipeline.TopicCaseAlerted, alerted); err != nil {
			logger.Warn("publish case alert failed", zap.Error(err))
		}
	}
	return outcome, nil
}

func lookupCase(ctx context.Context, tx store.Tx, res pipeline.Result) (pipeline.Case, bool, error) {
	cs, err := tx.CaseByUUID(ctx, res.TaskUUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return pipeline.Case{}, false, nil
	case err != nil:
		return pipeline.Case{}, false, fmt.Errorf("load case %s: %w", res.TaskID, err)
	}
	return cs, true, nil
}

func lookupRun(ctx context.Context, tx store.Tx, res pipeline.Result) (pipeline.ScrapingRun, bool, error) {
	run, err := tx.RunByUUID(ctx, res.TaskUUID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return pipeline.ScrapingRun{}, false, nil
	case err != nil:
		return pipeline.ScrapingRun{}, false, fmt.Errorf("load run %s: %w", res.TaskID, err)
	}
	return run, true, nil
}

func applyFailure(
	ctx context.Context,
	tx store.Tx,
	failure pipeline.Failure,
	cs pipeline.Case,
	caseFound bool,
	run pipeline.ScrapingRun,
	runFound bool,
	now time.Time,
) error {
	line := failure.FailureLine()
	if caseFound {
		cs.Note = pipeline.AppendNote(cs.Note, line)
		cs.UpdatedAt = now
		if err := tx.UpdateCase(ctx, cs); err != nil {
			return wrap("update case", err)
		}
	}
	if runFound {
		run.Status = pipeline.RunStatusFailed
		run.CompletedAt = &now
		run.LogMessage = pipeline.Truncate(line, runLogLimit)
		if err := tx.UpdateRun(ctx, run); err != nil {
			return wrap("update run", err)
		}
	}
	return nil
}

// applySuccess creates or refreshes the Case, records the evidence and
// replaces the analysis. It reports whether the Case was created.
func applySuccess(
	ctx context.Context,
	tx store.Tx,
	res pipeline.Result,
	success pipeline.Success,
	cs *pipeline.Case,
	caseFound bool,
	now time.Time,
) (bool, error) {
	if caseFound {
		cs.RiskScore = success.RiskScore
		if res.URL != "" {
			cs.URL = res.URL
		}
	} else {
		sourceType := res.SourceType
		if sourceType == "" {
			sourceType = defaultSourceType
		}
		*cs = pipeline.Case{
			UUID:       res.TaskUUID,
			URL:        res.URL,
			SourceType: sourceType,
			RiskScore:  success.RiskScore,
			Status:     pipeline.CaseStatusNew,
			CreatedAt:  now,
		}
	}
	cs.UpdatedAt = now
	if !caseFound {
		if err := tx.InsertCase(ctx, cs); err != nil {
			return false, wrap("insert case", err)
		}
	}

	if success.EvidenceHash == "" {
		cs.Note = pipeline.AppendNote(cs.Note, missingHashLine)
	} else {
		duplicate, err := insertEvidenceOnce(ctx, tx, newEvidence(cs.ID, res, success, now))
		if err != nil {
			return false, err
		}
		if duplicate {
			cs.Note = pipeline.AppendNote(cs.Note, fmt.Sprintf(duplicateLineFmt, pipeline.ShortHash(success.EvidenceHash, 16)))
		}
	}

	if err := tx.UpdateCase(ctx, *cs); err != nil {
		return false, wrap("update case", err)
	}

	analysis := &pipeline.Analysis{
		CaseID:       cs.ID,
		Categories:   success.Analysis.Categories,
		Entities:     success.Analysis.Entities,
		Explanations: success.Analysis.Explanations,
		UpdatedAt:    now,
	}
	if err := tx.UpsertAnalysis(ctx, analysis); err != nil {
		return false, wrap("upsert analysis", err)
	}
	return !caseFound, nil
}

// insertEvidenceOnce stores ev unless its hash is already known. A hash
// inserted concurrently between the lookup and the insert is also reported as
// a duplicate.
func insertEvidenceOnce(ctx context.Context, tx store.Tx, ev *pipeline.Evidence) (bool, error) {
	_, err := tx.EvidenceByHash(ctx, ev.FileHash)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, store.ErrNotFound):
		return false, wrap("lookup evidence", err)
	}
	err = tx.InsertEvidence(ctx, ev)
	switch {
	case err == nil:
		return false, nil
	case errors.Is(err, store.ErrDuplicateEvidence):
		return true, nil
	default:
		return false, wrap("insert evidence", err)
	}
}

func newEvidence(caseID int64, res pipeline.Result, success pipeline.Success, now time.Time) *pipeline.Evidence {
	filePath := success.EvidenceFilePath
	if filePath == "" {
		filePath = fmt.Sprintf("screenshots/evidence_%s.png", pipeline.ShortHash(success.EvidenceHash, 16))
	}
	preview, _ := success.EvidenceMetadata["text_preview"].(string)
	if strings.TrimSpace(preview) == "" {
		preview = success.Analysis.Summary
	}
	capturedAt := res.Timestamp
	if capturedAt.IsZero() {
		capturedAt = now
	}
	return &pipeline.Evidence{
		CaseID:         caseID,
		Type:           pipeline.EvidenceTypeScreenshot,
		FilePath:       filePath,
		FileHash:       success.EvidenceHash,
		ContentPreview: pipeline.Truncate(preview, previewLimit),
		Metadata:       success.EvidenceMetadata,
		Status:         pipeline.EvidenceStatusActive,
		CapturedAt:     capturedAt,
	}
}

// completeRun marks run COMPLETED. The alert counter moves only on the first
// completion so a redelivered result is not counted twice.
func completeRun(run *pipeline.ScrapingRun, now time.Time, alert bool, line string) {
	if alert && run.Status != pipeline.RunStatusCompleted {
		run.AlertsGenerated++
	}
	run.Status = pipeline.RunStatusCompleted
	run.CompletedAt = &now
	run.LogMessage = pipeline.Truncate(line, runLogLimit)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
