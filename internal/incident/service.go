package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/dispatchstore"
	"github.com/JakeFAU/osint-shield/internal/metrics"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	"github.com/JakeFAU/osint-shield/internal/store"
)

const (
	defaultActor        = "SOC_ANALYST"
	autoCallbackNote    = "Automatic operator simulation"
	defaultTTL          = 24 * time.Hour
	defaultIndexMax     = 100
	unknownActionMarker = "UNKNOWN"
)

// Config controls dispatch record lifetime.
type Config struct {
	TTL      time.Duration
	IndexMax int
}

// Service applies decisions, dispatches and operator callbacks.
type Service struct {
	store      store.Store
	dispatches dispatchstore.Store
	ids        pipeline.IDGenerator
	clock      pipeline.Clock
	publisher  pipeline.Publisher
	cfg        Config
	logger     *zap.Logger
}

// NewService wires a Service.
func NewService(
	st store.Store,
	dispatches dispatchstore.Store,
	ids pipeline.IDGenerator,
	clock pipeline.Clock,
	publisher pipeline.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.IndexMax <= 0 {
		cfg.IndexMax = defaultIndexMax
	}
	if publisher == nil {
		publisher = pipeline.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      st,
		dispatches: dispatches,
		ids:        ids,
		clock:      clock,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Decide applies an analyst decision to a Case. Dispatch records are never
// touched.
func (s *Service) Decide(ctx context.Context, caseUUID uuid.UUID, req DecisionRequest) (DecisionResult, error) {
	var (
		caseStatus     pipeline.CaseStatus
		decisionStatus DecisionStatus
	)
	switch req.Decision {
	case DecisionConfirm:
		caseStatus, decisionStatus = pipeline.CaseStatusConfirmed, DecisionValidated
	case DecisionReject:
		caseStatus, decisionStatus = pipeline.CaseStatusDismissed, DecisionRejected
	case DecisionEscalate:
		caseStatus, decisionStatus = pipeline.CaseStatusInReview, DecisionEscalated
	default:
		return DecisionResult{}, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}
	comment := strings.TrimSpace(req.Comment)
	line := fmt.Sprintf("[SOC_DECISION] %s by %s", req.Decision, actor(req.DecidedBy))
	if comment != "" {
		line += " | " + comment
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, caseUUID)
		if err != nil {
			return err
		}
		if req.Decision != DecisionEscalate && comment == "" && strings.TrimSpace(c.Note) == "" {
			return ErrNoteRequired
		}
		c.Status = caseStatus
		c.Note = pipeline.AppendNote(c.Note, line)
		c.UpdatedAt = s.clock.Now()
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("decide %s: %w", caseUUID, err)
	}
	s.logger.Info("analyst decision applied",
		zap.String("incident_id", caseUUID.String()),
		zap.String("decision", string(req.Decision)),
		zap.String("alert_status", string(caseStatus)),
	)
	return DecisionResult{
		IncidentID:     caseUUID,
		CaseStatus:     caseStatus,
		DecisionStatus: decisionStatus,
		Comment:        comment,
	}, nil
}

// Dispatch records a simulated enforcement request against a confirmed Case.
// With AutoCallback the operator round trip is simulated immediately.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	if !req.ActionType.valid() {
		return DispatchResult{}, fmt.Errorf("%w: %q", ErrInvalidAction, req.ActionType)
	}
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, req.IncidentID)
		if err != nil {
			return err
		}
		return checkDispatchable(c)
	}); err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch on %s: %w", req.IncidentID, err)
	}

	dispatchID, err := s.ids.NewID()
	if err != nil {
		return DispatchResult{}, fmt.Errorf("dispatch id: %w", err)
	}
	rec := dispatchstore.Record{
		DispatchID:     dispatchID.String(),
		IncidentID:     req.IncidentID.String(),
		ActionType:     string(req.ActionType),
		OperatorStatus: string(OperatorSent),
		DecisionStatus: string(DecisionPending),
		RequestedBy:    actor(req.RequestedBy),
		Reason:         strings.TrimSpace(req.Reason),
		CreatedAt:      s.clock.Now().UTC(),
	}
	if err := s.dispatches.Save(ctx, rec, s.cfg.TTL); err != nil {
		return DispatchResult{}, fmt.Errorf("save dispatch: %w", err)
	}
	if err := s.dispatches.AddToIndex(ctx, rec.IncidentID, rec.DispatchID, s.cfg.IndexMax, s.cfg.TTL); err != nil {
		s.discard(ctx, rec.DispatchID)
		return DispatchResult{}, fmt.Errorf("index dispatch: %w", err)
	}

	line := fmt.Sprintf("[SHIELD_DISPATCH] action=%s by %s dispatch=%s", req.ActionType, rec.RequestedBy, dispatchID)
	if rec.Reason != "" {
		line += " | " + rec.Reason
	}
	var caseStatus pipeline.CaseStatus
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, req.IncidentID)
		if err != nil {
			return err
		}
		// The case may have changed since the first check.
		if err := checkDispatchable(c); err != nil {
			return err
		}
		c.Note = pipeline.AppendNote(c.Note, line)
		c.UpdatedAt = s.clock.Now()
		caseStatus = c.Status
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		s.discard(ctx, rec.DispatchID)
		return DispatchResult{}, fmt.Errorf("dispatch on %s: %w", req.IncidentID, err)
	}

	metrics.ObserveDispatch(rec.ActionType, rec.OperatorStatus)
	s.logger.Info("dispatch sent",
		zap.String("dispatch_id", rec.DispatchID),
		zap.String("incident_id", rec.IncidentID),
		zap.String("action_type", rec.ActionType),
		zap.Bool("auto_callback", req.AutoCallback),
	)
	s.publish(ctx, pipeline.TopicDispatchSent, rec, caseStatus)

	result := DispatchResult{
		DispatchID:       dispatchID,
		IncidentID:       req.IncidentID,
		ActionType:       req.ActionType,
		DecisionStatus:   DecisionPending,
		OperatorStatus:   OperatorSent,
		CallbackRequired: !req.AutoCallback,
	}
	if !req.AutoCallback {
		return result, nil
	}

	cb, err := s.Callback(ctx, CallbackRequest{
		DispatchID:     dispatchID,
		IncidentID:     req.IncidentID,
		OperatorStatus: OperatorExecuted,
		ExecutionNote:  autoCallbackNote,
		ExternalRef:    "SIM-" + dispatchID.String()[:8],
	})
	if err != nil {
		return result, fmt.Errorf("auto callback: %w", err)
	}
	result.DecisionStatus = cb.DecisionStatus
	result.OperatorStatus = cb.OperatorStatus
	return result, nil
}

// Callback applies an operator status report to its dispatch and Case.
func (s *Service) Callback(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	switch req.OperatorStatus {
	case OperatorReceived, OperatorExecuted, OperatorFailed:
	default:
		return CallbackResult{}, fmt.Errorf("%w: %q", ErrInvalidStatus, req.OperatorStatus)
	}

	rec, err := s.dispatches.Get(ctx, req.DispatchID.String())
	if errors.Is(err, dispatchstore.ErrNotFound) {
		return CallbackResult{}, fmt.Errorf("%w: %s", ErrDispatchNotFound, req.DispatchID)
	}
	if err != nil {
		return CallbackResult{}, fmt.Errorf("load dispatch: %w", err)
	}
	if rec.IncidentID != req.IncidentID.String() {
		return CallbackResult{}, fmt.Errorf("%w: dispatch %s belongs to %s", ErrDispatchMismatch, req.DispatchID, rec.IncidentID)
	}

	action := ActionType(rec.ActionType)
	decision := DecisionPending
	switch req.OperatorStatus {
	case OperatorExecuted:
		decision = DecisionExecuted
	case OperatorFailed:
		decision = DecisionEscalated
	}
	blocked := req.OperatorStatus == OperatorExecuted && action.Blocking()

	actionLabel := rec.ActionType
	if actionLabel == "" {
		actionLabel = unknownActionMarker
	}
	line := fmt.Sprintf("[OPERATOR_CALLBACK] status=%s dispatch=%s action=%s", req.OperatorStatus, req.DispatchID, actionLabel)
	if note := strings.TrimSpace(req.ExecutionNote); note != "" {
		line += " | " + note
	}
	if ref := strings.TrimSpace(req.ExternalRef); ref != "" {
		line += " | ref=" + ref
	}
	if blocked {
		line += " | blocked_simulated=true"
	}

	var caseStatus pipeline.CaseStatus
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.CaseByUUID(ctx, req.IncidentID)
		if err != nil {
			return err
		}
		switch {
		case blocked:
			c.Status = pipeline.CaseStatusBlockedSimulated
		case req.OperatorStatus == OperatorFailed:
			c.Status = pipeline.CaseStatusInReview
		}
		c.Note = pipeline.AppendNote(c.Note, line)
		c.UpdatedAt = s.clock.Now()
		caseStatus = c.Status
		return tx.UpdateCase(ctx, c)
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("callback on %s: %w", req.IncidentID, err)
	}

	now := s.clock.Now().UTC()
	rec.OperatorStatus = string(req.OperatorStatus)
	rec.DecisionStatus = string(decision)
	rec.ExecutionNote = strings.TrimSpace(req.ExecutionNote)
	rec.ExternalRef = strings.TrimSpace(req.ExternalRef)
	rec.UpdatedAt = now
	if err := s.dispatches.Save(ctx, rec, s.cfg.TTL); err != nil {
		// The case note already carries the callback line.
		return CallbackResult{}, fmt.Errorf("rewrite dispatch: %w", err)
	}

	metrics.ObserveDispatch(rec.ActionType, rec.OperatorStatus)
	s.logger.Info("operator callback applied",
		zap.String("dispatch_id", rec.DispatchID),
		zap.String("incident_id", rec.IncidentID),
		zap.String("operator_status", rec.OperatorStatus),
		zap.String("decision_status", rec.DecisionStatus),
		zap.String("alert_status", string(caseStatus)),
	)
	s.publish(ctx, pipeline.TopicDispatchCallback, rec, caseStatus)

	return CallbackResult{
		DispatchID:     req.DispatchID,
		IncidentID:     req.IncidentID,
		ActionType:     action,
		DecisionStatus: decision,
		CaseStatus:     caseStatus,
		OperatorStatus: req.OperatorStatus,
		UpdatedAt:      now,
	}, nil
}

// Timeline lists the dispatches of a Case that have not expired. Index
// entries whose record is gone, malformed or bound to another Case are
// skipped.
func (s *Service) Timeline(ctx context.Context, caseUUID uuid.UUID) (Timeline, error) {
	if err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.CaseByUUID(ctx, caseUUID)
		return err
	}); err != nil {
		return Timeline{}, fmt.Errorf("timeline %s: %w", caseUUID, err)
	}

	ids, err := s.dispatches.Index(ctx, caseUUID.String())
	if err != nil {
		return Timeline{}, fmt.Errorf("timeline %s: %w", caseUUID, err)
	}
	out := Timeline{IncidentID: caseUUID, Actions: make([]TimelineItem, 0, len(ids))}
	for _, raw := range ids {
		dispatchID, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		rec, err := s.dispatches.Get(ctx, raw)
		if err != nil {
			if !errors.Is(err, dispatchstore.ErrNotFound) {
				s.logger.Warn("skip unreadable dispatch", zap.String("dispatch_id", raw), zap.Error(err))
			}
			continue
		}
		if rec.IncidentID != caseUUID.String() {
			continue
		}
		if rec.ActionType == "" || rec.DecisionStatus == "" || rec.OperatorStatus == "" || rec.CreatedAt.IsZero() {
			continue
		}
		item := TimelineItem{
			DispatchID:     dispatchID,
			IncidentID:     caseUUID,
			ActionType:     ActionType(rec.ActionType),
			DecisionStatus: DecisionStatus(rec.DecisionStatus),
			OperatorStatus: OperatorStatus(rec.OperatorStatus),
			CreatedAt:      rec.CreatedAt,
		}
		if !rec.UpdatedAt.IsZero() {
			updated := rec.UpdatedAt
			item.UpdatedAt = &updated
		}
		out.Actions = append(out.Actions, item)
	}
	out.TotalActions = len(out.Actions)
	return out, nil
}

func checkDispatchable(c pipeline.Case) error {
	if c.Status != pipeline.CaseStatusConfirmed && c.Status != pipeline.CaseStatusBlockedSimulated {
		return fmt.Errorf("%w (status %s)", ErrPrecondition, c.Status)
	}
	return nil
}

// discard removes a dispatch record whose case update failed. The index entry
// is left to expire; Timeline skips ids without a record.
func (s *Service) discard(ctx context.Context, dispatchID string) {
	if err := s.dispatches.Delete(context.WithoutCancel(ctx), dispatchID); err != nil {
		s.logger.Warn("discard dispatch record", zap.String("dispatch_id", dispatchID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, topic string, rec dispatchstore.Record, caseStatus pipeline.CaseStatus) {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = rec.CreatedAt
	}
	event := pipeline.DispatchEvent{
		DispatchID:     rec.DispatchID,
		CaseUUID:       rec.IncidentID,
		ActionType:     rec.ActionType,
		OperatorStatus: rec.OperatorStatus,
		DecisionStatus: rec.DecisionStatus,
		CaseStatus:     string(caseStatus),
		At:             at,
	}
	if _, err := s.publisher.Publish(ctx, topic, event); err != nil {
		s.logger.Warn("publish dispatch event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func actor(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultActor
}
