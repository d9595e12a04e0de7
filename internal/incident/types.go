// Package incident implements analyst decisions on a Case and the simulated
// enforcement dispatch/callback state machine.
package incident

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/osint-shield/internal/pipeline"
)

// Decision is an analyst verdict on a Case.
type Decision string

// Analyst decisions.
const (
	DecisionConfirm  Decision = "CONFIRM"
	DecisionReject   Decision = "REJECT"
	DecisionEscalate Decision = "ESCALATE"
)

// DecisionStatus tracks where a decision or dispatch stands.
type DecisionStatus string

// Decision statuses.
const (
	DecisionPending   DecisionStatus = "PENDING"
	DecisionValidated DecisionStatus = "VALIDATED"
	DecisionRejected  DecisionStatus = "REJECTED"
	DecisionEscalated DecisionStatus = "ESCALATED"
	DecisionExecuted  DecisionStatus = "EXECUTED"
)

// OperatorStatus is the external operator's view of a dispatch.
type OperatorStatus string

// Operator statuses. SENT is only ever set by dispatch creation.
const (
	OperatorSent     OperatorStatus = "SENT"
	OperatorReceived OperatorStatus = "RECEIVED"
	OperatorExecuted OperatorStatus = "EXECUTED"
	OperatorFailed   OperatorStatus = "FAILED"
)

// ActionType is a playbook action requested from the operator.
type ActionType string

// Playbook actions.
const (
	ActionBlockNumber   ActionType = "BLOCK_NUMBER"
	ActionSuspendWallet ActionType = "SUSPEND_WALLET"
	ActionEnforceMFA    ActionType = "ENFORCE_MFA"
	ActionBlacklistAdd  ActionType = "BLACKLIST_ADD"
	ActionUserNotify    ActionType = "USER_NOTIFY"
)

// Blocking reports whether an executed action moves the Case to
// BLOCKED_SIMULATED.
func (a ActionType) Blocking() bool {
	return a == ActionBlockNumber || a == ActionSuspendWallet
}

func (a ActionType) valid() bool {
	switch a {
	case ActionBlockNumber, ActionSuspendWallet, ActionEnforceMFA, ActionBlacklistAdd, ActionUserNotify:
		return true
	}
	return false
}

var (
	// ErrPrecondition rejects a dispatch on a Case that is not CONFIRMED or
	// BLOCKED_SIMULATED.
	ErrPrecondition = errors.New("incident must be CONFIRMED before SHIELD dispatch")
	// ErrDispatchNotFound is returned for unknown or expired dispatches.
	ErrDispatchNotFound = errors.New("dispatch not found or expired")
	// ErrDispatchMismatch is returned when a callback names the wrong Case.
	ErrDispatchMismatch = errors.New("dispatch does not match incident")
	// ErrInvalidAction rejects unknown playbook actions.
	ErrInvalidAction = errors.New("unknown action type")
	// ErrInvalidDecision rejects unknown decisions.
	ErrInvalidDecision = errors.New("unknown decision")
	// ErrInvalidStatus rejects operator statuses a callback may not report.
	ErrInvalidStatus = errors.New("unknown operator status")
	// ErrNoteRequired rejects a terminal decision on a Case with no analyst
	// note and no comment.
	ErrNoteRequired = errors.New("an analyst note is required for this decision")
)

// DecisionRequest is an analyst verdict.
type DecisionRequest struct {
	Decision  Decision `json:"decision"`
	Comment   string   `json:"comment,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`
}

// DecisionResult reports the state after a decision.
type DecisionResult struct {
	IncidentID     uuid.UUID           `json:"incident_id"`
	CaseStatus     pipeline.CaseStatus `json:"alert_status"`
	DecisionStatus DecisionStatus      `json:"decision_status"`
	Comment        string              `json:"comment,omitempty"`
}

// DispatchRequest asks the operator to carry out an action on a Case.
type DispatchRequest struct {
	IncidentID   uuid.UUID  `json:"incident_id"`
	ActionType   ActionType `json:"action_type"`
	Reason       string     `json:"reason,omitempty"`
	RequestedBy  string     `json:"requested_by,omitempty"`
	AutoCallback bool       `json:"auto_callback"`
}

// DispatchResult reports a created dispatch.
type DispatchResult struct {
	DispatchID       uuid.UUID      `json:"dispatch_id"`
	IncidentID       uuid.UUID      `json:"incident_id"`
	ActionType       ActionType     `json:"action_type"`
	DecisionStatus   DecisionStatus `json:"decision_status"`
	OperatorStatus   OperatorStatus `json:"operator_status"`
	CallbackRequired bool           `json:"callback_required"`
}

// CallbackRequest is the operator's report on a dispatch.
type CallbackRequest struct {
	DispatchID     uuid.UUID      `json:"dispatch_id"`
	IncidentID     uuid.UUID      `json:"incident_id"`
	OperatorStatus OperatorStatus `json:"operator_status"`
	ExecutionNote  string         `json:"execution_note,omitempty"`
	ExternalRef    string         `json:"external_ref,omitempty"`
}

// CallbackResult reports the state after a callback.
type CallbackResult struct {
	DispatchID     uuid.UUID           `json:"dispatch_id"`
	IncidentID     uuid.UUID           `json:"incident_id"`
	ActionType     ActionType          `json:"action_type"`
	DecisionStatus DecisionStatus      `json:"decision_status"`
	CaseStatus     pipeline.CaseStatus `json:"alert_status"`
	OperatorStatus OperatorStatus      `json:"operator_status"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// TimelineItem is one dispatch still present in the ephemeral store.
type TimelineItem struct {
	DispatchID     uuid.UUID      `json:"dispatch_id"`
	IncidentID     uuid.UUID      `json:"incident_id"`
	ActionType     ActionType     `json:"action_type"`
	DecisionStatus DecisionStatus `json:"decision_status"`
	OperatorStatus OperatorStatus `json:"operator_status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      *time.Time     `json:"updated_at"`
}

// Timeline lists the live dispatches of a Case, newest first.
type Timeline struct {
	IncidentID   uuid.UUID      `json:"incident_id"`
	TotalActions int            `json:"total_actions"`
	Actions      []TimelineItem `json:"actions"`
}
