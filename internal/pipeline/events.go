package pipeline

import (
	"context"
	"time"
)

// Event topics published after a state change has been committed.
const (
	TopicCaseAlerted      = "case.alerted"
	TopicReportSealed     = "report.sealed"
	TopicDispatchSent     = "dispatch.sent"
	TopicDispatchCallback = "dispatch.callback"
)

// CaseAlertedEvent announces a Case created or refreshed by an alert result.
type CaseAlertedEvent struct {
	CaseUUID  string    `json:"case_uuid"`
	URL       string    `json:"url"`
	RiskScore int       `json:"risk_score"`
	Status    string    `json:"status"`
	Created   bool      `json:"created"`
	At        time.Time `json:"at"`
}

// ReportSealedEvent announces a persisted forensic Report.
type ReportSealedEvent struct {
	ReportUUID   string    `json:"report_uuid"`
	CaseUUID     string    `json:"case_uuid"`
	Digest       string    `json:"report_hash"`
	SealedCount  int       `json:"sealed_evidence"`
	ArtifactPath string    `json:"artifact_path"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// DispatchEvent announces a dispatch creation or callback.
type DispatchEvent struct {
	DispatchID     string    `json:"dispatch_id"`
	CaseUUID       string    `json:"incident_id"`
	ActionType     string    `json:"action_type"`
	OperatorStatus string    `json:"operator_status"`
	DecisionStatus string    `json:"decision_status"`
	CaseStatus     string    `json:"alert_status"`
	At             time.Time `json:"at"`
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, string, any) (string, error) { return "", nil }
