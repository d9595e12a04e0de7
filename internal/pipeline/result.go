package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResultStatus is the terminal status reported by the worker.
type ResultStatus string

// Result statuses carried on the result queue.
const (
	ResultCompleted ResultStatus = "COMPLETED"
	ResultFailed    ResultStatus = "FAILED"
)

// Result is one worker output, keyed by the task id it answers.
type Result struct {
	TaskID string
	// TaskUUID is populated by DecodeResult; workers may leave it zero for
	// tasks whose id never parsed.
	TaskUUID   uuid.UUID
	URL        string
	SourceType string
	Timestamp  time.Time
	Outcome    Outcome
}

// Outcome is implemented by Success and Failure only.
type Outcome interface {
	Status() ResultStatus
	isOutcome()
}

// Success is the outcome of a task whose page was captured and scored.
type Success struct {
	EvidenceHash     string
	EvidenceFilePath string
	EvidenceMetadata map[string]any
	RiskScore        int
	IsAlert          bool
	Analysis         AnalysisDetails
}

// Failure is the outcome of a rejected or failed task.
type Failure struct {
	Code    ErrorCode
	Message string
}

// Status implements Outcome.
func (Success) Status() ResultStatus { return ResultCompleted }

// Status implements Outcome.
func (Failure) Status() ResultStatus { return ResultFailed }

func (Success) isOutcome() {}
func (Failure) isOutcome() {}

// AnalysisDetails is the scoring payload nested in a result message.
type AnalysisDetails struct {
	Categories   []Category `json:"categories"`
	Entities     []Entity   `json:"entities"`
	Summary      string     `json:"summary"`
	Explanations []string   `json:"explanations,omitempty"`
	RiskLevel    string     `json:"risk_level,omitempty"`
}

// Success returns the success variant when present.
func (r Result) Success() (Success, bool) {
	s, ok := r.Outcome.(Success)
	return s, ok
}

// Failure returns the failure variant when present.
func (r Result) Failure() (Failure, bool) {
	f, ok := r.Outcome.(Failure)
	return f, ok
}

// FailureLine renders the audit line appended to notes and run logs for a
// failed result.
func (f Failure) FailureLine() string {
	code := f.Code
	if code == "" {
		code = ErrCodeUnknown
	}
	text := strings.TrimSpace(f.Message)
	if text == "" {
		text = "No details"
	}
	return fmt.Sprintf("OSINT %s: %s - %s", ResultFailed, code, text)
}

type resultMessage struct {
	TaskID           string        `json:"task_id"`
	URL              string        `json:"url"`
	SourceType       string        `json:"source_type"`
	Timestamp        string        `json:"timestamp"`
	Status           ResultStatus  `json:"status"`
	EvidenceHash     string        `json:"evidence_hash,omitempty"`
	EvidenceFilePath string        `json:"evidence_file_path,omitempty"`
	RiskScore        float64       `json:"risk_score"`
	IsAlert          bool          `json:"is_alert"`
	Error            string        `json:"error,omitempty"`
	ErrorCode        ErrorCode     `json:"error_code,omitempty"`
	Details          resultDetails `json:"details"`
}

type resultDetails struct {
	EvidenceMetadata map[string]any   `json:"evidence_metadata,omitempty"`
	Analysis         *AnalysisDetails `json:"analysis,omitempty"`
}

// EncodeResult serializes a Result into the result queue wire format.
func EncodeResult(r Result) ([]byte, error) {
	if r.Outcome == nil {
		return nil, fmt.Errorf("encode result %s: %w: missing outcome", r.TaskID, ErrInvalidResult)
	}
	msg := resultMessage{
		TaskID:     r.TaskID,
		URL:        r.URL,
		SourceType: r.SourceType,
		Timestamp:  r.Timestamp.UTC().Format(time.RFC3339Nano),
		Status:     r.Outcome.Status(),
	}
	switch o := r.Outcome.(type) {
	case Success:
		msg.EvidenceHash = o.EvidenceHash
		msg.EvidenceFilePath = o.EvidenceFilePath
		msg.RiskScore = float64(ClampScore(o.RiskScore))
		msg.IsAlert = o.IsAlert
		analysis := o.Analysis
		msg.Details = resultDetails{EvidenceMetadata: o.EvidenceMetadata, Analysis: &analysis}
	case Failure:
		msg.Error = o.Message
		msg.ErrorCode = o.Code
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", r.TaskID, err)
	}
	return data, nil
}

// DecodeResult parses and validates a result queue payload. Any message that
// cannot be keyed to a task or carries an unknown status is rejected with
// ErrInvalidResult.
func DecodeResult(raw []byte) (Result, error) {
	var msg resultMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	taskID := strings.TrimSpace(msg.TaskID)
	if taskID == "" {
		return Result{}, fmt.Errorf("%w: missing task_id", ErrInvalidResult)
	}
	parsed, err := uuid.Parse(taskID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: task_id %q is not a uuid", ErrInvalidResult, taskID)
	}
	res := Result{
		TaskID:     taskID,
		TaskUUID:   parsed,
		URL:        strings.TrimSpace(msg.URL),
		SourceType: strings.TrimSpace(msg.SourceType),
		Timestamp:  parseTimestamp(msg.Timestamp),
	}
	switch msg.Status {
	case ResultFailed:
		res.Outcome = Failure{Code: msg.ErrorCode, Message: msg.Error}
	case ResultCompleted:
		score, err := scoreFromFloat(msg.RiskScore)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		success := Success{
			EvidenceHash:     strings.TrimSpace(msg.EvidenceHash),
			EvidenceFilePath: strings.TrimSpace(msg.EvidenceFilePath),
			EvidenceMetadata: msg.Details.EvidenceMetadata,
			RiskScore:        score,
			IsAlert:          msg.IsAlert,
		}
		if msg.Details.Analysis != nil {
			success.Analysis = *msg.Details.Analysis
		}
		res.Outcome = success
	default:
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResult, msg.Status)
	}
	return res, nil
}

// ClampScore bounds a risk score to [0, 100].
func ClampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// scoreFromFloat clamps in float64 before converting, since out-of-range
// float to int conversions are implementation defined.
func scoreFromFloat(f float64) (int, error) {
	if math.IsNaN(f) {
		return 0, fmt.Errorf("risk_score is NaN")
	}
	return int(math.Round(math.Max(0, math.Min(100, f)))), nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// parseTimestamp accepts RFC 3339 and naive ISO-8601 timestamps (treated as
// UTC). Unparseable values yield the zero time.
func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
