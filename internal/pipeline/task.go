package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ScanTask is the work queue message pushed by producers.
type ScanTask struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	SourceType string `json:"source_type"`
}

// ValidTask is a ScanTask that passed intake validation.
type ValidTask struct {
	ID         uuid.UUID
	URL        string
	SourceType string
}

// ParseTask decodes and validates a raw work queue payload. On rejection the
// returned task carries whatever fields could be decoded so the caller can
// still key a FAILED result by them.
func ParseTask(raw []byte) (ValidTask, ScanTask, *TaskError) {
	var task ScanTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return ValidTask{}, task, &TaskError{Code: ErrCodeMalformedTask, Message: fmt.Sprintf("decode task: %v", err)}
	}
	valid, terr := task.Validate()
	return valid, task, terr
}

// Validate checks the task id and url.
func (t ScanTask) Validate() (ValidTask, *TaskError) {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return ValidTask{}, &TaskError{Code: ErrCodeMissingTaskID, Message: "task id is required"}
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return ValidTask{}, &TaskError{Code: ErrCodeInvalidTaskID, Message: fmt.Sprintf("task id %q is not a uuid", id)}
	}
	target := strings.TrimSpace(t.URL)
	if target == "" {
		return ValidTask{}, &TaskError{Code: ErrCodeMissingURL, Message: "url is required"}
	}
	if err := ValidateTargetURL(target); err != nil {
		return ValidTask{}, &TaskError{Code: ErrCodeInvalidURL, Message: err.Error()}
	}
	return ValidTask{ID: parsed, URL: target, SourceType: t.SourceType}, nil
}

// ValidateTargetURL accepts only absolute http(s) URLs with a host.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme %q is not http(s)", u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// EncodeTask serializes a task for the work queue.
func EncodeTask(task ScanTask) ([]byte, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}
