package pipeline

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a task terminated as FAILED.
type ErrorCode string

// Error codes carried on FAILED results.
const (
	ErrCodeMalformedTask   ErrorCode = "MALFORMED_TASK"
	ErrCodeMissingTaskID   ErrorCode = "MISSING_TASK_ID"
	ErrCodeInvalidTaskID   ErrorCode = "INVALID_TASK_ID"
	ErrCodeMissingURL      ErrorCode = "MISSING_URL"
	ErrCodeInvalidURL      ErrorCode = "INVALID_URL"
	ErrCodeScrapeTimeout   ErrorCode = "SCRAPE_TIMEOUT"
	ErrCodeNavigationError ErrorCode = "SCRAPE_NAVIGATION_ERROR"
	ErrCodeScrapeRuntime   ErrorCode = "SCRAPE_RUNTIME_ERROR"
	ErrCodeUnknown         ErrorCode = "UNKNOWN_ERROR"
)

// ErrQueueEmpty is returned by queue pops that timed out without a message.
var ErrQueueEmpty = errors.New("queue empty")

// ErrInvalidResult marks result messages that fail boundary validation.
var ErrInvalidResult = errors.New("invalid result message")

// TaskError reports a task payload rejected before any external call.
type TaskError struct {
	Code    ErrorCode
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CaptureError wraps a capture failure with its classification.
type CaptureError struct {
	Code ErrorCode
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// NewCaptureError wraps err with code.
func NewCaptureError(code ErrorCode, err error) error {
	return &CaptureError{Code: code, Err: err}
}
