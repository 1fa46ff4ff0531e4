// Package errors defines the engine-wide error taxonomy.
//
// Every failure that crosses a component boundary (subprocess exit, backend
// response, rotation outcome, continuation-loop verdict) is carried as a
// *ClassifiedError so callers can branch on the Code instead of matching
// message text at each layer.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a failure class with a defined propagation policy.
type Code string

const (
	// CodeIdleTimeout fires when a subprocess produced no output for longer
	// than the idle budget.
	CodeIdleTimeout Code = "idle_timeout"
	// CodeOverallTimeout fires when total wall-clock time exceeded the budget.
	CodeOverallTimeout Code = "overall_timeout"
	// CodeQuotaExceeded means the active credential's allowance is depleted.
	// Never retried in place; it triggers credential rotation one layer up.
	CodeQuotaExceeded Code = "quota_exceeded"
	// CodeRateLimit is a transient throttle, not quota depletion. Retried in
	// place with backoff, never rotated.
	CodeRateLimit Code = "rate_limit"
	// CodeUnauthorized is fatal and never retried.
	CodeUnauthorized Code = "unauthorized"
	// CodeStreamError covers broken pipes and malformed stream output.
	CodeStreamError Code = "stream_error"
	// CodeEmptyResponse means the backend exited cleanly with no usable text.
	CodeEmptyResponse Code = "empty_response"
	// CodeIncompleteTasks means the continuation loop exhausted its attempts
	// with work still remaining. Fatal for the run, explicitly resumable.
	CodeIncompleteTasks Code = "incomplete_tasks"
	// CodeQuotaRotated signals a successful rotation after quota exhaustion.
	// The run stops so the next resume picks up the new credential cleanly.
	CodeQuotaRotated Code = "quota_exhausted_rotated"
	// CodeNoKeysAvailable means rotation found no usable credential left.
	CodeNoKeysAvailable Code = "no_keys_available"
	// CodeAlreadyRunning rejects a second concurrent execute for one task id.
	CodeAlreadyRunning Code = "already_running"
	// CodeUnknown is the generic failure class.
	CodeUnknown Code = "unknown"
)

// ClassifiedError carries a Code alongside the underlying error.
type ClassifiedError struct {
	Code    Code
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(code Code, message string) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(code Code, format string, args ...any) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error, message string) *ClassifiedError {
	return &ClassifiedError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the Code from err, classifying the message text when err is
// not already a *ClassifiedError. Returns CodeUnknown for nil-safe callers.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Code
	}
	return Classify(err.Error())
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// quota phrases come from the providers' CLI and API error surfaces.
var quotaPhrases = []string{
	"quota exceeded",
	"quota_exceeded",
	"resource_exhausted",
	"resource has been exhausted",
	"insufficient_quota",
	"billing hard limit",
	"credit balance is too low",
	"usage limit",
	"out of credits",
}

var rateLimitPhrases = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"overloaded",
	"server is busy",
	"try again later",
}

var unauthorizedPhrases = []string{
	"unauthorized",
	"invalid api key",
	"invalid x-api-key",
	"authentication",
	"401",
	"403",
	"forbidden",
	"permission denied",
	"not logged in",
}

var streamPhrases = []string{
	"stream error",
	"broken pipe",
	"connection reset",
	"unexpected eof",
	"connection refused",
}

// Classify maps raw error text to a Code by phrase matching. Ordering
// matters: quota phrases win over rate-limit phrases because providers often
// include both ("429: quota exceeded").
func Classify(message string) Code {
	lower := strings.ToLower(message)
	if lower == "" {
		return CodeUnknown
	}
	if containsAny(lower, quotaPhrases) {
		return CodeQuotaExceeded
	}
	if containsAny(lower, unauthorizedPhrases) {
		return CodeUnauthorized
	}
	if containsAny(lower, rateLimitPhrases) {
		return CodeRateLimit
	}
	if containsAny(lower, streamPhrases) {
		return CodeStreamError
	}
	if strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "deadline exceeded") {
		return CodeOverallTimeout
	}
	return CodeUnknown
}

func containsAny(lower string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying in place.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeRateLimit, CodeStreamError:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must stop the current run with no local retry.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeUnauthorized, CodeNoKeysAvailable, CodeIncompleteTasks, CodeQuotaRotated:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether err is either timeout class.
func IsTimeout(err error) bool {
	code := CodeOf(err)
	return code == CodeIdleTimeout || code == CodeOverallTimeout
}
