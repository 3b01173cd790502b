package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category is the failure taxonomy of runs and management calls.
type Category string

const (
	CategoryValidation    Category = "VALIDATION"
	CategoryConfiguration Category = "CONFIGURATION"
	CategoryTimeout       Category = "TIMEOUT"
	CategoryRuntime       Category = "RUNTIME"
	CategoryInternal      Category = "INTERNAL"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("run already in progress")
)

// Error carries a failure category alongside the message.
type Error struct {
	Category Category
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg != "" {
		return e.Msg + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &Error{Category: CategoryValidation, Msg: fmt.Sprintf(format, args...)}
}

func Configuration(format string, args ...any) error {
	return &Error{Category: CategoryConfiguration, Msg: fmt.Sprintf(format, args...)}
}

// Internal wraps err as an INTERNAL failure, e.g. a recovered panic.
func Internal(err error) error {
	return &Error{Category: CategoryInternal, Err: err}
}

// Classify maps err onto the taxonomy. Typed errors keep their category,
// deadlines and messages mentioning a timeout are TIMEOUT, anything else
// raised during dispatch is RUNTIME.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) && se.Category != "" {
		return se.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return CategoryTimeout
	}
	return CategoryRuntime
}

// ErrorCode is the code stored on failed runs.
func ErrorCode(c Category) string { return "SCHEDULE_" + string(c) }
