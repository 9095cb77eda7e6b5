package engine

import "fmt"

// InvalidInputError rejects a malformed inbound request before any workflow
// state is created. It is the only error class that escapes the coordinator.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

// InferenceError wraps a language inference failure. Timeout marks calls
// cancelled by their stage deadline.
type InferenceError struct {
	Operation string
	Timeout   bool
	Cause     error
}

func (e *InferenceError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("inference %s timed out: %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("inference %s failed: %v", e.Operation, e.Cause)
}

func (e *InferenceError) Unwrap() error { return e.Cause }

// FormattingError reports a formatting fault. It is always recovered locally
// by falling back to the raw draft.
type FormattingError struct {
	Reason string
	Cause  error
}

func (e *FormattingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("formatting failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("formatting failed: %s", e.Reason)
}

func (e *FormattingError) Unwrap() error { return e.Cause }
