package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeDefinitionNotFound     = "DEFINITION_NOT_FOUND"
	ErrCodeDefinitionInvalid      = "DEFINITION_INVALID"
	ErrCodeInstanceNotFound       = "INSTANCE_NOT_FOUND"
	ErrCodeInvalidTransition      = "INVALID_TRANSITION"
	ErrCodeConditionNotMet        = "CONDITION_NOT_MET"
	ErrCodeAlreadyTerminal        = "ALREADY_TERMINAL"
	ErrCodeActionFailed           = "ACTION_FAILED"
	ErrCodePersistence            = "PERSISTENCE_ERROR"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
)

// InstanceRef identifies an instance and the state it was in when an error occurred.
type InstanceRef struct {
	ID           string         `json:"id"`
	CurrentState string         `json:"currentState"`
	Status       InstanceStatus `json:"status"`
	Version      int64          `json:"version"`
}

// Error is the structured error type returned by every statum component.
type Error struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	Instance *InstanceRef   `json:"instance,omitempty"`
	Cause    error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Instance != nil {
		return fmt.Sprintf("[%s] instance %s (%s): %s", e.Code, e.Instance.ID, e.Instance.CurrentState, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithInstance records the instance state at the time of failure.
func (e *Error) WithInstance(inst *Instance) *Error {
	if inst == nil {
		return e
	}
	e.Instance = &InstanceRef{
		ID:           inst.ID,
		CurrentState: inst.CurrentState,
		Status:       inst.Status,
		Version:      inst.Version,
	}
	return e
}

// CodeOf returns the code of the outermost Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any Error in err's chain carries the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// ActionFailure describes one failed action within a hook.
type ActionFailure struct {
	Hook   string `json:"hook"`
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason"`
}

// NewActionFailed builds the ACTION_FAILED error for an abort-policy failure.
func NewActionFailed(f ActionFailure, cause error) *Error {
	return NewErrorf(ErrCodeActionFailed, "%s action #%d (%s) failed: %s", f.Hook, f.Index, f.Kind, f.Reason).
		WithCause(cause).
		WithDetails(map[string]any{"hook": f.Hook, "index": f.Index, "kind": f.Kind})
}

// ActionFailureOf extracts the hook and index from an ACTION_FAILED error.
func ActionFailureOf(err error) (hook string, index int, ok bool) {
	var e *Error
	if !errors.As(err, &e) || e.Code != ErrCodeActionFailed || e.Details == nil {
		return "", 0, false
	}
	hook, _ = e.Details["hook"].(string)
	index, _ = e.Details["index"].(int)
	return hook, index, true
}
