// Unified error handling for the labcore orchestration core
//
// Copyright (C) 2026  Labcore Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration and dependency errors
	ErrConfiguration         ErrorCode = "CONFIGURATION"
	ErrDependencyUnavailable ErrorCode = "DEPENDENCY_UNAVAILABLE"

	// Lifecycle errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrStartupFailed     ErrorCode = "STARTUP_FAILED"
	ErrCleanupFailed     ErrorCode = "CLEANUP_FAILED"

	// Runner results
	ErrAlreadyActive ErrorCode = "ALREADY_ACTIVE"
	ErrNotActive     ErrorCode = "NOT_ACTIVE"
	ErrNotLoadable   ErrorCode = "NOT_LOADABLE"
	ErrUnknownTask   ErrorCode = "UNKNOWN_TASK"

	// Hardware interaction errors
	ErrSafetyViolation      ErrorCode = "SAFETY_VIOLATION"
	ErrControlLoopFault     ErrorCode = "CONTROL_LOOP_FAULT"
	ErrSignalLost           ErrorCode = "SIGNAL_LOST"
	ErrForbiddenCombination ErrorCode = "FORBIDDEN_COMBINATION"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// CoreError is the unified error type of the orchestration core
type CoreError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Task is the task name the error relates to (if any)
	Task string

	// Op is the operation or command that failed
	Op string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *CoreError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Task != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Task, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *CoreError) Unwrap() error {
	return e.Err
}

// SetTask sets the task name
func (e *CoreError) SetTask(task string) *CoreError {
	e.Task = task
	return e
}

// SetOp sets the failing operation
func (e *CoreError) SetOp(op string) *CoreError {
	e.Op = op
	return e
}

// SetContext adds additional context
func (e *CoreError) SetContext(key string, value interface{}) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new CoreError
func New(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Configuration errors

// ConfigurationError reports a missing or invalid plan/parameter.
func ConfigurationError(message string) *CoreError {
	return New(ErrConfiguration, message)
}

// DependencyUnavailable reports required collaborators that are absent.
func DependencyUnavailable(task string, missing []string) *CoreError {
	return New(ErrDependencyUnavailable, fmt.Sprintf("missing dependencies %v", missing)).
		SetTask(task).
		SetContext("missing", missing)
}

// Lifecycle errors

// InvalidTransition reports an event the current state has no edge for.
func InvalidTransition(task, state, event string) *CoreError {
	return New(ErrInvalidTransition, fmt.Sprintf("cannot %s while %s", event, state)).
		SetTask(task).
		SetOp(event).
		SetContext("state", state)
}

// StartupFailed wraps an error returned by a startup hook.
func StartupFailed(task string, err error) *CoreError {
	return Wrap(err, ErrStartupFailed, "startup failed").SetTask(task).SetOp("startup")
}

// CleanupFailed wraps an error returned by a cleanup hook.
func CleanupFailed(task string, forced bool, err error) *CoreError {
	return Wrap(err, ErrCleanupFailed, "cleanup failed").
		SetTask(task).
		SetOp("cleanup").
		SetContext("forced", forced)
}

// Runner results

// AlreadyActive reports that another task occupies the instrument.
func AlreadyActive(task, active string) *CoreError {
	return New(ErrAlreadyActive, fmt.Sprintf("task %q is active", active)).
		SetTask(task).
		SetOp("start").
		SetContext("active", active)
}

// NotActive reports a command addressed to a task that is not the active one.
func NotActive(task, op, active string) *CoreError {
	msg := "no task is active"
	if active != "" {
		msg = fmt.Sprintf("active task is %q", active)
	}
	return New(ErrNotActive, msg).SetTask(task).SetOp(op)
}

// NotLoadable reports a start request for a task with unmet dependencies.
func NotLoadable(task string, missing []string) *CoreError {
	return New(ErrNotLoadable, fmt.Sprintf("task not loadable, missing %v", missing)).
		SetTask(task).
		SetOp("start")
}

// UnknownTask reports a name absent from the registry.
func UnknownTask(task string) *CoreError {
	return New(ErrUnknownTask, "no such task").SetTask(task)
}

// Hardware interaction errors

// SafetyViolation reports a motion request that would cross the safety plane.
func SafetyViolation(message string) *CoreError {
	return New(ErrSafetyViolation, message)
}

// ControlLoopFault wraps a sensor or actuator failure inside a feedback loop.
func ControlLoopFault(loop string, err error) *CoreError {
	return Wrap(err, ErrControlLoopFault, fmt.Sprintf("control loop %s stopped", loop)).
		SetOp(loop)
}

// SignalLost reports a measurement outside its valid range beyond the grace period.
func SignalLost(loop string, value float64) *CoreError {
	return New(ErrSignalLost, fmt.Sprintf("control loop %s lost signal", loop)).
		SetOp(loop).
		SetContext("value", value)
}

// ForbiddenCombination reports a light source not allowed with a filter.
func ForbiddenCombination(lightsource, filter string) *CoreError {
	return New(ErrForbiddenCombination,
		fmt.Sprintf("lightsource %q is not allowed with filter %q", lightsource, filter)).
		SetContext("lightsource", lightsource).
		SetContext("filter", filter)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *CoreError {
	return New(ErrRuntime, message)
}

// Recover converts a panic into a CoreError stored in *errp. It must be
// deferred directly: defer errors.Recover(&err).
func Recover(errp *error) {
	if r := recover(); r != nil {
		*errp = FromPanic(r)
	}
}

// FromPanic converts a value obtained from recover into a CoreError.
func FromPanic(r interface{}) *CoreError {
	switch x := r.(type) {
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// As finds the first CoreError in err's chain.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost CoreError in err's chain, or
// ErrRuntime for foreign errors.
func CodeOf(err error) ErrorCode {
	if ce, ok := As(err); ok {
		return ce.Code
	}
	return ErrRuntime
}

// Is checks if any CoreError in err's chain carries the given code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok && ce.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsControlLoop checks if error stopped a feedback loop
func IsControlLoop(err error) bool {
	return Is(err, ErrControlLoopFault) || Is(err, ErrSignalLost)
}

// IsRejection checks if error is a rejected command that left state unchanged
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case ErrInvalidTransition, ErrAlreadyActive, ErrNotActive, ErrNotLoadable,
		ErrUnknownTask, ErrSafetyViolation, ErrForbiddenCombination:
		return true
	}
	return false
}
