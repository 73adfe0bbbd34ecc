package optimization

import (
	"errors"
	"fmt"
)

// Kind classifies an optimization error so callers can decide whether a run
// may continue.
type Kind int

const (
	// KindInternal is an unexpected failure inside the optimizer itself.
	KindInternal Kind = iota
	// KindConfiguration is a malformed space, objective or budget. Fatal before
	// any evaluation happens.
	KindConfiguration
	// KindInsufficientData is raised by the surrogate when the archive is too
	// small to predict. Recovered by falling back to the real evaluator.
	KindInsufficientData
	// KindAbort terminates a run early with a partial record.
	KindAbort
	// KindBudget signals that the evaluation budget ran out mid-step.
	KindBudget
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindInsufficientData:
		return "insufficient_training_data"
	case KindAbort:
		return "abort"
	case KindBudget:
		return "budget_exhausted"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConfiguration            = &Error{Kind: KindConfiguration, Message: "configuration error"}
	ErrInsufficientTrainingData = &Error{Kind: KindInsufficientData, Message: "insufficient training data"}
	ErrAborted                  = &Error{Kind: KindAbort, Message: "run aborted"}
	ErrBudgetExhausted          = &Error{Kind: KindBudget, Message: "evaluation budget exhausted"}
)

// Error represents an optimization error with context
// that can be wrapped with additional information.
type Error struct {
	// Kind classifies the error.
	Kind Kind
	// Message describes the error that occurred.
	Message string
	// Op is the operation that caused the error.
	Op string
	// Component is the component where the error occurred.
	Component string
	// Err is the underlying error that triggered this one, if any.
	Err error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var prefix string
	if e.Component != "" && e.Op != "" {
		prefix = fmt.Sprintf("%s: %s", e.Component, e.Op)
	} else if e.Component != "" {
		prefix = e.Component
	} else if e.Op != "" {
		prefix = e.Op
	}

	if e.Err != nil {
		if prefix != "" {
			return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}

	if prefix != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is the kind sentinel this error belongs to.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	switch t {
	case ErrConfiguration, ErrInsufficientTrainingData, ErrAborted, ErrBudgetExhausted:
		return e.Kind == t.Kind
	}
	return e == t
}

// WithOperation adds operation context to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Op = op
	return e
}

// WithComponent adds component context to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// NewError creates a new optimization error with the given message.
func NewError(message string) *Error {
	return &Error{
		Message: message,
	}
}

// NewErrorf creates a new optimization error with formatted message.
func NewErrorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
	}
}

// ConfigErrorf creates a configuration error. field names the violated
// setting, e.g. "space.variables[1].upper".
func ConfigErrorf(field, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	if field != "" {
		msg = field + ": " + msg
	}
	return &Error{Kind: KindConfiguration, Message: msg}
}

// AbortError creates an error that terminates the run with a partial record.
func AbortError(message string, err error) *Error {
	return &Error{Kind: KindAbort, Message: message, Err: err}
}

// WrapError wraps an existing error with additional context.
// If err is nil, WrapError returns nil.
func WrapError(err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kindOf(err),
		Message: message,
		Err:     err,
	}
}

// WrapErrorf wraps an existing error with additional formatted context.
// If err is nil, WrapErrorf returns nil.
func WrapErrorf(err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kindOf(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// IsOptimizationError checks if an error is of type Error.
// If the error is an optimization error, it returns the error and true.
// Otherwise, it returns nil and false.
func IsOptimizationError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func kindOf(err error) Kind {
	if e, ok := IsOptimizationError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// FailureReason names why a single evaluation did not produce metrics.
type FailureReason string

const (
	FailureTimeout        FailureReason = "timeout"
	FailureNonConvergence FailureReason = "non_convergence"
	FailureCrash          FailureReason = "crash"
	FailureInvalidOutput  FailureReason = "invalid_output"
	FailureCancelled      FailureReason = "cancelled"
	FailureUnknown        FailureReason = "unknown"
)

// EvaluationFailure is a recoverable failure of one evaluation. The candidate
// receives the worst fitness and the run continues.
type EvaluationFailure struct {
	Reason FailureReason
	Err    error
}

func (f *EvaluationFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("evaluation failed (%s): %v", f.Reason, f.Err)
	}
	return fmt.Sprintf("evaluation failed (%s)", f.Reason)
}

func (f *EvaluationFailure) Unwrap() error { return f.Err }

// Fail builds an EvaluationFailure.
func Fail(reason FailureReason, err error) error {
	return &EvaluationFailure{Reason: reason, Err: err}
}

// AsFailure converts any evaluator error into an EvaluationFailure. Errors
// that are not already failures are reported with FailureUnknown.
func AsFailure(err error) *EvaluationFailure {
	if err == nil {
		return nil
	}
	var f *EvaluationFailure
	if errors.As(err, &f) {
		return f
	}
	return &EvaluationFailure{Reason: FailureUnknown, Err: err}
}
