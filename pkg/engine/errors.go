package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, apt lock contention, mirror hiccups.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: dpkg lock held by another process, half-configured packages.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, unsupported OS.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies which part of the install pipeline produced an error.
type ErrorKind string

const (
	// KindGraph covers dependency graph construction and validation failures
	// (cycles, missing dependencies).
	KindGraph ErrorKind = "graph"

	// KindModuleLifecycle covers failures inside a module's
	// validate/configure/verify stages.
	KindModuleLifecycle ErrorKind = "module_lifecycle"

	// KindCircuitOpen is returned when a circuit breaker rejects a call
	// without invoking the protected operation.
	KindCircuitOpen ErrorKind = "circuit_open"

	// KindRetryExhausted wraps the last error after all retry attempts failed.
	KindRetryExhausted ErrorKind = "retry_exhausted"

	// KindRollbackAction covers individual rollback undo failures.
	KindRollbackAction ErrorKind = "rollback_action"

	// KindValidation covers pre-flight and input validation failures.
	KindValidation ErrorKind = "validation"

	// KindConfig covers configuration loading and schema failures.
	KindConfig ErrorKind = "config"

	// KindPolicy covers policy evaluation failures and denials.
	KindPolicy ErrorKind = "policy"

	// KindStore covers run history persistence failures.
	KindStore ErrorKind = "store"

	// KindPlugin covers WASM plugin loading and invocation failures.
	KindPlugin ErrorKind = "plugin"

	// KindInternal covers unexpected internal failures.
	KindInternal ErrorKind = "internal"
)

// InstallError represents a classified error with install pipeline context.
// nolint:revive // InstallError is intentionally named to distinguish from standard errors
type InstallError struct {
	// Kind identifies the pipeline component that produced the error.
	Kind ErrorKind `json:"kind"`

	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the installation module involved, if applicable.
	Module string `json:"module,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Stage is the lifecycle stage (validate/configure/verify) that failed, if any.
	Stage string `json:"stage,omitempty"`

	// RetryAfter is how long a caller should wait before retrying.
	// Only meaningful for KindCircuitOpen errors.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *InstallError) Error() string {
	if e.Module != "" && e.Stage != "" {
		return fmt.Sprintf("[%s:%s] %s (module=%s, stage=%s): %s",
			e.Class, e.Kind, e.Message, e.Module, e.Stage, e.unwrapMessage())
	}
	if e.Module != "" {
		return fmt.Sprintf("[%s:%s] %s (module=%s): %s",
			e.Class, e.Kind, e.Message, e.Module, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Class, e.Kind, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *InstallError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *InstallError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *InstallError) Is(target error) bool {
	t, ok := target.(*InstallError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Class == t.Class
}

// NewGraphError creates a permanent error for dependency graph failures.
func NewGraphError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindGraph,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewLifecycleError creates an error for a module lifecycle stage failure.
func NewLifecycleError(module, stage string, err error) *InstallError {
	return &InstallError{
		Kind:    KindModuleLifecycle,
		Class:   classify(err),
		Message: fmt.Sprintf("module %s stage failed", stage),
		Module:  module,
		Stage:   stage,
		Err:     err,
	}
}

// NewCircuitOpenError creates the rejection error returned by an open breaker.
// retryAfter is the remaining cool-down before the breaker will probe again.
func NewCircuitOpenError(name string, retryAfter time.Duration) *InstallError {
	return &InstallError{
		Kind:       KindCircuitOpen,
		Class:      ErrorClassThrottled,
		Message:    fmt.Sprintf("circuit breaker %q is open", name),
		Operation:  name,
		RetryAfter: retryAfter,
	}
}

// NewRetryExhaustedError wraps the last underlying error after all attempts failed.
// The cause stays reachable through errors.Is/As.
func NewRetryExhaustedError(operation string, attempts int, err error) *InstallError {
	return &InstallError{
		Kind:      KindRetryExhausted,
		Class:     classify(err),
		Message:   fmt.Sprintf("all %d attempts failed", attempts),
		Operation: operation,
		Err:       err,
	}
}

// NewRollbackActionError creates an error for a single failed undo action.
func NewRollbackActionError(description string, err error) *InstallError {
	return &InstallError{
		Kind:      KindRollbackAction,
		Class:     ErrorClassPermanent,
		Message:   "rollback action failed",
		Operation: description,
		Err:       err,
	}
}

// NewValidationError creates a permanent error for pre-flight validation failures.
func NewValidationError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindValidation,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewConfigError creates a permanent error for configuration failures.
func NewConfigError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindConfig,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewPolicyError creates a permanent error for policy evaluation failures.
func NewPolicyError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindPolicy,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewStoreError creates an error for run history persistence failures.
func NewStoreError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindStore,
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPluginError creates an error for plugin loading or invocation failures.
func NewPluginError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindPlugin,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewInternalError creates an error for unexpected internal failures.
func NewInternalError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindInternal,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindInternal,
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindInternal,
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindInternal,
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *InstallError {
	return &InstallError{
		Kind:    KindInternal,
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// classify derives the class from a wrapped error, defaulting to permanent.
func classify(err error) ErrorClass {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// WithModule adds module context to an error.
func (e *InstallError) WithModule(module string) *InstallError {
	e.Module = module
	return e
}

// WithOperation adds operation context to an error.
func (e *InstallError) WithOperation(operation string) *InstallError {
	e.Operation = operation
	return e
}

// WithStage adds lifecycle stage context to an error.
func (e *InstallError) WithStage(stage string) *InstallError {
	e.Stage = stage
	return e
}

// WithClass overrides the error classification.
func (e *InstallError) WithClass(class ErrorClass) *InstallError {
	e.Class = class
	return e
}

// WithDetail adds a detail field to the error context.
func (e *InstallError) WithDetail(key string, value interface{}) *InstallError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsCircuitOpen returns true if the error is a breaker rejection.
func IsCircuitOpen(err error) bool {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Kind == KindCircuitOpen
	}
	return false
}

// RetryAfter returns the cool-down carried by a breaker rejection,
// or zero for any other error.
func RetryAfter(err error) time.Duration {
	var e *InstallError
	if errors.As(err, &e) && e.Kind == KindCircuitOpen {
		return e.RetryAfter
	}
	return 0
}

// KindOf returns the error kind, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var e *InstallError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
