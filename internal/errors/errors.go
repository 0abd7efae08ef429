// Package errors provides centralized error definitions and error handling utilities
// for distrun. It defines the error taxonomy of the worker coordination layer,
// error constructors with context wrapping, and classification helpers.
//
// # Error Types
//
//   - ConfigurationError: invalid specs, missing roots, unrelatable paths.
//     Fatal; raised synchronously during setup and aborts the whole pool.
//   - ProtocolError: an unknown or malformed event from a worker. Fatal to
//     the offending worker only.
//   - TransportError: a send or close failure on a gateway channel.
//     Swallowed while shutting down, surfaced as errordown otherwise.
//   - ReconstructionError: a report or warning payload that could not be
//     rebuilt. Never fatal; callers degrade to a synthetic value.
//
// # Usage
//
//	err := errors.NewConfigurationError("no worker specs given", errors.ErrNoSpecs)
//
//	var cfgErr *errors.ConfigurationError
//	if errors.As(err, &cfgErr) { ... }
//
//	if errors.IsFatalToPool(err) { abort() }
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Configuration sentinel errors
var (
	// ErrNoSpecs indicates that no worker target specs were configured.
	ErrNoSpecs = New("no worker specs given")
	// ErrInvalidSpec indicates that a target spec string could not be parsed.
	ErrInvalidSpec = New("invalid target spec")
	// ErrRootNotFound indicates that a declared source root does not exist.
	ErrRootNotFound = New("source root does not exist")
	// ErrUnrelatedPath indicates that an existing path is not below any known root.
	ErrUnrelatedPath = New("path is not relative to any source root")
)

// Protocol sentinel errors
var (
	// ErrUnknownEvent indicates that a worker sent an event name outside the protocol.
	ErrUnknownEvent = New("unknown event")
	// ErrMalformedEvent indicates that an event could not be decoded.
	ErrMalformedEvent = New("malformed event")
	// ErrNotProperlyTerminated indicates that a channel closed without a finished event.
	ErrNotProperlyTerminated = New("Not properly terminated")
)

// Transport sentinel errors
var (
	// ErrChannelClosed indicates a send or receive on a closed channel.
	ErrChannelClosed = New("channel closed")
	// ErrGatewayClosed indicates that the gateway connection is gone.
	ErrGatewayClosed = New("gateway closed")
	// ErrFrameTooLarge indicates that a wire frame exceeded the size limit.
	ErrFrameTooLarge = New("frame too large")
)

// ErrInterrupted indicates that decoding stopped because the run was interrupted.
// It is never reported as a worker failure.
var ErrInterrupted = New("interrupted")

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// DistError is the base interface for all distrun errors.
type DistError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// ConfigurationError
// -----------------------------------------------------------------------------

// ConfigurationError represents a setup-time inconsistency that aborts the pool.
//
// Example:
//
//	err := errors.NewConfigurationError("missing rsync root", errors.ErrRootNotFound).WithPath("/src")
//	fmt.Println(err) // "configuration error [path=/src]: missing rsync root: source root does not exist"
type ConfigurationError struct {
	baseError
	Path string
	Spec string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityCritical,
			userFacing: true,
		},
	}
}

// WithPath adds the offending filesystem path to the error context.
func (e *ConfigurationError) WithPath(path string) *ConfigurationError {
	e.Path = path
	return e
}

// WithSpec adds the offending target spec string to the error context.
func (e *ConfigurationError) WithSpec(spec string) *ConfigurationError {
	e.Spec = spec
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Spec != "" {
		parts = append(parts, fmt.Sprintf("spec=%s", e.Spec))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	return e.format("configuration error", parts)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// ProtocolError
// -----------------------------------------------------------------------------

// ProtocolError represents drift between the coordinator and a worker.
type ProtocolError struct {
	baseError
	WorkerID string
	Event    string
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(message string, cause error) *ProtocolError {
	return &ProtocolError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithWorkerID adds the worker id to the error context.
func (e *ProtocolError) WithWorkerID(id string) *ProtocolError {
	e.WorkerID = id
	return e
}

// WithEvent adds the offending event name to the error context.
func (e *ProtocolError) WithEvent(name string) *ProtocolError {
	e.Event = name
	return e
}

// Error returns the formatted error message.
func (e *ProtocolError) Error() string {
	var parts []string
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}
	if e.Event != "" {
		parts = append(parts, fmt.Sprintf("event=%s", e.Event))
	}
	return e.format("protocol error", parts)
}

// Is checks if this error matches the target.
func (e *ProtocolError) Is(target error) bool {
	if _, ok := target.(*ProtocolError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// TransportError
// -----------------------------------------------------------------------------

// TransportError represents a failed send, receive or close on a gateway.
type TransportError struct {
	baseError
	GatewayID string
	Op        string
}

// NewTransportError creates a new TransportError.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:   op + " failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		Op: op,
	}
}

// WithGatewayID adds the gateway id to the error context.
func (e *TransportError) WithGatewayID(id string) *TransportError {
	e.GatewayID = id
	return e
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	var parts []string
	if e.GatewayID != "" {
		parts = append(parts, fmt.Sprintf("gateway=%s", e.GatewayID))
	}
	return e.format("transport error", parts)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// ReconstructionError
// -----------------------------------------------------------------------------

// ReconstructionError records why a cross-boundary value could not be rebuilt.
type ReconstructionError struct {
	baseError
	TypeName string
}

// NewReconstructionError creates a new ReconstructionError.
func NewReconstructionError(typeName string, cause error) *ReconstructionError {
	return &ReconstructionError{
		baseError: baseError{
			message:  "cannot reconstruct " + typeName,
			cause:    cause,
			severity: SeverityWarning,
		},
		TypeName: typeName,
	}
}

// Is checks if this error matches the target.
func (e *ReconstructionError) Is(target error) bool {
	if _, ok := target.(*ReconstructionError); ok {
		return true
	}
	return e.cause != nil && errors.Is(e.cause, target)
}

// -----------------------------------------------------------------------------
// Error Classification
// -----------------------------------------------------------------------------

// IsFatalToPool reports whether err must abort the whole worker pool.
// Only configuration errors do; everything else is local to one worker.
func IsFatalToPool(err error) bool {
	var cfgErr *ConfigurationError
	return As(err, &cfgErr)
}

// IsRetryable returns true if the error is transient and the operation may
// succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var distErr DistError
	if As(err, &distErr) {
		return distErr.IsRetryable()
	}
	return false
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var distErr DistError
	if As(err, &distErr) {
		return distErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement DistError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var distErr DistError
	if As(err, &distErr) {
		return distErr.Severity()
	}
	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
