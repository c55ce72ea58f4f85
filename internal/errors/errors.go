// Package errors provides the error taxonomy for the event coordination core.
// It defines sentinel errors, domain error types for the three failure classes
// the core distinguishes, semantic error types, and classification helpers.
//
// # Error Classes
//
// Contract violations are produced when a producer hands the core something it
// must never accept: a payload whose scope does not match its source, a
// non-zero epoch, a duplicate entity registration. They are returned as
// [ContractError] and also surfaced as an error event on the bus.
//
// Command errors are produced by command dispatch and returned synchronously as
// part of a dispatch result. They are never posted to the bus:
//   - EntityError: the target entity is missing or not accepting commands
//   - CommandError: the command itself was rejected or failed
//
// Resource exhaustion (lossy buffer overflow, replay eviction) is not an error
// value at all. It is reported through diagnostic counters and, for replay,
// through an explicit gap flag.
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - AlreadyExistsError: resource already exists
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewContractError("entity payload from shared source", errors.ErrScopeMismatch).
//	    WithSource("group:repo").
//	    WithPayloadKind("pane.output")
//
//	if errors.Is(err, errors.ErrContractViolation) { ... }
//
//	var cmdErr *errors.CommandError
//	if errors.As(err, &cmdErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-exported so callers can import only this package.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
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

// Contract sentinel errors
var (
	// ErrContractViolation is the root of every contract violation.
	ErrContractViolation = New("contract violation")
	// ErrScopeMismatch indicates a payload scope incompatible with its source kind.
	ErrScopeMismatch = New("payload scope does not match source")
	// ErrInvalidSource indicates a zero or malformed event source.
	ErrInvalidSource = New("invalid event source")
	// ErrMissingPayload indicates an envelope without a payload.
	ErrMissingPayload = New("missing payload")
	// ErrInvalidSequence indicates a sequence number that is zero or not increasing.
	ErrInvalidSequence = New("invalid sequence number")
	// ErrUnsupportedEpoch indicates a non-zero epoch; replay is not restart-safe.
	ErrUnsupportedEpoch = New("epoch must be zero")
	// ErrExtensionRejected indicates an extension payload failed validation.
	ErrExtensionRejected = New("extension payload rejected")
	// ErrSourceInUse indicates a second writer was requested for a live source.
	ErrSourceInUse = New("event source already has a writer")
)

// Entity sentinel errors
var (
	// ErrEntityNotFound indicates that an entity could not be found.
	ErrEntityNotFound = New("entity not found")
	// ErrEntityNotReady indicates that an entity is not accepting commands.
	ErrEntityNotReady = New("entity not ready")
	// ErrDuplicateEntity indicates a second registration for a live entity id.
	ErrDuplicateEntity = New("entity already registered")
	// ErrInvalidTransition indicates a lifecycle transition that skips or reverses.
	ErrInvalidTransition = New("invalid lifecycle transition")
)

// Command sentinel errors
var (
	// ErrUnsupportedCommand indicates a command outside the entity's capability set.
	ErrUnsupportedCommand = New("unsupported command")
	// ErrInvalidPayload indicates a command payload failed validation.
	ErrInvalidPayload = New("invalid command payload")
	// ErrBackendUnavailable indicates the entity's backend cannot take the command.
	ErrBackendUnavailable = New("backend unavailable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput is matched by every ValidationError.
	ErrInvalidInput = New("invalid input")
	// ErrClosed indicates use of a component after it was closed.
	ErrClosed = New("closed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// CoreError is the base interface for all errors defined by this package.
type CoreError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ContractError represents an envelope, payload or registration that breaks
// the core's contract. It always matches ErrContractViolation.
//
// Example:
//
//	err := errors.NewContractError("epoch set", errors.ErrUnsupportedEpoch).WithSource("entity:p1")
//	fmt.Println(err) // "contract violation [source=entity:p1]: epoch set: epoch must be zero"
type ContractError struct {
	baseError
	Source      string
	PayloadKind string
}

// NewContractError creates a new ContractError.
func NewContractError(message string, cause error) *ContractError {
	return &ContractError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityCritical,
			retryable: false,
		},
	}
}

// WithSource adds the offending source to the error context.
func (e *ContractError) WithSource(source string) *ContractError {
	e.Source = source
	return e
}

// WithPayloadKind adds the offending payload kind to the error context.
func (e *ContractError) WithPayloadKind(kind string) *ContractError {
	e.PayloadKind = kind
	return e
}

// Error returns the formatted error message.
func (e *ContractError) Error() string {
	var parts []string
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("source=%s", e.Source))
	}
	if e.PayloadKind != "" {
		parts = append(parts, fmt.Sprintf("kind=%s", e.PayloadKind))
	}
	return formatPrefixed("contract violation", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ContractError) Is(target error) bool {
	if _, ok := target.(*ContractError); ok {
		return true
	}
	if target == ErrContractViolation {
		return true
	}
	return e.baseError.Is(target)
}

// EntityError represents errors related to a specific entity.
//
// Example:
//
//	err := errors.NewEntityError("command rejected", errors.ErrEntityNotReady).
//	    WithEntityID("pane-1").WithState("draining")
type EntityError struct {
	baseError
	EntityID string
	State    string
}

// NewEntityError creates a new EntityError.
func NewEntityError(message string, cause error) *EntityError {
	return &EntityError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithEntityID adds an entity ID to the error context.
func (e *EntityError) WithEntityID(id string) *EntityError {
	e.EntityID = id
	return e
}

// WithState adds the entity's lifecycle state to the error context.
func (e *EntityError) WithState(state string) *EntityError {
	e.State = state
	return e
}

// Error returns the formatted error message.
func (e *EntityError) Error() string {
	var parts []string
	if e.EntityID != "" {
		parts = append(parts, fmt.Sprintf("entity=%s", e.EntityID))
	}
	if e.State != "" {
		parts = append(parts, fmt.Sprintf("state=%s", e.State))
	}
	return formatPrefixed("entity error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *EntityError) Is(target error) bool {
	if _, ok := target.(*EntityError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CommandError represents a command that was rejected or failed.
//
// Example:
//
//	err := errors.NewCommandError("resize rejected", errors.ErrInvalidPayload).
//	    WithCommandID(id.String()).WithKind("resize")
type CommandError struct {
	baseError
	CommandID string
	Kind      string
}

// NewCommandError creates a new CommandError.
func NewCommandError(message string, cause error) *CommandError {
	return &CommandError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: false,
		},
	}
}

// WithCommandID adds a command ID to the error context.
func (e *CommandError) WithCommandID(id string) *CommandError {
	e.CommandID = id
	return e
}

// WithKind adds the command kind to the error context.
func (e *CommandError) WithKind(kind string) *CommandError {
	e.Kind = kind
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *CommandError) WithRetryable(r bool) *CommandError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *CommandError) Error() string {
	var parts []string
	if e.CommandID != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.CommandID))
	}
	if e.Kind != "" {
		parts = append(parts, fmt.Sprintf("kind=%s", e.Kind))
	}
	return formatPrefixed("command error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *CommandError) Is(target error) bool {
	if _, ok := target.(*CommandError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("entity", "pane-1")
//	fmt.Println(err) // "entity 'pane-1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
			severity: SeverityCritical,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *AlreadyExistsError) WithCause(cause error) *AlreadyExistsError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *AlreadyExistsError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' already exists: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' already exists", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("dispatch to pane-1", 5*time.Second)
//	fmt.Println(err) // "timeout error: dispatch to pane-1 (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var coreErr CoreError
	if As(err, &coreErr) {
		return coreErr.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement CoreError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var coreErr CoreError
	if As(err, &coreErr) {
		return coreErr.Severity()
	}
	return SeverityError
}

// IsContractViolation reports whether err is, or wraps, a contract violation.
func IsContractViolation(err error) bool {
	return err != nil && Is(err, ErrContractViolation)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
// Unlike fmt.Errorf with %w, this returns nil for a nil error.
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
