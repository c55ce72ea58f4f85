package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// Status is the outcome class of a command.
type Status uint8

const (
	// StatusSuccess means the command ran to completion.
	StatusSuccess Status = iota
	// StatusQueued means the command was accepted and will complete later.
	StatusQueued
	// StatusFailure means the command was rejected or failed.
	StatusFailure
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusQueued:
		return "queued"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Reason classifies a failure.
type Reason string

// Failure reasons.
const (
	ReasonNotFound           Reason = "not_found"
	ReasonNotReady           Reason = "not_ready"
	ReasonUnsupported        Reason = "unsupported"
	ReasonInvalidPayload     Reason = "invalid_payload"
	ReasonBackendUnavailable Reason = "backend_unavailable"
	ReasonTimeout            Reason = "timeout"
)

// Result is an entity's answer to a command.
type Result struct {
	CommandID uuid.UUID
	Status    Status
	// Position is the 1-based queue position of a queued command.
	Position int
	// Reason and Err describe a failure.
	Reason Reason
	Err    error
}

// Success returns a successful result.
func Success(id uuid.UUID) Result {
	return Result{CommandID: id, Status: StatusSuccess}
}

// Queued returns a queued result at position.
func Queued(id uuid.UUID, position int) Result {
	return Result{CommandID: id, Status: StatusQueued, Position: position}
}

// Failure returns a failed result.
func Failure(id uuid.UUID, reason Reason, err error) Result {
	return Result{CommandID: id, Status: StatusFailure, Reason: reason, Err: err}
}

// FailureFrom classifies err with ReasonFor.
func FailureFrom(id uuid.UUID, err error) Result {
	return Failure(id, ReasonFor(err), err)
}

// OK reports whether the command succeeded or was queued.
func (r Result) OK() bool { return r.Status != StatusFailure }

// String renders the result for logs.
func (r Result) String() string {
	switch r.Status {
	case StatusQueued:
		return fmt.Sprintf("queued(%d)", r.Position)
	case StatusFailure:
		return fmt.Sprintf("failure(%s)", r.Reason)
	default:
		return r.Status.String()
	}
}

// ReasonFor maps an error to a failure reason. Unrecognized errors are
// reported as backend_unavailable.
func ReasonFor(err error) Reason {
	switch {
	case coreerrors.Is(err, coreerrors.ErrEntityNotFound):
		return ReasonNotFound
	case coreerrors.Is(err, coreerrors.ErrEntityNotReady):
		return ReasonNotReady
	case coreerrors.Is(err, coreerrors.ErrUnsupportedCommand):
		return ReasonUnsupported
	case coreerrors.Is(err, coreerrors.ErrInvalidPayload):
		return ReasonInvalidPayload
	case coreerrors.Is(err, coreerrors.ErrTimeout),
		coreerrors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonBackendUnavailable
	}
}
