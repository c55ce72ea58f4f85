package event

import (
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// Envelope wraps a payload with its routing and ordering metadata.
//
// CommandID and CorrelationID are uuid.Nil when absent. Epoch is reserved:
// replay is not safe across a producer restart, so it is always zero and a
// consumer that loses its place must re-snapshot rather than replay.
type Envelope struct {
	Source        Source
	Payload       Payload
	Seq           uint64
	CommandID     uuid.UUID
	CorrelationID uuid.UUID
	Timestamp     time.Time
	Epoch         uint64
}

// Kind returns the payload kind, or "" when the payload is missing.
func (e Envelope) Kind() string {
	if missing(e.Payload) {
		return ""
	}
	return e.Payload.Kind()
}

// Policy returns the payload's delivery policy.
func (e Envelope) Policy() ActionPolicy {
	if missing(e.Payload) {
		return Critical()
	}
	return e.Payload.Policy()
}

// missing reports a nil payload, including a nil *Extension.
func missing(p Payload) bool {
	if ext, ok := p.(*Extension); ok {
		return ext == nil
	}
	return p == nil
}

// Validate checks the envelope's contract: a valid source, a payload whose
// scope matches the source kind, a positive sequence number and a zero epoch.
// Extension payloads are validated by their own Validate method.
func Validate(env Envelope) error {
	if env.Source.IsZero() {
		return coreerrors.NewContractError("envelope has no source", coreerrors.ErrInvalidSource).
			WithPayloadKind(env.Kind())
	}
	if err := ValidatePayload(env.Source, env.Payload); err != nil {
		return err
	}
	if env.Seq == 0 {
		return coreerrors.NewContractError("sequence numbers start at 1", coreerrors.ErrInvalidSequence).
			WithSource(env.Source.String()).
			WithPayloadKind(env.Kind())
	}
	if env.Epoch != 0 {
		return coreerrors.NewContractError("restart-safe replay is not supported", coreerrors.ErrUnsupportedEpoch).
			WithSource(env.Source.String()).
			WithPayloadKind(env.Kind())
	}
	return nil
}

// ValidatePayload checks that src may carry p. Emitters call it before
// consuming a sequence number so a rejected payload leaves no gap.
func ValidatePayload(src Source, p Payload) error {
	if missing(p) {
		return coreerrors.NewContractError("envelope has no payload", coreerrors.ErrMissingPayload).
			WithSource(src.String())
	}
	switch ext := p.(type) {
	case Extension:
		if err := ext.validate(src); err != nil {
			return err
		}
	case *Extension:
		if err := ext.validate(src); err != nil {
			return err
		}
	}
	if !p.Scope().Allows(src.Kind) {
		return coreerrors.NewContractError(p.Scope().String()+" payload from "+src.Kind.String()+" source", coreerrors.ErrScopeMismatch).
			WithSource(src.String()).
			WithPayloadKind(p.Kind())
	}
	return nil
}
