// Package producer runs domain boundary producers: the goroutines that turn
// external activity (filesystem changes, remote forge state, plugin output)
// into events.
//
// Each producer owns its transport and batching and writes through its own
// emitter, so the core never absorbs domain logic. A Supervisor keeps
// producers running, retrying transient failures with exponential backoff and
// escalating the rest as a single ErrorRaised event.
package producer

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/Iron-Ham/panecore/internal/event"
)

// Producer turns one external transport into events.
//
// Run blocks until ctx is done or the transport fails. Returning nil (or any
// error once ctx is done) is a clean exit. Other errors are treated as
// transient and Run is called again after a backoff, with the same emitter,
// unless the error is wrapped with Permanent.
type Producer interface {
	Name() string
	Source() event.Source
	Run(ctx context.Context, em *event.Emitter) error
}

// EmitterProvider hands out the single emitter for a source.
type EmitterProvider interface {
	Emitter(src event.Source) (*event.Emitter, error)
}

// Func adapts a function to Producer.
type Func struct {
	ProducerName string
	Src          event.Source
	Fn           func(ctx context.Context, em *event.Emitter) error
}

// Name returns ProducerName.
func (f Func) Name() string { return f.ProducerName }

// Source returns Src.
func (f Func) Source() event.Source { return f.Src }

// Run calls Fn.
func (f Func) Run(ctx context.Context, em *event.Emitter) error { return f.Fn(ctx, em) }

// Permanent marks err as not worth retrying. The supervisor escalates it
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
