// Package dispatch routes commands to entities and bounds how long a caller
// waits for the answer.
//
// Dispatch is the only blocking call on the core's public surface. Command
// failures are returned to the caller, logged and counted; they are never
// posted to the event bus.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/panecore/internal/command"
	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/entity"
	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// DefaultTimeout bounds a dispatch when no other timeout is configured.
const DefaultTimeout = 5 * time.Second

// Resolver finds live entities by id. *entity.Registry implements it.
type Resolver interface {
	Lookup(id string) (entity.Entity, bool)
}

// Dispatcher delivers commands to entities.
type Dispatcher struct {
	resolver Resolver
	timeout  time.Duration
	logger   *logging.Logger
	counters *diag.Counters
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-dispatch timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *logging.Logger) Option {
	return func(disp *Dispatcher) {
		if l != nil {
			disp.logger = l
		}
	}
}

// WithCounters counts rejected commands by reason.
func WithCounters(c *diag.Counters) Option {
	return func(disp *Dispatcher) { disp.counters = c }
}

// New creates a Dispatcher.
func New(resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		timeout:  DefaultTimeout,
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("dispatch")
	return d
}

// Timeout returns the per-dispatch timeout.
func (d *Dispatcher) Timeout() time.Duration { return d.timeout }

// Dispatch sends cmd to the entity with entityID and waits for its answer, at
// most until ctx is done or the dispatcher's timeout elapses.
func (d *Dispatcher) Dispatch(ctx context.Context, entityID string, cmd command.Command) command.Result {
	if cmd.ID == uuid.Nil {
		err := coreerrors.NewCommandError("command has no id", coreerrors.ErrInvalidPayload).
			WithKind(string(cmd.Kind()))
		return d.reject(entityID, cmd, command.Failure(uuid.Nil, command.ReasonInvalidPayload, err))
	}

	e, ok := d.resolver.Lookup(entityID)
	if !ok {
		err := coreerrors.NewNotFoundError("entity", entityID).WithCause(coreerrors.ErrEntityNotFound)
		return d.reject(entityID, cmd, command.Failure(cmd.ID, command.ReasonNotFound, err))
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan command.Result, 1)
	go func() {
		done <- e.HandleCommand(ctx, cmd)
	}()

	var res command.Result
	select {
	case res = <-done:
	case <-ctx.Done():
		err := coreerrors.NewTimeoutError("dispatch "+string(cmd.Kind())+" to "+entityID, d.timeout).
			WithCause(ctx.Err())
		res = command.Failure(cmd.ID, command.ReasonTimeout, err)
	}

	if !res.OK() {
		return d.reject(entityID, cmd, res)
	}
	d.logger.Debug("command dispatched",
		"entity_id", entityID,
		"command_id", cmd.ID.String(),
		"kind", string(cmd.Kind()),
		"result", res.String())
	return res
}

func (d *Dispatcher) reject(entityID string, cmd command.Command, res command.Result) command.Result {
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	d.logger.Warn("command rejected",
		"entity_id", entityID,
		"command_id", cmd.ID.String(),
		"kind", string(cmd.Kind()),
		"reason", string(res.Reason),
		"error", errText)
	d.counters.Inc(diag.DispatchRejected, attribute.String("reason", string(res.Reason)))
	return res
}
