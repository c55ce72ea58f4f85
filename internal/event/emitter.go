package event

import (
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// Sink receives finished envelopes. Post must not block on slow consumers.
type Sink interface {
	Post(env Envelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Envelope)

// Post calls f(env).
func (f SinkFunc) Post(env Envelope) { f(env) }

// EmitOption sets optional envelope fields.
type EmitOption func(*Envelope)

// WithCommandID links the event to the command that caused it.
func WithCommandID(id uuid.UUID) EmitOption {
	return func(e *Envelope) { e.CommandID = id }
}

// WithCorrelationID groups the event with others of the same interaction.
func WithCorrelationID(id uuid.UUID) EmitOption {
	return func(e *Envelope) { e.CorrelationID = id }
}

// Emitter is the single writer for one Source. It owns the source's sequence
// counter, stamps each envelope, and posts it to the sink while holding its
// lock, so envelopes from one source reach the sink in sequence order even
// when several goroutines of the same producer emit concurrently.
type Emitter struct {
	mu       sync.Mutex
	source   Source
	seq      uint64
	sink     Sink
	now      func() time.Time
	closed   bool
	onClose  func()
	onReject func(p Payload, err error)
}

// NewEmitter creates the emitter for src. Callers that need the one-writer
// guarantee across a process obtain emitters from the coordination hub
// instead of calling this directly.
func NewEmitter(src Source, sink Sink) *Emitter {
	return &Emitter{source: src, sink: sink, now: time.Now}
}

// OnClose registers fn to run once when the emitter is closed.
func (e *Emitter) OnClose(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// OnReject registers fn to run for every payload Emit rejects as a contract
// violation. It is called without the emitter's lock held.
func (e *Emitter) OnReject(fn func(p Payload, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onReject = fn
}

// Source returns the source this emitter writes for.
func (e *Emitter) Source() Source { return e.source }

// Seq returns the last sequence number handed out (0 before the first emit).
func (e *Emitter) Seq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Emit validates p against the source, assigns the next sequence number and
// posts the envelope. A rejected payload does not consume a sequence number
// and is reported to the OnReject hook.
func (e *Emitter) Emit(p Payload, opts ...EmitOption) (Envelope, error) {
	if err := ValidatePayload(e.source, p); err != nil {
		e.mu.Lock()
		fn := e.onReject
		e.mu.Unlock()
		if fn != nil {
			fn(p, err)
		}
		return Envelope{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return Envelope{}, coreerrors.Wrapf(coreerrors.ErrClosed, "emitter %s", e.source)
	}

	e.seq++
	env := Envelope{
		Source:    e.source,
		Payload:   p,
		Seq:       e.seq,
		Timestamp: e.now(),
	}
	for _, opt := range opts {
		opt(&env)
	}
	// Options may not override identity or ordering.
	env.Source, env.Seq, env.Epoch = e.source, e.seq, 0

	e.sink.Post(env)
	return env, nil
}

// Close stops the emitter. Later Emit calls fail with ErrClosed.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	fn := e.onClose
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
