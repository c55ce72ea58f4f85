package entity

import (
	"sync"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// State represents the lifecycle state of an entity.
type State int

const (
	// StateCreated indicates the entity exists but does not accept commands yet.
	StateCreated State = iota

	// StateReady indicates the entity accepts commands and emits events.
	StateReady

	// StateDraining indicates the entity is finishing in-flight work and
	// rejects new commands.
	StateDraining

	// StateTerminated indicates the entity is gone. It never leaves this state.
	StateTerminated
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Next returns the only state s may advance to, and false for terminated.
func (s State) Next() (State, bool) {
	if s >= StateTerminated || s < StateCreated {
		return s, false
	}
	return s + 1, true
}

// AcceptsCommands reports whether an entity in s handles new commands.
func (s State) AcceptsCommands() bool { return s == StateReady }

// EmitsEvents reports whether an entity in s may produce domain events.
func (s State) EmitsEvents() bool { return s == StateReady || s == StateDraining }

// Lifecycle is a forward-only state machine. It is safe for concurrent use,
// but only the owning entity should call Advance.
type Lifecycle struct {
	mu    sync.RWMutex
	id    string
	state State
}

// NewLifecycle returns a lifecycle in StateCreated for entity id.
func NewLifecycle(id string) *Lifecycle {
	return &Lifecycle{id: id}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Advance moves to to, which must be exactly the next state. It returns the
// previous state.
func (l *Lifecycle) Advance(to State) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := l.state
	next, ok := from.Next()
	if !ok || next != to {
		return from, coreerrors.NewEntityError("cannot move from "+from.String()+" to "+to.String(), coreerrors.ErrInvalidTransition).
			WithEntityID(l.id).
			WithState(from.String())
	}
	l.state = to
	return from, nil
}
