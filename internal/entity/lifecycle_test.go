package entity

import (
	"errors"
	"testing"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateCreated, "created"},
		{StateReady, "ready"},
		{StateDraining, "draining"},
		{StateTerminated, "terminated"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_Predicates(t *testing.T) {
	tests := []struct {
		state    State
		accepts  bool
		emits    bool
		hasNext  bool
		nextWant State
	}{
		{StateCreated, false, false, true, StateReady},
		{StateReady, true, true, true, StateDraining},
		{StateDraining, false, true, true, StateTerminated},
		{StateTerminated, false, false, false, StateTerminated},
	}
	for _, tt := range tests {
		if got := tt.state.AcceptsCommands(); got != tt.accepts {
			t.Errorf("%s.AcceptsCommands() = %v, want %v", tt.state, got, tt.accepts)
		}
		if got := tt.state.EmitsEvents(); got != tt.emits {
			t.Errorf("%s.EmitsEvents() = %v, want %v", tt.state, got, tt.emits)
		}
		next, ok := tt.state.Next()
		if ok != tt.hasNext || next != tt.nextWant {
			t.Errorf("%s.Next() = %s, %v; want %s, %v", tt.state, next, ok, tt.nextWant, tt.hasNext)
		}
	}
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	l := NewLifecycle("pane-1")

	for _, to := range []State{StateReady, StateDraining, StateTerminated} {
		from, err := l.Advance(to)
		if err != nil {
			t.Fatalf("Advance(%s) error = %v", to, err)
		}
		if next, _ := from.Next(); next != to {
			t.Errorf("Advance(%s) returned from=%s", to, from)
		}
	}

	_, err := l.Advance(StateReady)
	if !errors.Is(err, coreerrors.ErrInvalidTransition) {
		t.Errorf("Advance after terminated error = %v, want ErrInvalidTransition", err)
	}
	if l.State() != StateTerminated {
		t.Errorf("State() = %s, want terminated", l.State())
	}
}

func TestLifecycle_RejectsSkipsAndRepeats(t *testing.T) {
	tests := []struct {
		name  string
		setup []State
		to    State
	}{
		{"skip ready", nil, StateDraining},
		{"skip to terminated", nil, StateTerminated},
		{"repeat ready", []State{StateReady}, StateReady},
		{"backwards", []State{StateReady, StateDraining}, StateReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLifecycle("x")
			for _, s := range tt.setup {
				if _, err := l.Advance(s); err != nil {
					t.Fatalf("setup Advance(%s) error = %v", s, err)
				}
			}
			before := l.State()
			_, err := l.Advance(tt.to)
			if err == nil {
				t.Fatal("Advance() should fail")
			}
			var ee *coreerrors.EntityError
			if !errors.As(err, &ee) || ee.EntityID != "x" || ee.State != before.String() {
				t.Errorf("Advance() error = %#v", err)
			}
			if l.State() != before {
				t.Errorf("State() changed to %s after rejected transition", l.State())
			}
		})
	}
}
