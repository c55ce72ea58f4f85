package producer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/panecore/internal/diag"
	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
)

// testProvider hands out one emitter per source, all posting to one log.
type testProvider struct {
	mu    sync.Mutex
	inUse map[event.Source]bool
	envs  []event.Envelope
}

func newTestProvider() *testProvider {
	return &testProvider{inUse: make(map[event.Source]bool)}
}

func (tp *testProvider) Emitter(src event.Source) (*event.Emitter, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.inUse[src] {
		return nil, coreerrors.Wrapf(coreerrors.ErrSourceInUse, "%s", src)
	}
	tp.inUse[src] = true
	em := event.NewEmitter(src, event.SinkFunc(func(env event.Envelope) {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		tp.envs = append(tp.envs, env)
	}))
	em.OnClose(func() {
		tp.mu.Lock()
		defer tp.mu.Unlock()
		delete(tp.inUse, src)
	})
	return em, nil
}

func (tp *testProvider) errorsRaised() []event.ErrorRaised {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []event.ErrorRaised
	for _, env := range tp.envs {
		if p, ok := env.Payload.(event.ErrorRaised); ok {
			out = append(out, p)
		}
	}
	return out
}

func (tp *testProvider) from(src event.Source) []event.Envelope {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	var out []event.Envelope
	for _, env := range tp.envs {
		if env.Source == src {
			out = append(out, env)
		}
	}
	return out
}

func fastPolicy(tries uint) RetryPolicy {
	return RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxTries: tries}
}

// runUntilDone runs the supervisor and waits for it to return on its own.
func runUntilDone(t *testing.T, s *Supervisor) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not finish")
	}
}

func TestSupervisor_RetriesTransientFailures(t *testing.T) {
	tp := newTestProvider()
	counters := diag.New(nil)
	s := NewSupervisor(tp, WithRetryPolicy(fastPolicy(5)), WithCounters(counters))

	var calls atomic.Int32
	_ = s.Add(Func{ProducerName: "flaky", Src: event.GroupSource("flaky"),
		Fn: func(context.Context, *event.Emitter) error {
			if calls.Add(1) <= 2 {
				return errors.New("connection reset")
			}
			return nil
		}})
	runUntilDone(t, s)

	if calls.Load() != 3 {
		t.Errorf("Run called %d times, want 3", calls.Load())
	}
	if got := counters.Get(diag.ProducerRetries); got != 2 {
		t.Errorf("producer.retries = %d, want 2", got)
	}
	if errs := tp.errorsRaised(); len(errs) != 0 {
		t.Errorf("ErrorRaised = %v, want none", errs)
	}
}

func TestSupervisor_EscalatesExhaustedRetries(t *testing.T) {
	tp := newTestProvider()
	counters := diag.New(nil)
	s := NewSupervisor(tp, WithRetryPolicy(fastPolicy(3)), WithCounters(counters))

	var calls atomic.Int32
	_ = s.Add(Func{ProducerName: "broken", Src: event.GroupSource("broken"),
		Fn: func(context.Context, *event.Emitter) error {
			calls.Add(1)
			return errors.New("still down")
		}})
	runUntilDone(t, s)

	if calls.Load() != 3 {
		t.Errorf("Run called %d times, want 3", calls.Load())
	}
	errs := tp.errorsRaised()
	if len(errs) != 1 {
		t.Fatalf("ErrorRaised count = %d, want exactly 1", len(errs))
	}
	if errs[0].Component != "producer/broken" || errs[0].Message != "still down" || !errs[0].Fatal {
		t.Errorf("ErrorRaised = %+v", errs[0])
	}
	if got := counters.Get(diag.ProducerEscalations); got != 1 {
		t.Errorf("producer.escalations = %d, want 1", got)
	}
	if alerts := tp.from(AlertSource); len(alerts) != 1 || alerts[0].Seq != 1 {
		t.Errorf("alerts = %v, want one envelope from %s", alerts, AlertSource)
	}
}

func TestSupervisor_PermanentErrorIsNotRetried(t *testing.T) {
	tp := newTestProvider()
	s := NewSupervisor(tp, WithRetryPolicy(fastPolicy(10)))

	var calls atomic.Int32
	_ = s.Add(Func{ProducerName: "misconfigured", Src: event.GroupSource("m"),
		Fn: func(context.Context, *event.Emitter) error {
			calls.Add(1)
			return Permanent(errors.New("bad root"))
		}})
	runUntilDone(t, s)

	if calls.Load() != 1 {
		t.Errorf("Run called %d times, want 1", calls.Load())
	}
	if errs := tp.errorsRaised(); len(errs) != 1 || errs[0].Message != "bad root" {
		t.Errorf("ErrorRaised = %v", errs)
	}
}

func TestSupervisor_CancellationIsClean(t *testing.T) {
	tp := newTestProvider()
	s := NewSupervisor(tp, WithRetryPolicy(fastPolicy(3)))

	src := event.GroupSource("ticker")
	started := make(chan struct{})
	_ = s.Add(Func{ProducerName: "ticker", Src: src,
		Fn: func(ctx context.Context, em *event.Emitter) error {
			if _, err := em.Emit(event.ForgeStatus{Repo: "r", Ref: "main", Revision: "a"}); err != nil {
				return err
			}
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if envs := tp.from(src); len(envs) != 1 {
		t.Errorf("envelopes from %s = %d, want 1", src, len(envs))
	}
	if errs := tp.errorsRaised(); len(errs) != 0 {
		t.Errorf("cancellation escalated: %v", errs)
	}
	// The emitter was released.
	if em, err := tp.Emitter(src); err != nil {
		t.Errorf("source still held after Run returned: %v", err)
	} else {
		em.Close()
	}
}

func TestSupervisor_SourceInUseEscalates(t *testing.T) {
	tp := newTestProvider()
	held, _ := tp.Emitter(event.GroupSource("shared"))
	defer held.Close()

	s := NewSupervisor(tp, WithRetryPolicy(fastPolicy(3)))
	_ = s.Add(Func{ProducerName: "late", Src: event.GroupSource("shared"),
		Fn: func(context.Context, *event.Emitter) error { return nil }})
	runUntilDone(t, s)

	errs := tp.errorsRaised()
	if len(errs) != 1 || errs[0].Component != "producer/late" {
		t.Errorf("ErrorRaised = %v, want one for producer/late", errs)
	}
}

func TestSupervisor_Add(t *testing.T) {
	s := NewSupervisor(newTestProvider())
	p := Func{ProducerName: "a", Src: event.GroupSource("a"), Fn: func(context.Context, *event.Emitter) error { return nil }}

	if err := s.Add(p); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	var ae *coreerrors.AlreadyExistsError
	if err := s.Add(p); !errors.As(err, &ae) {
		t.Errorf("duplicate Add() error = %v, want AlreadyExistsError", err)
	}
	if err := s.Add(Func{}); !errors.Is(err, coreerrors.ErrInvalidInput) {
		t.Errorf("Add(unnamed) error = %v, want ErrInvalidInput", err)
	}
	if names := s.Names(); len(names) != 1 || names[0] != "a" {
		t.Errorf("Names() = %v", names)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("boom")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Error("IsPermanent(Permanent(err)) = false")
	}
	if !errors.Is(err, base) {
		t.Error("Permanent should wrap the original error")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent(plain error) = true")
	}
}
