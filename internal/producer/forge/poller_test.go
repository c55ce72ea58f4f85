package forge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/producer"
)

// scriptedFetcher returns queued answers per target, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	answers map[string][]answer
	calls   map[string]int
}

type answer struct {
	rev string
	err error
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{answers: make(map[string][]answer), calls: make(map[string]int)}
}

func (f *scriptedFetcher) script(target string, answers ...answer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[target] = append(f.answers[target], answers...)
}

func (f *scriptedFetcher) Fetch(_ context.Context, repo, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repo + "@" + ref
	f.calls[key]++
	queue := f.answers[key]
	if len(queue) == 0 {
		return "", errors.New("no answer scripted")
	}
	a := queue[0]
	if len(queue) > 1 {
		f.answers[key] = queue[1:]
	}
	return a.rev, a.err
}

func (f *scriptedFetcher) callCount(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[target]
}

type collector struct {
	mu   sync.Mutex
	envs []event.Envelope
	ch   chan event.Envelope
}

func newCollector() *collector { return &collector{ch: make(chan event.Envelope, 64)} }

func (c *collector) Post(env event.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
	c.ch <- env
}

func (c *collector) statuses() []event.ForgeStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.ForgeStatus
	for _, env := range c.envs {
		out = append(out, env.Payload.(event.ForgeStatus))
	}
	return out
}

func fastConfig(targets ...Target) Config {
	return Config{
		Targets:     targets,
		RateLimit:   1000,
		Burst:       10,
		FetchTries:  3,
		RetryPolicy: producer.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no targets", Config{}},
		{"missing ref", Config{Targets: []Target{{Repo: "origin"}}}},
		{"bad schedule", Config{Targets: []Target{{Repo: "origin", Ref: "main"}}, Schedule: "every now and then"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); !errors.Is(err, coreerrors.ErrInvalidInput) {
				t.Errorf("New() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	p, err := New(Config{Targets: []Target{{Repo: "origin", Ref: "main"}}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.spec != DefaultSchedule || p.fetchTries != DefaultFetchTries {
		t.Errorf("defaults = %q/%d", p.spec, p.fetchTries)
	}
	if _, ok := p.fetcher.(*GitFetcher); !ok {
		t.Errorf("default fetcher = %T, want *GitFetcher", p.fetcher)
	}
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if next := p.NextPoll(from); next.Sub(from) != 30*time.Second {
		t.Errorf("NextPoll() = %v after start, want 30s", next.Sub(from))
	}
}

func TestPoller_PostsOnlyOnChange(t *testing.T) {
	main := Target{Repo: "git@example.com:app.git", Ref: "main"}
	fetcher := newScriptedFetcher()
	fetcher.script(main.String(),
		answer{rev: "aaa"}, answer{rev: "aaa"}, answer{rev: "bbb"}, answer{rev: "bbb"})

	p, err := New(fastConfig(main), WithFetcher(fetcher))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sink := newCollector()
	em := event.NewEmitter(p.Source(), sink)

	for i := 0; i < 4; i++ {
		if err := p.Poll(context.Background(), em); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
	}

	got := sink.statuses()
	if len(got) != 2 || got[0].Revision != "aaa" || got[1].Revision != "bbb" {
		t.Fatalf("statuses = %+v, want aaa then bbb", got)
	}
	if got[0].Repo != main.Repo || got[0].Ref != "main" {
		t.Errorf("status = %+v", got[0])
	}
	if rev := p.Revisions()[main.String()]; rev != "bbb" {
		t.Errorf("Revisions() = %v", p.Revisions())
	}
}

func TestPoller_RetriesFetch(t *testing.T) {
	main := Target{Repo: "origin", Ref: "main"}
	fetcher := newScriptedFetcher()
	fetcher.script(main.String(),
		answer{err: errors.New("timeout")}, answer{err: errors.New("timeout")}, answer{rev: "ccc"})

	p, _ := New(fastConfig(main), WithFetcher(fetcher))
	sink := newCollector()
	if err := p.Poll(context.Background(), event.NewEmitter(p.Source(), sink)); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if n := fetcher.callCount(main.String()); n != 3 {
		t.Errorf("fetch calls = %d, want 3", n)
	}
	if got := sink.statuses(); len(got) != 1 || got[0].Revision != "ccc" {
		t.Errorf("statuses = %+v", got)
	}
}

func TestPoller_FailedTargetDoesNotBlockOthers(t *testing.T) {
	broken := Target{Repo: "broken", Ref: "main"}
	healthy := Target{Repo: "healthy", Ref: "main"}
	fetcher := newScriptedFetcher()
	fetcher.script(broken.String(), answer{err: errors.New("unreachable")})
	fetcher.script(healthy.String(), answer{rev: "ddd"})

	p, _ := New(fastConfig(broken, healthy), WithFetcher(fetcher))
	sink := newCollector()
	if err := p.Poll(context.Background(), event.NewEmitter(p.Source(), sink)); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if n := fetcher.callCount(broken.String()); n != 3 {
		t.Errorf("broken fetch calls = %d, want 3 (FetchTries)", n)
	}
	if got := sink.statuses(); len(got) != 1 || got[0].Repo != "healthy" {
		t.Errorf("statuses = %+v, want only healthy", got)
	}
}

func TestPoller_RunPollsImmediatelyAndStops(t *testing.T) {
	main := Target{Repo: "origin", Ref: "main"}
	fetcher := newScriptedFetcher()
	fetcher.script(main.String(), answer{rev: "eee"})

	cfg := fastConfig(main)
	cfg.Schedule = "@every 1h"
	p, _ := New(cfg, WithFetcher(fetcher))
	sink := newCollector()
	em := event.NewEmitter(p.Source(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, em) }()

	select {
	case env := <-sink.ch:
		if env.Source != Source || env.Seq != 1 {
			t.Errorf("envelope = %v seq %d", env.Source, env.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not poll immediately")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestPoller_ClosedEmitterIsPermanent(t *testing.T) {
	main := Target{Repo: "origin", Ref: "main"}
	fetcher := newScriptedFetcher()
	fetcher.script(main.String(), answer{rev: "fff"})

	p, _ := New(fastConfig(main), WithFetcher(fetcher))
	em := event.NewEmitter(p.Source(), newCollector())
	em.Close()

	err := p.Poll(context.Background(), em)
	if !producer.IsPermanent(err) || !errors.Is(err, coreerrors.ErrClosed) {
		t.Errorf("Poll() error = %v, want permanent ErrClosed", err)
	}
}

func TestParseLsRemote(t *testing.T) {
	out := []byte("1111\trefs/heads/main\n" +
		"2222\trefs/heads/release\n" +
		"3333\trefs/tags/v1\n" +
		"4444\trefs/tags/v1^{}\n" +
		"5555\tHEAD\n")

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"main", "1111", false},
		{"refs/heads/release", "2222", false},
		{"v1", "4444", false},
		{"HEAD", "5555", false},
		{"unknown", "1111", false},
	}
	for _, tt := range tests {
		got, err := ParseLsRemote(out, tt.ref)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseLsRemote(%q) = %q, %v; want %q", tt.ref, got, err, tt.want)
		}
	}

	var nf *coreerrors.NotFoundError
	if _, err := ParseLsRemote(nil, "main"); !errors.As(err, &nf) || nf.ResourceID != "main" {
		t.Errorf("ParseLsRemote(empty) error = %v, want NotFoundError", err)
	}
}
