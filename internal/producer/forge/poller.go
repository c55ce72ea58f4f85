// Package forge is the network boundary producer for remote repositories. It
// polls the refs it is asked to follow on a cron schedule and posts a
// ForgeStatus event whenever one of them moves.
package forge

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer"
)

// Defaults for Config fields left zero.
const (
	DefaultSchedule   = "@every 30s"
	DefaultRateLimit  = 1.0
	DefaultBurst      = 1
	DefaultFetchTries = 3
)

// Source is the group source every forge poller posts from.
var Source = event.GroupSource("forge")

// Target is one remote ref to follow.
type Target struct {
	Repo string
	Ref  string
}

func (t Target) String() string { return t.Repo + "@" + t.Ref }

// Fetcher resolves the revision a remote ref points to.
type Fetcher interface {
	Fetch(ctx context.Context, repo, ref string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, repo, ref string) (string, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, repo, ref string) (string, error) {
	return f(ctx, repo, ref)
}

// Config configures a Poller.
type Config struct {
	Targets []Target
	// Schedule is a standard cron expression or descriptor such as "@every 1m".
	Schedule string
	// RateLimit is the maximum number of fetches per second, across targets.
	RateLimit float64
	Burst     int
	// FetchTries bounds attempts per fetch.
	FetchTries uint
	// RetryPolicy shapes the backoff between fetch attempts.
	RetryPolicy producer.RetryPolicy
}

// Poller follows remote refs.
type Poller struct {
	targets    []Target
	spec       string
	schedule   cron.Schedule
	limiter    *rate.Limiter
	fetcher    Fetcher
	fetchTries uint
	policy     producer.RetryPolicy
	logger     *logging.Logger

	mu   sync.Mutex
	last map[Target]string
}

// Option configures a Poller.
type Option func(*Poller)

// WithFetcher replaces the default git fetcher.
func WithFetcher(f Fetcher) Option {
	return func(p *Poller) {
		if f != nil {
			p.fetcher = f
		}
	}
}

// WithLogger sets the poller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// New validates cfg and creates a Poller.
func New(cfg Config, opts ...Option) (*Poller, error) {
	if len(cfg.Targets) == 0 {
		return nil, coreerrors.NewValidationError("at least one forge target is required").WithField("targets")
	}
	for _, t := range cfg.Targets {
		if t.Repo == "" || t.Ref == "" {
			return nil, coreerrors.NewValidationError("forge target needs repo and ref").
				WithField("targets").
				WithValue(t.String())
		}
	}

	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, coreerrors.NewValidationError("invalid forge schedule").
			WithField("schedule").
			WithValue(spec).
			WithCause(err)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	tries := cfg.FetchTries
	if tries == 0 {
		tries = DefaultFetchTries
	}
	policy := cfg.RetryPolicy
	if policy.InitialInterval <= 0 {
		policy = producer.DefaultRetryPolicy()
	}

	p := &Poller{
		targets:    append([]Target(nil), cfg.Targets...),
		spec:       spec,
		schedule:   schedule,
		limiter:    rate.NewLimiter(rate.Limit(limit), burst),
		fetcher:    &GitFetcher{},
		fetchTries: tries,
		policy:     policy,
		logger:     logging.NopLogger(),
		last:       make(map[Target]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("forge")
	return p, nil
}

// Name identifies the producer.
func (p *Poller) Name() string { return "forge" }

// Source returns the forge group source.
func (p *Poller) Source() event.Source { return Source }

// Targets returns the followed refs.
func (p *Poller) Targets() []Target { return append([]Target(nil), p.targets...) }

// Run polls once immediately and then on every scheduled tick until ctx is
// done. Ticks that arrive while a poll is running are skipped.
func (p *Poller) Run(ctx context.Context, em *event.Emitter) error {
	ticks := make(chan struct{}, 1)
	c := cron.New()
	c.Schedule(p.schedule, cron.FuncJob(func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}))
	c.Start()
	defer c.Stop()

	p.logger.Info("polling", "schedule", p.spec, "targets", len(p.targets))

	for {
		if err := p.Poll(ctx, em); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
		}
	}
}

// Poll fetches every target once, in order, and posts a ForgeStatus for each
// revision that differs from the last one seen. Fetch failures are logged
// and skipped; only emit failures and cancellation end the poll early.
func (p *Poller) Poll(ctx context.Context, em *event.Emitter) error {
	for _, t := range p.targets {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		rev, err := backoff.Retry(ctx, func() (string, error) {
			return p.fetcher.Fetch(ctx, t.Repo, t.Ref)
		},
			backoff.WithBackOff(p.policy.NewBackOff()),
			backoff.WithMaxTries(p.fetchTries),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("fetch failed", "target", t.String(), "error", err.Error())
			continue
		}

		if !p.observe(t, rev) {
			continue
		}
		if _, err := em.Emit(event.ForgeStatus{Repo: t.Repo, Ref: t.Ref, Revision: rev}); err != nil {
			return producer.Permanent(err)
		}
		p.logger.Debug("ref moved", "target", t.String(), "revision", rev)
	}
	return nil
}

// observe records rev for t and reports whether it changed.
func (p *Poller) observe(t Target, rev string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[t] == rev {
		return false
	}
	p.last[t] = rev
	return true
}

// Revisions returns the last revision seen per target, keyed by repo@ref.
func (p *Poller) Revisions() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.last))
	for t, rev := range p.last {
		out[t.String()] = rev
	}
	return out
}

// NextPoll returns when the schedule fires next after from.
func (p *Poller) NextPoll(from time.Time) time.Time { return p.schedule.Next(from) }
