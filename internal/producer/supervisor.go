package producer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/panecore/internal/diag"
	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// AlertSource is the system source the supervisor reports escalations from.
var AlertSource = event.SystemSource("producer")

// RetryPolicy controls how failed producers are restarted.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxTries bounds the number of Run attempts. Zero retries forever.
	MaxTries uint
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxTries:        5,
	}
}

// NewBackOff returns a fresh exponential backoff following the policy.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRetryPolicy sets the restart policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Supervisor) { s.policy = p }
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCounters records retries and escalations.
func WithCounters(c *diag.Counters) Option {
	return func(s *Supervisor) { s.counters = c }
}

// Supervisor runs a fixed set of producers until its context is canceled.
type Supervisor struct {
	provider EmitterProvider
	policy   RetryPolicy
	logger   *logging.Logger
	counters *diag.Counters

	mu        sync.Mutex
	producers []Producer
	running   bool
}

// NewSupervisor creates a Supervisor that obtains emitters from provider.
func NewSupervisor(provider EmitterProvider, opts ...Option) *Supervisor {
	s := &Supervisor{
		provider: provider,
		policy:   DefaultRetryPolicy(),
		logger:   logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("producer")
	return s
}

// Add registers p. Producers must be added before Run.
func (s *Supervisor) Add(p Producer) error {
	if p == nil || p.Name() == "" {
		return coreerrors.NewValidationError("producer needs a name").WithField("name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return coreerrors.Wrapf(coreerrors.ErrClosed, "supervisor already running, cannot add %s", p.Name())
	}
	for _, existing := range s.producers {
		if existing.Name() == p.Name() {
			return coreerrors.NewAlreadyExistsError("producer", p.Name())
		}
	}
	s.producers = append(s.producers, p)
	return nil
}

// Names lists registered producers in the order they were added.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.producers))
	for i, p := range s.producers {
		names[i] = p.Name()
	}
	return names
}

// Run starts every producer and blocks until ctx is canceled and all of them
// have returned. A producer that escalates stops on its own; the others keep
// running.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return coreerrors.Wrap(coreerrors.ErrClosed, "supervisor already running")
	}
	s.running = true
	producers := append([]Producer(nil), s.producers...)
	s.mu.Unlock()

	alerts, err := s.provider.Emitter(AlertSource)
	if err != nil {
		return coreerrors.Wrap(err, "failed to acquire producer alert emitter")
	}
	defer alerts.Close()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		g.Go(func() error {
			s.supervise(gctx, p, alerts)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, p Producer, alerts *event.Emitter) {
	log := s.logger.With("producer", p.Name())
	attr := attribute.String("producer", p.Name())

	em, err := s.provider.Emitter(p.Source())
	if err != nil {
		s.escalate(alerts, p, err, log)
		return
	}
	defer em.Close()

	log.Info("producer started", "source", p.Source().String())

	attempts := uint(0)
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := p.Run(ctx, em)
		if err == nil || ctx.Err() != nil {
			return struct{}{}, nil
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(s.policy.NewBackOff()),
		backoff.WithMaxTries(s.policy.MaxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.counters.Inc(diag.ProducerRetries, attr)
			log.Warn("producer failed, restarting",
				"error", err.Error(),
				"backoff", next.String())
		}),
	)

	if err == nil || ctx.Err() != nil {
		log.Info("producer stopped", "attempts", attempts)
		return
	}
	s.escalate(alerts, p, err, log)
}

// escalate reports a producer that will not be restarted.
func (s *Supervisor) escalate(alerts *event.Emitter, p Producer, err error, log *logging.Logger) {
	s.counters.Inc(diag.ProducerEscalations, attribute.String("producer", p.Name()))
	log.Error("producer escalated", "error", err.Error())

	if _, emitErr := alerts.Emit(event.ErrorRaised{
		Component: "producer/" + p.Name(),
		Message:   err.Error(),
		Fatal:     true,
	}); emitErr != nil {
		log.Warn("failed to post producer escalation", "error", emitErr.Error())
	}
}
