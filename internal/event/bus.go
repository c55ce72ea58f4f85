package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// Handler is a function that handles an envelope.
type Handler func(Envelope)

// BufferPolicy is a subscriber's backpressure policy.
type BufferPolicy uint8

const (
	// Unbounded never drops. Use it for consumers that must see every event.
	Unbounded BufferPolicy = iota
	// DropOldest keeps at most a fixed number of undelivered envelopes and
	// discards the oldest when a new one arrives. Use it for best-effort
	// consumers such as diagnostics.
	DropOldest
)

// String returns the policy name.
func (p BufferPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "unbounded"
}

type subscribeConfig struct {
	policy   BufferPolicy
	capacity int
	name     string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithDropOldest bounds the subscriber's queue to capacity envelopes.
// A capacity below 1 is treated as 1.
func WithDropOldest(capacity int) SubscribeOption {
	return func(c *subscribeConfig) {
		if capacity < 1 {
			capacity = 1
		}
		c.policy = DropOldest
		c.capacity = capacity
	}
}

// WithName labels the subscription in logs and diagnostics.
func WithName(name string) SubscribeOption {
	return func(c *subscribeConfig) { c.name = name }
}

// Subscription is one independent output stream of the bus. Each subscription
// has its own queue and delivery goroutine, so a stalled consumer only ever
// affects itself.
type Subscription struct {
	id       string
	name     string
	policy   BufferPolicy
	capacity int

	mu     sync.Mutex
	queue  []Envelope
	closed bool

	notify    chan struct{}
	out       chan Envelope
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	bus *Bus
}

// ID returns the subscription id used by Bus.Unsubscribe.
func (s *Subscription) ID() string { return s.id }

// Name returns the label given with WithName, or the id.
func (s *Subscription) Name() string { return s.name }

// Policy returns the subscription's buffer policy.
func (s *Subscription) Policy() BufferPolicy { return s.policy }

// C returns the delivery channel. It is closed after the subscription is torn
// down.
func (s *Subscription) C() <-chan Envelope { return s.out }

// Dropped returns how many envelopes the drop-oldest policy discarded.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Pending returns the number of envelopes queued but not yet delivered.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close tears the subscription down. Delivery stops immediately; envelopes
// still queued are discarded. Close is idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.bus != nil {
			s.bus.remove(s.id)
		}
	})
}

// push enqueues env and reports whether an older envelope was dropped.
func (s *Subscription) push(env Envelope) (dropped bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.policy == DropOldest && len(s.queue) >= s.capacity {
		s.queue[0] = Envelope{}
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		dropped = true
	}
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) pop() (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Envelope{}, false
	}
	env := s.queue[0]
	s.queue[0] = Envelope{}
	s.queue = s.queue[1:]
	return env, true
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		env, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

// Bus fans every posted envelope out to every current subscription. It does
// no filtering, transformation or classification.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	nextID atomic.Uint64

	logger   *logging.Logger
	counters *diag.Counters
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *logging.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCounters reports drop-oldest discards to c.
func WithCounters(c *diag.Counters) Option {
	return func(b *Bus) { b.counters = c }
}

// NewBus creates a new event bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]*Subscription),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("bus")
	return b
}

// Subscribe registers a new independent stream and returns immediately. The
// default policy is Unbounded. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	cfg := subscribeConfig{policy: Unbounded}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	if cfg.name == "" {
		cfg.name = id
	}
	s := &Subscription{
		id:       id,
		name:     cfg.name,
		policy:   cfg.policy,
		capacity: cfg.capacity,
		notify:   make(chan struct{}, 1),
		out:      make(chan Envelope),
		done:     make(chan struct{}),
		bus:      b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.bus = nil
		go s.run()
		s.Close()
		return s
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run()
	b.logger.Debug("subscribed", "subscriber", s.name, "policy", s.policy.String())
	return s
}

// SubscribeFunc subscribes and drains the stream into handler on a dedicated
// goroutine. A panicking handler is logged and recovered; delivery continues.
func (b *Bus) SubscribeFunc(handler Handler, opts ...SubscribeOption) *Subscription {
	s := b.Subscribe(opts...)
	go func() {
		for env := range s.C() {
			b.safeCall(s, handler, env)
		}
	}()
	return s
}

func (b *Bus) safeCall(s *Subscription, handler Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panicked",
				"subscriber", s.name,
				"kind", env.Kind(),
				"source", env.Source.String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	handler(env)
}

// Post delivers env to every current subscriber. It never blocks on a
// subscriber: each subscription's own policy absorbs backpressure. Post on a
// closed bus is a no-op.
func (b *Bus) Post(env Envelope) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.push(env) {
			b.counters.Inc(diag.BusDropped, attribute.String("subscriber", s.name))
		}
	}
}

// Unsubscribe tears down the subscription with the given id. It returns true
// if a subscription was removed. Calling it again is harmless.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.RLock()
	s, ok := b.subs[id]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	s.Close()
	return true
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.logger.Debug("unsubscribed", "subscriber", s.name, "dropped", s.Dropped())
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close tears down every subscription. Later posts are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
