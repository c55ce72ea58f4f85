// Package scheduler splits the event stream into its two delivery disciplines.
//
// Critical envelopes are delivered as soon as they are received, ordered by
// visibility tier within one scheduling cycle. Lossy envelopes are coalesced by
// (source, consolidation key), keeping only the latest, and delivered in
// batches on a fixed cadence by a separate flusher goroutine. A slow batch
// consumer therefore never delays critical delivery, and lossy volume never
// displaces a critical event.
package scheduler

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// Defaults.
const (
	DefaultFlushInterval = 16 * time.Millisecond
	DefaultMaxLossyDepth = 4096
	DefaultLowestTier    = 3
	DefaultMaxCycle      = 256
)

// Config tunes a Scheduler.
type Config struct {
	// FlushInterval is the lossy batch cadence.
	FlushInterval time.Duration
	// MaxLossyDepth bounds the number of distinct pending lossy keys.
	MaxLossyDepth int
	// LowestTier is assigned to sources the resolver cannot place.
	LowestTier int
	// MaxCycle caps how many envelopes one scheduling cycle drains.
	MaxCycle int
}

// DefaultConfig returns a 16ms cadence, 4096 pending lossy keys, lowest tier 3
// and 256 envelopes per cycle.
func DefaultConfig() Config {
	return Config{
		FlushInterval: DefaultFlushInterval,
		MaxLossyDepth: DefaultMaxLossyDepth,
		LowestTier:    DefaultLowestTier,
		MaxCycle:      DefaultMaxCycle,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxLossyDepth <= 0 {
		c.MaxLossyDepth = d.MaxLossyDepth
	}
	if c.LowestTier < 0 {
		c.LowestTier = d.LowestTier
	}
	if c.MaxCycle <= 0 {
		c.MaxCycle = d.MaxCycle
	}
	return c
}

// Delivery is an envelope with the tier it was scheduled at.
type Delivery struct {
	Envelope event.Envelope
	Tier     int
}

// Sink consumes scheduled deliveries. Critical is called on the scheduler's
// run goroutine; Flush is called on the flusher goroutine. Neither is called
// concurrently with itself.
type Sink interface {
	Critical(d Delivery)
	Flush(batch []Delivery)
}

// SinkFuncs adapts two functions to Sink. A nil field ignores its deliveries.
type SinkFuncs struct {
	OnCritical func(Delivery)
	OnFlush    func([]Delivery)
}

// Critical calls OnCritical.
func (f SinkFuncs) Critical(d Delivery) {
	if f.OnCritical != nil {
		f.OnCritical(d)
	}
}

// Flush calls OnFlush.
func (f SinkFuncs) Flush(batch []Delivery) {
	if f.OnFlush != nil {
		f.OnFlush(batch)
	}
}

// TierResolver maps a source to its current visibility tier. 0 is the highest
// priority. ok is false when the source is unknown.
type TierResolver interface {
	ResolveTier(src event.Source) (tier int, ok bool)
}

// TierFunc adapts a function to TierResolver.
type TierFunc func(src event.Source) (int, bool)

// ResolveTier calls f(src).
func (f TierFunc) ResolveTier(src event.Source) (int, bool) { return f(src) }

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	CriticalDelivered uint64
	LossyDelivered    uint64
	Coalesced         uint64
	Dropped           uint64
	Flushes           uint64
	Pending           int
}

type lossyKey struct {
	source event.Source
	key    string
}

// Scheduler applies priority and coalescing policy between the bus and a Sink.
type Scheduler struct {
	cfg      Config
	resolver TierResolver
	sink     Sink
	logger   *logging.Logger
	counters *diag.Counters

	// mu guards the lossy buffer. It is held only to insert or to swap the
	// buffer out, never while calling the sink.
	mu      sync.Mutex
	order   *list.List // of Delivery, least recently updated first
	byKey   map[lossyKey]*list.Element
	flushMu sync.Mutex // serializes Sink.Flush

	criticalDelivered atomic.Uint64
	lossyDelivered    atomic.Uint64
	coalesced         atomic.Uint64
	dropped           atomic.Uint64
	flushes           atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCounters reports delivery, coalescing and drop counts to c.
func WithCounters(c *diag.Counters) Option {
	return func(s *Scheduler) { s.counters = c }
}

// New creates a Scheduler. A nil resolver places every source at the lowest
// tier.
func New(cfg Config, resolver TierResolver, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg.withDefaults(),
		resolver: resolver,
		sink:     sink,
		logger:   logging.NopLogger(),
		order:    list.New(),
		byKey:    make(map[lossyKey]*list.Element),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

func (s *Scheduler) tier(src event.Source) int {
	if s.resolver == nil {
		return s.cfg.LowestTier
	}
	t, ok := s.resolver.ResolveTier(src)
	if !ok || t < 0 {
		return s.cfg.LowestTier
	}
	return t
}

// Run consumes in until ctx is canceled or in is closed, then performs a final
// flush. Run must be called at most once.
func (s *Scheduler) Run(ctx context.Context, in <-chan event.Envelope) error {
	flusherCtx, stopFlusher := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.flushLoop(flusherCtx)
	}()
	defer func() {
		stopFlusher()
		wg.Wait()
		s.Flush()
	}()

	s.logger.Info("scheduler started",
		"flush_interval", s.cfg.FlushInterval.String(),
		"max_lossy_depth", s.cfg.MaxLossyDepth)

	cycle := make([]event.Envelope, 0, s.cfg.MaxCycle)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			cycle = append(cycle[:0], env)
			closed := s.drain(in, &cycle)
			s.runCycle(cycle)
			if closed {
				return nil
			}
		}
	}
}

// drain appends whatever is immediately available on in, up to MaxCycle. It
// reports whether in was closed.
func (s *Scheduler) drain(in <-chan event.Envelope, cycle *[]event.Envelope) bool {
	for len(*cycle) < s.cfg.MaxCycle {
		select {
		case env, ok := <-in:
			if !ok {
				return true
			}
			*cycle = append(*cycle, env)
		default:
			return false
		}
	}
	return false
}

func (s *Scheduler) runCycle(cycle []event.Envelope) {
	var critical []Delivery
	for _, env := range cycle {
		d := Delivery{Envelope: env, Tier: s.tier(env.Source)}
		if env.Policy().IsCritical() {
			critical = append(critical, d)
			continue
		}
		s.submitLossy(d)
	}

	sort.SliceStable(critical, func(i, j int) bool {
		return critical[i].Tier < critical[j].Tier
	})
	for _, d := range critical {
		s.sink.Critical(d)
		s.criticalDelivered.Add(1)
		s.counters.Inc(diag.CriticalDelivered)
	}
}

func (s *Scheduler) submitLossy(d Delivery) {
	k := lossyKey{source: d.Envelope.Source, key: d.Envelope.Policy().ConsolidationKey()}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.byKey[k]; ok {
		el.Value = d
		s.order.MoveToBack(el)
		s.coalesced.Add(1)
		s.counters.Inc(diag.LossyCoalesced)
		return
	}

	if s.order.Len() >= s.cfg.MaxLossyDepth {
		oldest := s.order.Front()
		od := s.order.Remove(oldest).(Delivery)
		delete(s.byKey, lossyKey{source: od.Envelope.Source, key: od.Envelope.Policy().ConsolidationKey()})
		s.dropped.Add(1)
		s.counters.Inc(diag.LossyDropped, attribute.String("source_kind", od.Envelope.Source.Kind.String()))
	}
	s.byKey[k] = s.order.PushBack(d)
}

func (s *Scheduler) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush delivers every pending lossy entry now. It returns the batch size.
// Envelopes submitted while the sink is consuming the batch are kept for the
// next flush.
func (s *Scheduler) Flush() int {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.order.Len() == 0 {
		s.mu.Unlock()
		return 0
	}
	batch := make([]Delivery, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		batch = append(batch, el.Value.(Delivery))
	}
	s.order.Init()
	s.byKey = make(map[lossyKey]*list.Element)
	s.mu.Unlock()

	SortBatch(batch)
	s.sink.Flush(batch)

	s.flushes.Add(1)
	s.lossyDelivered.Add(uint64(len(batch)))
	s.counters.Add(diag.LossyDelivered, uint64(len(batch)))
	return len(batch)
}

// SortBatch orders a flush batch by tier, then by each source's earliest
// timestamp in the batch, then by source, then by seq.
func SortBatch(batch []Delivery) {
	earliest := make(map[event.Source]time.Time, len(batch))
	for _, d := range batch {
		ts := d.Envelope.Timestamp
		if cur, ok := earliest[d.Envelope.Source]; !ok || ts.Before(cur) {
			earliest[d.Envelope.Source] = ts
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		as, bs := a.Envelope.Source, b.Envelope.Source
		if as != bs {
			ea, eb := earliest[as], earliest[bs]
			if !ea.Equal(eb) {
				return ea.Before(eb)
			}
			return as.Less(bs)
		}
		return a.Envelope.Seq < b.Envelope.Seq
	})
}

// Pending returns the number of lossy entries waiting for the next flush.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	return Stats{
		CriticalDelivered: s.criticalDelivered.Load(),
		LossyDelivered:    s.lossyDelivered.Load(),
		Coalesced:         s.coalesced.Load(),
		Dropped:           s.dropped.Load(),
		Flushes:           s.flushes.Load(),
		Pending:           s.Pending(),
	}
}
