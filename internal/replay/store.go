// Package replay keeps a bounded per-source history of envelopes so a
// subscriber that fell behind can catch up without a full re-snapshot.
//
// Each source has its own ring bounded by event count, estimated bytes and
// age. The oldest entries are evicted first. A caller asking for history that
// has already been evicted is told so through Result.GapDetected and must
// re-snapshot.
package replay

import (
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/event"
)

// Default limits applied per source.
const (
	DefaultMaxEvents = 1000
	DefaultMaxBytes  = 1 << 20
	DefaultTTL       = 5 * time.Minute
)

// entryOverhead approximates the fixed cost of a stored envelope: the
// envelope struct, two UUIDs, the timestamp and slice bookkeeping.
const entryOverhead = 128

// Limits bounds one source's ring. A zero field disables that bound.
type Limits struct {
	MaxEvents int
	MaxBytes  int
	TTL       time.Duration
}

// DefaultLimits returns 1000 events, 1 MiB and 5 minutes.
func DefaultLimits() Limits {
	return Limits{
		MaxEvents: DefaultMaxEvents,
		MaxBytes:  DefaultMaxBytes,
		TTL:       DefaultTTL,
	}
}

// Result is the answer to EventsSince.
type Result struct {
	// Events holds retained envelopes with Seq >= the requested seq, oldest
	// first.
	Events []event.Envelope
	// NextSeq is the seq to ask for on the next call.
	NextSeq uint64
	// GapDetected is true when some of the requested history was evicted.
	GapDetected bool
}

// SourceStats describes one source's ring.
type SourceStats struct {
	Source    event.Source
	Count     int
	Bytes     int
	OldestSeq uint64
	NewestSeq uint64
	Evicted   uint64
}

type entry struct {
	env  event.Envelope
	size int
	at   time.Time
}

type ring struct {
	entries []entry
	bytes   int
	highest uint64
	evicted uint64
}

func (r *ring) popFront() entry {
	e := r.entries[0]
	r.entries[0] = entry{}
	r.entries = r.entries[1:]
	r.bytes -= e.size
	r.evicted++
	return e
}

// Store is the replay buffer. It is safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	limits Limits
	rings  map[event.Source]*ring

	now      func() time.Time
	counters *diag.Counters
}

// Option configures a Store.
type Option func(*Store)

// WithCounters reports evictions to c.
func WithCounters(c *diag.Counters) Option {
	return func(s *Store) { s.counters = c }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store with the given per-source limits.
func New(limits Limits, opts ...Option) *Store {
	s := &Store{
		limits: limits,
		rings:  make(map[event.Source]*ring),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Limits returns the per-source limits.
func (s *Store) Limits() Limits { return s.limits }

// EstimateSize returns the number of bytes an envelope is charged against the
// byte limit.
func EstimateSize(env event.Envelope) int {
	n := entryOverhead + len(env.Source.ID) + len(env.Kind())
	if h, ok := env.Payload.(event.SizeHinter); ok {
		n += h.SizeHint()
	}
	return n
}

// Append records env and evicts from the head of its source's ring until every
// limit holds again. The newest entry is always retained, even when it alone
// exceeds the byte limit.
func (s *Store) Append(env event.Envelope) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[env.Source]
	if !ok {
		r = &ring{}
		s.rings[env.Source] = r
	}

	e := entry{env: env, size: EstimateSize(env), at: now}
	r.entries = append(r.entries, e)
	r.bytes += e.size
	if env.Seq > r.highest {
		r.highest = env.Seq
	}

	evicted := s.expireLocked(r, now)
	for len(r.entries) > 1 && s.overLimitLocked(r) {
		r.popFront()
		evicted++
	}
	s.countEvictions(env.Source, evicted)
}

func (s *Store) overLimitLocked(r *ring) bool {
	if s.limits.MaxEvents > 0 && len(r.entries) > s.limits.MaxEvents {
		return true
	}
	return s.limits.MaxBytes > 0 && r.bytes > s.limits.MaxBytes
}

// expireLocked drops entries older than the TTL and returns how many it
// dropped.
func (s *Store) expireLocked(r *ring, now time.Time) uint64 {
	if s.limits.TTL <= 0 {
		return 0
	}
	cutoff := now.Add(-s.limits.TTL)
	var n uint64
	for len(r.entries) > 0 && r.entries[0].at.Before(cutoff) {
		r.popFront()
		n++
	}
	return n
}

func (s *Store) countEvictions(src event.Source, n uint64) {
	if n == 0 {
		return
	}
	s.counters.Add(diag.ReplayEvicted, n, attribute.String("source_kind", src.Kind.String()))
}

// EventsSince returns the retained events of src with Seq >= seq. A seq of 0
// is treated as 1. An unknown source yields no events and no gap.
func (s *Store) EventsSince(src event.Source, seq uint64) Result {
	if seq == 0 {
		seq = 1
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[src]
	if !ok {
		return Result{NextSeq: seq}
	}
	s.countEvictions(src, s.expireLocked(r, now))

	next := seq
	if r.highest+1 > next {
		next = r.highest + 1
	}

	if len(r.entries) == 0 {
		return Result{NextSeq: next, GapDetected: seq <= r.highest}
	}

	res := Result{
		NextSeq:     next,
		GapDetected: seq < r.entries[0].env.Seq,
	}
	// Entries are in seq order; find the first one at or after seq.
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].env.Seq >= seq
	})
	if i < len(r.entries) {
		res.Events = make([]event.Envelope, 0, len(r.entries)-i)
		for _, e := range r.entries[i:] {
			res.Events = append(res.Events, e.env)
		}
	}
	return res
}

// Forget drops everything retained for src.
func (s *Store) Forget(src event.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, src)
}

// Prune applies the TTL to every ring and returns the number of entries
// evicted. Emptied rings are kept so later requests still report the gap.
func (s *Store) Prune() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for src, r := range s.rings {
		n := s.expireLocked(r, now)
		s.countEvictions(src, n)
		total += int(n)
	}
	return total
}

// Len returns the number of entries retained for src.
func (s *Store) Len(src event.Source) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[src]; ok {
		return len(r.entries)
	}
	return 0
}

// Stats returns per-source statistics sorted by source.
func (s *Store) Stats() []SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStats, 0, len(s.rings))
	for src, r := range s.rings {
		st := SourceStats{
			Source:    src,
			Count:     len(r.entries),
			Bytes:     r.bytes,
			NewestSeq: r.highest,
			Evicted:   r.evicted,
		}
		if len(r.entries) > 0 {
			st.OldestSeq = r.entries[0].env.Seq
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Less(out[j].Source) })
	return out
}
