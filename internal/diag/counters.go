// Package diag keeps the diagnostic counters the core uses to account for
// every event it does not deliver: dropped subscriber entries, coalesced or
// dropped lossy entries, replay evictions and contract rejections.
//
// Counters are kept locally so tests and the CLI can read a snapshot, and are
// mirrored to OpenTelemetry Int64Counter instruments. Without a host-installed
// MeterProvider the global meter is a no-op.
package diag

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Counter names used across the core.
const (
	BusDropped          = "bus.dropped"
	ReplayEvicted       = "replay.evicted"
	LossyCoalesced      = "scheduler.lossy_coalesced"
	LossyDropped        = "scheduler.lossy_dropped"
	CriticalDelivered   = "scheduler.critical_delivered"
	LossyDelivered      = "scheduler.lossy_delivered"
	ContractViolations  = "contract.violations"
	DispatchRejected    = "dispatch.rejected"
	ProducerRetries     = "producer.retries"
	ProducerEscalations = "producer.escalations"
)

// MeterName is the instrumentation scope used for exported instruments.
const MeterName = "github.com/Iron-Ham/panecore"

// Counters is a set of named monotonic counters. The zero value is not usable;
// construct with New. A nil *Counters is valid and ignores every call.
type Counters struct {
	meter metric.Meter

	mu          sync.Mutex
	values      map[string]*atomic.Uint64
	instruments map[string]metric.Int64Counter
}

// New creates a Counters set exporting through meter. A nil meter uses the
// global provider's meter.
func New(meter metric.Meter) *Counters {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	return &Counters{
		meter:       meter,
		values:      make(map[string]*atomic.Uint64),
		instruments: make(map[string]metric.Int64Counter),
	}
}

// Add increments name by n. Attributes are forwarded to the exported
// instrument only; the local value is the sum over all attribute sets.
func (c *Counters) Add(name string, n uint64, attrs ...attribute.KeyValue) {
	if c == nil || n == 0 {
		return
	}
	v, inst := c.get(name)
	v.Add(n)
	if inst != nil {
		inst.Add(context.Background(), int64(n), metric.WithAttributes(attrs...))
	}
}

// Inc increments name by one.
func (c *Counters) Inc(name string, attrs ...attribute.KeyValue) {
	c.Add(name, 1, attrs...)
}

// Get returns the current local value of name.
func (c *Counters) Get(name string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	v, ok := c.values[name]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return v.Load()
}

// Snapshot returns a copy of every counter touched so far.
func (c *Counters) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if c == nil {
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, v := range c.values {
		out[name] = v.Load()
	}
	return out
}

// Names returns the sorted names of every counter touched so far.
func (c *Counters) Names() []string {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Counters) get(name string) (*atomic.Uint64, metric.Int64Counter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.values[name]
	if !ok {
		v = new(atomic.Uint64)
		c.values[name] = v
		// An instrument creation error leaves the counter local-only.
		inst, err := c.meter.Int64Counter("panecore."+name, metric.WithUnit("{event}"))
		if err == nil {
			c.instruments[name] = inst
		}
	}
	return v, c.instruments[name]
}
