package coordination

import (
	"time"

	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/entity"
	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer"
	"github.com/Iron-Ham/panecore/internal/replay"
	"github.com/Iron-Ham/panecore/internal/scheduler"
)

// DefaultPruneInterval is how often expired replay entries are swept.
const DefaultPruneInterval = 30 * time.Second

// PaneDefaults are applied to every pane opened through the hub, before the
// caller's own options.
type PaneDefaults struct {
	QueueSize    int
	DedupWindow  time.Duration
	DedupEntries int
	CloseTimeout time.Duration
}

func (d PaneDefaults) options() []entity.PaneOption {
	var opts []entity.PaneOption
	if d.QueueSize > 0 {
		opts = append(opts, entity.WithQueueSize(d.QueueSize))
	}
	if d.DedupWindow > 0 || d.DedupEntries > 0 {
		opts = append(opts, entity.WithDedup(d.DedupWindow, d.DedupEntries))
	}
	if d.CloseTimeout > 0 {
		opts = append(opts, entity.WithCloseTimeout(d.CloseTimeout))
	}
	return opts
}

// Config holds the tunables of every component the hub owns. Zero fields take
// each component's default.
type Config struct {
	Replay          replay.Limits
	Scheduler       scheduler.Config
	DispatchTimeout time.Duration
	// PruneInterval is the cadence of the replay TTL sweep. Negative disables it.
	PruneInterval time.Duration
	RetryPolicy   producer.RetryPolicy
	Pane          PaneDefaults
	// Sink receives scheduler deliveries. Nil discards them.
	Sink scheduler.Sink
}

// DefaultConfig returns the documented defaults for every component.
func DefaultConfig() Config {
	return Config{
		Replay:        replay.DefaultLimits(),
		Scheduler:     scheduler.DefaultConfig(),
		PruneInterval: DefaultPruneInterval,
		RetryPolicy:   producer.DefaultRetryPolicy(),
	}
}

// hubConfig holds optional collaborators for a Hub.
type hubConfig struct {
	logger    *logging.Logger
	counters  *diag.Counters
	producers []producer.Producer
}

// Option configures a Hub.
type Option func(*hubConfig)

// WithLogger sets the logger every component derives its own from.
func WithLogger(l *logging.Logger) Option {
	return func(c *hubConfig) { c.logger = l }
}

// WithCounters shares a diagnostic counter set. If unset the hub creates one.
func WithCounters(counters *diag.Counters) Option {
	return func(c *hubConfig) { c.counters = counters }
}

// WithProducers registers boundary producers started by Start.
func WithProducers(ps ...producer.Producer) Option {
	return func(c *hubConfig) { c.producers = append(c.producers, ps...) }
}
