package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer"
	"github.com/Iron-Ham/panecore/internal/producer/forge"
	"github.com/Iron-Ham/panecore/internal/producer/fswatch"
	"github.com/Iron-Ham/panecore/internal/replay"
	"github.com/Iron-Ham/panecore/internal/scheduler"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. PANECORE_REPLAY_MAX_EVENTS.
const EnvPrefix = "PANECORE"

// Config represents the complete panecore configuration
type Config struct {
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Replay    ReplayConfig    `mapstructure:"replay" yaml:"replay"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`
	Producers ProducerConfig  `mapstructure:"producers" yaml:"producers"`
	Watch     WatchConfig     `mapstructure:"watch" yaml:"watch"`
	Forge     ForgeConfig     `mapstructure:"forge" yaml:"forge"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// BusConfig controls subscriptions opened by the CLI
type BusConfig struct {
	// TailBuffer is the drop-oldest capacity of the `run` tail subscription.
	// 0 means unbounded.
	TailBuffer int `mapstructure:"tail_buffer" yaml:"tail_buffer"`
}

// ReplayConfig bounds each source's replay ring. A zero bound is disabled.
type ReplayConfig struct {
	MaxEvents  int `mapstructure:"max_events" yaml:"max_events"`
	MaxBytes   int `mapstructure:"max_bytes" yaml:"max_bytes"`
	TTLSeconds int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	// PruneIntervalSeconds is the cadence of the background TTL sweep
	PruneIntervalSeconds int `mapstructure:"prune_interval_seconds" yaml:"prune_interval_seconds"`
}

// SchedulerConfig controls the priority scheduler
type SchedulerConfig struct {
	FlushIntervalMs int `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
	MaxLossyDepth   int `mapstructure:"max_lossy_depth" yaml:"max_lossy_depth"`
	// LowestTier is assigned to group sources and sources the hub cannot place
	LowestTier int `mapstructure:"lowest_tier" yaml:"lowest_tier"`
	MaxCycle   int `mapstructure:"max_cycle" yaml:"max_cycle"`
}

// DispatchConfig controls command dispatch
type DispatchConfig struct {
	TimeoutMs int `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// LifecycleConfig holds entity defaults
type LifecycleConfig struct {
	QueueSize          int `mapstructure:"queue_size" yaml:"queue_size"`
	DedupWindowSeconds int `mapstructure:"dedup_window_seconds" yaml:"dedup_window_seconds"`
	DedupEntries       int `mapstructure:"dedup_entries" yaml:"dedup_entries"`
	// CloseTimeoutMs bounds the drain started by a close command
	CloseTimeoutMs int `mapstructure:"close_timeout_ms" yaml:"close_timeout_ms"`
	// ShutdownTimeoutMs bounds each entity's drain when the process exits
	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

// ProducerConfig controls how failing producers are restarted
type ProducerConfig struct {
	RetryInitialMs int  `mapstructure:"retry_initial_ms" yaml:"retry_initial_ms"`
	RetryMaxMs     int  `mapstructure:"retry_max_ms" yaml:"retry_max_ms"`
	MaxTries       uint `mapstructure:"max_tries" yaml:"max_tries"`
}

// WatchConfig controls the filesystem producer. One producer runs per root.
type WatchConfig struct {
	Roots      []string `mapstructure:"roots" yaml:"roots"`
	DebounceMs int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	// Ignore holds glob patterns matched against each path component
	Ignore []string `mapstructure:"ignore" yaml:"ignore"`
}

// ForgeTarget is one remote ref to follow
type ForgeTarget struct {
	Repo string `mapstructure:"repo" yaml:"repo"`
	Ref  string `mapstructure:"ref" yaml:"ref"`
}

// ForgeConfig controls the forge producer. It is disabled when Targets is empty.
type ForgeConfig struct {
	Targets []ForgeTarget `mapstructure:"targets" yaml:"targets"`
	// Schedule is a cron expression or descriptor, e.g. "@every 30s"
	Schedule   string  `mapstructure:"schedule" yaml:"schedule"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst      int     `mapstructure:"burst" yaml:"burst"`
	FetchTries uint    `mapstructure:"fetch_tries" yaml:"fetch_tries"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled turns on structured logging. When false a no-op logger is used.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives the rotating log file. Empty logs to stderr.
	Dir        string `mapstructure:"dir" yaml:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	limits := replay.DefaultLimits()
	sched := scheduler.DefaultConfig()
	retry := producer.DefaultRetryPolicy()

	return &Config{
		Bus: BusConfig{
			TailBuffer: 1024,
		},
		Replay: ReplayConfig{
			MaxEvents:            limits.MaxEvents,
			MaxBytes:             limits.MaxBytes,
			TTLSeconds:           int(limits.TTL / time.Second),
			PruneIntervalSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			FlushIntervalMs: int(sched.FlushInterval / time.Millisecond),
			MaxLossyDepth:   sched.MaxLossyDepth,
			LowestTier:      sched.LowestTier,
			MaxCycle:        sched.MaxCycle,
		},
		Dispatch: DispatchConfig{
			TimeoutMs: 5000,
		},
		Lifecycle: LifecycleConfig{
			QueueSize:          64,
			DedupWindowSeconds: 30,
			DedupEntries:       256,
			CloseTimeoutMs:     2000,
			ShutdownTimeoutMs:  5000,
		},
		Producers: ProducerConfig{
			RetryInitialMs: int(retry.InitialInterval / time.Millisecond),
			RetryMaxMs:     int(retry.MaxInterval / time.Millisecond),
			MaxTries:       retry.MaxTries,
		},
		Watch: WatchConfig{
			Roots:      []string{},
			DebounceMs: int(fswatch.DefaultDebounce / time.Millisecond),
			Ignore:     append([]string(nil), fswatch.DefaultIgnore...),
		},
		Forge: ForgeConfig{
			Targets:    []ForgeTarget{},
			Schedule:   forge.DefaultSchedule,
			RateLimit:  forge.DefaultRateLimit,
			Burst:      forge.DefaultBurst,
			FetchTries: forge.DefaultFetchTries,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// ReplayLimits returns the per-source replay bounds
func (c *Config) ReplayLimits() replay.Limits {
	return replay.Limits{
		MaxEvents: c.Replay.MaxEvents,
		MaxBytes:  c.Replay.MaxBytes,
		TTL:       time.Duration(c.Replay.TTLSeconds) * time.Second,
	}
}

// PruneInterval returns the replay sweep cadence
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.Replay.PruneIntervalSeconds) * time.Second
}

// FlushInterval returns the lossy batch cadence
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Scheduler.FlushIntervalMs) * time.Millisecond
}

// SchedulerConfig returns the scheduler settings
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		FlushInterval: c.FlushInterval(),
		MaxLossyDepth: c.Scheduler.MaxLossyDepth,
		LowestTier:    c.Scheduler.LowestTier,
		MaxCycle:      c.Scheduler.MaxCycle,
	}
}

// DispatchTimeout returns the command dispatch deadline
func (c *Config) DispatchTimeout() time.Duration {
	return time.Duration(c.Dispatch.TimeoutMs) * time.Millisecond
}

// DedupWindow returns how long a command id is remembered
func (c *LifecycleConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}

// CloseTimeout returns the drain bound of a close command
func (c *LifecycleConfig) CloseTimeout() time.Duration {
	return time.Duration(c.CloseTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the per-entity drain bound at exit
func (c *LifecycleConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// RetryPolicy returns the producer restart policy
func (c *Config) RetryPolicy() producer.RetryPolicy {
	return producer.RetryPolicy{
		InitialInterval: time.Duration(c.Producers.RetryInitialMs) * time.Millisecond,
		MaxInterval:     time.Duration(c.Producers.RetryMaxMs) * time.Millisecond,
		MaxTries:        c.Producers.MaxTries,
	}
}

// WatchConfigs returns one filesystem producer config per root
func (c *Config) WatchConfigs() []fswatch.Config {
	out := make([]fswatch.Config, 0, len(c.Watch.Roots))
	for _, root := range c.Watch.Roots {
		out = append(out, fswatch.Config{
			Root:     root,
			Debounce: time.Duration(c.Watch.DebounceMs) * time.Millisecond,
			Ignore:   append([]string(nil), c.Watch.Ignore...),
		})
	}
	return out
}

// ForgeConfig returns the forge poller config and whether any target is set
func (c *Config) ForgeConfig() (forge.Config, bool) {
	targets := make([]forge.Target, 0, len(c.Forge.Targets))
	for _, t := range c.Forge.Targets {
		targets = append(targets, forge.Target{Repo: t.Repo, Ref: t.Ref})
	}
	return forge.Config{
		Targets:     targets,
		Schedule:    c.Forge.Schedule,
		RateLimit:   c.Forge.RateLimit,
		Burst:       c.Forge.Burst,
		FetchTries:  c.Forge.FetchTries,
		RetryPolicy: c.RetryPolicy(),
	}, len(targets) > 0
}

// LoggingOptions returns the options for logging.NewLogger
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{
		Dir:   c.Logging.Dir,
		Level: logging.ParseLevel(c.Logging.Level),
		Rotation: logging.RotationConfig{
			MaxSizeMB:  c.Logging.MaxSizeMB,
			MaxBackups: c.Logging.MaxBackups,
			Compress:   c.Logging.Compress,
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Bus defaults
	viper.SetDefault("bus.tail_buffer", defaults.Bus.TailBuffer)

	// Replay defaults
	viper.SetDefault("replay.max_events", defaults.Replay.MaxEvents)
	viper.SetDefault("replay.max_bytes", defaults.Replay.MaxBytes)
	viper.SetDefault("replay.ttl_seconds", defaults.Replay.TTLSeconds)
	viper.SetDefault("replay.prune_interval_seconds", defaults.Replay.PruneIntervalSeconds)

	// Scheduler defaults
	viper.SetDefault("scheduler.flush_interval_ms", defaults.Scheduler.FlushIntervalMs)
	viper.SetDefault("scheduler.max_lossy_depth", defaults.Scheduler.MaxLossyDepth)
	viper.SetDefault("scheduler.lowest_tier", defaults.Scheduler.LowestTier)
	viper.SetDefault("scheduler.max_cycle", defaults.Scheduler.MaxCycle)

	// Dispatch defaults
	viper.SetDefault("dispatch.timeout_ms", defaults.Dispatch.TimeoutMs)

	// Lifecycle defaults
	viper.SetDefault("lifecycle.queue_size", defaults.Lifecycle.QueueSize)
	viper.SetDefault("lifecycle.dedup_window_seconds", defaults.Lifecycle.DedupWindowSeconds)
	viper.SetDefault("lifecycle.dedup_entries", defaults.Lifecycle.DedupEntries)
	viper.SetDefault("lifecycle.close_timeout_ms", defaults.Lifecycle.CloseTimeoutMs)
	viper.SetDefault("lifecycle.shutdown_timeout_ms", defaults.Lifecycle.ShutdownTimeoutMs)

	// Producer defaults
	viper.SetDefault("producers.retry_initial_ms", defaults.Producers.RetryInitialMs)
	viper.SetDefault("producers.retry_max_ms", defaults.Producers.RetryMaxMs)
	viper.SetDefault("producers.max_tries", defaults.Producers.MaxTries)

	// Watch defaults
	viper.SetDefault("watch.roots", defaults.Watch.Roots)
	viper.SetDefault("watch.debounce_ms", defaults.Watch.DebounceMs)
	viper.SetDefault("watch.ignore", defaults.Watch.Ignore)

	// Forge defaults
	viper.SetDefault("forge.targets", defaults.Forge.Targets)
	viper.SetDefault("forge.schedule", defaults.Forge.Schedule)
	viper.SetDefault("forge.rate_limit", defaults.Forge.RateLimit)
	viper.SetDefault("forge.burst", defaults.Forge.Burst)
	viper.SetDefault("forge.fetch_tries", defaults.Forge.FetchTries)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "panecore")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".panecore"
	}
	return filepath.Join(home, ".config", "panecore")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
