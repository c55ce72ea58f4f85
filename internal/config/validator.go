package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
	"github.com/robfig/cron/v3"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "replay.max_events")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateBus()...)
	errors = append(errors, c.validateReplay()...)
	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateDispatch()...)
	errors = append(errors, c.validateLifecycle()...)
	errors = append(errors, c.validateProducers()...)
	errors = append(errors, c.validateWatch()...)
	errors = append(errors, c.validateForge()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func positive(field string, v int) []ValidationError {
	if v > 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be positive"}}
}

func nonNegative(field string, v int) []ValidationError {
	if v >= 0 {
		return nil
	}
	return []ValidationError{{Field: field, Value: v, Message: "must be non-negative"}}
}

func (c *Config) validateBus() []ValidationError {
	return nonNegative("bus.tail_buffer", c.Bus.TailBuffer)
}

// validateReplay validates the ReplayConfig. Zero disables a bound, but at
// least one bound must stay in force or rings would grow without limit.
func (c *Config) validateReplay() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("replay.max_events", c.Replay.MaxEvents)...)
	errors = append(errors, nonNegative("replay.max_bytes", c.Replay.MaxBytes)...)
	errors = append(errors, nonNegative("replay.ttl_seconds", c.Replay.TTLSeconds)...)
	errors = append(errors, nonNegative("replay.prune_interval_seconds", c.Replay.PruneIntervalSeconds)...)

	if c.Replay.MaxEvents == 0 && c.Replay.MaxBytes == 0 && c.Replay.TTLSeconds == 0 {
		errors = append(errors, ValidationError{
			Field:   "replay",
			Value:   "max_events=0 max_bytes=0 ttl_seconds=0",
			Message: "at least one replay bound must be set",
		})
	}

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("scheduler.flush_interval_ms", c.Scheduler.FlushIntervalMs)...)
	errors = append(errors, positive("scheduler.max_lossy_depth", c.Scheduler.MaxLossyDepth)...)
	errors = append(errors, nonNegative("scheduler.lowest_tier", c.Scheduler.LowestTier)...)
	errors = append(errors, positive("scheduler.max_cycle", c.Scheduler.MaxCycle)...)

	// A flush cadence slower than this makes lossy updates visibly stale
	const maxFlushIntervalMs = 10000
	if c.Scheduler.FlushIntervalMs > maxFlushIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "scheduler.flush_interval_ms",
			Value:   c.Scheduler.FlushIntervalMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxFlushIntervalMs),
		})
	}

	return errors
}

func (c *Config) validateDispatch() []ValidationError {
	return positive("dispatch.timeout_ms", c.Dispatch.TimeoutMs)
}

func (c *Config) validateLifecycle() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("lifecycle.queue_size", c.Lifecycle.QueueSize)...)
	errors = append(errors, nonNegative("lifecycle.dedup_window_seconds", c.Lifecycle.DedupWindowSeconds)...)
	errors = append(errors, nonNegative("lifecycle.dedup_entries", c.Lifecycle.DedupEntries)...)
	errors = append(errors, positive("lifecycle.close_timeout_ms", c.Lifecycle.CloseTimeoutMs)...)
	errors = append(errors, positive("lifecycle.shutdown_timeout_ms", c.Lifecycle.ShutdownTimeoutMs)...)

	return errors
}

func (c *Config) validateProducers() []ValidationError {
	var errors []ValidationError

	errors = append(errors, positive("producers.retry_initial_ms", c.Producers.RetryInitialMs)...)
	errors = append(errors, positive("producers.retry_max_ms", c.Producers.RetryMaxMs)...)

	if c.Producers.RetryMaxMs > 0 && c.Producers.RetryMaxMs < c.Producers.RetryInitialMs {
		errors = append(errors, ValidationError{
			Field:   "producers.retry_max_ms",
			Value:   c.Producers.RetryMaxMs,
			Message: fmt.Sprintf("must be at least retry_initial_ms (%d)", c.Producers.RetryInitialMs),
		})
	}

	return errors
}

// validateWatch validates the WatchConfig
func (c *Config) validateWatch() []ValidationError {
	var errors []ValidationError

	errors = append(errors, nonNegative("watch.debounce_ms", c.Watch.DebounceMs)...)

	seen := make(map[string]bool)
	for i, root := range c.Watch.Roots {
		field := fmt.Sprintf("watch.roots[%d]", i)
		if strings.TrimSpace(root) == "" {
			errors = append(errors, ValidationError{Field: field, Value: root, Message: "cannot be empty"})
			continue
		}
		if seen[root] {
			errors = append(errors, ValidationError{Field: field, Value: root, Message: "duplicate root"})
		}
		seen[root] = true
	}

	for i, pattern := range c.Watch.Ignore {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("watch.ignore[%d]", i),
				Value:   pattern,
				Message: fmt.Sprintf("invalid glob pattern: %v", err),
			})
		}
	}

	return errors
}

// validateForge validates the ForgeConfig. The schedule is only checked when
// targets are configured.
func (c *Config) validateForge() []ValidationError {
	var errors []ValidationError

	for i, t := range c.Forge.Targets {
		if t.Repo == "" || t.Ref == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("forge.targets[%d]", i),
				Value:   t.Repo + "@" + t.Ref,
				Message: "repo and ref are required",
			})
		}
	}
	if len(c.Forge.Targets) == 0 {
		return errors
	}

	if _, err := cron.ParseStandard(c.Forge.Schedule); err != nil {
		errors = append(errors, ValidationError{
			Field:   "forge.schedule",
			Value:   c.Forge.Schedule,
			Message: fmt.Sprintf("invalid cron schedule: %v", err),
		})
	}
	if c.Forge.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "forge.rate_limit",
			Value:   c.Forge.RateLimit,
			Message: "must be positive",
		})
	}
	errors = append(errors, positive("forge.burst", c.Forge.Burst)...)
	if c.Forge.FetchTries == 0 {
		errors = append(errors, ValidationError{
			Field:   "forge.fetch_tries",
			Value:   c.Forge.FetchTries,
			Message: "must be positive",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	errors = append(errors, nonNegative("logging.max_backups", c.Logging.MaxBackups)...)

	return errors
}
