package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{"negative tail buffer", func(c *Config) { c.Bus.TailBuffer = -1 }, "bus.tail_buffer"},
		{"negative max events", func(c *Config) { c.Replay.MaxEvents = -5 }, "replay.max_events"},
		{"negative ttl", func(c *Config) { c.Replay.TTLSeconds = -1 }, "replay.ttl_seconds"},
		{"all replay bounds disabled", func(c *Config) {
			c.Replay.MaxEvents, c.Replay.MaxBytes, c.Replay.TTLSeconds = 0, 0, 0
		}, "replay"},
		{"zero flush interval", func(c *Config) { c.Scheduler.FlushIntervalMs = 0 }, "scheduler.flush_interval_ms"},
		{"huge flush interval", func(c *Config) { c.Scheduler.FlushIntervalMs = 60000 }, "scheduler.flush_interval_ms"},
		{"zero lossy depth", func(c *Config) { c.Scheduler.MaxLossyDepth = 0 }, "scheduler.max_lossy_depth"},
		{"negative lowest tier", func(c *Config) { c.Scheduler.LowestTier = -1 }, "scheduler.lowest_tier"},
		{"zero max cycle", func(c *Config) { c.Scheduler.MaxCycle = 0 }, "scheduler.max_cycle"},
		{"zero dispatch timeout", func(c *Config) { c.Dispatch.TimeoutMs = 0 }, "dispatch.timeout_ms"},
		{"zero queue", func(c *Config) { c.Lifecycle.QueueSize = 0 }, "lifecycle.queue_size"},
		{"negative dedup entries", func(c *Config) { c.Lifecycle.DedupEntries = -1 }, "lifecycle.dedup_entries"},
		{"zero close timeout", func(c *Config) { c.Lifecycle.CloseTimeoutMs = 0 }, "lifecycle.close_timeout_ms"},
		{"zero shutdown timeout", func(c *Config) { c.Lifecycle.ShutdownTimeoutMs = 0 }, "lifecycle.shutdown_timeout_ms"},
		{"zero retry interval", func(c *Config) { c.Producers.RetryInitialMs = 0 }, "producers.retry_initial_ms"},
		{"retry max below initial", func(c *Config) {
			c.Producers.RetryInitialMs, c.Producers.RetryMaxMs = 1000, 10
		}, "producers.retry_max_ms"},
		{"negative debounce", func(c *Config) { c.Watch.DebounceMs = -1 }, "watch.debounce_ms"},
		{"empty root", func(c *Config) { c.Watch.Roots = []string{"  "} }, "watch.roots[0]"},
		{"duplicate root", func(c *Config) { c.Watch.Roots = []string{"/a", "/a"} }, "watch.roots[1]"},
		{"bad ignore glob", func(c *Config) { c.Watch.Ignore = []string{"[abc"} }, "watch.ignore[0]"},
		{"target without ref", func(c *Config) { c.Forge.Targets = []ForgeTarget{{Repo: "origin"}} }, "forge.targets[0]"},
		{"bad schedule", func(c *Config) {
			c.Forge.Targets = []ForgeTarget{{Repo: "origin", Ref: "main"}}
			c.Forge.Schedule = "whenever"
		}, "forge.schedule"},
		{"zero rate limit", func(c *Config) {
			c.Forge.Targets = []ForgeTarget{{Repo: "origin", Ref: "main"}}
			c.Forge.RateLimit = 0
		}, "forge.rate_limit"},
		{"zero fetch tries", func(c *Config) {
			c.Forge.Targets = []ForgeTarget{{Repo: "origin", Ref: "main"}}
			c.Forge.FetchTries = 0
		}, "forge.fetch_tries"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"zero log size", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"huge log size", func(c *Config) { c.Logging.MaxSizeMB = 5000 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -1 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Validate() field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_ForgeSettingsIgnoredWithoutTargets(t *testing.T) {
	cfg := Default()
	cfg.Forge.Schedule = "whenever"
	cfg.Forge.RateLimit = 0
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors while forge is disabled", errs)
	}
}

func TestConfig_Validate_LogLevelCaseInsensitive(t *testing.T) {
	for _, level := range []string{"DEBUG", "Info", "warn", ""} {
		cfg := Default()
		cfg.Logging.Level = level
		if errs := cfg.Validate(); len(errs) != 0 {
			t.Errorf("Validate() with level %q = %v", level, errs)
		}
	}
}

func TestConfig_Validate_ReplayBoundsMayBePartlyDisabled(t *testing.T) {
	cfg := Default()
	cfg.Replay.MaxBytes = 0
	cfg.Replay.TTLSeconds = 0
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Validate() = %v, want a count-only bound to be valid", errs)
	}
}

func TestValidLogLevels(t *testing.T) {
	levels := ValidLogLevels()
	expected := []string{"debug", "info", "warn", "error"}
	if len(levels) != len(expected) {
		t.Fatalf("ValidLogLevels() = %v", levels)
	}
	for i, level := range expected {
		if levels[i] != level {
			t.Errorf("ValidLogLevels()[%d] = %q, want %q", i, levels[i], level)
		}
	}
}
