package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/panecore/internal/config"
)

// setupConfig points the config directory at a temp dir and loads defaults
// the way the root command does.
func setupConfig(t *testing.T) string {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	appconfig.SetDefaults()
	return filepath.Join(dir, "panecore", "config.yaml")
}

func run(t *testing.T, c *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(&out)
	err := c.RunE(c, args)
	return out.String(), err
}

func TestRegister(t *testing.T) {
	parent := &cobra.Command{Use: "panecore"}
	Register(parent)

	found, _, err := parent.Find([]string{"config", "validate"})
	if err != nil {
		t.Fatalf("Find(config validate) error = %v", err)
	}
	if found != configValidateCmd {
		t.Errorf("Find(config validate) = %s, want the validate command", found.Name())
	}
}

func TestConfigShow(t *testing.T) {
	setupConfig(t)

	out, err := run(t, configShowCmd)
	if err != nil {
		t.Fatalf("show error = %v", err)
	}
	if !strings.HasPrefix(out, "# Config file: (none - using defaults)") {
		t.Errorf("show output should start with the config source, got:\n%s", out)
	}

	var shown appconfig.Config
	if err := yaml.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("show output is not YAML: %v", err)
	}
	if shown.Replay.MaxEvents != appconfig.Default().Replay.MaxEvents {
		t.Errorf("replay.max_events = %d, want %d", shown.Replay.MaxEvents, appconfig.Default().Replay.MaxEvents)
	}
}

func TestConfigValidate(t *testing.T) {
	setupConfig(t)

	out, err := run(t, configValidateCmd)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("validate output = %q", out)
	}

	viper.Set("replay.max_events", -1)
	viper.Set("logging.level", "loud")
	out, err = run(t, configValidateCmd)
	if err == nil {
		t.Fatal("validate should fail for invalid values")
	}
	if !strings.Contains(err.Error(), "2 invalid value(s)") {
		t.Errorf("error = %v, want a count of 2", err)
	}
	for _, field := range []string{"replay.max_events", "logging.level"} {
		if !strings.Contains(out, field) {
			t.Errorf("validate output missing %s:\n%s", field, out)
		}
	}
}

func TestConfigSet(t *testing.T) {
	path := setupConfig(t)

	if _, err := run(t, configSetCmd, "dispatch.timeout_ms", "750"); err != nil {
		t.Fatalf("set error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "timeout_ms: 750") {
		t.Errorf("config file missing the new value:\n%s", data)
	}

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "tui.theme", "dark"},
		{"not an integer", "replay.max_events", "lots"},
		{"not a bool", "logging.enabled", "maybe"},
		{"fails validation", "scheduler.lowest_tier", "-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, configSetCmd, tt.key, tt.value); err == nil {
				t.Errorf("set %s=%s should fail", tt.key, tt.value)
			}
		})
	}
}

func TestConfigInit(t *testing.T) {
	path := setupConfig(t)
	if err := configInitCmd.Flags().Set("force", "false"); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, configInitCmd)
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("init output = %q, want the path %s", out, path)
	}

	var written appconfig.Config
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if err := yaml.Unmarshal(data, &written); err != nil {
		t.Fatalf("config file is not YAML: %v", err)
	}
	if errs := written.Validate(); len(errs) > 0 {
		t.Errorf("written config is invalid: %v", errs)
	}

	if _, err := run(t, configInitCmd); err == nil {
		t.Error("init should refuse to overwrite without --force")
	}
	if err := configInitCmd.Flags().Set("force", "true"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = configInitCmd.Flags().Set("force", "false") })
	if _, err := run(t, configInitCmd); err != nil {
		t.Errorf("init --force error = %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := setupConfig(t)

	out, err := run(t, configPathCmd)
	if err != nil {
		t.Fatalf("path error = %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Errorf("path = %q, want %q", strings.TrimSpace(out), path)
	}
}
