// Package config provides CLI commands for inspecting panecore configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/panecore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or validate panecore configuration",
	Long: `View or validate panecore configuration.

Use 'config show' to print the effective configuration as YAML.
Use 'config validate' to check a config file without starting the core.
Use 'config set' to change a single value in the config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Validate loads the configuration the same way 'run' does (defaults, then
the config file, then PANECORE_* environment variables) and reports every
invalid value.`,
	RunE: runConfigValidate,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Valid keys:
` + keyList(),
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/panecore/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if used := viper.ConfigFileUsed(); used != "" {
		_, _ = fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		_, _ = fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	cfg, err := appconfig.Load()
	if err != nil {
		_, _ = fmt.Fprintf(out, "# Configuration is invalid, showing defaults:\n# %v\n", err)
		cfg = appconfig.Default()
	}
	return writeYAML(out, cfg)
}

func writeYAML(w io.Writer, cfg *appconfig.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	_, err := appconfig.Load()
	var verrs appconfig.ValidationErrors
	switch {
	case err == nil:
		_, _ = fmt.Fprintln(out, "Configuration is valid.")
		return nil
	case errors.As(err, &verrs):
		for _, e := range verrs {
			_, _ = fmt.Fprintf(out, "  %s\n", e.Error())
		}
		return fmt.Errorf("configuration has %d invalid value(s)", len(verrs))
	default:
		return fmt.Errorf("failed to load configuration: %w", err)
	}
}

// settableKeys maps every key 'config set' accepts to its value type.
var settableKeys = map[string]string{
	"replay.max_events":             "int",
	"replay.max_bytes":              "int",
	"replay.ttl_seconds":            "int",
	"replay.prune_interval_seconds": "int",
	"scheduler.flush_interval_ms":   "int",
	"scheduler.max_lossy_depth":     "int",
	"scheduler.lowest_tier":         "int",
	"dispatch.timeout_ms":           "int",
	"lifecycle.queue_size":          "int",
	"lifecycle.shutdown_timeout_ms": "int",
	"producers.max_tries":           "int",
	"forge.schedule":                "string",
	"forge.rate_limit":              "float",
	"logging.enabled":               "bool",
	"logging.level":                 "string",
	"logging.dir":                   "string",
}

func keyList() string {
	keys := make([]string, 0, len(settableKeys))
	for k, typ := range settableKeys {
		keys = append(keys, fmt.Sprintf("  %s (%s)", k, typ))
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

func parseValue(key, value string) (any, error) {
	switch settableKeys[key] {
	case "bool":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case "int":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		return n, nil
	case "float":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected number", key)
		}
		return f, nil
	default:
		return value, nil
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if _, ok := settableKeys[key]; !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'panecore config set --help' to see valid keys", key)
	}
	typed, err := parseValue(key, value)
	if err != nil {
		return err
	}

	viper.Set(key, typed)
	if _, err := appconfig.Load(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	path := appconfig.ConfigFile()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Set %s = %v\n", key, typed)
	_, _ = fmt.Fprintf(out, "Config saved to %s\n", path)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	path := appconfig.ConfigFile()

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := writeYAML(f, appconfig.Default()); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		_, _ = fmt.Fprintln(out, used)
		return nil
	}
	_, _ = fmt.Fprintln(out, appconfig.ConfigFile())
	return nil
}
