package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/panecore/internal/command"
	"github.com/Iron-Ham/panecore/internal/config"
	"github.com/Iron-Ham/panecore/internal/coordination"
	"github.com/Iron-Ham/panecore/internal/entity"
	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer/forge"
	"github.com/Iron-Ham/panecore/internal/producer/fswatch"
	"github.com/Iron-Ham/panecore/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordination core and tail scheduled events",
	Long: `Run starts a coordination hub with the configured producers, opens the
requested demo panes and prints every event the scheduler delivers.

Lines read from stdin are dispatched to panes:
  <pane-id> <text>    send text as input (the demo pane echoes it)
  <pane-id> :focus    focus the pane
  <pane-id> :close    close the pane

Examples:
  panecore run --pane shell --watch .
  panecore run --forge git@github.com:org/app.git@main --duration 2m`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringSlice("pane", nil, "open a demo pane with this id (repeatable)")
	runCmd.Flags().StringSlice("watch", nil, "watch this directory in addition to watch.roots (repeatable)")
	runCmd.Flags().StringSlice("forge", nil, "follow a remote ref, as repo@ref (repeatable)")
	runCmd.Flags().Duration("duration", 0, "stop after this long (default: until interrupted)")
	runCmd.Flags().Bool("no-color", false, "disable colored output")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	panes, _ := cmd.Flags().GetStringSlice("pane")
	watch, _ := cmd.Flags().GetStringSlice("watch")
	forgeRefs, _ := cmd.Flags().GetStringSlice("forge")
	duration, _ := cmd.Flags().GetDuration("duration")
	noColor, _ := cmd.Flags().GetBool("no-color")

	cfg.Watch.Roots = append(cfg.Watch.Roots, watch...)
	for _, ref := range forgeRefs {
		cfg.Forge.Targets = append(cfg.Forge.Targets, parseForgeTarget(ref))
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return config.ValidationErrors(errs)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Close() }()

	out := cmd.OutOrStdout()
	printer := newTailPrinter(out, !noColor && isTerminal(out))

	hub, err := coordination.NewHub(hubConfig(cfg, printer), coordination.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	if err := addProducers(hub, cfg, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	cwd, _ := os.Getwd()
	for _, id := range panes {
		if err := openDemoPane(hub, id, cwd); err != nil {
			hub.Close(cfg.Lifecycle.ShutdownTimeout())
			return fmt.Errorf("failed to open pane %s: %w", id, err)
		}
	}

	go dispatchLines(ctx, cmd.InOrStdin(), hub, cmd.ErrOrStderr())

	<-ctx.Done()

	unfinished := hub.Close(cfg.Lifecycle.ShutdownTimeout())
	for id, cmds := range unfinished {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "pane %s left %d commands unfinished\n", id, len(cmds))
	}
	printCounters(cmd.ErrOrStderr(), hub)
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLogger(cfg.LoggingOptions())
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// hubConfig maps the file configuration onto the hub's components.
func hubConfig(cfg *config.Config, sink scheduler.Sink) coordination.Config {
	return coordination.Config{
		Replay:          cfg.ReplayLimits(),
		Scheduler:       cfg.SchedulerConfig(),
		DispatchTimeout: cfg.DispatchTimeout(),
		PruneInterval:   cfg.PruneInterval(),
		RetryPolicy:     cfg.RetryPolicy(),
		Pane: coordination.PaneDefaults{
			QueueSize:    cfg.Lifecycle.QueueSize,
			DedupWindow:  cfg.Lifecycle.DedupWindow(),
			DedupEntries: cfg.Lifecycle.DedupEntries,
			CloseTimeout: cfg.Lifecycle.CloseTimeout(),
		},
		Sink: sink,
	}
}

func addProducers(hub *coordination.Hub, cfg *config.Config, logger *logging.Logger) error {
	for _, wc := range cfg.WatchConfigs() {
		w, err := fswatch.New(wc, fswatch.WithLocator(hub.Locate), fswatch.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create watcher for %s: %w", wc.Root, err)
		}
		if err := hub.AddProducer(w); err != nil {
			return err
		}
	}

	if fc, ok := cfg.ForgeConfig(); ok {
		p, err := forge.New(fc, forge.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create forge poller: %w", err)
		}
		if err := hub.AddProducer(p); err != nil {
			return err
		}
	}
	return nil
}

// parseForgeTarget splits repo@ref on the last @, so ssh remotes such as
// git@host:org/app.git@main keep their user. A missing ref means HEAD.
// Refs cannot contain a colon, which tells git@host:org/app.git apart.
func parseForgeTarget(s string) config.ForgeTarget {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 || strings.Contains(s[i+1:], ":") {
		return config.ForgeTarget{Repo: s, Ref: "HEAD"}
	}
	return config.ForgeTarget{Repo: s[:i], Ref: s[i+1:]}
}

// openDemoPane opens a pane whose backend echoes input back as output.
func openDemoPane(hub *coordination.Hub, id, dir string) error {
	var pane *entity.Pane
	backend := entity.BackendFunc(func(_ context.Context, c command.Command) error {
		if in, ok := c.Payload.(command.Input); ok && pane != nil {
			return pane.EmitOutput([]byte(in.Text))
		}
		return nil
	})

	var err error
	pane, err = hub.OpenPane(id, backend,
		entity.WithWorkDir(dir),
		entity.WithTier(entity.TierVisible))
	if err != nil {
		return err
	}
	_ = pane.EmitTitle(id)
	if dir != "" {
		_ = pane.EmitCwd(dir)
	}
	return nil
}

// dispatchLines turns stdin lines into commands until ctx is done or input
// ends.
func dispatchLines(ctx context.Context, in io.Reader, hub *coordination.Hub, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		id, c, ok := parseCommandLine(scanner.Text())
		if !ok {
			continue
		}
		res := hub.Dispatch(ctx, id, c)
		if !res.OK() {
			_, _ = fmt.Fprintf(errOut, "%s: %s\n", id, res)
		}
	}
}

// parseCommandLine reads "<pane-id> <text>" or "<pane-id> :<command>".
func parseCommandLine(line string) (string, command.Command, bool) {
	id, rest, found := strings.Cut(strings.TrimSpace(line), " ")
	if !found || id == "" {
		return "", command.Command{}, false
	}
	switch rest {
	case ":focus":
		return id, command.New(command.Focus{}), true
	case ":close":
		return id, command.New(command.Close{}), true
	default:
		return id, command.New(command.Input{Text: rest + "\n"}), true
	}
}

func printCounters(w io.Writer, hub *coordination.Hub) {
	counters := hub.Counters()
	snapshot := counters.Snapshot()
	for _, name := range counters.Names() {
		_, _ = fmt.Fprintf(w, "%s=%d\n", name, snapshot[name])
	}
}
