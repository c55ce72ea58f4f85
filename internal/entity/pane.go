package entity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/panecore/internal/command"
	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// Pane defaults.
const (
	DefaultQueueSize    = 64
	DefaultCloseTimeout = 2 * time.Second
)

// Backend executes commands against the external thing a pane fronts, such
// as a terminal adapter. Execute should return promptly once ctx is done.
type Backend interface {
	Execute(ctx context.Context, cmd command.Command) error
	Close() error
}

// BackendFunc adapts a function to Backend. Close is a no-op.
type BackendFunc func(ctx context.Context, cmd command.Command) error

// Execute calls f(ctx, cmd).
func (f BackendFunc) Execute(ctx context.Context, cmd command.Command) error { return f(ctx, cmd) }

// Close does nothing.
func (BackendFunc) Close() error { return nil }

type paneConfig struct {
	queueSize    int
	caps         command.Capabilities
	dedupWindow  time.Duration
	dedupEntries int
	tier         int
	closeTimeout time.Duration
	logger       *logging.Logger
	onTerminated func(id string)
	workDir      string
}

// PaneOption configures a Pane.
type PaneOption func(*paneConfig)

// WithQueueSize bounds the number of queued commands.
func WithQueueSize(n int) PaneOption {
	return func(c *paneConfig) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// WithCapabilities restricts the command kinds the pane accepts.
func WithCapabilities(kinds ...command.Kind) PaneOption {
	return func(c *paneConfig) { c.caps = command.NewCapabilities(kinds...) }
}

// WithDedup sets the dedup window and entry bound.
func WithDedup(window time.Duration, entries int) PaneOption {
	return func(c *paneConfig) {
		c.dedupWindow = window
		c.dedupEntries = entries
	}
}

// WithTier sets the initial visibility tier.
func WithTier(tier int) PaneOption {
	return func(c *paneConfig) { c.tier = tier }
}

// WithCloseTimeout sets how long a close command waits for in-flight work.
func WithCloseTimeout(d time.Duration) PaneOption {
	return func(c *paneConfig) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithPaneLogger sets the pane's logger.
func WithPaneLogger(l *logging.Logger) PaneOption {
	return func(c *paneConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithWorkDir sets the pane's initial working directory.
func WithWorkDir(dir string) PaneOption {
	return func(c *paneConfig) { c.workDir = dir }
}

// WithOnTerminated registers fn to run once after the pane terminates.
func WithOnTerminated(fn func(id string)) PaneOption {
	return func(c *paneConfig) { c.onTerminated = fn }
}

// job is one command waiting for or under execution. Synchronous jobs carry a
// reply channel; once the caller gives up the result is announced as an event
// instead. done is closed after res is set.
type job struct {
	cmd       command.Command
	callerCtx context.Context
	reply     chan command.Result
	done      chan struct{}
	res       command.Result

	mu        sync.Mutex
	abandoned bool
}

func newJob(cmd command.Command) *job {
	return &job{cmd: cmd, done: make(chan struct{})}
}

func (j *job) sync() bool { return j.reply != nil }

// Pane is the reference entity: one terminal-like surface with a command
// queue served by a single worker goroutine.
type Pane struct {
	id        string
	emitter   *event.Emitter
	backend   Backend
	lifecycle *Lifecycle
	dedup     *command.DedupCache
	cfg       paneConfig
	tier      atomic.Int32
	logger    *logging.Logger

	// ctx bounds every backend call. It is canceled when shutdown gives up
	// waiting.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the queue and worker state, and is held across the
	// ready->draining transition so admission and draining cannot interleave.
	mu         sync.Mutex
	queue      []*job
	current    *job
	inflight   map[uuid.UUID]*job
	stopping   bool
	started    bool
	workDir    string
	wake       chan struct{}
	workerDone chan struct{}

	shutdownOnce sync.Once
	unfinished   []uuid.UUID
}

// NewPane creates a pane in StateCreated. The emitter must own the pane's
// entity source.
func NewPane(id string, emitter *event.Emitter, backend Backend, opts ...PaneOption) (*Pane, error) {
	if id == "" {
		return nil, coreerrors.NewValidationError("pane id is required").WithField("id")
	}
	if emitter == nil || emitter.Source() != event.EntitySource(id) {
		return nil, coreerrors.NewValidationError("emitter does not own the pane's source").WithField("emitter").WithValue(id)
	}
	if backend == nil {
		return nil, coreerrors.NewValidationError("pane backend is required").WithField("backend")
	}

	cfg := paneConfig{
		queueSize:    DefaultQueueSize,
		caps:         command.NewCapabilities(command.AllKinds...),
		tier:         TierVisible,
		closeTimeout: DefaultCloseTimeout,
		logger:       logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pane{
		id:         id,
		emitter:    emitter,
		backend:    backend,
		lifecycle:  NewLifecycle(id),
		dedup:      command.NewDedupCache(cfg.dedupWindow, cfg.dedupEntries),
		cfg:        cfg,
		logger:     cfg.logger.WithEntity(id),
		ctx:        ctx,
		cancel:     cancel,
		workDir:    cfg.workDir,
		inflight:   make(map[uuid.UUID]*job),
		wake:       make(chan struct{}, 1),
		workerDone: make(chan struct{}),
	}
	p.tier.Store(int32(cfg.tier))
	return p, nil
}

// ID returns the pane id.
func (p *Pane) ID() string { return p.id }

// State returns the lifecycle state.
func (p *Pane) State() State { return p.lifecycle.State() }

// Capabilities returns the accepted command kinds.
func (p *Pane) Capabilities() command.Capabilities { return p.cfg.caps }

// Source returns the pane's event source.
func (p *Pane) Source() event.Source { return p.emitter.Source() }

// VisibilityTier returns the pane's current tier.
func (p *Pane) VisibilityTier() int { return int(p.tier.Load()) }

// SetVisibilityTier changes the tier used for events scheduled from now on.
func (p *Pane) SetVisibilityTier(tier int) {
	if tier < TierFocused {
		tier = TierFocused
	}
	p.tier.Store(int32(tier))
}

// Start moves the pane from created to ready and starts its worker.
func (p *Pane) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.advanceLocked(StateReady); err != nil {
		return err
	}
	p.started = true
	go p.work()
	p.logger.Info("pane started", "tier", p.VisibilityTier())
	return nil
}

// advanceLocked moves the lifecycle forward and announces the transition.
// The lifecycle event goes out even while draining or terminating.
func (p *Pane) advanceLocked(to State) error {
	from, err := p.lifecycle.Advance(to)
	if err != nil {
		return err
	}
	if _, err := p.emitter.Emit(event.LifecycleChanged{From: from.String(), To: to.String()}); err != nil {
		p.logger.Warn("lifecycle event not emitted", "to", to.String(), "error", err.Error())
	}
	return nil
}

func (p *Pane) notReady(cmd command.Command, state State) command.Result {
	err := coreerrors.NewEntityError("pane is not accepting commands", coreerrors.ErrEntityNotReady).
		WithEntityID(p.id).
		WithState(state.String())
	return command.Failure(cmd.ID, command.ReasonNotReady, err)
}

// HandleCommand validates cmd and either runs it, when the worker is idle, or
// queues it. A queued command's outcome is emitted later as CommandCompleted.
func (p *Pane) HandleCommand(ctx context.Context, cmd command.Command) command.Result {
	if state := p.State(); !state.AcceptsCommands() {
		return p.notReady(cmd, state)
	}
	if err := cmd.Validate(); err != nil {
		return command.Failure(cmd.ID, command.ReasonInvalidPayload, err)
	}
	if !p.cfg.caps.Has(cmd.Kind()) {
		err := coreerrors.NewCommandError("pane does not support "+string(cmd.Kind()), coreerrors.ErrUnsupportedCommand).
			WithCommandID(cmd.ID.String()).
			WithKind(string(cmd.Kind()))
		return command.Failure(cmd.ID, command.ReasonUnsupported, err)
	}
	if cached, ok := p.dedup.Lookup(cmd.ID); ok {
		p.logger.Debug("duplicate command", "command_id", cmd.ID.String(), "result", cached.String())
		return cached
	}

	p.mu.Lock()
	if state := p.lifecycle.State(); !state.AcceptsCommands() {
		p.mu.Unlock()
		return p.notReady(cmd, state)
	}
	if running, ok := p.inflight[cmd.ID]; ok {
		p.mu.Unlock()
		p.logger.Debug("duplicate of a running command", "command_id", cmd.ID.String())
		return p.await(ctx, running)
	}
	// The first run may have settled since the lookup above.
	if cached, ok := p.dedup.Lookup(cmd.ID); ok {
		p.mu.Unlock()
		return cached
	}

	idle := p.current == nil && len(p.queue) == 0
	if !idle {
		if len(p.queue) >= p.cfg.queueSize {
			p.mu.Unlock()
			err := coreerrors.NewCommandError("command queue is full", coreerrors.ErrBackendUnavailable).
				WithCommandID(cmd.ID.String()).
				WithKind(string(cmd.Kind())).
				WithRetryable(true)
			return command.Failure(cmd.ID, command.ReasonBackendUnavailable, err)
		}
		p.queue = append(p.queue, newJob(cmd))
		p.inflight[cmd.ID] = p.queue[len(p.queue)-1]
		res := command.Queued(cmd.ID, len(p.queue))
		p.dedup.Store(cmd.ID, res)
		p.mu.Unlock()
		p.signal()
		return res
	}

	j := newJob(cmd)
	j.callerCtx = ctx
	j.reply = make(chan command.Result, 1)
	p.queue = append(p.queue, j)
	p.inflight[cmd.ID] = j
	p.mu.Unlock()
	p.signal()

	select {
	case res := <-j.reply:
		return res
	case <-ctx.Done():
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	select {
	case res := <-j.reply:
		return res
	default:
	}
	j.abandoned = true
	return p.timedOut(ctx, cmd)
}

// await answers a duplicate of a command that is queued or running with that
// command's result, without executing it again.
func (p *Pane) await(ctx context.Context, j *job) command.Result {
	select {
	case <-j.done:
		return j.res
	case <-ctx.Done():
		return p.timedOut(ctx, j.cmd)
	}
}

func (p *Pane) timedOut(ctx context.Context, cmd command.Command) command.Result {
	var waited time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		waited = time.Until(deadline)
	}
	err := coreerrors.NewTimeoutError("command "+cmd.ID.String(), waited).WithCause(ctx.Err())
	return command.Failure(cmd.ID, command.ReasonTimeout, err)
}

func (p *Pane) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pane) work() {
	defer close(p.workerDone)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			if p.stopping {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			<-p.wake
			p.mu.Lock()
		}
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.current = j
		p.mu.Unlock()

		res := p.execute(j)

		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()

		p.finish(j, res)
	}
}

func (p *Pane) execute(j *job) command.Result {
	ctx := p.ctx
	if j.callerCtx != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(p.ctx)
		defer cancel()
		stop := context.AfterFunc(j.callerCtx, cancel)
		defer stop()
	}

	if err := p.backend.Execute(ctx, j.cmd); err != nil {
		p.logger.Warn("command failed",
			"command_id", j.cmd.ID.String(),
			"kind", string(j.cmd.Kind()),
			"error", err.Error())
		if j.callerCtx != nil && j.callerCtx.Err() != nil {
			terr := coreerrors.NewTimeoutError("command "+j.cmd.ID.String(), 0).WithCause(err)
			return command.Failure(j.cmd.ID, command.ReasonTimeout, terr)
		}
		return command.FailureFrom(j.cmd.ID, err)
	}

	if j.cmd.Kind() == command.KindFocus {
		p.SetVisibilityTier(TierFocused)
	}
	if j.cmd.Kind() == command.KindClose {
		go p.Shutdown(p.cfg.closeTimeout)
	}
	return command.Success(j.cmd.ID)
}

func (p *Pane) finish(j *job, res command.Result) {
	p.dedup.Store(j.cmd.ID, res)
	p.settle(j, res)

	if j.sync() {
		j.mu.Lock()
		if !j.abandoned {
			j.reply <- res
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()
	}

	opts := []event.EmitOption{event.WithCommandID(j.cmd.ID)}
	if j.cmd.CorrelationID != uuid.Nil {
		opts = append(opts, event.WithCorrelationID(j.cmd.CorrelationID))
	}
	completed := event.CommandCompleted{
		CommandID: j.cmd.ID,
		Status:    res.Status.String(),
		Reason:    string(res.Reason),
	}
	if _, err := p.emit(completed, opts...); err != nil {
		p.logger.Debug("completion not emitted", "command_id", j.cmd.ID.String(), "error", err.Error())
	}
}

// Shutdown drains the pane: it stops admitting commands, waits up to timeout
// for queued and in-flight commands, cancels whatever is left and terminates.
// The terminated lifecycle event is the pane's last event. Later calls return
// a copy of the first call's result.
func (p *Pane) Shutdown(timeout time.Duration) []uuid.UUID {
	p.shutdownOnce.Do(func() {
		p.unfinished = p.shutdown(timeout)
	})
	return append([]uuid.UUID(nil), p.unfinished...)
}

func (p *Pane) shutdown(timeout time.Duration) []uuid.UUID {
	p.mu.Lock()
	if p.lifecycle.State() == StateCreated {
		_ = p.advanceLocked(StateReady)
	}
	_ = p.advanceLocked(StateDraining)
	p.stopping = true
	started := p.started
	p.mu.Unlock()
	p.signal()

	p.logger.Info("pane draining", "timeout", timeout.String())

	var unfinished []uuid.UUID
	if started {
		timer := time.NewTimer(timeout)
		select {
		case <-p.workerDone:
		case <-timer.C:
			unfinished = p.abandonQueue()
		}
		timer.Stop()
	}
	p.cancel()

	p.mu.Lock()
	_ = p.advanceLocked(StateTerminated)
	p.mu.Unlock()
	p.emitter.Close()

	if err := p.backend.Close(); err != nil {
		p.logger.Warn("backend close failed", "error", err.Error())
	}
	p.logger.Info("pane terminated", "unfinished", len(unfinished))

	if p.cfg.onTerminated != nil {
		p.cfg.onTerminated(p.id)
	}
	return unfinished
}

// settle publishes res to duplicates waiting on j and forgets j.
func (p *Pane) settle(j *job, res command.Result) {
	p.mu.Lock()
	if p.inflight[j.cmd.ID] == j {
		delete(p.inflight, j.cmd.ID)
	}
	p.mu.Unlock()
	j.res = res
	close(j.done)
}

// abandonQueue drops everything still queued and returns the ids of those
// commands plus the one in flight.
func (p *Pane) abandonQueue() []uuid.UUID {
	p.mu.Lock()

	var ids []uuid.UUID
	if p.current != nil {
		ids = append(ids, p.current.cmd.ID)
	}
	dropped := p.queue
	p.queue = nil
	for _, j := range dropped {
		ids = append(ids, j.cmd.ID)
		if p.inflight[j.cmd.ID] == j {
			delete(p.inflight, j.cmd.ID)
		}
	}
	p.mu.Unlock()

	for _, j := range dropped {
		res := p.notReady(j.cmd, StateDraining)
		if j.sync() {
			j.mu.Lock()
			if !j.abandoned {
				j.reply <- res
			}
			j.mu.Unlock()
		}
		j.res = res
		close(j.done)
	}
	return ids
}

// emit holds mu so no domain event can follow the terminated lifecycle event.
func (p *Pane) emit(payload event.Payload, opts ...event.EmitOption) (event.Envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state := p.lifecycle.State(); !state.EmitsEvents() {
		return event.Envelope{}, coreerrors.NewEntityError("pane is not emitting events", coreerrors.ErrEntityNotReady).
			WithEntityID(p.id).
			WithState(state.String())
	}
	return p.emitter.Emit(payload, opts...)
}

// Emit posts an entity-scoped payload from the pane. It fails unless the pane
// is ready or draining.
func (p *Pane) Emit(payload event.Payload, opts ...event.EmitOption) (event.Envelope, error) {
	return p.emit(payload, opts...)
}

// EmitOutput posts a chunk of terminal output.
func (p *Pane) EmitOutput(data []byte) error {
	_, err := p.emit(event.PaneOutput{Data: data})
	return err
}

// EmitTitle posts a title change.
func (p *Pane) EmitTitle(title string) error {
	_, err := p.emit(event.PaneTitleChanged{Title: title})
	return err
}

// EmitCwd posts a working-directory change and records dir as the pane's
// working directory.
func (p *Pane) EmitCwd(dir string) error {
	if _, err := p.emit(event.PaneCwdChanged{Dir: dir}); err != nil {
		return err
	}
	p.mu.Lock()
	p.workDir = dir
	p.mu.Unlock()
	return nil
}

// WorkDir returns the last working directory the pane reported.
func (p *Pane) WorkDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workDir
}

// EmitBell posts a terminal bell.
func (p *Pane) EmitBell() error {
	_, err := p.emit(event.PaneBell{})
	return err
}

// EmitExited posts the process exit.
func (p *Pane) EmitExited(code int) error {
	_, err := p.emit(event.PaneExited{ExitCode: code})
	return err
}

// EmitDiff posts a diff summary.
func (p *Pane) EmitDiff(d event.DiffUpdated) error {
	_, err := p.emit(d)
	return err
}

// EmitPage posts a page navigation.
func (p *Pane) EmitPage(url string) error {
	_, err := p.emit(event.PageNavigated{URL: url})
	return err
}
