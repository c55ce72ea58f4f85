package coordination

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Iron-Ham/panecore/internal/command"
	"github.com/Iron-Ham/panecore/internal/diag"
	"github.com/Iron-Ham/panecore/internal/dispatch"
	"github.com/Iron-Ham/panecore/internal/entity"
	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/event"
	"github.com/Iron-Ham/panecore/internal/logging"
	"github.com/Iron-Ham/panecore/internal/producer"
	"github.com/Iron-Ham/panecore/internal/producer/fswatch"
	"github.com/Iron-Ham/panecore/internal/replay"
	"github.com/Iron-Ham/panecore/internal/scheduler"
)

// CoreSource is the system source the hub reports contract violations from.
var CoreSource = event.SystemSource("core")

// Hub is the coordinating owner of one event coordination core. It holds the
// bus, the replay store, the scheduler, the entity registry, the dispatcher
// and the producer supervisor, and is the only place emitters are handed out.
type Hub struct {
	cfg      Config
	logger   *logging.Logger
	counters *diag.Counters

	bus        *event.Bus
	replay     *replay.Store
	sched      *scheduler.Scheduler
	registry   *entity.Registry
	dispatcher *dispatch.Dispatcher
	supervisor *producer.Supervisor

	// alerts is the hub's own emitter for ErrorRaised events.
	alerts *event.Emitter

	emMu     sync.Mutex
	emitters map[event.Source]*event.Emitter

	// extMu serializes envelopes posted without an emitter and tracks their
	// last sequence number per source.
	extMu  sync.Mutex
	extSeq map[event.Source]uint64

	// retired holds each terminated entity until its id is registered again,
	// so a repeated Shutdown returns the first call's result.
	retiredMu sync.Mutex
	retired   map[string]entity.Entity

	mu            sync.Mutex
	started       bool
	stopped       bool
	stopProducers context.CancelFunc
	stopCore      context.CancelFunc
	producersDone chan struct{}
	coreDone      chan struct{}
	schedSub      *event.Subscription
}

// NewHub builds every component from cfg. Nothing runs until Start.
func NewHub(cfg Config, opts ...Option) (*Hub, error) {
	hc := &hubConfig{}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.logger == nil {
		hc.logger = logging.NopLogger()
	}
	if hc.counters == nil {
		hc.counters = diag.New(nil)
	}
	if cfg.Sink == nil {
		cfg.Sink = scheduler.SinkFuncs{}
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}

	h := &Hub{
		cfg:      cfg,
		logger:   hc.logger.WithComponent("hub"),
		counters: hc.counters,
		emitters: make(map[event.Source]*event.Emitter),
		extSeq:   make(map[event.Source]uint64),
		retired:  make(map[string]entity.Entity),
	}

	h.bus = event.NewBus(event.WithLogger(hc.logger), event.WithCounters(hc.counters))
	h.replay = replay.New(cfg.Replay, replay.WithCounters(hc.counters))
	h.registry = entity.NewRegistry(hc.logger)
	h.sched = scheduler.New(cfg.Scheduler, scheduler.TierFunc(h.resolveTier), cfg.Sink,
		scheduler.WithLogger(hc.logger),
		scheduler.WithCounters(hc.counters))
	h.dispatcher = dispatch.New(h.registry,
		dispatch.WithTimeout(cfg.DispatchTimeout),
		dispatch.WithLogger(hc.logger),
		dispatch.WithCounters(hc.counters))
	h.supervisor = producer.NewSupervisor(h,
		producer.WithRetryPolicy(cfg.RetryPolicy),
		producer.WithLogger(hc.logger),
		producer.WithCounters(hc.counters))

	alerts, err := h.Emitter(CoreSource)
	if err != nil {
		return nil, err
	}
	h.alerts = alerts

	for _, p := range hc.producers {
		if err := h.supervisor.Add(p); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Counters returns the diagnostic counters shared by every component.
func (h *Hub) Counters() *diag.Counters { return h.counters }

// Registry returns the entity registry.
func (h *Hub) Registry() *entity.Registry { return h.registry }

// Scheduler returns the priority scheduler.
func (h *Hub) Scheduler() *scheduler.Scheduler { return h.sched }

// Replay returns the replay store.
func (h *Hub) Replay() *replay.Store { return h.replay }

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Emitter hands out the single emitter for src. A second request for a source
// whose emitter is still open fails with ErrSourceInUse. Closing the emitter
// releases a group or system source; entity sources are released when the
// entity is cleaned up, so a replacement cannot race its predecessor's
// teardown.
func (h *Hub) Emitter(src event.Source) (*event.Emitter, error) {
	if src.IsZero() {
		return nil, coreerrors.NewContractError("emitter needs a source", coreerrors.ErrInvalidSource)
	}

	h.emMu.Lock()
	defer h.emMu.Unlock()

	if _, ok := h.emitters[src]; ok {
		return nil, coreerrors.NewContractError("source already has an emitter", coreerrors.ErrSourceInUse).
			WithSource(src.String())
	}
	em := event.NewEmitter(src, event.SinkFunc(func(env event.Envelope) { _ = h.accept(env) }))
	em.OnReject(func(p event.Payload, err error) {
		h.violation(event.Envelope{Source: src, Payload: p}, err)
	})
	if src.Kind != event.SourceEntity {
		em.OnClose(func() { h.release(src, em) })
	}
	h.emitters[src] = em
	return em, nil
}

func (h *Hub) release(src event.Source, em *event.Emitter) {
	h.emMu.Lock()
	defer h.emMu.Unlock()
	if current, ok := h.emitters[src]; ok && current == em {
		delete(h.emitters, src)
	}
}

// releaseClosed releases src if its emitter has been closed.
func (h *Hub) releaseClosed(src event.Source) {
	h.emMu.Lock()
	defer h.emMu.Unlock()
	if em, ok := h.emitters[src]; ok && em.Closed() {
		delete(h.emitters, src)
	}
}

// Post accepts an envelope produced outside the hub's emitters, such as one
// forwarded from an extension host. It is validated, recorded for replay and
// fanned out. Envelopes for a source that has a live emitter, or whose
// sequence number does not increase, are rejected. Every rejection is
// reported as an ErrorRaised event and returned.
func (h *Hub) Post(env event.Envelope) error {
	h.emMu.Lock()
	_, owned := h.emitters[env.Source]
	h.emMu.Unlock()
	if owned {
		err := coreerrors.NewContractError("source is owned by an emitter", coreerrors.ErrSourceInUse).
			WithSource(env.Source.String()).
			WithPayloadKind(env.Kind())
		h.violation(env, err)
		return err
	}

	h.extMu.Lock()
	defer h.extMu.Unlock()

	if last := h.extSeq[env.Source]; env.Seq != 0 && env.Seq <= last {
		err := coreerrors.NewContractError("sequence number did not increase", coreerrors.ErrInvalidSequence).
			WithSource(env.Source.String()).
			WithPayloadKind(env.Kind())
		h.violation(env, err)
		return err
	}
	if err := h.accept(env); err != nil {
		return err
	}
	h.extSeq[env.Source] = env.Seq
	return nil
}

// accept is the path every envelope takes: validate, record, fan out.
func (h *Hub) accept(env event.Envelope) error {
	if err := event.Validate(env); err != nil {
		h.violation(env, err)
		return err
	}
	h.replay.Append(env)
	h.bus.Post(env)
	return nil
}

func (h *Hub) violation(env event.Envelope, err error) {
	h.counters.Inc(diag.ContractViolations, attribute.String("source_kind", env.Source.Kind.String()))
	h.logger.Warn("envelope rejected",
		"source", env.Source.String(),
		"kind", env.Kind(),
		"seq", env.Seq,
		"error", err.Error())
	h.raise("contract", err, false)
}

// raise posts an ErrorRaised event from the hub's own source.
func (h *Hub) raise(component string, err error, fatal bool) {
	if h.alerts == nil {
		return
	}
	if _, emitErr := h.alerts.Emit(event.ErrorRaised{
		Component: component,
		Message:   err.Error(),
		Fatal:     fatal,
	}); emitErr != nil && !errors.Is(emitErr, coreerrors.ErrClosed) {
		h.logger.Warn("failed to raise error event", "error", emitErr.Error())
	}
}

// Subscribe opens an independent stream of every envelope posted from now on.
func (h *Hub) Subscribe(opts ...event.SubscribeOption) *event.Subscription {
	return h.bus.Subscribe(opts...)
}

// SubscribeFunc runs handler for every envelope posted from now on.
func (h *Hub) SubscribeFunc(handler event.Handler, opts ...event.SubscribeOption) *event.Subscription {
	return h.bus.SubscribeFunc(handler, opts...)
}

// EventsSince returns the retained events of src from seq on.
func (h *Hub) EventsSince(src event.Source, seq uint64) replay.Result {
	return h.replay.EventsSince(src, seq)
}

// resolveTier places system sources first and entities at their current
// visibility tier. Groups and unknown sources fall to the scheduler's lowest
// tier.
func (h *Hub) resolveTier(src event.Source) (int, bool) {
	switch src.Kind {
	case event.SourceSystem:
		return entity.TierFocused, true
	case event.SourceEntity:
		if e, ok := h.registry.Get(src.ID); ok {
			if t, ok := e.(entity.Tiered); ok {
				return t.VisibilityTier(), true
			}
		}
	}
	return 0, false
}

// -----------------------------------------------------------------------------
// Entities
// -----------------------------------------------------------------------------

// Register adds an entity built outside the hub. A duplicate id is a fatal
// precondition: the error is returned and also raised on the bus.
func (h *Hub) Register(e entity.Entity) error {
	err := h.registry.Register(e)
	if errors.Is(err, coreerrors.ErrDuplicateEntity) {
		h.counters.Inc(diag.ContractViolations, attribute.String("source_kind", event.SourceEntity.String()))
		h.raise("registry", err, true)
	}
	if err == nil {
		h.retiredMu.Lock()
		delete(h.retired, e.ID())
		h.retiredMu.Unlock()
	}
	return err
}

// Unregister removes the entity with id and forgets its replay history.
func (h *Hub) Unregister(id string) (entity.Entity, bool) {
	e, ok := h.registry.Unregister(id)
	if ok {
		h.replay.Forget(event.EntitySource(id))
		h.releaseClosed(event.EntitySource(id))
	}
	return e, ok
}

// Lookup returns the live entity with id.
func (h *Hub) Lookup(id string) (entity.Entity, bool) {
	return h.registry.Lookup(id)
}

// OpenPane creates a pane with its own emitter, registers it and starts it.
// The hub cleans up after the pane once it terminates, however that happens.
func (h *Hub) OpenPane(id string, backend entity.Backend, opts ...entity.PaneOption) (*entity.Pane, error) {
	if _, exists := h.registry.Get(id); exists {
		err := coreerrors.NewAlreadyExistsError("entity", id).WithCause(coreerrors.ErrDuplicateEntity)
		h.counters.Inc(diag.ContractViolations, attribute.String("source_kind", event.SourceEntity.String()))
		h.raise("registry", err, true)
		return nil, err
	}

	src := event.EntitySource(id)
	em, err := h.Emitter(src)
	if err != nil {
		return nil, err
	}

	var pane *entity.Pane
	all := append(h.cfg.Pane.options(), entity.WithPaneLogger(h.logger))
	all = append(all, opts...)
	all = append(all, entity.WithOnTerminated(func(string) {
		if pane != nil {
			h.cleanup(pane)
		}
	}))

	pane, err = entity.NewPane(id, em, backend, all...)
	if err != nil {
		h.release(src, em)
		return nil, err
	}
	if err := h.Register(pane); err != nil {
		h.release(src, em)
		return nil, err
	}
	if err := pane.Start(); err != nil {
		h.registry.Remove(pane)
		h.release(src, em)
		return nil, err
	}
	return pane, nil
}

// cleanup unregisters a terminated entity, forgets its replay history,
// releases its source and retires it. It is safe to call more than once.
func (h *Hub) cleanup(e entity.Entity) {
	if e == nil {
		return
	}
	id := e.ID()
	src := event.EntitySource(id)
	h.registry.Remove(e)
	if _, replaced := h.registry.Get(id); !replaced {
		h.replay.Forget(src)
		h.retiredMu.Lock()
		h.retired[id] = e
		h.retiredMu.Unlock()
	}
	h.releaseClosed(src)
}

// Shutdown drains and terminates the entity with id, then cleans up after it.
// It returns the commands that did not finish. Repeated calls return the same
// ids until the id is registered again; unknown ids return nil.
func (h *Hub) Shutdown(id string, timeout time.Duration) []uuid.UUID {
	e, ok := h.registry.Get(id)
	if !ok {
		h.retiredMu.Lock()
		e, ok = h.retired[id]
		h.retiredMu.Unlock()
		if !ok {
			return nil
		}
	}
	unfinished := e.Shutdown(timeout)
	h.cleanup(e)
	return unfinished
}

// ShutdownAll shuts every entity down concurrently.
func (h *Hub) ShutdownAll(timeout time.Duration) map[string][]uuid.UUID {
	var entities []entity.Entity
	for _, id := range h.registry.IDs() {
		if e, ok := h.registry.Get(id); ok {
			entities = append(entities, e)
		}
	}
	out := h.registry.ShutdownAll(timeout)
	for _, e := range entities {
		h.cleanup(e)
	}
	return out
}

// Dispatch sends cmd to the entity with id and waits, bounded by the
// configured dispatch timeout, for its result.
func (h *Hub) Dispatch(ctx context.Context, id string, cmd command.Command) command.Result {
	return h.dispatcher.Dispatch(ctx, id, cmd)
}

// Locate returns the ids of entities whose working directory contains path,
// sorted. It is the locator the filesystem producer enriches batches with.
func (h *Hub) Locate(path string) []string {
	var ids []string
	for _, id := range h.registry.IDs() {
		e, ok := h.registry.Lookup(id)
		if !ok {
			continue
		}
		wd, ok := e.(interface{ WorkDir() string })
		if ok && fswatch.ContainsPath(wd.WorkDir(), path) {
			ids = append(ids, id)
		}
	}
	return ids
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// AddProducer registers a boundary producer. Producers must be added before
// Start.
func (h *Hub) AddProducer(p producer.Producer) error {
	return h.supervisor.Add(p)
}

// Start runs the scheduler, the replay sweep and every producer. Calling
// Start on a running hub does nothing; a stopped hub cannot be restarted.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return coreerrors.Wrap(coreerrors.ErrClosed, "hub stopped")
	}
	if h.started {
		return nil
	}
	h.started = true

	coreCtx, stopCore := context.WithCancel(ctx)
	producersCtx, stopProducers := context.WithCancel(ctx)
	h.stopCore = stopCore
	h.stopProducers = stopProducers
	h.coreDone = make(chan struct{})
	h.producersDone = make(chan struct{})

	// The scheduler must see every envelope, so its subscription is unbounded.
	h.schedSub = h.bus.Subscribe(event.WithName("scheduler"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := h.sched.Run(coreCtx, h.schedSub.C()); err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Error("scheduler stopped", "error", err.Error())
		}
	}()
	go func() {
		defer wg.Done()
		h.pruneLoop(coreCtx)
	}()
	go func() {
		wg.Wait()
		close(h.coreDone)
	}()

	go func() {
		defer close(h.producersDone)
		if err := h.supervisor.Run(producersCtx); err != nil {
			h.logger.Error("producer supervisor stopped", "error", err.Error())
		}
	}()

	h.logger.Info("hub started", "producers", len(h.supervisor.Names()))
	return nil
}

func (h *Hub) pruneLoop(ctx context.Context) {
	if h.cfg.PruneInterval < 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.replay.Prune(); n > 0 {
				h.logger.Debug("replay pruned", "evicted", n)
			}
		}
	}
}

// Stop stops the producers, then the scheduler (which flushes what it holds)
// and the replay sweep. Entities are left alone; see Close. Stop is
// idempotent.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.stopped = true
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	h.stopProducers()
	<-h.producersDone

	h.stopCore()
	<-h.coreDone
	h.schedSub.Close()

	h.logger.Info("hub stopped")
	return nil
}

// Running reports whether the hub has been started and not stopped.
func (h *Hub) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started && !h.stopped
}

// Close shuts every entity down, stops the hub and closes the bus. It returns
// the commands that did not finish, per entity.
func (h *Hub) Close(timeout time.Duration) map[string][]uuid.UUID {
	unfinished := h.ShutdownAll(timeout)
	_ = h.Stop()
	h.alerts.Close()
	h.bus.Close()
	return unfinished
}
