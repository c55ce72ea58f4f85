package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
	"github.com/Iron-Ham/panecore/internal/logging"
)

// Change is the kind of registry change an observer is told about.
type Change int

const (
	// Registered is reported after an entity is added.
	Registered Change = iota
	// Unregistered is reported after an entity is removed.
	Unregistered
)

// String returns the change name.
func (c Change) String() string {
	if c == Unregistered {
		return "unregistered"
	}
	return "registered"
}

// Observer is told about registry changes. It runs outside the registry lock
// and may call back into the registry.
type Observer func(change Change, e Entity)

// Registry maps entity ids to live entities. Lookups are O(1) and never
// return a terminated entity.
type Registry struct {
	mu        sync.RWMutex
	entities  map[string]Entity
	observers map[string]Observer
	logger    *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		entities:  make(map[string]Entity),
		observers: make(map[string]Observer),
		logger:    logger.WithComponent("registry"),
	}
}

// Register adds e. Registering an id that is already present is a
// precondition failure: the existing entity is kept and an
// *errors.AlreadyExistsError matching ErrDuplicateEntity is returned.
func (r *Registry) Register(e Entity) error {
	if e == nil {
		return coreerrors.NewValidationError("entity is nil")
	}
	id := e.ID()
	if id == "" {
		return coreerrors.NewValidationError("entity id is required").WithField("id")
	}
	if state := e.State(); state == StateTerminated {
		return coreerrors.NewEntityError("cannot register a terminated entity", coreerrors.ErrEntityNotReady).
			WithEntityID(id).
			WithState(state.String())
	}

	r.mu.Lock()
	if _, exists := r.entities[id]; exists {
		r.mu.Unlock()
		r.logger.Error("duplicate entity registration", "entity_id", id)
		return coreerrors.NewAlreadyExistsError("entity", id).WithCause(coreerrors.ErrDuplicateEntity)
	}
	r.entities[id] = e
	observers := r.observersLocked()
	r.mu.Unlock()

	r.logger.Debug("entity registered", "entity_id", id)
	for _, fn := range observers {
		fn(Registered, e)
	}
	return nil
}

// MustRegister is like Register but panics on failure.
func (r *Registry) MustRegister(e Entity) {
	if err := r.Register(e); err != nil {
		panic(fmt.Sprintf("entity: %v", err))
	}
}

// Unregister removes and returns the entity with id.
func (r *Registry) Unregister(id string) (Entity, bool) {
	r.mu.Lock()
	e, ok := r.entities[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	delete(r.entities, id)
	observers := r.observersLocked()
	r.mu.Unlock()

	r.logger.Debug("entity unregistered", "entity_id", id)
	for _, fn := range observers {
		fn(Unregistered, e)
	}
	return e, true
}

// Remove unregisters e, but only while e is still the entity registered under
// its id. Owners use it to clean up after an entity without racing a
// replacement. It reports whether e was removed.
func (r *Registry) Remove(e Entity) bool {
	r.mu.Lock()
	current, ok := r.entities[e.ID()]
	if !ok || current != e {
		r.mu.Unlock()
		return false
	}
	delete(r.entities, e.ID())
	observers := r.observersLocked()
	r.mu.Unlock()

	r.logger.Debug("entity unregistered", "entity_id", e.ID())
	for _, fn := range observers {
		fn(Unregistered, e)
	}
	return true
}

// Get returns the entity registered under id in any state, including
// terminated entities not yet unregistered.
func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[id]
	return e, ok
}

// Lookup returns the live entity with id.
func (r *Registry) Lookup(id string) (Entity, bool) {
	r.mu.RLock()
	e, ok := r.entities[id]
	r.mu.RUnlock()
	if !ok || e.State() == StateTerminated {
		return nil, false
	}
	return e, true
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Observe registers fn under key, replacing any observer with the same key.
func (r *Registry) Observe(key string, fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[key] = fn
}

// Unobserve removes the observer under key. It returns false if none existed.
func (r *Registry) Unobserve(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[key]; !ok {
		return false
	}
	delete(r.observers, key)
	return true
}

func (r *Registry) observersLocked() []Observer {
	if len(r.observers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.observers))
	for k := range r.observers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Observer, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.observers[k])
	}
	return out
}

// ShutdownAll shuts every registered entity down concurrently, each bounded
// by timeout, and unregisters them. The result maps entity ids to the
// commands that did not finish; entities that finished cleanly are omitted.
func (r *Registry) ShutdownAll(timeout time.Duration) map[string][]uuid.UUID {
	r.mu.RLock()
	entities := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		entities = append(entities, e)
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		out = make(map[string][]uuid.UUID)
		g   errgroup.Group
	)
	for _, e := range entities {
		g.Go(func() error {
			unfinished := e.Shutdown(timeout)
			r.Remove(e)
			if len(unfinished) > 0 {
				mu.Lock()
				out[e.ID()] = unfinished
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("all entities shut down", "count", len(entities), "with_unfinished", len(out))
	return out
}
