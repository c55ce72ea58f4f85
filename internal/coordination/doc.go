// Package coordination provides a Hub that wires the event coordination core
// together for one process.
//
// The Hub owns the envelope path:
//
//	Emitter → validate → Replay store → Bus → Scheduler → Sink
//
// Plus the entity side:
//
//   - Registry (live entities by id, with observers)
//   - Dispatcher (commands routed to entities with a deadline)
//
// And the boundary:
//
//   - Producer supervisor (filesystem and forge producers, retried with backoff)
//
// Usage:
//
//	hub, err := coordination.NewHub(coordination.DefaultConfig(),
//	    coordination.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := hub.Start(ctx); err != nil {
//	    return err
//	}
//	defer hub.Close(5 * time.Second)
//
//	pane, err := hub.OpenPane("pane-1", backend)
package coordination
