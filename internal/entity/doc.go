// Package entity provides the lifecycle, registry and reference Pane for the
// live participants the core coordinates.
//
// Every entity moves forward through created -> ready -> draining ->
// terminated, one step at a time. Only a ready entity accepts commands; a
// ready or draining entity may emit events; a terminated entity is never
// returned from the registry.
//
// Usage:
//
//	reg := entity.NewRegistry(logger)
//	pane, err := entity.NewPane("pane-1", emitter, backend)
//	if err != nil {
//	    return err
//	}
//	if err := reg.Register(pane); err != nil {
//	    return err
//	}
//	_ = pane.Start()
//
//	res := pane.HandleCommand(ctx, command.New(command.Resize{Cols: 120, Rows: 40}))
//
//	// Drain for at most two seconds.
//	unfinished := pane.Shutdown(2 * time.Second)
//
// A Pane executes commands on one worker goroutine. A command that arrives
// while the worker is idle runs immediately and its result is returned; one
// that arrives while the worker is busy is queued and reported later through
// a CommandCompleted event.
package entity
