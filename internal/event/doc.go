// Package event defines the envelope model and the fan-out bus at the center
// of panecore.
//
// Producers never construct envelopes by hand. Each [Source] is owned by
// exactly one [Emitter], which validates the payload, assigns the next
// sequence number and posts the finished [Envelope] to a [Sink] (normally the
// coordination hub) while holding its lock. Per-source ordering therefore holds
// by construction; ordering across sources is best-effort only.
//
// # Main Types
//
//   - [Source]: who produced an event (entity, group or system)
//   - [Payload]: sealed set of event bodies; each variant reports its own
//     [Scope] and [ActionPolicy]
//   - [Extension]: the one open variant, validated before it enters the bus
//   - [Envelope]: payload plus source, sequence, ids, timestamp and epoch
//   - [Emitter]: single writer for one source
//   - [Bus]: non-blocking fan-out to independent [Subscription] streams
//
// # Delivery Policies
//
// A payload declares whether it is critical (delivered on receipt, never
// coalesced) or lossy (coalesced by consolidation key, latest wins). The bus
// itself does not look at policies; the scheduler does.
//
// # Thread Safety
//
// [Bus] and [Emitter] are safe for concurrent use. [Bus.Post] never blocks on
// a subscriber. Each subscription has its own queue and delivery goroutine;
// subscriptions created with [WithDropOldest] discard their oldest undelivered
// envelope when full and count the discard.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	sub := bus.Subscribe(event.WithName("ui"))
//	defer sub.Close()
//
//	em := event.NewEmitter(event.EntitySource("pane-1"), bus)
//	em.Emit(event.PaneTitleChanged{Title: "vim"})
//
//	env := <-sub.C()
//	fmt.Println(env.Source, env.Seq, env.Kind()) // entity:pane-1 1 pane.title
//
// # Event Kind Naming Convention
//
// Kinds follow the pattern "category.action":
//   - lifecycle.changed, command.completed
//   - pane.output, pane.title, pane.cwd, pane.bell, pane.exited
//   - diff.updated, page.navigated
//   - fs.changed, forge.status, security.alert, error.raised
//   - ext.<producer>.<kind> for extensions
package event
