package event

import (
	"fmt"

	"github.com/google/uuid"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// Scope says which source kinds may carry a payload.
type Scope uint8

const (
	// ScopeEntity payloads describe a single entity and require an entity source.
	ScopeEntity Scope = iota + 1
	// ScopeShared payloads are cross-cutting and require a group or system source.
	ScopeShared
)

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeEntity:
		return "entity"
	case ScopeShared:
		return "shared"
	default:
		return "unknown"
	}
}

// Allows reports whether a source of kind k may carry a payload of this scope.
func (s Scope) Allows(k SourceKind) bool {
	switch s {
	case ScopeEntity:
		return k == SourceEntity
	case ScopeShared:
		return k == SourceGroup || k == SourceSystem
	default:
		return false
	}
}

// ActionPolicy is the delivery discipline a payload declares for itself.
// The zero value is Critical.
type ActionPolicy struct {
	lossy bool
	key   string
}

// Critical returns the never-coalesced, deliver-on-receipt policy.
func Critical() ActionPolicy { return ActionPolicy{} }

// Lossy returns the coalesced policy. Within one flush window only the latest
// event per (source, key) is delivered.
func Lossy(key string) ActionPolicy { return ActionPolicy{lossy: true, key: key} }

// IsCritical reports whether the policy is Critical.
func (p ActionPolicy) IsCritical() bool { return !p.lossy }

// ConsolidationKey returns the lossy key, or "" for Critical.
func (p ActionPolicy) ConsolidationKey() string { return p.key }

// String renders "critical" or "lossy(key)".
func (p ActionPolicy) String() string {
	if !p.lossy {
		return "critical"
	}
	return fmt.Sprintf("lossy(%s)", p.key)
}

// Payload is the closed set of event bodies carried by envelopes. Variants
// outside this package are added through Extension. Routing identity never
// lives in a payload.
type Payload interface {
	// Kind returns the dotted event name, e.g. "pane.output".
	Kind() string
	// Scope returns which source kinds may carry the payload.
	Scope() Scope
	// Policy returns the payload's delivery discipline.
	Policy() ActionPolicy

	isPayload()
}

// SizeHinter is implemented by payloads that know their approximate size in
// bytes, used by replay accounting.
type SizeHinter interface {
	SizeHint() int
}

// -----------------------------------------------------------------------------
// Entity-scoped payloads
// -----------------------------------------------------------------------------

// LifecycleChanged announces an entity lifecycle transition.
type LifecycleChanged struct {
	From string
	To   string
}

func (LifecycleChanged) Kind() string         { return "lifecycle.changed" }
func (LifecycleChanged) Scope() Scope         { return ScopeEntity }
func (LifecycleChanged) Policy() ActionPolicy { return Critical() }
func (LifecycleChanged) isPayload()           {}

// PaneOutput carries a chunk of terminal output. Consumers only care about the
// latest chunk per frame, so it is lossy.
type PaneOutput struct {
	Data []byte
}

func (PaneOutput) Kind() string         { return "pane.output" }
func (PaneOutput) Scope() Scope         { return ScopeEntity }
func (PaneOutput) Policy() ActionPolicy { return Lossy("output") }
func (p PaneOutput) SizeHint() int      { return len(p.Data) }
func (PaneOutput) isPayload()           {}

// PaneTitleChanged reports a new terminal title.
type PaneTitleChanged struct {
	Title string
}

func (PaneTitleChanged) Kind() string         { return "pane.title" }
func (PaneTitleChanged) Scope() Scope         { return ScopeEntity }
func (PaneTitleChanged) Policy() ActionPolicy { return Lossy("title") }
func (p PaneTitleChanged) SizeHint() int      { return len(p.Title) }
func (PaneTitleChanged) isPayload()           {}

// PaneCwdChanged reports a new working directory for the pane's shell.
type PaneCwdChanged struct {
	Dir string
}

func (PaneCwdChanged) Kind() string         { return "pane.cwd" }
func (PaneCwdChanged) Scope() Scope         { return ScopeEntity }
func (PaneCwdChanged) Policy() ActionPolicy { return Lossy("cwd") }
func (p PaneCwdChanged) SizeHint() int      { return len(p.Dir) }
func (PaneCwdChanged) isPayload()           {}

// PaneBell reports a terminal bell. Bells drive notifications and are never
// coalesced.
type PaneBell struct{}

func (PaneBell) Kind() string         { return "pane.bell" }
func (PaneBell) Scope() Scope         { return ScopeEntity }
func (PaneBell) Policy() ActionPolicy { return Critical() }
func (PaneBell) isPayload()           {}

// PaneExited reports that the pane's process exited.
type PaneExited struct {
	ExitCode int
}

func (PaneExited) Kind() string         { return "pane.exited" }
func (PaneExited) Scope() Scope         { return ScopeEntity }
func (PaneExited) Policy() ActionPolicy { return Critical() }
func (PaneExited) isPayload()           {}

// DiffUpdated summarizes the working-tree diff shown by a diff pane.
type DiffUpdated struct {
	Files      int
	Insertions int
	Deletions  int
}

func (DiffUpdated) Kind() string         { return "diff.updated" }
func (DiffUpdated) Scope() Scope         { return ScopeEntity }
func (DiffUpdated) Policy() ActionPolicy { return Lossy("diff") }
func (DiffUpdated) isPayload()           {}

// PageNavigated reports navigation in a page-viewing pane.
type PageNavigated struct {
	URL string
}

func (PageNavigated) Kind() string         { return "page.navigated" }
func (PageNavigated) Scope() Scope         { return ScopeEntity }
func (PageNavigated) Policy() ActionPolicy { return Lossy("page") }
func (p PageNavigated) SizeHint() int      { return len(p.URL) }
func (PageNavigated) isPayload()           {}

// CommandCompleted reports the outcome of a command that was queued rather
// than answered synchronously.
type CommandCompleted struct {
	CommandID uuid.UUID
	Status    string
	Reason    string
}

func (CommandCompleted) Kind() string         { return "command.completed" }
func (CommandCompleted) Scope() Scope         { return ScopeEntity }
func (CommandCompleted) Policy() ActionPolicy { return Critical() }
func (CommandCompleted) isPayload()           {}

// -----------------------------------------------------------------------------
// Shared (cross-cutting) payloads
// -----------------------------------------------------------------------------

// FilesChanged is a debounced batch of filesystem changes under Root.
// Entities lists the entities whose working directory contains a changed path.
type FilesChanged struct {
	Root     string
	Paths    []string
	Entities []string
}

func (FilesChanged) Kind() string           { return "fs.changed" }
func (FilesChanged) Scope() Scope           { return ScopeShared }
func (p FilesChanged) Policy() ActionPolicy { return Lossy("fs:" + p.Root) }
func (FilesChanged) isPayload()             {}

// SizeHint sums path lengths.
func (p FilesChanged) SizeHint() int {
	n := len(p.Root)
	for _, path := range p.Paths {
		n += len(path)
	}
	for _, id := range p.Entities {
		n += len(id)
	}
	return n
}

// ForgeStatus reports the revision a remote ref currently points to.
type ForgeStatus struct {
	Repo     string
	Ref      string
	Revision string
}

func (ForgeStatus) Kind() string           { return "forge.status" }
func (ForgeStatus) Scope() Scope           { return ScopeShared }
func (p ForgeStatus) Policy() ActionPolicy { return Lossy("forge:" + p.Repo + "@" + p.Ref) }
func (ForgeStatus) isPayload()             {}

// SecurityAlert reports a security-relevant condition, such as a producer
// asking for a capability it was never granted.
type SecurityAlert struct {
	Subject string
	Reason  string
}

func (SecurityAlert) Kind() string         { return "security.alert" }
func (SecurityAlert) Scope() Scope         { return ScopeShared }
func (SecurityAlert) Policy() ActionPolicy { return Critical() }
func (SecurityAlert) isPayload()           {}

// ErrorRaised carries a runtime error on the bus: contract violations and
// producer failures that could not be recovered locally.
type ErrorRaised struct {
	Component string
	Message   string
	Fatal     bool
}

func (ErrorRaised) Kind() string         { return "error.raised" }
func (ErrorRaised) Scope() Scope         { return ScopeShared }
func (ErrorRaised) Policy() ActionPolicy { return Critical() }
func (ErrorRaised) isPayload()           {}

// -----------------------------------------------------------------------------
// Extension
// -----------------------------------------------------------------------------

// ExtensionData is the open payload body supplied by pluggable producers.
// Validate runs before the envelope enters the bus; an error rejects it.
type ExtensionData interface {
	Kind() string
	Scope() Scope
	Policy() ActionPolicy
	Validate() error
}

// Extension wraps a pluggable producer's payload.
type Extension struct {
	Producer string
	Data     ExtensionData
}

// Kind returns "ext.<producer>.<data kind>".
func (e Extension) Kind() string {
	if e.Data == nil {
		return "ext." + e.Producer
	}
	return "ext." + e.Producer + "." + e.Data.Kind()
}

// Scope delegates to Data.
func (e Extension) Scope() Scope {
	if e.Data == nil {
		return 0
	}
	return e.Data.Scope()
}

// Policy delegates to Data.
func (e Extension) Policy() ActionPolicy {
	if e.Data == nil {
		return Critical()
	}
	return e.Data.Policy()
}

// validate runs the producer's own checks. Both the value and the pointer
// form reach it through ValidatePayload.
func (e Extension) validate(src Source) error {
	if e.Producer == "" || e.Data == nil {
		return coreerrors.NewContractError("extension needs a producer and data", coreerrors.ErrExtensionRejected).
			WithSource(src.String()).
			WithPayloadKind(e.Kind())
	}
	if err := e.Data.Validate(); err != nil {
		return coreerrors.NewContractError(err.Error(), coreerrors.ErrExtensionRejected).
			WithSource(src.String()).
			WithPayloadKind(e.Kind())
	}
	return nil
}

// SizeHint delegates to Data when it implements SizeHinter.
func (e Extension) SizeHint() int {
	if h, ok := e.Data.(SizeHinter); ok {
		return h.SizeHint()
	}
	return 0
}

func (Extension) isPayload() {}
