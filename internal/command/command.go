// Package command defines the requests an entity can be asked to perform and
// the results it answers with.
//
// Commands travel the opposite way to events: a caller dispatches one to a
// single entity and receives a Result synchronously. A command that cannot be
// answered right away is queued and its outcome is later announced on the bus
// as a CommandCompleted event carrying the same id.
package command

import (
	"sort"
	"strings"

	"github.com/google/uuid"

	coreerrors "github.com/Iron-Ham/panecore/internal/errors"
)

// Kind names a command.
type Kind string

// Command kinds understood by panes.
const (
	KindInput  Kind = "input"
	KindResize Kind = "resize"
	KindFocus  Kind = "focus"
	KindScroll Kind = "scroll"
	KindClose  Kind = "close"
)

// AllKinds lists every built-in command kind.
var AllKinds = []Kind{KindInput, KindResize, KindFocus, KindScroll, KindClose}

// ParseKind returns the Kind named s.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllKinds {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// Payload is the body of a command.
type Payload interface {
	Kind() Kind
	Validate() error
}

func invalid(kind Kind, msg string) error {
	return coreerrors.NewCommandError(msg, coreerrors.ErrInvalidPayload).WithKind(string(kind))
}

// Input sends text to the entity, as if typed.
type Input struct {
	Text string
}

func (Input) Kind() Kind { return KindInput }

// Validate rejects empty input.
func (p Input) Validate() error {
	if p.Text == "" {
		return invalid(KindInput, "input text is empty")
	}
	return nil
}

// Resize changes the entity's viewport.
type Resize struct {
	Cols int
	Rows int
}

func (Resize) Kind() Kind { return KindResize }

// Validate requires positive dimensions.
func (p Resize) Validate() error {
	if p.Cols <= 0 || p.Rows <= 0 {
		return invalid(KindResize, "cols and rows must be positive")
	}
	return nil
}

// Focus moves input focus to the entity.
type Focus struct{}

func (Focus) Kind() Kind      { return KindFocus }
func (Focus) Validate() error { return nil }

// Scroll moves the viewport by Lines; negative scrolls up.
type Scroll struct {
	Lines int
}

func (Scroll) Kind() Kind { return KindScroll }

// Validate rejects a zero scroll.
func (p Scroll) Validate() error {
	if p.Lines == 0 {
		return invalid(KindScroll, "scroll by zero lines")
	}
	return nil
}

// Close asks the entity to close. Force skips any confirmation the backend
// would otherwise ask for.
type Close struct {
	Force bool
}

func (Close) Kind() Kind      { return KindClose }
func (Close) Validate() error { return nil }

// Command is one request to one entity. ID is required; it is the
// deduplication key and the link between a queued result and its later
// CommandCompleted event.
type Command struct {
	ID            uuid.UUID
	CorrelationID uuid.UUID
	Payload       Payload
}

// New returns a command with a fresh random id.
func New(p Payload) Command {
	return Command{ID: uuid.New(), Payload: p}
}

// WithCorrelation returns a copy of c tagged with correlation id corr.
func (c Command) WithCorrelation(corr uuid.UUID) Command {
	c.CorrelationID = corr
	return c
}

// Kind returns the payload kind, or "" without a payload.
func (c Command) Kind() Kind {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.Kind()
}

// Validate checks the id and the payload.
func (c Command) Validate() error {
	if c.ID == uuid.Nil {
		return coreerrors.NewCommandError("command has no id", coreerrors.ErrInvalidPayload).
			WithKind(string(c.Kind()))
	}
	if c.Payload == nil {
		return coreerrors.NewCommandError("command has no payload", coreerrors.ErrInvalidPayload).
			WithCommandID(c.ID.String())
	}
	if err := c.Payload.Validate(); err != nil {
		var ce *coreerrors.CommandError
		if coreerrors.As(err, &ce) && ce.CommandID == "" {
			ce.WithCommandID(c.ID.String())
		}
		return err
	}
	return nil
}

// Capabilities is the set of command kinds an entity accepts.
type Capabilities map[Kind]struct{}

// NewCapabilities returns a set holding kinds.
func NewCapabilities(kinds ...Kind) Capabilities {
	c := make(Capabilities, len(kinds))
	for _, k := range kinds {
		c[k] = struct{}{}
	}
	return c
}

// Has reports whether k is in the set.
func (c Capabilities) Has(k Kind) bool {
	_, ok := c[k]
	return ok
}

// Kinds returns the set's members sorted by name.
func (c Capabilities) Kinds() []Kind {
	out := make([]Kind, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
