package event

import "strings"

// SourceKind distinguishes the three kinds of event producer.
type SourceKind uint8

const (
	// SourceUnknown is the zero value and never valid on an envelope.
	SourceUnknown SourceKind = iota
	// SourceEntity is a single pane (or other entity) emitting its own events.
	SourceEntity
	// SourceGroup is a resource shared by several entities, such as a
	// filesystem root or a remote repository.
	SourceGroup
	// SourceSystem is the core itself or a process-wide subsystem.
	SourceSystem
)

// String returns the prefix used in Source.String.
func (k SourceKind) String() string {
	switch k {
	case SourceEntity:
		return "entity"
	case SourceGroup:
		return "group"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Source identifies the producer of an event. Every source owns exactly one
// sequence counter. Source is comparable and is used as a map key.
type Source struct {
	Kind SourceKind
	ID   string
}

// EntitySource returns the source for entity id.
func EntitySource(id string) Source { return Source{Kind: SourceEntity, ID: id} }

// GroupSource returns the source for a shared domain group.
func GroupSource(id string) Source { return Source{Kind: SourceGroup, ID: id} }

// SystemSource returns the source for a system component.
func SystemSource(kind string) Source { return Source{Kind: SourceSystem, ID: kind} }

// IsZero reports whether s is unset or malformed.
func (s Source) IsZero() bool {
	return s.Kind == SourceUnknown || s.ID == ""
}

// String renders "kind:id".
func (s Source) String() string {
	return s.Kind.String() + ":" + s.ID
}

// ParseSource parses the String form. It returns false for anything else.
func ParseSource(v string) (Source, bool) {
	kind, id, ok := strings.Cut(v, ":")
	if !ok || id == "" {
		return Source{}, false
	}
	switch kind {
	case "entity":
		return EntitySource(id), true
	case "group":
		return GroupSource(id), true
	case "system":
		return SystemSource(id), true
	}
	return Source{}, false
}

// Less orders sources by kind then id. It is used for deterministic output.
func (s Source) Less(o Source) bool {
	if s.Kind != o.Kind {
		return s.Kind < o.Kind
	}
	return s.ID < o.ID
}
