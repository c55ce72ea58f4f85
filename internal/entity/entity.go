package entity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/panecore/internal/command"
)

// Visibility tiers. Lower is more urgent.
const (
	TierFocused    = 0
	TierVisible    = 1
	TierBackground = 2
	TierHidden     = 3
)

// Entity is a live, addressable participant: it receives commands and owns
// one event source.
type Entity interface {
	// ID returns the entity's unique id. It is also the id of its event source.
	ID() string

	// State returns the current lifecycle state.
	State() State

	// Capabilities returns the command kinds the entity accepts.
	Capabilities() command.Capabilities

	// HandleCommand answers cmd. It must not block beyond ctx.
	HandleCommand(ctx context.Context, cmd command.Command) command.Result

	// Shutdown drains and terminates the entity, waiting at most timeout for
	// in-flight commands. It returns the ids of commands that did not finish.
	// Calling it again returns the same ids and has no other effect.
	Shutdown(timeout time.Duration) []uuid.UUID
}

// Tiered is implemented by entities with a visibility tier.
type Tiered interface {
	VisibilityTier() int
}
