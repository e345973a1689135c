// Package storage defines the persistence contract of the MSH.
//
// # Interface Design
//
// The [Repository] stores message unit metadata together with its processing
// state history. Each unit carries a version counter. State changes name the
// version the caller observed, and a change based on a stale version fails
// with [ErrConcurrentModification] instead of overwriting a state the caller
// did not see.
//
// Payload content is not kept by the repository; see pkg/payload.
//
// # Implementations
//
// The memory sub-package keeps units in process and is used for tests and
// single node deployments. The mongodb sub-package is the production
// implementation and also provides a GridFS payload provider.
//
// # Concurrency
//
// All implementations must be safe for concurrent use from multiple
// goroutines.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

var (
	// ErrNotFound is returned when the addressed unit does not exist
	ErrNotFound = errors.New("message unit not found")

	// ErrConcurrentModification is returned when a unit was changed since it was read
	ErrConcurrentModification = errors.New("message unit was modified concurrently")

	// ErrDuplicateMessageID is returned when an outgoing unit reuses the
	// message id of another outgoing unit
	ErrDuplicateMessageID = errors.New("duplicate message id")
)

// Repository stores message units and their processing states
type Repository interface {
	// Store saves a new unit. It assigns CoreID, sets Version to 1 and makes
	// RECEIVED the initial state. Message ids are only required to be unique
	// among OUT units.
	Store(ctx context.Context, unit *model.MessageUnit) (*model.MessageUnit, error)

	// SetState appends a new processing state to the unit, which must still
	// have expectedVersion, and returns the updated unit
	SetState(ctx context.Context, coreID string, expectedVersion int64, state model.State, description string) (*model.MessageUnit, error)

	// Update replaces the metadata of the unit, keeping its state history.
	// unit.Version must be the stored version.
	Update(ctx context.Context, unit *model.MessageUnit) (*model.MessageUnit, error)

	// Get returns the unit with the given CoreID, or nil when there is none
	Get(ctx context.Context, coreID string) (*model.MessageUnit, error)

	// Find returns the units with the given message id. The same id may
	// exist once for each direction; model.DirectionAny returns both.
	Find(ctx context.Context, messageID string, direction model.Direction) ([]*model.MessageUnit, error)

	// FindByState returns the units of a P-Mode whose current state is
	// state, oldest first. An empty pmodeID matches all units.
	FindByState(ctx context.Context, pmodeID string, state model.State) ([]*model.MessageUnit, error)

	// FindByRef returns the units referencing the given message id
	FindByRef(ctx context.Context, refToMessageID string, direction model.Direction) ([]*model.MessageUnit, error)

	// FindPurgeable returns units in a terminal state entered before the given time
	FindPurgeable(ctx context.Context, before time.Time) ([]*model.MessageUnit, error)

	// Delete removes the unit with its state history
	Delete(ctx context.Context, coreID string) error

	// Close releases storage resources
	Close(ctx context.Context) error
}

// TerminalStates lists the states after which a unit is no longer processed
var TerminalStates = []model.State{
	model.StateDelivered,
	model.StateDeliveryFailed,
	model.StateFailure,
	model.StateDuplicate,
	model.StateDone,
}
