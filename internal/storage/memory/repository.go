// Package memory implements storage.Repository in process memory
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/model"
)

// Repository keeps message units in a map. Units are copied on the way in
// and out so callers never share state with the repository.
type Repository struct {
	mu    sync.RWMutex
	units map[string]*model.MessageUnit
	now   func() time.Time
}

// Option configures a Repository
type Option func(*Repository)

// WithClock sets the time source used for state start times
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// New creates an empty repository
func New(opts ...Option) *Repository {
	r := &Repository{
		units: make(map[string]*model.MessageUnit),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ storage.Repository = (*Repository)(nil)

// Store implements storage.Repository
func (r *Repository) Store(_ context.Context, unit *model.MessageUnit) (*model.MessageUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if unit.Direction == model.DirectionOut {
		for _, u := range r.units {
			if u.Direction == model.DirectionOut && u.MessageID == unit.MessageID {
				return nil, fmt.Errorf("%w: %s", storage.ErrDuplicateMessageID, unit.MessageID)
			}
		}
	}

	stored := unit.Clone()
	stored.CoreID = uuid.New().String()
	stored.Version = 1
	stored.States = []model.ProcessingState{{Name: model.StateReceived, StartTime: r.now()}}
	r.units[stored.CoreID] = stored
	return stored.Clone(), nil
}

// SetState implements storage.Repository
func (r *Repository) SetState(_ context.Context, coreID string, expectedVersion int64, state model.State, description string) (*model.MessageUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[coreID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, coreID)
	}
	if u.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s has version %d, expected %d",
			storage.ErrConcurrentModification, u.MessageID, u.Version, expectedVersion)
	}
	u.States = append(u.States, model.ProcessingState{
		Name:        state,
		StartTime:   model.NextStartTime(u.States, r.now()),
		Description: description,
	})
	u.Version++
	return u.Clone(), nil
}

// Update implements storage.Repository
func (r *Repository) Update(_ context.Context, unit *model.MessageUnit) (*model.MessageUnit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.units[unit.CoreID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, unit.CoreID)
	}
	if u.Version != unit.Version {
		return nil, fmt.Errorf("%w: %s", storage.ErrConcurrentModification, u.MessageID)
	}
	updated := unit.Clone()
	updated.States = u.States
	updated.Direction = u.Direction
	updated.Version = u.Version + 1
	r.units[unit.CoreID] = updated
	return updated.Clone(), nil
}

// Get implements storage.Repository
func (r *Repository) Get(_ context.Context, coreID string) (*model.MessageUnit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[coreID]
	if !ok {
		return nil, nil
	}
	return u.Clone(), nil
}

func (r *Repository) filter(match func(u *model.MessageUnit) bool) []*model.MessageUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.MessageUnit
	for _, u := range r.units {
		if match(u) {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].States[0].StartTime.Before(out[j].States[0].StartTime)
	})
	return out
}

func directionMatches(want, got model.Direction) bool {
	return want == model.DirectionAny || want == got
}

// Find implements storage.Repository
func (r *Repository) Find(_ context.Context, messageID string, direction model.Direction) ([]*model.MessageUnit, error) {
	return r.filter(func(u *model.MessageUnit) bool {
		return u.MessageID == messageID && directionMatches(direction, u.Direction)
	}), nil
}

// FindByState implements storage.Repository
func (r *Repository) FindByState(_ context.Context, pmodeID string, state model.State) ([]*model.MessageUnit, error) {
	return r.filter(func(u *model.MessageUnit) bool {
		return (pmodeID == "" || u.PModeID == pmodeID) && u.CurrentState() == state
	}), nil
}

// FindByRef implements storage.Repository
func (r *Repository) FindByRef(_ context.Context, refToMessageID string, direction model.Direction) ([]*model.MessageUnit, error) {
	return r.filter(func(u *model.MessageUnit) bool {
		return u.RefToMessageID == refToMessageID && directionMatches(direction, u.Direction)
	}), nil
}

// FindPurgeable implements storage.Repository
func (r *Repository) FindPurgeable(_ context.Context, before time.Time) ([]*model.MessageUnit, error) {
	return r.filter(func(u *model.MessageUnit) bool {
		cur := u.Current()
		return cur.Name.IsTerminal() && cur.StartTime.Before(before)
	}), nil
}

// Delete implements storage.Repository
func (r *Repository) Delete(_ context.Context, coreID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, coreID)
	return nil
}

// Close implements storage.Repository
func (r *Repository) Close(context.Context) error {
	return nil
}
