package custom

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownValidatorType is returned when no factory is registered for a type
var ErrUnknownValidatorType = errors.New("unknown validator type")

// Factory creates a validator from its configuration
type Factory func(cfg ValidatorConfig) (Validator, error)

// Registry maps validator types to factories. It is created at startup and
// handed to the Executor.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a validator type
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered validator types
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// Create builds the validator for cfg
func (r *Registry) Create(cfg ValidatorConfig) (Validator, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownValidatorType, cfg.Type)
	}
	v, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating validator %s: %w", cfg.ID, err)
	}
	return v, nil
}
