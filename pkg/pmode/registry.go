package pmode

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

// ErrPModeNotFound is returned when no P-Mode matches
var ErrPModeNotFound = errors.New("P-Mode not found")

type snapshot map[string]*PMode

// Registry holds the set of P-Modes known to the MSH. Readers work on an
// immutable snapshot; Add and Remove publish a new one.
type Registry struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty P-Mode registry
func NewRegistry() *Registry {
	r := &Registry{}
	empty := snapshot{}
	r.current.Store(&empty)
	return r
}

// Add validates and adds or replaces a P-Mode
func (r *Registry) Add(p *PMode) error {
	if p == nil {
		return fmt.Errorf("%w: nil", ErrInvalidPMode)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.current.Load()
	next := make(snapshot, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[p.ID] = p
	r.current.Store(&next)
	return nil
}

// Remove removes the P-Mode with the given id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.current.Load()
	if _, ok := old[id]; !ok {
		return
	}
	next := make(snapshot, len(old))
	for k, v := range old {
		if k != id {
			next[k] = v
		}
	}
	r.current.Store(&next)
}

// Get returns the P-Mode with the given id, or nil
func (r *Registry) Get(id string) *PMode {
	return (*r.current.Load())[id]
}

// All returns the registered P-Modes ordered by id
func (r *Registry) All() []*PMode {
	snap := *r.current.Load()
	out := make([]*PMode, 0, len(snap))
	for _, p := range snap {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Find resolves the P-Mode for a User Message. An explicit P-Mode id in the
// agreement reference wins; otherwise the agreement, service and action of the
// first leg must match.
func (r *Registry) Find(um *model.UserMessage) (*PMode, error) {
	if um == nil || um.CollaborationInfo == nil {
		return nil, ErrPModeNotFound
	}
	ci := um.CollaborationInfo
	if ci.AgreementRef != nil && ci.AgreementRef.PModeID != "" {
		if p := r.Get(ci.AgreementRef.PModeID); p != nil {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrPModeNotFound, ci.AgreementRef.PModeID)
	}
	for _, p := range r.All() {
		if matches(p, ci) {
			return p, nil
		}
	}
	return nil, ErrPModeNotFound
}

func matches(p *PMode, ci *model.CollaborationInfo) bool {
	bi := p.Legs[0].BusinessInfo
	if bi == nil {
		return false
	}
	if ci.Service == nil || bi.Service != ci.Service.Name || bi.Action != ci.Action {
		return false
	}
	if bi.ServiceType != "" && bi.ServiceType != ci.Service.Type {
		return false
	}
	if p.Agreement != nil && p.Agreement.Name != "" {
		if ci.AgreementRef == nil || ci.AgreementRef.Name != p.Agreement.Name {
			return false
		}
	}
	return true
}

// FindForPull returns the P-Modes whose first leg is pulled on the given MPC
func (r *Registry) FindForPull(mpc string) []*PMode {
	if mpc == "" {
		mpc = model.DefaultMPC
	}
	var out []*PMode
	for _, p := range r.All() {
		if p.IsPull() && p.MPC() == mpc {
			out = append(out, p)
		}
	}
	return out
}

type pmodeFile struct {
	PModes []*PMode `yaml:"pmodes"`
}

// LoadFile adds all P-Modes from a YAML file
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read P-Mode file: %w", err)
	}
	return r.Load(data)
}

// Load adds all P-Modes from YAML data
func (r *Registry) Load(data []byte) error {
	var f pmodeFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return fmt.Errorf("failed to parse P-Modes: %w", err)
	}
	for _, p := range f.PModes {
		if err := r.Add(p); err != nil {
			return err
		}
	}
	return nil
}
