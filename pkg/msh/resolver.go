package msh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

var (
	// ErrEndpointNotFound is returned when no endpoint can be resolved
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrInvalidPartyID is returned for units without a usable receiver party
	ErrInvalidPartyID = errors.New("invalid party ID")
)

// EndpointInfo is where and how a message is sent
type EndpointInfo struct {
	URL         string
	SOAPVersion string
}

// EndpointResolver resolves the receiving party of a message to its endpoint.
// It is consulted when the P-Mode leg does not configure a protocol address.
type EndpointResolver interface {
	// ResolveEndpoint resolves a party ID to endpoint information
	ResolveEndpoint(ctx context.Context, partyID, service, action string) (*EndpointInfo, error)

	// InvalidateCache removes cached endpoint information
	InvalidateCache(partyID string) error
}

// StaticEndpointResolver maps party IDs to fixed endpoints
type StaticEndpointResolver struct {
	mu        sync.RWMutex
	endpoints map[string]*EndpointInfo
}

// NewStaticEndpointResolver creates a new static resolver
func NewStaticEndpointResolver() *StaticEndpointResolver {
	return &StaticEndpointResolver{
		endpoints: make(map[string]*EndpointInfo),
	}
}

// RegisterEndpoint registers a static endpoint mapping
func (r *StaticEndpointResolver) RegisterEndpoint(partyID string, info *EndpointInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[partyID] = info
}

// ResolveEndpoint implements EndpointResolver
func (r *StaticEndpointResolver) ResolveEndpoint(_ context.Context, partyID, _, _ string) (*EndpointInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.endpoints[partyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, partyID)
	}
	return info, nil
}

// InvalidateCache implements EndpointResolver
func (r *StaticEndpointResolver) InvalidateCache(partyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, partyID)
	return nil
}

// EndpointLookupFunc performs the actual lookup of a DynamicEndpointResolver,
// for example against a directory service
type EndpointLookupFunc func(ctx context.Context, partyID, service, action string) (*EndpointInfo, error)

type cachedEndpoint struct {
	info      *EndpointInfo
	expiresAt time.Time
}

// DynamicEndpointResolver caches the results of a lookup function
type DynamicEndpointResolver struct {
	mu     sync.RWMutex
	cache  map[string]cachedEndpoint
	lookup EndpointLookupFunc
	ttl    time.Duration
	now    func() time.Time
}

// NewDynamicEndpointResolver creates a resolver that caches lookups for ttl
func NewDynamicEndpointResolver(lookup EndpointLookupFunc, ttl time.Duration) *DynamicEndpointResolver {
	return &DynamicEndpointResolver{
		cache:  make(map[string]cachedEndpoint),
		lookup: lookup,
		ttl:    ttl,
		now:    time.Now,
	}
}

// ResolveEndpoint implements EndpointResolver
func (r *DynamicEndpointResolver) ResolveEndpoint(ctx context.Context, partyID, service, action string) (*EndpointInfo, error) {
	key := partyID + "|" + service + "|" + action

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(cached.expiresAt) {
		return cached.info, nil
	}

	if r.lookup == nil {
		return nil, fmt.Errorf("%w: no lookup function configured", ErrEndpointNotFound)
	}
	info, err := r.lookup(ctx, partyID, service, action)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cachedEndpoint{info: info, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return info, nil
}

// InvalidateCache implements EndpointResolver. All cached entries of the
// party are removed.
func (r *DynamicEndpointResolver) InvalidateCache(partyID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if strings.HasPrefix(key, partyID+"|") {
			delete(r.cache, key)
		}
	}
	return nil
}

// MultiResolver tries multiple resolvers in order
type MultiResolver struct {
	resolvers []EndpointResolver
}

// NewMultiResolver creates a resolver that tries multiple resolvers in order
func NewMultiResolver(resolvers ...EndpointResolver) *MultiResolver {
	return &MultiResolver{resolvers: resolvers}
}

// ResolveEndpoint implements EndpointResolver
func (r *MultiResolver) ResolveEndpoint(ctx context.Context, partyID, service, action string) (*EndpointInfo, error) {
	for _, resolver := range r.resolvers {
		if info, err := resolver.ResolveEndpoint(ctx, partyID, service, action); err == nil {
			return info, nil
		}
	}
	return nil, fmt.Errorf("%w: %s (tried %d resolvers)", ErrEndpointNotFound, partyID, len(r.resolvers))
}

// InvalidateCache implements EndpointResolver
func (r *MultiResolver) InvalidateCache(partyID string) error {
	var errs []error
	for _, resolver := range r.resolvers {
		errs = append(errs, resolver.InvalidateCache(partyID))
	}
	return errors.Join(errs...)
}

// resolveEndpoint returns the endpoint for an outgoing unit. The leg's
// protocol address wins over the resolver.
func (m *MSH) resolveEndpoint(ctx context.Context, unit *model.MessageUnit, pm *pmode.PMode) (*EndpointInfo, error) {
	leg := pm.Leg(unit)
	info := &EndpointInfo{}
	if leg != nil && leg.Protocol != nil {
		info.URL = leg.Protocol.Address
		info.SOAPVersion = leg.Protocol.SOAPVersion
	}
	if info.URL != "" {
		return info, nil
	}
	if m.resolver == nil {
		return nil, fmt.Errorf("%w: P-Mode %s has no address", ErrEndpointNotFound, pm.ID)
	}

	um := unit.UserMessage()
	if um == nil || um.Receiver == nil || len(um.Receiver.PartyIDs) == 0 {
		return nil, ErrInvalidPartyID
	}
	var service, action string
	if ci := um.CollaborationInfo; ci != nil {
		action = ci.Action
		if ci.Service != nil {
			service = ci.Service.Name
		}
	}
	resolved, err := m.resolver.ResolveEndpoint(ctx, um.Receiver.PartyIDs[0].ID, service, action)
	if err != nil {
		return nil, err
	}
	if resolved.SOAPVersion == "" {
		resolved = &EndpointInfo{URL: resolved.URL, SOAPVersion: info.SOAPVersion}
	}
	return resolved, nil
}
