package msh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func TestStaticEndpointResolver(t *testing.T) {
	r := NewStaticEndpointResolver()
	r.RegisterEndpoint("urn:party:a", &EndpointInfo{URL: "https://a.test/msh"})

	info, err := r.ResolveEndpoint(context.Background(), "urn:party:a", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://a.test/msh", info.URL)

	require.NoError(t, r.InvalidateCache("urn:party:a"))
	_, err = r.ResolveEndpoint(context.Background(), "urn:party:a", "", "")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestDynamicEndpointResolver_Caching(t *testing.T) {
	lookups := 0
	r := NewDynamicEndpointResolver(func(_ context.Context, partyID, _, _ string) (*EndpointInfo, error) {
		lookups++
		return &EndpointInfo{URL: "https://" + partyID + "/msh"}, nil
	}, time.Hour)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.ResolveEndpoint(ctx, "b.test", "svc", "act")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, lookups)

	// other action is cached separately
	_, err := r.ResolveEndpoint(ctx, "b.test", "svc", "other")
	require.NoError(t, err)
	assert.Equal(t, 2, lookups)

	now = now.Add(2 * time.Hour)
	_, err = r.ResolveEndpoint(ctx, "b.test", "svc", "act")
	require.NoError(t, err)
	assert.Equal(t, 3, lookups)

	require.NoError(t, r.InvalidateCache("b.test"))
	_, err = r.ResolveEndpoint(ctx, "b.test", "svc", "act")
	require.NoError(t, err)
	assert.Equal(t, 4, lookups)
}

func TestDynamicEndpointResolver_LookupError(t *testing.T) {
	boom := errors.New("directory unavailable")
	r := NewDynamicEndpointResolver(func(context.Context, string, string, string) (*EndpointInfo, error) {
		return nil, boom
	}, time.Minute)
	_, err := r.ResolveEndpoint(context.Background(), "c.test", "", "")
	assert.ErrorIs(t, err, boom)

	_, err = NewDynamicEndpointResolver(nil, time.Minute).ResolveEndpoint(context.Background(), "c.test", "", "")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestMultiResolver(t *testing.T) {
	first := NewStaticEndpointResolver()
	second := NewStaticEndpointResolver()
	second.RegisterEndpoint("urn:party:d", &EndpointInfo{URL: "https://d.test/msh"})

	r := NewMultiResolver(first, second)
	info, err := r.ResolveEndpoint(context.Background(), "urn:party:d", "", "")
	require.NoError(t, err)
	assert.Equal(t, "https://d.test/msh", info.URL)

	_, err = r.ResolveEndpoint(context.Background(), "urn:party:e", "", "")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	assert.NoError(t, r.InvalidateCache("urn:party:d"))
}

func TestResolveEndpoint_UsesResolverWithoutAddress(t *testing.T) {
	static := NewStaticEndpointResolver()
	static.RegisterEndpoint("urn:party:receiver", &EndpointInfo{URL: "https://receiver.test/msh"})
	m := &MSH{resolver: static}
	pm := testPMode()
	pm.Legs[0].Protocol = &pmode.Protocol{SOAPVersion: "1.1"}
	u := model.NewUserMessageUnit("x@test", &model.UserMessage{
		Receiver: &model.TradingPartner{PartyIDs: []model.PartyID{{ID: "urn:party:receiver"}}},
	})

	info, err := m.resolveEndpoint(context.Background(), u, pm)
	require.NoError(t, err)
	assert.Equal(t, "https://receiver.test/msh", info.URL)
	assert.Equal(t, "1.1", info.SOAPVersion)

	u.UserMessage().Receiver = nil
	_, err = m.resolveEndpoint(context.Background(), u, pm)
	assert.ErrorIs(t, err, ErrInvalidPartyID)

	pm.Legs[0].Protocol.Address = "https://fixed.test/msh"
	info, err = m.resolveEndpoint(context.Background(), u, pm)
	require.NoError(t, err)
	assert.Equal(t, "https://fixed.test/msh", info.URL)
}
