package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/msh"
)

// Config configures a Client
type Config struct {
	LocatorConfig
	// SMPURL skips the BDXL lookup when set
	SMPURL string
	// TransportProfiles in order of preference, DefaultTransportProfiles when empty
	TransportProfiles []string
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client resolves parties to endpoints through BDXL and SMP
type Client struct {
	locator  *Locator
	metadata *MetadataClient
	smpURL   string
	profiles []string
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a discovery client
func New(cfg Config) *Client {
	c := &Client{
		locator:  NewLocator(cfg.LocatorConfig),
		metadata: NewMetadataClient(cfg.HTTPClient),
		smpURL:   cfg.SMPURL,
		profiles: cfg.TransportProfiles,
		logger:   cfg.Logger,
		now:      time.Now,
	}
	if len(c.profiles) == 0 {
		c.profiles = DefaultTransportProfiles
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Lookup resolves the endpoint of a party. The action is the published
// document and the service is the process. It has the signature of
// msh.EndpointLookupFunc.
func (c *Client) Lookup(ctx context.Context, partyID, service, action string) (*msh.EndpointInfo, error) {
	smpURL := c.smpURL
	if smpURL == "" {
		var err error
		if smpURL, err = c.locator.Locate(ctx, partyID); err != nil {
			return nil, fmt.Errorf("%w: locating %s: %v", msh.ErrEndpointNotFound, partyID, err)
		}
	}

	md, err := c.metadata.ServiceMetadata(ctx, smpURL, partyID, action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", msh.ErrEndpointNotFound, err)
	}
	ep, err := md.Endpoint(service, c.profiles, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", msh.ErrEndpointNotFound, err)
	}

	c.logger.Debug("endpoint discovered",
		"party_id", partyID,
		"smp", smpURL,
		"url", ep.URL,
		"transport_profile", ep.TransportProfile)
	return &msh.EndpointInfo{URL: ep.URL}, nil
}

// Resolver wraps the client in a resolver that caches results for ttl
func (c *Client) Resolver(ttl time.Duration) *msh.DynamicEndpointResolver {
	return msh.NewDynamicEndpointResolver(c.Lookup, ttl)
}
