package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
)

var (
	// ErrParticipantNotFound is returned when the publisher does not know
	// the party or the document
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrProcessNotFound is returned when no active endpoint serves the process
	ErrProcessNotFound = errors.New("process not found")
)

// Transport profiles, in order of preference
const (
	TransportAS4V2     = "bdxr-transport-ebms3-as4-v2p0"
	TransportPeppolAS4 = "peppol-transport-as4-v2_0"
	TransportAS4V1     = "busdox-transport-ebms3-as4-v1p0"
)

// DefaultTransportProfiles are the accepted transport profiles
var DefaultTransportProfiles = []string{TransportAS4V2, TransportPeppolAS4, TransportAS4V1}

// Endpoint is an endpoint published for a process
type Endpoint struct {
	TransportProfile string
	URL              string
	Certificate      string
	ActivationDate   time.Time
	ExpirationDate   time.Time
}

// Active reports whether the endpoint is in service at t
func (e Endpoint) Active(t time.Time) bool {
	if !e.ActivationDate.IsZero() && t.Before(e.ActivationDate) {
		return false
	}
	return e.ExpirationDate.IsZero() || t.Before(e.ExpirationDate)
}

// Process is a process of the service metadata with its endpoints
type Process struct {
	ID        string
	Endpoints []Endpoint
}

// ServiceMetadata is what a party publishes for one document
type ServiceMetadata struct {
	ParticipantID string
	DocumentID    string
	Processes     []Process
}

// MetadataClient fetches service metadata over the SMP HTTP binding
type MetadataClient struct {
	http      *http.Client
	userAgent string
}

// NewMetadataClient creates a client. A nil http client gets a 30s timeout.
func NewMetadataClient(client *http.Client) *MetadataClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MetadataClient{http: client, userAgent: "go-msh/1.0"}
}

// ServiceMetadata fetches <smpURL>/<participant>/services/<document>
func (c *MetadataClient) ServiceMetadata(ctx context.Context, smpURL, participantID, documentID string) (*ServiceMetadata, error) {
	reqURL := fmt.Sprintf("%s/%s/services/%s",
		strings.TrimRight(smpURL, "/"), url.PathEscape(participantID), url.PathEscape(documentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrParticipantNotFound, participantID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("metadata publisher returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	return ParseServiceMetadata(body)
}

// ParseServiceMetadata reads SMP 1.0 (Signed)ServiceMetadata. Element
// namespaces are ignored.
func ParseServiceMetadata(data []byte) (*ServiceMetadata, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parsing service metadata: %w", err)
	}
	info := doc.FindElement("//ServiceInformation")
	if info == nil {
		return nil, errors.New("parsing service metadata: no ServiceInformation")
	}

	md := &ServiceMetadata{
		ParticipantID: text(info.SelectElement("ParticipantIdentifier")),
		DocumentID:    text(info.SelectElement("DocumentIdentifier")),
	}
	for _, p := range info.FindElements("./ProcessList/Process") {
		proc := Process{ID: text(p.SelectElement("ProcessIdentifier"))}
		for _, e := range p.FindElements("./ServiceEndpointList/Endpoint") {
			proc.Endpoints = append(proc.Endpoints, Endpoint{
				TransportProfile: e.SelectAttrValue("transportProfile", ""),
				URL:              text(e.SelectElement("EndpointURI")),
				Certificate:      text(e.SelectElement("Certificate")),
				ActivationDate:   date(e.SelectElement("ServiceActivationDate")),
				ExpirationDate:   date(e.SelectElement("ServiceExpirationDate")),
			})
		}
		md.Processes = append(md.Processes, proc)
	}
	return md, nil
}

// Endpoint returns the first active endpoint of the process with the most
// preferred transport profile. An empty process matches every process.
func (md *ServiceMetadata) Endpoint(processID string, profiles []string, now time.Time) (*Endpoint, error) {
	var candidates []Endpoint
	for _, p := range md.Processes {
		if processID != "" && p.ID != processID {
			continue
		}
		for _, e := range p.Endpoints {
			if e.Active(now) && e.URL != "" {
				candidates = append(candidates, e)
			}
		}
	}
	for _, profile := range profiles {
		for i := range candidates {
			if candidates[i].TransportProfile == profile {
				return &candidates[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrProcessNotFound, processID)
}

func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

func date(e *etree.Element) time.Time {
	t, err := time.Parse(time.RFC3339, text(e))
	if err != nil {
		return time.Time{}
	}
	return t
}
