package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrNoRecords is returned when the party has no U-NAPTR records
	ErrNoRecords = errors.New("no BDXL records found")
	// ErrNoService is returned when no record names a metadata service
	ErrNoService = errors.New("no metadata service record found")
	// ErrInvalidRecord is returned for records without a usable URL
	ErrInvalidRecord = errors.New("invalid NAPTR record")
	// ErrInvalidPartyID is returned for empty party identifiers
	ErrInvalidPartyID = errors.New("invalid party identifier")
)

// Metadata service names used in U-NAPTR records
const (
	ServiceSMP1 = "Meta:SMP"
	ServiceSMP2 = "oasis-bdxr-smp-2"
)

// LocatorConfig configures BDXL lookups
type LocatorConfig struct {
	// Domain is the BDXL domain of the network
	Domain string
	// Environment is prepended to the domain unless empty or "production"
	Environment string
	// DNSServer is host:port of the resolver, the first server of
	// /etc/resolv.conf when empty
	DNSServer string
	// Service is the preferred metadata service, ServiceSMP2 when empty
	Service string
}

// Locator finds the metadata publisher of a party through DNS
type Locator struct {
	cfg    LocatorConfig
	client *dns.Client
}

// NewLocator creates a locator
func NewLocator(cfg LocatorConfig) *Locator {
	if cfg.Service == "" {
		cfg.Service = ServiceSMP2
	}
	return &Locator{cfg: cfg, client: new(dns.Client)}
}

// QueryName returns the DNS name queried for a party: the unpadded base32
// SHA-256 of the identifier below the configured domain
func (l *Locator) QueryName(partyID string) (string, error) {
	if partyID == "" {
		return "", ErrInvalidPartyID
	}
	sum := sha256.Sum256([]byte(partyID))
	label := strings.TrimRight(base32.StdEncoding.EncodeToString(sum[:]), "=")

	name := label
	if env := l.cfg.Environment; env != "" && env != "production" {
		name += "." + env
	}
	return dns.Fqdn(name + "." + l.cfg.Domain), nil
}

// Locate returns the metadata publisher URL of the party
func (l *Locator) Locate(ctx context.Context, partyID string) (string, error) {
	name, err := l.QueryName(partyID)
	if err != nil {
		return "", err
	}
	server, err := l.server()
	if err != nil {
		return "", err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeNAPTR)
	msg.RecursionDesired = true

	resp, _, err := l.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", name, err)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return "", fmt.Errorf("%w: %s", ErrNoRecords, name)
	default:
		return "", fmt.Errorf("querying %s: %s", name, dns.RcodeToString[resp.Rcode])
	}

	var records []*dns.NAPTR
	for _, rr := range resp.Answer {
		if naptr, ok := rr.(*dns.NAPTR); ok {
			records = append(records, naptr)
		}
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoRecords, name)
	}
	return l.selectRecord(records)
}

func (l *Locator) server() (string, error) {
	if l.cfg.DNSServer != "" {
		return l.cfg.DNSServer, nil
	}
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", fmt.Errorf("reading resolver configuration: %w", err)
	}
	if len(conf.Servers) == 0 {
		return "", errors.New("no DNS servers configured")
	}
	return conf.Servers[0] + ":" + conf.Port, nil
}

// selectRecord picks the terminal record with the lowest order and
// preference. Records of the preferred service win over the other one.
func (l *Locator) selectRecord(records []*dns.NAPTR) (string, error) {
	var best *dns.NAPTR
	bestRank := 0
	for _, r := range records {
		if !strings.EqualFold(r.Flags, "U") {
			continue
		}
		var rank int
		switch {
		case strings.EqualFold(r.Service, l.cfg.Service):
		case strings.EqualFold(r.Service, ServiceSMP1), strings.EqualFold(r.Service, ServiceSMP2):
			rank = 1 << 32
		default:
			continue
		}
		rank += int(r.Order)<<16 + int(r.Preference)
		if best == nil || rank < bestRank {
			best, bestRank = r, rank
		}
	}
	if best == nil {
		return "", ErrNoService
	}
	return recordURL(best.Regexp)
}

// recordURL extracts the replacement of a "!pattern!replacement!" field
func recordURL(field string) (string, error) {
	if len(field) < 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecord, field)
	}
	parts := strings.Split(field[1:], field[:1])
	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidRecord, field)
	}
	u, err := url.Parse(parts[1])
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
		return "", fmt.Errorf("%w: no http URL in %q", ErrInvalidRecord, field)
	}
	return parts[1], nil
}
