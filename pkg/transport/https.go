// Package transport implements HTTPS transport layer for AS4 with TLS 1.2/1.3
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// maxResponseSize bounds the response body read from a peer
const maxResponseSize = 64 << 20

// Sender hands assembled messages to the network. The outcome is reported
// as a Result so the caller decides what a failure means.
type Sender interface {
	Send(ctx context.Context, url, contentType string, body []byte) *Result
}

// Result is the outcome of a send
type Result struct {
	// Err is set when no acceptable response was received
	Err         error
	StatusCode  int
	ContentType string
	// Body is the synchronous response, empty for asynchronous exchanges
	Body     []byte
	Duration time.Duration
}

// Success reports whether the peer accepted the message
func (r *Result) Success() bool {
	return r.Err == nil
}

// HasResponse reports whether the peer answered with a message
func (r *Result) HasResponse() bool {
	return r.Err == nil && len(r.Body) > 0
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "go-msh/1.0",
	}
}

// HTTPSClient sends AS4 messages over HTTPS
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// NewClient wraps an existing http.Client, for tests against httptest servers
func NewClient(client *http.Client) *HTTPSClient {
	return &HTTPSClient{client: client, config: DefaultHTTPSConfig()}
}

// Send posts the message to the endpoint. Any 2xx status is a success; the
// response body, if any, is returned for synchronous processing.
func (c *HTTPSClient) Send(ctx context.Context, url, contentType string, body []byte) *Result {
	start := time.Now()
	res := &Result{}
	defer func() { res.Duration = time.Since(start) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		res.Err = fmt.Errorf("failed to create request: %w", err)
		return res
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		res.Err = fmt.Errorf("failed to send request: %w", err)
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		res.Err = fmt.Errorf("failed to read response: %w", err)
		return res
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// SOAP faults and ebMS errors may come with a 500 status
		if len(data) > 0 && res.ContentType != "" && isSOAP(res.ContentType) {
			res.Body = data
		}
		res.Err = fmt.Errorf("unexpected status code %d", resp.StatusCode)
		return res
	}
	res.Body = data
	return res
}

func isSOAP(contentType string) bool {
	for _, t := range []string{"soap+xml", "multipart/related", "text/xml"} {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
