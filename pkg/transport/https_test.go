package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", config.Timeout)
	}
	for _, suite := range config.CipherSuites {
		if tls.CipherSuiteName(suite) == "" {
			t.Errorf("unknown cipher suite: %d", suite)
		}
	}
}

func TestNewHTTPSClient_NilConfig(t *testing.T) {
	client := NewHTTPSClient(nil)
	if client.client == nil {
		t.Error("expected http.Client to be initialized")
	}
	if client.config == nil {
		t.Error("expected config to be set to default")
	}
}

func TestHTTPSClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/soap+xml" {
			t.Errorf("expected content-type 'application/soap+xml', got '%s'", ct)
		}
		if r.Header.Get("User-Agent") != "go-msh/1.0" {
			t.Errorf("unexpected User-Agent %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
		w.Write([]byte("<Receipt/>"))
	}))
	defer server.Close()

	res := NewHTTPSClient(nil).Send(context.Background(), server.URL, "application/soap+xml", []byte("<Request/>"))
	if !res.Success() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if !res.HasResponse() || string(res.Body) != "<Receipt/>" {
		t.Errorf("unexpected response: %s", res.Body)
	}
	if res.ContentType != "application/soap+xml; charset=utf-8" {
		t.Errorf("unexpected content type %q", res.ContentType)
	}
}

func TestHTTPSClient_Send_Accepted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	res := NewClient(server.Client()).Send(context.Background(), server.URL, "application/soap+xml", nil)
	if !res.Success() {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.HasResponse() {
		t.Error("expected no response body")
	}
}

func TestHTTPSClient_Send_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/soap+xml")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("<Fault/>"))
	}))
	defer server.Close()

	res := NewHTTPSClient(nil).Send(context.Background(), server.URL, "application/soap+xml", []byte("<Request/>"))
	if res.Success() {
		t.Error("expected error for non-2xx status")
	}
	if res.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", res.StatusCode)
	}
	if string(res.Body) != "<Fault/>" {
		t.Errorf("expected SOAP fault body, got %q", res.Body)
	}
}

func TestHTTPSClient_Send_InvalidURL(t *testing.T) {
	res := NewHTTPSClient(nil).Send(context.Background(), "http://invalid.invalid.invalid:99999", "application/soap+xml", nil)
	if res.Success() {
		t.Error("expected error for invalid URL")
	}
}

func TestHTTPSClient_Send_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewHTTPSClient(nil).Send(ctx, server.URL, "application/soap+xml", nil)
	if res.Success() {
		t.Error("expected error for cancelled context")
	}
}
