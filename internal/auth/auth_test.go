package auth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirosfoundation/go-msh/internal/config"
)

type issuer struct {
	key      *rsa.PrivateKey
	kid      string
	server   *httptest.Server
	requests atomic.Int32
}

func newIssuer(t *testing.T) *issuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	iss := &issuer{key: key, kid: "key-1"}
	iss.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		iss.requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kid": "ec-key", "kty": "EC"},
				{
					"kid": iss.kid,
					"kty": "RSA",
					"use": "sig",
					"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(iss.server.Close)
	return iss
}

func (iss *issuer) token(t *testing.T, kid string, claims map[string]any) string {
	t.Helper()
	seg := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	signed := seg(map[string]string{"alg": "RS256", "kid": kid, "typ": "JWT"}) + "." + seg(claims)
	digest := sha256.Sum256([]byte(signed))
	sig, err := rsa.SignPKCS1v15(rand.Reader, iss.key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func (iss *issuer) authenticator() *Authenticator {
	a := NewAuthenticator(&config.OAuth2Config{
		Issuer:   "https://idp.example.com",
		Audience: "msh-api",
		JWKSURL:  iss.server.URL,
	}, nil)
	a.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return a
}

func validClaims() map[string]any {
	return map[string]any{
		"iss": "https://idp.example.com",
		"sub": "erp-system",
		"aud": "msh-api",
		"exp": 1_700_000_600,
	}
}

func TestValidateToken(t *testing.T) {
	iss := newIssuer(t)
	a := iss.authenticator()

	claims, err := a.ValidateToken(context.Background(), iss.token(t, "key-1", validClaims()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "erp-system" || !claims.HasAudience("msh-api") {
		t.Errorf("unexpected claims %+v", claims)
	}

	// the key set is cached
	if _, err := a.ValidateToken(context.Background(), iss.token(t, "key-1", validClaims())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := iss.requests.Load(); n != 1 {
		t.Errorf("expected one JWKS request, got %d", n)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	iss := newIssuer(t)
	with := func(k string, v any) map[string]any {
		c := validClaims()
		c[k] = v
		return c
	}

	tests := []struct {
		name  string
		token func() string
		want  error
	}{
		{"malformed", func() string { return "not-a-jwt" }, ErrInvalidToken},
		{"expired", func() string { return iss.token(t, "key-1", with("exp", 1_600_000_000)) }, ErrTokenExpired},
		{"not yet valid", func() string { return iss.token(t, "key-1", with("nbf", 1_800_000_000)) }, ErrTokenNotYetValid},
		{"wrong issuer", func() string { return iss.token(t, "key-1", with("iss", "https://evil.example.com")) }, ErrInvalidIssuer},
		{"wrong audience", func() string { return iss.token(t, "key-1", with("aud", []string{"other", "api"})) }, ErrInvalidAudience},
		{"unknown key", func() string { return iss.token(t, "key-2", validClaims()) }, ErrInvalidToken},
		{"tampered", func() string {
			tok := iss.token(t, "key-1", validClaims())
			return tok[:len(tok)-4] + "AAAA"
		}, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.authenticator().ValidateToken(context.Background(), tt.token())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	iss := newIssuer(t)
	a := iss.authenticator()

	var subject string
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = ClaimsFromContext(r.Context()).Subject
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/messages/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected a WWW-Authenticate header")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/messages/x", nil)
	req.Header.Set("Authorization", "Bearer "+iss.token(t, "key-1", validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if subject != "erp-system" {
		t.Errorf("expected claims in context, got subject %q", subject)
	}
}

func TestIsEnabled(t *testing.T) {
	if NewAuthenticator(&config.OAuth2Config{}, nil).IsEnabled() {
		t.Error("expected disabled without JWKS URL")
	}
	if NewAuthenticator(nil, nil).IsEnabled() {
		t.Error("expected disabled without config")
	}
}

func TestClaims_SingleAudience(t *testing.T) {
	var c Claims
	if err := json.Unmarshal([]byte(`{"aud":"msh-api","sub":"x"}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(c.Audience) != 1 || c.Audience[0] != "msh-api" || c.Subject != "x" {
		t.Errorf("unexpected claims %+v", c)
	}
}
