// Package auth protects the submission API with OAuth2 bearer tokens.
//
// Tokens are RS256, RS384 or RS512 signed JWTs. Signing keys are fetched
// from the configured JWKS URL and cached for an hour. The issuer and the
// audience are checked when configured.
package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/internal/config"
)

var (
	// ErrNoToken indicates no Bearer token was provided
	ErrNoToken = errors.New("no authorization token provided")
	// ErrInvalidToken indicates a malformed token or a bad signature
	ErrInvalidToken = errors.New("invalid authorization token")
	// ErrTokenExpired indicates the exp claim is in the past
	ErrTokenExpired = errors.New("token has expired")
	// ErrTokenNotYetValid indicates the nbf claim is in the future
	ErrTokenNotYetValid = errors.New("token not yet valid")
	// ErrInvalidAudience indicates the aud claim lacks the configured audience
	ErrInvalidAudience = errors.New("invalid audience")
	// ErrInvalidIssuer indicates the iss claim differs from the configured issuer
	ErrInvalidIssuer = errors.New("invalid issuer")
)

// Claims are the JWT claims checked by the Authenticator
type Claims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Audience  []string `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	NotBefore int64    `json:"nbf,omitempty"`
	Scope     string   `json:"scope,omitempty"`
}

// UnmarshalJSON accepts a single string or a list as audience
func (c *Claims) UnmarshalJSON(data []byte) error {
	type alias Claims
	aux := &struct {
		Audience json.RawMessage `json:"aud"`
		*alias
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	c.Audience = nil
	if len(aux.Audience) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(aux.Audience, &single); err == nil {
		c.Audience = []string{single}
		return nil
	}
	return json.Unmarshal(aux.Audience, &c.Audience)
}

// HasAudience reports whether aud is one of the token's audiences
func (c *Claims) HasAudience(aud string) bool {
	for _, a := range c.Audience {
		if a == aud {
			return true
		}
	}
	return false
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}
	exp := 0
	for _, b := range e {
		exp = exp<<8 + int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

var algorithms = map[string]crypto.Hash{
	"RS256": crypto.SHA256,
	"RS384": crypto.SHA384,
	"RS512": crypto.SHA512,
}

// Authenticator validates bearer tokens
type Authenticator struct {
	config *config.OAuth2Config
	logger *slog.Logger
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(cfg *config.OAuth2Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// IsEnabled reports whether tokens are required
func (a *Authenticator) IsEnabled() bool {
	return a.config != nil && a.config.JWKSURL != ""
}

// Middleware rejects requests without a valid token with 401 and stores
// the claims of valid ones in the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.ValidateRequest(r)
		if err != nil {
			a.logger.Warn("request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// ValidateRequest validates the bearer token of the request
func (a *Authenticator) ValidateRequest(r *http.Request) (*Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, ErrNoToken
	}
	return a.ValidateToken(r.Context(), token)
}

// ValidateToken validates a JWT and returns its claims
func (a *Authenticator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := decodeSegment(parts[0], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, fmt.Errorf("%w: claims: %v", ErrInvalidToken, err)
	}

	hash, ok := algorithms[header.Alg]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidToken, header.Alg)
	}
	key, err := a.key(ctx, header.Kid)
	if err != nil {
		return nil, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrInvalidToken, err)
	}
	h := hash.New()
	h.Write([]byte(parts[0] + "." + parts[1]))
	if err := rsa.VerifyPKCS1v15(key, hash, h.Sum(nil), sig); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if err := a.validateClaims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func decodeSegment(seg string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (a *Authenticator) validateClaims(c *Claims) error {
	now := a.now().Unix()
	if c.ExpiresAt == 0 || now > c.ExpiresAt {
		return ErrTokenExpired
	}
	if c.NotBefore > 0 && now < c.NotBefore {
		return ErrTokenNotYetValid
	}
	if a.config.Issuer != "" && c.Issuer != a.config.Issuer {
		return ErrInvalidIssuer
	}
	if a.config.Audience != "" && !c.HasAudience(a.config.Audience) {
		return ErrInvalidAudience
	}
	return nil
}

// key returns the signing key, refreshing the key set when the key is
// unknown or the cache expired
func (a *Authenticator) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	a.mu.RLock()
	key, ok := a.keys[kid]
	fresh := a.now().Before(a.expires)
	a.mu.RUnlock()
	if ok && fresh {
		return key, nil
	}

	if err := a.refresh(ctx); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if key, ok = a.keys[kid]; !ok {
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidToken, kid)
	}
	return key, nil
}

func (a *Authenticator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.config.JWKSURL, nil)
	if err != nil {
		return fmt.Errorf("creating JWKS request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching JWKS: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading JWKS: %w", err)
	}

	var set struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("parsing JWKS: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey)
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		pk, err := k.rsaPublicKey()
		if err != nil {
			a.logger.Warn("skipping JWK", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pk
	}

	a.mu.Lock()
	a.keys = keys
	a.expires = a.now().Add(time.Hour)
	a.mu.Unlock()
	a.logger.Info("refreshed JWKS", "keys", len(keys))
	return nil
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

type contextKey struct{}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(contextKey{}).(*Claims)
	return c
}

// ContextWithClaims stores claims in the context
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}
