package security

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrUnknownKey is returned when verifying with a key that is not trusted
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrInvalidSignature is returned for signatures that do not verify
	ErrInvalidSignature = errors.New("invalid signature")
)

// Ed25519Signer signs with an Ed25519 private key (RFC 9231 algorithm URI)
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer creates a signer. keyID is sent in the KeyIdentifier of
// the signature and names the key to the receiver.
func NewEd25519Signer(keyID string, key ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key is required")
	}
	return &Ed25519Signer{keyID: keyID, key: key}, nil
}

// LoadEd25519Signer reads a PKCS#8 PEM encoded Ed25519 private key
func LoadEd25519Signer(keyID, path string) (*Ed25519Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM data in %s", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an Ed25519 private key", path)
	}
	return NewEd25519Signer(keyID, key)
}

// Algorithm implements Signer
func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }

// KeyID implements Signer
func (s *Ed25519Signer) KeyID() string { return s.keyID }

// Sign implements Signer
func (s *Ed25519Signer) Sign(_ context.Context, data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

// PublicKey returns the public half of the signing key
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// KeyRing verifies Ed25519 signatures of trusted keys
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyRing creates an empty key ring
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]ed25519.PublicKey)}
}

// Add trusts a public key under the given identifier
func (k *KeyRing) Add(keyID string, key ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = key
}

// AddFile trusts a PKIX PEM encoded Ed25519 public key
func (k *KeyRing) AddFile(keyID, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("no PEM data in %s", path)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("%s does not contain an Ed25519 public key", path)
	}
	k.Add(keyID, key)
	return nil
}

// Verify implements Verifier
func (k *KeyRing) Verify(_ context.Context, keyID, algorithm string, data, signature []byte) error {
	if algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: unsupported algorithm %s", ErrInvalidSignature, algorithm)
	}
	k.mu.RLock()
	key, found := k.keys[keyID]
	k.mu.RUnlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if !ed25519.Verify(key, data, signature) {
		return ErrInvalidSignature
	}
	return nil
}
