package security

import (
	"context"
	"errors"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Algorithm URIs
const (
	AlgorithmEd25519 = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
	AlgorithmSHA256  = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmC14N    = "http://www.w3.org/2001/10/xml-exc-c14n#"
)

// WS-Security namespaces and token profile URIs
const (
	NSSecurityExt  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NSSecurityUtil = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NSXMLDSig      = "http://www.w3.org/2000/09/xmldsig#"
	NSXMLEnc       = "http://www.w3.org/2001/04/xmlenc#"

	PasswordText    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordText"
	PasswordDigest  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	EncodingBase64  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	messagingRefURI = "#ebMessaging"
	bodyRefURI      = "#body"
)

var (
	// ErrNoSigner is returned when signing is configured but no signer is
	// registered for the key alias
	ErrNoSigner = errors.New("no signer for key alias")
	// ErrEncryptionNotSupported is returned when a leg requires encryption
	ErrEncryptionNotSupported = errors.New("payload encryption is not supported")
)

// Trust is the outcome of verifying a security header
type Trust string

const (
	TrustOK  Trust = "OK"
	TrustNOK Trust = "NOK"
)

// Result is the outcome of security header verification. Details describe
// a failure for logs and must not be sent to the peer.
type Result struct {
	Trust   Trust
	Details string
}

// OK reports whether the header was trusted
func (r *Result) OK() bool {
	return r != nil && r.Trust == TrustOK
}

func ok() *Result { return &Result{Trust: TrustOK} }

func nok(details string) *Result { return &Result{Trust: TrustNOK, Details: details} }

// Processor creates and verifies WS-Security headers
type Processor interface {
	// CreateHeader returns the wsse:Security header for the message, or nil
	// when the configuration requires none. A signature covers the
	// eb:Messaging header, the SOAP body and every attachment.
	CreateHeader(ctx context.Context, msg *message.Message, cfg *pmode.Security) ([]byte, error)
	// VerifyHeader checks a received header against the configuration and
	// the received content. The header is nil when the message carried none.
	VerifyHeader(ctx context.Context, header []byte, msg *message.Message, cfg *pmode.Security) *Result
}

// Signer produces signatures over the serialized ds:SignedInfo
type Signer interface {
	Algorithm() string
	KeyID() string
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// Verifier checks a signature made by the key with the given identifier
type Verifier interface {
	Verify(ctx context.Context, keyID, algorithm string, data, signature []byte) error
}
