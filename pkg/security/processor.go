package security

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mandated by the UsernameToken profile
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Defaults of the WSSProcessor
const (
	DefaultTimestampTTL = 5 * time.Minute
	DefaultClockSkew    = time.Minute
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// WSSProcessor creates and verifies WS-Security headers carrying a
// timestamp, a UsernameToken and a signature over the eb:Messaging header
// and the payloads.
// Signature primitives are supplied by Signer and Verifier implementations.
type WSSProcessor struct {
	signers  map[string]Signer
	verifier Verifier
	ttl      time.Duration
	skew     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	nonces *nonceCache
}

// Option configures a WSSProcessor
type Option func(*WSSProcessor)

// WithSigner registers a signer for a P-Mode key alias. The signer with the
// empty alias is used when a leg names none.
func WithSigner(alias string, s Signer) Option {
	return func(p *WSSProcessor) { p.signers[alias] = s }
}

// WithVerifier sets the signature verifier
func WithVerifier(v Verifier) Option {
	return func(p *WSSProcessor) { p.verifier = v }
}

// WithTimestampTTL sets the lifetime of created timestamps and tokens
func WithTimestampTTL(d time.Duration) Option {
	return func(p *WSSProcessor) { p.ttl = d }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(p *WSSProcessor) { p.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *WSSProcessor) { p.logger = l }
}

// NewWSSProcessor creates a processor
func NewWSSProcessor(opts ...Option) *WSSProcessor {
	p := &WSSProcessor{
		signers: make(map[string]Signer),
		ttl:     DefaultTimestampTTL,
		skew:    DefaultClockSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.nonces = &nonceCache{seen: make(map[string]time.Time)}
	return p
}

// CreateHeader implements Processor
func (p *WSSProcessor) CreateHeader(ctx context.Context, msg *message.Message, cfg *pmode.Security) ([]byte, error) {
	if cfg == nil || (cfg.X509 == nil && cfg.UsernameToken == nil) {
		return nil, nil
	}
	if cfg.X509 != nil && cfg.X509.Encrypt {
		return nil, ErrEncryptionNotSupported
	}

	now := p.now().UTC()
	doc := etree.NewDocument()
	sec := doc.CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", NSSecurityExt)
	sec.CreateAttr("xmlns:wsu", NSSecurityUtil)

	ts := sec.CreateElement("wsu:Timestamp")
	ts.CreateAttr("wsu:Id", "TS-"+uuid.New().String())
	ts.CreateElement("wsu:Created").SetText(now.Format(timeLayout))
	ts.CreateElement("wsu:Expires").SetText(now.Add(p.ttl).Format(timeLayout))

	if ut := cfg.UsernameToken; ut != nil {
		if err := p.addUsernameToken(sec, ut, now); err != nil {
			return nil, err
		}
	}
	if cfg.X509 != nil && cfg.X509.Sign {
		signer, ok := p.signers[cfg.X509.KeyAlias]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrNoSigner, cfg.X509.KeyAlias)
		}
		if err := p.addSignature(ctx, sec, signer, msg); err != nil {
			return nil, err
		}
	}
	return doc.WriteToBytes()
}

func (p *WSSProcessor) addUsernameToken(sec *etree.Element, cfg *pmode.UsernameToken, now time.Time) error {
	el := sec.CreateElement("wsse:UsernameToken")
	el.CreateAttr("wsu:Id", "UT-"+uuid.New().String())
	el.CreateElement("wsse:Username").SetText(cfg.Username)

	created := now.Format(timeLayout)
	var nonce []byte
	if cfg.Digest || cfg.Nonce {
		nonce = make([]byte, 16)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generating nonce: %w", err)
		}
	}

	pw := el.CreateElement("wsse:Password")
	if cfg.Digest {
		pw.CreateAttr("Type", PasswordDigest)
		pw.SetText(passwordDigest(nonce, created, cfg.Password))
	} else {
		pw.CreateAttr("Type", PasswordText)
		pw.SetText(cfg.Password)
	}
	if nonce != nil {
		n := el.CreateElement("wsse:Nonce")
		n.CreateAttr("EncodingType", EncodingBase64)
		n.SetText(base64.StdEncoding.EncodeToString(nonce))
	}
	if cfg.Digest || cfg.Created {
		el.CreateElement("wsu:Created").SetText(created)
	}
	return nil
}

func (p *WSSProcessor) addSignature(ctx context.Context, sec *etree.Element, signer Signer, msg *message.Message) error {
	refs, err := references(msg)
	if err != nil {
		return err
	}

	si := etree.NewElement("ds:SignedInfo")
	si.CreateAttr("xmlns:ds", NSXMLDSig)
	si.CreateElement("ds:CanonicalizationMethod").CreateAttr("Algorithm", AlgorithmC14N)
	si.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", signer.Algorithm())
	for _, r := range refs {
		ref := si.CreateElement("ds:Reference")
		ref.CreateAttr("URI", r.uri)
		ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", AlgorithmSHA256)
		ref.CreateElement("ds:DigestValue").SetText(r.digest)
	}

	signed, err := serialize(si)
	if err != nil {
		return err
	}
	value, err := signer.Sign(ctx, signed)
	if err != nil {
		return fmt.Errorf("signing: %w", err)
	}

	sig := sec.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NSXMLDSig)
	sig.AddChild(si)
	sig.CreateElement("ds:SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))
	str := sig.CreateElement("ds:KeyInfo").CreateElement("wsse:SecurityTokenReference")
	str.CreateElement("wsse:KeyIdentifier").SetText(signer.KeyID())
	return nil
}

// VerifyHeader implements Processor
func (p *WSSProcessor) VerifyHeader(ctx context.Context, header []byte, msg *message.Message, cfg *pmode.Security) *Result {
	wantToken := cfg != nil && cfg.UsernameToken != nil
	wantSignature := cfg != nil && cfg.X509 != nil && cfg.X509.Sign

	if len(header) == 0 {
		if wantToken || wantSignature {
			return nok("security header missing")
		}
		return ok()
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(header); err != nil || doc.Root() == nil {
		return nok("security header is not well-formed")
	}
	sec := doc.Root()
	now := p.now()

	if find(sec, "EncryptedKey", NSXMLEnc) != nil || find(sec, "EncryptedData", NSXMLEnc) != nil {
		return nok("encrypted content is not supported")
	}
	if ts := find(sec, "Timestamp", NSSecurityUtil); ts != nil {
		if r := p.checkTimestamp(ts, now); r != nil {
			return r
		}
	}

	if ut := find(sec, "UsernameToken", NSSecurityExt); ut != nil || wantToken {
		if ut == nil {
			return nok("UsernameToken missing")
		}
		if wantToken {
			if r := p.checkUsernameToken(ut, cfg.UsernameToken, now); r != nil {
				return r
			}
		}
	}

	sig := find(sec, "Signature", NSXMLDSig)
	switch {
	case sig == nil && wantSignature:
		return nok("signature missing")
	case sig != nil && (wantSignature || p.verifier != nil):
		trusted := ""
		if wantSignature {
			trusted = cfg.X509.TrustedSigner
		}
		if r := p.checkSignature(ctx, sig, msg, trusted); r != nil {
			return r
		}
	}
	return ok()
}

func (p *WSSProcessor) checkTimestamp(ts *etree.Element, now time.Time) *Result {
	if c := find(ts, "Created", NSSecurityUtil); c != nil {
		created, err := time.Parse(time.RFC3339Nano, c.Text())
		if err != nil {
			return nok("invalid timestamp")
		}
		if created.After(now.Add(p.skew)) {
			return nok("timestamp created in the future")
		}
	}
	if e := find(ts, "Expires", NSSecurityUtil); e != nil {
		expires, err := time.Parse(time.RFC3339Nano, e.Text())
		if err != nil {
			return nok("invalid timestamp")
		}
		if now.After(expires.Add(p.skew)) {
			return nok("message has expired")
		}
	}
	return nil
}

func (p *WSSProcessor) checkUsernameToken(ut *etree.Element, cfg *pmode.UsernameToken, now time.Time) *Result {
	user := find(ut, "Username", NSSecurityExt)
	if user == nil || user.Text() != cfg.Username {
		return nok("unknown user")
	}
	pw := find(ut, "Password", NSSecurityExt)
	if pw == nil {
		return nok("password missing")
	}

	created := ""
	if c := find(ut, "Created", NSSecurityUtil); c != nil {
		created = c.Text()
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nok("invalid token creation time")
		}
		if t.After(now.Add(p.skew)) || now.Sub(t) > p.ttl+p.skew {
			return nok("token is not fresh")
		}
	} else if cfg.Created || cfg.Digest {
		return nok("token creation time missing")
	}

	var nonce []byte
	if n := find(ut, "Nonce", NSSecurityExt); n != nil {
		var err error
		if nonce, err = base64.StdEncoding.DecodeString(n.Text()); err != nil {
			return nok("invalid nonce")
		}
	} else if cfg.Nonce || cfg.Digest {
		return nok("nonce missing")
	}

	var expected string
	switch pw.SelectAttrValue("Type", PasswordText) {
	case PasswordDigest:
		expected = passwordDigest(nonce, created, cfg.Password)
	case PasswordText:
		if cfg.Digest {
			return nok("password digest required")
		}
		expected = cfg.Password
	default:
		return nok("unsupported password type")
	}
	if subtle.ConstantTimeCompare([]byte(pw.Text()), []byte(expected)) != 1 {
		return nok("wrong password")
	}
	if nonce != nil && !p.nonces.add(string(nonce), now, p.ttl+p.skew) {
		return nok("replayed nonce")
	}
	return nil
}

func (p *WSSProcessor) checkSignature(ctx context.Context, sig *etree.Element, msg *message.Message, trusted string) *Result {
	if p.verifier == nil {
		return nok("no signature verifier configured")
	}
	si := find(sig, "SignedInfo", NSXMLDSig)
	value := find(sig, "SignatureValue", NSXMLDSig)
	if si == nil || value == nil {
		return nok("incomplete signature")
	}

	keyID := ""
	if ki := find(sig, "KeyInfo", NSXMLDSig); ki != nil {
		if str := find(ki, "SecurityTokenReference", NSSecurityExt); str != nil {
			if id := find(str, "KeyIdentifier", NSSecurityExt); id != nil {
				keyID = id.Text()
			}
		}
	}
	if trusted != "" && keyID != trusted {
		return nok("signer is not trusted")
	}

	if r := checkReferences(si, msg); r != nil {
		return r
	}

	algorithm := ""
	if m := find(si, "SignatureMethod", NSXMLDSig); m != nil {
		algorithm = m.SelectAttrValue("Algorithm", "")
	}
	signature, err := base64.StdEncoding.DecodeString(value.Text())
	if err != nil {
		return nok("invalid signature value")
	}
	signed, err := serialize(si)
	if err != nil {
		return nok("cannot serialize SignedInfo")
	}
	if err := p.verifier.Verify(ctx, keyID, algorithm, signed, signature); err != nil {
		p.logger.Debug("signature verification failed", "key_id", keyID, "error", err)
		return nok("signature verification failed")
	}
	return nil
}

// reference is a signed part of the message and its digest
type reference struct {
	uri    string
	digest string
}

// references digests the eb:Messaging header, the SOAP body and every
// attachment of msg
func references(msg *message.Message) ([]reference, error) {
	data, err := message.MessagingXML(msg.Units)
	if err != nil {
		return nil, fmt.Errorf("serializing eb:Messaging: %w", err)
	}
	refs := []reference{{uri: messagingRefURI, digest: digest(data)}}
	if len(msg.Body) > 0 {
		body, err := message.CanonicalBody(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("serializing SOAP body: %w", err)
		}
		refs = append(refs, reference{uri: bodyRefURI, digest: digest(body)})
	}
	for _, part := range msg.Parts {
		refs = append(refs, reference{uri: "cid:" + message.NormalizeContentID(part.ContentID), digest: digest(part.Data)})
	}
	return refs, nil
}

// checkReferences requires a matching ds:Reference for every part of msg
// and no reference to a part msg does not carry
func checkReferences(si *etree.Element, msg *message.Message) *Result {
	expected, err := references(msg)
	if err != nil {
		return nok("cannot digest message content")
	}
	want := make(map[string]string, len(expected))
	for _, r := range expected {
		want[r.uri] = r.digest
	}

	signed := make(map[string]bool)
	for _, ref := range si.ChildElements() {
		if ref.Tag != "Reference" {
			continue
		}
		uri := ref.SelectAttrValue("URI", "")
		d, ok := want[uri]
		if !ok {
			return nok("signed part missing")
		}
		dv := find(ref, "DigestValue", NSXMLDSig)
		if dv == nil || subtle.ConstantTimeCompare([]byte(dv.Text()), []byte(d)) != 1 {
			return nok("digest mismatch")
		}
		signed[uri] = true
	}
	if !signed[messagingRefURI] {
		return nok("eb:Messaging is not signed")
	}
	for _, r := range expected {
		if !signed[r.uri] {
			return nok("unsigned part")
		}
	}
	return nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func passwordDigest(nonce []byte, created, password string) string {
	h := sha1.New() //nolint:gosec
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// serialize writes el as a standalone element. The ds namespace is declared
// on el itself so the output does not depend on its position.
func serialize(el *etree.Element) ([]byte, error) {
	c := el.Copy()
	if c.SelectAttr("xmlns:ds") == nil {
		c.CreateAttr("xmlns:ds", NSXMLDSig)
	}
	doc := etree.NewDocument()
	doc.SetRoot(c)
	return doc.WriteToBytes()
}

func find(parent *etree.Element, local, ns string) *etree.Element {
	for _, c := range parent.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

// nonceCache remembers UsernameToken nonces until they expire
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// add records the nonce and reports whether it was new
func (c *nonceCache) add(nonce string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, exp := range c.seen {
		if now.After(exp) {
			delete(c.seen, n)
		}
	}
	if _, dup := c.seen[nonce]; dup {
		return false
	}
	c.seen[nonce] = now.Add(ttl)
	return true
}
