package security

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

func testMessage() *message.Message {
	u := model.NewUserMessageUnit("m-1@sender", &model.UserMessage{
		CollaborationInfo: &model.CollaborationInfo{
			Service: &model.Service{Name: "urn:svc"},
			Action:  "act",
		},
	})
	u.Timestamp = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return &message.Message{
		Units: []*model.MessageUnit{u},
		Body:  []byte(`<Invoice xmlns="urn:invoice"><ID>42</ID></Invoice>`),
		Parts: []message.Part{{ContentID: "att-1@sender", ContentType: "application/pdf", Data: []byte("%PDF-1.7 order")}},
	}
}

// wire passes the message and header through the codec like a real exchange
func wire(t *testing.T, msg *message.Message, header []byte) (*message.Message, []byte) {
	t.Helper()
	msg.Security = header
	data, ct, err := message.Encode(msg)
	require.NoError(t, err)
	m, err := message.Decode(ct, data)
	require.NoError(t, err)
	return m, m.Security
}

func TestWSSProcessor_NoSecurity(t *testing.T) {
	p := NewWSSProcessor()
	header, err := p.CreateHeader(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.True(t, p.VerifyHeader(context.Background(), nil, testMessage(), nil).OK())
}

func TestWSSProcessor_MissingHeader(t *testing.T) {
	p := NewWSSProcessor()
	cfg := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "u", Password: "p"}}
	r := p.VerifyHeader(context.Background(), nil, testMessage(), cfg)
	assert.Equal(t, TrustNOK, r.Trust)
	assert.NotEmpty(t, r.Details)
}

func TestWSSProcessor_UsernameTokenDigest(t *testing.T) {
	ctx := context.Background()
	p := NewWSSProcessor()
	cfg := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "secret", Digest: true}}

	header, err := p.CreateHeader(ctx, testMessage(), cfg)
	require.NoError(t, err)
	assert.Contains(t, string(header), PasswordDigest)
	assert.NotContains(t, string(header), "secret")

	got, received := wire(t, testMessage(), header)
	assert.True(t, p.VerifyHeader(ctx, received, got, cfg).OK())

	// same nonce again
	r := p.VerifyHeader(ctx, received, got, cfg)
	assert.False(t, r.OK())
	assert.Equal(t, "replayed nonce", r.Details)

	other := NewWSSProcessor()
	wrong := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "guess", Digest: true}}
	assert.Equal(t, "wrong password", other.VerifyHeader(ctx, received, got, wrong).Details)

	stranger := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "bob", Password: "secret"}}
	assert.Equal(t, "unknown user", other.VerifyHeader(ctx, received, got, stranger).Details)
}

func TestWSSProcessor_UsernameTokenText(t *testing.T) {
	ctx := context.Background()
	p := NewWSSProcessor()
	cfg := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "secret"}}

	header, err := p.CreateHeader(ctx, testMessage(), cfg)
	require.NoError(t, err)
	assert.True(t, p.VerifyHeader(ctx, header, testMessage(), cfg).OK())

	digestOnly := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "secret", Digest: true}}
	assert.False(t, p.VerifyHeader(ctx, header, testMessage(), digestOnly).OK())
}

func TestWSSProcessor_ExpiredTimestamp(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sender := NewWSSProcessor(WithClock(func() time.Time { return now }))
	cfg := &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "u", Password: "p"}}
	header, err := sender.CreateHeader(ctx, testMessage(), cfg)
	require.NoError(t, err)

	later := NewWSSProcessor(WithClock(func() time.Time { return now.Add(time.Hour) }))
	r := later.VerifyHeader(ctx, header, testMessage(), cfg)
	assert.False(t, r.OK())
	assert.Equal(t, "message has expired", r.Details)
}

func TestWSSProcessor_Signature(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := NewEd25519Signer("sender-key", priv)
	require.NoError(t, err)
	assert.Equal(t, pub, signer.PublicKey())

	ring := NewKeyRing()
	ring.Add("sender-key", pub)

	sending := NewWSSProcessor(WithSigner("sign", signer))
	receiving := NewWSSProcessor(WithVerifier(ring))
	cfg := &pmode.Security{X509: &pmode.X509Config{Sign: true, KeyAlias: "sign", TrustedSigner: "sender-key"}}

	header, err := sending.CreateHeader(ctx, testMessage(), cfg)
	require.NoError(t, err)
	got, received := wire(t, testMessage(), header)

	t.Run("valid", func(t *testing.T) {
		r := receiving.VerifyHeader(ctx, received, got, cfg)
		assert.True(t, r.OK(), r.Details)
	})

	t.Run("tampered header", func(t *testing.T) {
		changed := testMessage()
		changed.Units[0].UserMessage().CollaborationInfo.Action = "other"
		r := receiving.VerifyHeader(ctx, received, changed, cfg)
		assert.Equal(t, "digest mismatch", r.Details)
	})

	t.Run("tampered attachment", func(t *testing.T) {
		swapped, _ := wire(t, testMessage(), header)
		swapped.Parts[0].Data = []byte("%PDF-1.7 forged order")
		r := receiving.VerifyHeader(ctx, received, swapped, cfg)
		assert.Equal(t, "digest mismatch", r.Details)
	})

	t.Run("tampered body", func(t *testing.T) {
		swapped, _ := wire(t, testMessage(), header)
		swapped.Body = []byte(`<Invoice xmlns="urn:invoice"><ID>43</ID></Invoice>`)
		r := receiving.VerifyHeader(ctx, received, swapped, cfg)
		assert.Equal(t, "digest mismatch", r.Details)
	})

	t.Run("removed attachment", func(t *testing.T) {
		swapped, _ := wire(t, testMessage(), header)
		swapped.Parts = nil
		r := receiving.VerifyHeader(ctx, received, swapped, cfg)
		assert.Equal(t, "signed part missing", r.Details)
	})

	t.Run("added attachment", func(t *testing.T) {
		swapped, _ := wire(t, testMessage(), header)
		swapped.Parts = append(swapped.Parts, message.Part{ContentID: "att-2@sender", Data: []byte("extra")})
		r := receiving.VerifyHeader(ctx, received, swapped, cfg)
		assert.Equal(t, "unsigned part", r.Details)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		strict := &pmode.Security{X509: &pmode.X509Config{Sign: true, TrustedSigner: "someone-else"}}
		r := receiving.VerifyHeader(ctx, received, got, strict)
		assert.Equal(t, "signer is not trusted", r.Details)
	})

	t.Run("unknown key", func(t *testing.T) {
		r := NewWSSProcessor(WithVerifier(NewKeyRing())).VerifyHeader(ctx, received, got, cfg)
		assert.Equal(t, "signature verification failed", r.Details)
	})

	t.Run("signature required", func(t *testing.T) {
		plain, err := NewWSSProcessor().CreateHeader(ctx, testMessage(),
			&pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "u", Password: "p"}})
		require.NoError(t, err)
		r := receiving.VerifyHeader(ctx, plain, testMessage(), cfg)
		assert.Equal(t, "signature missing", r.Details)
	})
}

func TestWSSProcessor_CreateErrors(t *testing.T) {
	ctx := context.Background()
	p := NewWSSProcessor()

	_, err := p.CreateHeader(ctx, testMessage(), &pmode.Security{X509: &pmode.X509Config{Sign: true, KeyAlias: "missing"}})
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = p.CreateHeader(ctx, testMessage(), &pmode.Security{X509: &pmode.X509Config{Encrypt: true}})
	assert.ErrorIs(t, err, ErrEncryptionNotSupported)
}

func TestWSSProcessor_RejectsEncryptedContent(t *testing.T) {
	header := []byte(`<wsse:Security xmlns:wsse="` + NSSecurityExt + `" xmlns:xenc="` + NSXMLEnc + `"><xenc:EncryptedKey/></wsse:Security>`)
	r := NewWSSProcessor().VerifyHeader(context.Background(), header, testMessage(), nil)
	assert.Equal(t, TrustNOK, r.Trust)
}

func TestKeyRing_Verify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Add("k", pub)
	sig := ed25519.Sign(priv, []byte("data"))

	ctx := context.Background()
	assert.NoError(t, ring.Verify(ctx, "k", AlgorithmEd25519, []byte("data"), sig))
	assert.ErrorIs(t, ring.Verify(ctx, "k", AlgorithmEd25519, []byte("other"), sig), ErrInvalidSignature)
	assert.ErrorIs(t, ring.Verify(ctx, "x", AlgorithmEd25519, []byte("data"), sig), ErrUnknownKey)
	assert.ErrorIs(t, ring.Verify(ctx, "k", "rsa", []byte("data"), sig), ErrInvalidSignature)
}
