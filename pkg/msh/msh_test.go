package msh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/internal/storage/memory"
	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/payload"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/transport"
	"github.com/sirosfoundation/go-msh/pkg/validation/custom"
)

const testPModeID = "default-pmode"

var document = []byte("<Invoice><ID>42</ID></Invoice>")

func testPMode() *pmode.PMode {
	pm := pmode.DefaultPMode()
	pm.Legs[0].Protocol.Address = "https://receiver.test/msh"
	return pm
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Handle(_ context.Context, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) processor() *events.Processor {
	reg := events.NewRegistry()
	reg.Register("recorder", func(pmode.HandlerConfig) (events.Handler, error) { return r, nil })
	return events.NewProcessor(reg, events.WithGlobalHandlers(pmode.HandlerConfig{ID: "test", Type: "recorder"}))
}

func (r *recorder) find(t events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// loopback delivers sent messages to another MSH in process
type loopback struct {
	target *MSH
	fail   bool
	calls  int
	last   []byte
	ctype  string
}

func (l *loopback) Send(ctx context.Context, _, contentType string, body []byte) *transport.Result {
	l.calls++
	l.last, l.ctype = body, contentType
	if l.fail {
		return &transport.Result{Err: errors.New("connection refused")}
	}
	resp, err := l.target.Receive(ctx, contentType, body)
	if err != nil {
		return &transport.Result{Err: err, StatusCode: 500}
	}
	if resp == nil {
		return &transport.Result{StatusCode: 202}
	}
	return &transport.Result{StatusCode: 200, ContentType: resp.ContentType, Body: resp.Body}
}

type node struct {
	msh      *MSH
	repo     storage.Repository
	payloads *payload.MemoryProvider
	events   *recorder
}

func newNode(t *testing.T, cfg Config, pms ...*pmode.PMode) *node {
	t.Helper()
	reg := pmode.NewRegistry()
	for _, pm := range pms {
		require.NoError(t, reg.Add(pm))
	}
	n := &node{payloads: payload.NewMemoryProvider(), events: &recorder{}}
	if cfg.Repository == nil {
		cfg.Repository = memory.New()
	}
	n.repo = cfg.Repository
	cfg.PModes = reg
	cfg.Payloads = n.payloads
	cfg.Events = n.events.processor()
	m, err := New(cfg)
	require.NoError(t, err)
	n.msh = m
	return n
}

func (n *node) get(t *testing.T, coreID string) *model.MessageUnit {
	t.Helper()
	u, err := n.repo.Get(context.Background(), coreID)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func (n *node) received(t *testing.T, messageID string) *model.MessageUnit {
	t.Helper()
	units, err := n.msh.Status(context.Background(), messageID, model.DirectionIn)
	require.NoError(t, err)
	require.Len(t, units, 1)
	return units[0]
}

func (n *node) submit(t *testing.T, props ...model.Property) *model.MessageUnit {
	t.Helper()
	u := model.NewUserMessageUnit("", &model.UserMessage{
		Properties: props,
		Payloads:   []model.Payload{{MimeType: "application/xml", Containment: model.ContainmentAttachment}},
	})
	u.PModeID = testPModeID
	stored, err := n.msh.Submit(context.Background(), u, [][]byte{document})
	require.NoError(t, err)
	return stored
}

// pair connects a sending and a receiving MSH
func pair(t *testing.T, senderCfg, receiverCfg Config, senderPM, receiverPM *pmode.PMode) (*node, *node, *loopback) {
	t.Helper()
	receiver := newNode(t, receiverCfg, receiverPM)
	lb := &loopback{target: receiver.msh}
	senderCfg.Sender = lb
	sender := newNode(t, senderCfg, senderPM)
	return sender, receiver, lb
}

func signalsFor(t *testing.T, n *node, ref string, dir model.Direction) []*model.MessageUnit {
	t.Helper()
	units, err := n.repo.FindByRef(context.Background(), ref, dir)
	require.NoError(t, err)
	return units
}

func TestNew_RequiresRepositoryAndPModes(t *testing.T) {
	_, err := New(Config{PModes: pmode.NewRegistry()})
	assert.Error(t, err)
	_, err = New(Config{Repository: memory.New()})
	assert.Error(t, err)
}

func TestPush_ReceiptCompletesExchange(t *testing.T) {
	ctx := context.Background()
	sender, receiver, lb := pair(t, Config{}, Config{}, testPMode(), testPMode())

	u := sender.submit(t)
	assert.Equal(t, model.StateReadyToPush, u.CurrentState())
	assert.Contains(t, u.MessageID, "@msh.siros.org")

	require.NoError(t, sender.msh.Push(ctx, u.CoreID))
	assert.Equal(t, 1, lb.calls)

	sent := sender.get(t, u.CoreID)
	assert.Equal(t, model.StateDelivered, sent.CurrentState())
	assert.Equal(t, 1, sent.CountState(model.StateWaitingForReceipt))

	in := receiver.received(t, u.MessageID)
	assert.Equal(t, model.StateDelivered, in.CurrentState())
	content, err := payload.Read(ctx, receiver.payloads, in.UserMessage().Payloads[0].PayloadID)
	require.NoError(t, err)
	assert.Equal(t, document, content)

	receipts := signalsFor(t, receiver, u.MessageID, model.DirectionOut)
	require.Len(t, receipts, 1)
	assert.Equal(t, model.KindReceipt, receipts[0].Kind())
	assert.Equal(t, model.StateDone, receipts[0].CurrentState())
	refs := ReceiptReferences(receipts[0].Receipt())
	assert.Contains(t, refs, "#"+u.MessageID)
	assert.Contains(t, refs, "cid:"+u.UserMessage().Payloads[0].ContentID)

	assert.Len(t, sender.events.find(events.MessageSent), 1)
	assert.Equal(t, 1, sender.events.find(events.MessageSent)[0].Attempt)
	assert.Len(t, sender.events.find(events.ReceiptReceived), 1)
	assert.Len(t, receiver.events.find(events.MessageDelivered), 1)
}

func TestPush_NotReady(t *testing.T) {
	ctx := context.Background()
	sender, _, lb := pair(t, Config{}, Config{}, testPMode(), testPMode())
	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(ctx, u.CoreID))

	err := sender.msh.Push(ctx, u.CoreID)
	assert.ErrorIs(t, err, ErrUnexpectedState)
	assert.Equal(t, 1, lb.calls)

	assert.ErrorIs(t, sender.msh.Push(ctx, "unknown"), storage.ErrNotFound)
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, Config{}, testPMode())

	t.Run("fills header from P-Mode", func(t *testing.T) {
		u := n.submit(t)
		ci := u.UserMessage().CollaborationInfo
		require.NotNil(t, ci)
		assert.Equal(t, "urn:example:service", ci.Service.Name)
		assert.Equal(t, "urn:example:action", ci.Action)
		assert.NotEmpty(t, u.UserMessage().Payloads[0].ContentID)
		assert.False(t, u.Timestamp.IsZero())
	})

	t.Run("duplicate message id", func(t *testing.T) {
		u := model.NewUserMessageUnit("dup@test", &model.UserMessage{})
		u.PModeID = testPModeID
		_, err := n.msh.Submit(ctx, u, nil)
		require.NoError(t, err)
		_, err = n.msh.Submit(ctx, u, nil)
		assert.ErrorIs(t, err, storage.ErrDuplicateMessageID)
	})

	t.Run("unknown P-Mode", func(t *testing.T) {
		u := model.NewUserMessageUnit("", &model.UserMessage{})
		u.PModeID = "missing"
		_, err := n.msh.Submit(ctx, u, nil)
		assert.ErrorIs(t, err, pmode.ErrPModeNotFound)
	})

	t.Run("payload without content", func(t *testing.T) {
		u := model.NewUserMessageUnit("", &model.UserMessage{
			Payloads: []model.Payload{{Containment: model.ContainmentAttachment}},
		})
		u.PModeID = testPModeID
		_, err := n.msh.Submit(ctx, u, nil)
		assert.ErrorIs(t, err, ErrInvalidSubmission)
	})

	t.Run("signals cannot be submitted", func(t *testing.T) {
		_, err := n.msh.Submit(ctx, model.NewSignalUnit("", "x@test", &model.Receipt{}), nil)
		assert.ErrorIs(t, err, ErrInvalidSubmission)
	})

	t.Run("pull binding parks message", func(t *testing.T) {
		pm := testPMode()
		pm.MEPBinding = pmode.BindingPull
		pn := newNode(t, Config{}, pm)
		u := pn.submit(t)
		assert.Equal(t, model.StateAwaitingPull, u.CurrentState())
	})
}

func TestReceive_DuplicateIsReceiptedButNotDelivered(t *testing.T) {
	ctx := context.Background()
	var deliveries int
	capture := &loopback{fail: true}
	sender := newNode(t, Config{Sender: capture}, testPMode())
	receiver := newNode(t, Config{Delivery: DeliveryFunc(func(context.Context, *model.MessageUnit) error {
		deliveries++
		return nil
	})}, testPMode())

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(ctx, u.CoreID))
	require.NotEmpty(t, capture.last)

	first, err := receiver.msh.Receive(ctx, capture.ctype, capture.last)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := receiver.msh.Receive(ctx, capture.ctype, capture.last)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, 1, deliveries)
	require.Len(t, second.Units, 1)
	assert.Equal(t, model.KindReceipt, second.Units[0].Kind())

	units, err := receiver.msh.Status(ctx, u.MessageID, model.DirectionIn)
	require.NoError(t, err)
	require.Len(t, units, 2)
	states := []model.State{units[0].CurrentState(), units[1].CurrentState()}
	assert.ElementsMatch(t, []model.State{model.StateDelivered, model.StateDuplicate}, states)
	assert.Len(t, receiver.events.find(events.DuplicateReceived), 1)
}

func TestReceive_HeaderValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("strict rejects incomplete header", func(t *testing.T) {
		sender, receiver, _ := pair(t, Config{}, Config{StrictHeaderValidation: true}, testPMode(), testPMode())
		u := sender.submit(t)
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))

		assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
		assert.Equal(t, model.StateFailure, sender.get(t, u.CoreID).CurrentState())

		errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
		require.Len(t, errs, 1)
		require.NotNil(t, errs[0].ErrorMessage())
		assert.Equal(t, "EBMS:0009", errs[0].ErrorMessage().Errors[0].ErrorCode)
		assert.Contains(t, errs[0].ErrorMessage().Errors[0].Detail, "PartyInfo/From")

		assert.Len(t, receiver.events.find(events.HeaderValidationFailure), 1)
		assert.Len(t, sender.events.find(events.ErrorReceived), 1)
	})

	t.Run("leg overrides strict mode", func(t *testing.T) {
		relaxed := testPMode()
		lenient := false
		relaxed.Legs[0].StrictHeaderValidation = &lenient
		sender, receiver, _ := pair(t, Config{}, Config{StrictHeaderValidation: true}, testPMode(), relaxed)
		u := sender.submit(t)
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))
		assert.Equal(t, model.StateDelivered, receiver.received(t, u.MessageID).CurrentState())
	})
}

func TestReceive_SecurityFailure(t *testing.T) {
	ctx := context.Background()
	protected := testPMode()
	protected.Legs[0].Security = &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "secret", Digest: true}}

	sender, receiver, _ := pair(t, Config{}, Config{}, testPMode(), protected)
	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(ctx, u.CoreID))

	assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
	assert.Equal(t, model.StateFailure, sender.get(t, u.CoreID).CurrentState())

	errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
	require.Len(t, errs, 1)
	e := errs[0].ErrorMessage().Errors[0]
	assert.Equal(t, "EBMS:0101", e.ErrorCode)
	assert.Empty(t, e.Detail)

	failures := receiver.events.find(events.SecurityFailure)
	require.Len(t, failures, 1)
	assert.NotEmpty(t, failures[0].Description)
}

func TestPush_UsernameToken(t *testing.T) {
	pm := testPMode()
	pm.Legs[0].Security = &pmode.Security{UsernameToken: &pmode.UsernameToken{Username: "alice", Password: "secret", Digest: true}}
	sender, receiver, _ := pair(t, Config{}, Config{}, pm, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))
	assert.Equal(t, model.StateDelivered, receiver.received(t, u.MessageID).CurrentState())
	assert.Equal(t, model.StateDelivered, sender.get(t, u.CoreID).CurrentState())
}

func TestPush_Signed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := security.NewEd25519Signer("sender-key", priv)
	require.NoError(t, err)
	ring := security.NewKeyRing()
	ring.Add("sender-key", pub)

	pm := testPMode()
	pm.Legs[0].Security = &pmode.Security{X509: &pmode.X509Config{Sign: true, KeyAlias: "sign", TrustedSigner: "sender-key"}}
	sender, receiver, _ := pair(t,
		Config{Security: security.NewWSSProcessor(security.WithSigner("sign", signer))},
		Config{Security: security.NewWSSProcessor(security.WithVerifier(ring))},
		pm, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))
	assert.Equal(t, model.StateDelivered, receiver.received(t, u.MessageID).CurrentState())
	assert.Equal(t, model.StateDelivered, sender.get(t, u.CoreID).CurrentState())
}

// tampering swaps the first attachment before handing the message on
type tampering struct {
	target *MSH
}

func (tp *tampering) Send(ctx context.Context, _, contentType string, body []byte) *transport.Result {
	msg, err := message.Decode(contentType, body)
	if err != nil {
		return &transport.Result{Err: err}
	}
	msg.Parts[0].Data = []byte("<Invoice><ID>666</ID></Invoice>")
	data, ct, err := message.Encode(msg)
	if err != nil {
		return &transport.Result{Err: err}
	}
	resp, err := tp.target.Receive(ctx, ct, data)
	if err != nil {
		return &transport.Result{Err: err, StatusCode: 500}
	}
	if resp == nil {
		return &transport.Result{StatusCode: 202}
	}
	return &transport.Result{StatusCode: 200, ContentType: resp.ContentType, Body: resp.Body}
}

func TestReceive_SignedPayloadSwapped(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := security.NewEd25519Signer("sender-key", priv)
	require.NoError(t, err)
	ring := security.NewKeyRing()
	ring.Add("sender-key", pub)

	pm := testPMode()
	pm.Legs[0].Security = &pmode.Security{X509: &pmode.X509Config{Sign: true, KeyAlias: "sign", TrustedSigner: "sender-key"}}
	delivered := 0
	receiver := newNode(t, Config{
		Security: security.NewWSSProcessor(security.WithVerifier(ring)),
		Delivery: DeliveryFunc(func(context.Context, *model.MessageUnit) error {
			delivered++
			return nil
		}),
	}, pm)
	sender := newNode(t, Config{
		Security: security.NewWSSProcessor(security.WithSigner("sign", signer)),
		Sender:   &tampering{target: receiver.msh},
	}, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))

	assert.Zero(t, delivered)
	assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
	errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0101", errs[0].ErrorMessage().Errors[0].ErrorCode)
	assert.Len(t, receiver.events.find(events.SecurityFailure), 1)
}

func TestReceive_CustomValidationRejects(t *testing.T) {
	ctx := context.Background()
	validated := testPMode()
	validated.Legs[0].CustomValidation = &custom.Spec{
		ID: "invoice",
		Validators: []custom.ValidatorConfig{{
			ID:       "invoice-number",
			Type:     custom.TypeProperty,
			Settings: map[string]string{"name": "invoiceNumber"},
		}},
		RejectSeverity: custom.SeverityFailure,
	}
	sender, receiver, _ := pair(t, Config{}, Config{}, testPMode(), validated)

	t.Run("rejected", func(t *testing.T) {
		u := sender.submit(t)
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))

		assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
		errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0003", errs[0].ErrorMessage().Errors[0].ErrorCode)

		failures := receiver.events.find(events.CustomValidationFailure)
		require.Len(t, failures, 1)
		require.NotNil(t, failures[0].ValidationResult)
		assert.True(t, failures[0].ValidationResult.ShouldRejectMessage)
	})

	t.Run("accepted", func(t *testing.T) {
		u := sender.submit(t, model.Property{Name: "invoiceNumber", Value: "42"})
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))
		assert.Equal(t, model.StateDelivered, receiver.received(t, u.MessageID).CurrentState())
	})
}

func TestReceive_DeliveryFailure(t *testing.T) {
	ctx := context.Background()
	sender, receiver, _ := pair(t, Config{},
		Config{Delivery: DeliveryFunc(func(context.Context, *model.MessageUnit) error {
			return errors.New("backend unavailable")
		})},
		testPMode(), testPMode())

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(ctx, u.CoreID))

	assert.Equal(t, model.StateDeliveryFailed, receiver.received(t, u.MessageID).CurrentState())
	assert.Len(t, receiver.events.find(events.DeliveryFailure), 1)

	errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0202", errs[0].ErrorMessage().Errors[0].ErrorCode)
	assert.Equal(t, model.StateFailure, sender.get(t, u.CoreID).CurrentState())
}

func TestReceive_DeliveryPanic(t *testing.T) {
	sender, receiver, _ := pair(t, Config{},
		Config{Delivery: DeliveryFunc(func(context.Context, *model.MessageUnit) error {
			panic("boom")
		})},
		testPMode(), testPMode())

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))
	assert.Equal(t, model.StateDeliveryFailed, receiver.received(t, u.MessageID).CurrentState())
}

type panickingSecurity struct{ security.Processor }

func (panickingSecurity) VerifyHeader(context.Context, []byte, *message.Message, *pmode.Security) *security.Result {
	panic("verification crashed")
}

func TestReceive_FailedFlowFailsAllUnits(t *testing.T) {
	ctx := context.Background()
	receiver := newNode(t, Config{Security: panickingSecurity{}}, testPMode())

	ids := []string{"one@test", "two@test", "three@test"}
	var units []*model.MessageUnit
	for _, id := range ids {
		u := model.NewUserMessageUnit(id, &model.UserMessage{
			CollaborationInfo: &model.CollaborationInfo{
				Service: &model.Service{Name: "urn:example:service"},
				Action:  "urn:example:action",
			},
		})
		u.Timestamp = time.Now()
		units = append(units, u)
	}
	data, ct, err := message.Encode(&message.Message{Units: units})
	require.NoError(t, err)

	_, err = receiver.msh.Receive(ctx, ct, data)
	require.Error(t, err)

	for _, id := range ids {
		assert.Equal(t, model.StateFailure, receiver.received(t, id).CurrentState(), id)
	}
}

func TestReceive_InvalidMessage(t *testing.T) {
	n := newNode(t, Config{}, testPMode())
	_, err := n.msh.Receive(context.Background(), "application/soap+xml", []byte("not xml"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestReceive_UnknownPMode(t *testing.T) {
	ctx := context.Background()
	other := testPMode()
	other.Legs[0].BusinessInfo.Action = "urn:example:other"
	sender, receiver, _ := pair(t, Config{}, Config{}, testPMode(), other)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(ctx, u.CoreID))
	assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
	errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0010", errs[0].ErrorMessage().Errors[0].ErrorCode)
}

func TestPush_TransportFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("with reception awareness", func(t *testing.T) {
		sender := newNode(t, Config{Sender: &loopback{fail: true}}, testPMode())
		u := sender.submit(t)
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))

		assert.Equal(t, model.StateTransportFailure, sender.get(t, u.CoreID).CurrentState())
		failures := sender.events.find(events.TransportFailure)
		require.Len(t, failures, 1)
		assert.Equal(t, 1, failures[0].Attempt)
	})

	t.Run("without reception awareness", func(t *testing.T) {
		pm := testPMode()
		pm.Legs[0].ReceptionAwareness = nil
		pm.Legs[0].Receipt = nil
		sender := newNode(t, Config{Sender: &loopback{fail: true}}, pm)
		u := sender.submit(t)
		require.NoError(t, sender.msh.Push(ctx, u.CoreID))
		assert.Equal(t, model.StateFailure, sender.get(t, u.CoreID).CurrentState())
	})
}

func TestPush_WithoutReceipt(t *testing.T) {
	pm := testPMode()
	pm.Legs[0].ReceptionAwareness = nil
	pm.Legs[0].Receipt = nil
	sender, receiver, _ := pair(t, Config{}, Config{}, pm, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))
	assert.Equal(t, model.StateDelivered, sender.get(t, u.CoreID).CurrentState())
	assert.Equal(t, 0, sender.get(t, u.CoreID).CountState(model.StateWaitingForReceipt))
	assert.Empty(t, signalsFor(t, receiver, u.MessageID, model.DirectionOut))
}

func TestPush_EndpointNotFound(t *testing.T) {
	pm := testPMode()
	pm.Legs[0].Protocol = nil
	sender := newNode(t, Config{Sender: &loopback{fail: true}}, pm)

	u := sender.submit(t)
	err := sender.msh.Push(context.Background(), u.CoreID)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	assert.Equal(t, model.StateFailure, sender.get(t, u.CoreID).CurrentState())
}

func TestPush_Compression(t *testing.T) {
	pm := testPMode()
	pm.Legs[0].PayloadService = &pmode.PayloadService{CompressionType: pmode.CompressionGzip}
	sender, receiver, lb := pair(t, Config{}, Config{}, pm, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))

	wire, err := message.Decode(lb.ctype, lb.last)
	require.NoError(t, err)
	require.Len(t, wire.Parts, 1)
	assert.True(t, compression.IsCompressed(wire.Parts[0].Data))
	assert.True(t, wire.Units[0].UserMessage().Payloads[0].Compressed)

	in := receiver.received(t, u.MessageID)
	assert.Equal(t, model.StateDelivered, in.CurrentState())
	content, err := payload.Read(context.Background(), receiver.payloads, in.UserMessage().Payloads[0].PayloadID)
	require.NoError(t, err)
	assert.Equal(t, document, content)
	assert.Equal(t, "application/xml", in.UserMessage().Payloads[0].MimeType)
}

func TestReceive_DecompressedPayloadTooLarge(t *testing.T) {
	pm := testPMode()
	pm.Legs[0].PayloadService = &pmode.PayloadService{CompressionType: pmode.CompressionGzip}
	sender, receiver, _ := pair(t, Config{}, Config{MaxPayloadSize: int64(len(document) - 1)}, pm, pm)

	u := sender.submit(t)
	require.NoError(t, sender.msh.Push(context.Background(), u.CoreID))

	assert.Equal(t, model.StateFailure, receiver.received(t, u.MessageID).CurrentState())
	assert.Zero(t, receiver.payloads.Len())
	errs := signalsFor(t, sender, u.MessageID, model.DirectionIn)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0303", errs[0].ErrorMessage().Errors[0].ErrorCode)
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	pm := testPMode()
	pm.MEPBinding = pmode.BindingPull

	responder := newNode(t, Config{}, pm)
	lb := &loopback{target: responder.msh}
	puller := newNode(t, Config{Sender: lb}, pm)

	waiting := responder.submit(t)
	require.Equal(t, model.StateAwaitingPull, waiting.CurrentState())

	pulled, err := puller.msh.Pull(ctx, testPModeID)
	require.NoError(t, err)
	require.NotNil(t, pulled)
	assert.Equal(t, waiting.MessageID, pulled.MessageID)
	assert.Equal(t, model.StateDelivered, pulled.CurrentState())

	// the receipt of the puller completes the exchange on the responder
	assert.Equal(t, model.StateDelivered, responder.get(t, waiting.CoreID).CurrentState())
	assert.Equal(t, 2, lb.calls)

	t.Run("empty MPC", func(t *testing.T) {
		none, err := puller.msh.Pull(ctx, testPModeID)
		require.NoError(t, err)
		assert.Nil(t, none)

		received := puller.events.find(events.ErrorReceived)
		require.Len(t, received, 1)
		assert.Equal(t, "EBMS:0006", received[0].Errors[0].ErrorCode)
		assert.Equal(t, model.KindPullRequest, received[0].Unit.Kind())
	})

	t.Run("unknown P-Mode", func(t *testing.T) {
		_, err := puller.msh.Pull(ctx, "missing")
		assert.ErrorIs(t, err, pmode.ErrPModeNotFound)
	})
}

// conflictRepo reports concurrent modifications for the first SetState calls
type conflictRepo struct {
	*memory.Repository
	conflicts int
}

func (r *conflictRepo) SetState(ctx context.Context, coreID string, version int64, state model.State, desc string) (*model.MessageUnit, error) {
	if r.conflicts > 0 {
		r.conflicts--
		return nil, storage.ErrConcurrentModification
	}
	return r.Repository.SetState(ctx, coreID, version, state, desc)
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	repo := &conflictRepo{Repository: memory.New()}
	n := newNode(t, Config{Repository: repo}, testPMode())

	store := func() *model.MessageUnit {
		u := model.NewUserMessageUnit(n.msh.NewMessageID(), &model.UserMessage{})
		u.Direction = model.DirectionOut
		stored, err := repo.Store(ctx, u)
		require.NoError(t, err)
		return stored
	}

	t.Run("retries after conflict", func(t *testing.T) {
		u := store()
		repo.conflicts = 2
		require.NoError(t, n.msh.Transition(ctx, u, model.StateReadyToPush, "", model.StateReceived))
		assert.Equal(t, model.StateReadyToPush, u.CurrentState())
	})

	t.Run("gives up after bounded retries", func(t *testing.T) {
		u := store()
		repo.conflicts = 10
		err := n.msh.Transition(ctx, u, model.StateReadyToPush, "", model.StateReceived)
		assert.ErrorIs(t, err, storage.ErrConcurrentModification)
		repo.conflicts = 0
	})

	t.Run("never overwrites an unseen state", func(t *testing.T) {
		u := store()
		stale := u.Clone()
		require.NoError(t, n.msh.Transition(ctx, u, model.StateProcessing, "", model.StateReceived))

		err := n.msh.Transition(ctx, stale, model.StateFailure, "", model.StateReceived)
		assert.ErrorIs(t, err, ErrUnexpectedState)
		assert.Equal(t, model.StateProcessing, n.get(t, u.CoreID).CurrentState())
	})
}

func TestStatus(t *testing.T) {
	n := newNode(t, Config{}, testPMode())
	u := n.submit(t)

	units, err := n.msh.Status(context.Background(), u.MessageID, model.DirectionOut)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, u.CoreID, units[0].CoreID)

	_, err = n.msh.Status(context.Background(), u.MessageID, model.DirectionIn)
	assert.ErrorIs(t, err, ErrNotFound)
}
