package msh

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/payload"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// Submit accepts a User Message from the business application. contents[i]
// is the content of payload i; it may be nil for external payloads or when
// the payload already references stored content. The unit is stored and
// parked until it is pushed or pulled.
func (m *MSH) Submit(ctx context.Context, unit *model.MessageUnit, contents [][]byte) (*model.MessageUnit, error) {
	if unit == nil || unit.UserMessage() == nil {
		return nil, fmt.Errorf("%w: only User Messages can be submitted", ErrInvalidSubmission)
	}
	u := unit.Clone()
	u.Direction = model.DirectionOut
	if u.MessageID == "" {
		u.MessageID = m.NewMessageID()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = m.now().UTC()
	}

	pm, err := m.submissionPMode(u)
	if err != nil {
		return nil, err
	}
	u.PModeID = pm.ID
	applyPMode(u, pm)

	if err := validateBasic(u); err != nil {
		return nil, err
	}
	existing, err := m.repo.Find(ctx, u.MessageID, model.DirectionOut)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%s: %w", u.MessageID, storage.ErrDuplicateMessageID)
	}

	written, err := m.storeSubmittedPayloads(ctx, u, contents)
	if err != nil {
		m.removePayloads(ctx, written)
		return nil, err
	}

	stored, err := m.repo.Store(ctx, u)
	if err != nil {
		m.removePayloads(ctx, written)
		return nil, fmt.Errorf("storing %s: %w", u.MessageID, err)
	}

	next := model.StateReadyToPush
	if pm.IsPull() {
		next = model.StateAwaitingPull
	}
	if err := m.Transition(ctx, stored, next, "submitted", model.StateReceived); err != nil {
		return nil, err
	}
	m.logger.Info("message submitted",
		"message_id", stored.MessageID,
		"pmode", pm.ID,
		"state", next)
	return stored, nil
}

func (m *MSH) submissionPMode(u *model.MessageUnit) (*pmode.PMode, error) {
	id := u.PModeID
	if ci := u.UserMessage().CollaborationInfo; id == "" && ci != nil && ci.AgreementRef != nil {
		id = ci.AgreementRef.PModeID
	}
	if id != "" {
		if pm := m.pmodes.Get(id); pm != nil {
			return pm, nil
		}
		return nil, fmt.Errorf("%w: %s", pmode.ErrPModeNotFound, id)
	}
	return m.pmodes.Find(u.UserMessage())
}

// applyPMode fills the header fields the business application left out
func applyPMode(u *model.MessageUnit, pm *pmode.PMode) {
	um := u.UserMessage()
	if um.CollaborationInfo == nil {
		um.CollaborationInfo = &model.CollaborationInfo{}
	}
	ci := um.CollaborationInfo
	if leg := pm.Leg(u); leg != nil && leg.BusinessInfo != nil {
		bi := leg.BusinessInfo
		if ci.Service == nil && bi.Service != "" {
			ci.Service = &model.Service{Name: bi.Service, Type: bi.ServiceType}
		}
		if ci.Action == "" {
			ci.Action = bi.Action
		}
		if ci.MPC == "" {
			ci.MPC = bi.MPC
		}
	}
	if ci.AgreementRef == nil && pm.Agreement != nil {
		ci.AgreementRef = &model.AgreementRef{Name: pm.Agreement.Name, Type: pm.Agreement.Type}
	}
	if ci.AgreementRef != nil {
		ci.AgreementRef.PModeID = pm.ID
	}
	if um.Sender == nil && pm.Initiator != nil {
		um.Sender = partner(pm.Initiator)
	}
	if um.Receiver == nil && pm.Responder != nil {
		um.Receiver = partner(pm.Responder)
	}
}

func partner(p *pmode.Party) *model.TradingPartner {
	tp := &model.TradingPartner{Role: p.Role}
	for _, id := range p.PartyIDs {
		tp.PartyIDs = append(tp.PartyIDs, model.PartyID{ID: id.ID, Type: id.Type})
	}
	return tp
}

// storeSubmittedPayloads writes the submitted content and returns the ids
// written
func (m *MSH) storeSubmittedPayloads(ctx context.Context, u *model.MessageUnit, contents [][]byte) ([]string, error) {
	um := u.UserMessage()
	var written []string
	bodies := 0
	for i := range um.Payloads {
		p := &um.Payloads[i]
		switch p.Containment {
		case model.ContainmentBody:
			bodies++
		case model.ContainmentAttachment, "":
			p.Containment = model.ContainmentAttachment
			if p.ContentID == "" {
				p.ContentID = message.NewContentID()
			}
		}
		if i < len(contents) && contents[i] != nil {
			p.PayloadID = payload.NewID()
			if err := payload.Write(ctx, m.payloads, p.PayloadID, contents[i]); err != nil {
				return written, fmt.Errorf("storing payload %d: %w", i, err)
			}
			written = append(written, p.PayloadID)
			continue
		}
		if p.Containment != model.ContainmentExternal && p.PayloadID == "" {
			return written, fmt.Errorf("%w: payload %d has no content", ErrInvalidSubmission, i)
		}
	}
	if bodies > 1 {
		return written, fmt.Errorf("%w: at most one payload can be carried in the SOAP body", ErrInvalidSubmission)
	}
	return written, nil
}

func (m *MSH) removePayloads(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := m.payloads.Remove(ctx, id); err != nil {
			m.logger.Warn("failed to remove payload", "payload_id", id, "error", err)
		}
	}
}

// Push sends the unit with the given CoreID, which must be READY_TO_PUSH.
// Transport failures are recorded in the unit state and are not returned
// as errors.
func (m *MSH) Push(ctx context.Context, coreID string) error {
	u, err := m.repo.Get(ctx, coreID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, coreID)
	}
	if err := m.Transition(ctx, u, model.StateProcessing, "push", model.StateReadyToPush); err != nil {
		return err
	}

	fc := newFlowContext(nil)
	fc.add(u, m.PModeFor(u))
	return m.runFlow(ctx, "outbound", fc, m.outboundChain())
}

func (m *MSH) outboundChain() []handler {
	return []handler{
		{"resolve P-Mode", m.resolvePMode},
		{"resolve endpoint", m.resolveTarget},
		{"compress payloads", m.preparePush},
		{"create security header", m.secure},
		{"assemble", m.assemble},
		{"send", m.send},
		{"process response", m.processResponse},
	}
}

func (m *MSH) resolvePMode(_ context.Context, fc *flowContext) error {
	u := fc.units[0]
	if fc.pmode(u) == nil {
		return fmt.Errorf("%w: %q", pmode.ErrPModeNotFound, u.PModeID)
	}
	return nil
}

func (m *MSH) resolveTarget(ctx context.Context, fc *flowContext) error {
	u := fc.units[0]
	info, err := m.resolveEndpoint(ctx, u, fc.pmode(u))
	if err != nil {
		return err
	}
	fc.endpoint = info
	return nil
}

func (m *MSH) preparePush(ctx context.Context, fc *flowContext) error {
	u := fc.units[0]
	msg, err := m.prepare(ctx, u, fc.pmode(u), fc.endpoint.SOAPVersion)
	if err != nil {
		return err
	}
	fc.msg = msg
	return nil
}

// prepare builds the wire message of an outgoing User Message. Attachments
// are compressed when the leg asks for it.
func (m *MSH) prepare(ctx context.Context, u *model.MessageUnit, pm *pmode.PMode, soapVersion string) (*message.Message, error) {
	wu := u.Clone()
	msg := &message.Message{SOAPVersion: soapVersion, Units: []*model.MessageUnit{wu}}
	um := wu.UserMessage()
	if um == nil {
		return msg, nil
	}

	compress := false
	if leg := legOf(pm, u); leg != nil && leg.PayloadService != nil {
		compress = leg.PayloadService.CompressionType == pmode.CompressionGzip
	}
	for i := range um.Payloads {
		p := &um.Payloads[i]
		if p.Containment == model.ContainmentExternal {
			continue
		}
		data, err := payload.Read(ctx, m.payloads, p.PayloadID)
		if err != nil {
			return nil, err
		}
		if data == nil {
			return nil, fmt.Errorf("content of payload %s is missing", p.PayloadID)
		}
		if p.Containment == model.ContainmentBody {
			msg.Body = data
			continue
		}

		contentType := p.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
			p.MimeType = contentType
		}
		if compress && !p.Compressed {
			if data, err = m.compressor.Compress(data); err != nil {
				return nil, fmt.Errorf("compressing payload %s: %w", p.ContentID, err)
			}
			p.Compressed = true
		}
		if p.Compressed {
			contentType = pmode.CompressionGzip
		}
		msg.Parts = append(msg.Parts, message.Part{ContentID: p.ContentID, ContentType: contentType, Data: data})
	}
	return msg, nil
}

func (m *MSH) secure(ctx context.Context, fc *flowContext) error {
	u := fc.units[0]
	leg := legOf(fc.pmode(u), u)
	if leg == nil || leg.Security == nil {
		return nil
	}
	sec, err := m.security.CreateHeader(ctx, fc.msg, leg.Security)
	if err != nil {
		return fmt.Errorf("creating security header: %w", err)
	}
	fc.msg.Security = sec
	return nil
}

func (m *MSH) assemble(_ context.Context, fc *flowContext) error {
	data, ct, err := message.Encode(fc.msg)
	if err != nil {
		return err
	}
	fc.data, fc.ctype = data, ct
	return nil
}

func (m *MSH) send(ctx context.Context, fc *flowContext) error {
	u := fc.units[0]
	if err := m.Transition(ctx, u, model.StateSending, fc.endpoint.URL, model.StateProcessing); err != nil {
		return err
	}
	attempt := u.CountState(model.StateSending)
	res := m.sender.Send(ctx, fc.endpoint.URL, fc.ctype, fc.data)
	fc.sent = res
	if m.observer != nil {
		m.observer.ObserveSend(res.Success())
	}

	if !res.Success() {
		return m.transportFailure(ctx, u, fc.pmode(u), res.Err, attempt)
	}
	m.logger.Info("message sent",
		"message_id", u.MessageID,
		"endpoint", fc.endpoint.URL,
		"attempt", attempt,
		"duration", res.Duration)
	if u.UserMessage() == nil {
		return m.Transition(ctx, u, model.StateDone, "sent", model.StateSending)
	}
	return m.dispose(ctx, u, legOf(fc.pmode(u), u), attempt)
}

// dispose moves a sent User Message to the state after sending
func (m *MSH) dispose(ctx context.Context, u *model.MessageUnit, leg *pmode.Leg, attempt int) error {
	next := model.StateDelivered
	if expectsReceipt(leg) {
		next = model.StateWaitingForReceipt
	}
	if err := m.Transition(ctx, u, next, "", model.StateSending); err != nil {
		return err
	}
	m.Raise(ctx, events.MessageSent, u, "", func(ev *events.Event) {
		ev.Attempt = attempt
	})
	return nil
}

// transportFailure records a failed send. Units without reception
// awareness are not retried and fail.
func (m *MSH) transportFailure(ctx context.Context, u *model.MessageUnit, pm *pmode.PMode, cause error, attempt int) error {
	m.logger.Warn("send failed",
		"message_id", u.MessageID,
		"attempt", attempt,
		"error", cause)
	if err := m.Transition(ctx, u, model.StateTransportFailure, cause.Error(), model.StateSending); err != nil {
		return err
	}
	m.Raise(ctx, events.TransportFailure, u, cause.Error(), func(ev *events.Event) {
		ev.Attempt = attempt
	})

	leg := legOf(pm, u)
	if u.UserMessage() != nil && leg != nil && leg.ReceptionAwareness != nil && len(leg.ReceptionAwareness.WaitIntervals) > 0 {
		return nil
	}
	return m.Transition(ctx, u, model.StateFailure, "not retried", model.StateTransportFailure)
}

// processResponse runs a synchronous response through the inbound flow
func (m *MSH) processResponse(ctx context.Context, fc *flowContext) error {
	if fc.sent == nil || len(fc.sent.Body) == 0 {
		return nil
	}
	in, err := m.receive(ctx, fc.sent.ContentType, fc.sent.Body)
	if err != nil {
		m.logger.Warn("failed to process response",
			"message_id", fc.units[0].MessageID,
			"error", err)
		return nil
	}
	fc.received = in.units
	if in.response != nil {
		m.replyTo(ctx, fc, in.response)
	}
	return nil
}

// replyTo sends the signals generated for a synchronous response, for
// example the Receipt of a pulled User Message, to the same endpoint
func (m *MSH) replyTo(ctx context.Context, fc *flowContext, r *Response) {
	res := m.sender.Send(ctx, fc.endpoint.URL, r.ContentType, r.Body)
	if m.observer != nil {
		m.observer.ObserveSend(res.Success())
	}
	if !res.Success() {
		m.logger.Warn("failed to send reply", "endpoint", fc.endpoint.URL, "error", res.Err)
	}
}
