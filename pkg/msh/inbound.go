package msh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/payload"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/validation/header"
)

// Receive processes a message received from a peer MSH. The returned
// response is nil when nothing has to be sent back synchronously.
func (m *MSH) Receive(ctx context.Context, contentType string, body []byte) (*Response, error) {
	fc, err := m.receive(ctx, contentType, body)
	if err != nil {
		return nil, err
	}
	return fc.response, nil
}

func (m *MSH) receive(ctx context.Context, contentType string, body []byte) (*flowContext, error) {
	msg, err := message.Decode(contentType, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	fc := newFlowContext(msg)
	if err := m.runFlow(ctx, "inbound", fc, m.inboundChain()); err != nil {
		return nil, err
	}
	return fc, nil
}

func (m *MSH) inboundChain() []handler {
	return []handler{
		{"store", m.storeReceived},
		{"validate headers", m.validateHeaders},
		{"verify security", m.verifySecurity},
		{"custom validation", m.validateCustom},
		{"detect duplicates", m.detectDuplicates},
		{"deliver", m.deliver},
		{"process signals", m.processSignals},
		{"generate signals", m.generateSignals},
		{"assemble response", m.assembleResponse},
	}
}

// storeReceived stores the received units and the payload content
func (m *MSH) storeReceived(ctx context.Context, fc *flowContext) error {
	for _, wu := range fc.msg.Units {
		u := wu.Clone()
		u.Direction = model.DirectionIn
		pm, err := m.inboundPMode(ctx, u)
		if err != nil {
			return err
		}
		if pm != nil {
			u.PModeID = pm.ID
		}
		stored, err := m.repo.Store(ctx, u)
		if err != nil {
			return fmt.Errorf("storing %s: %w", u.MessageID, err)
		}
		fc.add(stored, pm)
		fc.wire[stored.CoreID] = wu
		m.logger.Info("message unit received",
			"message_id", stored.MessageID,
			"kind", stored.Kind(),
			"pmode", stored.PModeID)

		if stored.UserMessage() == nil {
			continue
		}
		if pm == nil {
			if err := m.reject(ctx, fc, stored, model.ErrPModeMismatch.New(stored.MessageID, "no P-Mode governs the message")); err != nil {
				return err
			}
			continue
		}
		if err := m.storePayloads(ctx, fc, stored); err != nil {
			return err
		}
	}
	return nil
}

// inboundPMode finds the P-Mode of a received unit. Signals use the
// P-Mode of the message they refer to.
func (m *MSH) inboundPMode(ctx context.Context, u *model.MessageUnit) (*pmode.PMode, error) {
	switch c := u.Content.(type) {
	case *model.UserMessage:
		pm, err := m.pmodes.Find(c)
		if err != nil {
			return nil, nil
		}
		return pm, nil
	case *model.PullRequest:
		if pms := m.pmodes.FindForPull(c.MPC); len(pms) > 0 {
			return pms[0], nil
		}
		return nil, nil
	}
	ref := refOf(u)
	if ref == "" {
		return nil, nil
	}
	sent, err := m.repo.Find(ctx, ref, model.DirectionOut)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", ref, err)
	}
	for _, s := range sent {
		if pm := m.PModeFor(s); pm != nil {
			return pm, nil
		}
	}
	return nil, nil
}

// refOf returns the message id a signal refers to
func refOf(u *model.MessageUnit) string {
	if u.RefToMessageID != "" {
		return u.RefToMessageID
	}
	if em := u.ErrorMessage(); em != nil {
		for _, e := range em.Errors {
			if e.RefToMessageInError != "" {
				return e.RefToMessageInError
			}
		}
	}
	return ""
}

// storePayloads moves the payload content of a User Message to payload
// storage, decompressing it when needed
func (m *MSH) storePayloads(ctx context.Context, fc *flowContext, u *model.MessageUnit) error {
	um := u.UserMessage()
	for i := range um.Payloads {
		p := &um.Payloads[i]
		var data []byte
		var uri string
		switch p.Containment {
		case model.ContainmentBody:
			data, uri = fc.msg.Body, "#body"
		case model.ContainmentAttachment:
			part := fc.msg.Part(p.ContentID)
			if part == nil {
				return m.reject(ctx, fc, u, model.ErrMimeInconsistency.New(u.MessageID, "missing attachment "+p.ContentID))
			}
			data, uri = part.Data, "cid:"+p.ContentID
			if p.MimeType == "" && !p.Compressed {
				p.MimeType = part.ContentType
			}
		default:
			continue
		}

		sum := sha256.Sum256(data)
		fc.digests[u.CoreID] = append(fc.digests[u.CoreID], partDigest{uri: uri, value: base64.StdEncoding.EncodeToString(sum[:])})

		if p.Compressed {
			plain, err := m.compressor.Decompress(data)
			if err != nil {
				return m.reject(ctx, fc, u, model.ErrDecompressionFailure.New(u.MessageID, "payload "+uri+" could not be decompressed"))
			}
			data = plain
			p.Compressed = false
		}
		p.PayloadID = payload.NewID()
		if err := payload.Write(ctx, m.payloads, p.PayloadID, data); err != nil {
			return fmt.Errorf("storing payload of %s: %w", u.MessageID, err)
		}
	}

	updated, err := m.repo.Update(ctx, u)
	if err != nil {
		return fmt.Errorf("updating %s: %w", u.MessageID, err)
	}
	*u = *updated
	return nil
}

func (m *MSH) validateHeaders(ctx context.Context, fc *flowContext) error {
	for _, u := range fc.active() {
		pm := fc.pmode(u)
		problems := header.Validate(u, m.strictFor(pm, u))
		if problems == "" {
			continue
		}
		e := model.ErrInvalidHeader.New(u.MessageID, problems)
		if err := m.reject(ctx, fc, u, e); err != nil {
			return err
		}
		m.Raise(ctx, events.HeaderValidationFailure, u, problems, func(ev *events.Event) {
			ev.Errors = []model.EbmsError{e}
		})
	}
	return nil
}

// verifySecurity checks the security header once for every distinct leg
// configuration of the received units
func (m *MSH) verifySecurity(ctx context.Context, fc *flowContext) error {
	results := make(map[*pmode.Security]*security.Result)
	for _, u := range fc.active() {
		if len(fc.msg.Security) == 0 && (u.Kind() == model.KindReceipt || u.Kind() == model.KindErrorMessage) {
			// unsecured signals are accepted, secured ones are verified
			continue
		}
		var cfg *pmode.Security
		if leg := legOf(fc.pmode(u), u); leg != nil {
			cfg = leg.Security
		}
		res, ok := results[cfg]
		if !ok {
			res = m.security.VerifyHeader(ctx, fc.msg.Security, fc.msg, cfg)
			results[cfg] = res
		}
		if res.OK() {
			continue
		}
		m.logger.Warn("security verification failed",
			"message_id", u.MessageID,
			"details", res.Details)
		e := model.ErrFailedAuthentication.New(u.MessageID, "")
		if err := m.reject(ctx, fc, u, e); err != nil {
			return err
		}
		m.Raise(ctx, events.SecurityFailure, u, res.Details, func(ev *events.Event) {
			ev.Errors = []model.EbmsError{e}
		})
	}
	return nil
}

func (m *MSH) validateCustom(ctx context.Context, fc *flowContext) error {
	for _, u := range fc.active() {
		leg := legOf(fc.pmode(u), u)
		if u.UserMessage() == nil || leg == nil || leg.CustomValidation == nil {
			continue
		}
		res, err := m.validator.Validate(ctx, u, leg.CustomValidation)
		if err != nil {
			m.logger.Error("custom validation could not run", "message_id", u.MessageID, "error", err)
			if err := m.reject(ctx, fc, u, model.ErrOther.New(u.MessageID, "message could not be validated")); err != nil {
				return err
			}
			continue
		}
		if !res.HasErrors() {
			continue
		}
		m.Raise(ctx, events.CustomValidationFailure, u, res.Summary(), func(ev *events.Event) {
			ev.ValidationResult = res
		})
		if res.ShouldRejectMessage {
			if err := m.reject(ctx, fc, u, model.ErrValueInconsistent.New(u.MessageID, res.Summary())); err != nil {
				return err
			}
		}
	}
	return nil
}

// detectDuplicates marks User Messages that were received before as
// DUPLICATE when the leg asks for duplicate detection
func (m *MSH) detectDuplicates(ctx context.Context, fc *flowContext) error {
	for _, u := range fc.active() {
		leg := legOf(fc.pmode(u), u)
		if u.UserMessage() == nil || leg == nil || leg.ReceptionAwareness == nil {
			continue
		}
		dd := leg.ReceptionAwareness.DuplicateDetection
		if dd == nil || !dd.Enabled {
			continue
		}
		original, err := m.findOriginal(ctx, u, dd.Window)
		if err != nil {
			return err
		}
		if original == nil {
			continue
		}
		desc := "duplicate of " + original.CoreID
		if err := m.Transition(ctx, u, model.StateDuplicate, desc, model.StateReceived); err != nil {
			return err
		}
		m.logger.Info("duplicate message received", "message_id", u.MessageID)
		m.Raise(ctx, events.DuplicateReceived, u, desc)
	}
	return nil
}

// findOriginal returns an earlier received unit with the same message id
// that did not fail, or nil
func (m *MSH) findOriginal(ctx context.Context, u *model.MessageUnit, window time.Duration) (*model.MessageUnit, error) {
	others, err := m.repo.Find(ctx, u.MessageID, model.DirectionIn)
	if err != nil {
		return nil, fmt.Errorf("finding %s: %w", u.MessageID, err)
	}
	received := firstStart(u)
	for _, o := range others {
		if o.CoreID == u.CoreID || o.Kind() != model.KindUserMessage || o.CurrentState().IsFailure() {
			continue
		}
		start := firstStart(o)
		if !start.Before(received) {
			continue
		}
		if window > 0 && received.Sub(start) > window {
			continue
		}
		return o, nil
	}
	return nil, nil
}

func firstStart(u *model.MessageUnit) time.Time {
	if h := u.History(); len(h) > 0 {
		return h[0].StartTime
	}
	return time.Time{}
}

func (m *MSH) deliver(ctx context.Context, fc *flowContext) error {
	for _, u := range fc.active() {
		if u.UserMessage() == nil {
			continue
		}
		if err := m.Transition(ctx, u, model.StateReadyForDelivery, "", model.StateReceived); err != nil {
			return err
		}
		if err := m.Transition(ctx, u, model.StateOutForDelivery, "", model.StateReadyForDelivery); err != nil {
			return err
		}

		if err := m.callDelivery(ctx, u); err != nil {
			m.logger.Error("delivery failed", "message_id", u.MessageID, "error", err)
			e := model.ErrDeliveryFailure.New(u.MessageID, "message could not be delivered")
			fc.errs[u.CoreID] = append(fc.errs[u.CoreID], e)
			if err := m.Transition(ctx, u, model.StateDeliveryFailed, err.Error(), model.StateOutForDelivery); err != nil {
				return err
			}
			m.Raise(ctx, events.DeliveryFailure, u, err.Error(), func(ev *events.Event) {
				ev.Errors = []model.EbmsError{e}
			})
			continue
		}

		if err := m.Transition(ctx, u, model.StateDelivered, "", model.StateOutForDelivery); err != nil {
			return err
		}
		m.logger.Info("message delivered", "message_id", u.MessageID)
		m.Raise(ctx, events.MessageDelivered, u, "")
	}
	return nil
}

// callDelivery runs the delivery method, turning panics into errors
func (m *MSH) callDelivery(ctx context.Context, u *model.MessageUnit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &DeliveryError{MessageID: u.MessageID, Err: fmt.Errorf("delivery panicked: %v", r)}
		}
	}()
	if err := m.delivery.Deliver(ctx, u.Clone()); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) {
			return de
		}
		return &DeliveryError{MessageID: u.MessageID, Err: err}
	}
	return nil
}

func (m *MSH) processSignals(ctx context.Context, fc *flowContext) error {
	for _, u := range fc.active() {
		var err error
		switch u.Kind() {
		case model.KindReceipt:
			err = m.processReceipt(ctx, fc, u)
		case model.KindErrorMessage:
			err = m.processError(ctx, u)
		case model.KindPullRequest:
			err = m.processPullRequest(ctx, fc, u)
		default:
			continue
		}
		if err != nil {
			return err
		}
		if !u.CurrentState().IsTerminal() {
			if err := m.Transition(ctx, u, model.StateDone, "", model.StateReceived); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitingReceipt lists the states of a sent User Message a Receipt completes
var awaitingReceipt = []model.State{
	model.StateSending,
	model.StateWaitingForReceipt,
	model.StateTransportFailure,
}

func (m *MSH) processReceipt(ctx context.Context, fc *flowContext, u *model.MessageUnit) error {
	sent, err := m.repo.Find(ctx, u.RefToMessageID, model.DirectionOut)
	if err != nil {
		return fmt.Errorf("finding %s: %w", u.RefToMessageID, err)
	}
	var ref *model.MessageUnit
	for _, s := range sent {
		if s.Kind() == model.KindUserMessage {
			ref = s
		}
	}
	if ref == nil {
		m.logger.Warn("receipt for unknown message", "message_id", u.MessageID, "ref", u.RefToMessageID)
		return m.reject(ctx, fc, u, model.ErrValueInconsistent.New(u.MessageID, "receipt refers to an unknown message"))
	}

	m.Raise(ctx, events.ReceiptReceived, ref, "receipt "+u.MessageID)
	if !ref.InState(awaitingReceipt...) {
		m.logger.Debug("receipt for completed message", "message_id", ref.MessageID, "state", ref.CurrentState())
		return nil
	}
	err = m.Transition(ctx, ref, model.StateDelivered, "receipt "+u.MessageID, awaitingReceipt...)
	if errors.Is(err, ErrUnexpectedState) {
		return nil
	}
	return err
}

func (m *MSH) processError(ctx context.Context, u *model.MessageUnit) error {
	em := u.ErrorMessage()
	ref := refOf(u)
	if ref == "" {
		m.logger.Warn("error signal without reference", "message_id", u.MessageID, "errors", len(em.Errors))
		return nil
	}
	sent, err := m.repo.Find(ctx, ref, model.DirectionOut)
	if err != nil {
		return fmt.Errorf("finding %s: %w", ref, err)
	}
	var descs []string
	for _, e := range em.Errors {
		descs = append(descs, e.Error())
	}
	desc := strings.Join(descs, "; ")
	for _, s := range sent {
		m.Raise(ctx, events.ErrorReceived, s, desc, func(ev *events.Event) {
			ev.Errors = em.Errors
		})
		if !em.HasFailure() {
			continue
		}
		m.logger.Warn("peer reported failure", "message_id", s.MessageID, "errors", desc)
		if err := m.fail(ctx, s, "error received: "+desc); err != nil && !errors.Is(err, ErrUnexpectedState) {
			return err
		}
	}
	return nil
}
