package msh

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

const digestSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"

// Receipt reply patterns
const (
	ReplyResponse = "response"
	ReplyCallback = "callback"
)

// wantsReceipt reports whether received User Messages of the leg are
// acknowledged in the response
func wantsReceipt(leg *pmode.Leg) bool {
	if leg == nil || leg.Receipt == nil || !leg.Receipt.Enabled {
		return false
	}
	return leg.Receipt.ReplyPattern == "" || leg.Receipt.ReplyPattern == ReplyResponse
}

// expectsReceipt reports whether a sent User Message waits for a Receipt
func expectsReceipt(leg *pmode.Leg) bool {
	if leg == nil {
		return false
	}
	if leg.Receipt != nil && leg.Receipt.Enabled {
		return true
	}
	return leg.ReceptionAwareness != nil && len(leg.ReceptionAwareness.WaitIntervals) > 0
}

// reportsErrors reports whether errors found for the unit are sent back
func reportsErrors(u *model.MessageUnit, leg *pmode.Leg) bool {
	switch u.Kind() {
	case model.KindErrorMessage:
		return false
	case model.KindPullRequest:
		return true
	}
	return leg == nil || leg.ErrorHandling == nil || leg.ErrorHandling.ReportAsResponse
}

// generateSignals creates the Receipts and Error signals for the received units
func (m *MSH) generateSignals(ctx context.Context, fc *flowContext) error {
	for _, u := range append([]*model.MessageUnit(nil), fc.units...) {
		if u.Direction != model.DirectionIn {
			continue
		}
		leg := legOf(fc.pmode(u), u)

		if u.UserMessage() != nil && u.InState(model.StateDelivered, model.StateDuplicate) && wantsReceipt(leg) {
			content, err := receiptContent(fc.wire[u.CoreID], fc.digests[u.CoreID])
			if err != nil {
				return err
			}
			if err := m.addReply(ctx, fc, u, &model.Receipt{Content: content}); err != nil {
				return err
			}
		}

		if errs := fc.errs[u.CoreID]; len(errs) > 0 {
			if !reportsErrors(u, leg) {
				m.logger.Info("errors not reported to sender", "message_id", u.MessageID, "errors", len(errs))
				continue
			}
			if err := m.addReply(ctx, fc, u, &model.ErrorMessage{Errors: errs}); err != nil {
				return err
			}
		}
	}
	return nil
}

// addReply stores a signal referring to u and queues it for the response
func (m *MSH) addReply(ctx context.Context, fc *flowContext, u *model.MessageUnit, content model.Content) error {
	s := model.NewSignalUnit(m.NewMessageID(), u.MessageID, content)
	s.Timestamp = m.now().UTC()
	s.Direction = model.DirectionOut
	s.PModeID = u.PModeID

	stored, err := m.repo.Store(ctx, s)
	if err != nil {
		return fmt.Errorf("storing %s for %s: %w", s.Kind(), u.MessageID, err)
	}
	fc.add(stored, fc.pmode(u))
	fc.replies = append(fc.replies, stored)
	return nil
}

// assembleResponse encodes the pulled User Message and the generated signals
func (m *MSH) assembleResponse(ctx context.Context, fc *flowContext) error {
	if len(fc.replies) == 0 && fc.pulled == nil {
		return nil
	}

	msg := &message.Message{SOAPVersion: fc.msg.SOAPVersion}
	var cfg *pmode.Security
	var leg *pmode.Leg
	if fc.pulled != nil {
		pm := fc.pmode(fc.pulled)
		prepared, err := m.prepare(ctx, fc.pulled, pm, fc.msg.SOAPVersion)
		if err != nil {
			return err
		}
		msg = prepared
		if leg = legOf(pm, fc.pulled); leg != nil {
			cfg = leg.Security
		}
	}
	msg.Units = append(msg.Units, fc.replies...)

	if cfg != nil {
		sec, err := m.security.CreateHeader(ctx, msg, cfg)
		if err != nil {
			return fmt.Errorf("creating security header: %w", err)
		}
		msg.Security = sec
	}
	data, ct, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}

	if u := fc.pulled; u != nil {
		if err := m.Transition(ctx, u, model.StateSending, "pulled", model.StateProcessing); err != nil {
			return err
		}
		if err := m.dispose(ctx, u, leg, u.CountState(model.StateSending)); err != nil {
			return err
		}
	}
	for _, r := range fc.replies {
		if err := m.Transition(ctx, r, model.StateDone, "sent as response", model.StateReceived); err != nil {
			return err
		}
	}
	fc.response = &Response{ContentType: ct, Body: data, Units: msg.Units}
	return nil
}

// receiptContent builds the non-repudiation information of a Receipt: the
// digest of the eb:Messaging header and of every received payload
func receiptContent(wire *model.MessageUnit, parts []partDigest) ([]byte, error) {
	header, err := message.MessagingXML([]*model.MessageUnit{wire})
	if err != nil {
		return nil, fmt.Errorf("building receipt: %w", err)
	}
	sum := sha256.Sum256(header)
	refs := append([]partDigest{{uri: "#" + wire.MessageID, value: base64.StdEncoding.EncodeToString(sum[:])}}, parts...)

	doc := etree.NewDocument()
	nri := doc.CreateElement("ebbp:NonRepudiationInformation")
	nri.CreateAttr("xmlns:ebbp", message.NsEbbp)
	nri.CreateAttr("xmlns:ds", message.NsDS)
	for _, r := range refs {
		ref := nri.CreateElement("ebbp:MessagePartNRInformation").CreateElement("ds:Reference")
		ref.CreateAttr("URI", r.uri)
		ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestSHA256)
		ref.CreateElement("ds:DigestValue").SetText(r.value)
	}
	return doc.WriteToBytes()
}

// ReceiptReferences returns the URIs referenced by the non-repudiation
// information of a Receipt
func ReceiptReferences(r *model.Receipt) []string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(r.Content); err != nil {
		return nil
	}
	var out []string
	for _, ref := range doc.FindElements("//Reference") {
		out = append(out, ref.SelectAttrValue("URI", ""))
	}
	return out
}
