package message

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

// TimestampLayout is the layout of eb:Timestamp values written by the MSH
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const cidPrefix = "cid:"

// FromUnits builds the eb:Messaging header for the given message units
func FromUnits(units []*model.MessageUnit) (*Messaging, error) {
	if len(units) == 0 {
		return nil, ErrNoMessageUnits
	}
	m := &Messaging{}
	for _, u := range units {
		info := &MessageInfo{
			Timestamp:      formatTime(u.Timestamp),
			MessageId:      u.MessageID,
			RefToMessageId: u.RefToMessageID,
		}
		switch c := u.Content.(type) {
		case *model.UserMessage:
			m.UserMessage = append(m.UserMessage, fromUserMessage(info, c))
		case *model.PullRequest:
			m.SignalMessage = append(m.SignalMessage, &SignalMessage{
				MessageInfo: info,
				PullRequest: &PullRequest{MPC: c.MPC},
			})
		case *model.Receipt:
			m.SignalMessage = append(m.SignalMessage, &SignalMessage{
				MessageInfo: info,
				Receipt:     &Receipt{Any: c.Content},
			})
		case *model.ErrorMessage:
			sm := &SignalMessage{MessageInfo: info}
			for _, e := range c.Errors {
				sm.Error = append(sm.Error, Error{
					ErrorCode:           e.ErrorCode,
					Severity:            string(e.Severity),
					Origin:              e.Origin,
					Category:            e.Category,
					ShortDescription:    e.ShortDescription,
					RefToMessageInError: e.RefToMessageInError,
					Description:         e.Description,
					ErrorDetail:         e.Detail,
				})
			}
			m.SignalMessage = append(m.SignalMessage, sm)
		default:
			return nil, fmt.Errorf("message unit %s has no content", u.MessageID)
		}
	}
	return m, nil
}

// ToUnits converts a parsed eb:Messaging header into message units.
// User Messages come first, followed by the signals in document order.
func ToUnits(m *Messaging) []*model.MessageUnit {
	var units []*model.MessageUnit
	for _, um := range m.UserMessage {
		if um == nil {
			continue
		}
		u := newUnit(um.MessageInfo)
		u.Content = toUserMessage(um)
		if ci := um.CollaborationInfo; ci != nil && ci.AgreementRef != nil {
			u.PModeID = ci.AgreementRef.Pmode
		}
		units = append(units, u)
	}
	for _, sm := range m.SignalMessage {
		if sm == nil {
			continue
		}
		u := newUnit(sm.MessageInfo)
		switch {
		case sm.PullRequest != nil:
			u.Content = &model.PullRequest{MPC: sm.PullRequest.MPC}
		case sm.Receipt != nil:
			u.Content = &model.Receipt{Content: sm.Receipt.Any}
		case len(sm.Error) > 0:
			em := &model.ErrorMessage{}
			for _, e := range sm.Error {
				em.Errors = append(em.Errors, model.EbmsError{
					ErrorCode:           e.ErrorCode,
					Severity:            model.Severity(strings.ToLower(e.Severity)),
					Origin:              e.Origin,
					Category:            e.Category,
					ShortDescription:    e.ShortDescription,
					Description:         e.Description,
					Detail:              e.ErrorDetail,
					RefToMessageInError: e.RefToMessageInError,
				})
			}
			u.Content = em
		default:
			// a signal without content cannot be processed
			continue
		}
		units = append(units, u)
	}
	return units
}

func newUnit(info *MessageInfo) *model.MessageUnit {
	u := &model.MessageUnit{}
	if info != nil {
		u.MessageID = strings.TrimSpace(info.MessageId)
		u.RefToMessageID = strings.TrimSpace(info.RefToMessageId)
		u.Timestamp = parseTime(info.Timestamp)
	}
	return u
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	// no zone designator, UTC is implied
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t
	}
	return time.Time{}
}

func fromUserMessage(info *MessageInfo, um *model.UserMessage) *UserMessage {
	out := &UserMessage{MessageInfo: info}
	if um.Sender != nil || um.Receiver != nil {
		out.PartyInfo = &PartyInfo{From: fromParty(um.Sender), To: fromParty(um.Receiver)}
	}
	if ci := um.CollaborationInfo; ci != nil {
		out.MPC = ci.MPC
		c := &CollaborationInfo{Action: ci.Action, ConversationId: ci.ConversationID}
		if ci.AgreementRef != nil {
			c.AgreementRef = &AgreementRef{
				Type:  ci.AgreementRef.Type,
				Pmode: ci.AgreementRef.PModeID,
				Value: ci.AgreementRef.Name,
			}
		}
		if ci.Service != nil {
			c.Service = &Service{Type: ci.Service.Type, Value: ci.Service.Name}
		}
		out.CollaborationInfo = c
	}
	if len(um.Properties) > 0 {
		out.MessageProperties = &MessageProperties{Property: fromProperties(um.Properties)}
	}
	if len(um.Payloads) > 0 {
		out.PayloadInfo = &PayloadInfo{}
		for _, p := range um.Payloads {
			out.PayloadInfo.PartInfo = append(out.PayloadInfo.PartInfo, fromPayload(p))
		}
	}
	return out
}

func fromParty(p *model.TradingPartner) *Party {
	if p == nil {
		return nil
	}
	out := &Party{Role: p.Role}
	for _, id := range p.PartyIDs {
		out.PartyId = append(out.PartyId, PartyId{Type: id.Type, Value: id.ID})
	}
	return out
}

func fromProperties(props []model.Property) []Property {
	out := make([]Property, 0, len(props))
	for _, p := range props {
		out = append(out, Property{Name: p.Name, Type: p.Type, Value: p.Value})
	}
	return out
}

func fromPayload(p model.Payload) PartInfo {
	pi := PartInfo{}
	switch p.Containment {
	case model.ContainmentAttachment:
		pi.Href = cidPrefix + NormalizeContentID(p.ContentID)
	case model.ContainmentExternal:
		pi.Href = p.URI
	}
	var props []Property
	if p.MimeType != "" {
		props = append(props, Property{Name: PropMimeType, Value: p.MimeType})
	}
	if p.Compressed {
		props = append(props, Property{Name: PropCompressionType, Value: "application/gzip"})
	}
	for _, prop := range p.Properties {
		if prop.Name == PropMimeType || (prop.Name == PropCompressionType && p.Compressed) {
			continue
		}
		props = append(props, Property{Name: prop.Name, Type: prop.Type, Value: prop.Value})
	}
	if len(props) > 0 {
		pi.PartProperties = &PartProperties{Property: props}
	}
	return pi
}

func toUserMessage(um *UserMessage) *model.UserMessage {
	out := &model.UserMessage{}
	if pi := um.PartyInfo; pi != nil {
		out.Sender = toParty(pi.From)
		out.Receiver = toParty(pi.To)
	}
	if ci := um.CollaborationInfo; ci != nil {
		c := &model.CollaborationInfo{
			Action:         strings.TrimSpace(ci.Action),
			ConversationID: strings.TrimSpace(ci.ConversationId),
			MPC:            um.MPC,
		}
		if ci.AgreementRef != nil {
			c.AgreementRef = &model.AgreementRef{
				Name:    strings.TrimSpace(ci.AgreementRef.Value),
				Type:    ci.AgreementRef.Type,
				PModeID: ci.AgreementRef.Pmode,
			}
		}
		if ci.Service != nil {
			c.Service = &model.Service{Name: strings.TrimSpace(ci.Service.Value), Type: ci.Service.Type}
		}
		out.CollaborationInfo = c
	} else if um.MPC != "" {
		out.CollaborationInfo = &model.CollaborationInfo{MPC: um.MPC}
	}
	if mp := um.MessageProperties; mp != nil {
		out.Properties = toProperties(mp.Property)
	}
	if pl := um.PayloadInfo; pl != nil {
		for _, pi := range pl.PartInfo {
			out.Payloads = append(out.Payloads, toPayload(pi))
		}
	}
	return out
}

func toParty(p *Party) *model.TradingPartner {
	if p == nil {
		return nil
	}
	out := &model.TradingPartner{Role: strings.TrimSpace(p.Role)}
	for _, id := range p.PartyId {
		out.PartyIDs = append(out.PartyIDs, model.PartyID{ID: strings.TrimSpace(id.Value), Type: id.Type})
	}
	return out
}

func toProperties(props []Property) []model.Property {
	out := make([]model.Property, 0, len(props))
	for _, p := range props {
		out = append(out, model.Property{Name: p.Name, Type: p.Type, Value: p.Value})
	}
	return out
}

func toPayload(pi PartInfo) model.Payload {
	p := model.Payload{}
	switch {
	case pi.Href == "":
		p.Containment = model.ContainmentBody
	case strings.HasPrefix(pi.Href, cidPrefix):
		p.Containment = model.ContainmentAttachment
		p.ContentID = NormalizeContentID(pi.Href)
	default:
		p.Containment = model.ContainmentExternal
		p.URI = pi.Href
	}
	if pi.PartProperties != nil {
		for _, prop := range pi.PartProperties.Property {
			switch prop.Name {
			case PropMimeType:
				p.MimeType = prop.Value
			case PropCompressionType:
				p.Compressed = strings.EqualFold(prop.Value, "application/gzip")
				if !p.Compressed {
					p.Properties = append(p.Properties, model.Property{Name: prop.Name, Value: prop.Value})
				}
			default:
				p.Properties = append(p.Properties, model.Property{Name: prop.Name, Type: prop.Type, Value: prop.Value})
			}
		}
	}
	return p
}
