package message

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"mime"
	"strings"

	"github.com/beevik/etree"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

var (
	// ErrInvalidMessage is returned when a wire message cannot be decoded
	ErrInvalidMessage = errors.New("invalid AS4 message")
	// ErrNoMessageUnits is returned when encoding a message without units
	ErrNoMessageUnits = errors.New("no message units")
)

// SOAP versions
const (
	SOAP11 = "1.1"
	SOAP12 = "1.2"
)

// Message is an AS4 message as exchanged on the wire
type Message struct {
	// SOAPVersion is "1.2" unless the peer used SOAP 1.1
	SOAPVersion string
	Units       []*model.MessageUnit
	// Security is the serialized wsse:Security header, nil when absent
	Security []byte
	// Body is the child element of the SOAP Body, nil when empty
	Body  []byte
	Parts []Part
}

// Part returns the attachment with the given Content-ID
func (m *Message) Part(contentID string) *Part {
	cid := NormalizeContentID(contentID)
	for i := range m.Parts {
		if m.Parts[i].ContentID == cid {
			return &m.Parts[i]
		}
	}
	return nil
}

// Encode serializes the message. Messages without attachments are sent as
// a plain SOAP envelope, others as multipart/related.
func Encode(m *Message) ([]byte, string, error) {
	if len(m.Units) == 0 {
		return nil, "", ErrNoMessageUnits
	}
	ns, envelopeType := NsSOAPEnv, ContentTypeSOAPXML
	if m.SOAPVersion == SOAP11 {
		ns, envelopeType = NsSOAP11Env, ContentTypeTextXML
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement(PrefixSOAP + ":Envelope")
	env.CreateAttr("xmlns:"+PrefixSOAP, ns)
	header := env.CreateElement(PrefixSOAP + ":Header")

	messaging, err := messagingElement(m.Units)
	if err != nil {
		return nil, "", err
	}
	messaging.CreateAttr(PrefixSOAP+":mustUnderstand", "true")
	header.AddChild(messaging)

	if len(m.Security) > 0 {
		sec, err := parseElement(m.Security)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse security header: %w", err)
		}
		header.AddChild(sec)
	}

	body := env.CreateElement(PrefixSOAP + ":Body")
	if len(m.Body) > 0 {
		el, err := parseElement(m.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to parse body payload: %w", err)
		}
		body.AddChild(el)
	}

	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, "", fmt.Errorf("failed to serialize envelope: %w", err)
	}
	if len(m.Parts) == 0 {
		return data, envelopeType + "; charset=UTF-8", nil
	}
	return writeMultipart(data, envelopeType, m.Parts)
}

// Decode parses a wire message received with the given Content-Type
func Decode(contentType string, data []byte) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse content type: %v", ErrInvalidMessage, err)
	}

	envelope := data
	var parts []Part
	if strings.HasPrefix(mediaType, "multipart/") {
		envelope, parts, err = readMultipart(bytes.NewReader(data), params)
		if err != nil {
			return nil, err
		}
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, fmt.Errorf("%w: failed to parse envelope: %v", ErrInvalidMessage, err)
	}
	env := doc.Root()
	if env == nil || env.Tag != "Envelope" {
		return nil, fmt.Errorf("%w: not a SOAP envelope", ErrInvalidMessage)
	}
	m := &Message{SOAPVersion: SOAP12, Parts: parts}
	soapNS := env.NamespaceURI()
	switch soapNS {
	case NsSOAPEnv:
	case NsSOAP11Env:
		m.SOAPVersion = SOAP11
	default:
		return nil, fmt.Errorf("%w: unknown SOAP namespace %q", ErrInvalidMessage, soapNS)
	}

	header := child(env, "Header", soapNS)
	messagingEl := child(header, "Messaging", NsEbMS)
	if messagingEl == nil {
		return nil, fmt.Errorf("%w: eb:Messaging header not found", ErrInvalidMessage)
	}
	raw, err := detach(messagingEl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var messaging Messaging
	if err := xml.Unmarshal(raw, &messaging); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal eb:Messaging: %v", ErrInvalidMessage, err)
	}
	m.Units = ToUnits(&messaging)
	if len(m.Units) == 0 {
		return nil, fmt.Errorf("%w: eb:Messaging contains no message units", ErrInvalidMessage)
	}

	if sec := child(header, "Security", NsWSSE); sec != nil {
		if m.Security, err = detach(sec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}
	if body := child(env, "Body", soapNS); body != nil {
		if els := body.ChildElements(); len(els) > 0 {
			if m.Body, err = detach(els[0]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
			}
		}
	}
	return m, nil
}

// MessagingXML returns the eb:Messaging header for the units as a standalone
// element. The output is deterministic for equal units.
func MessagingXML(units []*model.MessageUnit) ([]byte, error) {
	el, err := messagingElement(units)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	doc.SetRoot(el)
	return doc.WriteToBytes()
}

func messagingElement(units []*model.MessageUnit) (*etree.Element, error) {
	messaging, err := FromUnits(units)
	if err != nil {
		return nil, err
	}
	raw, err := xml.Marshal(messaging)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal eb:Messaging: %w", err)
	}
	el, err := parseElement(raw)
	if err != nil {
		return nil, err
	}
	addPrefix(el, PrefixEbMS, NsEbMS)
	el.CreateAttr("xmlns:"+PrefixEbMS, NsEbMS)
	return el, nil
}

func parseElement(data []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, errors.New("no root element")
	}
	doc.RemoveChild(root)
	return root, nil
}
