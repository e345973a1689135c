// Package message provides AS4 message structure and ebMS3 headers implementation.
package message

import (
	"encoding/xml"
)

// Namespace constants for AS4/ebMS3
const (
	NsSOAPEnv = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsEbbp    = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSU     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS      = "http://www.w3.org/2000/09/xmldsig#"
)

// Messaging represents the ebMS3 Messaging header
type Messaging struct {
	XMLName       xml.Name         `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ Messaging"`
	UserMessage   []*UserMessage   `xml:"UserMessage,omitempty"`
	SignalMessage []*SignalMessage `xml:"SignalMessage,omitempty"`
}

// UserMessage represents an ebMS3 UserMessage
type UserMessage struct {
	MPC               string             `xml:"mpc,attr,omitempty"`
	MessageInfo       *MessageInfo       `xml:"MessageInfo"`
	PartyInfo         *PartyInfo         `xml:"PartyInfo"`
	CollaborationInfo *CollaborationInfo `xml:"CollaborationInfo"`
	MessageProperties *MessageProperties `xml:"MessageProperties,omitempty"`
	PayloadInfo       *PayloadInfo       `xml:"PayloadInfo,omitempty"`
}

// MessageInfo contains message identification and timestamps.
// Timestamp is kept as text, peers do not agree on the zone designator.
type MessageInfo struct {
	Timestamp      string `xml:"Timestamp"`
	MessageId      string `xml:"MessageId"`
	RefToMessageId string `xml:"RefToMessageId,omitempty"`
}

// PartyInfo contains sender and receiver party information
type PartyInfo struct {
	From *Party `xml:"From"`
	To   *Party `xml:"To"`
}

// Party represents a messaging party
type Party struct {
	PartyId []PartyId `xml:"PartyId"`
	Role    string    `xml:"Role"`
}

// PartyId represents a party identifier with type
type PartyId struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef `xml:"AgreementRef,omitempty"`
	Service        *Service      `xml:"Service"`
	Action         string        `xml:"Action"`
	ConversationId string        `xml:"ConversationId"`
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string `xml:"type,attr,omitempty"`
	Pmode string `xml:"pmode,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Service identifies the service
type Service struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// MessageProperties contains custom message properties
type MessageProperties struct {
	Property []Property `xml:"Property"`
}

// Property represents a message property
type Property struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// PayloadInfo contains references to payload parts
type PayloadInfo struct {
	PartInfo []PartInfo `xml:"PartInfo"`
}

// PartInfo describes a payload part. Without href the payload is the SOAP Body.
type PartInfo struct {
	Href           string          `xml:"href,attr,omitempty"`
	PartProperties *PartProperties `xml:"PartProperties,omitempty"`
}

// PartProperties contains properties for a payload part
type PartProperties struct {
	Property []Property `xml:"Property"`
}

// SignalMessage represents an ebMS3 SignalMessage
type SignalMessage struct {
	MessageInfo *MessageInfo `xml:"MessageInfo"`
	PullRequest *PullRequest `xml:"PullRequest,omitempty"`
	Receipt     *Receipt     `xml:"Receipt,omitempty"`
	Error       []Error      `xml:"Error,omitempty"`
}

// PullRequest asks for a message waiting on an MPC
type PullRequest struct {
	MPC string `xml:"mpc,attr,omitempty"`
}

// Receipt represents a receipt acknowledgment
type Receipt struct {
	// Can contain NonRepudiationInformation or simple ack
	Any []byte `xml:",innerxml"`
}

// Error represents an ebMS3 error
type Error struct {
	ErrorCode           string `xml:"errorCode,attr"`
	Severity            string `xml:"severity,attr"`
	Origin              string `xml:"origin,attr,omitempty"`
	Category            string `xml:"category,attr,omitempty"`
	ShortDescription    string `xml:"shortDescription,attr,omitempty"`
	RefToMessageInError string `xml:"refToMessageInError,attr,omitempty"`
	Description         string `xml:"Description,omitempty"`
	ErrorDetail         string `xml:"ErrorDetail,omitempty"`
}

// Part property names used for payload metadata
const (
	PropMimeType        = "MimeType"
	PropCompressionType = "CompressionType"
	PropCharacterSet    = "CharacterSet"
)
