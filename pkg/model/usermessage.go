package model

// Default values from the ebMS 3.0 Core specification
const (
	DefaultMPC  = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
	DefaultRole = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"
)

// Containment describes where a payload is carried
type Containment string

const (
	ContainmentBody       Containment = "BODY"
	ContainmentAttachment Containment = "ATTACHMENT"
	ContainmentExternal   Containment = "EXTERNAL"
)

// PartyID identifies a trading partner
type PartyID struct {
	ID   string
	Type string
}

// TradingPartner is the sender or receiver of a User Message
type TradingPartner struct {
	PartyIDs []PartyID
	Role     string
}

// AgreementRef references the business agreement governing the exchange
type AgreementRef struct {
	Name    string
	Type    string
	PModeID string
}

// Service identifies the business service
type Service struct {
	Name string
	Type string
}

// CollaborationInfo contains the business context of a User Message
type CollaborationInfo struct {
	AgreementRef   *AgreementRef
	Service        *Service
	Action         string
	ConversationID string
	MPC            string
}

// Property is a name/value pair with optional type
type Property struct {
	Name  string
	Type  string
	Value string
}

// Payload references business content of a User Message.
// The content itself lives in payload storage under PayloadID.
type Payload struct {
	ContentID   string
	MimeType    string
	Containment Containment
	// URI of the payload, for external payloads
	URI        string
	PayloadID  string
	Properties []Property
	Compressed bool
}

// Property returns the value of the named part property
func (p *Payload) Property(name string) (string, bool) {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value, true
		}
	}
	return "", false
}

// SetProperty adds or replaces a part property
func (p *Payload) SetProperty(name, value string) {
	for i := range p.Properties {
		if p.Properties[i].Name == name {
			p.Properties[i].Value = value
			return
		}
	}
	p.Properties = append(p.Properties, Property{Name: name, Value: value})
}

// UserMessage carries business documents
type UserMessage struct {
	Sender            *TradingPartner
	Receiver          *TradingPartner
	CollaborationInfo *CollaborationInfo
	Properties        []Property
	Payloads          []Payload
}

// Kind implements Content
func (um *UserMessage) Kind() Kind { return KindUserMessage }

// MPC returns the MPC of the message, defaulting to the default MPC
func (um *UserMessage) MPC() string {
	if um.CollaborationInfo == nil || um.CollaborationInfo.MPC == "" {
		return DefaultMPC
	}
	return um.CollaborationInfo.MPC
}

func (um *UserMessage) clone() Content {
	c := *um
	if um.Sender != nil {
		s := *um.Sender
		s.PartyIDs = append([]PartyID(nil), um.Sender.PartyIDs...)
		c.Sender = &s
	}
	if um.Receiver != nil {
		r := *um.Receiver
		r.PartyIDs = append([]PartyID(nil), um.Receiver.PartyIDs...)
		c.Receiver = &r
	}
	if um.CollaborationInfo != nil {
		ci := *um.CollaborationInfo
		if ci.AgreementRef != nil {
			a := *ci.AgreementRef
			ci.AgreementRef = &a
		}
		if ci.Service != nil {
			s := *ci.Service
			ci.Service = &s
		}
		c.CollaborationInfo = &ci
	}
	c.Properties = append([]Property(nil), um.Properties...)
	if um.Payloads != nil {
		c.Payloads = make([]Payload, len(um.Payloads))
		for i, p := range um.Payloads {
			p.Properties = append([]Property(nil), p.Properties...)
			c.Payloads[i] = p
		}
	}
	return &c
}

// PullRequest asks the responding MSH for a message waiting on an MPC
type PullRequest struct {
	MPC string
}

// Kind implements Content
func (pr *PullRequest) Kind() Kind { return KindPullRequest }

func (pr *PullRequest) clone() Content {
	c := *pr
	return &c
}

// Receipt acknowledges a received User Message
type Receipt struct {
	// Content is the raw child content of the eb:Receipt element
	Content []byte
}

// Kind implements Content
func (r *Receipt) Kind() Kind { return KindReceipt }

func (r *Receipt) clone() Content {
	return &Receipt{Content: append([]byte(nil), r.Content...)}
}

// ErrorMessage reports one or more ebMS errors
type ErrorMessage struct {
	Errors []EbmsError
}

// Kind implements Content
func (e *ErrorMessage) Kind() Kind { return KindErrorMessage }

func (e *ErrorMessage) clone() Content {
	return &ErrorMessage{Errors: append([]EbmsError(nil), e.Errors...)}
}

// HasFailure reports whether any of the errors has severity failure
func (e *ErrorMessage) HasFailure() bool {
	for _, err := range e.Errors {
		if err.Severity == SeverityFailure {
			return true
		}
	}
	return false
}
