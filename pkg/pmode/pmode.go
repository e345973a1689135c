package pmode

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/validation/custom"
)

// MEP and MEP binding URIs
const (
	MEPOneWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	MEPTwoWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"

	BindingPush        = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	BindingPull        = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
	BindingPushAndPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"
	BindingPushAndPull = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPull"
	BindingPullAndPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pullAndPush"
)

// CompressionGzip is the AS4 compression type for GZIP compressed payloads
const CompressionGzip = "application/gzip"

var (
	// ErrInvalidPMode is returned when a P-Mode fails validation
	ErrInvalidPMode = errors.New("invalid P-Mode")
)

// PMode represents a Processing Mode configuration
type PMode struct {
	ID         string     `yaml:"id"`
	Agreement  *Agreement `yaml:"agreement,omitempty"`
	MEP        string     `yaml:"mep"`
	MEPBinding string     `yaml:"mepBinding"`
	Initiator  *Party     `yaml:"initiator,omitempty"`
	Responder  *Party     `yaml:"responder,omitempty"`
	Legs       []Leg      `yaml:"legs"`
}

// Agreement contains agreement reference information
type Agreement struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// Party configures a trading partner of the exchange
type Party struct {
	PartyIDs []PartyID `yaml:"partyIds"`
	Role     string    `yaml:"role,omitempty"`
}

// PartyID identifies a trading partner
type PartyID struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type,omitempty"`
}

// Leg represents one leg of a message exchange
type Leg struct {
	Label              string              `yaml:"label,omitempty"`
	Protocol           *Protocol           `yaml:"protocol,omitempty"`
	BusinessInfo       *BusinessInfo       `yaml:"businessInfo,omitempty"`
	Security           *Security           `yaml:"security,omitempty"`
	ReceptionAwareness *ReceptionAwareness `yaml:"receptionAwareness,omitempty"`
	Receipt            *ReceiptConfig      `yaml:"receipt,omitempty"`
	ErrorHandling      *ErrorHandling      `yaml:"errorHandling,omitempty"`
	PayloadService     *PayloadService     `yaml:"payloadService,omitempty"`
	CustomValidation   *custom.Spec        `yaml:"customValidation,omitempty"`
	EventHandlers      []HandlerConfig     `yaml:"eventHandlers,omitempty"`
	Pull               *PullConfig         `yaml:"pull,omitempty"`
	// StrictHeaderValidation overrides the MSH wide setting when set
	StrictHeaderValidation *bool `yaml:"strictHeaderValidation,omitempty"`
}

// Protocol contains protocol parameters
type Protocol struct {
	Address     string `yaml:"address"`
	SOAPVersion string `yaml:"soapVersion,omitempty"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service     string     `yaml:"service,omitempty"`
	ServiceType string     `yaml:"serviceType,omitempty"`
	Action      string     `yaml:"action,omitempty"`
	MPC         string     `yaml:"mpc,omitempty"`
	Properties  []Property `yaml:"properties,omitempty"`
}

// Property represents a message property required by the P-Mode
type Property struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// Security contains WS-Security parameters for a leg
type Security struct {
	X509          *X509Config    `yaml:"x509,omitempty"`
	UsernameToken *UsernameToken `yaml:"usernameToken,omitempty"`
}

// X509Config contains X.509 certificate-based security settings
type X509Config struct {
	Sign          bool   `yaml:"sign"`
	Encrypt       bool   `yaml:"encrypt"`
	KeyAlias      string `yaml:"keyAlias,omitempty"`
	TrustedSigner string `yaml:"trustedSigner,omitempty"`
}

// UsernameToken contains username/password authentication (mostly for Pull)
type UsernameToken struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Digest   bool   `yaml:"digest"`
	Nonce    bool   `yaml:"nonce"`
	Created  bool   `yaml:"created"`
}

// ReceptionAwareness contains reliability parameters
type ReceptionAwareness struct {
	// WaitIntervals holds the time to wait for a Receipt after each attempt.
	// With n+1 intervals a message is resent at most n times.
	WaitIntervals      []time.Duration     `yaml:"waitIntervals"`
	DuplicateDetection *DuplicateDetection `yaml:"duplicateDetection,omitempty"`
}

// MaxResends returns how many times a message may be resent
func (ra *ReceptionAwareness) MaxResends() int {
	if ra == nil || len(ra.WaitIntervals) == 0 {
		return 0
	}
	return len(ra.WaitIntervals) - 1
}

// DuplicateDetection contains duplicate detection parameters
type DuplicateDetection struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window,omitempty"`
}

// ReceiptConfig configures receipt generation for received User Messages
type ReceiptConfig struct {
	Enabled bool `yaml:"enabled"`
	// ReplyPattern is "response" or "callback"
	ReplyPattern string `yaml:"replyPattern,omitempty"`
	To           string `yaml:"to,omitempty"`
}

// ErrorHandling configures error reporting
type ErrorHandling struct {
	ReportAsResponse bool   `yaml:"reportAsResponse"`
	ReceiverErrorsTo string `yaml:"receiverErrorsTo,omitempty"`
}

// PayloadService contains payload handling configuration
type PayloadService struct {
	CompressionType string `yaml:"compressionType,omitempty"`
}

// PullConfig configures the pull worker for a pull leg
type PullConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// HandlerConfig configures an event handler
type HandlerConfig struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"`
	// Events lists the event types handled; empty means all
	Events   []string          `yaml:"events,omitempty"`
	Settings map[string]string `yaml:"settings,omitempty"`
}

// Handles reports whether the handler accepts the given event type
func (h HandlerConfig) Handles(eventType string) bool {
	if len(h.Events) == 0 {
		return true
	}
	for _, e := range h.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// IsPull reports whether the first leg uses the pull binding
func (p *PMode) IsPull() bool {
	return p.MEPBinding == BindingPull || p.MEPBinding == BindingPullAndPush
}

// IsTwoWay reports whether the P-Mode defines a two-way MEP
func (p *PMode) IsTwoWay() bool {
	return p.MEP == MEPTwoWay
}

// Leg returns the leg that governs the given unit. Replies in a two-way
// exchange use the second leg, everything else the first.
func (p *PMode) Leg(unit *model.MessageUnit) *Leg {
	if len(p.Legs) == 0 {
		return nil
	}
	if p.IsTwoWay() && len(p.Legs) > 1 && unit != nil &&
		unit.Kind() == model.KindUserMessage && unit.RefToMessageID != "" {
		return &p.Legs[1]
	}
	return &p.Legs[0]
}

// MPC returns the MPC configured on the first leg, or the default MPC
func (p *PMode) MPC() string {
	if len(p.Legs) == 0 || p.Legs[0].BusinessInfo == nil || p.Legs[0].BusinessInfo.MPC == "" {
		return model.DefaultMPC
	}
	return p.Legs[0].BusinessInfo.MPC
}

// Validate checks the P-Mode for the settings the MSH depends on
func (p *PMode) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPMode)
	}
	if len(p.Legs) == 0 {
		return fmt.Errorf("%w: %s has no legs", ErrInvalidPMode, p.ID)
	}
	switch p.MEP {
	case "", MEPOneWay, MEPTwoWay:
	default:
		return fmt.Errorf("%w: %s has unknown MEP %q", ErrInvalidPMode, p.ID, p.MEP)
	}
	for i, leg := range p.Legs {
		if ra := leg.ReceptionAwareness; ra != nil {
			for _, d := range ra.WaitIntervals {
				if d <= 0 {
					return fmt.Errorf("%w: %s leg %d has non-positive wait interval", ErrInvalidPMode, p.ID, i)
				}
			}
		}
		if cv := leg.CustomValidation; cv != nil {
			for _, v := range cv.Validators {
				if v.ID == "" || v.Type == "" {
					return fmt.Errorf("%w: %s leg %d has validator without id or type", ErrInvalidPMode, p.ID, i)
				}
			}
		}
		for _, h := range leg.EventHandlers {
			if h.Type == "" {
				return fmt.Errorf("%w: %s leg %d has event handler without type", ErrInvalidPMode, p.ID, i)
			}
		}
	}
	return nil
}

// DefaultPMode creates a one-way push P-Mode with reception awareness, for testing
func DefaultPMode() *PMode {
	return &PMode{
		ID:         "default-pmode",
		MEP:        MEPOneWay,
		MEPBinding: BindingPush,
		Legs: []Leg{{
			Protocol: &Protocol{
				Address:     "https://receiver.example.com/as4",
				SOAPVersion: "1.2",
			},
			BusinessInfo: &BusinessInfo{
				Service: "urn:example:service",
				Action:  "urn:example:action",
			},
			ReceptionAwareness: &ReceptionAwareness{
				WaitIntervals:      []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute},
				DuplicateDetection: &DuplicateDetection{Enabled: true, Window: 24 * time.Hour},
			},
			Receipt: &ReceiptConfig{Enabled: true, ReplyPattern: "response"},
			ErrorHandling: &ErrorHandling{
				ReportAsResponse: true,
			},
		}},
	}
}
