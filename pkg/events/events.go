package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/validation/custom"
)

// Type identifies the kind of event
type Type string

const (
	MessageSent             Type = "MessageSent"
	TransportFailure        Type = "TransportFailure"
	MessageResent           Type = "MessageResent"
	MissingReceipt          Type = "MissingReceipt"
	ReceiptReceived         Type = "ReceiptReceived"
	ErrorReceived           Type = "ErrorReceived"
	HeaderValidationFailure Type = "HeaderValidationFailure"
	SecurityFailure         Type = "SecurityFailure"
	CustomValidationFailure Type = "CustomValidationFailure"
	DuplicateReceived       Type = "DuplicateReceived"
	MessageDelivered        Type = "MessageDelivered"
	DeliveryFailure         Type = "DeliveryFailure"
	Purge                   Type = "Purge"
)

// AllTypes lists every event type raised by the MSH
var AllTypes = []Type{
	MessageSent, TransportFailure, MessageResent, MissingReceipt,
	ReceiptReceived, ErrorReceived, HeaderValidationFailure, SecurityFailure,
	CustomValidationFailure, DuplicateReceived, MessageDelivered,
	DeliveryFailure, Purge,
}

// Event describes something that happened while processing a message unit
type Event struct {
	ID          string
	Type        Type
	Time        time.Time
	Unit        *model.MessageUnit
	Description string
	// Errors holds the ebMS errors related to the event, if any
	Errors []model.EbmsError
	// ValidationResult is set for CustomValidationFailure events
	ValidationResult *custom.Result
	// Attempt is the number of the send attempt for MessageSent and MessageResent
	Attempt int
}

// New creates an event for the unit
func New(t Type, unit *model.MessageUnit, description string) *Event {
	return &Event{
		ID:          uuid.New().String(),
		Type:        t,
		Time:        time.Now().UTC(),
		Unit:        unit.Clone(),
		Description: description,
	}
}

// Record is the serializable summary of an event used by notification handlers
type Record struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	Time           time.Time `json:"time"`
	MessageID      string    `json:"messageId,omitempty"`
	RefToMessageID string    `json:"refToMessageId,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	PModeID        string    `json:"pmodeId,omitempty"`
	State          string    `json:"state,omitempty"`
	Description    string    `json:"description,omitempty"`
	Attempt        int       `json:"attempt,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
}

// Record returns the serializable summary of the event
func (e *Event) Record() Record {
	r := Record{
		ID:          e.ID,
		Type:        e.Type,
		Time:        e.Time,
		Description: e.Description,
		Attempt:     e.Attempt,
	}
	if u := e.Unit; u != nil {
		r.MessageID = u.MessageID
		r.RefToMessageID = u.RefToMessageID
		r.Kind = string(u.Kind())
		r.Direction = string(u.Direction)
		r.PModeID = u.PModeID
		r.State = string(u.CurrentState())
	}
	for _, err := range e.Errors {
		r.Errors = append(r.Errors, err.Error())
	}
	if e.ValidationResult != nil {
		for id, errs := range e.ValidationResult.Errors {
			for _, ve := range errs {
				r.Errors = append(r.Errors, id+": "+ve.Message)
			}
		}
	}
	return r
}

// Handler processes events
type Handler interface {
	Handle(ctx context.Context, ev *Event) error
}

// HandlerFunc adapts a function to a Handler
type HandlerFunc func(ctx context.Context, ev *Event) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, ev *Event) error {
	return f(ctx, ev)
}
