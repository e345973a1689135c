package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-msh/internal/storage"
	"github.com/sirosfoundation/go-msh/pkg/compression"
	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/payload"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/security"
	"github.com/sirosfoundation/go-msh/pkg/transport"
	"github.com/sirosfoundation/go-msh/pkg/validation/custom"
	"github.com/sirosfoundation/go-msh/pkg/validation/header"
)

var (
	// ErrInvalidMessage is returned for messages that cannot be processed at all
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidSubmission is returned when a submitted unit is rejected
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrUnexpectedState is returned when a unit is not in a state the
	// requested transition starts from
	ErrUnexpectedState = errors.New("unexpected processing state")
	// ErrNotFound is returned by Status for unknown message ids
	ErrNotFound = errors.New("message not found")
)

// defaultRetries bounds the re-reads after a concurrent modification
const defaultRetries = 3

// TransitionObserver is notified of every state change
type TransitionObserver interface {
	ObserveTransition(u *model.MessageUnit, to model.State)
	ObserveSend(success bool)
}

// Config holds the components of the MSH. Repository and PModes are
// required, everything else has a default.
type Config struct {
	Repository storage.Repository
	PModes     *pmode.Registry

	// Payloads stores payload content, in memory by default
	Payloads payload.Provider
	// Security creates and verifies WS-Security headers
	Security security.Processor
	// Validator runs the custom validation of User Messages
	Validator *custom.Executor
	// Events dispatches events to the configured handlers
	Events *events.Processor
	// Sender transmits outgoing messages
	Sender transport.Sender
	// Resolver finds endpoints for legs without an address
	Resolver EndpointResolver
	// Delivery hands received User Messages to the business application
	Delivery DeliveryMethod
	// Observer receives state transitions, typically metrics
	Observer TransitionObserver

	// StrictHeaderValidation applies full ebMS3 header checks to received
	// units unless the P-Mode leg says otherwise
	StrictHeaderValidation bool
	// MessageIDDomain is the right hand side of generated message ids
	MessageIDDomain string
	// Retries bounds retries after concurrent modifications
	Retries int
	// MaxPayloadSize bounds a received payload after decompression
	MaxPayloadSize int64

	Logger *slog.Logger
	Clock  func() time.Time
}

// MSH is the Message Service Handler. It runs the processing pipeline of
// outgoing and received message units and keeps their state in the
// repository.
type MSH struct {
	repo       storage.Repository
	pmodes     *pmode.Registry
	payloads   payload.Provider
	security   security.Processor
	validator  *custom.Executor
	events     *events.Processor
	sender     transport.Sender
	resolver   EndpointResolver
	delivery   DeliveryMethod
	observer   TransitionObserver
	compressor *compression.Compressor

	strict   bool
	idDomain string
	retries  int

	logger *slog.Logger
	now    func() time.Time
}

// New creates an MSH from the configuration
func New(cfg Config) (*MSH, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.PModes == nil {
		return nil, errors.New("P-Mode registry is required")
	}

	m := &MSH{
		repo:       cfg.Repository,
		pmodes:     cfg.PModes,
		payloads:   cfg.Payloads,
		security:   cfg.Security,
		validator:  cfg.Validator,
		events:     cfg.Events,
		sender:     cfg.Sender,
		resolver:   cfg.Resolver,
		delivery:   cfg.Delivery,
		observer:   cfg.Observer,
		compressor: compression.NewCompressor(),
		strict:     cfg.StrictHeaderValidation,
		idDomain:   cfg.MessageIDDomain,
		retries:    cfg.Retries,
		logger:     cfg.Logger,
		now:        cfg.Clock,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.payloads == nil {
		m.payloads = payload.NewMemoryProvider()
	}
	if m.security == nil {
		m.security = security.NewWSSProcessor(security.WithLogger(m.logger))
	}
	if m.validator == nil {
		m.validator = custom.NewExecutor(custom.NewDefaultRegistry(m.payloads), custom.WithLogger(m.logger))
	}
	if m.events == nil {
		m.events = events.NewProcessor(events.NewRegistry(), events.WithLogger(m.logger))
	}
	if m.sender == nil {
		m.sender = transport.NewHTTPSClient(nil)
	}
	if m.delivery == nil {
		m.delivery = storeOnly{}
	}
	if m.idDomain == "" {
		m.idDomain = "msh.siros.org"
	}
	if m.retries <= 0 {
		m.retries = defaultRetries
	}
	m.compressor.SetMaxDecompressedSize(cfg.MaxPayloadSize)
	return m, nil
}

// Repository returns the message unit repository
func (m *MSH) Repository() storage.Repository {
	return m.repo
}

// PModes returns the P-Mode registry
func (m *MSH) PModes() *pmode.Registry {
	return m.pmodes
}

// Payloads returns the payload storage
func (m *MSH) Payloads() payload.Provider {
	return m.payloads
}

// Events returns the event processor
func (m *MSH) Events() *events.Processor {
	return m.events
}

// Now returns the current time of the MSH clock
func (m *MSH) Now() time.Time {
	return m.now()
}

// NewMessageID generates a message id in the configured domain
func (m *MSH) NewMessageID() string {
	return uuid.New().String() + "@" + m.idDomain
}

// PModeFor returns the P-Mode of a unit, or nil
func (m *MSH) PModeFor(u *model.MessageUnit) *pmode.PMode {
	if u == nil || u.PModeID == "" {
		return nil
	}
	return m.pmodes.Get(u.PModeID)
}

// Raise creates an event for the unit and passes it to the event processor
func (m *MSH) Raise(ctx context.Context, typ events.Type, unit *model.MessageUnit, description string, fill ...func(*events.Event)) {
	ev := events.New(typ, unit, description)
	for _, f := range fill {
		f(ev)
	}
	m.events.Raise(ctx, ev, m.PModeFor(unit))
}

// Transition moves the unit to state to when its current state is one of
// from. The unit is updated in place. After a concurrent modification the
// unit is re-read and the check repeated, so a state that was not observed
// as current is never overwritten.
func (m *MSH) Transition(ctx context.Context, u *model.MessageUnit, to model.State, description string, from ...model.State) error {
	for attempt := 0; ; attempt++ {
		if !u.InState(from...) {
			return fmt.Errorf("%w: %s is %s, not %v", ErrUnexpectedState, u.MessageID, u.CurrentState(), from)
		}
		updated, err := m.repo.SetState(ctx, u.CoreID, u.Version, to, description)
		if err == nil {
			*u = *updated
			if m.observer != nil {
				m.observer.ObserveTransition(u, to)
			}
			m.logger.Debug("state changed",
				"message_id", u.MessageID,
				"direction", u.Direction,
				"state", to)
			return nil
		}
		if !errors.Is(err, storage.ErrConcurrentModification) || attempt >= m.retries {
			return fmt.Errorf("changing state of %s to %s: %w", u.MessageID, to, err)
		}
		current, gerr := m.repo.Get(ctx, u.CoreID)
		if gerr != nil {
			return fmt.Errorf("re-reading %s: %w", u.MessageID, gerr)
		}
		if current == nil {
			return fmt.Errorf("re-reading %s: %w", u.MessageID, storage.ErrNotFound)
		}
		*u = *current
	}
}

// fail moves a unit that is not yet terminal to FAILURE
func (m *MSH) fail(ctx context.Context, u *model.MessageUnit, description string) error {
	if u.CurrentState().IsTerminal() {
		return nil
	}
	return m.Transition(ctx, u, model.StateFailure, description, nonTerminal...)
}

// nonTerminal lists the states a failing flow may leave
var nonTerminal = []model.State{
	model.StateReceived,
	model.StateReadyToPush,
	model.StateAwaitingPull,
	model.StateProcessing,
	model.StateSending,
	model.StateTransportFailure,
	model.StateWaitingForReceipt,
	model.StateReadyForDelivery,
	model.StateOutForDelivery,
}

// Status returns the units with the given message id
func (m *MSH) Status(ctx context.Context, messageID string, direction model.Direction) ([]*model.MessageUnit, error) {
	units, err := m.repo.Find(ctx, messageID, direction)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	return units, nil
}

// legOf returns the leg governing the unit, or nil
func legOf(pm *pmode.PMode, u *model.MessageUnit) *pmode.Leg {
	if pm == nil {
		return nil
	}
	return pm.Leg(u)
}

// strictFor reports whether strict header validation applies to the unit
func (m *MSH) strictFor(pm *pmode.PMode, u *model.MessageUnit) bool {
	if leg := legOf(pm, u); leg != nil && leg.StrictHeaderValidation != nil {
		return *leg.StrictHeaderValidation
	}
	return m.strict
}

// validateBasic runs the basic header checks used on submission
func validateBasic(u *model.MessageUnit) error {
	if problems := header.Validate(u, false); problems != "" {
		return fmt.Errorf("%w: %s", ErrInvalidSubmission, problems)
	}
	return nil
}
