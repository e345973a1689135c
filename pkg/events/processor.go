package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// DefaultHandlerTimeout bounds the execution of a single handler
const DefaultHandlerTimeout = 5 * time.Second

// ErrUnknownHandlerType is returned when no factory is registered for a handler type
var ErrUnknownHandlerType = errors.New("unknown event handler type")

// Factory creates a handler from its configuration
type Factory func(cfg pmode.HandlerConfig) (Handler, error)

// Registry maps handler types to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for a handler type
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Create builds the handler for cfg
func (r *Registry) Create(cfg pmode.HandlerConfig) (Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandlerType, cfg.Type)
	}
	return f(cfg)
}

// Processor dispatches events to the configured handlers. Handlers
// configured on the P-Mode leg for an event type take precedence over the
// global handlers for that type.
type Processor struct {
	registry *Registry
	global   []pmode.HandlerConfig
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	handlers map[string]*instance
}

// instance is a created handler and the configuration it was created from.
// A P-Mode replaced with different settings for the same handler gets a
// new instance.
type instance struct {
	handler     Handler
	fingerprint string
}

func fingerprint(cfg pmode.HandlerConfig) string {
	// fmt prints maps with sorted keys
	return fmt.Sprintf("%s|%s|%q|%v", cfg.ID, cfg.Type, cfg.Events, cfg.Settings)
}

// Option configures a Processor
type Option func(*Processor)

// WithTimeout sets the handler timeout
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithGlobalHandlers sets the handlers used when a P-Mode configures none
func WithGlobalHandlers(cfgs ...pmode.HandlerConfig) Option {
	return func(p *Processor) {
		p.global = append(p.global, cfgs...)
	}
}

// NewProcessor creates an event processor
func NewProcessor(registry *Registry, opts ...Option) *Processor {
	p := &Processor{
		registry: registry,
		timeout:  DefaultHandlerTimeout,
		logger:   slog.Default(),
		handlers: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type target struct {
	key string
	cfg pmode.HandlerConfig
}

func (p *Processor) targets(ev *Event, pm *pmode.PMode) []target {
	var out []target
	if pm != nil {
		if leg := pm.Leg(ev.Unit); leg != nil {
			for i, cfg := range leg.EventHandlers {
				if cfg.Handles(string(ev.Type)) {
					out = append(out, target{key: fmt.Sprintf("pmode/%s/%d/%s", pm.ID, i, cfg.ID), cfg: cfg})
				}
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	for i, cfg := range p.global {
		if cfg.Handles(string(ev.Type)) {
			out = append(out, target{key: fmt.Sprintf("global/%d/%s", i, cfg.ID), cfg: cfg})
		}
	}
	return out
}

func (p *Processor) handler(t target) (Handler, error) {
	fp := fingerprint(t.cfg)
	p.mu.Lock()
	old, ok := p.handlers[t.key]
	if ok && old.fingerprint == fp {
		p.mu.Unlock()
		return old.handler, nil
	}
	h, err := p.registry.Create(t.cfg)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.handlers[t.key] = &instance{handler: h, fingerprint: fp}
	p.mu.Unlock()

	if ok {
		p.closeHandler(t.key, old.handler)
	}
	return h, nil
}

func (p *Processor) closeHandler(key string, h Handler) {
	c, ok := h.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		p.logger.Warn("closing replaced event handler", "handler", key, "error", err)
	}
}

// Raise passes the event to every matching handler. It never fails: handler
// errors, panics and timeouts are logged.
func (p *Processor) Raise(ctx context.Context, ev *Event, pm *pmode.PMode) {
	if ev == nil {
		return
	}
	for _, t := range p.targets(ev, pm) {
		h, err := p.handler(t)
		if err != nil {
			p.logger.Error("creating event handler",
				"handler", t.cfg.ID, "type", t.cfg.Type, "error", err)
			continue
		}
		if err := p.invoke(ctx, h, ev); err != nil {
			p.logger.Warn("event handler failed",
				"handler", t.cfg.ID,
				"event", ev.Type,
				"message_id", messageID(ev),
				"error", err)
		}
	}
}

var errHandlerTimeout = errors.New("event handler timed out")

// invoke runs the handler under a watchdog
func (p *Processor) invoke(ctx context.Context, h Handler, ev *Event) error {
	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("event handler panicked: %v", r)
			}
		}()
		done <- h.Handle(hctx, ev)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errHandlerTimeout
	}
}

// Close closes all created handlers that hold resources
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, inst := range p.handlers {
		if c, ok := inst.handler.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(p.handlers, key)
	}
	return errors.Join(errs...)
}

func messageID(ev *Event) string {
	if ev.Unit == nil {
		return ""
	}
	return ev.Unit.MessageID
}
