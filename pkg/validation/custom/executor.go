package custom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

// ValidationError is a single finding of a validator
type ValidationError struct {
	Message  string
	Severity Severity
}

// Result is the outcome of running a Spec
type Result struct {
	ExecutedAllValidators bool
	ShouldRejectMessage   bool
	// Errors maps validator id to the errors it reported
	Errors map[string][]ValidationError
}

// HasErrors reports whether any validator reported an error
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}

// MaxSeverity returns the highest severity reported, or 0
func (r *Result) MaxSeverity() Severity {
	var max Severity
	if r == nil {
		return max
	}
	for _, errs := range r.Errors {
		for _, e := range errs {
			if e.Severity > max {
				max = e.Severity
			}
		}
	}
	return max
}

// Summary returns a one line description of the errors of a rejected message
func (r *Result) Summary() string {
	if r == nil {
		return ""
	}
	n := 0
	for _, errs := range r.Errors {
		n += len(errs)
	}
	return fmt.Sprintf("%d validation error(s) from %d validator(s), max severity %s", n, len(r.Errors), r.MaxSeverity())
}

// Validator checks the business content of a User Message
type Validator interface {
	Validate(ctx context.Context, unit *model.MessageUnit) ([]ValidationError, error)
}

// ValidatorFunc adapts a function to a Validator
type ValidatorFunc func(ctx context.Context, unit *model.MessageUnit) ([]ValidationError, error)

// Validate implements Validator
func (f ValidatorFunc) Validate(ctx context.Context, unit *model.MessageUnit) ([]ValidationError, error) {
	return f(ctx, unit)
}

// DefaultParallelism limits concurrently running validators when order is not required
const DefaultParallelism = 4

// Executor runs the custom validation configured for a P-Mode leg
type Executor struct {
	registry    *Registry
	parallelism int
	logger      *slog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithParallelism sets how many validators may run at once
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor that builds validators from the registry
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		parallelism: DefaultParallelism,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// collector accumulates validator results and applies the stop rule
type collector struct {
	mu       sync.Mutex
	spec     *Spec
	errors   map[string][]ValidationError
	executed int
	stopped  bool
}

func (c *collector) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// add records the errors of one validator and reports whether execution must stop
func (c *collector) add(id string, errs []ValidationError) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executed++
	if len(errs) > 0 {
		c.errors[id] = append(c.errors[id], errs...)
	}
	if c.spec.StopSeverity > 0 {
		for _, e := range errs {
			if e.Severity >= c.spec.StopSeverity {
				c.stopped = true
			}
		}
	}
	return c.stopped
}

// Validate runs spec against the unit. It returns nil, nil when spec is nil.
// Validator failures are part of the result, the error return is reserved
// for an invalid spec.
func (e *Executor) Validate(ctx context.Context, unit *model.MessageUnit, spec *Spec) (*Result, error) {
	if spec == nil {
		return nil, nil
	}

	c := &collector{spec: spec, errors: make(map[string][]ValidationError)}
	if spec.MustExecuteInOrder {
		for i := range spec.Validators {
			if c.add(spec.Validators[i].ID, e.run(ctx, unit, spec.Validators[i])) {
				break
			}
		}
	} else {
		e.runConcurrently(ctx, unit, spec, c)
	}

	result := &Result{
		ExecutedAllValidators: c.executed == len(spec.Validators),
		Errors:                c.errors,
	}
	if spec.RejectSeverity > 0 {
		result.ShouldRejectMessage = result.MaxSeverity() >= spec.RejectSeverity
	}

	e.logger.Debug("custom validation completed",
		"message_id", unit.MessageID,
		"spec", spec.ID,
		"executed_all", result.ExecutedAllValidators,
		"reject", result.ShouldRejectMessage)
	return result, nil
}

func (e *Executor) runConcurrently(ctx context.Context, unit *model.MessageUnit, spec *Spec, c *collector) {
	var g errgroup.Group
	g.SetLimit(e.parallelism)
	for i := range spec.Validators {
		cfg := spec.Validators[i]
		if c.isStopped() {
			break
		}
		g.Go(func() error {
			// validators not yet started are skipped once the stop rule fired
			if c.isStopped() {
				return nil
			}
			c.add(cfg.ID, e.run(ctx, unit, cfg))
			return nil
		})
	}
	_ = g.Wait()
}

// run executes one validator. Creation errors, returned errors and panics
// become a single error at the validator's severity.
func (e *Executor) run(ctx context.Context, unit *model.MessageUnit, cfg ValidatorConfig) (errs []ValidationError) {
	severity := cfg.Severity
	if severity == 0 {
		severity = SeverityFailure
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("validator panicked",
				"validator", cfg.ID, "message_id", unit.MessageID, "panic", r)
			errs = []ValidationError{{
				Message:  fmt.Sprintf("validator %s failed unexpectedly", cfg.ID),
				Severity: severity,
			}}
		}
	}()

	v, err := e.registry.Create(cfg)
	if err != nil {
		e.logger.Error("creating validator", "validator", cfg.ID, "error", err)
		return []ValidationError{{Message: err.Error(), Severity: severity}}
	}
	found, err := v.Validate(ctx, unit)
	if err != nil {
		e.logger.Warn("validator failed", "validator", cfg.ID, "message_id", unit.MessageID, "error", err)
		return []ValidationError{{Message: err.Error(), Severity: severity}}
	}
	for i := range found {
		if found[i].Severity == 0 {
			found[i].Severity = severity
		}
	}
	return found
}
