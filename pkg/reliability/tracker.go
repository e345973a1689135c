package reliability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// waitingStates are the states in which a sent User Message waits for
// its Receipt or for another attempt
var waitingStates = []model.State{model.StateWaitingForReceipt, model.StateTransportFailure}

// Outcome is what a check decided for a unit
type Outcome int

const (
	// Waiting means the wait interval of the current attempt has not passed
	Waiting Outcome = iota
	// Resend means the unit was released for another attempt
	Resend
	// Failed means all attempts were used up
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Waiting:
		return "waiting"
	case Resend:
		return "resend"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Tracker applies reception awareness to sent User Messages. For a leg with
// wait intervals i0..in a message is sent at most n+1 times. Attempt k waits
// i(k-1) from the start of its SENDING state before the message is resent,
// or failed when k is n+1.
type Tracker struct {
	msh    *msh.MSH
	logger *slog.Logger
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker working on the units of the MSH
func NewTracker(m *msh.MSH, opts ...Option) *Tracker {
	t := &Tracker{msh: m, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Check evaluates every waiting unit once and returns how many were resent
// or failed
func (t *Tracker) Check(ctx context.Context) (int, error) {
	handled := 0
	for _, pm := range t.msh.PModes().All() {
		for _, state := range waitingStates {
			units, err := t.msh.Repository().FindByState(ctx, pm.ID, state)
			if err != nil {
				return handled, fmt.Errorf("finding %s units of %s: %w", state, pm.ID, err)
			}
			for _, u := range units {
				if u.Direction != model.DirectionOut || u.UserMessage() == nil {
					continue
				}
				out, err := t.CheckUnit(ctx, u, pm)
				if err != nil {
					if errors.Is(err, msh.ErrUnexpectedState) {
						continue
					}
					return handled, err
				}
				if out != Waiting {
					handled++
				}
			}
		}
	}
	return handled, nil
}

// CheckUnit applies the wait intervals of the unit's leg to the unit
func (t *Tracker) CheckUnit(ctx context.Context, u *model.MessageUnit, pm *pmode.PMode) (Outcome, error) {
	leg := pm.Leg(u)
	if leg == nil || leg.ReceptionAwareness == nil || len(leg.ReceptionAwareness.WaitIntervals) == 0 {
		return Waiting, nil
	}
	intervals := leg.ReceptionAwareness.WaitIntervals

	attempt := u.CountState(model.StateSending)
	sending, ok := u.LastEntered(model.StateSending)
	if attempt == 0 || !ok {
		return Waiting, nil
	}
	wait := intervals[min(attempt, len(intervals))-1]
	if t.msh.Now().Before(sending.StartTime.Add(wait)) {
		return Waiting, nil
	}

	if attempt < len(intervals) {
		return Resend, t.resend(ctx, u, pm, attempt)
	}
	return Failed, t.fail(ctx, u, attempt)
}

func (t *Tracker) resend(ctx context.Context, u *model.MessageUnit, pm *pmode.PMode, attempt int) error {
	next := model.StateReadyToPush
	if pm.IsPull() {
		next = model.StateAwaitingPull
	}
	desc := fmt.Sprintf("no receipt after attempt %d", attempt)
	if err := t.msh.Transition(ctx, u, next, desc, waitingStates...); err != nil {
		return err
	}
	t.logger.Info("message released for resending",
		"message_id", u.MessageID,
		"attempt", attempt+1,
		"state", next)
	t.msh.Raise(ctx, events.MessageResent, u, desc, func(ev *events.Event) {
		ev.Attempt = attempt + 1
	})
	return nil
}

func (t *Tracker) fail(ctx context.Context, u *model.MessageUnit, attempt int) error {
	desc := fmt.Sprintf("no receipt after %d attempts", attempt)
	if err := t.msh.Transition(ctx, u, model.StateFailure, desc, waitingStates...); err != nil {
		return err
	}
	t.logger.Warn("missing receipt",
		"message_id", u.MessageID,
		"attempts", attempt)
	t.msh.Raise(ctx, events.MissingReceipt, u, desc, func(ev *events.Event) {
		ev.Errors = []model.EbmsError{model.ErrMissingReceipt.New(u.MessageID, desc)}
		ev.Attempt = attempt
	})
	return nil
}

// Worker runs Check at a fixed interval
type Worker struct {
	tracker  *Tracker
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker creates a worker for the tracker
func NewWorker(tracker *Tracker, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Worker{tracker: tracker, interval: interval, logger: tracker.logger}
}

// Start begins the periodic checks
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	w.logger.Info("retry worker started", "interval", w.interval)
}

// Stop ends the checks and waits for a running one to finish
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("retry worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := w.tracker.Check(ctx); err != nil {
				w.logger.Error("retry check failed", "error", err)
			} else if n > 0 {
				w.logger.Debug("retry check done", "handled", n)
			}
		}
	}
}
