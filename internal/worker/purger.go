package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sirosfoundation/go-msh/pkg/events"
	"github.com/sirosfoundation/go-msh/pkg/msh"
)

// PurgerConfig holds purge worker configuration
type PurgerConfig struct {
	// Schedule is a cron spec, for example "@hourly" or "0 3 * * *"
	Schedule string
	// Retention is how long a unit stays after reaching a terminal state
	Retention time.Duration
}

// DefaultPurgerConfig returns sensible defaults
func DefaultPurgerConfig() *PurgerConfig {
	return &PurgerConfig{Schedule: "@hourly", Retention: 30 * 24 * time.Hour}
}

// Purger deletes units that have been in a terminal state for longer than
// the retention period, together with their payloads
type Purger struct {
	msh       *msh.MSH
	logger    *slog.Logger
	schedule  string
	retention time.Duration
	cron      *cron.Cron
}

// NewPurger creates a purge worker. It fails for an invalid schedule.
func NewPurger(m *msh.MSH, cfg *PurgerConfig, logger *slog.Logger) (*Purger, error) {
	if cfg == nil {
		cfg = DefaultPurgerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Purger{
		msh:       m,
		logger:    logger,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
	}
	if p.schedule == "" {
		p.schedule = DefaultPurgerConfig().Schedule
	}
	if p.retention <= 0 {
		p.retention = DefaultPurgerConfig().Retention
	}
	if _, err := cron.ParseStandard(p.schedule); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", p.schedule, err)
	}
	return p, nil
}

// Start schedules the purge runs
func (p *Purger) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(p.schedule, func() {
		if _, err := p.Purge(ctx); err != nil {
			p.logger.Error("purge failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling purge %q: %w", p.schedule, err)
	}
	p.cron = c
	p.cron.Start()
	p.logger.Info("purger started", "schedule", p.schedule, "retention", p.retention)
	return nil
}

// Stop waits for a running purge and stops the schedule
func (p *Purger) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.logger.Info("purger stopped")
}

// Purge deletes the expired units once and returns how many were deleted.
// A Purge event is raised for every unit before it is deleted.
func (p *Purger) Purge(ctx context.Context) (int, error) {
	before := p.msh.Now().Add(-p.retention)
	units, err := p.msh.Repository().FindPurgeable(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("finding purgeable units: %w", err)
	}

	deleted := 0
	for _, u := range units {
		log := p.logger.With("message_id", u.MessageID, "direction", u.Direction)
		p.msh.Raise(ctx, events.Purge, u, "retention period expired")

		if um := u.UserMessage(); um != nil {
			for _, pl := range um.Payloads {
				if pl.PayloadID == "" {
					continue
				}
				if err := p.msh.Payloads().Remove(ctx, pl.PayloadID); err != nil {
					log.Warn("failed to remove payload", "payload_id", pl.PayloadID, "error", err)
				}
			}
		}
		if err := p.msh.Repository().Delete(ctx, u.CoreID); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", u.MessageID, err)
		}
		deleted++
	}
	if deleted > 0 {
		p.logger.Info("purged message units", "count", deleted, "before", before)
	}
	return deleted, nil
}
