package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/msh"
)

// SenderConfig holds send worker configuration
type SenderConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultSenderConfig returns sensible defaults
func DefaultSenderConfig() *SenderConfig {
	return &SenderConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    10,
	}
}

// Sender pushes messages waiting in READY_TO_PUSH
type Sender struct {
	msh    *msh.MSH
	logger *slog.Logger

	pollInterval time.Duration
	batchSize    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSender creates a new send worker
func NewSender(m *msh.MSH, cfg *SenderConfig, logger *slog.Logger) *Sender {
	if cfg == nil {
		cfg = DefaultSenderConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{
		msh:          m,
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultSenderConfig().PollInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultSenderConfig().BatchSize
	}
	return s
}

// Start begins background message processing
func (s *Sender) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info("sender started", "poll_interval", s.pollInterval)
}

// Stop gracefully stops the sender
func (s *Sender) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.logger.Info("sender stopped")
}

func (s *Sender) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ProcessPending(s.ctx)
		}
	}
}

// ProcessPending pushes at most one batch of waiting messages and returns
// how many were pushed
func (s *Sender) ProcessPending(ctx context.Context) int {
	units, err := s.msh.Repository().FindByState(ctx, "", model.StateReadyToPush)
	if err != nil {
		s.logger.Error("failed to find pending messages", "error", err)
		return 0
	}

	pushed := 0
	for _, u := range units {
		if pushed == s.batchSize || ctx.Err() != nil {
			break
		}
		if u.Direction != model.DirectionOut {
			continue
		}
		log := s.logger.With("message_id", u.MessageID, "pmode", u.PModeID)

		err := s.msh.Push(ctx, u.CoreID)
		switch {
		case errors.Is(err, msh.ErrUnexpectedState):
			log.Debug("message claimed by another worker")
			continue
		case err != nil:
			log.Error("push failed", "error", err)
		default:
			log.Debug("message pushed")
		}
		pushed++
	}
	return pushed
}
