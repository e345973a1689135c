package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sirosfoundation/go-msh/pkg/msh"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// PullerConfig holds pull worker configuration
type PullerConfig struct {
	// Workers bounds the number of Pull Requests in flight
	Workers int
	// MaxPerRound bounds the messages pulled from one MPC per interval
	MaxPerRound int
	// RefreshInterval is how often the P-Mode set is re-read to start and
	// stop polling loops
	RefreshInterval time.Duration
}

// DefaultPullerConfig returns sensible defaults
func DefaultPullerConfig() *PullerConfig {
	return &PullerConfig{Workers: 4, MaxPerRound: 10, RefreshInterval: 10 * time.Second}
}

// pullLoop is the running poller of one P-Mode
type pullLoop struct {
	interval time.Duration
	cancel   context.CancelFunc
}

// Puller sends Pull Requests for the P-Modes with a pull interval. Every
// P-Mode is polled by its own loop; the loops share a pool of workers. A
// supervisor follows additions and removals in the P-Mode registry.
type Puller struct {
	msh    *msh.MSH
	logger *slog.Logger
	sem    *semaphore.Weighted

	maxPerRound int
	refresh     time.Duration

	mu    sync.Mutex
	loops map[string]*pullLoop

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPuller creates a new pull worker pool
func NewPuller(m *msh.MSH, cfg *PullerConfig, logger *slog.Logger) *Puller {
	if cfg == nil {
		cfg = DefaultPullerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultPullerConfig()
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaults.Workers
	}
	maxPerRound := cfg.MaxPerRound
	if maxPerRound <= 0 {
		maxPerRound = defaults.MaxPerRound
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaults.RefreshInterval
	}
	return &Puller{
		msh:         m,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(workers)),
		maxPerRound: maxPerRound,
		refresh:     refresh,
		loops:       make(map[string]*pullLoop),
	}
}

// pullInterval returns the configured pull interval of the P-Mode, or 0
func pullInterval(pm *pmode.PMode) time.Duration {
	if !pm.IsPull() || len(pm.Legs) == 0 || pm.Legs[0].Pull == nil {
		return 0
	}
	return pm.Legs[0].Pull.Interval
}

// Start begins polling the pull P-Modes and watching the registry
func (p *Puller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	n := p.reconcile()
	p.wg.Add(1)
	go p.supervise()
	p.logger.Info("puller started", "pmodes", n)
}

// Stop gracefully stops the puller
func (p *Puller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.mu.Lock()
	p.loops = make(map[string]*pullLoop)
	p.mu.Unlock()
	p.logger.Info("puller stopped")
}

func (p *Puller) supervise() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reconcile()
		}
	}
}

// reconcile starts a loop for every pull P-Mode without one, restarts loops
// whose interval changed and stops loops of P-Modes that are gone. It
// returns the number of running loops.
func (p *Puller) reconcile() int {
	want := make(map[string]time.Duration)
	for _, pm := range p.msh.PModes().All() {
		if interval := pullInterval(pm); interval > 0 {
			want[pm.ID] = interval
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return 0
	}
	for id, loop := range p.loops {
		if interval, ok := want[id]; !ok || interval != loop.interval {
			loop.cancel()
			delete(p.loops, id)
			p.logger.Debug("pull loop stopped", "pmode", id)
		}
	}
	for id, interval := range want {
		if _, ok := p.loops[id]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(p.ctx)
		p.loops[id] = &pullLoop{interval: interval, cancel: cancel}
		p.wg.Add(1)
		go p.run(ctx, id, interval)
		p.logger.Debug("pull loop started", "pmode", id, "interval", interval)
	}
	return len(p.loops)
}

func (p *Puller) run(ctx context.Context, pmodeID string, interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PullAll(ctx, pmodeID)
		}
	}
}

// running returns the ids of the P-Modes currently polled
func (p *Puller) running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.loops))
	for id := range p.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PullAll pulls from the MPC of the P-Mode until it is empty or the round
// limit is reached, and returns the number of messages received
func (p *Puller) PullAll(ctx context.Context, pmodeID string) int {
	log := p.logger.With("pmode", pmodeID)
	received := 0
	for received < p.maxPerRound {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return received
		}
		u, err := p.msh.Pull(ctx, pmodeID)
		p.sem.Release(1)
		if err != nil {
			log.Error("pull failed", "error", err)
			return received
		}
		if u == nil {
			return received
		}
		log.Debug("message pulled", "message_id", u.MessageID, "state", u.CurrentState())
		received++
	}
	return received
}
