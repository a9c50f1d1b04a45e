package supabase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc returns a value that changes whenever the remote graph changes.
type ProbeFunc func(ctx context.Context) (string, error)

// Poller turns a remote table with no push channel into change
// notifications by probing it on an interval.
type Poller struct {
	probe    ProbeFunc
	interval time.Duration
	onChange func()
	logger   *zap.Logger

	mu   sync.Mutex
	last string
	seen bool
}

// NewPoller creates a poller. onChange runs on the polling goroutine.
func NewPoller(probe ProbeFunc, interval time.Duration, onChange func(), logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		probe:    probe,
		interval: interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", zap.Duration("interval", p.interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll probes once and fires onChange if the fingerprint moved. The first
// successful probe only records a baseline.
func (p *Poller) Poll(ctx context.Context) {
	fp, err := p.probe(ctx)
	if err != nil {
		p.logger.Warn("poll failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	changed := p.seen && fp != p.last
	p.last = fp
	p.seen = true
	p.mu.Unlock()

	if changed {
		p.onChange()
	}
}
