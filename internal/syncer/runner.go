package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Runner calls Synchronize on a fixed interval until its context ends.
type Runner struct {
	Service  *Service
	Interval time.Duration
	// OnCycle, when set, receives each run's report after its completion callback.
	OnCycle func(Report)
	Logger  *zap.Logger
}

// Run blocks, syncing once immediately and then every Interval. It returns nil when ctx is cancelled.
func (r Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("sync runner started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.cycle(ctx)
		select {
		case <-ctx.Done():
			log.Info("sync runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (r Runner) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	rep := r.Service.Synchronize(ctx, nil)
	if r.OnCycle != nil {
		r.OnCycle(rep)
	}
}
