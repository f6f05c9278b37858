package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultReapInterval is how often idle rooms are swept.
const DefaultReapInterval = 30 * time.Second

type ReaperConfig struct {
	Interval time.Duration
	// Grace is how long a room must stay empty before it is deleted.
	// Zero means the room is deleted on the first sweep that sees it empty.
	Grace time.Duration
}

func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{Interval: DefaultReapInterval, Grace: DefaultReapInterval}
}

// Reaper periodically deletes rooms that have been empty for longer than the
// grace period. It is owned by the process and must be stopped on shutdown.
type Reaper struct {
	registry *Registry
	config   ReaperConfig
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewReaper(registry *Registry, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = DefaultReapInterval
	}
	if config.Grace < 0 {
		config.Grace = 0
	}
	if logger == nil {
		logger = registry.opts.logger
	}
	return &Reaper{
		registry: registry,
		config:   config,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop. It ends when ctx is done or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(ctx)
		r.logger.Info("reaper started",
			slog.Duration("interval", r.config.Interval),
			slog.Duration("grace", r.config.Grace))
	})
}

// Stop ends the loop and waits for an in-progress sweep to finish.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped", slog.String("reason", ctx.Err().Error()))
			return
		case <-r.stop:
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep walks a snapshot of room ids and deletes the idle ones. It only
// holds the registry lock while copying ids and removing a deleted entry.
func (r *Reaper) Sweep() int {
	deleted := 0
	for _, id := range r.registry.Rooms() {
		if r.registry.DeleteIfIdle(id, r.config.Grace) {
			deleted++
		}
	}
	if deleted > 0 {
		r.logger.Info("idle rooms reaped", slog.Int("deleted", deleted), slog.Int("live", r.registry.Len()))
	}
	return deleted
}
