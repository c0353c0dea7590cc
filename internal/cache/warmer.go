package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Warmer refreshes the rule cache on a cron schedule so the first request
// for a busy agent does not pay for a store round trip.
type Warmer struct {
	cache    *RuleCache
	schedule string
	agents   []string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewWarmer validates schedule and returns an idle warmer
func NewWarmer(cache *RuleCache, schedule string, agents []string, logger *zap.Logger) (*Warmer, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid warm schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		cache:    cache,
		schedule: schedule,
		agents:   agents,
		cron:     cron.New(),
		logger:   logger,
	}, nil
}

// Start warms once and then on every tick until ctx is cancelled
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.cron.AddFunc(w.schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule cache warming: %w", err)
	}

	w.RunOnce(ctx)
	w.cron.Start()
	w.running = true

	w.logger.Info("Rule cache warmer started",
		zap.String("schedule", w.schedule),
		zap.Int("agents", len(w.agents)))

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}

// RunOnce performs a single warm cycle
func (w *Warmer) RunOnce(ctx context.Context) {
	start := time.Now()
	if err := w.cache.Warm(ctx, w.agents); err != nil {
		w.logger.Error("Rule cache warming failed", zap.Error(err))
		return
	}
	w.logger.Debug("Rule cache warming completed", zap.Duration("duration", time.Since(start)))
}

// Stop stops the schedule and waits for a running cycle
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		<-w.cron.Stop().Done()
		w.running = false
		w.logger.Info("Rule cache warmer stopped")
	}
}

// NextRun returns the next scheduled warm time
func (w *Warmer) NextRun() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := w.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
