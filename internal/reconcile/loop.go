package reconcile

import (
	"context"
	"log/slog"
	"time"

	"arena/internal/job"
	"arena/internal/observability"
)

// LoopConfig holds the reconciliation cadence.
type LoopConfig struct {
	TickInterval    time.Duration // Sleep between passes, measured from pass completion (default 5s)
	CleanEveryTicks int           // Cleanup runs on every Nth pass (default 10)
}

// Loop runs the reconciliation components on a fixed cadence. The sleep
// starts after a pass completes, so slow passes never pile up behind each
// other.
type Loop struct {
	creator      *Creator
	synchronizer *Synchronizer
	cleaner      *Cleaner
	ledger       job.Ledger
	metrics      *observability.Metrics
	cfg          LoopConfig
}

// NewLoop assembles the reconciler loop.
func NewLoop(creator *Creator, synchronizer *Synchronizer, cleaner *Cleaner, ledger job.Ledger, metrics *observability.Metrics, cfg LoopConfig) *Loop {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	if cfg.CleanEveryTicks <= 0 {
		cfg.CleanEveryTicks = 10
	}
	return &Loop{
		creator:      creator,
		synchronizer: synchronizer,
		cleaner:      cleaner,
		ledger:       ledger,
		metrics:      metrics,
		cfg:          cfg,
	}
}

// Run reconciles until the context is cancelled. An in-flight pass finishes
// before Run returns; cancellation is only observed between passes and
// between components within a pass.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("Reconciler started",
		"tickInterval", l.cfg.TickInterval, "cleanEveryTicks", l.cfg.CleanEveryTicks)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			slog.Info("Reconciler stopped")
			return nil
		case <-timer.C:
		}

		l.runTick(ctx, tick)
		timer.Reset(l.cfg.TickInterval)
	}
}

// runTick executes one pass. A panic in any component is contained here: the
// pass is marked failed and the loop carries on.
func (l *Loop) runTick(ctx context.Context, tick int) {
	start := time.Now()
	success := true

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Reconciliation pass panicked", "tick", tick, "panic", r)
			success = false
		}
		if l.metrics != nil {
			l.metrics.RecordTick(ctx, time.Since(start).Seconds(), success)
		}
	}()

	if err := l.creator.Run(ctx); err != nil {
		slog.Warn("Creation pass failed", "tick", tick, "error", err)
		success = false
	}

	if err := l.synchronizer.Run(ctx); err != nil {
		slog.Warn("Synchronization pass failed", "tick", tick, "error", err)
		success = false
	}

	if tick%l.cfg.CleanEveryTicks == 0 {
		if err := l.cleaner.Run(ctx); err != nil {
			slog.Warn("Cleanup pass failed", "tick", tick, "error", err)
			success = false
		}
	}

	l.recordCounts(ctx)
}

func (l *Loop) recordCounts(ctx context.Context) {
	if l.metrics == nil {
		return
	}
	counts, err := l.ledger.CountByStatus(ctx)
	if err != nil {
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	l.metrics.RecordJobCounts(ctx, byStatus)
}
