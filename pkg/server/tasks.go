package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/server/monitor"
	"github.com/nicktill/tinyoee/pkg/storage/badger"
)

// job is one scheduled background task.
type job struct {
	name     string
	interval time.Duration

	// retries within one tick, with exponential backoff
	retries int
	run     func(ctx context.Context) error
}

// jobList returns every scheduled job: one refresh job per tier (which also
// flushes KPI summaries for KPI tiers), the lifecycle pass, shift expansion
// and, on badger, value-log GC.
func (a *App) jobList() []job {
	var jobs []job
	for _, name := range a.engine.Tiers() {
		t, _ := a.cfg.Tier(name)
		jobs = append(jobs, job{
			name:     "refresh/" + name,
			interval: t.Interval,
			run:      func(ctx context.Context) error { return a.refresh(ctx, name) },
		})
	}
	jobs = append(jobs,
		job{
			name:     "lifecycle",
			interval: a.cfg.Lifecycle.Interval,
			retries:  config.JobMaxRetries,
			run:      a.runLifecycle,
		},
		job{
			name:     "shifts",
			interval: config.ShiftExpandInterval,
			retries:  1,
			run:      a.expandShifts,
		},
	)
	if st, ok := a.storage.(*badger.Storage); ok {
		jobs = append(jobs, job{
			name:     "badger-gc",
			interval: a.cfg.Storage.GCInterval,
			run: func(context.Context) error {
				// ErrNoRewrite only means there was nothing to reclaim
				if err := st.RunGC(0.5); err != nil {
					a.log.Debug("badger gc found nothing to reclaim", slog.String("err", err.Error()))
				}
				return nil
			},
		})
	}
	return jobs
}

// Start launches the WebSocket hub and every scheduled job. Each job runs
// once immediately, then on its interval until ctx is cancelled.
func (a *App) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.hub.Run(ctx)
	}()

	for _, j := range a.jobList() {
		if j.interval <= 0 {
			j.interval = time.Minute
		}
		mon := a.monitors.Add(j.name, j.interval)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.schedule(ctx, j, mon)
		}()
	}
	a.log.Info("background jobs started")
}

func (a *App) schedule(ctx context.Context, j job, mon *monitor.JobMonitor) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	a.runWithRetry(ctx, j, mon)
	for {
		select {
		case <-ticker.C:
			a.runWithRetry(ctx, j, mon)
		case <-ctx.Done():
			a.log.Debug("stopping job", slog.String("job", j.name))
			return
		}
	}
}

// runWithRetry runs a job, retrying failures with exponential backoff
// (backoff, 2*backoff, 4*backoff...). A job that still fails waits for its
// next tick.
func (a *App) runWithRetry(ctx context.Context, j job, mon *monitor.JobMonitor) {
	for attempt := 0; attempt <= j.retries; attempt++ {
		if attempt > 0 {
			delay := a.backoff * time.Duration(1<<(attempt-1))
			a.log.Info("retrying job",
				slog.String("job", j.name),
				slog.Duration("delay", delay),
				slog.Int("attempt", attempt+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		if err := a.runOnce(ctx, j, mon); err == nil || ctx.Err() != nil {
			return
		}
	}
	if j.retries > 0 {
		a.log.Warn("job failed after retries, will retry on next schedule",
			slog.String("job", j.name),
			slog.Int("attempts", j.retries+1))
	}
}

// runOnce runs a job bounded by the job timeout. A run exceeding it is
// abandoned and reported as failed.
func (a *App) runOnce(ctx context.Context, j job, mon *monitor.JobMonitor) error {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := j.run(runCtx)
	took := time.Since(start)
	a.metrics.JobRun(j.name, took, err)

	if err == nil {
		mon.RecordSuccess(took)
		return nil
	}

	mon.RecordFailure(err)
	switch {
	case ctx.Err() != nil:
		// shutting down
	case errors.Is(err, context.DeadlineExceeded):
		a.log.Warn("job abandoned after timeout",
			slog.String("job", j.name),
			slog.Duration("timeout", a.cfg.JobTimeout))
	default:
		a.log.Error("job failed", slog.String("job", j.name), slog.String("err", err.Error()))
	}
	if n := mon.ConsecutiveErrors(); n > config.JobMaxRetries {
		a.log.Error("job keeps failing", slog.String("job", j.name), slog.Int("consecutive_errors", n))
	}
	return err
}

// refresh runs one pass of a tier, then aggregates the KPI periods its
// changed buckets touched.
func (a *App) refresh(ctx context.Context, tier string) error {
	stats, err := a.engine.Refresh(ctx, tier)
	a.metrics.RefreshPass(tier, stats.Computed, stats.Changed, stats.Deferred, stats.Failed)
	if err != nil {
		return err
	}

	if slices.Contains(a.cfg.KPI.Tiers, tier) {
		res, err := a.agg.Flush(ctx, tier)
		a.metrics.KPIFlush(tier, res.Written, len(res.Withheld))
		if err != nil {
			return fmt.Errorf("kpi %s: %w", tier, err)
		}
	}

	if stats.Failed > 0 {
		return fmt.Errorf("%d %s buckets failed and stay stale", stats.Failed, tier)
	}
	return nil
}

func (a *App) runLifecycle(ctx context.Context) error {
	rep, err := a.lifecycle.Run(ctx)
	a.metrics.Lifecycle(rep.Compressed, rep.Deleted)
	return err
}

func (a *App) expandShifts(context.Context) error {
	now := a.now()
	n, err := a.registry.Expand(now, now.Add(a.cfg.ShiftHorizon))
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Info("shift instances expanded", slog.Int("count", n))
	}
	return nil
}
