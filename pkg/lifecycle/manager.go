// Package lifecycle ages stored data: records past their compression age
// are packed into compressed day chunks, and records past their retention
// age are deleted for good.
//
// Every operation runs on its own. A failing compression or deletion is
// logged and retried on the next pass without holding up the others, and
// never blocks ingestion or reads.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/hierarchy"
	"github.com/nicktill/tinyoee/pkg/ingest"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/rollup"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// Target is one family of series with its own policy.
type Target struct {
	// Name is the range-lock resource of the series family.
	Name   string
	Series storage.RangeOptions
	config.Policy
}

// OpenFloor reports the oldest instant still needed to derive the current
// state. Retention of facts never goes past it.
type OpenFloor func(ctx context.Context) (time.Time, bool, error)

// Report summarizes one lifecycle pass.
type Report struct {
	Compressed map[string]int `json:"compressed"`
	Deleted    map[string]int `json:"deleted"`
	Failed     []string       `json:"failed,omitempty"`
}

// Manager applies compression and retention policies.
type Manager struct {
	storage storage.Storage
	locks   *rollup.RangeLocks
	targets []Target
	guard   time.Duration
	floor   OpenFloor
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithOpenFloor bounds fact retention by the oldest open state event.
func WithOpenFloor(f OpenFloor) Option {
	return func(m *Manager) { m.floor = f }
}

// New creates a manager for the fact store and every rollup tier. The
// bucket policy of a tier also covers its KPI summaries, and its retention
// the tier's stale and pending-period markers.
func New(st storage.Storage, locks *rollup.RangeLocks, facts config.Policy, tiers []config.Tier, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		storage: st,
		locks:   locks,
		guard:   Guard(tiers),
		log:     log,
		now:     time.Now,
	}
	m.targets = append(m.targets, Target{
		Name:   rollup.FactsResource,
		Series: storage.RangeOptions{Namespace: ingest.NamespaceFacts},
		Policy: facts,
	})
	for _, t := range tiers {
		m.targets = append(m.targets,
			Target{
				Name:   rollup.NamespaceBuckets + "/" + t.Name,
				Series: storage.RangeOptions{Namespace: rollup.NamespaceBuckets, Sub: t.Name},
				Policy: t.Policy,
			},
			Target{
				Name:   hierarchy.NamespaceKPI + "/" + t.Name,
				Series: storage.RangeOptions{Namespace: hierarchy.NamespaceKPI, Sub: t.Name},
				Policy: t.Policy,
			},
			// Markers outlive their bucket only until the bucket's retention.
			Target{
				Name:   rollup.NamespaceStale + "/" + t.Name,
				Series: storage.RangeOptions{Namespace: rollup.NamespaceStale, Sub: t.Name},
				Policy: config.Policy{RetainFor: t.RetainFor},
			},
			Target{
				Name:   hierarchy.NamespacePending + "/" + t.Name,
				Series: storage.RangeOptions{Namespace: hierarchy.NamespacePending, Sub: t.Name},
				Policy: config.Policy{RetainFor: t.RetainFor},
			})
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Guard is the age below which no window may be touched.
func Guard(tiers []config.Tier) time.Duration { return config.RetentionGuard(tiers) }

// Targets returns the managed series families.
func (m *Manager) Targets() []Target { return m.targets }

// Run performs one pass. It returns the joined errors of the operations
// that failed; the others complete regardless.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	rep := Report{Compressed: make(map[string]int), Deleted: make(map[string]int)}
	var errs []error

	for _, t := range m.targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if t.CompressAfter > 0 {
			n, err := m.apply(ctx, t, "compress", m.cutoff(t.CompressAfter), m.storage.Compress)
			if err != nil {
				rep.Failed = append(rep.Failed, "compress "+t.Name)
				errs = append(errs, err)
			} else if n > 0 {
				rep.Compressed[t.Name] = n
			}
		}
		if t.RetainFor > 0 {
			cutoff, err := m.retentionCutoff(ctx, t)
			if err == nil {
				var n int
				n, err = m.apply(ctx, t, "delete", cutoff, m.storage.Delete)
				if err == nil && n > 0 {
					rep.Deleted[t.Name] = n
				}
			}
			if err != nil {
				rep.Failed = append(rep.Failed, "delete "+t.Name)
				errs = append(errs, err)
			}
		}
	}
	return rep, errors.Join(errs...)
}

func (m *Manager) apply(ctx context.Context, t Target, op string, cutoff time.Time,
	fn func(context.Context, storage.RangeOptions) (int, error)) (int, error) {
	release, err := m.locks.Acquire(ctx, rollup.ModeLifecycle, model.Interval{End: cutoff}, t.Name)
	if err != nil {
		return 0, fmt.Errorf("%s %s: lock: %w", op, t.Name, err)
	}
	defer release()

	opts := t.Series
	opts.Before = cutoff
	n, err := fn(ctx, opts)
	if err != nil {
		m.log.Error("lifecycle operation failed",
			slog.String("op", op),
			slog.String("target", t.Name),
			slog.Time("cutoff", cutoff),
			slog.String("err", err.Error()))
		return n, fmt.Errorf("%s %s: %w", op, t.Name, err)
	}
	if n > 0 {
		m.log.Info("lifecycle operation done",
			slog.String("op", op),
			slog.String("target", t.Name),
			slog.Time("cutoff", cutoff),
			slog.Int("records", n))
	}
	return n, nil
}

// cutoff is now-age, clamped so no window within the guard is touched.
func (m *Manager) cutoff(age time.Duration) time.Time {
	return config.Policy{RetainFor: age}.RetentionCutoff(m.now(), m.guard)
}

func (m *Manager) retentionCutoff(ctx context.Context, t Target) (time.Time, error) {
	cutoff := m.cutoff(t.RetainFor)
	if t.Name != rollup.FactsResource || m.floor == nil {
		return cutoff, nil
	}
	oldest, ok, err := m.floor(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("delete %s: open events: %w", t.Name, err)
	}
	if ok && oldest.Before(cutoff) {
		cutoff = oldest
	}
	return cutoff, nil
}
