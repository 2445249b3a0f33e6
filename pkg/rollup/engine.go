package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/oee"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// FactsResource is the range-lock name of the raw fact series.
const FactsResource = "fact"

// NamespaceStale is the storage namespace of persisted stale markers.
const NamespaceStale = "stale"

// FactSource is the read side of the fact store.
type FactSource interface {
	QueryAll(ctx context.Context, equipmentID string, from, to time.Time) ([]model.StoredFact, error)
	First(ctx context.Context, equipmentID string) (time.Time, bool, error)
}

// FinalizeFunc is called after a bucket has been written.
type FinalizeFunc func(rec model.OEERecord, changed bool)

// PassStats summarizes one refresh pass.
type PassStats struct {
	Computed int64 `json:"computed"`
	Changed  int64 `json:"changed"`
	Deferred int64 `json:"deferred"`
	Failed   int64 `json:"failed"`
}

type passCounters struct {
	computed, changed, deferred, failed atomic.Int64
}

func (c *passCounters) stats() PassStats {
	return PassStats{
		Computed: c.computed.Load(),
		Changed:  c.changed.Load(),
		Deferred: c.deferred.Load(),
		Failed:   c.failed.Load(),
	}
}

// seriesKey identifies the bucket series of one equipment and tier.
type seriesKey struct {
	equipment string
	tier      string
}

// windowKey identifies one bucket. Starts are kept as Unix nanoseconds so
// equal instants in different locations map to the same key.
type windowKey struct {
	seriesKey
	start int64
}

// Engine maintains the tier ladder of OEE buckets for every equipment.
//
// Each (equipment, tier) has a watermark: every bucket ending at or before
// it has been computed at least once. Buckets past the watermark are
// computed in order once the clock passes their end plus the tier lag.
// Buckets behind the watermark are recomputed when marked stale, either by a
// fact landing in them or by a changed child bucket. Stale markers are
// persisted until the recompute succeeds, so they survive restarts.
type Engine struct {
	tiers   []*Tier
	byName  map[string]*Tier
	reg     registry.Registry
	facts   FactSource
	buckets *Buckets
	marks   *storage.Marks
	calc    *oee.Calculator
	locks   *RangeLocks
	log     *slog.Logger
	now     func() time.Time

	workers    int
	maxWindows int
	guard      time.Duration

	mu        sync.Mutex
	watermark map[seriesKey]time.Time
	stale     map[seriesKey]map[int64]struct{}
	inflight  map[windowKey]struct{}

	finMu      sync.RWMutex
	onFinalize []FinalizeFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithWorkers bounds how many equipment refresh concurrently in one pass.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxWindows bounds how many new buckets one pass computes per
// equipment, so catching up after downtime is spread over several passes.
func WithMaxWindows(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxWindows = n
		}
	}
}

// WithRangeLocks shares a lock table with other components.
func WithRangeLocks(l *RangeLocks) Option {
	return func(e *Engine) { e.locks = l }
}

// New creates a rollup engine over the configured tiers.
func New(tiers []config.Tier, reg registry.Registry, facts FactSource, buckets *Buckets, calc *oee.Calculator, log *slog.Logger, opts ...Option) (*Engine, error) {
	ordered, err := orderTiers(tiers)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		tiers:      ordered,
		byName:     make(map[string]*Tier, len(ordered)),
		reg:        reg,
		facts:      facts,
		buckets:    buckets,
		marks:      storage.NewMarks(buckets.storage, NamespaceStale),
		calc:       calc,
		locks:      NewRangeLocks(),
		log:        log,
		now:        time.Now,
		workers:    8,
		maxWindows: 2000,
		guard:      config.RetentionGuard(tiers),
		watermark:  make(map[seriesKey]time.Time),
		stale:      make(map[seriesKey]map[int64]struct{}),
		inflight:   make(map[windowKey]struct{}),
	}
	for _, t := range ordered {
		e.byName[t.Name] = t
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Locks returns the range lock table shared with the lifecycle manager.
func (e *Engine) Locks() *RangeLocks { return e.locks }

// Tiers returns the tier names, every tier after its source.
func (e *Engine) Tiers() []string {
	names := make([]string, len(e.tiers))
	for i, t := range e.tiers {
		names[i] = t.Name
	}
	return names
}

// Tier looks up a tier by name.
func (e *Engine) Tier(name string) (Tier, bool) {
	t, ok := e.byName[name]
	if !ok {
		return Tier{}, false
	}
	return *t, true
}

// OnFinalize registers a callback for written buckets.
func (e *Engine) OnFinalize(fn FinalizeFunc) {
	e.finMu.Lock()
	defer e.finMu.Unlock()
	e.onFinalize = append(e.onFinalize, fn)
}

// Watermark returns the end of the computed prefix of an equipment's tier.
func (e *Engine) Watermark(equipmentID, tier string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wm, ok := e.watermark[seriesKey{equipmentID, tier}]
	return wm, ok
}

// Stale returns the starts of the buckets awaiting recomputation, in order.
func (e *Engine) Stale(equipmentID, tier string) []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedStarts(e.stale[seriesKey{equipmentID, tier}])
}

// IsStale reports whether a computed bucket awaits recomputation.
func (e *Engine) IsStale(equipmentID, tier string, start time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.stale[seriesKey{equipmentID, tier}][start.UnixNano()]
	return ok
}

// Restore loads the watermarks and persisted stale markers of every
// equipment and tier. It runs before facts are accepted, so a fact arriving
// after a restart finds the computed buckets it invalidates.
func (e *Engine) Restore(ctx context.Context) error {
	var errs []error
	for _, t := range e.tiers {
		for _, eq := range e.reg.AllEquipment() {
			if err := e.seed(ctx, t, eq); err != nil {
				errs = append(errs, fmt.Errorf("restore %s/%s: %w", eq.ID, t.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// RefreshAll runs one pass over every tier, finer tiers first.
func (e *Engine) RefreshAll(ctx context.Context) (PassStats, error) {
	var total PassStats
	for _, t := range e.tiers {
		s, err := e.Refresh(ctx, t.Name)
		total.Computed += s.Computed
		total.Changed += s.Changed
		total.Deferred += s.Deferred
		total.Failed += s.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Refresh runs one pass of a tier over every equipment. Equipment are
// refreshed concurrently; a failing bucket only affects its own window.
func (e *Engine) Refresh(ctx context.Context, tierName string) (PassStats, error) {
	t, ok := e.byName[tierName]
	if !ok {
		return PassStats{}, fmt.Errorf("unknown tier %q", tierName)
	}

	var counters passCounters
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, eq := range e.reg.AllEquipment() {
		g.Go(func() error {
			e.refreshEquipment(gctx, t, eq, &counters)
			return nil
		})
	}
	_ = g.Wait()

	stats := counters.stats()
	if stats.Computed > 0 || stats.Failed > 0 {
		e.log.Debug("refresh pass finished",
			slog.String("tier", t.Name),
			slog.Int64("computed", stats.Computed),
			slog.Int64("changed", stats.Changed),
			slog.Int64("deferred", stats.Deferred),
			slog.Int64("failed", stats.Failed))
	}
	return stats, ctx.Err()
}

func (e *Engine) refreshEquipment(ctx context.Context, t *Tier, eq model.Equipment, c *passCounters) {
	k := seriesKey{eq.ID, t.Name}
	if err := e.seed(ctx, t, eq); err != nil {
		c.failed.Add(1)
		e.log.Error("seed watermark failed",
			slog.String("equipment_id", eq.ID),
			slog.String("tier", t.Name),
			slog.String("err", err.Error()))
		return
	}

	for _, start := range e.Stale(eq.ID, t.Name) {
		if ctx.Err() != nil {
			return
		}
		span, ok := e.window(t, eq, start)
		if !ok {
			e.takeStale(k, start)
			e.settle(k, start)
			continue
		}
		e.process(ctx, t, eq, span, false, c)
	}

	now := e.now()
	for i := 0; i < e.maxWindows && ctx.Err() == nil; i++ {
		span, ok := e.next(t, eq)
		if !ok || now.Before(span.End.Add(t.Lag)) {
			return
		}
		if !e.process(ctx, t, eq, span, true, c) {
			return
		}
	}
}

// process computes one bucket. It returns false when the bucket was not
// written: already in flight, deferred, or failed.
func (e *Engine) process(ctx context.Context, t *Tier, eq model.Equipment, span model.Interval, frontier bool, c *passCounters) bool {
	k := seriesKey{eq.ID, t.Name}
	wk := windowKey{k, span.Start.UnixNano()}
	if !e.begin(wk) {
		return false
	}
	defer e.end(wk)

	if t.Folds() && !e.childrenReady(t, eq.ID, span) {
		c.deferred.Add(1)
		return false
	}

	wasStale := e.takeStale(k, span.Start)
	rec, changed, err := e.compute(ctx, t, eq, span)
	if err != nil {
		if wasStale {
			e.markStale(k, span)
		}
		c.failed.Add(1)
		failure := &model.RecomputeFailure{EquipmentID: eq.ID, Tier: t.Name, WindowStart: span.Start, Err: err}
		e.log.Error("bucket refresh failed",
			slog.String("equipment_id", eq.ID),
			slog.String("tier", t.Name),
			slog.Time("window_start", span.Start),
			slog.String("err", failure.Error()))
		return false
	}

	if frontier {
		e.advance(k, span)
	}
	if wasStale {
		e.settle(k, span.Start)
	}
	c.computed.Add(1)
	if changed {
		c.changed.Add(1)
		e.cascade(t, eq.ID, span.Start)
	}

	e.finMu.RLock()
	for _, fn := range e.onFinalize {
		fn(rec, changed)
	}
	e.finMu.RUnlock()
	return true
}

// compute derives and stores one bucket under the range locks of what it
// reads and writes.
func (e *Engine) compute(ctx context.Context, t *Tier, eq model.Equipment, span model.Interval) (model.OEERecord, bool, error) {
	source := FactsResource
	if t.Folds() {
		source = NamespaceBuckets + "/" + t.Source
	}
	release, err := e.locks.Acquire(ctx, ModeRefresh, span, source, t.Resource())
	if err != nil {
		return model.OEERecord{}, false, err
	}
	defer release()

	var rec model.OEERecord
	switch {
	case t.Folds():
		children, err := e.buckets.Range(ctx, eq.ID, t.Source, span.Start, span.End)
		if err != nil {
			return model.OEERecord{}, false, err
		}
		rec = oee.Fold(eq, span.Start, span.End, children)

	case t.ShiftTier():
		si, ok := e.reg.ShiftAt(eq.WorkCenterID, span.Start)
		if !ok || !si.Start.Equal(span.Start) {
			return model.OEERecord{}, false, fmt.Errorf("shift starting %s no longer configured", span.Start.Format(time.RFC3339))
		}
		facts, err := e.facts.QueryAll(ctx, eq.ID, span.Start, span.End)
		if err != nil {
			return model.OEERecord{}, false, err
		}
		w := oee.ShiftWindow(si).WithCalendar(span.Duration().Minutes())
		rec = e.calc.Calculate(eq, w, model.Facts(facts))

	default:
		facts, err := e.facts.QueryAll(ctx, eq.ID, span.Start, span.End)
		if err != nil {
			return model.OEERecord{}, false, err
		}
		w := oee.RangeWindow(span.Start, span.End)
		if t.ShiftAware {
			w = oee.ShiftAwareWindow(span.Start, span.End, e.reg.Shifts(eq.WorkCenterID, span.Start, span.End))
		}
		rec = e.calc.Calculate(eq, w.WithCalendar(span.Duration().Minutes()), model.Facts(facts))
	}

	rec.Tier = t.Name
	changed, err := e.buckets.Put(ctx, rec)
	if err != nil {
		return model.OEERecord{}, false, err
	}
	return rec, changed, nil
}

// seed initializes the watermark of an equipment's tier from the newest
// stored bucket, or from the earliest input when nothing is stored yet.
func (e *Engine) seed(ctx context.Context, t *Tier, eq model.Equipment) error {
	k := seriesKey{eq.ID, t.Name}
	e.mu.Lock()
	_, ok := e.watermark[k]
	e.mu.Unlock()
	if ok {
		return nil
	}

	var wm time.Time
	last, found, err := e.buckets.Last(ctx, eq.ID, t.Name)
	if err != nil {
		return err
	}
	switch {
	case found:
		wm = last.WindowEnd
	case t.Folds():
		first, found, err := e.buckets.First(ctx, eq.ID, t.Source)
		if err != nil || !found {
			return err
		}
		wm = t.Align(first.WindowStart)
	default:
		first, found, err := e.facts.First(ctx, eq.ID)
		if err != nil || !found {
			return err
		}
		if t.ShiftTier() {
			wm = first
			if si, ok := e.reg.ShiftAt(eq.WorkCenterID, first); ok {
				wm = si.Start
			}
		} else {
			wm = t.Align(first)
		}
	}

	pending, err := e.marks.Pending(ctx, eq.ID, t.Name)
	if err != nil {
		return err
	}

	var dropped []time.Time
	e.mu.Lock()
	if _, ok := e.watermark[k]; !ok {
		e.watermark[k] = wm.UTC()
		for _, start := range pending {
			span, ok := e.window(t, eq, start)
			if !ok || span.End.After(wm) {
				// past the watermark the regular pass computes it anyway
				dropped = append(dropped, start)
				continue
			}
			e.addStale(k, start)
		}
	}
	e.mu.Unlock()

	if len(pending) > len(dropped) {
		e.log.Info("stale buckets restored",
			slog.String("equipment_id", eq.ID),
			slog.String("tier", t.Name),
			slog.Int("count", len(pending)-len(dropped)))
	}
	return e.marks.Clear(ctx, eq.ID, t.Name, dropped...)
}

// next returns the first bucket past the watermark.
func (e *Engine) next(t *Tier, eq model.Equipment) (model.Interval, bool) {
	wm, ok := e.Watermark(eq.ID, t.Name)
	if !ok {
		return model.Interval{}, false
	}
	if !t.ShiftTier() {
		return t.Span(wm), true
	}
	shifts := e.reg.Shifts(eq.WorkCenterID, wm, e.now())
	for _, si := range shifts {
		if !si.Start.Before(wm) {
			return model.Interval{Start: si.Start, End: si.End}, true
		}
	}
	return model.Interval{}, false
}

// window resolves the bucket of a tier starting at start.
func (e *Engine) window(t *Tier, eq model.Equipment, start time.Time) (model.Interval, bool) {
	if !t.ShiftTier() {
		return t.Span(start), true
	}
	si, ok := e.reg.ShiftAt(eq.WorkCenterID, start)
	if !ok || !si.Start.Equal(start) {
		return model.Interval{}, false
	}
	return model.Interval{Start: si.Start, End: si.End}, true
}

// childrenReady reports whether every source bucket inside span has been
// computed and none awaits recomputation.
func (e *Engine) childrenReady(t *Tier, equipmentID string, span model.Interval) bool {
	src := seriesKey{equipmentID, t.Source}
	e.mu.Lock()
	defer e.mu.Unlock()

	wm, ok := e.watermark[src]
	if !ok || wm.Before(span.End) {
		return false
	}
	for start := range e.stale[src] {
		ts := time.Unix(0, start)
		if !ts.Before(span.Start) && ts.Before(span.End) {
			return false
		}
	}
	return true
}

// cascade marks the parent buckets containing a changed bucket stale.
func (e *Engine) cascade(t *Tier, equipmentID string, start time.Time) {
	for _, name := range t.parents {
		parent := e.byName[name]
		ps := parent.Align(start)
		e.markStale(seriesKey{equipmentID, parent.Name}, parent.Span(ps))
	}
}

// FactAppended marks the computed buckets a new fact falls into as stale,
// at every tier. Coarse buckets wait for their children before recomputing.
// It is registered as a fact store observer.
func (e *Engine) FactAppended(sf model.StoredFact) {
	eq, ok := e.reg.Equipment(sf.Fact.Equipment())
	if !ok {
		return
	}

	span := model.Interval{Start: sf.Fact.EventTime(), End: sf.Fact.EventTime().Add(time.Nanosecond)}
	if ev, isState := sf.Fact.(*model.StateEvent); isState {
		// A state event also moves the derived end of the event before it,
		// so every window from its start up to the present may change.
		span.End = e.now()
		if ev.End != nil && ev.End.After(span.End) {
			span.End = *ev.End
		}
	}
	if !span.End.After(span.Start) {
		return
	}

	for _, t := range e.tiers {
		k := seriesKey{eq.ID, t.Name}
		if t.ShiftTier() {
			for _, si := range e.reg.Shifts(eq.WorkCenterID, span.Start, span.End) {
				e.markStale(k, model.Interval{Start: si.Start, End: si.End})
			}
			continue
		}
		for s := t.Align(span.Start); s.Before(span.End); s = s.Add(t.Duration) {
			if !e.retained(t, t.Span(s)) {
				continue
			}
			if !e.markStale(k, t.Span(s)) {
				break
			}
		}
	}
}

// markStale records a computed or in-flight bucket for recomputation and
// persists the marker. It returns false when the bucket lies past the
// watermark, where the regular pass will compute it anyway, or when its
// inputs may already be deleted by retention.
func (e *Engine) markStale(k seriesKey, span model.Interval) bool {
	if t := e.byName[k.tier]; t == nil || !e.retained(t, span) {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wm, ok := e.watermark[k]
	if !ok || span.End.After(wm) {
		if _, busy := e.inflight[windowKey{k, span.Start.UnixNano()}]; !busy {
			return false
		}
	}
	if !e.addStale(k, span.Start) {
		return true
	}
	// Written under e.mu so a concurrent settle cannot overwrite it.
	if err := e.marks.Set(context.Background(), k.equipment, k.tier, span.Start); err != nil {
		e.log.Error("persist stale marker failed",
			slog.String("equipment_id", k.equipment),
			slog.String("tier", k.tier),
			slog.Time("window_start", span.Start),
			slog.String("err", err.Error()))
	}
	return true
}

// retained reports whether a bucket and everything it is derived from are
// still inside their retention. A bucket folded from children retention may
// have deleted is never reopened: refolding it would overwrite the retained
// value with a partial one.
func (e *Engine) retained(t *Tier, span model.Interval) bool {
	now := e.now()
	if cut := t.RetentionCutoff(now, e.guard); span.Start.Before(cut) {
		return false
	}
	if !t.Folds() {
		return true
	}
	src := e.byName[t.Source]
	return !span.Start.Before(src.RetentionCutoff(now, e.guard))
}

// addStale adds a start to the in-memory stale set and reports whether it
// was new. Caller holds e.mu.
func (e *Engine) addStale(k seriesKey, start time.Time) bool {
	set := e.stale[k]
	if set == nil {
		set = make(map[int64]struct{})
		e.stale[k] = set
	}
	if _, ok := set[start.UnixNano()]; ok {
		return false
	}
	set[start.UnixNano()] = struct{}{}
	return true
}

// settle clears the persisted marker of a recomputed bucket, unless the
// bucket was marked stale again meanwhile.
func (e *Engine) settle(k seriesKey, start time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, again := e.stale[k][start.UnixNano()]; again {
		return
	}
	if err := e.marks.Clear(context.Background(), k.equipment, k.tier, start); err != nil {
		e.log.Error("clear stale marker failed",
			slog.String("equipment_id", k.equipment),
			slog.String("tier", k.tier),
			slog.Time("window_start", start),
			slog.String("err", err.Error()))
	}
}

func (e *Engine) takeStale(k seriesKey, start time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.stale[k]
	if _, ok := set[start.UnixNano()]; !ok {
		return false
	}
	delete(set, start.UnixNano())
	return true
}

func (e *Engine) advance(k seriesKey, span model.Interval) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wm := e.watermark[k]; !span.Start.Before(wm) && span.End.After(wm) {
		e.watermark[k] = span.End.UTC()
	}
}

// begin claims a bucket. A bucket already being computed is not computed
// twice; the caller skips it.
func (e *Engine) begin(wk windowKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[wk]; busy {
		return false
	}
	e.inflight[wk] = struct{}{}
	return true
}

func (e *Engine) end(wk windowKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, wk)
}

func sortedStarts(set map[int64]struct{}) []time.Time {
	out := make([]time.Time, 0, len(set))
	for ns := range set {
		out = append(out, time.Unix(0, ns).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

