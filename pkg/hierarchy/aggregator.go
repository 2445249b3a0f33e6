package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/oee"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// NamespacePending is the storage namespace of periods awaiting aggregation.
const NamespacePending = "kpi-pending"

// pendingID is the mark series id of pending periods; the tier is its sub.
const pendingID = "period"

// BucketSource reads finalized equipment buckets.
type BucketSource interface {
	Get(ctx context.Context, equipmentID, tier string, start time.Time) (model.OEERecord, bool, error)
}

// Result reports one aggregation run.
type Result struct {
	Written  int      `json:"written"`
	Withheld []string `json:"withheld,omitempty"`
}

// Aggregator computes KPI summaries for every node of the hierarchy.
// Pending periods are persisted until aggregated, so they survive restarts.
type Aggregator struct {
	graph   *Graph
	buckets BucketSource
	store   *Summaries
	pending *storage.Marks
	log     *slog.Logger
	tiers   map[string]bool

	mu    sync.Mutex
	dirty map[period]struct{}

	onWrite []func(model.KPISummary)
}

type period struct {
	tier  string
	start int64
}

// New creates an aggregator over the graph. Only buckets of the given tiers
// are rolled up.
func New(graph *Graph, buckets BucketSource, store *Summaries, log *slog.Logger, tiers []string) *Aggregator {
	a := &Aggregator{
		graph:   graph,
		buckets: buckets,
		store:   store,
		pending: storage.NewMarks(store.storage, NamespacePending),
		log:     log,
		tiers:   make(map[string]bool, len(tiers)),
		dirty:   make(map[period]struct{}),
	}
	for _, t := range tiers {
		a.tiers[t] = true
	}
	return a
}

// OnWrite registers a callback for every summary written. Callbacks run
// concurrently from node tasks. Register before the first Flush.
func (a *Aggregator) OnWrite(fn func(model.KPISummary)) {
	a.onWrite = append(a.onWrite, fn)
}

// Restore loads the periods left pending by a previous run.
func (a *Aggregator) Restore(ctx context.Context) error {
	for tier := range a.tiers {
		starts, err := a.pending.Pending(ctx, pendingID, tier)
		if err != nil {
			return err
		}
		a.mu.Lock()
		for _, st := range starts {
			a.dirty[period{tier, st.UnixNano()}] = struct{}{}
		}
		a.mu.Unlock()
		if len(starts) > 0 {
			a.log.Info("pending kpi periods restored", slog.String("tier", tier), slog.Int("count", len(starts)))
		}
	}
	return nil
}

// BucketFinalized marks the period of a changed bucket for aggregation. It
// is registered as a rollup finalize callback.
func (a *Aggregator) BucketFinalized(rec model.OEERecord, changed bool) {
	if !changed || !a.tiers[rec.Tier] {
		return
	}
	p := period{rec.Tier, rec.WindowStart.UnixNano()}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.dirty[p]; ok {
		return
	}
	a.dirty[p] = struct{}{}
	if err := a.pending.Set(context.Background(), pendingID, rec.Tier, rec.WindowStart); err != nil {
		a.log.Error("persist pending kpi period failed",
			slog.String("tier", rec.Tier),
			slog.Time("period_start", rec.WindowStart),
			slog.String("err", err.Error()))
	}
}

// Pending returns the number of periods awaiting aggregation.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirty)
}

// Flush aggregates every pending period of a tier, oldest first. A period
// that fails stays pending. A withheld period is picked up again once its
// missing bucket is finalized.
func (a *Aggregator) Flush(ctx context.Context, tier string) (Result, error) {
	a.mu.Lock()
	var starts []int64
	for p := range a.dirty {
		if p.tier == tier {
			starts = append(starts, p.start)
			delete(a.dirty, p)
		}
	}
	a.mu.Unlock()
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	var total Result
	for i, ns := range starts {
		res, err := a.Aggregate(ctx, tier, time.Unix(0, ns).UTC())
		total.Written += res.Written
		total.Withheld = append(total.Withheld, res.Withheld...)
		if err != nil {
			a.requeue(tier, starts[i:])
			return total, err
		}
		a.settle(ctx, tier, ns)
	}
	return total, nil
}

// settle clears the persisted mark of an aggregated period, unless a bucket
// of it changed again meanwhile. A withheld period is settled too; the
// finalization of its missing bucket marks it again.
func (a *Aggregator) settle(ctx context.Context, tier string, ns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, again := a.dirty[period{tier, ns}]; again {
		return
	}
	if err := a.pending.Clear(ctx, pendingID, tier, time.Unix(0, ns).UTC()); err != nil {
		a.log.Error("clear pending kpi period failed", slog.String("tier", tier), slog.String("err", err.Error()))
	}
}

func (a *Aggregator) requeue(tier string, starts []int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ns := range starts {
		a.dirty[period{tier, ns}] = struct{}{}
	}
}

// nodeTask is the completion signal and outcome of one node.
type nodeTask struct {
	done    chan struct{}
	summary model.KPISummary
	ok      bool
}

// Aggregate computes the summaries of one period bottom-up. Each node runs
// as its own task and waits for its children's tasks. A node with a missing
// child is withheld, and so are its ancestors.
func (a *Aggregator) Aggregate(ctx context.Context, tier string, start time.Time) (Result, error) {
	tasks := make(map[string]*nodeTask, len(a.graph.order))
	for _, id := range a.graph.order {
		tasks[id] = &nodeTask{done: make(chan struct{})}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range a.graph.order {
		task := tasks[id]
		g.Go(func() error {
			defer close(task.done)

			children := a.graph.Children(id)
			for _, c := range children {
				select {
				case <-tasks[c].done:
				case <-gctx.Done():
					return gctx.Err()
				}
			}

			var err error
			if len(children) == 0 {
				task.summary, task.ok, err = a.leaf(gctx, id, tier, start)
			} else {
				task.summary, task.ok = a.combine(id, tier, start, children, tasks)
			}
			if err != nil || !task.ok {
				return err
			}
			if err := a.store.Put(gctx, task.summary); err != nil {
				return err
			}
			for _, fn := range a.onWrite {
				fn(task.summary)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, fmt.Errorf("aggregate %s@%s: %w", tier, start.Format(time.RFC3339), err)
	}

	var res Result
	var missing []string
	for _, id := range a.graph.order {
		if tasks[id].ok {
			res.Written++
			continue
		}
		res.Withheld = append(res.Withheld, id)
		if n, _ := a.graph.Node(id); n.Level == model.LevelEquipment {
			missing = append(missing, id)
		}
	}
	if len(res.Withheld) > 0 {
		a.log.Info("kpi summaries withheld",
			slog.String("tier", tier),
			slog.Time("period_start", start),
			slog.Int("withheld", len(res.Withheld)),
			slog.Any("missing_buckets", missing))
	}
	return res, nil
}

// leaf turns the equipment bucket of the period into a summary.
func (a *Aggregator) leaf(ctx context.Context, id, tier string, start time.Time) (model.KPISummary, bool, error) {
	n, _ := a.graph.Node(id)
	if n.Level != model.LevelEquipment {
		return model.KPISummary{}, false, nil
	}
	rec, ok, err := a.buckets.Get(ctx, id, tier, start)
	if err != nil || !ok {
		return model.KPISummary{}, false, err
	}
	return FromRecord(rec), true, nil
}

func (a *Aggregator) combine(id, tier string, start time.Time, children []string, tasks map[string]*nodeTask) (model.KPISummary, bool) {
	parts := make([]model.KPISummary, 0, len(children))
	for _, c := range children {
		if !tasks[c].ok {
			return model.KPISummary{}, false
		}
		parts = append(parts, tasks[c].summary)
	}
	n, _ := a.graph.Node(id)
	return Combine(id, n.Level, tier, start, parts), true
}

// FromRecord is the summary of a single equipment bucket.
func FromRecord(rec model.OEERecord) model.KPISummary {
	s := model.KPISummary{
		NodeID:           rec.EquipmentID,
		Level:            model.LevelEquipment,
		Tier:             rec.Tier,
		PeriodStart:      rec.WindowStart,
		PeriodEnd:        rec.WindowEnd,
		OperatingMinutes: rec.OperatingMinutes,
		Availability:     rec.Availability,
		Performance:      rec.Performance,
		Quality:          rec.Quality,
		OEE:              rec.OEE,
		ProductionCount:  rec.TotalCount,
		ScrapCount:       rec.DefectCount,
	}
	if s.ProductionCount > 0 {
		s.ScrapRate = oee.Clamp01(float64(s.ScrapCount) / float64(s.ProductionCount))
	}
	return s
}

// Combine folds child summaries into their parent's. Ratios are averaged
// weighted by operating time; counts are summed. Zero total operating time
// yields zero ratios.
func Combine(id string, level model.Level, tier string, start time.Time, children []model.KPISummary) model.KPISummary {
	s := model.KPISummary{NodeID: id, Level: level, Tier: tier, PeriodStart: start}
	var avail, perf, qual, oeeSum float64
	for _, c := range children {
		w := c.OperatingMinutes
		s.OperatingMinutes += w
		avail += c.Availability * w
		perf += c.Performance * w
		qual += c.Quality * w
		oeeSum += c.OEE * w
		s.ProductionCount += c.ProductionCount
		s.ScrapCount += c.ScrapCount
		if c.PeriodEnd.After(s.PeriodEnd) {
			s.PeriodEnd = c.PeriodEnd
		}
	}
	if s.OperatingMinutes > 0 {
		s.Availability = oee.Clamp01(avail / s.OperatingMinutes)
		s.Performance = oee.Clamp01(perf / s.OperatingMinutes)
		s.Quality = oee.Clamp01(qual / s.OperatingMinutes)
		s.OEE = oee.Clamp01(oeeSum / s.OperatingMinutes)
	}
	if s.ProductionCount > 0 {
		s.ScrapRate = oee.Clamp01(float64(s.ScrapCount) / float64(s.ProductionCount))
	}
	return s
}
