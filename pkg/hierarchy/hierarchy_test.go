package hierarchy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/storage/memory"
)

var hour = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func plant() []model.Node {
	return []model.Node{
		{ID: "acme", Level: model.LevelEnterprise},
		{ID: "site-a", Level: model.LevelSite, ParentID: "acme"},
		{ID: "stamping", Level: model.LevelArea, ParentID: "site-a"},
		{ID: "wc-press", Level: model.LevelWorkCenter, ParentID: "stamping"},
		{ID: "wc-weld", Level: model.LevelWorkCenter, ParentID: "stamping"},
		{ID: "press-1", Level: model.LevelEquipment, ParentID: "wc-press"},
		{ID: "press-2", Level: model.LevelEquipment, ParentID: "wc-press"},
		{ID: "weld-1", Level: model.LevelEquipment, ParentID: "wc-weld"},
	}
}

type bucketKey struct {
	equipment string
	start     int64
}

// buckets is a canned bucket source.
type buckets struct {
	recs map[bucketKey]model.OEERecord
	err  error
}

func (b *buckets) Get(_ context.Context, equipmentID, tier string, start time.Time) (model.OEERecord, bool, error) {
	if b.err != nil {
		return model.OEERecord{}, false, b.err
	}
	rec, ok := b.recs[bucketKey{equipmentID, start.UnixNano()}]
	return rec, ok, nil
}

func (b *buckets) add(rec model.OEERecord) {
	if b.recs == nil {
		b.recs = make(map[bucketKey]model.OEERecord)
	}
	b.recs[bucketKey{rec.EquipmentID, rec.WindowStart.UnixNano()}] = rec
}

func record(eq string, operating, availability, performance, quality float64, total, defects int64) model.OEERecord {
	return model.OEERecord{
		EquipmentID:      eq,
		Tier:             "1h",
		WindowStart:      hour,
		WindowEnd:        hour.Add(time.Hour),
		PlannedMinutes:   60,
		OperatingMinutes: operating,
		Availability:     availability,
		Performance:      performance,
		Quality:          quality,
		OEE:              availability * performance * quality,
		TotalCount:       total,
		GoodCount:        total - defects,
		DefectCount:      defects,
	}
}

func newAggregator(t *testing.T, src BucketSource) (*Aggregator, *Summaries) {
	t.Helper()
	g, err := Build(plant())
	require.NoError(t, err)
	sums := NewSummaries(memory.New())
	return New(g, src, sums, slog.New(slog.NewTextHandler(io.Discard, nil)), []string{"1h"}), sums
}

func TestBuild_Order(t *testing.T) {
	g, err := Build(plant())
	require.NoError(t, err)

	pos := make(map[string]int)
	for i, id := range g.Order() {
		pos[id] = i
	}
	require.Len(t, pos, 8)
	for _, n := range plant() {
		if n.ParentID != "" {
			assert.Less(t, pos[n.ID], pos[n.ParentID], "%s before %s", n.ID, n.ParentID)
		}
	}

	assert.Equal(t, []string{"press-1", "press-2"}, g.Children("wc-press"))
	assert.Equal(t, []string{"wc-press", "stamping", "site-a", "acme"}, g.Ancestors("press-1"))
	assert.True(t, g.Leaf("weld-1"))
}

func TestBuild_Rejects(t *testing.T) {
	_, err := Build([]model.Node{
		{ID: "a", Level: model.LevelArea, ParentID: "b"},
		{ID: "b", Level: model.LevelSite, ParentID: "a"},
	})
	assert.ErrorContains(t, err, "cycle")

	_, err = Build([]model.Node{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name     string
		children []model.KPISummary
		wantOEE  float64
		wantAv   float64
	}{
		{
			name: "equal ratios keep the shared ratio",
			children: []model.KPISummary{
				{OperatingMinutes: 60, Availability: 0.8, OEE: 0.5},
				{OperatingMinutes: 15, Availability: 0.8, OEE: 0.5},
			},
			wantOEE: 0.5, wantAv: 0.8,
		},
		{
			name: "weighted by operating time",
			children: []model.KPISummary{
				{OperatingMinutes: 60, Availability: 1, OEE: 0.9},
				{OperatingMinutes: 20, Availability: 0.5, OEE: 0.1},
			},
			wantOEE: (0.9*60 + 0.1*20) / 80, wantAv: (60 + 0.5*20) / 80,
		},
		{
			name: "zero operating time carries no weight",
			children: []model.KPISummary{
				{OperatingMinutes: 60, Availability: 0.75, OEE: 0.6},
				{OperatingMinutes: 0, Availability: 0, OEE: 0},
			},
			wantOEE: 0.6, wantAv: 0.75,
		},
		{
			name:     "all idle reports zero",
			children: []model.KPISummary{{}, {}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Combine("wc", model.LevelWorkCenter, "1h", hour, tt.children)
			assert.InDelta(t, tt.wantOEE, s.OEE, 1e-12)
			assert.InDelta(t, tt.wantAv, s.Availability, 1e-12)
			assert.False(t, s.OEE != s.OEE, "NaN")
		})
	}
}

func TestAggregate_AllChildren(t *testing.T) {
	src := &buckets{}
	src.add(record("press-1", 60, 1, 0.9, 0.95, 1000, 50))
	src.add(record("press-2", 30, 0.5, 0.8, 1, 500, 0))
	src.add(record("weld-1", 0, 0, 0, 0, 0, 0))
	agg, sums := newAggregator(t, src)

	res, err := agg.Aggregate(context.Background(), "1h", hour)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Written)
	assert.Empty(t, res.Withheld)

	wc, ok, err := sums.Get(context.Background(), "wc-press", "1h", hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.LevelWorkCenter, wc.Level)
	assert.InDelta(t, 90.0, wc.OperatingMinutes, 1e-9)
	assert.InDelta(t, (1*60+0.5*30)/90.0, wc.Availability, 1e-12)
	assert.Equal(t, int64(1500), wc.ProductionCount)
	assert.Equal(t, int64(50), wc.ScrapCount)
	assert.InDelta(t, 50.0/1500, wc.ScrapRate, 1e-12)
	assert.Equal(t, hour.Add(time.Hour), wc.PeriodEnd)

	area, ok, err := sums.Get(context.Background(), "stamping", "1h", hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, wc.OEE, area.OEE, 1e-12, "the idle welder carries no weight")

	root, ok, err := sums.Get(context.Background(), "acme", "1h", hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1500), root.ProductionCount)
}

func TestAggregate_MissingChildWithholdsAncestors(t *testing.T) {
	src := &buckets{}
	src.add(record("press-1", 60, 1, 1, 1, 100, 0))
	src.add(record("weld-1", 60, 1, 1, 1, 100, 0))
	agg, sums := newAggregator(t, src)

	res, err := agg.Aggregate(context.Background(), "1h", hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"press-2", "wc-press", "stamping", "site-a", "acme"}, res.Withheld)
	assert.Equal(t, 3, res.Written)

	_, ok, err := sums.Get(context.Background(), "wc-press", "1h", hour)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = sums.Get(context.Background(), "wc-weld", "1h", hour)
	require.NoError(t, err)
	assert.True(t, ok, "siblings with complete children are written")
}

func TestAggregate_SourceError(t *testing.T) {
	boom := errors.New("disk gone")
	agg, _ := newAggregator(t, &buckets{err: boom})

	_, err := agg.Aggregate(context.Background(), "1h", hour)
	assert.ErrorIs(t, err, boom)
}

func TestFlush_PendingPeriods(t *testing.T) {
	src := &buckets{}
	agg, sums := newAggregator(t, src)

	p1 := record("press-1", 60, 1, 1, 1, 100, 0)
	agg.BucketFinalized(p1, true)
	agg.BucketFinalized(p1, false)
	other := p1
	other.Tier = "1m"
	agg.BucketFinalized(other, true)
	assert.Equal(t, 1, agg.Pending(), "unchanged buckets and other tiers are ignored")

	src.add(p1)
	res, err := agg.Flush(context.Background(), "1h")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Withheld)
	assert.Zero(t, agg.Pending())

	// The missing buckets arrive and trigger the period again.
	for _, eq := range []string{"press-2", "weld-1"} {
		rec := record(eq, 60, 1, 1, 1, 100, 0)
		src.add(rec)
		agg.BucketFinalized(rec, true)
	}
	res, err = agg.Flush(context.Background(), "1h")
	require.NoError(t, err)
	assert.Empty(t, res.Withheld)

	root, ok, err := sums.Get(context.Background(), "acme", "1h", hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 1.0, root.OEE, 1e-12)
}

func TestFlush_RequeuesOnError(t *testing.T) {
	src := &buckets{err: errors.New("disk gone")}
	agg, _ := newAggregator(t, src)
	agg.BucketFinalized(record("press-1", 60, 1, 1, 1, 100, 0), true)

	_, err := agg.Flush(context.Background(), "1h")
	require.Error(t, err)
	assert.Equal(t, 1, agg.Pending())
}

func TestPending_SurvivesRestart(t *testing.T) {
	g, err := Build(plant())
	require.NoError(t, err)
	st := memory.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &buckets{}
	for _, eq := range []string{"press-1", "press-2", "weld-1"} {
		src.add(record(eq, 60, 1, 1, 1, 100, 0))
	}

	first := New(g, src, NewSummaries(st), log, []string{"1h"})
	first.BucketFinalized(record("press-1", 60, 1, 1, 1, 100, 0), true)

	restarted := New(g, src, NewSummaries(st), log, []string{"1h"})
	require.NoError(t, restarted.Restore(context.Background()))
	assert.Equal(t, 1, restarted.Pending())

	var (
		mu      sync.Mutex
		written []string
	)
	restarted.OnWrite(func(s model.KPISummary) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, s.NodeID)
	})
	res, err := restarted.Flush(context.Background(), "1h")
	require.NoError(t, err)
	assert.Equal(t, 8, res.Written)
	assert.Len(t, written, 8, "every written summary is announced")

	again := New(g, src, NewSummaries(st), log, []string{"1h"})
	require.NoError(t, again.Restore(context.Background()))
	assert.Zero(t, again.Pending(), "flushed periods are cleared")
}

func TestAggregate_LogsMissingLeaves(t *testing.T) {
	g, err := Build(plant())
	require.NoError(t, err)
	src := &buckets{}
	src.add(record("press-1", 60, 1, 1, 1, 100, 0))
	src.add(record("weld-1", 60, 1, 1, 1, 100, 0))

	var buf bytes.Buffer
	agg := New(g, src, NewSummaries(memory.New()), slog.New(slog.NewJSONHandler(&buf, nil)), []string{"1h"})
	_, err = agg.Aggregate(context.Background(), "1h", hour)
	require.NoError(t, err)

	var line struct {
		Msg     string   `json:"msg"`
		Missing []string `json:"missing_buckets"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kpi summaries withheld", line.Msg)
	assert.Equal(t, []string{"press-2"}, line.Missing)
}
