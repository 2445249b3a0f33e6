package query

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/hierarchy"
	"github.com/nicktill/tinyoee/pkg/ingest"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/oee"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/reliability"
	"github.com/nicktill/tinyoee/pkg/rollup"
	"github.com/nicktill/tinyoee/pkg/storage/memory"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func ptr(t time.Time) *time.Time { return &t }

type fixture struct {
	svc    *Service
	engine *rollup.Engine
	agg    *hierarchy.Aggregator
	router *mux.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := at(16, 0)
	clock := func() time.Time { return now }

	reg, err := registry.New(registry.File{
		Nodes: []model.Node{
			{ID: "acme", Level: model.LevelEnterprise},
			{ID: "plant-1", Level: model.LevelSite, ParentID: "acme"},
			{ID: "stamping", Level: model.LevelArea, ParentID: "plant-1"},
			{ID: "wc-press", Level: model.LevelWorkCenter, ParentID: "stamping"},
		},
		Equipment: []model.Equipment{{ID: "press-1", WorkCenterID: "wc-press", IdealCycleSeconds: 30}},
		Shifts: []model.ShiftInstance{
			{ID: "day", Name: "day", Start: at(6, 0), End: at(14, 0)},
		},
	})
	require.NoError(t, err)

	st := memory.New()
	store, err := ingest.NewStore(ctx, st, reg, log, ingest.WithClock(clock))
	require.NoError(t, err)

	tiers := []config.Tier{
		{Name: "1h", Duration: time.Hour, Source: config.SourceFacts, Lag: 15 * time.Minute},
		{Name: "shift", Source: config.SourceShifts, Lag: 30 * time.Minute},
	}
	calc := oee.New(oee.Config{})
	buckets := rollup.NewBuckets(st)
	engine, err := rollup.New(tiers, reg, store, buckets, calc, log, rollup.WithClock(clock))
	require.NoError(t, err)
	store.Subscribe(engine.FactAppended)

	graph, err := hierarchy.Build(reg.Nodes())
	require.NoError(t, err)
	summaries := hierarchy.NewSummaries(st)
	agg := hierarchy.New(graph, buckets, summaries, log, []string{"1h"})
	engine.OnFinalize(agg.BucketFinalized)

	for _, f := range []model.Fact{
		&model.StateEvent{EquipmentID: "press-1", State: model.StateProducing, Start: at(6, 0)},
		&model.StateEvent{EquipmentID: "press-1", State: model.StateDown, Reason: "breakdown", Start: at(8, 0), End: ptr(at(8, 40))},
		&model.StateEvent{EquipmentID: "press-1", State: model.StateDown, Reason: "setup", Start: at(8, 40), End: ptr(at(9, 0))},
		&model.StateEvent{EquipmentID: "press-1", State: model.StateProducing, Start: at(9, 0)},
		&model.ProductionCount{EquipmentID: "press-1", Timestamp: at(13, 0), Total: 700, Good: 680, Reject: 20},
	} {
		_, err := store.Append(ctx, f)
		require.NoError(t, err)
	}

	_, err = engine.RefreshAll(ctx)
	require.NoError(t, err)
	_, err = agg.Flush(ctx, "1h")
	require.NoError(t, err)

	analyzer := reliability.New(store, calc, []string{"breakdown"}, reliability.WithClock(clock))
	svc := NewService(reg, engine, buckets, analyzer, summaries, graph, store)

	router := mux.NewRouter()
	NewHandler(svc).Register(router)
	return &fixture{svc: svc, engine: engine, agg: agg, router: router}
}

func TestGetOEE(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.svc.GetOEE(ctx, "press-1", "shift", at(6, 0))
	require.NoError(t, err)
	assert.InDelta(t, 480.0, rec.PlannedMinutes, 1e-9)
	assert.InDelta(t, 60.0, rec.DowntimeMinutes, 1e-9)
	assert.InDelta(t, 0.875, rec.Availability, 1e-9)
	assert.InDelta(t, 350.0/420.0, rec.Performance, 1e-9)
	assert.InDelta(t, 680.0/700.0, rec.Quality, 1e-9)
	assert.InDelta(t, 0.708, rec.OEE, 0.001)

	_, err = f.svc.GetOEE(ctx, "press-1", "1h", at(16, 0))
	assert.True(t, model.IsNotYetAvailable(err), "bucket still inside its lag")

	_, err = f.svc.GetOEE(ctx, "press-1", "1h", at(6, 30))
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.GetOEE(ctx, "press-1", "2h", at(6, 0))
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.GetOEE(ctx, "press-9", "1h", at(6, 0))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetOEERange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recs, err := f.svc.GetOEERange(ctx, "press-1", "1h", at(6, 0), at(10, 0))
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.InDelta(t, 0.0, recs[2].Availability, 1e-9, "down 08:00-09:00")

	_, err = f.svc.GetOEERange(ctx, "press-1", "1h", at(6, 0), at(17, 0))
	assert.True(t, model.IsNotYetAvailable(err))
}

func TestPeriodReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	shift := model.Interval{Start: at(6, 0), End: at(14, 0)}

	causes, err := f.svc.GetDowntimeCauses(ctx, "press-1", shift)
	require.NoError(t, err)
	require.Len(t, causes.Causes, 2)
	assert.Equal(t, "breakdown", causes.Causes[0].Cause)
	assert.InDelta(t, 66.7, causes.Causes[0].Percentage, 0.05)
	assert.InDelta(t, 33.3, causes.Causes[1].Percentage, 0.05)

	rel, err := f.svc.GetReliability(ctx, "press-1", shift)
	require.NoError(t, err)
	assert.Equal(t, 1, rel.FailureCount)
	assert.InDelta(t, 7.0, rel.RuntimeHours, 1e-9)
	require.NotNil(t, rel.MTTRHours)
	assert.InDelta(t, 40.0/60, *rel.MTTRHours, 1e-9)

	q, err := f.svc.GetQualityMetrics(ctx, "press-1", shift)
	require.NoError(t, err)
	assert.Equal(t, int64(700), q.TotalCount)

	_, err = f.svc.GetReliability(ctx, "press-1", model.Interval{Start: at(6, 0), End: at(20, 0)})
	assert.True(t, model.IsNotYetAvailable(err), "period past the watermark")

	st, err := f.svc.GetEquipmentStatus(ctx, "press-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateProducing, st.State)
	assert.Equal(t, at(9, 0), st.Since)
}

func TestGetKPISummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	leaf, err := f.svc.GetOEE(ctx, "press-1", "1h", at(7, 0))
	require.NoError(t, err)

	for _, node := range []string{"wc-press", "stamping", "plant-1", "acme"} {
		sum, err := f.svc.GetKPISummary(ctx, node, "1h", at(7, 0))
		require.NoError(t, err, node)
		assert.InDelta(t, leaf.OEE, sum.OEE, 1e-12, node)
	}

	_, err = f.svc.GetKPISummary(ctx, "acme", "1h", at(15, 0))
	assert.True(t, model.IsNotYetAvailable(err))

	_, err = f.svc.GetKPISummary(ctx, "nowhere", "1h", at(7, 0))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGetTopology(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain, err := f.svc.GetTopology(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, plain.Nodes, 5)
	assert.Len(t, plain.Edges, 4)
	assert.Equal(t, "acme", plain.Nodes[len(plain.Nodes)-1].ID, "parents come after children")
	for _, n := range plain.Nodes {
		assert.Nil(t, n.KPI, n.ID)
	}
	assert.Contains(t, plain.Edges, TopologyEdge{Source: "wc-press", Target: "press-1"})

	topo, err := f.svc.GetTopology(ctx, "1h", at(7, 0))
	require.NoError(t, err)
	leaf, err := f.svc.GetOEE(ctx, "press-1", "1h", at(7, 0))
	require.NoError(t, err)
	for _, n := range topo.Nodes {
		require.NotNil(t, n.KPI, n.ID)
		assert.InDelta(t, leaf.OEE, n.KPI.OEE, 1e-12, n.ID)
	}

	pending, err := f.svc.GetTopology(ctx, "1h", at(15, 0))
	require.NoError(t, err)
	for _, n := range pending.Nodes {
		assert.Nil(t, n.KPI, n.ID)
	}

	_, err = f.svc.GetTopology(ctx, "2h", at(7, 0))
	var verr *model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestHandlers(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		url    string
		status int
		field  string
	}{
		{"oee", "/v1/oee/press-1?tier=shift&start=2024-03-04T06:00:00Z", http.StatusOK, "oee"},
		{"oee not yet available", "/v1/oee/press-1?tier=1h&start=2024-03-04T16:00:00Z", http.StatusNotFound, "error"},
		{"oee missing start", "/v1/oee/press-1?tier=1h", http.StatusBadRequest, "field"},
		{"oee unknown equipment", "/v1/oee/press-9?tier=1h&start=2024-03-04T06:00:00Z", http.StatusNotFound, "error"},
		{"range", "/v1/oee/press-1/range?tier=1h&from=2024-03-04T06:00:00Z&to=2024-03-04T10:00:00Z", http.StatusOK, "records"},
		{"downtime", "/v1/downtime/press-1?from=2024-03-04T06:00:00Z&to=2024-03-04T14:00:00Z", http.StatusOK, "causes"},
		{"downtime bad range", "/v1/downtime/press-1?from=2024-03-04T14:00:00Z&to=2024-03-04T06:00:00Z", http.StatusBadRequest, "field"},
		{"reliability", "/v1/reliability/press-1?from=2024-03-04T06:00:00Z&to=2024-03-04T14:00:00Z", http.StatusOK, "mttr_hours"},
		{"quality", "/v1/quality/press-1?from=2024-03-04T06:00:00Z&to=2024-03-04T14:00:00Z", http.StatusOK, "first_pass_yield"},
		{"status", "/v1/status/press-1", http.StatusOK, "state"},
		{"kpi", "/v1/kpi/acme?tier=1h&start=2024-03-04T07:00:00Z", http.StatusOK, "oee"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rr := httptest.NewRecorder()
			f.router.ServeHTTP(rr, req)

			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Contains(t, body, tt.field)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/oee/press-1?tier=1h&start=2024-03-04T16:00:00Z", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "not_yet_available", body["error"])
}
