package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/ingest"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/storage/memory"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func testConfig() *config.Config {
	return &config.Config{
		HTTPServer: config.HTTPServer{CORSOrigins: []string{"http://localhost:3000"}},
		Storage:    config.Storage{InMemory: true, MaxStorageGB: 1},
		Tiers: []config.Tier{
			{Name: "1h", Duration: time.Hour, Source: config.SourceFacts, Lag: 15 * time.Minute, Interval: time.Minute},
			{Name: "shift", Source: config.SourceShifts, Lag: 30 * time.Minute, Interval: time.Minute},
		},
		Facts:        config.DefaultFactPolicy(),
		Lifecycle:    config.Lifecycle{Interval: time.Hour},
		Analysis:     config.Analysis{FailureReasons: []string{"breakdown"}},
		KPI:          config.KPI{Tiers: []string{"1h"}},
		JobTimeout:   time.Minute,
		ShiftHorizon: 24 * time.Hour,
	}
}

func newTestApp(t *testing.T) (*App, http.Handler) {
	t.Helper()
	reg, err := registry.New(registry.File{
		Nodes: []model.Node{
			{ID: "acme", Level: model.LevelEnterprise},
			{ID: "plant-1", Level: model.LevelSite, ParentID: "acme"},
			{ID: "stamping", Level: model.LevelArea, ParentID: "plant-1"},
			{ID: "wc-press", Level: model.LevelWorkCenter, ParentID: "stamping"},
		},
		Equipment: []model.Equipment{{ID: "press-1", WorkCenterID: "wc-press", IdealCycleSeconds: 30}},
		Shifts:    []model.ShiftInstance{{ID: "day-0304", Name: "day", Start: at(6, 0), End: at(14, 0)}},
	})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := New(context.Background(), testConfig(), reg, memory.New(), "", log,
		WithClock(func() time.Time { return at(16, 0) }),
		WithAccessLog(io.Discard))
	require.NoError(t, err)
	return app, app.Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// runJobs runs every scheduled job once, the way Start does on boot.
func runJobs(t *testing.T, app *App) {
	t.Helper()
	for _, j := range app.jobList() {
		mon := app.monitors.Add(j.name, time.Minute)
		require.NoError(t, app.runOnce(context.Background(), j, mon), j.name)
	}
}

func TestEndToEnd(t *testing.T) {
	app, h := newTestApp(t)

	for _, ev := range []struct{ kind, body string }{
		{"state", `{"equipment_id":"press-1","state":"PRODUCING","start":"2024-03-04T06:00:00Z"}`},
		{"state", `{"equipment_id":"press-1","state":"DOWN","reason":"breakdown","start":"2024-03-04T08:00:00Z","end":"2024-03-04T08:30:00Z"}`},
		{"state", `{"equipment_id":"press-1","state":"PRODUCING","start":"2024-03-04T08:30:00Z"}`},
		{"production", `{"equipment_id":"press-1","timestamp":"2024-03-04T07:30:00Z","total":100,"good":95,"reject":5}`},
	} {
		rr := do(t, h, http.MethodPost, "/v1/events/"+ev.kind, ev.body)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	}

	rr := do(t, h, http.MethodGet, "/v1/oee/press-1?tier=1h&start=2024-03-04T07:00:00Z", "")
	assert.Equal(t, http.StatusNotFound, rr.Code, "nothing finalized before the first refresh")

	runJobs(t, app)

	rr = do(t, h, http.MethodGet, "/v1/oee/press-1?tier=1h&start=2024-03-04T07:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rec model.OEERecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.InDelta(t, 1.0, rec.Availability, 1e-9)
	assert.InDelta(t, 0.95, rec.Quality, 1e-9)

	rr = do(t, h, http.MethodGet, "/v1/oee/press-1?tier=1h&start=2024-03-04T08:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.InDelta(t, 0.5, rec.Availability, 1e-9)

	rr = do(t, h, http.MethodGet, "/v1/kpi/acme?tier=1h&start=2024-03-04T08:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sum model.KPISummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sum))
	assert.InDelta(t, rec.OEE, sum.OEE, 1e-12)

	rr = do(t, h, http.MethodGet, "/v1/reliability/press-1?from=2024-03-04T06:00:00Z&to=2024-03-04T14:00:00Z", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var rel model.ReliabilitySummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rel))
	assert.Equal(t, 1, rel.FailureCount)
	require.NotNil(t, rel.MTTRHours)
	assert.InDelta(t, 0.5, *rel.MTTRHours, 1e-9)

	rr = do(t, h, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Len(t, health.Jobs, 4)
	assert.Zero(t, health.PendingKPI)

	rr = do(t, h, http.MethodGet, "/v1/storage", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var usage StorageUsage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &usage))
	assert.Positive(t, usage.UsedBytes)
	require.NotNil(t, usage.Stats)
	assert.Positive(t, usage.Stats.RawRecords)

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `oee_facts_ingested_total{kind="state"} 3`)
	assert.Contains(t, body, `oee_job_runs_total{job="refresh/1h",result="ok"} 1`)
	assert.Contains(t, body, `oee_http_requests_total{route="/v1/oee/{equipment}",status="200"} 2`)
}

func TestHealth_DegradedBeforeJobsRun(t *testing.T) {
	app, h := newTestApp(t)
	app.monitors.Add("refresh/1h", time.Minute)

	rr := do(t, h, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCORS(t *testing.T) {
	_, h := newTestApp(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/status/press-1", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v1/status/press-1", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRunWithRetry(t *testing.T) {
	app, _ := newTestApp(t)
	app.backoff = time.Millisecond

	var calls atomic.Int32
	j := job{name: "flaky", interval: time.Minute, retries: 2, run: func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("busy")
		}
		return nil
	}}
	mon := app.monitors.Add(j.name, j.interval)
	app.runWithRetry(context.Background(), j, mon)

	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, mon.IsHealthy())
}

func TestRunOnce_AbandonsAfterTimeout(t *testing.T) {
	app, _ := newTestApp(t)
	app.cfg.JobTimeout = 10 * time.Millisecond

	j := job{name: "slow", interval: time.Minute, run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	mon := app.monitors.Add(j.name, j.interval)
	err := app.runOnce(context.Background(), j, mon)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, mon.ConsecutiveErrors())
}

func TestKPIUpdatesReachWebSocketClients(t *testing.T) {
	app, h := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.hub.Run(ctx)

	srv := httptest.NewServer(h)
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, app.hub.HasClients, time.Second, 10*time.Millisecond)

	kinds := make(chan string, 1024)
	go func() {
		defer close(kinds)
		for {
			var u ingest.Update
			if err := conn.ReadJSON(&u); err != nil {
				return
			}
			kinds <- u.Type
		}
	}()

	rr := do(t, h, http.MethodPost, "/v1/events/state",
		`{"equipment_id":"press-1","state":"PRODUCING","start":"2024-03-04T06:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	runJobs(t, app)

	timeout := time.After(5 * time.Second)
	for {
		select {
		case kind, ok := <-kinds:
			require.True(t, ok, "connection closed before a kpi update")
			if kind == "kpi" {
				return
			}
		case <-timeout:
			t.Fatal("no kpi update broadcast")
		}
	}
}
