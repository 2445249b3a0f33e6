package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// mockTransport records every batch it is given.
type mockTransport struct {
	mu      sync.Mutex
	kinds   []model.Kind
	batches [][]model.Fact
	sendErr error
}

func (m *mockTransport) Send(ctx context.Context, kind model.Kind, facts []model.Fact) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kinds = append(m.kinds, kind)
	m.batches = append(m.batches, append([]model.Fact(nil), facts...))
	if m.sendErr != nil {
		return Result{}, m.sendErr
	}
	return Result{Accepted: len(facts)}, nil
}

func (m *mockTransport) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func TestHTTPTransport_Send(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %v, want POST", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"status":"partial","accepted":1,"rejected":1,"results":[{"seq":7},{"error":"unknown equipment \"x\""}]}`)
	}))
	defer server.Close()

	tr := NewHTTP(server.URL+"/", "secret")
	start := time.Date(2024, 3, 4, 6, 0, 0, 0, time.UTC)
	res, err := tr.Send(context.Background(), model.KindState, []model.Fact{
		&model.StateEvent{EquipmentID: "press-1", State: model.StateProducing, Start: start},
		&model.StateEvent{EquipmentID: "x", State: model.StateDown, Start: start},
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotPath != "/v1/events/state" {
		t.Errorf("path = %q, want /v1/events/state", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if len(gotBody) != 2 || gotBody[0]["equipment_id"] != "press-1" {
		t.Errorf("body = %v", gotBody)
	}
	if res.Accepted != 1 || res.Rejected != 1 {
		t.Errorf("result = %+v, want 1 accepted 1 rejected", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "unknown equipment") {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestHTTPTransport_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
	}))
	defer server.Close()

	_, err := NewHTTP(server.URL, "").Send(context.Background(), model.KindProduction, []model.Fact{
		&model.ProductionCount{EquipmentID: "press-1", Timestamp: time.Now(), Total: 1, Good: 1},
	})
	if err == nil || !strings.Contains(err.Error(), "507") {
		t.Errorf("Send() error = %v, want status 507", err)
	}
}

func TestHTTPTransport_Send_Empty(t *testing.T) {
	res, err := NewHTTP("http://127.0.0.1:0", "").Send(context.Background(), model.KindState, nil)
	if err != nil || res.Accepted != 0 {
		t.Errorf("empty send = %+v, %v", res, err)
	}
}

func TestBatcher_FlushGroupsByKind(t *testing.T) {
	tr := &mockTransport{}
	b := NewBatcher(tr, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Hour}, discard)

	now := time.Now()
	b.Add(&model.ProductionCount{EquipmentID: "a", Timestamp: now, Total: 1, Good: 1})
	b.Add(&model.StateEvent{EquipmentID: "a", State: model.StateProducing, Start: now})
	b.Add(&model.StateEvent{EquipmentID: "a", State: model.StateDown, Start: now.Add(time.Minute)})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if len(tr.kinds) != 2 || tr.kinds[0] != model.KindState || tr.kinds[1] != model.KindProduction {
		t.Fatalf("kinds = %v, want [state production]", tr.kinds)
	}
	states := tr.batches[0]
	if states[0].(*model.StateEvent).State != model.StateProducing || states[1].(*model.StateEvent).State != model.StateDown {
		t.Error("state events lost their submission order")
	}
	if b.Accepted() != 3 {
		t.Errorf("Accepted() = %d, want 3", b.Accepted())
	}
}

func TestBatcher_AddTriggersFlushWhenFull(t *testing.T) {
	tr := &mockTransport{}
	b := NewBatcher(tr, BatchConfig{MaxBatchSize: 5, FlushEvery: time.Hour}, discard)
	b.Start(context.Background())
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.Add(&model.ProductionCount{EquipmentID: "a", Timestamp: time.Now(), Total: 1, Good: 1})
	}

	deadline := time.Now().Add(2 * time.Second)
	for tr.total() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := tr.total(); got != 5 {
		t.Errorf("sent %d events, want 5", got)
	}
}

func TestBatcher_StopFlushesRemaining(t *testing.T) {
	tr := &mockTransport{}
	b := NewBatcher(tr, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Hour}, discard)
	b.Start(context.Background())

	b.Add(&model.QualityEvent{EquipmentID: "a", Timestamp: time.Now(), Quantity: 2, Category: "scratch"})
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if tr.total() != 1 {
		t.Errorf("sent %d events, want 1", tr.total())
	}
}

func TestBatcher_TransportError(t *testing.T) {
	tr := &mockTransport{sendErr: errors.New("connection refused")}
	b := NewBatcher(tr, BatchConfig{MaxBatchSize: 100, FlushEvery: time.Hour}, discard)

	b.Add(&model.StateEvent{EquipmentID: "a", State: model.StateIdle, Start: time.Now()})
	if err := b.Flush(); err == nil {
		t.Error("Flush() should report the transport error")
	}
	if b.Accepted() != 0 {
		t.Errorf("Accepted() = %d, want 0", b.Accepted())
	}
}

func TestClient(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var items []json.RawMessage
		json.NewDecoder(r.Body).Decode(&items)
		mu.Lock()
		paths[r.URL.Path] += len(items)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"accepted": len(items)})
	}))
	defer server.Close()

	c, err := New(Config{Endpoint: server.URL, FlushEvery: time.Hour}, discard)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	now := time.Now()
	c.State("press-1", model.StateProducing, "", now)
	c.Production("press-1", now, 10, 9, 1)
	c.Quality("press-1", now, 1, "burr", model.SeverityMinor)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, p := range []string{"/v1/events/state", "/v1/events/production", "/v1/events/quality"} {
		if paths[p] != 1 {
			t.Errorf("%s got %d events, want 1", p, paths[p])
		}
	}
	if accepted, rejected := c.Stats(); accepted != 3 || rejected != 0 {
		t.Errorf("Stats() = %d, %d", accepted, rejected)
	}
}

func TestNew_RejectsNegativeBatch(t *testing.T) {
	if _, err := New(Config{MaxBatchSize: -1}, discard); err == nil {
		t.Error("New() should reject a negative batch size")
	}
}
