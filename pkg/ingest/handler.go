package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/httpx"
	"github.com/nicktill/tinyoee/pkg/model"
)

// StorageChecker reports disk usage so ingestion can stop before the
// configured limit is exceeded.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Appender is the write side of the fact store.
type Appender interface {
	Append(ctx context.Context, f model.Fact) (model.StoredFact, error)
}

// Handler handles event ingestion over HTTP
type Handler struct {
	store   *Store
	checker StorageChecker
	logger  *slog.Logger
}

// NewHandler creates a new ingest handler
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// SetStorageChecker enables the storage limit check on ingestion.
func (h *Handler) SetStorageChecker(c StorageChecker) {
	h.checker = c
}

// IngestResult describes one accepted or rejected event.
type IngestResult struct {
	ID    string `json:"id,omitempty"`
	Seq   uint64 `json:"seq,omitempty"`
	Late  bool   `json:"late,omitempty"`
	Error string `json:"error,omitempty"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status   string         `json:"status"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []IngestResult `json:"results"`
}

// HandleIngest handles POST /v1/events/{kind}. The body is one event or a
// JSON array of events of that kind.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	kind := model.Kind(mux.Vars(r)["kind"])
	switch kind {
	case model.KindState, model.KindProduction, model.KindQuality:
	default:
		httpx.RespondErr(w, model.Invalid("kind", "unknown event kind %q", kind))
		return
	}

	if h.checker != nil {
		if used, err := h.checker.GetUsage(); err == nil && used >= h.checker.GetLimit() {
			httpx.RespondErrorString(w, http.StatusInsufficientStorage,
				fmt.Sprintf("storage limit reached (%d of %d bytes)", used, h.checker.GetLimit()))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes))
	if err != nil {
		httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payloads, batch, err := splitPayloads(body)
	if err != nil {
		httpx.RespondErr(w, model.Invalid("", "invalid JSON: %v", err))
		return
	}
	if len(payloads) > config.IngestMaxEventsPerReq {
		httpx.RespondErr(w, model.Invalid("", "%v", ErrTooManyEvents))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	if !batch {
		sf, err := h.append(ctx, kind, payloads[0])
		if err != nil {
			httpx.RespondErr(w, err)
			return
		}
		httpx.RespondJSON(w, http.StatusCreated, result(sf))
		return
	}

	resp := IngestResponse{Status: "success", Results: make([]IngestResult, 0, len(payloads))}
	for i, p := range payloads {
		sf, err := h.append(ctx, kind, p)
		if err != nil {
			if !IsRejection(err) {
				h.logger.Error("batch ingest aborted", slog.Int("index", i), slog.String("err", err.Error()))
				httpx.RespondErr(w, err)
				return
			}
			resp.Rejected++
			resp.Results = append(resp.Results, IngestResult{Error: err.Error()})
			continue
		}
		resp.Accepted++
		resp.Results = append(resp.Results, result(sf))
	}
	if resp.Rejected > 0 {
		resp.Status = "partial"
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) append(ctx context.Context, kind model.Kind, payload []byte) (model.StoredFact, error) {
	f, err := model.DecodeFact(kind, payload)
	if err != nil {
		return model.StoredFact{}, model.Invalid("", "%v", err)
	}
	return h.store.Append(ctx, f)
}

// HandleCardinality handles GET /v1/cardinality.
func (h *Handler) HandleCardinality(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.store.Cardinality())
}

// HandleFacts handles GET /v1/equipment/{id}/facts?kind=&from=&to=.
func (h *Handler) HandleFacts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	from, to, err := httpx.ParseRange(r, config.QueryMaxRange)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	var facts []model.StoredFact
	if k := r.URL.Query().Get("kind"); k != "" {
		facts, err = h.store.Query(ctx, id, from, to, model.Kind(k))
	} else {
		facts, err = h.store.QueryAll(ctx, id, from, to)
	}
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	if len(facts) > config.QueryMaxRangeItems {
		facts = facts[:config.QueryMaxRangeItems]
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"equipment_id": id,
		"facts":        facts,
		"count":        len(facts),
	})
}

func result(sf model.StoredFact) IngestResult {
	return IngestResult{ID: factID(sf.Fact), Seq: sf.Seq, Late: sf.Late}
}

func factID(f model.Fact) string {
	switch f := f.(type) {
	case *model.StateEvent:
		return f.ID
	case *model.ProductionCount:
		return f.ID
	case *model.QualityEvent:
		return f.ID
	}
	return ""
}

// splitPayloads returns the raw events of a body holding one object or an
// array of objects.
func splitPayloads(body []byte) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] != '[' {
		return []json.RawMessage{trimmed}, false, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, true, err
	}
	if len(items) == 0 {
		return nil, true, fmt.Errorf("empty batch")
	}
	return items, true, nil
}
