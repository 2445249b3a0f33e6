package query

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/httpx"
	"github.com/nicktill/tinyoee/pkg/model"
)

// Handler serves the read API.
type Handler struct {
	svc *Service
}

// NewHandler creates a new query handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the read routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/oee/{equipment}", h.HandleOEE).Methods(http.MethodGet)
	r.HandleFunc("/v1/oee/{equipment}/range", h.HandleOEERange).Methods(http.MethodGet)
	r.HandleFunc("/v1/downtime/{equipment}", h.HandleDowntime).Methods(http.MethodGet)
	r.HandleFunc("/v1/reliability/{equipment}", h.HandleReliability).Methods(http.MethodGet)
	r.HandleFunc("/v1/quality/{equipment}", h.HandleQuality).Methods(http.MethodGet)
	r.HandleFunc("/v1/status/{equipment}", h.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/kpi/{node}", h.HandleKPI).Methods(http.MethodGet)
	r.HandleFunc("/v1/topology", h.HandleTopology).Methods(http.MethodGet)
}

// HandleOEE handles GET /v1/oee/{equipment}?tier=&start=
func (h *Handler) HandleOEE(w http.ResponseWriter, r *http.Request) {
	start, err := requiredTime(r, "start")
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	rec, err := h.svc.GetOEE(ctx, mux.Vars(r)["equipment"], r.URL.Query().Get("tier"), start)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rec)
}

// HandleOEERange handles GET /v1/oee/{equipment}/range?tier=&from=&to=
func (h *Handler) HandleOEERange(w http.ResponseWriter, r *http.Request) {
	from, to, err := httpx.ParseRange(r, config.QueryMaxRange)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	equipmentID := mux.Vars(r)["equipment"]
	recs, err := h.svc.GetOEERange(ctx, equipmentID, r.URL.Query().Get("tier"), from, to)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"equipment_id": equipmentID,
		"records":      recs,
		"count":        len(recs),
	})
}

// HandleDowntime handles GET /v1/downtime/{equipment}?from=&to=
func (h *Handler) HandleDowntime(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, func(ctx context.Context, eq string, p model.Interval) (any, error) {
		return h.svc.GetDowntimeCauses(ctx, eq, p)
	})
}

// HandleReliability handles GET /v1/reliability/{equipment}?from=&to=
func (h *Handler) HandleReliability(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, func(ctx context.Context, eq string, p model.Interval) (any, error) {
		return h.svc.GetReliability(ctx, eq, p)
	})
}

// HandleQuality handles GET /v1/quality/{equipment}?from=&to=
func (h *Handler) HandleQuality(w http.ResponseWriter, r *http.Request) {
	h.period(w, r, func(ctx context.Context, eq string, p model.Interval) (any, error) {
		return h.svc.GetQualityMetrics(ctx, eq, p)
	})
}

// HandleStatus handles GET /v1/status/{equipment}
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	st, err := h.svc.GetEquipmentStatus(ctx, mux.Vars(r)["equipment"])
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, st)
}

// HandleKPI handles GET /v1/kpi/{node}?tier=&start=
func (h *Handler) HandleKPI(w http.ResponseWriter, r *http.Request) {
	start, err := requiredTime(r, "start")
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	sum, err := h.svc.GetKPISummary(ctx, mux.Vars(r)["node"], r.URL.Query().Get("tier"), start)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, sum)
}

func (h *Handler) period(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, equipmentID string, p model.Interval) (any, error)) {
	from, to, err := httpx.ParseRange(r, config.QueryMaxRange)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	out, err := fn(ctx, mux.Vars(r)["equipment"], model.Interval{Start: from, End: to})
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}

func requiredTime(r *http.Request, name string) (time.Time, error) {
	t, err := httpx.ParseTime(r, name)
	if err != nil {
		return time.Time{}, err
	}
	if t.IsZero() {
		return time.Time{}, model.Invalid(name, "required")
	}
	return t, nil
}
