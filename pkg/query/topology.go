package query

import (
	"context"
	"net/http"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/hierarchy"
	"github.com/nicktill/tinyoee/pkg/httpx"
	"github.com/nicktill/tinyoee/pkg/model"
)

// TopologyNode is one node of the plant hierarchy, with its KPIs for the
// requested period when they have been finalized.
type TopologyNode struct {
	ID    string            `json:"id"`
	Level model.Level       `json:"level"`
	KPI   *model.KPISummary `json:"kpi,omitempty"`
}

// TopologyEdge links a parent node to a child.
type TopologyEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// TopologyResponse is the hierarchy as a graph.
type TopologyResponse struct {
	Nodes       []TopologyNode `json:"nodes"`
	Edges       []TopologyEdge `json:"edges"`
	Tier        string         `json:"tier,omitempty"`
	PeriodStart *time.Time     `json:"period_start,omitempty"`
}

// GetTopology returns every hierarchy node, children before parents. With a
// tier and start, finalized KPIs are attached; nodes whose period is not yet
// aggregated carry none.
func (s *Service) GetTopology(ctx context.Context, tierName string, start time.Time) (TopologyResponse, error) {
	var resp TopologyResponse
	withKPI := tierName != "" && !start.IsZero()
	if withKPI {
		t, err := s.tier(tierName)
		if err != nil {
			return TopologyResponse{}, err
		}
		resp.Tier = t.Name
		resp.PeriodStart = &start
	}

	for _, id := range s.graph.Order() {
		n, _ := s.graph.Node(id)
		node := TopologyNode{ID: id, Level: n.Level}
		if n.ParentID != "" {
			resp.Edges = append(resp.Edges, TopologyEdge{Source: n.ParentID, Target: id})
		}
		if withKPI {
			sum, ok, err := s.nodeKPI(ctx, n, resp.Tier, start)
			if err != nil {
				return TopologyResponse{}, err
			}
			if ok {
				node.KPI = &sum
			}
		}
		resp.Nodes = append(resp.Nodes, node)
	}
	return resp, nil
}

func (s *Service) nodeKPI(ctx context.Context, n model.Node, tier string, start time.Time) (model.KPISummary, bool, error) {
	if n.Level == model.LevelEquipment {
		rec, ok, err := s.buckets.Get(ctx, n.ID, tier, start)
		if err != nil || !ok {
			return model.KPISummary{}, false, err
		}
		return hierarchy.FromRecord(rec), true, nil
	}
	return s.summaries.Get(ctx, n.ID, tier, start)
}

// HandleTopology handles GET /v1/topology?tier=&start=
func (h *Handler) HandleTopology(w http.ResponseWriter, r *http.Request) {
	start, err := httpx.ParseTime(r, "start")
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	resp, err := h.svc.GetTopology(ctx, r.URL.Query().Get("tier"), start)
	if err != nil {
		httpx.RespondErr(w, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}
