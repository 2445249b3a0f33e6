package hierarchy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// NamespaceKPI is the storage namespace of KPI summaries.
const NamespaceKPI = "kpi"

// Summaries stores one KPI summary per (node, tier, period start).
type Summaries struct {
	storage storage.Storage
}

// NewSummaries wraps a storage backend.
func NewSummaries(st storage.Storage) *Summaries {
	return &Summaries{storage: st}
}

// SummarySeries is the storage series of one node and tier.
func SummarySeries(nodeID, tier string) storage.SeriesKey {
	return storage.SeriesKey{Namespace: NamespaceKPI, ID: nodeID, Sub: tier}
}

// Put replaces the summary of its period.
func (s *Summaries) Put(ctx context.Context, sum model.KPISummary) error {
	value, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	rec := storage.Record{Series: SummarySeries(sum.NodeID, sum.Tier), Time: sum.PeriodStart, Value: value}
	if err := s.storage.Put(ctx, []storage.Record{rec}); err != nil {
		return fmt.Errorf("write summary %s: %w", sum.NodeID, err)
	}
	return nil
}

// Get returns the summary of the period starting at start.
func (s *Summaries) Get(ctx context.Context, nodeID, tier string, start time.Time) (model.KPISummary, bool, error) {
	recs, err := s.storage.Scan(ctx, storage.ScanRequest{
		Series: SummarySeries(nodeID, tier),
		Start:  start,
		End:    start.Add(time.Nanosecond),
		Limit:  1,
	})
	if err != nil || len(recs) == 0 {
		return model.KPISummary{}, false, err
	}
	var sum model.KPISummary
	if err := json.Unmarshal(recs[0].Value, &sum); err != nil {
		return model.KPISummary{}, false, fmt.Errorf("decode summary %s: %w", recs[0].Series, err)
	}
	return sum, true, nil
}
