// Package query is the read side of the engine. Every read returns the most
// recently finalized value for its window; a window without one is
// reported as not yet available rather than guessed.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/hierarchy"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/reliability"
	"github.com/nicktill/tinyoee/pkg/rollup"
)

// Finalizer exposes how far each bucket series has been computed.
type Finalizer interface {
	Tiers() []string
	Tier(name string) (rollup.Tier, bool)
	Watermark(equipmentID, tier string) (time.Time, bool)
}

// StatusSource returns the open state of an equipment.
type StatusSource interface {
	CurrentState(ctx context.Context, equipmentID string) (model.EquipmentStatus, error)
}

// Service answers read requests.
type Service struct {
	reg       registry.Registry
	engine    Finalizer
	buckets   *rollup.Buckets
	analyzer  *reliability.Analyzer
	summaries *hierarchy.Summaries
	graph     *hierarchy.Graph
	status    StatusSource
}

// NewService wires the read side.
func NewService(reg registry.Registry, engine Finalizer, buckets *rollup.Buckets, analyzer *reliability.Analyzer,
	summaries *hierarchy.Summaries, graph *hierarchy.Graph, status StatusSource) *Service {
	return &Service{
		reg:       reg,
		engine:    engine,
		buckets:   buckets,
		analyzer:  analyzer,
		summaries: summaries,
		graph:     graph,
		status:    status,
	}
}

// GetOEE returns the bucket of one equipment and tier starting at start.
func (s *Service) GetOEE(ctx context.Context, equipmentID, tierName string, start time.Time) (model.OEERecord, error) {
	if _, err := s.equipment(equipmentID); err != nil {
		return model.OEERecord{}, err
	}
	t, err := s.tier(tierName)
	if err != nil {
		return model.OEERecord{}, err
	}
	if !t.ShiftTier() && !t.Align(start).Equal(start) {
		return model.OEERecord{}, model.Invalid("start", "not aligned to %s buckets", t.Name)
	}

	rec, ok, err := s.buckets.Get(ctx, equipmentID, t.Name, start)
	if err != nil {
		return model.OEERecord{}, err
	}
	if !ok {
		return model.OEERecord{}, &model.StaleWindowError{Resource: "oee", Key: equipmentID + "/" + t.Name, Start: start}
	}
	return rec, nil
}

// GetOEERange returns the buckets starting within [from, to). The whole
// range must be finalized.
func (s *Service) GetOEERange(ctx context.Context, equipmentID, tierName string, from, to time.Time) ([]model.OEERecord, error) {
	if _, err := s.equipment(equipmentID); err != nil {
		return nil, err
	}
	t, err := s.tier(tierName)
	if err != nil {
		return nil, err
	}
	if !t.ShiftTier() && int(to.Sub(from)/t.Duration) > config.QueryMaxRangeItems {
		return nil, model.Invalid("to", "more than %d %s buckets requested", config.QueryMaxRangeItems, t.Name)
	}

	wm, ok := s.engine.Watermark(equipmentID, t.Name)
	if !ok || wm.Before(to) {
		return nil, &model.StaleWindowError{Resource: "oee", Key: equipmentID + "/" + t.Name, Start: wm}
	}
	return s.buckets.Range(ctx, equipmentID, t.Name, from, to)
}

// GetDowntimeCauses ranks the downtime causes of a finalized period.
func (s *Service) GetDowntimeCauses(ctx context.Context, equipmentID string, period model.Interval) (model.DowntimeCauseSummary, error) {
	if err := s.finalized(equipmentID, period); err != nil {
		return model.DowntimeCauseSummary{}, err
	}
	return s.analyzer.DowntimeCauses(ctx, equipmentID, period)
}

// GetReliability returns MTBF and MTTR of a finalized period.
func (s *Service) GetReliability(ctx context.Context, equipmentID string, period model.Interval) (model.ReliabilitySummary, error) {
	if err := s.finalized(equipmentID, period); err != nil {
		return model.ReliabilitySummary{}, err
	}
	return s.analyzer.Reliability(ctx, equipmentID, period)
}

// GetQualityMetrics returns the quality figures of a finalized period.
func (s *Service) GetQualityMetrics(ctx context.Context, equipmentID string, period model.Interval) (model.QualityMetrics, error) {
	if err := s.finalized(equipmentID, period); err != nil {
		return model.QualityMetrics{}, err
	}
	return s.analyzer.Quality(ctx, equipmentID, period)
}

// GetEquipmentStatus returns the current open state of an equipment.
func (s *Service) GetEquipmentStatus(ctx context.Context, equipmentID string) (model.EquipmentStatus, error) {
	if _, err := s.equipment(equipmentID); err != nil {
		return model.EquipmentStatus{}, err
	}
	return s.status.CurrentState(ctx, equipmentID)
}

// GetKPISummary returns the summary of a hierarchy node for one period.
func (s *Service) GetKPISummary(ctx context.Context, nodeID, tierName string, start time.Time) (model.KPISummary, error) {
	if _, ok := s.graph.Node(nodeID); !ok {
		return model.KPISummary{}, fmt.Errorf("node %s: %w", nodeID, model.ErrNotFound)
	}
	t, err := s.tier(tierName)
	if err != nil {
		return model.KPISummary{}, err
	}

	sum, ok, err := s.summaries.Get(ctx, nodeID, t.Name, start)
	if err != nil {
		return model.KPISummary{}, err
	}
	if !ok {
		return model.KPISummary{}, &model.StaleWindowError{Resource: "kpi", Key: nodeID + "/" + t.Name, Start: start}
	}
	return sum, nil
}

// finalized checks that the period ends at or before the watermark of the
// fact-sourced tiers of the equipment.
func (s *Service) finalized(equipmentID string, period model.Interval) error {
	if _, err := s.equipment(equipmentID); err != nil {
		return err
	}
	var through time.Time
	for _, name := range s.engine.Tiers() {
		t, _ := s.engine.Tier(name)
		if !t.FromFacts() {
			continue
		}
		if wm, ok := s.engine.Watermark(equipmentID, name); ok && wm.After(through) {
			through = wm
		}
	}
	if through.IsZero() || through.Before(period.End) {
		return &model.StaleWindowError{Resource: "facts", Key: equipmentID, Start: through}
	}
	return nil
}

func (s *Service) equipment(id string) (model.Equipment, error) {
	eq, ok := s.reg.Equipment(id)
	if !ok {
		return model.Equipment{}, fmt.Errorf("equipment %s: %w", id, model.ErrNotFound)
	}
	return eq, nil
}

func (s *Service) tier(name string) (rollup.Tier, error) {
	if name == "" {
		return rollup.Tier{}, model.Invalid("tier", "required")
	}
	t, ok := s.engine.Tier(name)
	if !ok {
		return rollup.Tier{}, model.Invalid("tier", "unknown tier %q", name)
	}
	return t, nil
}
