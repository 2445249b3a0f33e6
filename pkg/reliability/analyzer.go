// Package reliability ranks downtime causes and derives MTBF, MTTR and
// quality figures for one equipment over a period, straight from the fact
// store.
package reliability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/oee"
)

// FactSource is the read side of the fact store. State events come back
// with their derived ends; an event still open has a nil End.
type FactSource interface {
	Query(ctx context.Context, equipmentID string, from, to time.Time, kind model.Kind) ([]model.StoredFact, error)
}

// Analyzer answers downtime, reliability and quality questions. It holds no
// mutable state.
type Analyzer struct {
	facts    FactSource
	calc     *oee.Calculator
	failures map[string]struct{}
	now      func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the clock used to cut open events.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// New creates an analyzer. failureReasons are the reason codes counted as
// failures; an empty set counts every availability loss.
func New(facts FactSource, calc *oee.Calculator, failureReasons []string, opts ...Option) *Analyzer {
	a := &Analyzer{
		facts:    facts,
		calc:     calc,
		failures: make(map[string]struct{}, len(failureReasons)),
		now:      time.Now,
	}
	for _, r := range failureReasons {
		a.failures[r] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DowntimeCauses ranks the availability losses of the period.
func (a *Analyzer) DowntimeCauses(ctx context.Context, equipmentID string, period model.Interval) (model.DowntimeCauseSummary, error) {
	events, err := a.states(ctx, equipmentID, period)
	if err != nil {
		return model.DowntimeCauseSummary{}, err
	}
	causes, total := a.RankDowntime(events, period)
	return model.DowntimeCauseSummary{
		EquipmentID:  equipmentID,
		Period:       period,
		TotalMinutes: total,
		Causes:       causes,
	}, nil
}

// Reliability computes MTBF and MTTR for the period.
func (a *Analyzer) Reliability(ctx context.Context, equipmentID string, period model.Interval) (model.ReliabilitySummary, error) {
	events, err := a.states(ctx, equipmentID, period)
	if err != nil {
		return model.ReliabilitySummary{}, err
	}
	sum := a.Summarize(events, period)
	sum.EquipmentID = equipmentID
	return sum, nil
}

// Quality tallies the counts and defects of the period.
func (a *Analyzer) Quality(ctx context.Context, equipmentID string, period model.Interval) (model.QualityMetrics, error) {
	qm := model.QualityMetrics{EquipmentID: equipmentID, Period: period}

	counts, err := a.facts.Query(ctx, equipmentID, period.Start, period.End, model.KindProduction)
	if err != nil {
		return qm, fmt.Errorf("quality of %s: %w", equipmentID, err)
	}
	for _, sf := range counts {
		pc := sf.Fact.(*model.ProductionCount)
		qm.TotalCount += pc.Total
		qm.GoodCount += pc.Good
		qm.RejectCount += pc.Reject
		qm.ReworkCount += pc.Rework
	}

	defects, err := a.facts.Query(ctx, equipmentID, period.Start, period.End, model.KindQuality)
	if err != nil {
		return qm, fmt.Errorf("quality of %s: %w", equipmentID, err)
	}
	for _, sf := range defects {
		qe := sf.Fact.(*model.QualityEvent)
		if qm.DefectsByCategory == nil {
			qm.DefectsByCategory = make(map[string]int64)
		}
		qm.DefectsByCategory[qe.Category] += qe.Quantity
	}

	if qm.TotalCount > 0 {
		total := float64(qm.TotalCount)
		qm.FirstPassYield = oee.Clamp01(float64(qm.TotalCount-qm.RejectCount-qm.ReworkCount) / total)
		qm.DefectRate = oee.Clamp01(float64(qm.RejectCount) / total)
	}
	return qm, nil
}

// RankDowntime groups the availability losses of events by cause, clipped
// to the period. Causes are ordered by minutes, then incident count, both
// descending, then by name. It also returns the total downtime.
func (a *Analyzer) RankDowntime(events []*model.StateEvent, period model.Interval) ([]model.DowntimeCause, float64) {
	openEnd := a.openEnd(period)
	byCause := make(map[string]*model.DowntimeCause)
	var total float64

	for _, ev := range events {
		if ev.EffectiveCategory() != model.CategoryAvailabilityLoss {
			continue
		}
		minutes := ev.Interval(openEnd).Clip(period).Duration().Minutes()
		if minutes <= 0 {
			continue
		}
		name := a.cause(ev)
		c, ok := byCause[name]
		if !ok {
			c = &model.DowntimeCause{Cause: name}
			byCause[name] = c
		}
		c.TotalMinutes += minutes
		c.IncidentCount++
		total += minutes
	}

	causes := make([]model.DowntimeCause, 0, len(byCause))
	for _, c := range byCause {
		if total > 0 {
			c.Percentage = c.TotalMinutes / total * 100
		}
		causes = append(causes, *c)
	}
	sort.Slice(causes, func(i, j int) bool {
		ci, cj := causes[i], causes[j]
		if ci.TotalMinutes != cj.TotalMinutes {
			return ci.TotalMinutes > cj.TotalMinutes
		}
		if ci.IncidentCount != cj.IncidentCount {
			return ci.IncidentCount > cj.IncidentCount
		}
		return ci.Cause < cj.Cause
	})
	return causes, total
}

// Summarize derives runtime, failure count, MTBF and MTTR from the state
// events of the period. With no failure MTBF is the whole runtime and MTTR
// is undefined.
func (a *Analyzer) Summarize(events []*model.StateEvent, period model.Interval) model.ReliabilitySummary {
	openEnd := a.openEnd(period)
	var runtime, repair float64
	var failures int

	for _, ev := range events {
		minutes := ev.Interval(openEnd).Clip(period).Duration().Minutes()
		if minutes <= 0 {
			continue
		}
		switch {
		case ev.State == model.StateProducing:
			runtime += minutes
		case a.isFailure(ev):
			failures++
			repair += minutes
		}
	}

	sum := model.ReliabilitySummary{
		Period:       period,
		RuntimeHours: runtime / 60,
		FailureCount: failures,
		MTBFHours:    runtime / 60,
	}
	if failures > 0 {
		sum.MTBFHours = runtime / 60 / float64(failures)
		mttr := repair / 60 / float64(failures)
		sum.MTTRHours = &mttr
	}
	return sum
}

func (a *Analyzer) isFailure(ev *model.StateEvent) bool {
	if ev.EffectiveCategory() != model.CategoryAvailabilityLoss {
		return false
	}
	if len(a.failures) == 0 {
		return true
	}
	_, ok := a.failures[ev.Reason]
	return ok
}

// cause names the downtime bucket of an event: its reason code, or its loss
// category when it carries none.
func (a *Analyzer) cause(ev *model.StateEvent) string {
	if ev.Reason != "" {
		return ev.Reason
	}
	return string(a.calc.Categorize(ev))
}

// openEnd is where a still-open event is cut: the end of the period, or now
// when the period reaches into the future.
func (a *Analyzer) openEnd(period model.Interval) time.Time {
	if now := a.now(); now.Before(period.End) {
		return now
	}
	return period.End
}

func (a *Analyzer) states(ctx context.Context, equipmentID string, period model.Interval) ([]*model.StateEvent, error) {
	stored, err := a.facts.Query(ctx, equipmentID, period.Start, period.End, model.KindState)
	if err != nil {
		return nil, fmt.Errorf("state events of %s: %w", equipmentID, err)
	}
	events := make([]*model.StateEvent, len(stored))
	for i, sf := range stored {
		events[i] = sf.Fact.(*model.StateEvent)
	}
	return events, nil
}
