// Package oee turns a window of raw facts into an OEE record following the
// ISO 22400 definitions, and folds finer records into coarser ones.
package oee

import (
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Loss is a downtime loss category.
type Loss string

const (
	LossBreakdown Loss = "breakdown"
	LossSetup     Loss = "setup"
	LossMinorStop Loss = "minor_stop"
)

// Valid reports whether l is a known downtime loss.
func (l Loss) Valid() bool {
	return l == LossBreakdown || l == LossSetup || l == LossMinorStop
}

// DefaultMinorStopThreshold separates minor stops from breakdowns when a
// reason code has no explicit mapping.
const DefaultMinorStopThreshold = 5 * time.Minute

// Config controls loss categorisation.
type Config struct {
	// LossCategories maps reason codes to a loss category.
	LossCategories map[string]Loss

	// MinorStopThreshold: unmapped stops shorter than this are minor stops.
	MinorStopThreshold time.Duration
}

// Calculator computes OEE records. It holds no mutable state and is safe for
// concurrent use.
type Calculator struct {
	cfg Config
}

// New creates a calculator.
func New(cfg Config) *Calculator {
	if cfg.MinorStopThreshold <= 0 {
		cfg.MinorStopThreshold = DefaultMinorStopThreshold
	}
	return &Calculator{cfg: cfg}
}

// Categorize assigns a downtime event to a loss category. Open events have
// no known length yet and count as breakdowns.
func (c *Calculator) Categorize(ev *model.StateEvent) Loss {
	if l, ok := c.cfg.LossCategories[ev.Reason]; ok && ev.Reason != "" {
		return l
	}
	if ev.End != nil && ev.End.Sub(ev.Start) < c.cfg.MinorStopThreshold {
		return LossMinorStop
	}
	return LossBreakdown
}

// Calculate derives the record for one equipment and window from the facts
// in it. State events may extend beyond the window and are clipped; an open
// state event runs to the window end. A window without any fact yields an
// all-zero record.
func (c *Calculator) Calculate(eq model.Equipment, w Window, facts []model.Fact) model.OEERecord {
	rec := model.OEERecord{
		EquipmentID:       eq.ID,
		WindowStart:       w.Start,
		WindowEnd:         w.End,
		IdealCycleSeconds: eq.IdealCycle(),
	}

	span := w.Span()
	var seen bool
	var downtime float64
	var losses model.LossBreakdown

	for _, f := range facts {
		switch f := f.(type) {
		case *model.StateEvent:
			iv := f.Interval(w.End)
			if !iv.Overlaps(span) {
				continue
			}
			seen = true
			if f.EffectiveCategory() != model.CategoryAvailabilityLoss {
				continue
			}

			var minutes float64
			for _, sched := range w.Scheduled {
				minutes += iv.Clip(sched).Duration().Minutes()
			}
			downtime += minutes

			switch c.Categorize(f) {
			case LossSetup:
				losses.Setup += minutes
			case LossMinorStop:
				losses.MinorStop += minutes
			default:
				losses.Breakdown += minutes
			}

		case *model.ProductionCount:
			if !inWindow(f.Timestamp, span) {
				continue
			}
			seen = true
			rec.TotalCount += f.Total
			rec.GoodCount += f.Good
			rec.DefectCount += f.Reject
			rec.ReworkCount += f.Rework

		case *model.QualityEvent:
			if !inWindow(f.Timestamp, span) {
				continue
			}
			seen = true
			if rec.DefectsByCategory == nil {
				rec.DefectsByCategory = make(map[string]int64)
			}
			rec.DefectsByCategory[f.Category] += f.Quantity
		}
	}

	if !seen {
		return rec
	}

	rec.PlannedMinutes = w.PlannedMinutes
	rec.CalendarMinutes = w.CalendarMinutes
	rec.DowntimeMinutes = downtime
	rec.OperatingMinutes = max(w.PlannedMinutes-downtime, 0)

	idealRun := rec.IdealCycleSeconds * float64(rec.TotalCount) / 60
	rec.NetOperatingMinutes = min(idealRun, rec.OperatingMinutes)

	losses.Speed = max(rec.OperatingMinutes-idealRun, 0)
	losses.Defect = rec.IdealCycleSeconds * float64(rec.DefectCount) / 60
	losses.Rework = rec.IdealCycleSeconds * float64(rec.ReworkCount) / 60
	rec.Losses = losses

	finish(&rec)
	return rec
}

// finish derives every ratio from the additive components. Calculate and
// Fold both end here, so a folded record is computed exactly like a direct
// one.
func finish(rec *model.OEERecord) {
	rec.Availability = ratio(rec.OperatingMinutes, rec.PlannedMinutes)
	// NetOperatingMinutes is zero without an ideal cycle time
	rec.Performance = ratio(rec.NetOperatingMinutes, rec.OperatingMinutes)
	rec.Quality = ratio(float64(rec.GoodCount), float64(rec.TotalCount))
	rec.OEE = rec.Availability * rec.Performance * rec.Quality
	rec.ProductiveMinutes = rec.NetOperatingMinutes * rec.Quality

	rec.TEEP = nil
	if rec.CalendarMinutes > 0 {
		teep := Clamp01(rec.OEE * rec.OperatingMinutes / rec.CalendarMinutes)
		rec.TEEP = &teep
	}
}

// ratio divides and clamps to [0,1]; a zero denominator yields 0.
func ratio(num, den float64) float64 {
	if den <= 0 {
		return 0
	}
	return Clamp01(num / den)
}

// Clamp01 limits v to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func inWindow(t time.Time, span model.Interval) bool {
	return !t.Before(span.Start) && t.Before(span.End)
}
