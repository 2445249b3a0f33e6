package oee

import (
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Window is the span an OEE record is computed over.
type Window struct {
	Start time.Time
	End   time.Time

	// Scheduled are the sub-intervals of [Start, End) during which the
	// equipment was planned to run. Downtime outside them is not counted.
	Scheduled []model.Interval

	// PlannedMinutes is the planned production time, net of breaks.
	PlannedMinutes float64

	// CalendarMinutes is the calendar-time baseline for TEEP; zero omits TEEP.
	CalendarMinutes float64
}

// Span returns the window as an interval.
func (w Window) Span() model.Interval {
	return model.Interval{Start: w.Start, End: w.End}
}

// ShiftWindow is the canonical window of one shift instance: planned time
// is the shift length minus its breaks.
func ShiftWindow(si model.ShiftInstance) Window {
	span := model.Interval{Start: si.Start, End: si.End}
	return Window{
		Start:          si.Start,
		End:            si.End,
		Scheduled:      []model.Interval{span},
		PlannedMinutes: si.NetPlannedMinutes(),
	}
}

// RangeWindow is an ad hoc window whose planned time is its wall-clock span.
func RangeWindow(from, to time.Time) Window {
	span := model.Interval{Start: from, End: to}
	return Window{
		Start:          from,
		End:            to,
		Scheduled:      []model.Interval{span},
		PlannedMinutes: span.Duration().Minutes(),
	}
}

// ShiftAwareWindow is an ad hoc window that only counts the parts covered by
// shift instances. Each shift contributes its overlap with the window,
// pro-rated for its breaks.
func ShiftAwareWindow(from, to time.Time, shifts []model.ShiftInstance) Window {
	w := Window{Start: from, End: to}
	span := w.Span()
	for _, si := range shifts {
		clipped := model.Interval{Start: si.Start, End: si.End}.Clip(span)
		overlap := clipped.Duration().Minutes()
		if overlap <= 0 {
			continue
		}
		w.Scheduled = append(w.Scheduled, clipped)
		if planned := si.PlannedMinutes(); planned > 0 {
			w.PlannedMinutes += overlap * si.NetPlannedMinutes() / planned
		}
	}
	return w
}

// WithCalendar sets the calendar-time baseline used for TEEP.
func (w Window) WithCalendar(minutes float64) Window {
	w.CalendarMinutes = minutes
	return w
}
