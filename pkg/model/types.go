// Package model defines the data model shared by every tinyoee component:
// configuration entities (equipment, hierarchy nodes, shift instances), the
// closed set of raw fact types, and the derived records the engine produces.
package model

import "time"

// Equipment is a single machine on the floor. It belongs to exactly one work
// center and carries the performance baseline used by the OEE calculator.
type Equipment struct {
	ID           string `json:"id" yaml:"id"`
	Code         string `json:"code" yaml:"code"`
	WorkCenterID string `json:"work_center_id" yaml:"work_center"`

	// IdealCycleSeconds is the theoretical time to produce one unit.
	IdealCycleSeconds float64 `json:"ideal_cycle_seconds,omitempty" yaml:"ideal_cycle_seconds"`

	// NominalRatePerHour is only consulted when IdealCycleSeconds is unset.
	NominalRatePerHour float64 `json:"nominal_rate_per_hour,omitempty" yaml:"nominal_rate_per_hour"`

	// Deactivated equipment keeps its facts but accepts no new events.
	Deactivated bool `json:"deactivated,omitempty" yaml:"deactivated"`
}

// Active reports whether the equipment accepts new events.
func (e Equipment) Active() bool { return !e.Deactivated }

// IdealCycle returns the canonical ideal cycle time in seconds per unit.
// The cycle time wins; a nominal rate is converted as 3600/rate. Zero means
// no baseline is configured.
func (e Equipment) IdealCycle() float64 {
	if e.IdealCycleSeconds > 0 {
		return e.IdealCycleSeconds
	}
	if e.NominalRatePerHour > 0 {
		return 3600 / e.NominalRatePerHour
	}
	return 0
}

// Level is a tier of the organizational hierarchy.
type Level string

const (
	LevelEquipment  Level = "equipment"
	LevelWorkCenter Level = "work_center"
	LevelArea       Level = "area"
	LevelSite       Level = "site"
	LevelEnterprise Level = "enterprise"
)

// Rank orders levels from leaf (0) to root (4). Unknown levels rank -1.
func (l Level) Rank() int {
	switch l {
	case LevelEquipment:
		return 0
	case LevelWorkCenter:
		return 1
	case LevelArea:
		return 2
	case LevelSite:
		return 3
	case LevelEnterprise:
		return 4
	}
	return -1
}

// Node is one vertex of the organizational hierarchy. Equipment appear as
// leaf nodes whose parent is their work center.
type Node struct {
	ID       string `json:"id" yaml:"id"`
	Level    Level  `json:"level" yaml:"level"`
	ParentID string `json:"parent_id,omitempty" yaml:"parent"`
}

// ShiftInstance is one dated occurrence of a shift pattern. It is the
// canonical OEE aggregation window.
type ShiftInstance struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// WorkCenterID restricts the shift to one work center. Empty applies the
	// shift to every work center.
	WorkCenterID string `json:"work_center_id,omitempty" yaml:"work_center"`

	Start        time.Time `json:"start" yaml:"start"`
	End          time.Time `json:"end" yaml:"end"`
	BreakMinutes float64   `json:"break_minutes" yaml:"break_minutes"`
}

// PlannedMinutes is the wall-clock length of the shift.
func (s ShiftInstance) PlannedMinutes() float64 {
	return s.End.Sub(s.Start).Minutes()
}

// NetPlannedMinutes is the planned length minus breaks, never negative.
func (s ShiftInstance) NetPlannedMinutes() float64 {
	net := s.PlannedMinutes() - s.BreakMinutes
	if net < 0 {
		return 0
	}
	return net
}

// Covers reports whether t falls in [Start, End). An instant on a boundary
// belongs to the shift beginning at that instant.
func (s ShiftInstance) Covers(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// AppliesTo reports whether the shift is scheduled for the given work center.
func (s ShiftInstance) AppliesTo(workCenterID string) bool {
	return s.WorkCenterID == "" || s.WorkCenterID == workCenterID
}

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns End-Start, or zero for an empty interval.
func (i Interval) Duration() time.Duration {
	if !i.End.After(i.Start) {
		return 0
	}
	return i.End.Sub(i.Start)
}

// Overlaps reports whether the two intervals share any instant.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Clip returns the intersection of i and o; the result may be empty.
func (i Interval) Clip(o Interval) Interval {
	out := i
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out
}
