package model

import "time"

// LossBreakdown apportions lost time (minutes) to ISO 22400 loss categories.
type LossBreakdown struct {
	Breakdown float64 `json:"breakdown"`
	Setup     float64 `json:"setup"`
	MinorStop float64 `json:"minor_stop"`
	Speed     float64 `json:"speed"`
	Defect    float64 `json:"defect"`
	Rework    float64 `json:"rework"`
}

// Add returns the component-wise sum.
func (l LossBreakdown) Add(o LossBreakdown) LossBreakdown {
	return LossBreakdown{
		Breakdown: l.Breakdown + o.Breakdown,
		Setup:     l.Setup + o.Setup,
		MinorStop: l.MinorStop + o.MinorStop,
		Speed:     l.Speed + o.Speed,
		Defect:    l.Defect + o.Defect,
		Rework:    l.Rework + o.Rework,
	}
}

// OEERecord is the derived efficiency record for one equipment and window.
// All ratios are clamped to [0,1] and OEE == Availability*Performance*Quality.
type OEERecord struct {
	EquipmentID string    `json:"equipment_id"`
	Tier        string    `json:"tier"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	IdealCycleSeconds float64 `json:"ideal_cycle_seconds"`

	PlannedMinutes      float64 `json:"planned_minutes"`
	DowntimeMinutes     float64 `json:"downtime_minutes"`
	OperatingMinutes    float64 `json:"operating_minutes"`
	NetOperatingMinutes float64 `json:"net_operating_minutes"`
	ProductiveMinutes   float64 `json:"productive_minutes"`
	CalendarMinutes     float64 `json:"calendar_minutes,omitempty"`

	Availability float64  `json:"availability"`
	Performance  float64  `json:"performance"`
	Quality      float64  `json:"quality"`
	OEE          float64  `json:"oee"`
	TEEP         *float64 `json:"teep,omitempty"`

	TotalCount  int64 `json:"total_count"`
	GoodCount   int64 `json:"good_count"`
	DefectCount int64 `json:"defect_count"`
	ReworkCount int64 `json:"rework_count"`

	Losses LossBreakdown `json:"losses"`

	// DefectsByCategory tallies quality-event quantities per defect category.
	DefectsByCategory map[string]int64 `json:"defects_by_category,omitempty"`
}

// DowntimeCause is one ranked entry of a downtime summary.
type DowntimeCause struct {
	Cause         string  `json:"cause"`
	TotalMinutes  float64 `json:"total_minutes"`
	Percentage    float64 `json:"percentage"`
	IncidentCount int     `json:"incident_count"`
}

// DowntimeCauseSummary ranks downtime causes for one equipment and period.
type DowntimeCauseSummary struct {
	EquipmentID  string          `json:"equipment_id"`
	Period       Interval        `json:"period"`
	TotalMinutes float64         `json:"total_minutes"`
	Causes       []DowntimeCause `json:"causes"`
}

// ReliabilitySummary holds MTBF/MTTR for one equipment and period.
// MTTRHours is nil when no failure was observed.
type ReliabilitySummary struct {
	EquipmentID  string   `json:"equipment_id"`
	Period       Interval `json:"period"`
	RuntimeHours float64  `json:"runtime_hours"`
	FailureCount int      `json:"failure_count"`
	MTBFHours    float64  `json:"mtbf_hours"`
	MTTRHours    *float64 `json:"mttr_hours"`
}

// KPISummary is the per-node efficiency summary for one period.
type KPISummary struct {
	NodeID      string    `json:"node_id"`
	Level       Level     `json:"level"`
	Tier        string    `json:"tier"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	OperatingMinutes float64 `json:"operating_minutes"`
	Availability     float64 `json:"availability"`
	Performance      float64 `json:"performance"`
	Quality          float64 `json:"quality"`
	OEE              float64 `json:"oee"`

	ProductionCount int64   `json:"production_count"`
	ScrapCount      int64   `json:"scrap_count"`
	ScrapRate       float64 `json:"scrap_rate"`
}

// QualityMetrics summarises quality for one equipment and period.
type QualityMetrics struct {
	EquipmentID       string           `json:"equipment_id"`
	Period            Interval         `json:"period"`
	TotalCount        int64            `json:"total_count"`
	GoodCount         int64            `json:"good_count"`
	RejectCount       int64            `json:"reject_count"`
	ReworkCount       int64            `json:"rework_count"`
	FirstPassYield    float64          `json:"first_pass_yield"`
	DefectRate        float64          `json:"defect_rate"`
	DefectsByCategory map[string]int64 `json:"defects_by_category,omitempty"`
}

// EquipmentStatus is the current (open) state of one equipment.
type EquipmentStatus struct {
	EquipmentID string        `json:"equipment_id"`
	State       State         `json:"state"`
	Category    StateCategory `json:"category"`
	Reason      string        `json:"reason,omitempty"`
	Since       time.Time     `json:"since"`
}
