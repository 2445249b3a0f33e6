package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies one of the three raw event streams.
type Kind string

const (
	KindState      Kind = "state"
	KindProduction Kind = "production"
	KindQuality    Kind = "quality"
)

// Kinds lists every fact kind in storage order.
var Kinds = []Kind{KindState, KindProduction, KindQuality}

// Fact is the closed set of raw events: *StateEvent, *ProductionCount and
// *QualityEvent. The unexported method keeps other packages from adding
// variants, so a type switch over these three is exhaustive.
type Fact interface {
	Kind() Kind
	Equipment() string
	EventTime() time.Time
	isFact()
}

// State is the operating state of a machine.
type State string

const (
	StateProducing   State = "PRODUCING"
	StateIdle        State = "IDLE"
	StateDown        State = "DOWN"
	StatePlannedStop State = "PLANNED_STOP"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateProducing, StateIdle, StateDown, StatePlannedStop:
		return true
	}
	return false
}

// DefaultCategory is the category used when an event does not carry one.
func (s State) DefaultCategory() StateCategory {
	switch s {
	case StateProducing:
		return CategoryProduction
	case StateDown:
		return CategoryAvailabilityLoss
	case StateIdle:
		return CategoryPerformanceLoss
	case StatePlannedStop:
		return CategoryPlanned
	}
	return ""
}

// StateCategory classifies a state for loss accounting.
type StateCategory string

const (
	CategoryProduction       StateCategory = "PRODUCTION"
	CategoryAvailabilityLoss StateCategory = "AVAILABILITY_LOSS"
	CategoryPerformanceLoss  StateCategory = "PERFORMANCE_LOSS"
	CategoryPlanned          StateCategory = "PLANNED"
)

// Valid reports whether c is a known category.
func (c StateCategory) Valid() bool {
	switch c {
	case CategoryProduction, CategoryAvailabilityLoss, CategoryPerformanceLoss, CategoryPlanned:
		return true
	}
	return false
}

// StateEvent is a half-open state interval [Start, End). A nil End marks the
// event as open: it lasts until the next state event of the same equipment.
type StateEvent struct {
	ID          string        `json:"id,omitempty"`
	EquipmentID string        `json:"equipment_id"`
	State       State         `json:"state"`
	Category    StateCategory `json:"category,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ShiftID     string        `json:"shift_id,omitempty"`
	Start       time.Time     `json:"start"`
	End         *time.Time    `json:"end,omitempty"`
}

func (e *StateEvent) Kind() Kind           { return KindState }
func (e *StateEvent) Equipment() string    { return e.EquipmentID }
func (e *StateEvent) EventTime() time.Time { return e.Start }
func (*StateEvent) isFact()                {}

// Open reports whether the event has no end yet.
func (e *StateEvent) Open() bool { return e.End == nil }

// Interval returns the event span, using openEnd when the event is open.
func (e *StateEvent) Interval(openEnd time.Time) Interval {
	if e.End != nil {
		return Interval{Start: e.Start, End: *e.End}
	}
	return Interval{Start: e.Start, End: openEnd}
}

// EffectiveCategory returns Category, falling back to the state's default.
func (e *StateEvent) EffectiveCategory() StateCategory {
	if e.Category != "" {
		return e.Category
	}
	return e.State.DefaultCategory()
}

// ProductionCount is a point-in-time (or short interval) tally of units.
type ProductionCount struct {
	ID          string    `json:"id,omitempty"`
	EquipmentID string    `json:"equipment_id"`
	ShiftID     string    `json:"shift_id,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Total       int64     `json:"total"`
	Good        int64     `json:"good"`
	Reject      int64     `json:"reject"`
	Rework      int64     `json:"rework"`
}

func (p *ProductionCount) Kind() Kind           { return KindProduction }
func (p *ProductionCount) Equipment() string    { return p.EquipmentID }
func (p *ProductionCount) EventTime() time.Time { return p.Timestamp }
func (*ProductionCount) isFact()                {}

// Severity of a quality event.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// QualityEvent records a defect, scrap or rework occurrence.
type QualityEvent struct {
	ID          string    `json:"id,omitempty"`
	EquipmentID string    `json:"equipment_id"`
	ShiftID     string    `json:"shift_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Quantity    int64     `json:"quantity"`
	Severity    Severity  `json:"severity,omitempty"`
	Category    string    `json:"defect_category"`
	Disposition string    `json:"disposition,omitempty"` // defect, scrap, rework
}

func (q *QualityEvent) Kind() Kind           { return KindQuality }
func (q *QualityEvent) Equipment() string    { return q.EquipmentID }
func (q *QualityEvent) EventTime() time.Time { return q.Timestamp }
func (*QualityEvent) isFact()                {}

// StoredFact is a fact as written by the fact store, with the ingestion
// sequence and the late-arrival flag.
type StoredFact struct {
	Fact       Fact
	Seq        uint64
	Late       bool
	IngestedAt time.Time

	// Overlay marks a closed state event back-filled after newer facts. It
	// replaces the state it covers for its duration and leaves the open
	// event open.
	Overlay bool
}

// Facts strips the storage envelope.
func Facts(stored []StoredFact) []Fact {
	out := make([]Fact, len(stored))
	for i, sf := range stored {
		out[i] = sf.Fact
	}
	return out
}

type storedFactJSON struct {
	Kind       Kind            `json:"kind"`
	Seq        uint64          `json:"seq"`
	Late       bool            `json:"late,omitempty"`
	Overlay    bool            `json:"overlay,omitempty"`
	IngestedAt time.Time       `json:"ingested_at"`
	Payload    json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the fact with an explicit kind tag.
func (s StoredFact) MarshalJSON() ([]byte, error) {
	if s.Fact == nil {
		return nil, fmt.Errorf("stored fact %d has no payload", s.Seq)
	}
	payload, err := json.Marshal(s.Fact)
	if err != nil {
		return nil, err
	}
	return json.Marshal(storedFactJSON{
		Kind:       s.Fact.Kind(),
		Seq:        s.Seq,
		Late:       s.Late,
		Overlay:    s.Overlay,
		IngestedAt: s.IngestedAt,
		Payload:    payload,
	})
}

// UnmarshalJSON decodes a kind-tagged fact.
func (s *StoredFact) UnmarshalJSON(data []byte) error {
	var raw storedFactJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f, err := DecodeFact(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	s.Fact = f
	s.Seq = raw.Seq
	s.Late = raw.Late
	s.Overlay = raw.Overlay
	s.IngestedAt = raw.IngestedAt
	return nil
}

// DecodeFact decodes a JSON payload into the concrete fact type for kind.
func DecodeFact(kind Kind, payload []byte) (Fact, error) {
	var f Fact
	switch kind {
	case KindState:
		f = &StateEvent{}
	case KindProduction:
		f = &ProductionCount{}
	case KindQuality:
		f = &QualityEvent{}
	default:
		return nil, fmt.Errorf("unknown fact kind %q", kind)
	}
	if err := json.Unmarshal(payload, f); err != nil {
		return nil, fmt.Errorf("decode %s fact: %w", kind, err)
	}
	return f, nil
}
