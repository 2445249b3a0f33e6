package ingest

import (
	"fmt"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
)

// Validation limits
const (
	MaxIDLength       = 128 // Maximum length of any identifier
	MaxCategoryLength = 64  // Maximum defect category length
)

var (
	// ErrTooManyEvents is returned when an ingest request carries too many events
	ErrTooManyEvents = fmt.Errorf("too many events in request (max %d)", config.IngestMaxEventsPerReq)
)

// validateFact checks the shape of a fact. Referential checks (equipment,
// shift coverage) happen in the store.
func validateFact(f model.Fact) error {
	if isNil(f) {
		return model.Invalid("", "empty event")
	}
	if f.Equipment() == "" {
		return model.Invalid("equipment_id", "required")
	}
	if len(f.Equipment()) > MaxIDLength {
		return model.Invalid("equipment_id", "longer than %d chars", MaxIDLength)
	}
	if f.EventTime().IsZero() {
		return model.Invalid("timestamp", "required")
	}

	switch f := f.(type) {
	case *model.StateEvent:
		return validateState(f)
	case *model.ProductionCount:
		return validateProduction(f)
	case *model.QualityEvent:
		return validateQuality(f)
	}
	return model.Invalid("kind", "unsupported event type %T", f)
}

func validateState(e *model.StateEvent) error {
	if !e.State.Valid() {
		return model.Invalid("state", "unknown state %q", e.State)
	}
	if e.Category != "" && !e.Category.Valid() {
		return model.Invalid("category", "unknown category %q", e.Category)
	}
	if len(e.Reason) > config.IngestMaxReasonLength {
		return model.Invalid("reason", "longer than %d chars", config.IngestMaxReasonLength)
	}
	if e.End != nil && !e.End.After(e.Start) {
		return model.Invalid("end", "must be after start")
	}
	return nil
}

// isNil also catches a typed nil pointer inside the interface.
func isNil(f model.Fact) bool {
	switch f := f.(type) {
	case nil:
		return true
	case *model.StateEvent:
		return f == nil
	case *model.ProductionCount:
		return f == nil
	case *model.QualityEvent:
		return f == nil
	}
	return false
}

func validateProduction(p *model.ProductionCount) error {
	if p.Total < 0 || p.Good < 0 || p.Reject < 0 || p.Rework < 0 {
		return model.Invalid("total", "counts must not be negative")
	}
	// Subtract instead of summing so large counts cannot overflow.
	left := p.Total
	for _, c := range []struct {
		field string
		n     int64
	}{{"good", p.Good}, {"reject", p.Reject}, {"rework", p.Rework}} {
		if c.n > left {
			return model.Invalid(c.field, "good (%d) + reject (%d) + rework (%d) exceeds total (%d)",
				p.Good, p.Reject, p.Rework, p.Total)
		}
		left -= c.n
	}
	return nil
}

func validateQuality(q *model.QualityEvent) error {
	if q.Quantity <= 0 {
		return model.Invalid("quantity", "must be positive")
	}
	if q.Category == "" {
		return model.Invalid("defect_category", "required")
	}
	if len(q.Category) > MaxCategoryLength {
		return model.Invalid("defect_category", "longer than %d chars", MaxCategoryLength)
	}
	switch q.Severity {
	case "", model.SeverityMinor, model.SeverityMajor, model.SeverityCritical:
	default:
		return model.Invalid("severity", "unknown severity %q", q.Severity)
	}
	switch q.Disposition {
	case "", "defect", "scrap", "rework":
	default:
		return model.Invalid("disposition", "unknown disposition %q", q.Disposition)
	}
	return nil
}
