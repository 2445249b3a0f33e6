package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Reason codes and defect categories are free text, and every distinct value
// becomes a Pareto row. These limits keep a misbehaving client from flooding
// the downtime and quality breakdowns.
const (
	MaxCodesPerEquipment = 256
	MaxUniqueCodes       = 10000

	// Codes not seen for this long no longer count against the limits.
	codeRetentionPeriod = 30 * 24 * time.Hour
	cleanupInterval     = time.Hour
)

var (
	ErrCardinalityLimit          = errors.New("too many distinct codes across all equipment")
	ErrEquipmentCardinalityLimit = errors.New("too many distinct codes for this equipment")
)

// CardinalityTracker counts the distinct reason codes and defect categories
// each equipment reports.
type CardinalityTracker struct {
	mu  sync.Mutex
	now func() time.Time

	// equipment -> count
	perEquipment map[string]int
	seen         map[codeKey]time.Time
	lastCleanup  time.Time
}

type codeKey struct {
	equipment string
	field     string
	code      string
}

// NewCardinalityTracker creates a new cardinality tracker
func NewCardinalityTracker(now func() time.Time) *CardinalityTracker {
	return &CardinalityTracker{
		now:          now,
		perEquipment: make(map[string]int),
		seen:         make(map[codeKey]time.Time),
		lastCleanup:  now(),
	}
}

// codeOf returns the free-text code a fact carries, if any.
func codeOf(f model.Fact) (codeKey, bool) {
	switch f := f.(type) {
	case *model.StateEvent:
		if f.Reason != "" {
			return codeKey{f.EquipmentID, "reason", f.Reason}, true
		}
	case *model.QualityEvent:
		return codeKey{f.EquipmentID, "defect_category", f.Category}, true
	}
	return codeKey{}, false
}

// Check reports whether accepting f would exceed a limit. Codes already
// seen always pass.
func (c *CardinalityTracker) Check(f model.Fact) error {
	key, ok := codeOf(f)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()

	if _, exists := c.seen[key]; exists {
		return nil
	}
	if len(c.seen) >= MaxUniqueCodes {
		return model.Invalid(key.field, "%v", ErrCardinalityLimit)
	}
	if c.perEquipment[key.equipment] >= MaxCodesPerEquipment {
		return model.Invalid(key.field, "%v (max %d)", ErrEquipmentCardinalityLimit, MaxCodesPerEquipment)
	}
	return nil
}

// Record marks the code of a stored fact as seen.
func (c *CardinalityTracker) Record(f model.Fact) {
	key, ok := codeOf(f)
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, existed := c.seen[key]; !existed {
		c.perEquipment[key.equipment]++
	}
	c.seen[key] = c.now()
}

// cleanupLocked forgets codes not seen within the retention period.
// Must be called with c.mu held.
func (c *CardinalityTracker) cleanupLocked() {
	now := c.now()
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-codeRetentionPeriod)

	for key, lastSeen := range c.seen {
		if lastSeen.Before(cutoff) {
			delete(c.seen, key)
			if c.perEquipment[key.equipment]--; c.perEquipment[key.equipment] <= 0 {
				delete(c.perEquipment, key.equipment)
			}
		}
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var maxEquipment string
	var maxCount int
	for id, count := range c.perEquipment {
		if count > maxCount || (count == maxCount && id < maxEquipment) {
			maxCount = count
			maxEquipment = id
		}
	}

	return CardinalityStats{
		TotalCodes:        len(c.seen),
		Equipment:         len(c.perEquipment),
		MaxCodesEquipment: maxEquipment,
		MaxCodesCount:     maxCount,
		CodeLimit:         MaxUniqueCodes,
		PerEquipmentLimit: MaxCodesPerEquipment,
		UtilizationPct:    float64(len(c.seen)) / float64(MaxUniqueCodes) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalCodes        int     `json:"total_codes"`
	Equipment         int     `json:"equipment"`
	MaxCodesEquipment string  `json:"max_codes_equipment"`
	MaxCodesCount     int     `json:"max_codes_count"`
	CodeLimit         int     `json:"code_limit"`
	PerEquipmentLimit int     `json:"per_equipment_limit"`
	UtilizationPct    float64 `json:"utilization_percent"`
}
