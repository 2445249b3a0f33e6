package rollup

import (
	"fmt"
	"time"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
)

// Tier is a configured rollup resolution with its fold relations resolved.
type Tier struct {
	config.Tier

	// parents are the tiers folding this one.
	parents []string
}

// FromFacts reports whether buckets are computed from raw facts.
func (t Tier) FromFacts() bool { return t.Source == config.SourceFacts }

// ShiftTier reports whether buckets are shift instances.
func (t Tier) ShiftTier() bool { return t.Source == config.SourceShifts }

// Folds reports whether buckets are folded from a finer tier.
func (t Tier) Folds() bool { return !t.FromFacts() && !t.ShiftTier() }

// Align returns the start of the bucket containing ts. Buckets are aligned
// to UTC midnight.
func (t Tier) Align(ts time.Time) time.Time {
	return ts.UTC().Truncate(t.Duration)
}

// Span returns the bucket starting at start.
func (t Tier) Span(start time.Time) model.Interval {
	return model.Interval{Start: start, End: start.Add(t.Duration)}
}

// Resource is the range-lock name of the tier's bucket series.
func (t Tier) Resource() string { return NamespaceBuckets + "/" + t.Name }

// orderTiers returns the tiers so that every tier follows its source.
func orderTiers(cfg []config.Tier) ([]*Tier, error) {
	byName := make(map[string]*Tier, len(cfg))
	for _, c := range cfg {
		byName[c.Name] = &Tier{Tier: c}
	}
	for _, c := range cfg {
		if t := byName[c.Name]; t.Folds() {
			src, ok := byName[t.Source]
			if !ok {
				return nil, fmt.Errorf("tier %s: unknown source %s", t.Name, t.Source)
			}
			src.parents = append(src.parents, t.Name)
		}
	}

	var ordered []*Tier
	placed := make(map[string]bool, len(cfg))
	for len(ordered) < len(cfg) {
		progress := false
		for _, c := range cfg {
			t := byName[c.Name]
			if placed[t.Name] || (t.Folds() && !placed[t.Source]) {
				continue
			}
			ordered = append(ordered, t)
			placed[t.Name] = true
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("tier sources form a cycle")
		}
	}
	return ordered, nil
}
