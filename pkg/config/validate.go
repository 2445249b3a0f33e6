package config

import (
	"fmt"
	"time"
)

// Validate checks the tier ladder and the lifecycle policies.
//
// Fold sources must be finer tiers whose duration divides the coarser one.
// Day-aligned buckets are computed in UTC, so no tier may exceed a day.
// Along each fold chain a coarser tier is retained at least as long as its
// source, and no policy deletes data before it is compressed.
func (c *Config) Validate() error {
	byName := make(map[string]Tier, len(c.Tiers))
	for _, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier without name")
		}
		if _, dup := byName[t.Name]; dup {
			return fmt.Errorf("duplicate tier %s", t.Name)
		}
		if t.Lag < 0 {
			return fmt.Errorf("tier %s: negative lag", t.Name)
		}
		if err := t.Policy.validate(); err != nil {
			return fmt.Errorf("tier %s: %w", t.Name, err)
		}
		if t.Source != SourceShifts {
			if t.Duration <= 0 || t.Duration > 24*time.Hour || (24*time.Hour)%t.Duration != 0 {
				return fmt.Errorf("tier %s: duration must divide one day", t.Name)
			}
		}
		byName[t.Name] = t
	}

	for _, t := range c.Tiers {
		switch t.Source {
		case SourceFacts, SourceShifts:
			continue
		}
		src, ok := byName[t.Source]
		if !ok {
			return fmt.Errorf("tier %s: unknown source %q", t.Name, t.Source)
		}
		if src.Source == SourceShifts {
			return fmt.Errorf("tier %s: cannot fold shift tier %s", t.Name, src.Name)
		}
		if src.Duration >= t.Duration || t.Duration%src.Duration != 0 {
			return fmt.Errorf("tier %s: source %s must be a finer divisor", t.Name, src.Name)
		}
		if t.RetainFor > 0 && src.RetainFor > 0 && t.RetainFor < src.RetainFor {
			return fmt.Errorf("tier %s: retained shorter than its source %s", t.Name, src.Name)
		}
	}

	// Fold chains must terminate at facts.
	for _, t := range c.Tiers {
		seen := map[string]bool{}
		for cur := t; cur.Source != SourceFacts && cur.Source != SourceShifts; cur = byName[cur.Source] {
			if seen[cur.Name] {
				return fmt.Errorf("tier %s: source cycle", t.Name)
			}
			seen[cur.Name] = true
		}
	}

	if err := c.Facts.validate(); err != nil {
		return fmt.Errorf("facts: %w", err)
	}

	for _, name := range c.KPI.Tiers {
		t, ok := byName[name]
		if !ok {
			return fmt.Errorf("kpi: unknown tier %q", name)
		}
		if t.Source == SourceShifts {
			return fmt.Errorf("kpi: shift tier %s has no common period across work centers", name)
		}
	}

	for reason, loss := range c.Analysis.LossCategories {
		switch loss {
		case "breakdown", "setup", "minor_stop":
		default:
			return fmt.Errorf("analysis: reason %s maps to unknown loss %q", reason, loss)
		}
	}
	return nil
}

func (p Policy) validate() error {
	if p.CompressAfter < 0 || p.RetainFor < 0 {
		return fmt.Errorf("negative policy age")
	}
	if p.RetainFor > 0 && p.CompressAfter > 0 && p.RetainFor < p.CompressAfter {
		return fmt.Errorf("retain_for shorter than compress_after")
	}
	return nil
}
