package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Pattern is a recurring shift definition. Instances are expanded from it
// ahead of time; the engine itself only ever works with instances.
type Pattern struct {
	Name         string   `yaml:"name"`
	WorkCenterID string   `yaml:"work_center"`
	Start        string   `yaml:"start"` // "22:00"
	End          string   `yaml:"end"`   // "06:00" crosses midnight
	BreakMinutes float64  `yaml:"break_minutes"`
	Days         []string `yaml:"days"` // weekday names, empty = every day
	Location     string   `yaml:"location"`
}

func (p Pattern) validate() error {
	if p.Name == "" {
		return fmt.Errorf("shift pattern without name")
	}
	if _, err := clock(p.Start); err != nil {
		return fmt.Errorf("shift pattern %s: start: %w", p.Name, err)
	}
	if _, err := clock(p.End); err != nil {
		return fmt.Errorf("shift pattern %s: end: %w", p.Name, err)
	}
	if _, err := p.location(); err != nil {
		return fmt.Errorf("shift pattern %s: %w", p.Name, err)
	}
	for _, d := range p.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("shift pattern %s: unknown day %q", p.Name, d)
		}
	}
	return nil
}

func (p Pattern) location() (*time.Location, error) {
	if p.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(p.Location)
}

func (p Pattern) runsOn(d time.Weekday) bool {
	if len(p.Days) == 0 {
		return true
	}
	for _, name := range p.Days {
		if weekdays[strings.ToLower(name)] == d {
			return true
		}
	}
	return false
}

// instance returns the occurrence of the pattern starting on the given
// calendar day.
func (p Pattern) instance(year int, month time.Month, day int) model.ShiftInstance {
	loc, _ := p.location()
	start, _ := clock(p.Start)
	end, _ := clock(p.End)

	s := time.Date(year, month, day, 0, 0, 0, 0, loc).Add(start)
	e := time.Date(year, month, day, 0, 0, 0, 0, loc).Add(end)
	if !e.After(s) {
		e = time.Date(year, month, day+1, 0, 0, 0, 0, loc).Add(end)
	}

	id := fmt.Sprintf("%s@%04d-%02d-%02d", p.Name, year, month, day)
	if p.WorkCenterID != "" {
		id = p.WorkCenterID + "/" + id
	}
	return model.ShiftInstance{
		ID:           id,
		Name:         p.Name,
		WorkCenterID: p.WorkCenterID,
		Start:        s.UTC(),
		End:          e.UTC(),
		BreakMinutes: p.BreakMinutes,
	}
}

// Expand creates the instances of every pattern starting within [from, to)
// and registers them. Instances already present are left untouched, so the
// call is safe to repeat. It returns the number of new instances.
func (r *Static) Expand(from, to time.Time) (int, error) {
	r.mu.RLock()
	patterns := append([]Pattern(nil), r.patterns...)
	r.mu.RUnlock()

	var fresh []model.ShiftInstance
	for _, p := range patterns {
		loc, err := p.location()
		if err != nil {
			return 0, err
		}
		// Start one day early so a shift that began yesterday in local time
		// but falls into the range in UTC is not missed.
		f := from.In(loc)
		d := time.Date(f.Year(), f.Month(), f.Day()-1, 0, 0, 0, 0, loc)
		last := to.In(loc)
		for ; !d.After(last); d = d.AddDate(0, 0, 1) {
			if !p.runsOn(d.Weekday()) {
				continue
			}
			si := p.instance(d.Year(), d.Month(), d.Day())
			if si.Start.Before(from) || !si.Start.Before(to) {
				continue
			}
			if r.known(si.ID) {
				continue
			}
			fresh = append(fresh, si)
		}
	}

	if err := r.AddShifts(fresh...); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

func (r *Static) known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

func clock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}
