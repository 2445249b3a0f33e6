// Package registry holds the configuration entities the engine reads but
// never derives: equipment, the organizational hierarchy and the dated
// shift instances that act as OEE windows.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Registry is the read side used by ingestion, rollup and hierarchy.
type Registry interface {
	Equipment(id string) (model.Equipment, bool)
	AllEquipment() []model.Equipment
	Nodes() []model.Node

	// ShiftAt returns the shift instance covering t for the work center.
	ShiftAt(workCenterID string, t time.Time) (model.ShiftInstance, bool)

	// Shifts returns the instances for the work center overlapping [from, to),
	// ordered by start.
	Shifts(workCenterID string, from, to time.Time) []model.ShiftInstance
}

// File is the YAML layout of the registry file.
type File struct {
	Equipment []model.Equipment     `yaml:"equipment"`
	Nodes     []model.Node          `yaml:"nodes"`
	Patterns  []Pattern             `yaml:"shift_patterns"`
	Shifts    []model.ShiftInstance `yaml:"shifts"`
}

// Static is an in-memory registry loaded from a File. Shift instances can be
// added while running (expansion of patterns, pushes from a scheduler).
type Static struct {
	mu        sync.RWMutex
	equipment map[string]model.Equipment
	nodes     []model.Node
	patterns  []Pattern

	// shifts are indexed by work center; "" holds shifts for every center
	shifts map[string][]model.ShiftInstance
	ids    map[string]struct{}
}

// Load reads and validates a registry YAML file.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates registry YAML.
func Parse(data []byte) (*Static, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return New(f)
}

// New builds a registry from an already decoded File.
func New(f File) (*Static, error) {
	r := &Static{
		equipment: make(map[string]model.Equipment, len(f.Equipment)),
		shifts:    make(map[string][]model.ShiftInstance),
		ids:       make(map[string]struct{}),
	}

	nodeIDs := make(map[string]model.Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node without id")
		}
		if n.Level.Rank() < 1 {
			return nil, fmt.Errorf("node %s: invalid level %q", n.ID, n.Level)
		}
		if _, dup := nodeIDs[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node %s", n.ID)
		}
		nodeIDs[n.ID] = n
	}
	for _, n := range f.Nodes {
		if n.ParentID == "" {
			continue
		}
		parent, ok := nodeIDs[n.ParentID]
		if !ok {
			return nil, fmt.Errorf("node %s: unknown parent %s", n.ID, n.ParentID)
		}
		if parent.Level.Rank() <= n.Level.Rank() {
			return nil, fmt.Errorf("node %s: parent %s is not above level %s", n.ID, parent.ID, n.Level)
		}
	}
	r.nodes = append(r.nodes, f.Nodes...)

	for _, e := range f.Equipment {
		if e.ID == "" {
			return nil, fmt.Errorf("equipment without id")
		}
		if _, dup := r.equipment[e.ID]; dup {
			return nil, fmt.Errorf("duplicate equipment %s", e.ID)
		}
		if _, clash := nodeIDs[e.ID]; clash {
			return nil, fmt.Errorf("equipment %s clashes with a hierarchy node", e.ID)
		}
		if e.WorkCenterID == "" {
			return nil, fmt.Errorf("equipment %s: no work center", e.ID)
		}
		if len(nodeIDs) > 0 {
			wc, ok := nodeIDs[e.WorkCenterID]
			if !ok || wc.Level != model.LevelWorkCenter {
				return nil, fmt.Errorf("equipment %s: unknown work center %s", e.ID, e.WorkCenterID)
			}
		}
		if e.IdealCycleSeconds < 0 || e.NominalRatePerHour < 0 {
			return nil, fmt.Errorf("equipment %s: negative performance baseline", e.ID)
		}
		r.equipment[e.ID] = e
	}

	for _, p := range f.Patterns {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	r.patterns = append(r.patterns, f.Patterns...)

	if err := r.AddShifts(f.Shifts...); err != nil {
		return nil, err
	}
	return r, nil
}

// Equipment looks up one machine.
func (r *Static) Equipment(id string) (model.Equipment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.equipment[id]
	return e, ok
}

// AllEquipment returns every machine, ordered by id.
func (r *Static) AllEquipment() []model.Equipment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Equipment, 0, len(r.equipment))
	for _, e := range r.equipment {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deactivate soft-deactivates a machine. Its facts stay readable but new
// events are rejected.
func (r *Static) Deactivate(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.equipment[id]
	if !ok {
		return fmt.Errorf("equipment %s: %w", id, model.ErrNotFound)
	}
	e.Deactivated = true
	r.equipment[id] = e
	return nil
}

// Nodes returns the hierarchy including one leaf node per equipment.
func (r *Static) Nodes() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Node, 0, len(r.nodes)+len(r.equipment))
	out = append(out, r.nodes...)
	for _, e := range r.equipment {
		out = append(out, model.Node{ID: e.ID, Level: model.LevelEquipment, ParentID: e.WorkCenterID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddShifts registers shift instances. Instances already known by id are
// skipped; an instance overlapping another one for the same work center is
// rejected.
func (r *Static) AddShifts(instances ...model.ShiftInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, si := range instances {
		if _, ok := r.ids[si.ID]; ok {
			continue
		}
		if si.ID == "" {
			return fmt.Errorf("shift instance without id")
		}
		if !si.End.After(si.Start) {
			return fmt.Errorf("shift %s: end must be after start", si.ID)
		}
		if si.BreakMinutes < 0 || si.BreakMinutes > si.PlannedMinutes() {
			return fmt.Errorf("shift %s: break minutes out of range", si.ID)
		}
		if other, clash := r.overlapping(si); clash {
			return fmt.Errorf("shift %s overlaps %s", si.ID, other)
		}

		si.Start, si.End = si.Start.UTC(), si.End.UTC()
		list := append(r.shifts[si.WorkCenterID], si)
		sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
		r.shifts[si.WorkCenterID] = list
		r.ids[si.ID] = struct{}{}
	}
	return nil
}

func (r *Static) overlapping(si model.ShiftInstance) (string, bool) {
	span := model.Interval{Start: si.Start, End: si.End}
	for wc, list := range r.shifts {
		if si.WorkCenterID != "" && wc != "" && wc != si.WorkCenterID {
			continue
		}
		for _, o := range list {
			if span.Overlaps(model.Interval{Start: o.Start, End: o.End}) {
				return o.ID, true
			}
		}
	}
	return "", false
}

// ShiftAt returns the instance covering t for the work center.
func (r *Static) ShiftAt(workCenterID string, t time.Time) (model.ShiftInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, wc := range []string{workCenterID, ""} {
		list := r.shifts[wc]
		// last instance starting at or before t
		i := sort.Search(len(list), func(i int) bool { return list[i].Start.After(t) }) - 1
		if i >= 0 && list[i].Covers(t) {
			return list[i], true
		}
		if workCenterID == "" {
			break
		}
	}
	return model.ShiftInstance{}, false
}

// Shifts returns the instances overlapping [from, to) for the work center,
// including those scheduled for every center.
func (r *Static) Shifts(workCenterID string, from, to time.Time) []model.ShiftInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	window := model.Interval{Start: from, End: to}
	var out []model.ShiftInstance
	for _, wc := range []string{workCenterID, ""} {
		for _, si := range r.shifts[wc] {
			if !si.Start.Before(to) {
				break
			}
			if window.Overlaps(model.Interval{Start: si.Start, End: si.End}) {
				out = append(out, si)
			}
		}
		if workCenterID == "" {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// AllShifts returns every instance overlapping [from, to), any work center.
func (r *Static) AllShifts(from, to time.Time) []model.ShiftInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	window := model.Interval{Start: from, End: to}
	var out []model.ShiftInstance
	for _, list := range r.shifts {
		for _, si := range list {
			if window.Overlaps(model.Interval{Start: si.Start, End: si.End}) {
				out = append(out, si)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

var _ Registry = (*Static)(nil)
