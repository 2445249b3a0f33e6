package storage

import (
	"context"
	"fmt"
	"time"
)

var (
	markSet     = []byte{1}
	markCleared = []byte{0}
)

// Marks is a persisted set of pending instants, one series per (id, sub).
// Clearing an instant overwrites its record, so a cleared mark lingers until
// retention deletes it.
type Marks struct {
	storage   Storage
	namespace string
}

// NewMarks keeps marks in their own namespace of st.
func NewMarks(st Storage, namespace string) *Marks {
	return &Marks{storage: st, namespace: namespace}
}

// Namespace returns the storage namespace of the marks.
func (m *Marks) Namespace() string { return m.namespace }

func (m *Marks) series(id, sub string) SeriesKey {
	return SeriesKey{Namespace: m.namespace, ID: id, Sub: sub}
}

// Set marks instants as pending.
func (m *Marks) Set(ctx context.Context, id, sub string, ts ...time.Time) error {
	return m.write(ctx, id, sub, markSet, ts)
}

// Clear marks instants as done.
func (m *Marks) Clear(ctx context.Context, id, sub string, ts ...time.Time) error {
	return m.write(ctx, id, sub, markCleared, ts)
}

func (m *Marks) write(ctx context.Context, id, sub string, value []byte, ts []time.Time) error {
	if len(ts) == 0 {
		return nil
	}
	recs := make([]Record, len(ts))
	for i, t := range ts {
		recs[i] = Record{Series: m.series(id, sub), Time: t, Value: value}
	}
	if err := m.storage.Put(ctx, recs); err != nil {
		return fmt.Errorf("write %s marks: %w", m.series(id, sub), err)
	}
	return nil
}

// Pending returns the instants still marked, oldest first.
func (m *Marks) Pending(ctx context.Context, id, sub string) ([]time.Time, error) {
	recs, err := m.storage.Scan(ctx, ScanRequest{Series: m.series(id, sub)})
	if err != nil {
		return nil, fmt.Errorf("read %s marks: %w", m.series(id, sub), err)
	}
	var out []time.Time
	for _, r := range recs {
		if len(r.Value) == 1 && r.Value[0] == markSet[0] {
			out = append(out, r.Time.UTC())
		}
	}
	return out, nil
}
