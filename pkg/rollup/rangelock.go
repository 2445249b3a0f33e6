package rollup

import (
	"context"
	"sync"

	"github.com/nicktill/tinyoee/pkg/model"
)

// Mode is the kind of work holding a range.
type Mode int

const (
	// ModeRefresh is held by bucket computations on the ranges they read
	// and write.
	ModeRefresh Mode = iota

	// ModeLifecycle is the read hold taken by compression and retention on
	// the age range they touch.
	ModeLifecycle
)

// RangeLocks coordinates refreshes and lifecycle operations over time
// ranges of named resources (storage series families such as "fact" or
// "oee/1h"). Holds of the same mode never conflict; holds of different
// modes conflict when they share a resource and their ranges overlap.
// A zero Start means "since the beginning of time".
type RangeLocks struct {
	mu      sync.Mutex
	next    uint64
	held    map[uint64]rangeHold
	changed chan struct{}
}

type rangeHold struct {
	mode      Mode
	span      model.Interval
	resources []string
}

// NewRangeLocks creates an empty lock table.
func NewRangeLocks() *RangeLocks {
	return &RangeLocks{
		held:    make(map[uint64]rangeHold),
		changed: make(chan struct{}),
	}
}

// Acquire holds span on every resource at once. It blocks until no
// conflicting hold remains or ctx is done. The returned release func is
// idempotent.
func (l *RangeLocks) Acquire(ctx context.Context, mode Mode, span model.Interval, resources ...string) (func(), error) {
	h := rangeHold{mode: mode, span: span, resources: resources}
	for {
		l.mu.Lock()
		if !l.conflicts(h) {
			id := l.next
			l.next++
			l.held[id] = h
			l.mu.Unlock()

			var once sync.Once
			return func() { once.Do(func() { l.release(id) }) }, nil
		}
		wait := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Held returns the number of active holds.
func (l *RangeLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

func (l *RangeLocks) release(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	close(l.changed)
	l.changed = make(chan struct{})
}

// conflicts must be called with l.mu held.
func (l *RangeLocks) conflicts(h rangeHold) bool {
	for _, o := range l.held {
		if o.mode == h.mode || !overlaps(o.span, h.span) {
			continue
		}
		for _, a := range o.resources {
			for _, b := range h.resources {
				if a == b {
					return true
				}
			}
		}
	}
	return false
}

func overlaps(a, b model.Interval) bool {
	aBeforeBEnd := a.Start.IsZero() || a.Start.Before(b.End)
	bBeforeAEnd := b.Start.IsZero() || b.Start.Before(a.End)
	return aBeforeBEnd && bBeforeAEnd
}
