package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/model"
)

func TestRangeLocks(t *testing.T) {
	hour := model.Interval{Start: at(6, 0), End: at(7, 0)}
	later := model.Interval{Start: at(8, 0), End: at(9, 0)}
	aged := model.Interval{End: at(6, 30)}

	tests := []struct {
		name      string
		held      Mode
		heldSpan  model.Interval
		heldRes   []string
		want      Mode
		wantSpan  model.Interval
		wantRes   []string
		conflicts bool
	}{
		{"same mode shares", ModeRefresh, hour, []string{"fact"}, ModeRefresh, hour, []string{"fact"}, false},
		{"overlapping lifecycle blocks refresh", ModeLifecycle, aged, []string{"oee/1h"}, ModeRefresh, hour, []string{"fact", "oee/1h"}, true},
		{"disjoint range", ModeLifecycle, aged, []string{"oee/1h"}, ModeRefresh, later, []string{"oee/1h"}, false},
		{"other resource", ModeLifecycle, aged, []string{"oee/1d"}, ModeRefresh, hour, []string{"fact", "oee/1h"}, false},
		{"refresh blocks lifecycle", ModeRefresh, hour, []string{"fact"}, ModeLifecycle, aged, []string{"fact"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewRangeLocks()
			release, err := l.Acquire(context.Background(), tt.held, tt.heldSpan, tt.heldRes...)
			require.NoError(t, err)
			defer release()

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			second, err := l.Acquire(ctx, tt.want, tt.wantSpan, tt.wantRes...)
			if tt.conflicts {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				assert.Equal(t, 1, l.Held())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2, l.Held())
			second()
		})
	}
}

func TestRangeLocks_WakesOnRelease(t *testing.T) {
	l := NewRangeLocks()
	release, err := l.Acquire(context.Background(), ModeLifecycle, model.Interval{End: at(12, 0)}, "fact")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		r, err := l.Acquire(context.Background(), ModeRefresh, model.Interval{Start: at(6, 0), End: at(7, 0)}, "fact", "oee/1h")
		if err == nil {
			acquired <- r
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while a conflicting hold is active")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	release() // idempotent

	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Zero(t, l.Held())
}
