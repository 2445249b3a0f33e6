package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/storage/memory"
)

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func ptr(t time.Time) *time.Time { return &t }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testRegistry(t *testing.T) *registry.Static {
	t.Helper()
	reg, err := registry.New(registry.File{
		Equipment: []model.Equipment{
			{ID: "press-1", WorkCenterID: "wc-press", IdealCycleSeconds: 30},
			{ID: "press-2", WorkCenterID: "wc-press", IdealCycleSeconds: 30},
		},
		Shifts: []model.ShiftInstance{
			{ID: "day", Name: "day", WorkCenterID: "wc-press", Start: at(6, 0), End: at(14, 0)},
			{ID: "late", Name: "late", WorkCenterID: "wc-press", Start: at(14, 0), End: at(22, 0)},
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestStore(t *testing.T) (*Store, *memory.Storage, *registry.Static) {
	t.Helper()
	st := memory.New()
	reg := testRegistry(t)
	s, err := NewStore(context.Background(), st, reg, discard())
	require.NoError(t, err)
	return s, st, reg
}

func state(eq string, s model.State, start time.Time, end *time.Time) *model.StateEvent {
	return &model.StateEvent{EquipmentID: eq, State: s, Start: start, End: end}
}

func TestAppend_AssignsSeqShiftAndID(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	sf, err := s.Append(ctx, state("press-1", model.StateProducing, at(6, 0), nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sf.Seq)
	assert.False(t, sf.Late)

	ev := sf.Fact.(*model.StateEvent)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "day", ev.ShiftID, "boundary instant belongs to the starting shift")

	sf, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(14, 0), Total: 10, Good: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sf.Seq)
	assert.Equal(t, "late", sf.Fact.(*model.ProductionCount).ShiftID)
}

func TestAppend_Rejections(t *testing.T) {
	s, _, reg := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, reg.Deactivate("press-2"))

	tests := []struct {
		name string
		fact model.Fact
	}{
		{"unknown equipment", state("press-9", model.StateDown, at(7, 0), nil)},
		{"deactivated equipment", state("press-2", model.StateDown, at(7, 0), nil)},
		{"no covering shift", state("press-1", model.StateDown, at(23, 0), nil)},
		{"unknown state", state("press-1", "SLEEPING", at(7, 0), nil)},
		{"end before start", state("press-1", model.StateDown, at(7, 0), ptr(at(6, 0)))},
		{"good exceeds total", &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(7, 0), Total: 5, Good: 6}},
		{"rework pushes counts past total", &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(7, 0), Total: 10, Good: 8, Reject: 2, Rework: 5}},
		{"counts overflow", &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(7, 0), Total: math.MaxInt64, Good: math.MaxInt64, Reject: 1}},
		{"typed nil event", (*model.StateEvent)(nil)},
		{"negative count", &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(7, 0), Total: -1}},
		{"zero quantity", &model.QualityEvent{EquipmentID: "press-1", Timestamp: at(7, 0), Category: "burr"}},
		{"no defect category", &model.QualityEvent{EquipmentID: "press-1", Timestamp: at(7, 0), Quantity: 1}},
		{"wrong shift reference", &model.ProductionCount{EquipmentID: "press-1", ShiftID: "late", Timestamp: at(7, 0), Total: 1, Good: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Append(ctx, tt.fact)
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.True(t, IsRejection(err))
		})
	}
	assert.Zero(t, s.Seq(), "rejected events consume no sequence numbers")
}

func TestAppend_OpenEventConflict(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, state("press-1", model.StateProducing, at(8, 0), nil))
	require.NoError(t, err)

	_, err = s.Append(ctx, state("press-1", model.StateDown, at(7, 30), nil))
	var cerr *model.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "press-1", cerr.EquipmentID)

	// A closed late event is history, not a second open event.
	sf, err := s.Append(ctx, state("press-1", model.StateDown, at(7, 0), ptr(at(7, 30))))
	require.NoError(t, err)
	assert.True(t, sf.Late)

	// Other equipment is unaffected.
	_, err = s.Append(ctx, state("press-2", model.StateDown, at(7, 30), nil))
	require.NoError(t, err)
}

func TestAppend_LateFlag(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(9, 0), Total: 5, Good: 5})
	require.NoError(t, err)

	sf, err := s.Append(ctx, &model.QualityEvent{EquipmentID: "press-1", Timestamp: at(8, 0), Quantity: 1, Category: "burr"})
	require.NoError(t, err)
	assert.True(t, sf.Late, "late relative to any earlier fact of the equipment")

	sf, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-2", Timestamp: at(8, 0), Total: 5, Good: 5})
	require.NoError(t, err)
	assert.False(t, sf.Late, "lateness is per equipment")
}

func TestQuery_DerivesEnds(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, ev := range []*model.StateEvent{
		state("press-1", model.StateProducing, at(6, 0), nil),
		state("press-1", model.StateDown, at(8, 0), nil),
		state("press-1", model.StateProducing, at(9, 0), nil),
	} {
		_, err := s.Append(ctx, ev)
		require.NoError(t, err)
	}

	facts, err := s.Query(ctx, "press-1", at(7, 0), at(8, 30), model.KindState)
	require.NoError(t, err)
	require.Len(t, facts, 2)

	first := facts[0].Fact.(*model.StateEvent)
	assert.Equal(t, at(6, 0), first.Start, "event started before the range is included")
	require.NotNil(t, first.End)
	assert.Equal(t, at(8, 0), *first.End)

	second := facts[1].Fact.(*model.StateEvent)
	require.NotNil(t, second.End)
	assert.Equal(t, at(9, 0), *second.End, "end derived from the event after the range")

	facts, err = s.Query(ctx, "press-1", at(10, 0), at(11, 0), model.KindState)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.True(t, facts[0].Fact.(*model.StateEvent).Open())

	status, err := s.CurrentState(ctx, "press-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateProducing, status.State)
	assert.Equal(t, at(9, 0), status.Since)
}

func TestQuery_ExcludesEventsEndedBeforeRange(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, state("press-1", model.StateDown, at(6, 0), ptr(at(6, 30))))
	require.NoError(t, err)

	facts, err := s.Query(ctx, "press-1", at(7, 0), at(8, 0), model.KindState)
	require.NoError(t, err)
	assert.Empty(t, facts)

	_, err = s.CurrentState(ctx, "press-1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStore_RestoresAfterReopen(t *testing.T) {
	s, st, reg := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, state("press-1", model.StateProducing, at(8, 0), nil))
	require.NoError(t, err)
	_, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(9, 0), Total: 1, Good: 1})
	require.NoError(t, err)

	reopened, err := NewStore(ctx, st, reg, discard())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), reopened.Seq())

	_, err = reopened.Append(ctx, state("press-1", model.StateDown, at(7, 0), nil))
	var cerr *model.ConflictError
	assert.ErrorAs(t, err, &cerr, "open event restored from storage")

	sf, err := reopened.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(8, 30), Total: 1, Good: 1})
	require.NoError(t, err)
	assert.True(t, sf.Late, "watermark restored from storage")
	assert.Equal(t, uint64(3), sf.Seq)
}

func TestAppend_ConcurrentEquipment(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	var seen sync.Map
	s.Subscribe(func(sf model.StoredFact) { seen.Store(sf.Seq, sf.Fact.Equipment()) })

	var wg sync.WaitGroup
	for _, eq := range []string{"press-1", "press-2"} {
		wg.Add(1)
		go func(eq string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := s.Append(ctx, &model.ProductionCount{
					EquipmentID: eq, Timestamp: at(6, i), Total: 1, Good: 1,
				})
				assert.NoError(t, err)
			}
		}(eq)
	}
	wg.Wait()

	assert.Equal(t, uint64(100), s.Seq())
	count := 0
	seen.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, 100, count, "every sequence number is unique")

	facts, err := s.Query(ctx, "press-1", day, day.Add(24*time.Hour), model.KindProduction)
	require.NoError(t, err)
	require.Len(t, facts, 50)
	for i := 1; i < len(facts); i++ {
		assert.True(t, facts[i-1].Seq < facts[i].Seq, "per-equipment sequence is monotonic")
	}
}

func TestAppend_RejectsFactsPastRetention(t *testing.T) {
	st := memory.New()
	s, err := NewStore(context.Background(), st, testRegistry(t), discard(),
		WithClock(func() time.Time { return at(15, 0) }),
		WithRetention(config.Policy{RetainFor: 2 * time.Hour}, 0))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(12, 0), Total: 1, Good: 1})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "timestamp", verr.Field)

	_, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(13, 30), Total: 1, Good: 1})
	require.NoError(t, err)
}

func TestAppend_IgnoresRedeliveredFact(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	notified := 0
	s.Subscribe(func(model.StoredFact) { notified++ })

	count := func() *model.ProductionCount {
		return &model.ProductionCount{ID: "msg-42", EquipmentID: "press-1", Timestamp: at(9, 0), Total: 5, Good: 5}
	}
	first, err := s.Append(ctx, count())
	require.NoError(t, err)
	again, err := s.Append(ctx, count())
	require.NoError(t, err)

	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, uint64(1), s.Seq())
	assert.Equal(t, 1, notified)

	facts, err := s.Query(ctx, "press-1", day, day.Add(24*time.Hour), model.KindProduction)
	require.NoError(t, err)
	assert.Len(t, facts, 1)

	// Same id at another time is a different fact.
	other := count()
	other.Timestamp = at(9, 5)
	_, err = s.Append(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Seq())
}

func TestQuery_BackfilledEventKeepsOpenEvent(t *testing.T) {
	s, st, reg := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, state("press-1", model.StateProducing, at(6, 0), nil))
	require.NoError(t, err)
	_, err = s.Append(ctx, &model.ProductionCount{EquipmentID: "press-1", Timestamp: at(10, 45), Total: 10, Good: 10})
	require.NoError(t, err)

	sf, err := s.Append(ctx, state("press-1", model.StateDown, at(10, 0), ptr(at(10, 30))))
	require.NoError(t, err)
	assert.True(t, sf.Late)
	assert.True(t, sf.Overlay)

	facts, err := s.Query(ctx, "press-1", at(6, 0), at(12, 0), model.KindState)
	require.NoError(t, err)
	require.Len(t, facts, 3)

	want := []struct {
		state      model.State
		start, end time.Time
	}{
		{model.StateProducing, at(6, 0), at(10, 0)},
		{model.StateDown, at(10, 0), at(10, 30)},
		{model.StateProducing, at(10, 30), time.Time{}},
	}
	for i, w := range want {
		ev := facts[i].Fact.(*model.StateEvent)
		assert.Equal(t, w.state, ev.State, i)
		assert.Equal(t, w.start, ev.Start, i)
		if w.end.IsZero() {
			assert.True(t, ev.Open(), "producing resumes after the back-filled stop")
		} else {
			require.NotNil(t, ev.End, i)
			assert.Equal(t, w.end, *ev.End, i)
		}
	}

	// A range after the stop still sees the open event.
	facts, err = s.Query(ctx, "press-1", at(11, 0), at(12, 0), model.KindState)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, model.StateProducing, facts[0].Fact.(*model.StateEvent).State)

	status, err := s.CurrentState(ctx, "press-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateProducing, status.State)
	assert.Equal(t, at(6, 0), status.Since)

	reopened, err := NewStore(ctx, st, reg, discard())
	require.NoError(t, err)
	status, err = reopened.CurrentState(ctx, "press-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateProducing, status.State, "open event restored behind the back-filled one")

	// Closing the open event later is a regular event, not an overlay.
	sf, err = reopened.Append(ctx, state("press-1", model.StateIdle, at(11, 0), nil))
	require.NoError(t, err)
	assert.False(t, sf.Overlay)
	status, err = reopened.CurrentState(ctx, "press-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateIdle, status.State)
}
