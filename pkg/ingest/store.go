package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/registry"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// Storage namespaces owned by the fact store.
const (
	NamespaceFacts = "fact"
	namespaceMarks = "mark"
)

// markTime is the fixed timestamp of per-equipment mark records.
var markTime = time.Unix(0, 0).UTC()

// Observer is notified after every successful append.
type Observer func(model.StoredFact)

// Store is the append-only fact store. Appends for one equipment are
// serialized; appends for different equipment run concurrently.
type Store struct {
	storage  storage.Storage
	registry registry.Registry
	logger   *slog.Logger
	now      func() time.Time

	seq   atomic.Uint64
	codes *CardinalityTracker

	// facts older than the retention cutoff are rejected
	retention config.Policy
	guard     time.Duration

	mu    sync.Mutex
	state map[string]*equipmentState

	obsMu     sync.RWMutex
	observers []Observer
}

// equipmentState is the per-equipment ordering lock plus what the lock
// protects: the newest event time seen and the current open state event.
type equipmentState struct {
	mu     sync.Mutex
	loaded bool
	latest time.Time
	open   *model.StateEvent
}

// mark is persisted with every append so the sequence and the late-arrival
// watermark survive restarts.
type mark struct {
	Seq    uint64    `json:"seq"`
	Latest time.Time `json:"latest"`
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithRetention rejects facts older than the fact retention cutoff, whose
// neighbours may already be deleted. guard is the lifecycle retention guard.
func WithRetention(p config.Policy, guard time.Duration) StoreOption {
	return func(s *Store) {
		s.retention = p
		s.guard = guard
	}
}

// NewStore opens the fact store and seeds the ingestion sequence from the
// persisted marks.
func NewStore(ctx context.Context, st storage.Storage, reg registry.Registry, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	s := &Store{
		storage:  st,
		registry: reg,
		logger:   logger,
		now:      time.Now,
		state:    make(map[string]*equipmentState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.codes = NewCardinalityTracker(s.now)

	keys, err := st.Series(ctx, namespaceMarks)
	if err != nil {
		return nil, fmt.Errorf("list sequence marks: %w", err)
	}
	var maxSeq uint64
	for _, k := range keys {
		m, ok, err := s.loadMark(ctx, k.ID)
		if err != nil {
			return nil, err
		}
		if ok && m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	s.seq.Store(maxSeq)
	logger.Debug("fact store opened", slog.Uint64("seq", maxSeq), slog.Int("equipment", len(keys)))
	return s, nil
}

// Subscribe registers an observer for appended facts.
func (s *Store) Subscribe(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Cardinality returns the distinct reason and defect codes seen so far.
func (s *Store) Cardinality() CardinalityStats { return s.codes.Stats() }

// Seq returns the last assigned ingestion sequence.
func (s *Store) Seq() uint64 { return s.seq.Load() }

// Append validates and stores one fact. A fact older than the newest fact
// already stored for its equipment is accepted and flagged late; a late
// closed state event is stored as an overlay. A fact carrying the id and
// event time of a stored fact is a redelivery: the stored fact is returned
// and nothing is written.
func (s *Store) Append(ctx context.Context, f model.Fact) (model.StoredFact, error) {
	if err := validateFact(f); err != nil {
		return model.StoredFact{}, err
	}
	if cut := s.retention.RetentionCutoff(s.now(), s.guard); f.EventTime().Before(cut) {
		return model.StoredFact{}, model.Invalid("timestamp", "%s is past fact retention (cutoff %s)",
			f.EventTime().UTC().Format(time.RFC3339), cut.Format(time.RFC3339))
	}

	eq, ok := s.registry.Equipment(f.Equipment())
	if !ok {
		return model.StoredFact{}, model.Invalid("equipment_id", "unknown equipment %q", f.Equipment())
	}
	if !eq.Active() {
		return model.StoredFact{}, model.Invalid("equipment_id", "equipment %q is deactivated", eq.ID)
	}

	si, ok := s.registry.ShiftAt(eq.WorkCenterID, f.EventTime())
	if !ok {
		return model.StoredFact{}, model.Invalid("timestamp", "no shift instance covers %s for %s",
			f.EventTime().UTC().Format(time.RFC3339), eq.WorkCenterID)
	}
	if err := attachShift(f, si.ID); err != nil {
		return model.StoredFact{}, err
	}

	es := s.equipment(eq.ID)
	es.mu.Lock()
	defer es.mu.Unlock()

	if err := s.ensureLoaded(ctx, eq.ID, es); err != nil {
		return model.StoredFact{}, err
	}

	if prev, ok, err := s.stored(ctx, f); err != nil {
		return model.StoredFact{}, err
	} else if ok {
		s.logger.Debug("duplicate fact ignored",
			slog.String("equipment_id", eq.ID),
			slog.String("id", factID(f)),
			slog.Uint64("seq", prev.Seq))
		return prev, nil
	}

	if ev, isState := f.(*model.StateEvent); isState && ev.Open() && es.open != nil && ev.Start.Before(es.open.Start) {
		err := &model.ConflictError{
			EquipmentID: eq.ID,
			Reason: fmt.Sprintf("open %s event at %s precedes the open %s event at %s",
				ev.State, ev.Start.UTC().Format(time.RFC3339), es.open.State, es.open.Start.UTC().Format(time.RFC3339)),
		}
		s.logger.Warn("state conflict rejected", slog.String("equipment_id", eq.ID), slog.String("err", err.Error()))
		return model.StoredFact{}, err
	}

	if err := s.codes.Check(f); err != nil {
		return model.StoredFact{}, err
	}

	assignID(f)
	seq := s.seq.Add(1)
	sf := model.StoredFact{
		Fact:       f,
		Seq:        seq,
		Late:       !es.latest.IsZero() && f.EventTime().Before(es.latest),
		IngestedAt: s.now().UTC(),
	}
	if ev, isState := f.(*model.StateEvent); isState && sf.Late && !ev.Open() {
		sf.Overlay = true
	}

	latest := es.latest
	if f.EventTime().After(latest) {
		latest = f.EventTime()
	}

	value, err := json.Marshal(sf)
	if err != nil {
		return model.StoredFact{}, fmt.Errorf("encode fact: %w", err)
	}
	markValue, err := json.Marshal(mark{Seq: seq, Latest: latest})
	if err != nil {
		return model.StoredFact{}, fmt.Errorf("encode mark: %w", err)
	}

	err = s.storage.Put(ctx, []storage.Record{
		{Series: FactSeries(eq.ID, f.Kind()), Time: f.EventTime(), Seq: seq, Value: value},
		{Series: markSeries(eq.ID), Time: markTime, Value: markValue},
	})
	if err != nil {
		return model.StoredFact{}, fmt.Errorf("store fact: %w", err)
	}

	es.latest = latest
	s.codes.Record(f)
	if ev, isState := f.(*model.StateEvent); isState && !sf.Overlay {
		if es.open == nil || !ev.Start.Before(es.open.Start) {
			if ev.Open() {
				cp := *ev
				es.open = &cp
			} else {
				es.open = nil
			}
		}
	}

	if sf.Late {
		s.logger.Debug("late fact accepted",
			slog.String("equipment_id", eq.ID),
			slog.String("kind", string(f.Kind())),
			slog.Time("event_time", f.EventTime()),
			slog.Time("latest", es.latest))
	}

	s.notify(sf)
	return sf, nil
}

func (s *Store) notify(sf model.StoredFact) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, o := range s.observers {
		o(sf)
	}
}

func (s *Store) equipment(id string) *equipmentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	es, ok := s.state[id]
	if !ok {
		es = &equipmentState{}
		s.state[id] = es
	}
	return es
}

// ensureLoaded restores the watermark and the open state event from storage
// the first time an equipment is touched. Caller holds es.mu.
func (s *Store) ensureLoaded(ctx context.Context, equipmentID string, es *equipmentState) error {
	if es.loaded {
		return nil
	}

	m, ok, err := s.loadMark(ctx, equipmentID)
	if err != nil {
		return err
	}
	if ok {
		es.latest = m.Latest
	}

	sf, ok, err := s.lastRegular(ctx, equipmentID, time.Time{})
	if err != nil {
		return fmt.Errorf("load open state for %s: %w", equipmentID, err)
	}
	if ok {
		if ev := sf.Fact.(*model.StateEvent); ev.Open() {
			es.open = ev
		}
	}

	es.loaded = true
	return nil
}

// lastRegular returns the newest state event starting before the given
// time (zero = no bound) that is not an overlay.
func (s *Store) lastRegular(ctx context.Context, equipmentID string, before time.Time) (model.StoredFact, bool, error) {
	series := FactSeries(equipmentID, model.KindState)
	for {
		rec, ok, err := s.storage.Last(ctx, series, before)
		if err != nil || !ok {
			return model.StoredFact{}, false, err
		}
		sf, err := decodeRecord(rec)
		if err != nil {
			return model.StoredFact{}, false, err
		}
		if !sf.Overlay {
			return sf, true, nil
		}
		before = rec.Time
	}
}

// stored returns the fact already stored under f's id and event time.
func (s *Store) stored(ctx context.Context, f model.Fact) (model.StoredFact, bool, error) {
	id := factID(f)
	if id == "" {
		return model.StoredFact{}, false, nil
	}
	same, err := s.scan(ctx, f.Equipment(), f.Kind(), f.EventTime(), f.EventTime().Add(time.Nanosecond), 0)
	if err != nil {
		return model.StoredFact{}, false, err
	}
	for _, sf := range same {
		if factID(sf.Fact) == id {
			return sf, true, nil
		}
	}
	return model.StoredFact{}, false, nil
}

func (s *Store) loadMark(ctx context.Context, equipmentID string) (mark, bool, error) {
	rec, ok, err := s.storage.Last(ctx, markSeries(equipmentID), time.Time{})
	if err != nil || !ok {
		return mark{}, false, err
	}
	var m mark
	if err := json.Unmarshal(rec.Value, &m); err != nil {
		return mark{}, false, fmt.Errorf("decode mark for %s: %w", equipmentID, err)
	}
	return m, true, nil
}

// Query returns the facts of one kind for an equipment within [from, to),
// ordered by event time then sequence. State events are returned when they
// overlap the range, including one that started before it; each carries its
// effective end (the next state event's start when that comes first). An
// event still open has a nil End.
func (s *Store) Query(ctx context.Context, equipmentID string, from, to time.Time, kind model.Kind) ([]model.StoredFact, error) {
	if kind != model.KindState {
		return s.scan(ctx, equipmentID, kind, from, to, 0)
	}

	// Events before the range, back to the regular event still in effect
	// at its start.
	var events []model.StoredFact
	cursor := from
	for {
		rec, ok, err := s.storage.Last(ctx, FactSeries(equipmentID, model.KindState), cursor)
		if err != nil {
			return nil, fmt.Errorf("query previous state: %w", err)
		}
		if !ok {
			break
		}
		sf, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		events = append([]model.StoredFact{sf}, events...)
		if !sf.Overlay {
			break
		}
		cursor = rec.Time
	}

	inRange, err := s.scan(ctx, equipmentID, model.KindState, from, to, 0)
	if err != nil {
		return nil, err
	}
	events = append(events, inRange...)

	next, err := s.scan(ctx, equipmentID, model.KindState, to, time.Time{}, 1)
	if err != nil {
		return nil, err
	}

	events = append(events, next...)

	var out []model.StoredFact
	window := model.Interval{Start: from, End: to}
	for _, sf := range deriveEnds(events) {
		ev := sf.Fact.(*model.StateEvent)
		if !ev.Start.Before(to) {
			continue
		}
		if ev.Open() || window.Overlaps(ev.Interval(to)) {
			out = append(out, sf)
		}
	}
	return out, nil
}

// QueryAll returns the facts of every kind overlapping [from, to), ordered
// by event time.
func (s *Store) QueryAll(ctx context.Context, equipmentID string, from, to time.Time) ([]model.StoredFact, error) {
	var all []model.StoredFact
	for _, kind := range model.Kinds {
		facts, err := s.Query(ctx, equipmentID, from, to, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, facts...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := all[i].Fact.EventTime(), all[j].Fact.EventTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return all[i].Seq < all[j].Seq
	})
	return all, nil
}

// CurrentState returns the open state event of an equipment.
func (s *Store) CurrentState(ctx context.Context, equipmentID string) (model.EquipmentStatus, error) {
	sf, ok, err := s.lastRegular(ctx, equipmentID, time.Time{})
	if err != nil {
		return model.EquipmentStatus{}, err
	}
	if !ok {
		return model.EquipmentStatus{}, fmt.Errorf("state of %s: %w", equipmentID, model.ErrNotFound)
	}
	ev := sf.Fact.(*model.StateEvent)
	if !ev.Open() {
		return model.EquipmentStatus{}, fmt.Errorf("open state of %s: %w", equipmentID, model.ErrNotFound)
	}
	return model.EquipmentStatus{
		EquipmentID: equipmentID,
		State:       ev.State,
		Category:    ev.EffectiveCategory(),
		Reason:      ev.Reason,
		Since:       ev.Start,
	}, nil
}

// First returns the time of the earliest stored fact of an equipment.
func (s *Store) First(ctx context.Context, equipmentID string) (time.Time, bool, error) {
	var first time.Time
	for _, kind := range model.Kinds {
		recs, err := s.storage.Scan(ctx, storage.ScanRequest{Series: FactSeries(equipmentID, kind), Limit: 1})
		if err != nil {
			return time.Time{}, false, err
		}
		if len(recs) > 0 && (first.IsZero() || recs[0].Time.Before(first)) {
			first = recs[0].Time
		}
	}
	return first, !first.IsZero(), nil
}

// OldestOpen returns the start of the oldest state event still open on any
// equipment. Retention must not delete facts from that point on.
func (s *Store) OldestOpen(ctx context.Context) (time.Time, bool, error) {
	var oldest time.Time
	for _, eq := range s.registry.AllEquipment() {
		st, err := s.CurrentState(ctx, eq.ID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return time.Time{}, false, err
		}
		if oldest.IsZero() || st.Since.Before(oldest) {
			oldest = st.Since
		}
	}
	return oldest, !oldest.IsZero(), nil
}

func (s *Store) scan(ctx context.Context, equipmentID string, kind model.Kind, from, to time.Time, limit int) ([]model.StoredFact, error) {
	recs, err := s.storage.Scan(ctx, storage.ScanRequest{
		Series: FactSeries(equipmentID, kind),
		Start:  from,
		End:    to,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query %s facts: %w", kind, err)
	}
	out := make([]model.StoredFact, 0, len(recs))
	for _, r := range recs {
		sf, err := decodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, nil
}

// deriveEnds returns the state timeline of events ordered by start. A
// regular event ends at its explicit end, cut at the next regular event's
// start. An overlay replaces whatever it covers: the regular event it
// interrupts is split around it and resumes at its end.
func deriveEnds(events []model.StoredFact) []model.StoredFact {
	var regular, overlays []model.StoredFact
	for _, sf := range events {
		if sf.Overlay {
			overlays = append(overlays, sf)
		} else {
			regular = append(regular, sf)
		}
	}
	cutAtNext(regular)
	cutAtNext(overlays)

	out := make([]model.StoredFact, 0, len(events))
	for _, sf := range regular {
		out = append(out, splitAround(sf, overlays)...)
	}
	out = append(out, overlays...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Fact.EventTime().Before(out[j].Fact.EventTime())
	})
	return out
}

// cutAtNext ends every event no later than the start of the one after it.
func cutAtNext(events []model.StoredFact) {
	for i := 0; i+1 < len(events); i++ {
		ev := events[i].Fact.(*model.StateEvent)
		next := events[i+1].Fact.(*model.StateEvent).Start
		if ev.End == nil || ev.End.After(next) {
			events[i] = withSpan(events[i], ev.Start, &next)
		}
	}
}

// splitAround returns the parts of a regular event not covered by overlays.
// Overlays are ordered by start and closed.
func splitAround(sf model.StoredFact, overlays []model.StoredFact) []model.StoredFact {
	ev := sf.Fact.(*model.StateEvent)
	var parts []model.StoredFact
	cur := ev.Start
	for _, o := range overlays {
		ov := o.Fact.(*model.StateEvent)
		if ev.End != nil && !ov.Start.Before(*ev.End) {
			break
		}
		if ov.End == nil || !ov.End.After(cur) {
			continue
		}
		if ov.Start.After(cur) {
			end := ov.Start
			parts = append(parts, withSpan(sf, cur, &end))
		}
		cur = *ov.End
	}
	if ev.End == nil || cur.Before(*ev.End) {
		parts = append(parts, withSpan(sf, cur, ev.End))
	}
	return parts
}

func withSpan(sf model.StoredFact, start time.Time, end *time.Time) model.StoredFact {
	cp := *sf.Fact.(*model.StateEvent)
	cp.Start = start
	cp.End = nil
	if end != nil {
		e := *end
		cp.End = &e
	}
	sf.Fact = &cp
	return sf
}

// FactSeries is the storage series of one equipment and fact kind.
func FactSeries(equipmentID string, kind model.Kind) storage.SeriesKey {
	return storage.SeriesKey{Namespace: NamespaceFacts, ID: equipmentID, Sub: string(kind)}
}

func markSeries(equipmentID string) storage.SeriesKey {
	return storage.SeriesKey{Namespace: namespaceMarks, ID: equipmentID, Sub: "seq"}
}

func decodeRecord(r storage.Record) (model.StoredFact, error) {
	var sf model.StoredFact
	if err := json.Unmarshal(r.Value, &sf); err != nil {
		return model.StoredFact{}, fmt.Errorf("decode fact %s@%d: %w", r.Series, r.Seq, err)
	}
	return sf, nil
}

func factID(f model.Fact) string {
	switch f := f.(type) {
	case *model.StateEvent:
		return f.ID
	case *model.ProductionCount:
		return f.ID
	case *model.QualityEvent:
		return f.ID
	}
	return ""
}

func assignID(f model.Fact) {
	switch f := f.(type) {
	case *model.StateEvent:
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
	case *model.ProductionCount:
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
	case *model.QualityEvent:
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
	}
}

func attachShift(f model.Fact, shiftID string) error {
	var current *string
	switch f := f.(type) {
	case *model.StateEvent:
		current = &f.ShiftID
	case *model.ProductionCount:
		current = &f.ShiftID
	case *model.QualityEvent:
		current = &f.ShiftID
	}
	if *current != "" && *current != shiftID {
		return model.Invalid("shift_id", "event references shift %q but %q covers its time", *current, shiftID)
	}
	*current = shiftID
	return nil
}

// IsRejection reports whether err is a validation or conflict error, as
// opposed to an infrastructure failure.
func IsRejection(err error) bool {
	var v *model.ValidationError
	var c *model.ConflictError
	return errors.As(err, &v) || errors.As(err, &c)
}
