package rollup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
	"github.com/nicktill/tinyoee/pkg/storage"
)

// NamespaceBuckets is the storage namespace of rollup buckets.
const NamespaceBuckets = "oee"

// Buckets is the keyed store of derived OEE records: one entry per
// (equipment, tier, window start). An entry is only ever replaced whole.
type Buckets struct {
	storage storage.Storage
}

// NewBuckets wraps a storage backend.
func NewBuckets(st storage.Storage) *Buckets {
	return &Buckets{storage: st}
}

// BucketSeries is the storage series of one equipment and tier.
func BucketSeries(equipmentID, tier string) storage.SeriesKey {
	return storage.SeriesKey{Namespace: NamespaceBuckets, ID: equipmentID, Sub: tier}
}

// Encode is the canonical byte form of a record. Recomputing an unchanged
// window yields identical bytes.
func Encode(rec model.OEERecord) ([]byte, error) {
	return json.Marshal(rec)
}

// Get returns the record of the window starting at start.
func (b *Buckets) Get(ctx context.Context, equipmentID, tier string, start time.Time) (model.OEERecord, bool, error) {
	recs, err := b.storage.Scan(ctx, storage.ScanRequest{
		Series: BucketSeries(equipmentID, tier),
		Start:  start,
		End:    start.Add(time.Nanosecond),
		Limit:  1,
	})
	if err != nil {
		return model.OEERecord{}, false, fmt.Errorf("get bucket: %w", err)
	}
	if len(recs) == 0 {
		return model.OEERecord{}, false, nil
	}
	rec, err := decode(recs[0])
	return rec, err == nil, err
}

// Range returns the records whose window starts within [from, to).
func (b *Buckets) Range(ctx context.Context, equipmentID, tier string, from, to time.Time) ([]model.OEERecord, error) {
	recs, err := b.storage.Scan(ctx, storage.ScanRequest{
		Series: BucketSeries(equipmentID, tier),
		Start:  from,
		End:    to,
	})
	if err != nil {
		return nil, fmt.Errorf("range buckets: %w", err)
	}
	out := make([]model.OEERecord, 0, len(recs))
	for _, r := range recs {
		rec, err := decode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Last returns the newest record of an equipment and tier.
func (b *Buckets) Last(ctx context.Context, equipmentID, tier string) (model.OEERecord, bool, error) {
	r, ok, err := b.storage.Last(ctx, BucketSeries(equipmentID, tier), time.Time{})
	if err != nil || !ok {
		return model.OEERecord{}, false, err
	}
	rec, err := decode(r)
	return rec, err == nil, err
}

// First returns the oldest record of an equipment and tier.
func (b *Buckets) First(ctx context.Context, equipmentID, tier string) (model.OEERecord, bool, error) {
	recs, err := b.storage.Scan(ctx, storage.ScanRequest{Series: BucketSeries(equipmentID, tier), Limit: 1})
	if err != nil || len(recs) == 0 {
		return model.OEERecord{}, false, err
	}
	rec, err := decode(recs[0])
	return rec, err == nil, err
}

// Put replaces the record of its window. It reports whether the stored
// bytes changed.
func (b *Buckets) Put(ctx context.Context, rec model.OEERecord) (bool, error) {
	value, err := Encode(rec)
	if err != nil {
		return false, fmt.Errorf("encode bucket: %w", err)
	}

	series := BucketSeries(rec.EquipmentID, rec.Tier)
	prev, err := b.storage.Scan(ctx, storage.ScanRequest{
		Series: series,
		Start:  rec.WindowStart,
		End:    rec.WindowStart.Add(time.Nanosecond),
		Limit:  1,
	})
	if err != nil {
		return false, fmt.Errorf("read bucket: %w", err)
	}
	if len(prev) == 1 && bytes.Equal(prev[0].Value, value) {
		return false, nil
	}

	if err := b.storage.Put(ctx, []storage.Record{{Series: series, Time: rec.WindowStart, Value: value}}); err != nil {
		return false, fmt.Errorf("write bucket: %w", err)
	}
	return true, nil
}

func decode(r storage.Record) (model.OEERecord, error) {
	var rec model.OEERecord
	if err := json.Unmarshal(r.Value, &rec); err != nil {
		return model.OEERecord{}, fmt.Errorf("decode bucket %s@%s: %w", r.Series, r.Time.Format(time.RFC3339), err)
	}
	return rec, nil
}
