// Package storagetest holds the behaviour suite every storage backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

var (
	base   = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	series = storage.SeriesKey{Namespace: "fact", ID: "press-1", Sub: "state"}
	other  = storage.SeriesKey{Namespace: "fact", ID: "press-2", Sub: "state"}
	bucket = storage.SeriesKey{Namespace: "oee", ID: "press-1", Sub: "1h"}
)

func rec(k storage.SeriesKey, at time.Duration, seq uint64, v string) storage.Record {
	return storage.Record{Series: k, Time: base.Add(at), Seq: seq, Value: []byte(v)}
}

func values(records []storage.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = string(r.Value)
	}
	return out
}

// Run executes the suite against the backend returned by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutAndScan", func(t *testing.T) { testPutAndScan(t, newStore(t)) })
	t.Run("Upsert", func(t *testing.T) { testUpsert(t, newStore(t)) })
	t.Run("Last", func(t *testing.T) { testLast(t, newStore(t)) })
	t.Run("CompressKeepsRecordsQueryable", func(t *testing.T) { testCompress(t, newStore(t)) })
	t.Run("RewriteAfterCompress", func(t *testing.T) { testRewriteAfterCompress(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("SeriesAndStats", func(t *testing.T) { testSeriesAndStats(t, newStore(t)) })
	t.Run("Marks", func(t *testing.T) { testMarks(t, newStore(t)) })
}

func testPutAndScan(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []storage.Record{
		rec(series, 2*time.Hour, 3, "c"),
		rec(series, time.Hour, 2, "b"),
		rec(series, time.Hour, 1, "a"),
		rec(other, time.Hour, 4, "x"),
	}))

	got, err := s.Scan(ctx, storage.ScanRequest{Series: series, Start: base, End: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, values(got))

	// End is exclusive
	got, err = s.Scan(ctx, storage.ScanRequest{Series: series, Start: base, End: base.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values(got))

	got, err = s.Scan(ctx, storage.ScanRequest{Series: series, Start: base, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, values(got))

	got, err = s.Scan(ctx, storage.ScanRequest{Series: bucket, Start: base})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUpsert(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []storage.Record{rec(bucket, time.Hour, 0, "v1")}))
	require.NoError(t, s.Put(ctx, []storage.Record{rec(bucket, time.Hour, 0, "v2")}))

	got, err := s.Scan(ctx, storage.ScanRequest{Series: bucket})
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, values(got))
}

func testLast(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	_, ok, err := s.Last(ctx, series, time.Time{})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, []storage.Record{
		rec(series, time.Hour, 1, "a"),
		rec(series, 26*time.Hour, 2, "b"),
		rec(series, 50*time.Hour, 3, "c"),
	}))

	r, ok, err := s.Last(ctx, series, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c", string(r.Value))

	r, ok, err = s.Last(ctx, series, base.Add(50*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(r.Value))

	// Compressed records are found as well
	_, err = s.Compress(ctx, storage.RangeOptions{Namespace: "fact", Before: base.Add(48 * time.Hour)})
	require.NoError(t, err)

	r, ok, err = s.Last(ctx, series, base.Add(30*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(r.Value))
	assert.True(t, r.Time.Equal(base.Add(26*time.Hour)))

	_, ok, err = s.Last(ctx, series, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testCompress(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	var records []storage.Record
	for i := 0; i < 72; i++ {
		records = append(records, rec(series, time.Duration(i)*time.Hour, uint64(i+1), fmt.Sprintf(`{"n":%d}`, i)))
	}
	require.NoError(t, s.Put(ctx, records))

	before, err := s.Scan(ctx, storage.ScanRequest{Series: series})
	require.NoError(t, err)

	n, err := s.Compress(ctx, storage.RangeOptions{Namespace: "fact", Sub: "state", Before: base.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 48, n)

	after, err := s.Scan(ctx, storage.ScanRequest{Series: series})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.True(t, before[i].Time.Equal(after[i].Time), "record %d time", i)
		assert.Equal(t, before[i].Seq, after[i].Seq)
		assert.Equal(t, before[i].Value, after[i].Value)
	}

	// A range inside a compressed day
	got, err := s.Scan(ctx, storage.ScanRequest{Series: series, Start: base.Add(10 * time.Hour), End: base.Add(12 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":10}`, `{"n":11}`}, values(got))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 24, stats.RawRecords)
	assert.EqualValues(t, 48, stats.CompressedRecords)
	assert.EqualValues(t, 2, stats.Chunks)

	// Compressing again is a no-op
	n, err = s.Compress(ctx, storage.RangeOptions{Namespace: "fact", Before: base.Add(48 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testRewriteAfterCompress(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []storage.Record{rec(bucket, time.Hour, 0, "old")}))
	_, err := s.Compress(ctx, storage.RangeOptions{Namespace: "oee", Before: base.Add(24 * time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, []storage.Record{rec(bucket, time.Hour, 0, "new")}))

	got, err := s.Scan(ctx, storage.ScanRequest{Series: bucket})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, values(got))

	// Compressing the rewrite folds it into the chunk
	_, err = s.Compress(ctx, storage.RangeOptions{Namespace: "oee", Before: base.Add(24 * time.Hour)})
	require.NoError(t, err)
	got, err = s.Scan(ctx, storage.ScanRequest{Series: bucket})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, values(got))
}

func testDelete(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []storage.Record{
		rec(series, 1*time.Hour, 1, "a"),
		rec(series, 20*time.Hour, 2, "b"),
		rec(series, 30*time.Hour, 3, "c"),
		rec(series, 40*time.Hour, 4, "d"),
		rec(bucket, 1*time.Hour, 0, "keep"),
	}))
	_, err := s.Compress(ctx, storage.RangeOptions{Namespace: "fact", Before: base.Add(36 * time.Hour)})
	require.NoError(t, err)

	// Cuts through the second chunk
	n, err := s.Delete(ctx, storage.RangeOptions{Namespace: "fact", Before: base.Add(25 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Scan(ctx, storage.ScanRequest{Series: series})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, values(got))

	// Other namespaces are untouched
	got, err = s.Scan(ctx, storage.ScanRequest{Series: bucket})
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, values(got))

	n, err = s.Delete(ctx, storage.RangeOptions{Namespace: "fact", Before: base.Add(100 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testSeriesAndStats(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, []storage.Record{
		rec(series, time.Hour, 1, "a"),
		rec(other, 2*time.Hour, 2, "b"),
		rec(bucket, 3*time.Hour, 0, "c"),
	}))

	keys, err := s.Series(ctx, "fact")
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.SeriesKey{series, other}, keys)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.RawRecords)
	assert.EqualValues(t, 3, stats.TotalSeries)
	assert.True(t, stats.Oldest.Equal(base.Add(time.Hour)))
	assert.True(t, stats.Newest.Equal(base.Add(3*time.Hour)))
}

func testMarks(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()
	marks := storage.NewMarks(s, "stale")

	require.NoError(t, marks.Set(ctx, "press-1", "1h", base.Add(2*time.Hour), base.Add(time.Hour)))
	require.NoError(t, marks.Set(ctx, "press-1", "1d", base))
	require.NoError(t, marks.Clear(ctx, "press-1", "1h", base.Add(2*time.Hour)))

	got, err := marks.Pending(ctx, "press-1", "1h")
	require.NoError(t, err)
	assert.Equal(t, []time.Time{base.Add(time.Hour)}, got)

	// A mark set again after clearing is pending again
	require.NoError(t, marks.Set(ctx, "press-1", "1h", base.Add(2*time.Hour)))
	got, err = marks.Pending(ctx, "press-1", "1h")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = marks.Pending(ctx, "press-2", "1h")
	require.NoError(t, err)
	assert.Empty(t, got)
}
