package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyoee/pkg/storage"
	"github.com/nicktill/tinyoee/pkg/storage/chunk"
)

// Storage stores records in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	series map[storage.SeriesKey]*seriesData
	mu     sync.RWMutex
}

type seriesData struct {
	raw    []storage.Record // sorted by time, seq
	chunks map[time.Time]chunkEntry
}

type chunkEntry struct {
	data  []byte
	count int
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		series: make(map[storage.SeriesKey]*seriesData),
	}
}

func (s *Storage) get(k storage.SeriesKey) *seriesData {
	sd, ok := s.series[k]
	if !ok {
		sd = &seriesData{chunks: make(map[time.Time]chunkEntry)}
		s.series[k] = sd
	}
	return sd
}

// Put stores records in memory
func (s *Storage) Put(ctx context.Context, records []storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		r.Value = append([]byte(nil), r.Value...)
		sd := s.get(r.Series)
		i := sort.Search(len(sd.raw), func(i int) bool { return !storage.Less(sd.raw[i], r) })
		if i < len(sd.raw) && storage.SameIdentity(sd.raw[i], r) {
			sd.raw[i] = r
			continue
		}
		sd.raw = append(sd.raw, storage.Record{})
		copy(sd.raw[i+1:], sd.raw[i:])
		sd.raw[i] = r
	}
	return nil
}

// Scan retrieves the records of one series within the requested range
func (s *Storage) Scan(ctx context.Context, req storage.ScanRequest) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.series[req.Series]
	if !ok {
		return nil, nil
	}

	var compressed []storage.Record
	for day, c := range sd.chunks {
		if !req.End.IsZero() && !day.Before(req.End) {
			continue
		}
		if !day.Add(storage.ChunkSpan).After(req.Start) {
			continue
		}
		recs, err := chunk.Decode(req.Series, c.data)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if req.InRange(r.Time) {
				compressed = append(compressed, r)
			}
		}
	}

	var raw []storage.Record
	for _, r := range sd.raw {
		if req.InRange(r.Time) {
			raw = append(raw, r)
		}
	}

	return storage.Limit(storage.Merge(compressed, raw), req.Limit), nil
}

// Last returns the newest record strictly before the given time
func (s *Storage) Last(ctx context.Context, series storage.SeriesKey, before time.Time) (storage.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sd, ok := s.series[series]
	if !ok {
		return storage.Record{}, false, nil
	}

	var best storage.Record
	found := false
	consider := func(r storage.Record) {
		if !before.IsZero() && !r.Time.Before(before) {
			return
		}
		if !found || storage.Less(best, r) {
			best, found = r, true
		}
	}

	for i := len(sd.raw) - 1; i >= 0; i-- {
		r := sd.raw[i]
		if before.IsZero() || r.Time.Before(before) {
			consider(r)
			break
		}
	}

	days := make([]time.Time, 0, len(sd.chunks))
	for day := range sd.chunks {
		if before.IsZero() || day.Before(before) {
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })
	for _, day := range days {
		if found && !day.Add(storage.ChunkSpan).After(best.Time) {
			break
		}
		recs, err := chunk.Decode(series, sd.chunks[day].data)
		if err != nil {
			return storage.Record{}, false, err
		}
		for _, r := range recs {
			consider(r)
		}
	}

	return best, found, nil
}

// Series lists the known series of a namespace
func (s *Storage) Series(ctx context.Context, namespace string) ([]storage.SeriesKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []storage.SeriesKey
	for k, sd := range s.series {
		if k.Namespace == namespace && (len(sd.raw) > 0 || len(sd.chunks) > 0) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Compress moves raw records older than the cutoff into day chunks
func (s *Storage) Compress(ctx context.Context, opts storage.RangeOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for k, sd := range s.series {
		if !opts.Matches(k) {
			continue
		}

		split := sort.Search(len(sd.raw), func(i int) bool { return !sd.raw[i].Time.Before(opts.Before) })
		if split == 0 {
			continue
		}

		for day, recs := range storage.GroupByChunk(sd.raw[:split]) {
			data, n, err := chunk.Rewrite(k, sd.chunks[day].data, recs, nil)
			if err != nil {
				return total, err
			}
			sd.chunks[day] = chunkEntry{data: data, count: n}
		}

		total += split
		sd.raw = append([]storage.Record(nil), sd.raw[split:]...)
	}
	return total, nil
}

// Delete removes records older than the cutoff
func (s *Storage) Delete(ctx context.Context, opts storage.RangeOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, sd := range s.series {
		if !opts.Matches(k) {
			continue
		}

		split := sort.Search(len(sd.raw), func(i int) bool { return !sd.raw[i].Time.Before(opts.Before) })
		removed += split
		sd.raw = append([]storage.Record(nil), sd.raw[split:]...)

		for day, c := range sd.chunks {
			if !day.Before(opts.Before) {
				continue
			}
			if !day.Add(storage.ChunkSpan).After(opts.Before) {
				removed += c.count
				delete(sd.chunks, day)
				continue
			}
			data, n, err := chunk.Rewrite(k, c.data, nil, func(r storage.Record) bool {
				return !r.Time.Before(opts.Before)
			})
			if err != nil {
				return removed, err
			}
			removed += c.count - n
			if data == nil {
				delete(sd.chunks, day)
			} else {
				sd.chunks[day] = chunkEntry{data: data, count: n}
			}
		}

		if len(sd.raw) == 0 && len(sd.chunks) == 0 {
			delete(s.series, k)
		}
	}
	return removed, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{TotalSeries: uint64(len(s.series))}

	for _, sd := range s.series {
		stats.RawRecords += uint64(len(sd.raw))
		for _, r := range sd.raw {
			stats.SizeBytes += uint64(len(r.Value)) + 24
		}
		if len(sd.raw) > 0 {
			first, last := sd.raw[0].Time, sd.raw[len(sd.raw)-1].Time
			if stats.Oldest.IsZero() || first.Before(stats.Oldest) {
				stats.Oldest = first
			}
			if last.After(stats.Newest) {
				stats.Newest = last
			}
		}
		for _, c := range sd.chunks {
			stats.Chunks++
			stats.CompressedRecords += uint64(c.count)
			stats.SizeBytes += uint64(len(c.data))
		}
	}

	return stats, nil
}
