package storage

import (
	"sort"
	"time"
)

// ChunkSpan is the time span covered by one compressed chunk.
const ChunkSpan = 24 * time.Hour

// ChunkStart returns the UTC day boundary that owns t.
func ChunkStart(t time.Time) time.Time {
	return t.UTC().Truncate(ChunkSpan)
}

// Less orders records by time, then seq.
func Less(a, b Record) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return a.Seq < b.Seq
}

// SameIdentity reports whether two records of one series share time and seq.
func SameIdentity(a, b Record) bool {
	return a.Time.Equal(b.Time) && a.Seq == b.Seq
}

// InRange reports whether t is within the half-open request range.
func (r ScanRequest) InRange(t time.Time) bool {
	if t.Before(r.Start) {
		return false
	}
	return r.End.IsZero() || t.Before(r.End)
}

// Merge combines compressed and raw records of one series. On identical
// identity the raw record wins, so a value rewritten after compression is
// the one returned. The result is sorted.
func Merge(compressed, raw []Record) []Record {
	out := make([]Record, 0, len(compressed)+len(raw))
	out = append(out, raw...)
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })

	for _, c := range compressed {
		i := sort.Search(len(out), func(i int) bool { return !Less(out[i], c) })
		if i < len(out) && SameIdentity(out[i], c) {
			continue
		}
		out = append(out, Record{})
		copy(out[i+1:], out[i:])
		out[i] = c
	}
	return out
}

// GroupByChunk buckets records by their owning chunk start.
func GroupByChunk(records []Record) map[time.Time][]Record {
	groups := make(map[time.Time][]Record)
	for _, r := range records {
		day := ChunkStart(r.Time)
		groups[day] = append(groups[day], r)
	}
	return groups
}

// Limit truncates records to n when n > 0.
func Limit(records []Record, n int) []Record {
	if n > 0 && len(records) > n {
		return records[:n]
	}
	return records
}
