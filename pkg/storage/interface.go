package storage

import (
	"context"
	"time"
)

// Storage defines the interface for record storage backends.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Put stores records. A record with the same series, time and seq as an
	// existing one replaces it.
	Put(ctx context.Context, records []Record) error

	// Scan returns the records of one series within [Start, End), ordered by
	// time then seq. Compressed and raw records are merged transparently.
	Scan(ctx context.Context, req ScanRequest) ([]Record, error)

	// Last returns the newest record of a series strictly before the given
	// time. A zero time means no upper bound.
	Last(ctx context.Context, series SeriesKey, before time.Time) (Record, bool, error)

	// Series lists the known series of a namespace.
	Series(ctx context.Context, namespace string) ([]SeriesKey, error)

	// Compress converts raw records older than the cutoff into compressed
	// day chunks. Returns the number of records compressed.
	Compress(ctx context.Context, opts RangeOptions) (int, error)

	// Delete permanently removes records older than the cutoff, raw or
	// compressed. Returns the number of records removed.
	Delete(ctx context.Context, opts RangeOptions) (int, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// SeriesKey identifies one ordered sequence of records.
//
// Facts use Namespace "fact", ID = equipment, Sub = fact kind. Rollup buckets
// use Namespace "oee", ID = equipment, Sub = tier. KPI summaries use
// Namespace "kpi", ID = node, Sub = tier.
type SeriesKey struct {
	Namespace string `json:"ns"`
	ID        string `json:"id"`
	Sub       string `json:"sub"`
}

func (k SeriesKey) String() string {
	return k.Namespace + "/" + k.ID + "/" + k.Sub
}

// Record is one timestamped value. (Series, Time, Seq) is its identity.
type Record struct {
	Series SeriesKey
	Time   time.Time
	Seq    uint64
	Value  []byte
}

// ScanRequest specifies which records to retrieve
type ScanRequest struct {
	Series SeriesKey

	// Time range, half-open. A zero End means unbounded.
	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// RangeOptions selects the records touched by Compress and Delete.
type RangeOptions struct {
	Namespace string

	// Sub restricts the operation to one sub-series name (empty = all)
	Sub string

	// Before is the exclusive cutoff
	Before time.Time
}

// Matches reports whether the series is selected by the options.
func (o RangeOptions) Matches(k SeriesKey) bool {
	if k.Namespace != o.Namespace {
		return false
	}
	return o.Sub == "" || o.Sub == k.Sub
}

// Stats provides storage health and usage info
type Stats struct {
	// Raw (uncompressed) records stored
	RawRecords uint64 `json:"raw_records"`

	// Compressed day chunks and the records they hold
	Chunks            uint64 `json:"chunks"`
	CompressedRecords uint64 `json:"compressed_records"`

	// Unique series
	TotalSeries uint64 `json:"total_series"`

	// Storage size in bytes
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest raw record timestamps
	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}
