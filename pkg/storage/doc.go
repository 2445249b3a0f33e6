/*
Package storage provides the pluggable record storage abstraction for tinyoee.

# Storage Interface

Everything the engine persists is a series of timestamped records:

  - fact/<equipment>/<kind>: raw state, production and quality events
  - oee/<equipment>/<tier>: rollup buckets, one record per window start
  - kpi/<node>/<tier>: hierarchy summaries, one record per period start

A record is identified by (series, time, seq). Facts use the ingestion
sequence as seq so two events at the same instant never collide; buckets and
summaries use seq 0 so a recompute overwrites the previous value.

Backends:
  - memory: in-memory storage for testing and development
  - badger: BadgerDB (LSM tree + Snappy) for persistent storage

# Compression

Compress moves raw records older than a cutoff into one zstd chunk per series
and UTC day (see package chunk). Scan and Last read chunks and raw records
together; a raw record written after its day was compressed wins over the
compressed copy, and the next Compress folds it into the chunk.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	key := storage.SeriesKey{Namespace: "oee", ID: "press-1", Sub: "1h"}
	err = store.Put(ctx, []storage.Record{{Series: key, Time: start, Value: data}})

	records, err := store.Scan(ctx, storage.ScanRequest{
	    Series: key,
	    Start:  start,
	    End:    start.Add(24 * time.Hour),
	})

# Retention & Deletion

	// Compress minute buckets older than 2 days, drop them after 14
	store.Compress(ctx, storage.RangeOptions{Namespace: "oee", Sub: "1m", Before: now.Add(-48 * time.Hour)})
	store.Delete(ctx, storage.RangeOptions{Namespace: "oee", Sub: "1m", Before: now.Add(-14 * 24 * time.Hour)})

Deletion is irreversible. Callers (the lifecycle manager) are responsible for
clamping cutoffs so that windows still open for late data are never touched.

# Best Practices

1. Always call Close() when done to flush pending writes
2. Use context.WithTimeout() to prevent hung scans
3. Batch writes when possible (pass []Record instead of single records)
*/
package storage
