package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/tinyoee/pkg/storage"
	"github.com/nicktill/tinyoee/pkg/storage/chunk"
)

// Key prefixes
const (
	prefixRaw    byte = 'r' // [r][series hash][ts][seq] -> value
	prefixChunk  byte = 'c' // [c][series hash][day]     -> [count][zstd chunk]
	prefixSeries byte = 's' // [s][series hash]          -> series key JSON
)

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB

	// known caches series hashes whose metadata key is already written
	known sync.Map
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// We use 48 MB total (16 MB memtable + 32 MB cache) unless told otherwise.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	} else {
		// Below 16 MB causes excessive disk flushes
		memTableSize = 16 * 1024 * 1024
	}

	// Without these limits badger can consume 1-2 GB even with a small memtable
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		// Chunks are already zstd; Snappy still helps raw JSON facts
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).

		// Memory table configuration
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).

		// Block and index caching
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).

		// LSM tree configuration
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).

		// Value log configuration
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of default 2GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// run executes fn in a goroutine and returns early if ctx is cancelled first.
// The badger transaction itself is not interrupted; fn checks ctx between
// items.
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// Put stores records in BadgerDB
func (s *Storage) Put(ctx context.Context, records []storage.Record) error {
	return s.run(ctx, "put", func() error {
		var fresh []uint64
		err := s.db.Update(func(txn *badger.Txn) error {
			for i, r := range records {
				if i%100 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				hash := seriesHash(r.Series)
				if _, ok := s.known.Load(hash); !ok {
					meta, err := json.Marshal(r.Series)
					if err != nil {
						return fmt.Errorf("failed to encode series: %w", err)
					}
					if err := txn.Set(seriesKey(hash), meta); err != nil {
						return fmt.Errorf("failed to write series: %w", err)
					}
					fresh = append(fresh, hash)
				}

				if err := txn.Set(rawKey(hash, r.Time, r.Seq), r.Value); err != nil {
					return fmt.Errorf("failed to write record: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, h := range fresh {
			s.known.Store(h, struct{}{})
		}
		return nil
	})
}

// Scan retrieves the records of one series within the requested range
func (s *Storage) Scan(ctx context.Context, req storage.ScanRequest) ([]storage.Record, error) {
	var out []storage.Record
	err := s.run(ctx, "scan", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			hash := seriesHash(req.Series)

			compressed, err := s.scanChunks(ctx, txn, req.Series, hash, req)
			if err != nil {
				return err
			}
			raw, err := s.scanRaw(ctx, txn, req.Series, hash, req)
			if err != nil {
				return err
			}

			out = storage.Limit(storage.Merge(compressed, raw), req.Limit)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Storage) scanRaw(ctx context.Context, txn *badger.Txn, series storage.SeriesKey, hash uint64, req storage.ScanRequest) ([]storage.Record, error) {
	prefix := seriesPrefix(prefixRaw, hash)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchSize = 100

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []storage.Record
	var iterCount int
	for it.Seek(timeKey(prefix, req.Start)); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		if iterCount%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		item := it.Item()
		ts, seq := parseRawKey(item.Key())
		if !req.End.IsZero() && !ts.Before(req.End) {
			break
		}

		value, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		out = append(out, storage.Record{Series: series, Time: ts, Seq: seq, Value: value})
	}
	return out, nil
}

func (s *Storage) scanChunks(ctx context.Context, txn *badger.Txn, series storage.SeriesKey, hash uint64, req storage.ScanRequest) ([]storage.Record, error) {
	prefix := seriesPrefix(prefixChunk, hash)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []storage.Record
	for it.Seek(timeKey(prefix, storage.ChunkStart(req.Start))); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := it.Item()
		day := parseChunkKey(item.Key())
		if !req.End.IsZero() && !day.Before(req.End) {
			break
		}

		recs, err := s.decodeChunkItem(series, item)
		if err != nil {
			return nil, err
		}
		for _, r := range recs {
			if req.InRange(r.Time) {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

// Last returns the newest record strictly before the given time
func (s *Storage) Last(ctx context.Context, series storage.SeriesKey, before time.Time) (storage.Record, bool, error) {
	var best storage.Record
	var found bool

	consider := func(r storage.Record) {
		if !before.IsZero() && !r.Time.Before(before) {
			return
		}
		if !found || storage.Less(best, r) {
			best, found = r, true
		}
	}

	err := s.run(ctx, "last", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			hash := seriesHash(series)
			seek := func(prefix []byte) []byte {
				if before.IsZero() {
					return append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
				}
				return timeKey(prefix, before)
			}

			rawPrefix := seriesPrefix(prefixRaw, hash)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = rawPrefix
			opts.Reverse = true
			it := txn.NewIterator(opts)
			it.Seek(seek(rawPrefix))
			if it.ValidForPrefix(rawPrefix) {
				item := it.Item()
				ts, seq := parseRawKey(item.Key())
				value, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				consider(storage.Record{Series: series, Time: ts, Seq: seq, Value: value})
			}
			it.Close()

			chunkPrefix := seriesPrefix(prefixChunk, hash)
			copts := badger.DefaultIteratorOptions
			copts.Prefix = chunkPrefix
			copts.Reverse = true
			cit := txn.NewIterator(copts)
			defer cit.Close()

			// A chunk keyed at the cutoff day may still hold earlier records.
			start := seek(chunkPrefix)
			if !before.IsZero() {
				start = timeKey(chunkPrefix, storage.ChunkStart(before).Add(time.Nanosecond))
			}
			for cit.Seek(start); cit.ValidForPrefix(chunkPrefix); cit.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				day := parseChunkKey(cit.Item().Key())
				if found && !day.Add(storage.ChunkSpan).After(best.Time) {
					break
				}
				recs, err := s.decodeChunkItem(series, cit.Item())
				if err != nil {
					return err
				}
				for _, r := range recs {
					consider(r)
				}
			}
			return nil
		})
	})
	if err != nil {
		return storage.Record{}, false, err
	}
	return best, found, nil
}

// Series lists the known series of a namespace
func (s *Storage) Series(ctx context.Context, namespace string) ([]storage.SeriesKey, error) {
	var out []storage.SeriesKey
	err := s.run(ctx, "series", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			refs, err := listSeries(txn, func(k storage.SeriesKey) bool { return k.Namespace == namespace })
			if err != nil {
				return err
			}
			for _, ref := range refs {
				out = append(out, ref.key)
			}
			return nil
		})
	})
	return out, err
}

// Compress moves raw records older than the cutoff into day chunks.
// Chunks are written before the raw keys are removed; an interrupted run
// leaves duplicates that Scan resolves, and the next run finishes the move.
func (s *Storage) Compress(ctx context.Context, opts storage.RangeOptions) (int, error) {
	var total int
	err := s.run(ctx, "compress", func() error {
		var sets []kv
		var deletes [][]byte

		err := s.db.View(func(txn *badger.Txn) error {
			refs, err := listSeries(txn, opts.Matches)
			if err != nil {
				return err
			}

			for _, ref := range refs {
				req := storage.ScanRequest{Series: ref.key, End: opts.Before}
				raw, err := s.scanRaw(ctx, txn, ref.key, ref.hash, req)
				if err != nil {
					return err
				}
				if len(raw) == 0 {
					continue
				}

				for day, recs := range storage.GroupByChunk(raw) {
					key := chunkKey(ref.hash, day)
					existing, err := getChunk(txn, key)
					if err != nil {
						return err
					}
					data, n, err := chunk.Rewrite(ref.key, existing, recs, nil)
					if err != nil {
						return err
					}
					sets = append(sets, kv{key: key, value: chunkValue(n, data)})
				}
				for _, r := range raw {
					deletes = append(deletes, rawKey(ref.hash, r.Time, r.Seq))
				}
				total += len(raw)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.apply(sets, deletes)
	})
	return total, err
}

// Delete removes records older than the cutoff, raw or compressed
func (s *Storage) Delete(ctx context.Context, opts storage.RangeOptions) (int, error) {
	var removed int
	err := s.run(ctx, "delete", func() error {
		var sets []kv
		var deletes [][]byte

		keep := func(r storage.Record) bool { return !r.Time.Before(opts.Before) }

		err := s.db.View(func(txn *badger.Txn) error {
			refs, err := listSeries(txn, opts.Matches)
			if err != nil {
				return err
			}

			for _, ref := range refs {
				rawPrefix := seriesPrefix(prefixRaw, ref.hash)
				end := timeKey(rawPrefix, opts.Before)
				keys, err := collectKeys(ctx, txn, rawPrefix, end)
				if err != nil {
					return err
				}
				deletes = append(deletes, keys...)
				removed += len(keys)

				chunkPrefix := seriesPrefix(prefixChunk, ref.hash)
				iopts := badger.DefaultIteratorOptions
				iopts.Prefix = chunkPrefix
				it := txn.NewIterator(iopts)
				for it.Rewind(); it.ValidForPrefix(chunkPrefix); it.Next() {
					item := it.Item()
					day := parseChunkKey(item.Key())
					if !day.Before(opts.Before) {
						break
					}
					value, err := item.ValueCopy(nil)
					if err != nil {
						it.Close()
						return err
					}
					count, data := splitChunkValue(value)
					if !day.Add(storage.ChunkSpan).After(opts.Before) {
						deletes = append(deletes, item.KeyCopy(nil))
						removed += count
						continue
					}
					rewritten, n, err := chunk.Rewrite(ref.key, data, nil, keep)
					if err != nil {
						it.Close()
						return err
					}
					removed += count - n
					if rewritten == nil {
						deletes = append(deletes, item.KeyCopy(nil))
					} else {
						sets = append(sets, kv{key: item.KeyCopy(nil), value: chunkValue(n, rewritten)})
					}
				}
				it.Close()
			}
			return nil
		})
		if err != nil {
			return err
		}
		return s.apply(sets, deletes)
	})
	return removed, err
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				item := it.Item()
				key := item.Key()
				switch key[0] {
				case prefixSeries:
					stats.TotalSeries++
				case prefixRaw:
					stats.RawRecords++
					ts, _ := parseRawKey(key)
					if stats.Oldest.IsZero() || ts.Before(stats.Oldest) {
						stats.Oldest = ts
					}
					if ts.After(stats.Newest) {
						stats.Newest = ts
					}
				case prefixChunk:
					stats.Chunks++
					err := item.Value(func(val []byte) error {
						count, _ := splitChunkValue(val)
						stats.CompressedRecords += uint64(count)
						return nil
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

type kv struct {
	key   []byte
	value []byte
}

// apply writes sets and deletes through a WriteBatch, which splits large
// change sets into several transactions.
func (s *Storage) apply(sets []kv, deletes [][]byte) error {
	if len(sets) == 0 && len(deletes) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, e := range sets {
		if err := wb.Set(e.key, e.value); err != nil {
			return fmt.Errorf("failed to write chunk: %w", err)
		}
	}
	for _, k := range deletes {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
	}
	return wb.Flush()
}

func (s *Storage) decodeChunkItem(series storage.SeriesKey, item *badger.Item) ([]storage.Record, error) {
	var recs []storage.Record
	err := item.Value(func(val []byte) error {
		_, data := splitChunkValue(val)
		var err error
		recs, err = chunk.Decode(series, data)
		return err
	})
	return recs, err
}

type seriesRef struct {
	key  storage.SeriesKey
	hash uint64
}

func listSeries(txn *badger.Txn, match func(storage.SeriesKey) bool) ([]seriesRef, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefixSeries}

	it := txn.NewIterator(opts)
	defer it.Close()

	var out []seriesRef
	for it.Rewind(); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		var k storage.SeriesKey
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &k)
		}); err != nil {
			return nil, fmt.Errorf("failed to decode series: %w", err)
		}
		if match(k) {
			out = append(out, seriesRef{key: k, hash: binary.BigEndian.Uint64(item.Key()[1:9])})
		}
	}
	return out, nil
}

// collectKeys returns the keys under prefix that sort before end.
func collectKeys(ctx context.Context, txn *badger.Txn, prefix, end []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if len(keys)%1000 == 999 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		key := it.Item().Key()
		if string(key) >= string(end) {
			break
		}
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func getChunk(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	_, data := splitChunkValue(value)
	return data, nil
}

func seriesHash(k storage.SeriesKey) uint64 {
	return xxhash.Sum64String(k.String())
}

func seriesKey(hash uint64) []byte {
	return seriesPrefix(prefixSeries, hash)
}

func seriesPrefix(prefix byte, hash uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:9], hash)
	return key
}

// timeKey appends an 8-byte timestamp to a series prefix.
func timeKey(prefix []byte, ts time.Time) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], encodeTime(ts))
	return key
}

// rawKey creates a sortable key: [r][series hash][timestamp][seq]
func rawKey(hash uint64, ts time.Time, seq uint64) []byte {
	key := make([]byte, 25)
	key[0] = prefixRaw
	binary.BigEndian.PutUint64(key[1:9], hash)
	binary.BigEndian.PutUint64(key[9:17], encodeTime(ts))
	binary.BigEndian.PutUint64(key[17:25], seq)
	return key
}

func parseRawKey(key []byte) (time.Time, uint64) {
	ts := decodeTime(binary.BigEndian.Uint64(key[9:17]))
	seq := binary.BigEndian.Uint64(key[17:25])
	return ts, seq
}

func chunkKey(hash uint64, day time.Time) []byte {
	return timeKey(seriesPrefix(prefixChunk, hash), day)
}

func parseChunkKey(key []byte) time.Time {
	return decodeTime(binary.BigEndian.Uint64(key[9:17]))
}

func chunkValue(count int, data []byte) []byte {
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[0:4], uint32(count))
	copy(out[4:], data)
	return out
}

func splitChunkValue(value []byte) (int, []byte) {
	if len(value) < 4 {
		return 0, nil
	}
	return int(binary.BigEndian.Uint32(value[0:4])), value[4:]
}

// encodeTime flips the sign bit so negative and positive Unix times sort
// correctly as unsigned big-endian bytes.
func encodeTime(ts time.Time) uint64 {
	if ts.IsZero() {
		return 0
	}
	return uint64(ts.UnixNano()) ^ (1 << 63)
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v^(1<<63))).UTC()
}

var _ storage.Storage = (*Storage)(nil)
