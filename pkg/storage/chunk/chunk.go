// Package chunk encodes the records of one series and one day into a single
// zstd-compressed block. Times are delta-encoded, so a day of minute buckets
// shrinks to a fraction of its raw size while every field stays recoverable.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/nicktill/tinyoee/pkg/storage"
)

const version byte = 1

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// ErrCorrupt is returned when a chunk cannot be decoded.
var ErrCorrupt = errors.New("corrupt chunk")

// Encode compresses records into one chunk. Records are sorted first; the
// series key is not stored and must be supplied to Decode.
func Encode(records []storage.Record) []byte {
	sorted := make([]storage.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return storage.Less(sorted[i], sorted[j]) })

	buf := make([]byte, 0, 64+len(sorted)*32)
	buf = append(buf, version)
	buf = binary.AppendUvarint(buf, uint64(len(sorted)))

	var prev int64
	for _, r := range sorted {
		ts := r.Time.UnixNano()
		buf = binary.AppendVarint(buf, ts-prev)
		prev = ts
		buf = binary.AppendUvarint(buf, r.Seq)
		buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
		buf = append(buf, r.Value...)
	}
	return encoder.EncodeAll(buf, nil)
}

// Decode restores the records of a chunk, attaching the given series key.
func Decode(series storage.SeriesKey, data []byte) ([]storage.Record, error) {
	buf, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress chunk %s: %w", series, err)
	}
	if len(buf) == 0 || buf[0] != version {
		return nil, fmt.Errorf("%w: %s: unknown version", ErrCorrupt, series)
	}
	buf = buf[1:]

	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %s: bad count", ErrCorrupt, series)
	}
	buf = buf[n:]

	out := make([]storage.Record, 0, count)
	var prev int64
	for i := uint64(0); i < count; i++ {
		delta, n := binary.Varint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s: record %d time", ErrCorrupt, series, i)
		}
		buf = buf[n:]
		prev += delta

		seq, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("%w: %s: record %d seq", ErrCorrupt, series, i)
		}
		buf = buf[n:]

		size, n := binary.Uvarint(buf)
		if n <= 0 || uint64(len(buf)-n) < size {
			return nil, fmt.Errorf("%w: %s: record %d value", ErrCorrupt, series, i)
		}
		buf = buf[n:]

		value := make([]byte, size)
		copy(value, buf[:size])
		buf = buf[size:]

		out = append(out, storage.Record{
			Series: series,
			Time:   time.Unix(0, prev).UTC(),
			Seq:    seq,
			Value:  value,
		})
	}
	return out, nil
}

// Rewrite decodes an existing chunk (which may be nil), merges the given
// records into it (new records win on identity) and drops every record for
// which keep returns false. It returns the new chunk, or nil when nothing
// is left, and the number of records it holds.
func Rewrite(series storage.SeriesKey, existing []byte, add []storage.Record, keep func(storage.Record) bool) ([]byte, int, error) {
	var old []storage.Record
	if existing != nil {
		var err error
		old, err = Decode(series, existing)
		if err != nil {
			return nil, 0, err
		}
	}

	merged := storage.Merge(old, add)
	if keep != nil {
		kept := merged[:0]
		for _, r := range merged {
			if keep(r) {
				kept = append(kept, r)
			}
		}
		merged = kept
	}
	if len(merged) == 0 {
		return nil, 0, nil
	}
	return Encode(merged), len(merged), nil
}
