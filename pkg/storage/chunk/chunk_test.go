package chunk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/storage"
)

var key = storage.SeriesKey{Namespace: "fact", ID: "press-1", Sub: "production"}

func TestEncodeDecode(t *testing.T) {
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	in := []storage.Record{
		{Series: key, Time: base.Add(2 * time.Minute), Seq: 9, Value: []byte(`{"total":3}`)},
		{Series: key, Time: base, Seq: 7, Value: []byte(`{"total":1}`)},
		{Series: key, Time: base, Seq: 8, Value: nil},
	}

	out, err := Decode(key, Encode(in))
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, uint64(7), out[0].Seq)
	assert.Equal(t, uint64(8), out[1].Seq)
	assert.Equal(t, uint64(9), out[2].Seq)
	assert.True(t, out[2].Time.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, `{"total":3}`, string(out[2].Value))
	assert.Empty(t, out[1].Value)
	assert.Equal(t, key, out[0].Series)
}

func TestDecodeCorrupt(t *testing.T) {
	_, err := Decode(key, []byte("not zstd"))
	require.Error(t, err)

	_, err = Decode(key, encoder.EncodeAll([]byte{99}, nil))
	require.ErrorIs(t, err, ErrCorrupt)

	// Truncated value
	_, err = Decode(key, encoder.EncodeAll([]byte{version, 1, 0, 0, 10, 'a'}, nil))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestRewrite(t *testing.T) {
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	old := Encode([]storage.Record{
		{Series: key, Time: base, Seq: 1, Value: []byte("a")},
		{Series: key, Time: base.Add(time.Hour), Seq: 2, Value: []byte("b")},
	})

	data, n, err := Rewrite(key, old, []storage.Record{
		{Series: key, Time: base.Add(time.Hour), Seq: 2, Value: []byte("b2")},
		{Series: key, Time: base.Add(2 * time.Hour), Seq: 3, Value: []byte("c")},
	}, func(r storage.Record) bool { return r.Seq != 1 })
	require.NoError(t, err)
	require.Equal(t, 2, n)

	out, err := Decode(key, data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "b2", string(out[0].Value))
	assert.Equal(t, "c", string(out[1].Value))

	data, n, err = Rewrite(key, data, nil, func(storage.Record) bool { return false })
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Zero(t, n)
}
