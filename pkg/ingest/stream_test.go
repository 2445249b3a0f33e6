package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyoee/pkg/config"
	"github.com/nicktill/tinyoee/pkg/model"
)

func TestDecodeEnvelope(t *testing.T) {
	f, err := DecodeEnvelope([]byte(`{"kind":"state","event":{"equipment_id":"press-1","state":"DOWN","start":"2024-03-04T08:00:00Z"}}`))
	require.NoError(t, err)
	ev, ok := f.(*model.StateEvent)
	require.True(t, ok)
	assert.Equal(t, "press-1", ev.EquipmentID)
	assert.Equal(t, model.State("DOWN"), ev.State)

	for name, raw := range map[string]string{
		"not json":      `{`,
		"missing event": `{"kind":"state"}`,
		"unknown kind":  `{"kind":"temperature","event":{}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(raw))
			var v *model.ValidationError
			assert.ErrorAs(t, err, &v)
		})
	}
}

func TestDecodeTopicMessage(t *testing.T) {
	f, err := DecodeTopicMessage("oee/press-1/events/production",
		[]byte(`{"equipment_id":"press-1","timestamp":"2024-03-04T07:30:00Z","total":10,"good":9,"reject":1}`))
	require.NoError(t, err)
	assert.Equal(t, model.KindProduction, f.Kind())

	_, err = DecodeTopicMessage("oee/press-1/events/vibration", []byte(`{}`))
	assert.True(t, IsRejection(err))
}

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
}

func (f *fakeFetcher) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeFetcher) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

// fakeAppender fails its first failures appends, or every append when
// failures is negative.
type fakeAppender struct {
	mu       sync.Mutex
	failures int
	calls    int
	appended []model.Fact
}

func (a *fakeAppender) Append(_ context.Context, f model.Fact) (model.StoredFact, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.failures != 0 {
		a.failures--
		return model.StoredFact{}, errors.New("disk full")
	}
	a.appended = append(a.appended, f)
	return model.StoredFact{}, nil
}

func stateMessage(offset int64, hour int) kafka.Message {
	return kafka.Message{Offset: offset, Value: []byte(fmt.Sprintf(
		`{"kind":"state","event":{"equipment_id":"press-1","state":"PRODUCING","start":"2024-03-04T%02d:00:00Z"}}`, hour))}
}

func newTestConsumer(fetcher *fakeFetcher, app *fakeAppender) *KafkaConsumer {
	return &KafkaConsumer{
		cfg:     config.Kafka{Topic: "oee"},
		reader:  fetcher,
		store:   app,
		log:     discard(),
		poll:    time.Second,
		backoff: time.Millisecond,
	}
}

func TestKafkaConsumer_CommitsHandledMessages(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{
		stateMessage(1, 6),
		{Offset: 2, Value: []byte(`garbage`)},
	}}
	app := &fakeAppender{}
	c := newTestConsumer(fetcher, app)

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, app.appended, 1)
	assert.Equal(t, []int64{1, 2}, fetcher.committed, "rejected messages are skipped, not redelivered")
}

func TestKafkaConsumer_RetriesStoreFailureInPlace(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{stateMessage(7, 6), stateMessage(8, 7)}}
	app := &fakeAppender{failures: 2}
	c := newTestConsumer(fetcher, app)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 4, app.calls, "offset 7 is retried before offset 8 is fetched")
	require.Len(t, app.appended, 2)
	assert.Equal(t, at(6, 0), app.appended[0].EventTime())
	assert.Equal(t, []int64{7, 8}, fetcher.committed)
}

func TestKafkaConsumer_NeverPassesAFailingMessage(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []kafka.Message{stateMessage(7, 6), stateMessage(8, 7)}}
	app := &fakeAppender{failures: -1}
	c := newTestConsumer(fetcher, app)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Run(ctx), context.DeadlineExceeded)
	assert.Empty(t, fetcher.committed)
	assert.Len(t, fetcher.msgs, 1, "offset 8 was never fetched")
	assert.Greater(t, app.calls, 1)
}

func TestNewKafkaConsumer_Validates(t *testing.T) {
	_, err := NewKafkaConsumer(config.Kafka{Topic: "oee"}, &fakeAppender{}, discard())
	assert.Error(t, err)
	_, err = NewKafkaConsumer(config.Kafka{Brokers: []string{"localhost:9092"}, Topic: " "}, &fakeAppender{}, discard())
	assert.Error(t, err)
}
