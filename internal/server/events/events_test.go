package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/server/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleEvent() Event {
	rec := &models.IntentRecord{
		ID:                "intent-1",
		PrincipalID:       "u1",
		Status:            models.StatusCompleted,
		Amount:            1250,
		Currency:          "USD",
		ExternalReference: "EXT_1",
		Envelope:          []byte("secret-bytes"),
		KeyHash:           "key-hash",
	}
	return FromRecord(TypeForStatus(rec.Status), rec, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestFromRecord_Redacted(t *testing.T) {
	e := sampleEvent()
	assert.Equal(t, TypeCompleted, e.Type)
	assert.Equal(t, "EXT_1", e.Reference)

	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret-bytes")
	assert.NotContains(t, string(b), "key-hash")
}

func TestTypeForStatus(t *testing.T) {
	assert.Equal(t, TypeCreated, TypeForStatus(models.StatusPending))
	assert.Equal(t, TypeProcessing, TypeForStatus(models.StatusProcessing))
	assert.Equal(t, TypeFailed, TypeForStatus(models.StatusFailed))
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("intent-1"), msg.Key)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(TypeCompleted), msg.Headers[0].Value)

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, models.Amount(1250), got.Amount)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_Error(t *testing.T) {
	p := &KafkaPublisher{writer: &fakeWriter{err: errors.New("no brokers")}}
	assert.Error(t, p.Publish(context.Background(), sampleEvent()))
}

func TestNewKafkaPublisher(t *testing.T) {
	p := NewKafkaPublisher([]string{"127.0.0.1:9092"}, "paykeeper.intents")
	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, "paykeeper.intents", w.Topic)
	require.NoError(t, p.Close())
}

func TestWatermillPublisher_GoChannel(t *testing.T) {
	bus := NewGoChannel()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := bus.Subscribe(ctx, "intents")
	require.NoError(t, err)

	p := NewWatermillPublisher(bus, "intents")
	require.NoError(t, p.Publish(ctx, sampleEvent()))

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, string(TypeCompleted), msg.Metadata.Get("event_type"))
		assert.Equal(t, "intent-1", msg.Metadata.Get("intent_id"))

		var got Event
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, "EXT_1", got.Reference)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestNop(t *testing.T) {
	p := Nop()
	assert.NoError(t, p.Publish(context.Background(), sampleEvent()))
	assert.NoError(t, p.Close())
}
