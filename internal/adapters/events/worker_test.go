package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

type staticConsumer struct {
	msgs      []Message
	committed []string
}

func (c *staticConsumer) Poll(_ context.Context, _ int) ([]Message, error) {
	out := c.msgs
	c.msgs = nil
	return out, nil
}

func (c *staticConsumer) Commit(_ context.Context, msgs ...Message) error {
	for _, m := range msgs {
		c.committed = append(c.committed, m.Key)
	}
	return nil
}

type recordingHandler struct {
	seen     []string
	err      error
	failures int
}

func (h *recordingHandler) HandleCanonicalEvent(_ context.Context, envelope contracts.EventEnvelope) error {
	h.seen = append(h.seen, envelope.EventID)
	if h.failures > 0 {
		h.failures--
		return h.err
	}
	if h.failures < 0 {
		return h.err
	}
	return nil
}

func envelopeMessage(t *testing.T, id string) Message {
	t.Helper()
	raw, err := json.Marshal(contracts.EventEnvelope{
		EventID:    id,
		EventType:  domain.EventOrderDelivered,
		OccurredAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Data:       json.RawMessage(`{"order_id":"ord_1"}`),
	})
	require.NoError(t, err)
	return Message{Topic: domain.EventOrderDelivered, Key: id, Payload: raw}
}

func TestConsumerWorkerAppliesEvents(t *testing.T) {
	handler := &recordingHandler{}
	consumer := &staticConsumer{msgs: []Message{envelopeMessage(t, "evt-1"), envelopeMessage(t, "evt-2")}}
	worker := NewConsumerWorker(nil, consumer, handler, time.Second)

	applied, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Equal(t, []string{"evt-1", "evt-2"}, handler.seen)
	assert.Equal(t, []string{"evt-1", "evt-2"}, consumer.committed)
}

func TestConsumerWorkerDeadLettersPermanentFailures(t *testing.T) {
	dlq := NewMemoryPublisher()
	handler := &recordingHandler{err: domain.ErrInvalidEnvelope, failures: -1}
	consumer := &staticConsumer{msgs: []Message{
		{Topic: "order.delivered", Key: "garbage", Payload: []byte("not json")},
		envelopeMessage(t, "evt-3"),
	}}
	worker := NewConsumerWorker(nil, consumer, handler, time.Second).WithDLQ(dlq, "referral-settlement.dlq")

	applied, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, []string{"evt-3"}, handler.seen, "permanent failures are not retried")
	assert.Equal(t, []string{"garbage", "evt-3"}, consumer.committed)

	events := dlq.Events()
	require.Len(t, events, 2)
	assert.Equal(t, DeadLetterEventType, events[1].EventType)
	var record contracts.DLQRecord
	require.NoError(t, json.Unmarshal(events[1].Payload, &record))
	assert.Equal(t, "evt-3", record.OriginalEvent.EventID)
	assert.Equal(t, "referral-settlement.dlq", record.DLQTopic)
	assert.Equal(t, "order.delivered", record.SourceTopic)
}

func TestConsumerWorkerRetriesTransientFailures(t *testing.T) {
	dlq := NewMemoryPublisher()
	handler := &recordingHandler{err: errors.New("database unavailable"), failures: 2}
	consumer := &staticConsumer{msgs: []Message{envelopeMessage(t, "evt-4")}}
	worker := NewConsumerWorker(nil, consumer, handler, time.Second).
		WithDLQ(dlq, "dlq").
		WithRetry(5, time.Millisecond)

	applied, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []string{"evt-4", "evt-4", "evt-4"}, handler.seen)
	assert.Equal(t, []string{"evt-4"}, consumer.committed)
	assert.Empty(t, dlq.Events())
}

func TestConsumerWorkerDeadLettersAfterRetriesExhausted(t *testing.T) {
	dlq := NewMemoryPublisher()
	handler := &recordingHandler{err: errors.New("database unavailable"), failures: -1}
	consumer := &staticConsumer{msgs: []Message{envelopeMessage(t, "evt-5")}}
	worker := NewConsumerWorker(nil, consumer, handler, time.Second).
		WithDLQ(dlq, "dlq").
		WithRetry(3, time.Millisecond)

	_, err := worker.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, handler.seen, 3)
	assert.Equal(t, []string{"evt-5"}, consumer.committed)

	events := dlq.Events()
	require.Len(t, events, 1)
	var record contracts.DLQRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &record))
	assert.Equal(t, 3, record.RetryCount)
}

func TestConsumerWorkerLeavesMessageUncommittedWhenDLQFails(t *testing.T) {
	dlq := NewMemoryPublisher()
	dlq.Err = errors.New("broker down")
	handler := &recordingHandler{err: domain.ErrInvalidEnvelope, failures: -1}
	consumer := &staticConsumer{msgs: []Message{envelopeMessage(t, "evt-6"), envelopeMessage(t, "evt-7")}}
	worker := NewConsumerWorker(nil, consumer, handler, time.Second).
		WithDLQ(dlq, "dlq").
		WithRetry(1, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := worker.ProcessOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, consumer.committed)
	assert.NotContains(t, handler.seen, "evt-7")
}

func TestKafkaPublisherRoutesDeadLetters(t *testing.T) {
	publisher, err := NewKafkaPublisher([]string{"localhost:9092"}, "referral.events", map[string]string{
		DeadLetterEventType: "referral.events.dlq",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	assert.Equal(t, "referral.events.dlq", publisher.topicFor(DeadLetterEventType))
	assert.Equal(t, "referral.events", publisher.topicFor(domain.EventRewardEntryCreated))
}

type countingFlusher struct{ calls int }

func (f *countingFlusher) FlushOutbox(context.Context) (int, error) {
	f.calls++
	return 1, nil
}

func TestOutboxWorkerStopsOnCancel(t *testing.T) {
	flusher := &countingFlusher{}
	worker := NewOutboxWorker(nil, flusher, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	err := worker.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, flusher.calls, 1)
}
