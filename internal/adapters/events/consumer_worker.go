package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

// DeadLetterEventType is the event type dead letters are published under. Publishers route it to the DLQ topic.
const DeadLetterEventType = "referral.consumer.dead_letter"

type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Payload   []byte
}

type Consumer interface {
	Poll(ctx context.Context, max int) ([]Message, error)
	Commit(ctx context.Context, msgs ...Message) error
}

type EventHandler interface {
	HandleCanonicalEvent(ctx context.Context, envelope contracts.EventEnvelope) error
}

// ConsumerWorker feeds order lifecycle and payout events into the service. A message is committed once
// it was applied or copied to the dead letter topic. Transient handler failures are retried in place with
// backoff; after maxAttempts the message is dead lettered with its retry count.
type ConsumerWorker struct {
	logger      *slog.Logger
	consumer    Consumer
	handler     EventHandler
	dlq         ports.EventPublisher
	dlqTopic    string
	interval    time.Duration
	batch       int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	nowFn       func() time.Time
}

func NewConsumerWorker(logger *slog.Logger, consumer Consumer, handler EventHandler, interval time.Duration) *ConsumerWorker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerWorker{
		logger: logger, consumer: consumer, handler: handler, interval: interval, batch: 50,
		maxAttempts: 5, backoff: 200 * time.Millisecond, maxBackoff: 30 * time.Second,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

func (w *ConsumerWorker) WithDLQ(publisher ports.EventPublisher, topic string) *ConsumerWorker {
	w.dlq = publisher
	w.dlqTopic = topic
	return w
}

func (w *ConsumerWorker) WithRetry(maxAttempts int, backoff time.Duration) *ConsumerWorker {
	if maxAttempts > 0 {
		w.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		w.backoff = backoff
	}
	return w
}

func (w *ConsumerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.ErrorContext(ctx, "consumer iteration failed",
				"module", "events.consumer_worker",
				"layer", "adapter",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce handles one polled batch in order and returns the number of messages applied. It stops at
// the first message it could not settle, leaving that message and the rest of the batch uncommitted.
func (w *ConsumerWorker) ProcessOnce(ctx context.Context) (int, error) {
	msgs, err := w.consumer.Poll(ctx, w.batch)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, msg := range msgs {
		ok, err := w.settle(ctx, msg)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// settle applies msg or dead letters it, then commits it. It reports whether the handler applied msg.
func (w *ConsumerWorker) settle(ctx context.Context, msg Message) (bool, error) {
	var envelope contracts.EventEnvelope
	decodeErr := json.Unmarshal(msg.Payload, &envelope)
	attempts := 0
	backoff := w.backoff
	for {
		cause := decodeErr
		if cause == nil {
			attempts++
			cause = w.handler.HandleCanonicalEvent(ctx, envelope)
			if cause == nil {
				return true, w.consumer.Commit(ctx, msg)
			}
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if decodeErr != nil || permanent(cause) || attempts >= w.maxAttempts {
			dlErr := w.deadLetter(ctx, msg, envelope, cause, attempts)
			if dlErr == nil {
				return false, w.consumer.Commit(ctx, msg)
			}
			cause = dlErr
		}
		w.logger.WarnContext(ctx, "failed to handle canonical event, retrying",
			"module", "events.consumer_worker",
			"layer", "adapter",
			"operation", "handle_event",
			"outcome", "retry",
			"event_type", envelope.EventType,
			"event_id", envelope.EventID,
			"attempt", attempts,
			"error", cause,
		)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.maxBackoff)
	}
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidEnvelope) ||
		errors.Is(err, domain.ErrUnsupportedEventType) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (w *ConsumerWorker) deadLetter(ctx context.Context, msg Message, envelope contracts.EventEnvelope, cause error, attempts int) error {
	if w.dlq == nil {
		w.logger.ErrorContext(ctx, "dropping unprocessable event, no dead letter topic configured",
			"module", "events.consumer_worker",
			"layer", "adapter",
			"operation", "dead_letter",
			"outcome", "dropped",
			"event_id", envelope.EventID,
			"source_topic", msg.Topic,
			"error", cause,
		)
		return nil
	}
	now := w.nowFn()
	record := contracts.DLQRecord{
		OriginalEvent: envelope,
		ErrorSummary:  cause.Error(),
		RetryCount:    attempts,
		FirstSeenAt:   now,
		LastErrorAt:   now,
		SourceTopic:   msg.Topic,
		DLQTopic:      w.dlqTopic,
		TraceID:       envelope.TraceID,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := w.dlq.Publish(ctx, DeadLetterEventType, raw, msg.Key); err != nil {
		return fmt.Errorf("dead letter publish: %w", err)
	}
	return nil
}
