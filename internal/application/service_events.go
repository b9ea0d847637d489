package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

var eventActor = Actor{SubjectID: "event-consumer", Role: "service"}

// HandleCanonicalEvent applies an order lifecycle or payout event. Redelivered events are ignored.
func (s *Service) HandleCanonicalEvent(ctx context.Context, envelope contracts.EventEnvelope) error {
	if err := validateEnvelope(envelope); err != nil {
		return err
	}
	if !domain.IsCanonicalInputEvent(envelope.EventType) {
		return domain.ErrUnsupportedEventType
	}
	if s.eventDedup != nil {
		dup, err := s.eventDedup.IsDuplicate(ctx, envelope.EventID, s.nowFn())
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	actor := eventActor
	actor.RequestID = envelope.TraceID
	if err := s.applyCanonicalEvent(ctx, actor, envelope); err != nil {
		return err
	}
	if s.eventDedup != nil {
		return s.eventDedup.MarkProcessed(ctx, envelope.EventID, envelope.EventType, s.nowFn().Add(s.cfg.EventDedupTTL))
	}
	return nil
}

func (s *Service) applyCanonicalEvent(ctx context.Context, actor Actor, envelope contracts.EventEnvelope) error {
	if envelope.EventType == domain.EventPayoutConfirmed {
		var payload contracts.PayoutConfirmedPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
		}
		_, err := s.ConfirmPayout(ctx, actor, payload.EntryID, payload.PayoutRef)
		return err
	}

	to, _ := domain.OrderStatusForInputEvent(envelope.EventType)
	var payload contracts.OrderLifecyclePayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	orderID := strings.TrimSpace(payload.OrderID)
	if orderID == "" {
		return domain.ErrInvalidEnvelope
	}
	reason := payload.Reason
	if reason == "" {
		reason = envelope.EventType
	}
	_, err := s.transitionOrder(ctx, actor, orderID, to, reason)
	if errors.Is(err, domain.ErrInvalidTransition) {
		// A different event id carrying a transition that already happened.
		if order, gErr := s.orders.GetByID(ctx, orderID); gErr == nil && order.Status == to {
			return nil
		}
	}
	return err
}

// FlushOutbox publishes one batch of pending outbox records and reports how many were published.
func (s *Service) FlushOutbox(ctx context.Context) (int, error) {
	if s.outbox == nil || s.publisher == nil {
		return 0, nil
	}
	pending, err := s.outbox.FetchUnpublished(ctx, s.cfg.OutboxFlushBatchSize)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		switch rec.EventClass {
		case domain.CanonicalEventClassDomain, domain.CanonicalEventClassAnalyticsOnly, domain.CanonicalEventClassOps:
		default:
			s.failOutboxRecord(ctx, rec, fmt.Errorf("%w: %s", domain.ErrUnsupportedEventClass, rec.EventClass), true)
			continue
		}
		if err := s.publisher.Publish(ctx, rec.EventType, rec.Payload, rec.PartitionKey); err != nil {
			s.failOutboxRecord(ctx, rec, err, rec.RetryCount+1 >= s.cfg.OutboxMaxAttempts)
			continue
		}
		if err := s.outbox.MarkPublished(ctx, rec.RecordID, s.nowFn()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}

func (s *Service) failOutboxRecord(ctx context.Context, rec ports.OutboxRecord, cause error, terminal bool) {
	if err := s.outbox.MarkFailed(ctx, rec.RecordID, cause.Error(), terminal, s.nowFn()); err != nil {
		s.logger.WarnContext(ctx, "failed to record outbox failure",
			"module", "application",
			"layer", "application",
			"operation", "flush_outbox",
			"outcome", "failure",
			"record_id", rec.RecordID,
			"error", err,
		)
		return
	}
	if terminal {
		s.logger.ErrorContext(ctx, "outbox record abandoned",
			"module", "application",
			"layer", "application",
			"operation", "flush_outbox",
			"outcome", "failure",
			"alarm", true,
			"record_id", rec.RecordID,
			"event_type", rec.EventType,
			"attempts", rec.RetryCount+1,
			"error", cause,
		)
	}
}

func validateEnvelope(event contracts.EventEnvelope) error {
	if strings.TrimSpace(event.EventID) == "" || strings.TrimSpace(event.EventType) == "" || event.OccurredAt.IsZero() {
		return domain.ErrInvalidEnvelope
	}
	if strings.TrimSpace(event.SourceService) == "" || strings.TrimSpace(event.TraceID) == "" || strings.TrimSpace(event.SchemaVersion) == "" {
		return domain.ErrInvalidEnvelope
	}
	if strings.TrimSpace(event.PartitionKeyPath) == "" || strings.TrimSpace(event.PartitionKey) == "" {
		return domain.ErrInvalidEnvelope
	}
	if len(event.Data) == 0 {
		return domain.ErrInvalidEnvelope
	}
	return nil
}
