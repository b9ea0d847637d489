package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

const schemaVersion = "v1"

func isAdmin(actor Actor) bool { return strings.ToLower(strings.TrimSpace(actor.Role)) == "admin" }

func isService(actor Actor) bool {
	return strings.ToLower(strings.TrimSpace(actor.Role)) == "service"
}

func isPrivileged(actor Actor) bool { return isAdmin(actor) || isService(actor) }

func sha256Hex(v string) string { h := sha256.Sum256([]byte(v)); return hex.EncodeToString(h[:]) }

func hashJSON(v any) string {
	raw, _ := json.Marshal(v)
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:])
}

func traceIDOrNew(actor Actor) string {
	if id := strings.TrimSpace(actor.RequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

// newOutboxRecord wraps an analytics event in the canonical envelope.
func (s *Service) newOutboxRecord(eventType, partitionKey, traceID string, attrs map[string]string, now time.Time) (ports.OutboxRecord, error) {
	if !domain.IsCanonicalEmittedEvent(eventType) {
		return ports.OutboxRecord{}, domain.ErrUnsupportedEventType
	}
	data, err := json.Marshal(contracts.AnalyticsEvent{Type: eventType, CreatedAt: now, Attributes: attrs})
	if err != nil {
		return ports.OutboxRecord{}, domain.ErrInvalidInput
	}
	if strings.TrimSpace(traceID) == "" {
		traceID = uuid.NewString()
	}
	env := contracts.EventEnvelope{
		EventID:          uuid.NewString(),
		EventType:        eventType,
		EventClass:       domain.CanonicalEventClass(eventType),
		OccurredAt:       now,
		PartitionKeyPath: domain.CanonicalPartitionKeyPath(eventType),
		PartitionKey:     partitionKey,
		SourceService:    s.cfg.ServiceName,
		TraceID:          traceID,
		SchemaVersion:    schemaVersion,
		Data:             data,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return ports.OutboxRecord{}, domain.ErrInvalidInput
	}
	return ports.OutboxRecord{
		RecordID:     env.EventID,
		EventType:    eventType,
		EventClass:   env.EventClass,
		PartitionKey: partitionKey,
		Payload:      payload,
		CreatedAt:    now,
	}, nil
}

// enqueueEvent is best effort. Analytics records are not authoritative state.
func (s *Service) enqueueEvent(ctx context.Context, eventType, partitionKey, traceID string, attrs map[string]string, now time.Time) {
	if s.outbox == nil {
		return
	}
	rec, err := s.newOutboxRecord(eventType, partitionKey, traceID, attrs, now)
	if err == nil {
		err = s.outbox.Enqueue(ctx, rec)
	}
	if err != nil {
		s.logger.WarnContext(ctx, "failed to enqueue event",
			"module", "application",
			"layer", "application",
			"operation", "enqueue_event",
			"outcome", "failure",
			"event_type", eventType,
			"error", err,
		)
	}
}

func (s *Service) mustOutboxRecord(eventType, partitionKey, traceID string, attrs map[string]string, now time.Time) []ports.OutboxRecord {
	rec, err := s.newOutboxRecord(eventType, partitionKey, traceID, attrs, now)
	if err != nil {
		return nil
	}
	return []ports.OutboxRecord{rec}
}

func (s *Service) alarm(ctx context.Context, operation string, err error, attrs ...any) {
	args := []any{
		"module", "application",
		"layer", "application",
		"operation", operation,
		"outcome", "failure",
		"alarm", true,
		"error", err,
	}
	s.logger.ErrorContext(ctx, "invariant violation", append(args, attrs...)...)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }
