package ports

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

type ReferralRepository interface {
	// Create fails with domain.ErrConflict when the owner already has an active referral for the product.
	Create(ctx context.Context, row domain.Referral) error
	GetByRID(ctx context.Context, rid string) (domain.Referral, error)
	GetActiveByOwnerProduct(ctx context.Context, ownerUserID, productID string) (domain.Referral, error)
	// ExpireIfActive moves an active referral to expired. It reports whether this call made the change.
	ExpireIfActive(ctx context.Context, rid string, now time.Time) (bool, error)
	IncrementClicks(ctx context.Context, rid string, now time.Time) error
	UpdateStatus(ctx context.Context, rid string, from, to domain.ReferralStatus, now time.Time) error
}

type ReferralEventRepository interface {
	Append(ctx context.Context, row domain.ReferralEvent) error
	ListByReferral(ctx context.Context, rid string) ([]domain.ReferralEvent, error)
}

type AttributionRepository interface {
	// ClaimFirstClick stores the attribution unless the purchaser already has one, and returns the winner.
	ClaimFirstClick(ctx context.Context, row domain.Attribution) (domain.Attribution, error)
	GetByPurchaser(ctx context.Context, purchaserKey string) (domain.Attribution, error)
}

type OrderRepository interface {
	GetByID(ctx context.Context, orderID string) (domain.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (domain.Order, error)
	// Transition applies from -> entry.To only if the stored status is still from.
	Transition(ctx context.Context, orderID string, from domain.OrderStatus, entry domain.TimelineEntry) (domain.Order, error)
}

type RewardRepository interface {
	GetByID(ctx context.Context, entryID string) (domain.RewardLedgerEntry, error)
	ListByReferral(ctx context.Context, rid string) ([]domain.RewardLedgerEntry, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.RewardLedgerEntry, error)
	ListPendingHold(ctx context.Context, limit int) ([]domain.RewardLedgerEntry, error)
	// UpdateStatus persists entry only if the stored status is still from.
	UpdateStatus(ctx context.Context, entry domain.RewardLedgerEntry, from domain.RewardStatus) error
	// SettleWithOrder applies settle to the stored entry and the status of its order, both read while the
	// order cannot change, and persists the result when settle reports a change.
	SettleWithOrder(ctx context.Context, entryID string, settle SettleFunc) (SettleOutcome, error)
}

type SettleFunc func(entry domain.RewardLedgerEntry, orderStatus domain.OrderStatus) (domain.RewardLedgerEntry, bool)

type SettleOutcome struct {
	Entry       domain.RewardLedgerEntry
	OrderStatus domain.OrderStatus
	Changed     bool
}

const (
	IdempotencyStatusReserved  = "reserved"
	IdempotencyStatusCompleted = "completed"
)

type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	Status       string
	ResponseCode int
	ResponseBody []byte
	ExpiresAt    time.Time
}

type IdempotencyRepository interface {
	Get(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	// Reserve is an atomic insert; a live record for key yields domain.ErrConflict.
	Reserve(ctx context.Context, key, requestHash string, expiresAt time.Time) error
	Complete(ctx context.Context, key string, responseCode int, responseBody []byte, at time.Time) error
	// Release drops a reservation that never completed.
	Release(ctx context.Context, key string) error
}

// CheckoutCommit is everything a successful charge must persist in one storage commit.
type CheckoutCommit struct {
	Order          domain.Order
	IdempotencyKey string
	ResponseCode   int
	ResponseBody   []byte
	Conversion     *domain.ConversionTask
	Outbox         []OutboxRecord
}

type CheckoutRepository interface {
	CommitCheckout(ctx context.Context, commit CheckoutCommit) error
}

// ConversionApplication is the reward-side write set for one conversion task.
type ConversionApplication struct {
	TaskID string
	Event  domain.ReferralEvent
	Reward domain.RewardLedgerEntry
	Outbox []OutboxRecord
	At     time.Time
}

type ConversionRepository interface {
	GetByID(ctx context.Context, taskID string) (domain.ConversionTask, error)
	ListPending(ctx context.Context, limit int) ([]domain.ConversionTask, error)
	// ApplyConversion reports false when the task was already applied. A second reward for the same
	// (referral, order) yields domain.ErrInvariantViolation and nothing is written.
	ApplyConversion(ctx context.Context, app ConversionApplication) (bool, error)
	MarkFailed(ctx context.Context, taskID, errMsg string, terminal bool, at time.Time) error
}

type OutboxRecord struct {
	RecordID     string
	EventType    string
	EventClass   string
	PartitionKey string
	Payload      []byte
	RetryCount   int
	PublishedAt  *time.Time
	FailedAt     *time.Time
	LastError    string
	CreatedAt    time.Time
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, record OutboxRecord) error
	FetchUnpublished(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, recordID string, at time.Time) error
	// MarkFailed counts a failed attempt. A terminal failure takes the record out of FetchUnpublished.
	MarkFailed(ctx context.Context, recordID, errMsg string, terminal bool, at time.Time) error
}

type EventDedupRepository interface {
	IsDuplicate(ctx context.Context, eventID string, now time.Time) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string, expiresAt time.Time) error
}
