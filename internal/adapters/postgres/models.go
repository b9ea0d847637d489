package postgres

import (
	"time"

	"gorm.io/datatypes"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

type referralModel struct {
	RID         string                                  `gorm:"column:rid;primaryKey"`
	OwnerUserID string                                  `gorm:"column:owner_user_id"`
	ProductID   string                                  `gorm:"column:product_id"`
	Status      string                                  `gorm:"column:status"`
	ExpiresAt   time.Time                               `gorm:"column:expires_at"`
	Clicks      int64                                   `gorm:"column:clicks"`
	Conversions int64                                   `gorm:"column:conversions"`
	GMVCents    int64                                   `gorm:"column:gmv_cents"`
	Policy      datatypes.JSONType[domain.RewardPolicy] `gorm:"column:policy"`
	CreatedAt   time.Time                               `gorm:"column:created_at"`
	UpdatedAt   time.Time                               `gorm:"column:updated_at"`
}

func (referralModel) TableName() string { return "referrals" }

type referralEventModel struct {
	Seq        int64                                 `gorm:"column:seq;primaryKey;autoIncrement;<-:false"`
	EventID    string                                `gorm:"column:event_id"`
	ReferralID string                                `gorm:"column:referral_id"`
	Type       string                                `gorm:"column:type"`
	OrderID    string                                `gorm:"column:order_id"`
	Metadata   datatypes.JSONType[map[string]string] `gorm:"column:metadata"`
	CreatedAt  time.Time                             `gorm:"column:created_at"`
}

func (referralEventModel) TableName() string { return "referral_events" }

type attributionModel struct {
	PurchaserKey string    `gorm:"column:purchaser_key;primaryKey"`
	ReferralID   string    `gorm:"column:referral_id"`
	Model        string    `gorm:"column:model"`
	ClickedAt    time.Time `gorm:"column:clicked_at"`
}

func (attributionModel) TableName() string { return "referral_attributions" }

type orderModel struct {
	OrderID           string                                    `gorm:"column:order_id;primaryKey"`
	UserID            string                                    `gorm:"column:user_id"`
	Status            string                                    `gorm:"column:status"`
	SubtotalCents     int64                                     `gorm:"column:subtotal_cents"`
	TaxCents          int64                                     `gorm:"column:tax_cents"`
	ShippingCents     int64                                     `gorm:"column:shipping_cents"`
	TotalCents        int64                                     `gorm:"column:total_cents"`
	Currency          string                                    `gorm:"column:currency"`
	ReferralID        string                                    `gorm:"column:referral_id"`
	Items             datatypes.JSONSlice[domain.OrderItem]     `gorm:"column:items"`
	PaymentIntentRef  string                                    `gorm:"column:payment_intent_ref"`
	IdempotencyKey    string                                    `gorm:"column:idempotency_key"`
	RequestHash       string                                    `gorm:"column:request_hash"`
	ShippingAddressID string                                    `gorm:"column:shipping_address_id"`
	BillingAddressID  string                                    `gorm:"column:billing_address_id"`
	Timeline          datatypes.JSONSlice[domain.TimelineEntry] `gorm:"column:timeline"`
	CreatedAt         time.Time                                 `gorm:"column:created_at"`
	UpdatedAt         time.Time                                 `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

type rewardModel struct {
	EntryID     string    `gorm:"column:entry_id;primaryKey"`
	ReferralID  string    `gorm:"column:referral_id"`
	OrderID     string    `gorm:"column:order_id"`
	AmountCents int64     `gorm:"column:amount_cents"`
	Currency    string    `gorm:"column:currency"`
	Status      string    `gorm:"column:status"`
	HoldUntil   time.Time `gorm:"column:hold_until"`
	PayoutRef   string    `gorm:"column:payout_ref"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (rewardModel) TableName() string { return "reward_ledger" }

type idempotencyModel struct {
	IdempotencyKey string         `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string         `gorm:"column:request_hash"`
	Status         string         `gorm:"column:status"`
	ResponseCode   int            `gorm:"column:response_code"`
	ResponseBody   datatypes.JSON `gorm:"column:response_body"`
	ExpiresAt      time.Time      `gorm:"column:expires_at"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at"`
}

func (idempotencyModel) TableName() string { return "checkout_idempotency" }

type conversionTaskModel struct {
	TaskID       string                                  `gorm:"column:task_id;primaryKey"`
	OrderID      string                                  `gorm:"column:order_id"`
	ReferralID   string                                  `gorm:"column:referral_id"`
	PurchaserKey string                                  `gorm:"column:purchaser_key"`
	GMVCents     int64                                   `gorm:"column:gmv_cents"`
	Currency     string                                  `gorm:"column:currency"`
	Policy       datatypes.JSONType[domain.RewardPolicy] `gorm:"column:policy"`
	Status       string                                  `gorm:"column:status"`
	Attempts     int                                     `gorm:"column:attempts"`
	LastError    string                                  `gorm:"column:last_error"`
	CreatedAt    time.Time                               `gorm:"column:created_at"`
	UpdatedAt    time.Time                               `gorm:"column:updated_at"`
}

func (conversionTaskModel) TableName() string { return "conversion_tasks" }

type outboxModel struct {
	RecordID     string         `gorm:"column:record_id;primaryKey"`
	EventType    string         `gorm:"column:event_type"`
	EventClass   string         `gorm:"column:event_class"`
	PartitionKey string         `gorm:"column:partition_key"`
	Payload      datatypes.JSON `gorm:"column:payload"`
	RetryCount   int            `gorm:"column:retry_count"`
	PublishedAt  *time.Time     `gorm:"column:published_at"`
	LastError    string         `gorm:"column:last_error"`
	LastErrorAt  *time.Time     `gorm:"column:last_error_at"`
	FailedAt     *time.Time     `gorm:"column:failed_at"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (outboxModel) TableName() string { return "referral_outbox" }

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (eventDedupModel) TableName() string { return "referral_event_dedup" }
