package application

import (
	"log/slog"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	ServiceName             string
	PublicBaseURL           string
	ProductBaseURL          string
	ReferralTTL             time.Duration
	DefaultPolicy           domain.RewardPolicy
	PaymentTimeout          time.Duration
	IdempotencyTTL          time.Duration
	IdempotencyWaitTimeout  time.Duration
	IdempotencyPollInterval time.Duration
	FlatShippingCents       int64
	EventDedupTTL           time.Duration
	OutboxFlushBatchSize    int
	OutboxMaxAttempts       int
	SettlementBatchSize     int
	ConversionBatchSize     int
}

type Actor struct {
	SubjectID      string
	Role           string
	RequestID      string
	IdempotencyKey string
}

type IssueReferralResult struct {
	Referral         domain.Referral
	ShareURL         string
	PreviouslyIssued bool
}

type ReferralView struct {
	Referral domain.Referral
	Rewards  domain.RewardSummary
}

type ValidateReferralInput struct {
	RID               string
	UserID            string
	DeviceFingerprint string
	IP                string
}

type ValidationResult struct {
	Valid         bool
	Attribution   string
	Reason        domain.RejectionReason
	AttributedRID string
}

type TrackClickInput struct {
	RID       string
	ClientIP  string
	UserAgent string
	CookieID  string
}

type TrackClickResult struct {
	RedirectURL string
	CookieID    string
	Recorded    bool
}

type CheckoutItem struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

type CheckoutInput struct {
	IdempotencyKey    string
	UserID            string
	CartID            string
	Items             []CheckoutItem
	PaymentTokenID    string
	ShippingAddressID string
	BillingAddressID  string
	RID               string
	DeviceFingerprint string
	IP                string
}

type CheckoutOutcome struct {
	Result   domain.CheckoutResult
	Replayed bool
}

type SettlementReport struct {
	Scanned   int
	Payable   int
	Cancelled int
}

type ConversionReport struct {
	Scanned int
	Applied int
	Failed  int
}

type Service struct {
	cfg Config

	referrals      ports.ReferralRepository
	referralEvents ports.ReferralEventRepository
	attributions   ports.AttributionRepository
	orders         ports.OrderRepository
	rewards        ports.RewardRepository
	idempotency    ports.IdempotencyRepository
	checkouts      ports.CheckoutRepository
	conversions    ports.ConversionRepository
	outbox         ports.OutboxRepository
	eventDedup     ports.EventDedupRepository

	payments ports.PaymentClient
	catalog  ports.CatalogClient
	carts    ports.CartClient
	limiter  ports.IssuanceLimiter

	publisher ports.EventPublisher
	logger    *slog.Logger
	inflight  singleflight.Group

	nowFn func() time.Time
}

type Dependencies struct {
	Config Config

	Referrals      ports.ReferralRepository
	ReferralEvents ports.ReferralEventRepository
	Attributions   ports.AttributionRepository
	Orders         ports.OrderRepository
	Rewards        ports.RewardRepository
	Idempotency    ports.IdempotencyRepository
	Checkouts      ports.CheckoutRepository
	Conversions    ports.ConversionRepository
	Outbox         ports.OutboxRepository
	EventDedup     ports.EventDedupRepository

	Payments ports.PaymentClient
	Catalog  ports.CatalogClient
	Carts    ports.CartClient
	Limiter  ports.IssuanceLimiter

	Publisher ports.EventPublisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "M42-Referral-Settlement-Service"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://platform.com"
	}
	if cfg.ProductBaseURL == "" {
		cfg.ProductBaseURL = cfg.PublicBaseURL + "/products"
	}
	if cfg.ReferralTTL <= 0 {
		cfg.ReferralTTL = 90 * 24 * time.Hour
	}
	if cfg.DefaultPolicy.RewardType == "" {
		cfg.DefaultPolicy = domain.RewardPolicy{RewardType: domain.RewardTypePercent, RewardValue: 1000, Currency: "USD", HoldDays: 30}
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 10 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.IdempotencyWaitTimeout <= 0 {
		cfg.IdempotencyWaitTimeout = 15 * time.Second
	}
	if cfg.IdempotencyPollInterval <= 0 {
		cfg.IdempotencyPollInterval = 50 * time.Millisecond
	}
	if cfg.FlatShippingCents < 0 {
		cfg.FlatShippingCents = 0
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}
	if cfg.OutboxFlushBatchSize <= 0 {
		cfg.OutboxFlushBatchSize = 100
	}
	if cfg.OutboxMaxAttempts <= 0 {
		cfg.OutboxMaxAttempts = 10
	}
	if cfg.SettlementBatchSize <= 0 {
		cfg.SettlementBatchSize = 200
	}
	if cfg.ConversionBatchSize <= 0 {
		cfg.ConversionBatchSize = 100
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:            cfg,
		referrals:      deps.Referrals,
		referralEvents: deps.ReferralEvents,
		attributions:   deps.Attributions,
		orders:         deps.Orders,
		rewards:        deps.Rewards,
		idempotency:    deps.Idempotency,
		checkouts:      deps.Checkouts,
		conversions:    deps.Conversions,
		outbox:         deps.Outbox,
		eventDedup:     deps.EventDedup,
		payments:       deps.Payments,
		catalog:        deps.Catalog,
		carts:          deps.Carts,
		limiter:        deps.Limiter,
		publisher:      deps.Publisher,
		logger:         logger,
		nowFn:          nowFn,
	}
}

func (s *Service) Config() Config { return s.cfg }
