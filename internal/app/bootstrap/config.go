package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

type CatalogSeed struct {
	ProductID  string `yaml:"product_id"`
	VariantID  string `yaml:"variant_id"`
	SKU        string `yaml:"sku"`
	PriceCents int64  `yaml:"price_cents"`
	Currency   string `yaml:"currency"`
	Available  int64  `yaml:"available"`
}

type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	StorageDriver string
	DatabaseURL   string
	MaxDBConns    int32
	RunMigrations bool
	RedisURL      string

	KafkaBrokers       []string
	KafkaConsumerGroup string
	KafkaTopicEvents   string
	KafkaTopicInputs   []string
	KafkaTopicDLQ      string

	PaymentGRPCURL string
	CatalogGRPCURL string
	CartGRPCURL    string

	JWTSecret string
	JWTIssuer string

	PublicBaseURL  string
	ProductBaseURL string
	ReferralTTL    time.Duration
	IssuanceLimit  int
	IssuanceWindow time.Duration
	DefaultPolicy  domain.RewardPolicy

	PaymentTimeout    time.Duration
	IdempotencyTTL    time.Duration
	IdempotencyWait   time.Duration
	IdempotencyPoll   time.Duration
	FlatShippingCents int64
	EventDedupTTL     time.Duration

	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxMaxAttempts    int
	ConsumerPollInterval time.Duration
	SettlementInterval   time.Duration
	SettlementBatchSize  int
	ConversionInterval   time.Duration
	ConversionBatchSize  int

	DevCatalog []CatalogSeed
}

type configFile struct {
	Service struct {
		ID            string `yaml:"id"`
		HTTPPort      int    `yaml:"http_port"`
		GRPCPort      int    `yaml:"grpc_port"`
		StorageDriver string `yaml:"storage_driver"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL        string   `yaml:"postgres_url"`
		RedisURL           string   `yaml:"redis_url"`
		KafkaBrokers       []string `yaml:"kafka_brokers"`
		KafkaConsumerGroup string   `yaml:"kafka_consumer_group"`
		KafkaTopicEvents   string   `yaml:"kafka_topic_events"`
		KafkaTopicInputs   []string `yaml:"kafka_topic_inputs"`
		KafkaTopicDLQ      string   `yaml:"kafka_topic_dlq"`
		PaymentGRPCURL     string   `yaml:"payment_grpc_url"`
		CatalogGRPCURL     string   `yaml:"catalog_grpc_url"`
		CartGRPCURL        string   `yaml:"cart_grpc_url"`
	} `yaml:"dependencies"`
	Auth struct {
		JWTIssuer string `yaml:"jwt_issuer"`
	} `yaml:"auth"`
	Referral struct {
		PublicBaseURL       string `yaml:"public_base_url"`
		ProductBaseURL      string `yaml:"product_base_url"`
		TTLDays             int    `yaml:"ttl_days"`
		IssuanceLimit       int    `yaml:"issuance_limit"`
		IssuanceWindowHours int    `yaml:"issuance_window_hours"`
		RewardType          string `yaml:"reward_type"`
		RewardValue         int64  `yaml:"reward_value"`
		RewardCurrency      string `yaml:"reward_currency"`
		HoldDays            *int   `yaml:"hold_days"`
	} `yaml:"referral"`
	Checkout struct {
		PaymentTimeoutSeconds  int   `yaml:"payment_timeout_seconds"`
		IdempotencyTTLHours    int   `yaml:"idempotency_ttl_hours"`
		IdempotencyWaitSeconds int   `yaml:"idempotency_wait_seconds"`
		FlatShippingCents      int64 `yaml:"flat_shipping_cents"`
	} `yaml:"checkout"`
	Workers struct {
		OutboxPollSeconds         int `yaml:"outbox_poll_seconds"`
		OutboxBatchSize           int `yaml:"outbox_batch_size"`
		OutboxMaxAttempts         int `yaml:"outbox_max_attempts"`
		ConsumerPollSeconds       int `yaml:"consumer_poll_seconds"`
		SettlementIntervalMinutes int `yaml:"settlement_interval_minutes"`
		SettlementBatchSize       int `yaml:"settlement_batch_size"`
		ConversionPollSeconds     int `yaml:"conversion_poll_seconds"`
		ConversionBatchSize       int `yaml:"conversion_batch_size"`
	} `yaml:"workers"`
	DevCatalog []CatalogSeed `yaml:"dev_catalog"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:          "M42-Referral-Settlement-Service",
		HTTPPort:           8080,
		GRPCPort:           9090,
		MaxDBConns:         20,
		RunMigrations:      true,
		KafkaConsumerGroup: "m42-referral-settlement-service",
		KafkaTopicEvents:   "referral.events",
		KafkaTopicInputs: []string{
			domain.EventOrderSentToBrand, domain.EventOrderFulfilled, domain.EventOrderDelivered,
			domain.EventOrderReturnRequested, domain.EventOrderClosed, domain.EventOrderCancelled,
			domain.EventPayoutConfirmed,
		},
		KafkaTopicDLQ:  "referral.events.dlq",
		PublicBaseURL:  "https://platform.com",
		ReferralTTL:    90 * 24 * time.Hour,
		IssuanceLimit:  10,
		IssuanceWindow: 24 * time.Hour,
		DefaultPolicy: domain.RewardPolicy{
			RewardType: domain.RewardTypePercent, RewardValue: 1000, Currency: "USD", HoldDays: 30,
		},
		PaymentTimeout:       10 * time.Second,
		IdempotencyTTL:       24 * time.Hour,
		IdempotencyWait:      15 * time.Second,
		IdempotencyPoll:      50 * time.Millisecond,
		EventDedupTTL:        7 * 24 * time.Hour,
		OutboxPollInterval:   2 * time.Second,
		OutboxBatchSize:      100,
		OutboxMaxAttempts:    10,
		ConsumerPollInterval: 2 * time.Second,
		SettlementInterval:   time.Hour,
		SettlementBatchSize:  200,
		ConversionInterval:   5 * time.Second,
		ConversionBatchSize:  100,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		applyFile(&cfg, f)
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RunMigrations = envBool("RUN_MIGRATIONS", cfg.RunMigrations)
	cfg.StorageDriver = strings.ToLower(envOrDefault("STORAGE_DRIVER", cfg.StorageDriver))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.KafkaTopicEvents = envOrDefault("KAFKA_TOPIC_EVENTS", cfg.KafkaTopicEvents)
	cfg.KafkaTopicInputs = envCSV("KAFKA_TOPIC_INPUTS", cfg.KafkaTopicInputs)
	cfg.KafkaTopicDLQ = envOrDefault("KAFKA_TOPIC_DLQ", cfg.KafkaTopicDLQ)
	cfg.PaymentGRPCURL = envOrDefault("PAYMENT_GRPC_URL", cfg.PaymentGRPCURL)
	cfg.CatalogGRPCURL = envOrDefault("CATALOG_GRPC_URL", cfg.CatalogGRPCURL)
	cfg.CartGRPCURL = envOrDefault("CART_GRPC_URL", cfg.CartGRPCURL)
	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.PublicBaseURL = envOrDefault("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	cfg.ProductBaseURL = envOrDefault("PRODUCT_BASE_URL", cfg.ProductBaseURL)
	cfg.ReferralTTL = envDays("REFERRAL_TTL_DAYS", cfg.ReferralTTL)
	cfg.IssuanceLimit = envInt("REFERRAL_ISSUANCE_LIMIT", cfg.IssuanceLimit)
	cfg.IssuanceWindow = time.Duration(envInt("REFERRAL_ISSUANCE_WINDOW_HOURS", int(cfg.IssuanceWindow.Hours()))) * time.Hour
	cfg.DefaultPolicy.RewardType = envOrDefault("REWARD_TYPE", cfg.DefaultPolicy.RewardType)
	cfg.DefaultPolicy.RewardValue = int64(envInt("REWARD_VALUE", int(cfg.DefaultPolicy.RewardValue)))
	cfg.DefaultPolicy.Currency = envOrDefault("REWARD_CURRENCY", cfg.DefaultPolicy.Currency)
	cfg.DefaultPolicy.HoldDays = envInt("REWARD_HOLD_DAYS", cfg.DefaultPolicy.HoldDays)
	cfg.PaymentTimeout = envSeconds("PAYMENT_TIMEOUT_SECONDS", cfg.PaymentTimeout)
	cfg.IdempotencyTTL = time.Duration(envInt("IDEMPOTENCY_TTL_HOURS", int(cfg.IdempotencyTTL.Hours()))) * time.Hour
	cfg.IdempotencyWait = envSeconds("IDEMPOTENCY_WAIT_SECONDS", cfg.IdempotencyWait)
	cfg.IdempotencyPoll = time.Duration(envInt("IDEMPOTENCY_POLL_MS", int(cfg.IdempotencyPoll.Milliseconds()))) * time.Millisecond
	cfg.FlatShippingCents = int64(envInt("FLAT_SHIPPING_CENTS", int(cfg.FlatShippingCents)))
	cfg.EventDedupTTL = time.Duration(envInt("EVENT_DEDUP_TTL_HOURS", int(cfg.EventDedupTTL.Hours()))) * time.Hour
	cfg.OutboxPollInterval = envSeconds("OUTBOX_POLL_SECONDS", cfg.OutboxPollInterval)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxAttempts = envInt("OUTBOX_MAX_ATTEMPTS", cfg.OutboxMaxAttempts)
	cfg.ConsumerPollInterval = envSeconds("CONSUMER_POLL_SECONDS", cfg.ConsumerPollInterval)
	cfg.SettlementInterval = time.Duration(envInt("SETTLEMENT_INTERVAL_MINUTES", int(cfg.SettlementInterval.Minutes()))) * time.Minute
	cfg.SettlementBatchSize = envInt("SETTLEMENT_BATCH_SIZE", cfg.SettlementBatchSize)
	cfg.ConversionInterval = envSeconds("CONVERSION_POLL_SECONDS", cfg.ConversionInterval)
	cfg.ConversionBatchSize = envInt("CONVERSION_BATCH_SIZE", cfg.ConversionBatchSize)

	if cfg.StorageDriver == "" {
		cfg.StorageDriver = StorageDriverMemory
		if cfg.DatabaseURL != "" {
			cfg.StorageDriver = StorageDriverPostgres
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, f configFile) {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Service.StorageDriver != "" {
		cfg.StorageDriver = strings.ToLower(f.Service.StorageDriver)
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = trimNonEmpty(f.Dependencies.KafkaBrokers)
	}
	if f.Dependencies.KafkaConsumerGroup != "" {
		cfg.KafkaConsumerGroup = f.Dependencies.KafkaConsumerGroup
	}
	if f.Dependencies.KafkaTopicEvents != "" {
		cfg.KafkaTopicEvents = f.Dependencies.KafkaTopicEvents
	}
	if len(f.Dependencies.KafkaTopicInputs) > 0 {
		cfg.KafkaTopicInputs = trimNonEmpty(f.Dependencies.KafkaTopicInputs)
	}
	if f.Dependencies.KafkaTopicDLQ != "" {
		cfg.KafkaTopicDLQ = f.Dependencies.KafkaTopicDLQ
	}
	cfg.PaymentGRPCURL = f.Dependencies.PaymentGRPCURL
	cfg.CatalogGRPCURL = f.Dependencies.CatalogGRPCURL
	cfg.CartGRPCURL = f.Dependencies.CartGRPCURL
	if f.Auth.JWTIssuer != "" {
		cfg.JWTIssuer = f.Auth.JWTIssuer
	}

	r := f.Referral
	if r.PublicBaseURL != "" {
		cfg.PublicBaseURL = r.PublicBaseURL
	}
	if r.ProductBaseURL != "" {
		cfg.ProductBaseURL = r.ProductBaseURL
	}
	if r.TTLDays > 0 {
		cfg.ReferralTTL = time.Duration(r.TTLDays) * 24 * time.Hour
	}
	if r.IssuanceLimit > 0 {
		cfg.IssuanceLimit = r.IssuanceLimit
	}
	if r.IssuanceWindowHours > 0 {
		cfg.IssuanceWindow = time.Duration(r.IssuanceWindowHours) * time.Hour
	}
	if r.RewardType != "" {
		cfg.DefaultPolicy.RewardType = r.RewardType
	}
	if r.RewardValue > 0 {
		cfg.DefaultPolicy.RewardValue = r.RewardValue
	}
	if r.RewardCurrency != "" {
		cfg.DefaultPolicy.Currency = r.RewardCurrency
	}
	if r.HoldDays != nil {
		cfg.DefaultPolicy.HoldDays = *r.HoldDays
	}

	c := f.Checkout
	if c.PaymentTimeoutSeconds > 0 {
		cfg.PaymentTimeout = time.Duration(c.PaymentTimeoutSeconds) * time.Second
	}
	if c.IdempotencyTTLHours > 0 {
		cfg.IdempotencyTTL = time.Duration(c.IdempotencyTTLHours) * time.Hour
	}
	if c.IdempotencyWaitSeconds > 0 {
		cfg.IdempotencyWait = time.Duration(c.IdempotencyWaitSeconds) * time.Second
	}
	if c.FlatShippingCents > 0 {
		cfg.FlatShippingCents = c.FlatShippingCents
	}

	w := f.Workers
	if w.OutboxPollSeconds > 0 {
		cfg.OutboxPollInterval = time.Duration(w.OutboxPollSeconds) * time.Second
	}
	if w.OutboxBatchSize > 0 {
		cfg.OutboxBatchSize = w.OutboxBatchSize
	}
	if w.OutboxMaxAttempts > 0 {
		cfg.OutboxMaxAttempts = w.OutboxMaxAttempts
	}
	if w.ConsumerPollSeconds > 0 {
		cfg.ConsumerPollInterval = time.Duration(w.ConsumerPollSeconds) * time.Second
	}
	if w.SettlementIntervalMinutes > 0 {
		cfg.SettlementInterval = time.Duration(w.SettlementIntervalMinutes) * time.Minute
	}
	if w.SettlementBatchSize > 0 {
		cfg.SettlementBatchSize = w.SettlementBatchSize
	}
	if w.ConversionPollSeconds > 0 {
		cfg.ConversionInterval = time.Duration(w.ConversionPollSeconds) * time.Second
	}
	if w.ConversionBatchSize > 0 {
		cfg.ConversionBatchSize = w.ConversionBatchSize
	}
	if len(f.DevCatalog) > 0 {
		cfg.DevCatalog = f.DevCatalog
	}
}

func (c Config) validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for storage driver %q", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("missing JWT_SECRET")
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid default reward policy: %w", err)
	}
	if c.IssuanceLimit <= 0 || c.IssuanceWindow <= 0 {
		return fmt.Errorf("referral issuance limit and window must be positive")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func envSeconds(name string, fallback time.Duration) time.Duration {
	return time.Duration(envInt(name, int(fallback.Seconds()))) * time.Second
}

func envDays(name string, fallback time.Duration) time.Duration {
	return time.Duration(envInt(name, int(fallback.Hours()/24))) * 24 * time.Hour
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	items := strings.Split(raw, ",")
	return trimNonEmpty(items)
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
