package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"time"
)

type ReferralStatus string

const (
	ReferralStatusActive       ReferralStatus = "active"
	ReferralStatusExpired      ReferralStatus = "expired"
	ReferralStatusFraudFlagged ReferralStatus = "fraud_flagged"
)

const (
	RewardTypePercent = "percent"
	RewardTypeFixed   = "fixed"
)

// RewardPolicy is snapshotted onto a referral at issuance. Percent values are basis points.
type RewardPolicy struct {
	RewardType  string `json:"reward_type"`
	RewardValue int64  `json:"reward_value"`
	Currency    string `json:"currency"`
	HoldDays    int    `json:"hold_days"`
}

func (p RewardPolicy) Validate() error {
	switch p.RewardType {
	case RewardTypePercent:
		if p.RewardValue <= 0 || p.RewardValue > 10000 {
			return ErrInvalidInput
		}
	case RewardTypeFixed:
		if p.RewardValue <= 0 {
			return ErrInvalidInput
		}
	default:
		return ErrInvalidInput
	}
	if strings.TrimSpace(p.Currency) == "" || p.HoldDays < 0 {
		return ErrInvalidInput
	}
	return nil
}

// RewardAmount computes the reward for an order total. Percent rewards round down.
func (p RewardPolicy) RewardAmount(gmvCents int64) int64 {
	if gmvCents <= 0 {
		return 0
	}
	switch p.RewardType {
	case RewardTypePercent:
		return gmvCents * p.RewardValue / 10000
	case RewardTypeFixed:
		return p.RewardValue
	default:
		return 0
	}
}

func (p RewardPolicy) HoldUntil(from time.Time) time.Time {
	return from.Add(time.Duration(p.HoldDays) * 24 * time.Hour)
}

type Referral struct {
	RID         string         `json:"rid"`
	OwnerUserID string         `json:"owner_user_id"`
	ProductID   string         `json:"product_id"`
	Status      ReferralStatus `json:"status"`
	ExpiresAt   time.Time      `json:"expires_at"`
	Clicks      int64          `json:"clicks"`
	Conversions int64          `json:"conversions"`
	GMVCents    int64          `json:"gmv_cents"`
	Policy      RewardPolicy   `json:"policy"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IsPastExpiry reports whether an active referral should be lazily expired.
func (r Referral) IsPastExpiry(now time.Time) bool {
	return r.Status == ReferralStatusActive && now.After(r.ExpiresAt)
}

type ReferralEventType string

const (
	ReferralEventClick          ReferralEventType = "CLICK"
	ReferralEventPurchase       ReferralEventType = "PURCHASE"
	ReferralEventRewardReleased ReferralEventType = "REWARD_RELEASED"
)

type ReferralEvent struct {
	EventID    string            `json:"event_id"`
	ReferralID string            `json:"referral_id"`
	Type       ReferralEventType `json:"type"`
	OrderID    string            `json:"order_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

const AttributionFirstClick = "first_click"

// Attribution binds a purchaser identity to the referral that recorded its first click.
type Attribution struct {
	PurchaserKey string    `json:"purchaser_key"`
	ReferralID   string    `json:"referral_id"`
	Model        string    `json:"model"`
	ClickedAt    time.Time `json:"clicked_at"`
}

var ridEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewRID derives an unguessable referral code from the referrer, the product and a random nonce.
func NewRID(ownerUserID, productID string) string {
	nonce := make([]byte, 16)
	_, _ = rand.Read(nonce)
	h := sha256.New()
	h.Write([]byte(ownerUserID))
	h.Write([]byte{0})
	h.Write([]byte(productID))
	h.Write([]byte{0})
	h.Write(nonce)
	encoded := strings.ToLower(ridEncoding.EncodeToString(h.Sum(nil)))
	return "rid_" + encoded[:24]
}
