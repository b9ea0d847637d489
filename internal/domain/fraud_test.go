package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeReferral(now time.Time) *Referral {
	return &Referral{
		RID:         "rid_test",
		OwnerUserID: "owner-1",
		ProductID:   "P1",
		Status:      ReferralStatusActive,
		ExpiresAt:   now.Add(24 * time.Hour),
		Policy:      RewardPolicy{RewardType: RewardTypePercent, RewardValue: 1000, Currency: "USD", HoldDays: 30},
	}
}

func TestEvaluateRules(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		ref        func() *Referral
		in         EvaluationContext
		valid      bool
		reason     RejectionReason
		expireFlag bool
	}{
		{name: "missing referral", ref: func() *Referral { return nil }, in: EvaluationContext{PurchasingUserID: "buyer"}, reason: ReasonExpired},
		{name: "valid purchaser", ref: func() *Referral { return activeReferral(now) }, in: EvaluationContext{PurchasingUserID: "buyer"}, valid: true},
		{name: "anonymous purchaser", ref: func() *Referral { return activeReferral(now) }, in: EvaluationContext{DeviceFingerprint: "fp"}, valid: true},
		{name: "self purchase", ref: func() *Referral { return activeReferral(now) }, in: EvaluationContext{PurchasingUserID: "owner-1"}, reason: ReasonSelfPurchaseBlocked},
		{
			name: "self purchase on expired referral",
			ref: func() *Referral {
				r := activeReferral(now)
				r.ExpiresAt = now.Add(-time.Hour)
				return r
			},
			in:     EvaluationContext{PurchasingUserID: "owner-1"},
			reason: ReasonSelfPurchaseBlocked,
		},
		{
			name: "self purchase on flagged referral",
			ref: func() *Referral {
				r := activeReferral(now)
				r.Status = ReferralStatusFraudFlagged
				return r
			},
			in:     EvaluationContext{PurchasingUserID: "owner-1"},
			reason: ReasonSelfPurchaseBlocked,
		},
		{
			name: "not active",
			ref: func() *Referral {
				r := activeReferral(now)
				r.Status = ReferralStatusExpired
				return r
			},
			in:     EvaluationContext{PurchasingUserID: "buyer"},
			reason: ReasonExpired,
		},
		{
			name: "past expiry",
			ref: func() *Referral {
				r := activeReferral(now)
				r.ExpiresAt = now.Add(-time.Second)
				return r
			},
			in:         EvaluationContext{PurchasingUserID: "buyer"},
			reason:     ReasonExpired,
			expireFlag: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Evaluate(tc.ref(), tc.in, now)
			assert.Equal(t, tc.valid, d.Valid)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, tc.expireFlag, d.ExpireReferral)
			if tc.valid {
				assert.Equal(t, AttributionFirstClick, d.Attribution)
			} else {
				assert.Empty(t, d.Attribution)
			}
		})
	}
}

func TestPurchaserKey(t *testing.T) {
	assert.Equal(t, "user:u1", PurchaserKey(EvaluationContext{PurchasingUserID: " u1 ", DeviceFingerprint: "fp"}))
	key := PurchaserKey(EvaluationContext{DeviceFingerprint: "fp"})
	assert.True(t, strings.HasPrefix(key, "device:"))
	assert.NotContains(t, key, "fp")
	assert.Empty(t, PurchaserKey(EvaluationContext{IP: "10.0.0.1"}))
}

func TestNewRID(t *testing.T) {
	a := NewRID("owner-1", "P1")
	b := NewRID("owner-1", "P1")
	require.True(t, strings.HasPrefix(a, "rid_"))
	assert.Len(t, a, len("rid_")+24)
	assert.NotEqual(t, a, b)
	assert.Equal(t, strings.ToLower(a), a)
}

func TestRewardPolicy(t *testing.T) {
	percent := RewardPolicy{RewardType: RewardTypePercent, RewardValue: 1000, Currency: "USD", HoldDays: 30}
	require.NoError(t, percent.Validate())
	assert.Equal(t, int64(420), percent.RewardAmount(4200))
	assert.Equal(t, int64(0), percent.RewardAmount(0))

	fixed := RewardPolicy{RewardType: RewardTypeFixed, RewardValue: 250, Currency: "USD"}
	require.NoError(t, fixed.Validate())
	assert.Equal(t, int64(250), fixed.RewardAmount(100))

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, start.Add(30*24*time.Hour), percent.HoldUntil(start))

	assert.ErrorIs(t, RewardPolicy{RewardType: "bonus", RewardValue: 1, Currency: "USD"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, RewardPolicy{RewardType: RewardTypePercent, RewardValue: 10001, Currency: "USD"}.Validate(), ErrInvalidInput)
	assert.ErrorIs(t, RewardPolicy{RewardType: RewardTypeFixed, RewardValue: 1}.Validate(), ErrInvalidInput)
}
