package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type RejectionReason string

const (
	ReasonExpired             RejectionReason = "RID_EXPIRED"
	ReasonSelfPurchaseBlocked RejectionReason = "RID_SELF_PURCHASE_BLOCKED"
)

type EvaluationContext struct {
	PurchasingUserID  string
	DeviceFingerprint string
	IP                string
}

// Decision is the typed outcome of a policy evaluation. A rejection is a value, not an error,
// so checkout can continue unattributed.
type Decision struct {
	Valid          bool
	Attribution    string
	Reason         RejectionReason
	ExpireReferral bool
}

func reject(reason RejectionReason) Decision {
	return Decision{Valid: false, Reason: reason}
}

// Evaluate applies the referral fraud rules in order; the first match wins.
// Self-purchase is checked right after existence so owners are always blocked, expired or not.
func Evaluate(ref *Referral, in EvaluationContext, now time.Time) Decision {
	if ref == nil {
		return reject(ReasonExpired)
	}
	purchaser := strings.TrimSpace(in.PurchasingUserID)
	if purchaser != "" && purchaser == ref.OwnerUserID {
		return reject(ReasonSelfPurchaseBlocked)
	}
	if ref.Status != ReferralStatusActive {
		return reject(ReasonExpired)
	}
	if ref.ExpiresAt.Before(now) {
		d := reject(ReasonExpired)
		d.ExpireReferral = true
		return d
	}
	return Decision{Valid: true, Attribution: AttributionFirstClick}
}

// PurchaserKey identifies a purchaser for first-click attribution. Anonymous purchasers
// are keyed by a hash of their device fingerprint; with neither, attribution is not tracked.
func PurchaserKey(in EvaluationContext) string {
	if id := strings.TrimSpace(in.PurchasingUserID); id != "" {
		return "user:" + id
	}
	if fp := strings.TrimSpace(in.DeviceFingerprint); fp != "" {
		return "device:" + HashIdentifier(fp)
	}
	return ""
}

func HashIdentifier(v string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(v)))
	return hex.EncodeToString(sum[:])
}
