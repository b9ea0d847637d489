package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
)

func TestIdempotencyReserveAndExpiry(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Idempotency.Reserve(ctx, "k1", "h1", now.Add(time.Hour)))
	assert.ErrorIs(t, store.Idempotency.Reserve(ctx, "k1", "h1", now.Add(time.Hour)), domain.ErrConflict)

	rec, err := store.Idempotency.Get(ctx, "k1", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec, "expired record is dropped on read")
	require.NoError(t, store.Idempotency.Reserve(ctx, "k1", "h2", now.Add(3*time.Hour)))

	require.NoError(t, store.Idempotency.Complete(ctx, "k1", 201, []byte(`{}`), now))
	require.NoError(t, store.Idempotency.Release(ctx, "k1"))
	rec, err = store.Idempotency.Get(ctx, "k1", now)
	require.NoError(t, err)
	require.NotNil(t, rec, "completed records survive release")
	assert.Equal(t, 201, rec.ResponseCode)
}

func TestActiveReferralIndex(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	row := domain.Referral{RID: "rid_1", OwnerUserID: "u", ProductID: "p", Status: domain.ReferralStatusActive, ExpiresAt: now.Add(time.Hour)}

	require.NoError(t, store.Referrals.Create(ctx, row))
	row.RID = "rid_2"
	assert.ErrorIs(t, store.Referrals.Create(ctx, row), domain.ErrConflict)

	require.NoError(t, store.Referrals.UpdateStatus(ctx, "rid_1", domain.ReferralStatusActive, domain.ReferralStatusFraudFlagged, now))
	_, err := store.Referrals.GetActiveByOwnerProduct(ctx, "u", "p")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, store.Referrals.Create(ctx, row))
}

func TestClaimFirstClickKeepsEarliest(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	first, err := store.Attributions.ClaimFirstClick(ctx, domain.Attribution{PurchaserKey: "user:b", ReferralID: "rid_a"})
	require.NoError(t, err)
	second, err := store.Attributions.ClaimFirstClick(ctx, domain.Attribution{PurchaserKey: "user:b", ReferralID: "rid_b"})
	require.NoError(t, err)
	assert.Equal(t, "rid_a", first.ReferralID)
	assert.Equal(t, "rid_a", second.ReferralID)
}
