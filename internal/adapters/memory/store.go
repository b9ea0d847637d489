package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M42-referral-settlement-service/internal/ports"
)

// state backs every repository view. All writes that must commit together happen under one lock.
type state struct {
	mu sync.Mutex

	referrals     map[string]domain.Referral
	activeByOwner map[string]string
	events        []domain.ReferralEvent
	attributions  map[string]domain.Attribution

	orders      map[string]domain.Order
	ordersByKey map[string]string

	rewards          map[string]domain.RewardLedgerEntry
	rewardByRefOrder map[string]string

	idempotency map[string]ports.IdempotencyRecord

	conversions     map[string]domain.ConversionTask
	conversionOrder []string

	outbox      map[string]ports.OutboxRecord
	outboxOrder []string

	dedup map[string]time.Time
}

type Store struct {
	Referrals      *ReferralRepository
	ReferralEvents *ReferralEventRepository
	Attributions   *AttributionRepository
	Orders         *OrderRepository
	Rewards        *RewardRepository
	Idempotency    *IdempotencyRepository
	Checkouts      *CheckoutRepository
	Conversions    *ConversionRepository
	Outbox         *OutboxRepository
	EventDedup     *EventDedupRepository
}

func NewStore() *Store {
	st := &state{
		referrals:        map[string]domain.Referral{},
		activeByOwner:    map[string]string{},
		attributions:     map[string]domain.Attribution{},
		orders:           map[string]domain.Order{},
		ordersByKey:      map[string]string{},
		rewards:          map[string]domain.RewardLedgerEntry{},
		rewardByRefOrder: map[string]string{},
		idempotency:      map[string]ports.IdempotencyRecord{},
		conversions:      map[string]domain.ConversionTask{},
		outbox:           map[string]ports.OutboxRecord{},
		dedup:            map[string]time.Time{},
	}
	return &Store{
		Referrals:      &ReferralRepository{st: st},
		ReferralEvents: &ReferralEventRepository{st: st},
		Attributions:   &AttributionRepository{st: st},
		Orders:         &OrderRepository{st: st},
		Rewards:        &RewardRepository{st: st},
		Idempotency:    &IdempotencyRepository{st: st},
		Checkouts:      &CheckoutRepository{st: st},
		Conversions:    &ConversionRepository{st: st},
		Outbox:         &OutboxRepository{st: st},
		EventDedup:     &EventDedupRepository{st: st},
	}
}

func ownerProductKey(owner, product string) string { return owner + "\x00" + product }

func refOrderKey(rid, orderID string) string { return rid + "\x00" + orderID }

type ReferralRepository struct{ st *state }

func (r *ReferralRepository) Create(_ context.Context, row domain.Referral) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.referrals[row.RID]; ok {
		return domain.ErrConflict
	}
	key := ownerProductKey(row.OwnerUserID, row.ProductID)
	if row.Status == domain.ReferralStatusActive {
		if _, ok := r.st.activeByOwner[key]; ok {
			return domain.ErrConflict
		}
		r.st.activeByOwner[key] = row.RID
	}
	r.st.referrals[row.RID] = row
	return nil
}

func (r *ReferralRepository) GetByRID(_ context.Context, rid string) (domain.Referral, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.referrals[strings.TrimSpace(rid)]
	if !ok {
		return domain.Referral{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *ReferralRepository) GetActiveByOwnerProduct(_ context.Context, ownerUserID, productID string) (domain.Referral, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rid, ok := r.st.activeByOwner[ownerProductKey(ownerUserID, productID)]
	if !ok {
		return domain.Referral{}, domain.ErrNotFound
	}
	return r.st.referrals[rid], nil
}

func (r *ReferralRepository) ExpireIfActive(_ context.Context, rid string, now time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.referrals[rid]
	if !ok {
		return false, domain.ErrNotFound
	}
	if row.Status != domain.ReferralStatusActive {
		return false, nil
	}
	r.st.setReferralStatus(row, domain.ReferralStatusExpired, now)
	return true, nil
}

func (r *ReferralRepository) IncrementClicks(_ context.Context, rid string, now time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.referrals[rid]
	if !ok {
		return domain.ErrNotFound
	}
	row.Clicks++
	row.UpdatedAt = now
	r.st.referrals[rid] = row
	return nil
}

func (r *ReferralRepository) UpdateStatus(_ context.Context, rid string, from, to domain.ReferralStatus, now time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.referrals[rid]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status != from {
		return domain.ErrConflict
	}
	r.st.setReferralStatus(row, to, now)
	return nil
}

func (st *state) setReferralStatus(row domain.Referral, to domain.ReferralStatus, now time.Time) {
	if row.Status == domain.ReferralStatusActive && to != domain.ReferralStatusActive {
		delete(st.activeByOwner, ownerProductKey(row.OwnerUserID, row.ProductID))
	}
	row.Status = to
	row.UpdatedAt = now
	st.referrals[row.RID] = row
}

type ReferralEventRepository struct{ st *state }

func (r *ReferralEventRepository) Append(_ context.Context, row domain.ReferralEvent) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.events = append(r.st.events, cloneEvent(row))
	return nil
}

func (r *ReferralEventRepository) ListByReferral(_ context.Context, rid string) ([]domain.ReferralEvent, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []domain.ReferralEvent{}
	for _, e := range r.st.events {
		if e.ReferralID == rid {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

func cloneEvent(e domain.ReferralEvent) domain.ReferralEvent {
	if e.Metadata != nil {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}

type AttributionRepository struct{ st *state }

func (r *AttributionRepository) ClaimFirstClick(_ context.Context, row domain.Attribution) (domain.Attribution, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if existing, ok := r.st.attributions[row.PurchaserKey]; ok {
		return existing, nil
	}
	r.st.attributions[row.PurchaserKey] = row
	return row, nil
}

func (r *AttributionRepository) GetByPurchaser(_ context.Context, purchaserKey string) (domain.Attribution, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.attributions[purchaserKey]
	if !ok {
		return domain.Attribution{}, domain.ErrNotFound
	}
	return row, nil
}

type OrderRepository struct{ st *state }

func (r *OrderRepository) GetByID(_ context.Context, orderID string) (domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return cloneOrder(row), nil
}

func (r *OrderRepository) GetByIdempotencyKey(_ context.Context, key string) (domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	id, ok := r.st.ordersByKey[key]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return cloneOrder(r.st.orders[id]), nil
}

func (r *OrderRepository) Transition(_ context.Context, orderID string, from domain.OrderStatus, entry domain.TimelineEntry) (domain.Order, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if row.Status != from {
		return domain.Order{}, domain.ErrConflict
	}
	row = cloneOrder(row)
	row.Timeline = append(row.Timeline, entry)
	row.Status = entry.To
	row.UpdatedAt = entry.At
	r.st.orders[orderID] = row
	return cloneOrder(row), nil
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	o.Timeline = append([]domain.TimelineEntry(nil), o.Timeline...)
	return o
}

type RewardRepository struct{ st *state }

func (r *RewardRepository) GetByID(_ context.Context, entryID string) (domain.RewardLedgerEntry, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.rewards[entryID]
	if !ok {
		return domain.RewardLedgerEntry{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *RewardRepository) ListByReferral(_ context.Context, rid string) ([]domain.RewardLedgerEntry, error) {
	return r.list(func(e domain.RewardLedgerEntry) bool { return e.ReferralID == rid }, 0), nil
}

func (r *RewardRepository) ListByOrder(_ context.Context, orderID string) ([]domain.RewardLedgerEntry, error) {
	return r.list(func(e domain.RewardLedgerEntry) bool { return e.OrderID == orderID }, 0), nil
}

func (r *RewardRepository) ListPendingHold(_ context.Context, limit int) ([]domain.RewardLedgerEntry, error) {
	return r.list(func(e domain.RewardLedgerEntry) bool { return e.Status == domain.RewardStatusPendingHold }, limit), nil
}

func (r *RewardRepository) list(match func(domain.RewardLedgerEntry) bool, limit int) []domain.RewardLedgerEntry {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []domain.RewardLedgerEntry{}
	for _, e := range r.st.rewards {
		if match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].HoldUntil.Equal(out[j].HoldUntil) {
			return out[i].HoldUntil.Before(out[j].HoldUntil)
		}
		return out[i].EntryID < out[j].EntryID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *RewardRepository) UpdateStatus(_ context.Context, entry domain.RewardLedgerEntry, from domain.RewardStatus) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.rewards[entry.EntryID]
	if !ok {
		return domain.ErrNotFound
	}
	if row.Status != from {
		return domain.ErrConflict
	}
	row.Status = entry.Status
	row.PayoutRef = entry.PayoutRef
	row.UpdatedAt = entry.UpdatedAt
	r.st.rewards[entry.EntryID] = row
	return nil
}

func (r *RewardRepository) SettleWithOrder(_ context.Context, entryID string, settle ports.SettleFunc) (ports.SettleOutcome, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.rewards[entryID]
	if !ok {
		return ports.SettleOutcome{}, domain.ErrNotFound
	}
	order, ok := r.st.orders[row.OrderID]
	if !ok {
		return ports.SettleOutcome{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, row.OrderID)
	}
	next, changed := settle(row, order.Status)
	if changed {
		r.st.rewards[entryID] = next
		row = next
	}
	return ports.SettleOutcome{Entry: row, OrderStatus: order.Status, Changed: changed}, nil
}

// Count reports how many ledger entries exist for a (referral, order) pair.
func (r *RewardRepository) Count(rid, orderID string) int {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	n := 0
	for _, e := range r.st.rewards {
		if e.ReferralID == rid && e.OrderID == orderID {
			n++
		}
	}
	return n
}

type IdempotencyRepository struct{ st *state }

func (r *IdempotencyRepository) Get(_ context.Context, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.idempotency[key]
	if !ok {
		return nil, nil
	}
	if now.After(row.ExpiresAt) {
		delete(r.st.idempotency, key)
		return nil, nil
	}
	row.ResponseBody = append([]byte(nil), row.ResponseBody...)
	return &row, nil
}

func (r *IdempotencyRepository) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.idempotency[key]; ok {
		return domain.ErrConflict
	}
	r.st.idempotency[key] = ports.IdempotencyRecord{Key: key, RequestHash: requestHash, Status: ports.IdempotencyStatusReserved, ExpiresAt: expiresAt}
	return nil
}

func (r *IdempotencyRepository) Complete(_ context.Context, key string, responseCode int, responseBody []byte, _ time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return r.st.completeIdempotency(key, responseCode, responseBody)
}

func (st *state) completeIdempotency(key string, responseCode int, responseBody []byte) error {
	row, ok := st.idempotency[key]
	if !ok {
		return domain.ErrNotFound
	}
	row.Status = ports.IdempotencyStatusCompleted
	row.ResponseCode = responseCode
	row.ResponseBody = append([]byte(nil), responseBody...)
	st.idempotency[key] = row
	return nil
}

func (r *IdempotencyRepository) Release(_ context.Context, key string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if row, ok := r.st.idempotency[key]; ok && row.Status == ports.IdempotencyStatusReserved {
		delete(r.st.idempotency, key)
	}
	return nil
}

type CheckoutRepository struct{ st *state }

func (r *CheckoutRepository) CommitCheckout(_ context.Context, commit ports.CheckoutCommit) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	order := commit.Order
	if _, ok := r.st.orders[order.OrderID]; ok {
		return domain.ErrConflict
	}
	if _, ok := r.st.ordersByKey[order.IdempotencyKey]; ok {
		return domain.ErrConflict
	}
	if _, ok := r.st.idempotency[commit.IdempotencyKey]; !ok {
		return domain.ErrNotFound
	}
	r.st.orders[order.OrderID] = cloneOrder(order)
	r.st.ordersByKey[order.IdempotencyKey] = order.OrderID
	_ = r.st.completeIdempotency(commit.IdempotencyKey, commit.ResponseCode, commit.ResponseBody)
	if commit.Conversion != nil {
		r.st.conversions[commit.Conversion.TaskID] = *commit.Conversion
		r.st.conversionOrder = append(r.st.conversionOrder, commit.Conversion.TaskID)
	}
	r.st.enqueue(commit.Outbox)
	return nil
}

// OrderCount reports how many orders were committed.
func (r *CheckoutRepository) OrderCount() int {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	return len(r.st.orders)
}

type ConversionRepository struct{ st *state }

func (r *ConversionRepository) GetByID(_ context.Context, taskID string) (domain.ConversionTask, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	row, ok := r.st.conversions[taskID]
	if !ok {
		return domain.ConversionTask{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *ConversionRepository) ListPending(_ context.Context, limit int) ([]domain.ConversionTask, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []domain.ConversionTask{}
	for _, id := range r.st.conversionOrder {
		row := r.st.conversions[id]
		if row.Status != domain.ConversionTaskPending {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *ConversionRepository) ApplyConversion(_ context.Context, app ports.ConversionApplication) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	task, ok := r.st.conversions[app.TaskID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if task.Status != domain.ConversionTaskPending {
		return false, nil
	}
	key := refOrderKey(app.Reward.ReferralID, app.Reward.OrderID)
	if _, exists := r.st.rewardByRefOrder[key]; exists {
		return false, domain.ErrInvariantViolation
	}
	ref, ok := r.st.referrals[task.ReferralID]
	if !ok {
		return false, domain.ErrNotFound
	}
	ref.Conversions++
	ref.GMVCents += task.GMVCents
	ref.UpdatedAt = app.At
	r.st.referrals[ref.RID] = ref
	r.st.rewards[app.Reward.EntryID] = app.Reward
	r.st.rewardByRefOrder[key] = app.Reward.EntryID
	r.st.events = append(r.st.events, cloneEvent(app.Event))
	task.Status = domain.ConversionTaskApplied
	task.Attempts++
	task.UpdatedAt = app.At
	r.st.conversions[task.TaskID] = task
	r.st.enqueue(app.Outbox)
	return true, nil
}

func (r *ConversionRepository) MarkFailed(_ context.Context, taskID, errMsg string, terminal bool, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	task, ok := r.st.conversions[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if task.Status == domain.ConversionTaskApplied {
		return nil
	}
	task.Attempts++
	task.LastError = errMsg
	task.UpdatedAt = at
	if terminal {
		task.Status = domain.ConversionTaskFailed
	}
	r.st.conversions[taskID] = task
	return nil
}

// SeedReward inserts a ledger entry directly, bypassing conversion tasks.
func (r *ConversionRepository) SeedReward(entry domain.RewardLedgerEntry) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.rewards[entry.EntryID] = entry
	r.st.rewardByRefOrder[refOrderKey(entry.ReferralID, entry.OrderID)] = entry.EntryID
}

type OutboxRepository struct{ st *state }

func (st *state) enqueue(records []ports.OutboxRecord) {
	for _, rec := range records {
		if _, ok := st.outbox[rec.RecordID]; ok {
			continue
		}
		st.outbox[rec.RecordID] = rec
		st.outboxOrder = append(st.outboxOrder, rec.RecordID)
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, record ports.OutboxRecord) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.outbox[record.RecordID]; ok {
		return domain.ErrConflict
	}
	r.st.enqueue([]ports.OutboxRecord{record})
	return nil
}

func (r *OutboxRepository) FetchUnpublished(_ context.Context, limit int) ([]ports.OutboxRecord, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := []ports.OutboxRecord{}
	for _, id := range r.st.outboxOrder {
		rec := r.st.outbox[id]
		if rec.PublishedAt != nil || rec.FailedAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(_ context.Context, recordID string, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rec, ok := r.st.outbox[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.PublishedAt = &at
	r.st.outbox[recordID] = rec
	return nil
}

func (r *OutboxRepository) MarkFailed(_ context.Context, recordID, errMsg string, terminal bool, at time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	rec, ok := r.st.outbox[recordID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.RetryCount++
	rec.LastError = errMsg
	if terminal {
		rec.FailedAt = &at
	}
	r.st.outbox[recordID] = rec
	return nil
}

// EventTypes lists the event types of every record ever enqueued, in order.
func (r *OutboxRepository) EventTypes() []string {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]string, 0, len(r.st.outboxOrder))
	for _, id := range r.st.outboxOrder {
		out = append(out, r.st.outbox[id].EventType)
	}
	return out
}

type EventDedupRepository struct{ st *state }

func (r *EventDedupRepository) IsDuplicate(_ context.Context, eventID string, now time.Time) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	expiresAt, ok := r.st.dedup[eventID]
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		delete(r.st.dedup, eventID)
		return false, nil
	}
	return true, nil
}

func (r *EventDedupRepository) MarkProcessed(_ context.Context, eventID, _ string, expiresAt time.Time) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.dedup[eventID] = expiresAt
	return nil
}
