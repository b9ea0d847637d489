package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type issuanceSlot struct {
	token string
	at    time.Time
}

// MemoryIssuanceLimiter is the single-process fallback used when no Redis URL is configured.
type MemoryIssuanceLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	slots  map[string][]issuanceSlot
}

func NewMemoryIssuanceLimiter(limit int, window time.Duration) *MemoryIssuanceLimiter {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &MemoryIssuanceLimiter{limit: limit, window: window, slots: map[string][]issuanceSlot{}}
}

func (l *MemoryIssuanceLimiter) Acquire(_ context.Context, userID string, now time.Time) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)
	kept := l.slots[userID][:0]
	for _, s := range l.slots[userID] {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	if len(kept) >= l.limit {
		l.slots[userID] = kept
		return "", false, nil
	}
	token := uuid.NewString()
	l.slots[userID] = append(kept, issuanceSlot{token: token, at: now})
	return token, true, nil
}

func (l *MemoryIssuanceLimiter) Release(_ context.Context, userID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	slots := l.slots[userID]
	for i, s := range slots {
		if s.token == token {
			l.slots[userID] = append(slots[:i], slots[i+1:]...)
			break
		}
	}
	return nil
}
