// Package ratelimit admits or denies new sessions using fixed-window
// counters in a shared store.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// CounterStore increments a window counter and arms its expiry in one
// indivisible operation. A crash can therefore never leave a counter that
// outlives its window.
type CounterStore interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

type Limiter struct {
	store  CounterStore
	window time.Duration
	limit  int64
	now    func() time.Time
}

func New(store CounterStore, window time.Duration, limit int64) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 10
	}
	return &Limiter{store: store, window: window, limit: limit, now: time.Now}
}

// Admit counts one admission attempt for identity and reports whether it is
// within the window limit. The count is consumed even when denied.
func (l *Limiter) Admit(ctx context.Context, identity string) (bool, error) {
	windowID := l.now().UnixNano() / int64(l.window)
	key := "ratelimit:" + identity + ":" + strconv.FormatInt(windowID, 10)

	count, err := l.store.IncrWindow(ctx, key, l.window)
	if err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return count <= l.limit, nil
}
