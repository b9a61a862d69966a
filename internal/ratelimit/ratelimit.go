package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned when a user has exhausted a window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Rule caps the number of counted events inside a sliding window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Store is the persistence surface the limiter counts against. Events are
// shared across processes, so the limit holds under horizontal scaling.
type Store interface {
	CountRateLimitEvents(ctx context.Context, userID string, scope string, sinceUnixUTC int64) (int, error)
	RecordRateLimitEvent(ctx context.Context, userID string, scope string, atUnixUTC int64) error
	PruneRateLimitEvents(ctx context.Context, beforeUnixUTC int64) error
}

// Limiter enforces per-user sliding-window limits for one scope.
type Limiter struct {
	store Store
	scope string
	rules []Rule
	nowFn func() time.Time
}

// NewLimiter wires a limiter. Rules with a zero limit or window are ignored.
func NewLimiter(store Store, scope string, rules []Rule, now func() time.Time) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is nil")
	}
	if scope == "" {
		return nil, errors.New("ratelimit: scope is empty")
	}
	if now == nil {
		now = time.Now
	}
	active := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Limit > 0 && rule.Window > 0 {
			active = append(active, rule)
		}
	}
	if len(active) == 0 {
		return nil, errors.New("ratelimit: no usable rules")
	}
	return &Limiter{store: store, scope: scope, rules: active, nowFn: now}, nil
}

// Allow checks every rule and records one event when all pass. The count
// happens before the record, so a burst can overshoot by the number of
// in-flight requests; the cap is advisory, not a hard admission gate.
func (limiter *Limiter) Allow(ctx context.Context, userID string) error {
	now := limiter.nowFn().UTC()
	for _, rule := range limiter.rules {
		since := now.Add(-rule.Window).Unix()
		count, err := limiter.store.CountRateLimitEvents(ctx, userID, limiter.scope, since)
		if err != nil {
			return fmt.Errorf("count events: %w", err)
		}
		if count >= rule.Limit {
			return fmt.Errorf("%w: %d requests in %s", ErrRateLimited, count, rule.Window)
		}
	}
	if err := limiter.store.RecordRateLimitEvent(ctx, userID, limiter.scope, now.Unix()); err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Prune drops events older than the longest window. Callers run it
// periodically; missing a run only wastes storage, never loosens a limit.
func (limiter *Limiter) Prune(ctx context.Context) error {
	longest := limiter.rules[0].Window
	for _, rule := range limiter.rules[1:] {
		if rule.Window > longest {
			longest = rule.Window
		}
	}
	cutoff := limiter.nowFn().UTC().Add(-longest).Unix()
	return limiter.store.PruneRateLimitEvents(ctx, cutoff)
}
