package gormstore

import (
	"context"
	"time"
)

// CountRateLimitEvents counts a user's events for a scope since a cutoff.
func (store *Store) CountRateLimitEvents(ctx context.Context, userID string, scope string, sinceUnixUTC int64) (int, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var count int64
	err := store.db.WithContext(ctx).
		Model(&RateLimitEvent{}).
		Where("user_id = ? AND scope = ? AND created_at >= ?", userID, scope, since).
		Count(&count).Error
	return int(count), err
}

// RecordRateLimitEvent appends one counted request.
func (store *Store) RecordRateLimitEvent(ctx context.Context, userID string, scope string, atUnixUTC int64) error {
	event := RateLimitEvent{
		UserID:    userID,
		Scope:     scope,
		CreatedAt: time.Unix(atUnixUTC, 0).UTC(),
	}
	return store.db.WithContext(ctx).Create(&event).Error
}

// PruneRateLimitEvents drops events older than the cutoff across all users.
func (store *Store) PruneRateLimitEvents(ctx context.Context, beforeUnixUTC int64) error {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	return store.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&RateLimitEvent{}).Error
}
