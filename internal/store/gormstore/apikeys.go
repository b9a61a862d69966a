package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/quickbrushlabs/quickbrush/internal/apikey"
	"gorm.io/gorm"
)

// InsertAPIKey persists a freshly issued key.
func (store *Store) InsertAPIKey(ctx context.Context, key apikey.Key) (apikey.Key, error) {
	row := APIKey{
		UserID:     key.UserID,
		Name:       key.Name,
		SecretHash: key.SecretHash,
		CreatedAt:  time.Unix(key.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return apikey.Key{}, err
	}
	key.KeyID = row.KeyID
	return key, nil
}

// FindAPIKeyBySecretHash resolves a key by its stored digest, or nil.
func (store *Store) FindAPIKeyBySecretHash(ctx context.Context, secretHash string) (*apikey.Key, error) {
	var row APIKey
	err := store.db.WithContext(ctx).
		Where("secret_hash = ?", secretHash).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key := mapAPIKey(row)
	return &key, nil
}

// ListAPIKeys returns a user's keys, newest first.
func (store *Store) ListAPIKeys(ctx context.Context, userID string) ([]apikey.Key, error) {
	var rows []APIKey
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	keys := make([]apikey.Key, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, mapAPIKey(row))
	}
	return keys, nil
}

// RevokeAPIKey marks a key revoked. Ownership is enforced in the predicate.
func (store *Store) RevokeAPIKey(ctx context.Context, userID string, keyID string, revokedUnixUTC int64) error {
	revokedAt := time.Unix(revokedUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_id = ? AND user_id = ? AND revoked_at IS NULL", keyID, userID).
		Update("revoked_at", revokedAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apikey.ErrUnknownKey
	}
	return nil
}

// TouchAPIKey records the last successful use of a key.
func (store *Store) TouchAPIKey(ctx context.Context, keyID string, usedUnixUTC int64) error {
	usedAt := time.Unix(usedUnixUTC, 0).UTC()
	return store.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("key_id = ?", keyID).
		Update("last_used_at", usedAt).Error
}

func mapAPIKey(row APIKey) apikey.Key {
	key := apikey.Key{
		KeyID:          row.KeyID,
		UserID:         row.UserID,
		Name:           row.Name,
		SecretHash:     row.SecretHash,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.LastUsedAt != nil {
		key.LastUsedUnix = row.LastUsedAt.Unix()
	}
	if row.RevokedAt != nil {
		key.RevokedUnix = row.RevokedAt.Unix()
	}
	return key
}
