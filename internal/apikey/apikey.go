package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	keyPrefix       = "qb_"
	secretByteCount = 32
)

var (
	ErrInvalidKeyFormat = errors.New("invalid api key format")
	ErrUnknownKey       = errors.New("unknown api key")
	ErrKeyRevoked       = errors.New("api key revoked")
	ErrInvalidKeyName   = errors.New("invalid api key name")
)

// Key is the stored view of an issued API key. The secret itself is never
// stored; SecretHash is the sha256 digest of the full plaintext token.
type Key struct {
	KeyID          string
	UserID         string
	Name           string
	SecretHash     string
	LastUsedUnix   int64
	RevokedUnix    int64
	CreatedUnixUTC int64
}

// Revoked reports whether the key has been revoked.
func (key Key) Revoked() bool {
	return key.RevokedUnix != 0
}

// Store is the persistence surface the key service needs.
type Store interface {
	InsertAPIKey(ctx context.Context, key Key) (Key, error)
	FindAPIKeyBySecretHash(ctx context.Context, secretHash string) (*Key, error)
	ListAPIKeys(ctx context.Context, userID string) ([]Key, error)
	RevokeAPIKey(ctx context.Context, userID string, keyID string, revokedUnixUTC int64) error
	TouchAPIKey(ctx context.Context, keyID string, usedUnixUTC int64) error
}

// Service issues and verifies bearer API keys.
type Service struct {
	store Store
	nowFn func() time.Time
}

// NewService wires a key service.
func NewService(store Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: store, nowFn: now}
}

// Issue mints a new key for a user and returns the plaintext token exactly
// once. The caller must show it to the user immediately; it cannot be
// recovered later.
func (service *Service) Issue(ctx context.Context, userID string, name string) (Key, string, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Key{}, "", ErrInvalidKeyName
	}
	secret := make([]byte, secretByteCount)
	if _, err := rand.Read(secret); err != nil {
		return Key{}, "", fmt.Errorf("generate secret: %w", err)
	}
	token := keyPrefix + hex.EncodeToString(secret)
	key := Key{
		UserID:         userID,
		Name:           trimmedName,
		SecretHash:     HashToken(token),
		CreatedUnixUTC: service.nowFn().UTC().Unix(),
	}
	stored, err := service.store.InsertAPIKey(ctx, key)
	if err != nil {
		return Key{}, "", err
	}
	return stored, token, nil
}

// Verify resolves a presented bearer token to its key record and marks the
// key as used. Revoked keys fail closed.
func (service *Service) Verify(ctx context.Context, token string) (Key, error) {
	if !strings.HasPrefix(token, keyPrefix) {
		return Key{}, ErrInvalidKeyFormat
	}
	found, err := service.store.FindAPIKeyBySecretHash(ctx, HashToken(token))
	if err != nil {
		return Key{}, err
	}
	if found == nil {
		return Key{}, ErrUnknownKey
	}
	if found.Revoked() {
		return Key{}, ErrKeyRevoked
	}
	if err := service.store.TouchAPIKey(ctx, found.KeyID, service.nowFn().UTC().Unix()); err != nil {
		return Key{}, err
	}
	return *found, nil
}

// List returns a user's keys, revoked ones included.
func (service *Service) List(ctx context.Context, userID string) ([]Key, error) {
	return service.store.ListAPIKeys(ctx, userID)
}

// Revoke disables a key. Revocation is permanent.
func (service *Service) Revoke(ctx context.Context, userID string, keyID string) error {
	return service.store.RevokeAPIKey(ctx, userID, keyID, service.nowFn().UTC().Unix())
}

// HashToken returns the hex sha256 digest used as the stored lookup value.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
