package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. The purchased counter and the per-period
// usage counter are the mutable columns; version guards them against
// concurrent writers.
type User struct {
	UserID                  string    `gorm:"type:uuid;primaryKey"`
	ExternalID              string    `gorm:"not null;index:idx_users_external_id,unique"`
	StripeCustomerID        *string   `gorm:"index:idx_users_stripe_customer"`
	PurchasedBrushstrokes   int64     `gorm:"not null;default:0"`
	SubscriptionID          string    `gorm:"not null;default:''"`
	CurrentPeriodStart      int64     `gorm:"not null;default:0"`
	AllowanceUsedThisPeriod int64     `gorm:"not null;default:0"`
	Version                 int64     `gorm:"not null;default:0"`
	IsAdmin                 bool      `gorm:"not null;default:false"`
	CreatedAt               time.Time `gorm:"not null"`
	UpdatedAt               time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// BrushTransaction mirrors the brush_transactions table, the append-only
// audit ledger. PaymentRef carries a partial-unique index so retried
// purchase confirmations collide instead of double-crediting.
type BrushTransaction struct {
	TransactionID string         `gorm:"type:uuid;primaryKey"`
	UserID        string         `gorm:"not null;index:idx_brush_tx_user_created,priority:1"`
	Type          string         `gorm:"not null"`
	Amount        int64          `gorm:"not null"`
	BalanceAfter  int64          `gorm:"not null"`
	GenerationRef *string        `gorm:"index:idx_brush_tx_generation"`
	PaymentRef    *string        `gorm:"index:uniq_brush_tx_payment_ref,unique"`
	Description   string         `gorm:"not null;default:''"`
	Metadata      datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_brush_tx_user_created,priority:2"`
}

func (BrushTransaction) TableName() string { return "brush_transactions" }

func (transaction *BrushTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Generation mirrors the generations table, one row per image attempt.
type Generation struct {
	GenerationID      string         `gorm:"type:uuid;primaryKey"`
	UserID            string         `gorm:"not null;index:idx_generations_user_created,priority:1"`
	Type              string         `gorm:"not null"`
	Quality           string         `gorm:"not null"`
	AspectRatio       string         `gorm:"not null"`
	Description       string         `gorm:"not null"`
	RefinedPrompt     string         `gorm:"not null;default:''"`
	Status            string         `gorm:"not null"`
	BrushstrokesSpent int64          `gorm:"not null"`
	ImageData         []byte         `gorm:""`
	Metadata          datatypes.JSON `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_generations_user_created,priority:2"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func (Generation) TableName() string { return "generations" }

func (generation *Generation) BeforeCreate(tx *gorm.DB) error {
	if generation.GenerationID == "" {
		generation.GenerationID = uuid.NewString()
	}
	return nil
}

// APIKey mirrors the api_keys table. Only the sha256 digest of the secret is
// stored; the plaintext is shown once at issue time.
type APIKey struct {
	KeyID      string     `gorm:"type:uuid;primaryKey"`
	UserID     string     `gorm:"not null;index:idx_api_keys_user"`
	Name       string     `gorm:"not null"`
	SecretHash string     `gorm:"not null;index:idx_api_keys_secret_hash,unique"`
	LastUsedAt *time.Time `gorm:""`
	RevokedAt  *time.Time `gorm:""`
	CreatedAt  time.Time  `gorm:"not null"`
}

func (APIKey) TableName() string { return "api_keys" }

func (key *APIKey) BeforeCreate(tx *gorm.DB) error {
	if key.KeyID == "" {
		key.KeyID = uuid.NewString()
	}
	return nil
}

// RateLimitEvent mirrors the rate_limit_events table, one row per counted
// request inside the sliding window.
type RateLimitEvent struct {
	EventID   string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"not null;index:idx_rate_limit_user_created,priority:1"`
	Scope     string    `gorm:"not null;index:idx_rate_limit_user_created,priority:2"`
	CreatedAt time.Time `gorm:"not null;index:idx_rate_limit_user_created,priority:3"`
}

func (RateLimitEvent) TableName() string { return "rate_limit_events" }

func (event *RateLimitEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}
