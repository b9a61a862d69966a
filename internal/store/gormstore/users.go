package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// UserProfile is the non-counter slice of a user row used by the HTTP and
// billing layers.
type UserProfile struct {
	UserID           string
	ExternalID       string
	StripeCustomerID string
	IsAdmin          bool
	CreatedUnixUTC   int64
}

// FindUserByExternalID returns a user's profile, or nil when unknown.
func (store *Store) FindUserByExternalID(ctx context.Context, externalID string) (*UserProfile, error) {
	var user User
	err := store.db.WithContext(ctx).
		Where("external_id = ?", externalID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile := mapUserProfile(user)
	return &profile, nil
}

// SetStripeCustomerID links a billing customer to a user.
func (store *Store) SetStripeCustomerID(ctx context.Context, externalID string, customerID string) error {
	return store.db.WithContext(ctx).
		Model(&User{}).
		Where("external_id = ?", externalID).
		Update("stripe_customer_id", customerID).Error
}

// FindUserByStripeCustomer resolves the user behind a billing customer, or nil.
func (store *Store) FindUserByStripeCustomer(ctx context.Context, customerID string) (*UserProfile, error) {
	var user User
	err := store.db.WithContext(ctx).
		Where("stripe_customer_id = ?", customerID).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	profile := mapUserProfile(user)
	return &profile, nil
}

// StripeCustomerID returns the billing customer linked to a user, or empty
// when the user is unknown or unlinked.
func (store *Store) StripeCustomerID(ctx context.Context, externalID string) (string, error) {
	profile, err := store.FindUserByExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	if profile == nil {
		return "", nil
	}
	return profile.StripeCustomerID, nil
}

// LinkStripeCustomer stores the billing customer for a user.
func (store *Store) LinkStripeCustomer(ctx context.Context, externalID string, customerID string) error {
	return store.SetStripeCustomerID(ctx, externalID, customerID)
}

// UserByStripeCustomer resolves the external user id behind a billing
// customer, or empty when none is linked.
func (store *Store) UserByStripeCustomer(ctx context.Context, customerID string) (string, error) {
	profile, err := store.FindUserByStripeCustomer(ctx, customerID)
	if err != nil {
		return "", err
	}
	if profile == nil {
		return "", nil
	}
	return profile.ExternalID, nil
}

// DeleteUserData removes everything stored for a user: the counter row, the
// ledger, generations, keys, and rate limit events, in one transaction.
func (store *Store) DeleteUserData(ctx context.Context, externalID string) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, model := range []interface{}{&RateLimitEvent{}, &APIKey{}, &Generation{}, &BrushTransaction{}} {
			if err := transaction.Where("user_id = ?", externalID).Delete(model).Error; err != nil {
				return err
			}
		}
		return transaction.Where("external_id = ?", externalID).Delete(&User{}).Error
	})
}

func mapUserProfile(user User) UserProfile {
	profile := UserProfile{
		UserID:         user.UserID,
		ExternalID:     user.ExternalID,
		IsAdmin:        user.IsAdmin,
		CreatedUnixUTC: user.CreatedAt.Unix(),
	}
	if user.StripeCustomerID != nil {
		profile.StripeCustomerID = *user.StripeCustomerID
	}
	return profile
}
