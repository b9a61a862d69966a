package stripeoracle

import (
	"context"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v76"
)

const (
	metadataKeyUserID       = "user_id"
	metadataKeyBrushstrokes = "brushstrokes"
)

// CheckoutURLs are the redirect targets for a hosted checkout session.
type CheckoutURLs struct {
	SuccessURL string
	CancelURL  string
}

// EnsureCustomer returns the user's Stripe customer id, creating and linking
// one on first contact.
func (oracle *Oracle) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	customerID, err := oracle.directory.StripeCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID != "" {
		return customerID, nil
	}
	customer, err := oracle.backend.CreateCustomer(ctx, email, userID)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	if err := oracle.directory.LinkStripeCustomer(ctx, userID, customer.ID); err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateSubscriptionCheckout opens a hosted checkout for a tier.
func (oracle *Oracle) CreateSubscriptionCheckout(ctx context.Context, userID string, email string, priceID string, urls CheckoutURLs) (string, error) {
	if _, err := oracle.catalog.PlanByPrice(priceID); err != nil {
		return "", err
	}
	customerID, err := oracle.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(urls.SuccessURL),
		CancelURL:  stripe.String(urls.CancelURL),
	}
	params.AddMetadata(metadataKeyUserID, userID)
	session, err := oracle.backend.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create subscription checkout: %w", err)
	}
	return session.URL, nil
}

// CreatePackCheckout opens a hosted checkout for a one-time brushstroke
// pack. The pack size rides along in the session metadata so the completed
// webhook knows what to credit.
func (oracle *Oracle) CreatePackCheckout(ctx context.Context, userID string, email string, brushstrokes int64, urls CheckoutURLs) (string, error) {
	pack, err := oracle.catalog.PackBySize(brushstrokes)
	if err != nil {
		return "", err
	}
	customerID, err := oracle.EnsureCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(pack.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(urls.SuccessURL),
		CancelURL:  stripe.String(urls.CancelURL),
	}
	params.AddMetadata(metadataKeyUserID, userID)
	params.AddMetadata(metadataKeyBrushstrokes, strconv.FormatInt(pack.Brushstrokes, 10))
	session, err := oracle.backend.CreateCheckoutSession(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create pack checkout: %w", err)
	}
	return session.URL, nil
}

// CancelSubscription cancels the user's subscription with Stripe. The local
// mirror catches up on the next renewal check.
func (oracle *Oracle) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := oracle.backend.CancelSubscription(ctx, subscriptionID); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

// CancelSubscriptionsForUser cancels every live subscription the user holds
// with Stripe. Account deletion runs this before purging local data so the
// customer stops being billed.
func (oracle *Oracle) CancelSubscriptionsForUser(ctx context.Context, userID string) error {
	customerID, err := oracle.directory.StripeCustomerID(ctx, userID)
	if err != nil {
		return err
	}
	if customerID == "" {
		return nil
	}
	subscriptions, err := oracle.backend.ListSubscriptions(ctx, customerID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, subscription := range subscriptions {
		if subscription == nil || subscription.Status == stripe.SubscriptionStatusCanceled {
			continue
		}
		if err := oracle.CancelSubscription(ctx, subscription.ID); err != nil {
			return err
		}
	}
	return nil
}
