// Package stripeoracle answers subscription questions from Stripe, the
// single source of billing truth. Nothing here caches subscription state;
// every question goes to the API.
package stripeoracle

import (
	"context"
	"fmt"

	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	stripe "github.com/stripe/stripe-go/v76"
)

// Backend is the slice of the Stripe API the oracle consumes.
type Backend interface {
	ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error)
	CreateCustomer(ctx context.Context, email string, externalID string) (*stripe.Customer, error)
	CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

// CustomerDirectory maps application users to Stripe customers.
type CustomerDirectory interface {
	StripeCustomerID(ctx context.Context, userID string) (string, error)
	LinkStripeCustomer(ctx context.Context, userID string, customerID string) error
	UserByStripeCustomer(ctx context.Context, customerID string) (string, error)
}

// Oracle implements brushstroke.SubscriptionOracle over the Stripe API.
type Oracle struct {
	backend   Backend
	directory CustomerDirectory
	catalog   *Catalog
}

// NewOracle wires an Oracle.
func NewOracle(backend Backend, directory CustomerDirectory, catalog *Catalog) (*Oracle, error) {
	if backend == nil || directory == nil || catalog == nil {
		return nil, fmt.Errorf("stripeoracle: nil dependency")
	}
	return &Oracle{backend: backend, directory: directory, catalog: catalog}, nil
}

// GetSubscriptionState reports the user's current subscription. A user with
// no linked customer or no subscription gets the zero state; an API failure
// propagates so the engine can refuse to answer instead of guessing.
func (oracle *Oracle) GetSubscriptionState(ctx context.Context, userID brushstroke.UserID) (brushstroke.SubscriptionState, error) {
	customerID, err := oracle.directory.StripeCustomerID(ctx, userID.String())
	if err != nil {
		return brushstroke.SubscriptionState{}, err
	}
	if customerID == "" {
		return brushstroke.SubscriptionState{}, nil
	}
	subscriptions, err := oracle.backend.ListSubscriptions(ctx, customerID)
	if err != nil {
		return brushstroke.SubscriptionState{}, fmt.Errorf("list subscriptions: %w", err)
	}
	best := pickSubscription(subscriptions)
	if best == nil {
		return brushstroke.SubscriptionState{}, nil
	}
	state := brushstroke.SubscriptionState{
		SubscriptionID:            best.ID,
		Status:                    mapStatus(best.Status),
		CurrentPeriodStartUnixUTC: best.CurrentPeriodStart,
	}
	if priceID := subscriptionPriceID(best); priceID != "" {
		if plan, err := oracle.catalog.PlanByPrice(priceID); err == nil {
			state.Tier = plan.Tier
			state.MonthlyAllowance = plan.MonthlyAllowance
		}
	}
	return state, nil
}

// pickSubscription prefers a granting subscription, then falls back to the
// most recently started one so past_due state is still visible.
func pickSubscription(subscriptions []*stripe.Subscription) *stripe.Subscription {
	var fallback *stripe.Subscription
	for _, subscription := range subscriptions {
		if subscription == nil {
			continue
		}
		if mapStatus(subscription.Status).Granting() {
			return subscription
		}
		if fallback == nil || subscription.CurrentPeriodStart > fallback.CurrentPeriodStart {
			fallback = subscription
		}
	}
	return fallback
}

func subscriptionPriceID(subscription *stripe.Subscription) string {
	if subscription.Items == nil || len(subscription.Items.Data) == 0 {
		return ""
	}
	item := subscription.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func mapStatus(status stripe.SubscriptionStatus) brushstroke.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return brushstroke.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return brushstroke.StatusTrialing
	case stripe.SubscriptionStatusPastDue:
		return brushstroke.StatusPastDue
	case stripe.SubscriptionStatusCanceled:
		return brushstroke.StatusCanceled
	default:
		return brushstroke.StatusNone
	}
}
