package stripeoracle

import (
	"context"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// APIBackend implements Backend over the Stripe SDK client.
type APIBackend struct {
	api *client.API
}

// NewAPIBackend wires a Stripe client with the account secret key.
func NewAPIBackend(secretKey string) *APIBackend {
	return &APIBackend{api: client.New(secretKey, nil)}
}

func (backend *APIBackend) ListSubscriptions(ctx context.Context, customerID string) ([]*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	var subscriptions []*stripe.Subscription
	iter := backend.api.Subscriptions.List(params)
	for iter.Next() {
		subscriptions = append(subscriptions, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (backend *APIBackend) CreateCustomer(ctx context.Context, email string, externalID string) (*stripe.Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.AddMetadata(metadataKeyUserID, externalID)
	return backend.api.Customers.New(params)
}

func (backend *APIBackend) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	params.Context = ctx
	return backend.api.CheckoutSessions.New(params)
}

func (backend *APIBackend) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	return backend.api.Subscriptions.Cancel(subscriptionID, params)
}
