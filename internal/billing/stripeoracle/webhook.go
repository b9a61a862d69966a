package stripeoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
)

// BalanceKeeper is the slice of the balance engine webhook handling needs.
type BalanceKeeper interface {
	RecordPurchase(ctx context.Context, userID brushstroke.UserID, amount brushstroke.Brushstrokes, paymentRef brushstroke.PaymentRef, description string, metadata brushstroke.MetadataJSON) (brushstroke.Transaction, error)
	CheckAndRenewSubscription(ctx context.Context, userID brushstroke.UserID) error
}

// WebhookHandler verifies and applies Stripe webhook events.
type WebhookHandler struct {
	signingSecret string
	balances      BalanceKeeper
	directory     CustomerDirectory
}

// NewWebhookHandler wires a handler.
func NewWebhookHandler(signingSecret string, balances BalanceKeeper, directory CustomerDirectory) (*WebhookHandler, error) {
	if signingSecret == "" {
		return nil, fmt.Errorf("stripeoracle: empty webhook signing secret")
	}
	if balances == nil || directory == nil {
		return nil, fmt.Errorf("stripeoracle: nil dependency")
	}
	return &WebhookHandler{signingSecret: signingSecret, balances: balances, directory: directory}, nil
}

// VerifyEvent checks the payload signature and parses the event.
func (handler *WebhookHandler) VerifyEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, handler.signingSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("verify webhook: %w", err)
	}
	return event, nil
}

// HandleEvent applies one verified event. Unknown event types are ignored:
// the endpoint subscription in Stripe decides what arrives here.
func (handler *WebhookHandler) HandleEvent(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case eventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout session: %w", err)
		}
		return handler.handleCheckoutCompleted(ctx, session)
	case eventSubscriptionUpdated, eventSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return handler.handleSubscriptionChanged(ctx, subscription)
	default:
		return nil
	}
}

func (handler *WebhookHandler) handleCheckoutCompleted(ctx context.Context, session stripe.CheckoutSession) error {
	rawUserID := session.Metadata[metadataKeyUserID]
	userID, err := brushstroke.NewUserID(rawUserID)
	if err != nil {
		return fmt.Errorf("checkout session %s: %w", session.ID, err)
	}
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		return handler.balances.CheckAndRenewSubscription(ctx, userID)
	}
	rawBrushstrokes := session.Metadata[metadataKeyBrushstrokes]
	parsed, err := strconv.ParseInt(rawBrushstrokes, 10, 64)
	if err != nil {
		return fmt.Errorf("checkout session %s: bad brushstrokes metadata %q", session.ID, rawBrushstrokes)
	}
	amount, err := brushstroke.NewBrushstrokes(parsed)
	if err != nil {
		return fmt.Errorf("checkout session %s: %w", session.ID, err)
	}
	paymentRef, err := brushstroke.NewPaymentRef(session.ID)
	if err != nil {
		return fmt.Errorf("checkout session %s: %w", session.ID, err)
	}
	description := fmt.Sprintf("Purchased %d brushstroke pack", amount.Int64())
	_, err = handler.balances.RecordPurchase(ctx, userID, amount, paymentRef, description, brushstroke.EmptyMetadata())
	return err
}

func (handler *WebhookHandler) handleSubscriptionChanged(ctx context.Context, subscription stripe.Subscription) error {
	if subscription.Customer == nil {
		return nil
	}
	rawUserID, err := handler.directory.UserByStripeCustomer(ctx, subscription.Customer.ID)
	if err != nil {
		return err
	}
	if rawUserID == "" {
		return nil
	}
	userID, err := brushstroke.NewUserID(rawUserID)
	if err != nil {
		return err
	}
	return handler.balances.CheckAndRenewSubscription(ctx, userID)
}
