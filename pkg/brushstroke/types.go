package brushstroke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// UserID identifies an account owner by its external identity reference.
type UserID struct {
	value string
}

// PaymentRef identifies a completed one-time payment (checkout session or
// payment intent). Purchase recording is idempotent per reference.
type PaymentRef struct {
	value string
}

// GenerationRef links a usage transaction to the generation it paid for.
type GenerationRef struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// Brushstrokes is a strictly positive credit amount.
type Brushstrokes int64

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewPaymentRef validates and normalizes a payment reference.
func NewPaymentRef(raw string) (PaymentRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PaymentRef{}, fmt.Errorf("%w: empty value", ErrInvalidPaymentRef)
	}
	return PaymentRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref PaymentRef) String() string {
	return ref.value
}

// NewGenerationRef validates and normalizes a generation reference.
func NewGenerationRef(raw string) (GenerationRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GenerationRef{}, fmt.Errorf("%w: empty value", ErrInvalidGenerationRef)
	}
	return GenerationRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref GenerationRef) String() string {
	return ref.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// EmptyMetadata returns the canonical empty metadata blob.
func EmptyMetadata() MetadataJSON {
	return MetadataJSON{value: "{}"}
}

// NewBrushstrokes validates an amount and ensures it is strictly positive.
func NewBrushstrokes(raw int64) (Brushstrokes, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidBrushstrokes)
	}
	return Brushstrokes(raw), nil
}

// Int64 returns the raw amount.
func (amount Brushstrokes) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionPurchase            TransactionType = "purchase"
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
	TransactionUsage               TransactionType = "usage"
	TransactionRefund              TransactionType = "refund"
	TransactionAdminGrant          TransactionType = "admin_grant"
)

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionSubscriptionRenewal, TransactionUsage, TransactionRefund, TransactionAdminGrant:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// SubscriptionTier enumerates the billing plans.
type SubscriptionTier string

const (
	TierNone     SubscriptionTier = "none"
	TierBasic    SubscriptionTier = "basic"
	TierPro      SubscriptionTier = "pro"
	TierPremium  SubscriptionTier = "premium"
	TierUltimate SubscriptionTier = "ultimate"
)

// String returns the stored representation.
func (tier SubscriptionTier) String() string {
	return string(tier)
}

// SubscriptionStatus mirrors the oracle-reported subscription status.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
)

// String returns the stored representation.
func (status SubscriptionStatus) String() string {
	return string(status)
}

// Granting reports whether the status entitles the user to the monthly allowance.
func (status SubscriptionStatus) Granting() bool {
	return status == StatusActive || status == StatusTrialing
}

// SubscriptionState is the oracle's answer for one user. It is fetched fresh
// on every balance read and never cached beyond a single engine call.
type SubscriptionState struct {
	SubscriptionID            string
	Tier                      SubscriptionTier
	Status                    SubscriptionStatus
	MonthlyAllowance          int64
	CurrentPeriodStartUnixUTC int64
}

// Allowance returns the monthly allowance, zero unless the status grants it.
func (state SubscriptionState) Allowance() int64 {
	if !state.Status.Granting() {
		return 0
	}
	return state.MonthlyAllowance
}

// AccountSnapshot is the stored per-user record as read by the engine. The
// purchased counter is authoritative; the subscription fields mirror billing
// state and are refreshed from the oracle before use.
type AccountSnapshot struct {
	UserID                    UserID
	PurchasedBrushstrokes     int64
	SubscriptionID            string
	CurrentPeriodStartUnixUTC int64
	AllowanceUsedThisPeriod   int64
	Version                   int64
}

// CounterUpdate replaces the mutable per-user counters, conditional on the
// record version observed when the snapshot was read.
type CounterUpdate struct {
	UserID                    UserID
	ExpectedVersion           int64
	PurchasedBrushstrokes     int64
	SubscriptionID            string
	CurrentPeriodStartUnixUTC int64
	AllowanceUsedThisPeriod   int64
}

// Balance is the spendable view for one user at one observation point.
type Balance struct {
	MonthlyAllowance      int64
	AllowanceUsed         int64
	AllowanceRemaining    int64
	PurchasedBrushstrokes int64
	Total                 int64
}

// Transaction is a single immutable line in the audit ledger.
type Transaction struct {
	TransactionID  string
	UserID         UserID
	Type           TransactionType
	Amount         int64
	BalanceAfter   int64
	GenerationRef  string
	PaymentRef     string
	Description    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput is a validated ledger append request.
type TransactionInput struct {
	userID         UserID
	txType         TransactionType
	amount         int64
	balanceAfter   int64
	generationRef  *GenerationRef
	paymentRef     *PaymentRef
	description    string
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewTransactionInput validates a ledger append. The sign convention is fixed
// per type: usage debits, purchase/refund/admin_grant credit, renewal carries
// the net allowance delta.
func NewTransactionInput(
	userID UserID,
	txType TransactionType,
	amount int64,
	balanceAfter int64,
	generationRef *GenerationRef,
	paymentRef *PaymentRef,
	description string,
	metadata MetadataJSON,
	createdUnixUTC int64,
) (TransactionInput, error) {
	if userID == (UserID{}) {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(txType.String()); err != nil {
		return TransactionInput{}, err
	}
	switch txType {
	case TransactionUsage:
		if amount >= 0 {
			return TransactionInput{}, fmt.Errorf("%w: usage must debit", ErrInvalidBrushstrokes)
		}
	case TransactionPurchase, TransactionRefund, TransactionAdminGrant:
		if amount <= 0 {
			return TransactionInput{}, fmt.Errorf("%w: %s must credit", ErrInvalidBrushstrokes, txType)
		}
	}
	if balanceAfter < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative balance_after", ErrInvalidBalance)
	}
	return TransactionInput{
		userID:         userID,
		txType:         txType,
		amount:         amount,
		balanceAfter:   balanceAfter,
		generationRef:  generationRef,
		paymentRef:     paymentRef,
		description:    description,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

// UserID returns the ledger owner.
func (input TransactionInput) UserID() UserID { return input.userID }

// Type returns the transaction kind.
func (input TransactionInput) Type() TransactionType { return input.txType }

// Amount returns the signed credit delta.
func (input TransactionInput) Amount() int64 { return input.amount }

// BalanceAfter returns the post-mutation balance snapshot.
func (input TransactionInput) BalanceAfter() int64 { return input.balanceAfter }

// GenerationRef returns the linked generation, if any.
func (input TransactionInput) GenerationRef() (GenerationRef, bool) {
	if input.generationRef == nil {
		return GenerationRef{}, false
	}
	return *input.generationRef, true
}

// PaymentRef returns the linked payment, if any.
func (input TransactionInput) PaymentRef() (PaymentRef, bool) {
	if input.paymentRef == nil {
		return PaymentRef{}, false
	}
	return *input.paymentRef, true
}

// Description returns the free-text description.
func (input TransactionInput) Description() string { return input.description }

// MetadataJSON returns the request metadata.
func (input TransactionInput) MetadataJSON() MetadataJSON { return input.metadata }

// CreatedUnixUTC returns the append timestamp.
func (input TransactionInput) CreatedUnixUTC() int64 { return input.createdUnixUTC }

// Store is the persistence contract used by Engine.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, userID UserID) (AccountSnapshot, error)
	ApplyCounterUpdate(ctx context.Context, update CounterUpdate) error
	InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error)
	FindTransactionByPaymentRef(ctx context.Context, userID UserID, paymentRef PaymentRef) (*Transaction, error)
	ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error)
}

// SubscriptionOracle is the authoritative source for subscription state. The
// engine reads it on demand and never writes back.
type SubscriptionOracle interface {
	GetSubscriptionState(ctx context.Context, userID UserID) (SubscriptionState, error)
}
