package brushstroke

import (
	"context"
	"errors"
	"fmt"
)

// Engine answers how many brushstrokes a user can spend right now, enforces
// monthly reset semantics, and performs atomic consumption with ledger
// recording. Subscription allowance is consumed before purchased packs:
// allowance expires at period end while packs never do, so spending the
// expiring resource first preserves the most value for the user.
type Engine struct {
	store              Store
	oracle             SubscriptionOracle
	nowFn              func() int64
	logger             OperationLogger
	maxConflictRetries int
}

// NewEngine wires an Engine.
func NewEngine(store Store, oracle SubscriptionOracle, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: oracle dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{
		store:              store,
		oracle:             oracle,
		nowFn:              now,
		maxConflictRetries: defaultMaxConflictRetries,
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// GetTotalBalance runs the renewal check, fetches the oracle state fresh, and
// returns the spendable view. It never reports a stale allowance and never
// returns a negative total. An unreachable oracle surfaces as
// ErrUpstreamUnavailable instead of an empty balance.
func (engine *Engine) GetTotalBalance(ctx context.Context, userID UserID) (Balance, error) {
	state, err := engine.syncSubscription(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	account, err := engine.store.GetOrCreateAccount(ctx, userID)
	if err != nil {
		return Balance{}, WrapError(operationBalance, subjectAccount, codeUnavailable, err)
	}
	return composeBalance(account, state), nil
}

// CheckAndRenewSubscription reconciles the local subscription mirror with the
// oracle. A renewal (oracle period start newer than the mirrored one) resets
// allowance_used_this_period and appends a subscription_renewal transaction.
// Calling it twice within the same billing period is a no-op on the second call.
func (engine *Engine) CheckAndRenewSubscription(ctx context.Context, userID UserID) error {
	_, err := engine.syncSubscription(ctx, userID)
	return err
}

// RecordUsage deducts a generation cost, allowance first then purchased packs,
// and appends one usage transaction in the same store transaction as the
// counter mutation. Usage is charged for the attempt, not the outcome: a
// generation that fails after a successful deduction is not auto-refunded.
func (engine *Engine) RecordUsage(ctx context.Context, userID UserID, amount Brushstrokes, generationRef *GenerationRef, description string, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := func() error {
		state, err := engine.syncSubscription(ctx, userID)
		if err != nil {
			return err
		}
		allowance := state.Allowance()
		return engine.retryOnConflict(operationUsage, func() error {
			return engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
				account, err := txStore.GetOrCreateAccount(ctx, userID)
				if err != nil {
					return err
				}
				remaining := maxZero(allowance - account.AllowanceUsedThisPeriod)
				if remaining+account.PurchasedBrushstrokes < amount.Int64() {
					return WrapError(operationUsage, subjectAccount, codeInsufficient, ErrInsufficientBalance)
				}
				fromAllowance := amount.Int64()
				if fromAllowance > remaining {
					fromAllowance = remaining
				}
				fromPacks := amount.Int64() - fromAllowance
				update := CounterUpdate{
					UserID:                    userID,
					ExpectedVersion:           account.Version,
					PurchasedBrushstrokes:     account.PurchasedBrushstrokes - fromPacks,
					SubscriptionID:            account.SubscriptionID,
					CurrentPeriodStartUnixUTC: account.CurrentPeriodStartUnixUTC,
					AllowanceUsedThisPeriod:   account.AllowanceUsedThisPeriod + fromAllowance,
				}
				if err := txStore.ApplyCounterUpdate(ctx, update); err != nil {
					return err
				}
				balanceAfter := maxZero(allowance-update.AllowanceUsedThisPeriod) + update.PurchasedBrushstrokes
				input, err := NewTransactionInput(
					userID,
					TransactionUsage,
					-amount.Int64(),
					balanceAfter,
					generationRef,
					nil,
					description,
					metadata,
					engine.nowFn(),
				)
				if err != nil {
					return err
				}
				recorded, err = txStore.InsertTransaction(ctx, input)
				return err
			})
		})
	}()
	engine.logOperation(ctx, OperationLog{
		Operation:     operationUsage,
		UserID:        userID,
		Type:          TransactionUsage,
		Amount:        -amount.Int64(),
		GenerationRef: refString(generationRef),
		Error:         operationError,
	})
	return recorded, operationError
}

// RecordPurchase credits a confirmed one-time pack purchase. It is safe to
// call twice for the same payment reference: the second call returns the
// already-recorded transaction without double-crediting.
func (engine *Engine) RecordPurchase(ctx context.Context, userID UserID, amount Brushstrokes, paymentRef PaymentRef, description string, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := func() error {
		existing, err := engine.store.FindTransactionByPaymentRef(ctx, userID, paymentRef)
		if err != nil {
			return err
		}
		if existing != nil {
			recorded = *existing
			return nil
		}
		state, err := engine.syncSubscription(ctx, userID)
		if err != nil {
			return err
		}
		allowance := state.Allowance()
		creditError := engine.retryOnConflict(operationPurchase, func() error {
			return engine.creditPacks(ctx, userID, TransactionPurchase, amount, allowance, nil, &paymentRef, description, metadata, &recorded)
		})
		if creditError == nil {
			return nil
		}
		// A racing confirmation may have won the unique payment_ref index;
		// that duplicate is a success, not a failure.
		if errors.Is(creditError, ErrDuplicatePurchase) {
			existing, err := engine.store.FindTransactionByPaymentRef(ctx, userID, paymentRef)
			if err != nil {
				return err
			}
			if existing == nil {
				// The unique index fired but the transaction is not visible
				// under this user, so the reference was claimed by a
				// different account.
				return WrapError(operationPurchase, subjectTransaction, codeConflict, ErrUnknownTransaction)
			}
			recorded = *existing
			return nil
		}
		return creditError
	}()
	engine.logOperation(ctx, OperationLog{
		Operation:  operationPurchase,
		UserID:     userID,
		Type:       TransactionPurchase,
		Amount:     amount.Int64(),
		PaymentRef: paymentRef.String(),
		Error:      operationError,
	})
	return recorded, operationError
}

// RecordRefund credits brushstrokes back to the purchased pool, linking the
// generation that triggered the refund. Refunds are operator-driven; nothing
// in the usage path issues them automatically.
func (engine *Engine) RecordRefund(ctx context.Context, userID UserID, amount Brushstrokes, generationRef *GenerationRef, description string, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := func() error {
		state, err := engine.syncSubscription(ctx, userID)
		if err != nil {
			return err
		}
		return engine.retryOnConflict(operationRefund, func() error {
			return engine.creditPacks(ctx, userID, TransactionRefund, amount, state.Allowance(), generationRef, nil, description, metadata, &recorded)
		})
	}()
	engine.logOperation(ctx, OperationLog{
		Operation:     operationRefund,
		UserID:        userID,
		Type:          TransactionRefund,
		Amount:        amount.Int64(),
		GenerationRef: refString(generationRef),
		Error:         operationError,
	})
	return recorded, operationError
}

// AdminGrant credits brushstrokes to the purchased pool without a payment.
func (engine *Engine) AdminGrant(ctx context.Context, userID UserID, amount Brushstrokes, description string, metadata MetadataJSON) (Transaction, error) {
	var recorded Transaction
	operationError := func() error {
		state, err := engine.syncSubscription(ctx, userID)
		if err != nil {
			return err
		}
		return engine.retryOnConflict(operationAdminGrant, func() error {
			return engine.creditPacks(ctx, userID, TransactionAdminGrant, amount, state.Allowance(), nil, nil, description, metadata, &recorded)
		})
	}()
	engine.logOperation(ctx, OperationLog{
		Operation: operationAdminGrant,
		UserID:    userID,
		Type:      TransactionAdminGrant,
		Amount:    amount.Int64(),
		Error:     operationError,
	})
	return recorded, operationError
}

// ListTransactions returns the audit trail for a user before a cutoff time.
func (engine *Engine) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	transactions, err := engine.store.ListTransactions(ctx, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, WrapError(operationList, subjectTransaction, codeUnavailable, err)
	}
	return transactions, nil
}

// creditPacks applies one pack credit plus its ledger entry as a unit.
func (engine *Engine) creditPacks(ctx context.Context, userID UserID, txType TransactionType, amount Brushstrokes, allowance int64, generationRef *GenerationRef, paymentRef *PaymentRef, description string, metadata MetadataJSON, recorded *Transaction) error {
	return engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, err := txStore.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		update := CounterUpdate{
			UserID:                    userID,
			ExpectedVersion:           account.Version,
			PurchasedBrushstrokes:     account.PurchasedBrushstrokes + amount.Int64(),
			SubscriptionID:            account.SubscriptionID,
			CurrentPeriodStartUnixUTC: account.CurrentPeriodStartUnixUTC,
			AllowanceUsedThisPeriod:   account.AllowanceUsedThisPeriod,
		}
		if err := txStore.ApplyCounterUpdate(ctx, update); err != nil {
			return err
		}
		balanceAfter := maxZero(allowance-update.AllowanceUsedThisPeriod) + update.PurchasedBrushstrokes
		input, err := NewTransactionInput(
			userID,
			txType,
			amount.Int64(),
			balanceAfter,
			generationRef,
			paymentRef,
			description,
			metadata,
			engine.nowFn(),
		)
		if err != nil {
			return err
		}
		*recorded, err = txStore.InsertTransaction(ctx, input)
		return err
	})
}

// syncSubscription is the synchronization point between externally mutable
// billing truth and the locally mutable usage counters. It runs before every
// balance read and every mutation, and holds no lock across the oracle call.
func (engine *Engine) syncSubscription(ctx context.Context, userID UserID) (SubscriptionState, error) {
	state, err := engine.oracle.GetSubscriptionState(ctx, userID)
	if err != nil {
		return SubscriptionState{}, WrapError(operationRenew, subjectOracle, codeUnavailable, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err))
	}
	applyError := engine.retryOnConflict(operationRenew, func() error {
		account, err := engine.store.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return err
		}
		switch {
		case state.SubscriptionID == "" && account.SubscriptionID == "":
			return nil
		case state.SubscriptionID == "":
			return engine.clearMirror(ctx, account)
		case state.SubscriptionID != account.SubscriptionID,
			state.CurrentPeriodStartUnixUTC > account.CurrentPeriodStartUnixUTC:
			return engine.applyRenewal(ctx, account, state)
		default:
			return nil
		}
	})
	if applyError != nil {
		return SubscriptionState{}, applyError
	}
	return state, nil
}

// applyRenewal resets the per-period usage counter and appends the renewal
// marker. The marker's amount is the net change in spendable balance: the
// full allowance when the subscription is first mirrored, otherwise the
// portion of allowance the reset restores. Unused allowance from the closed
// period has no residual value and is not carried over.
func (engine *Engine) applyRenewal(ctx context.Context, account AccountSnapshot, state SubscriptionState) error {
	allowance := state.Allowance()
	previousRemaining := int64(0)
	if account.SubscriptionID == state.SubscriptionID {
		previousRemaining = maxZero(allowance - account.AllowanceUsedThisPeriod)
	}
	return engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		update := CounterUpdate{
			UserID:                    account.UserID,
			ExpectedVersion:           account.Version,
			PurchasedBrushstrokes:     account.PurchasedBrushstrokes,
			SubscriptionID:            state.SubscriptionID,
			CurrentPeriodStartUnixUTC: state.CurrentPeriodStartUnixUTC,
			AllowanceUsedThisPeriod:   0,
		}
		if err := txStore.ApplyCounterUpdate(ctx, update); err != nil {
			return err
		}
		input, err := NewTransactionInput(
			account.UserID,
			TransactionSubscriptionRenewal,
			allowance-previousRemaining,
			allowance+account.PurchasedBrushstrokes,
			nil,
			nil,
			fmt.Sprintf("Subscription renewed: %s (%d brushstrokes/month)", state.Tier, allowance),
			EmptyMetadata(),
			engine.nowFn(),
		)
		if err != nil {
			return err
		}
		_, err = txStore.InsertTransaction(ctx, input)
		return err
	})
}

// clearMirror drops the mirrored subscription after the oracle stops
// reporting one. The old allowance is unknown at this point (it is never
// cached), so the marker carries a zero amount.
func (engine *Engine) clearMirror(ctx context.Context, account AccountSnapshot) error {
	return engine.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		update := CounterUpdate{
			UserID:                    account.UserID,
			ExpectedVersion:           account.Version,
			PurchasedBrushstrokes:     account.PurchasedBrushstrokes,
			SubscriptionID:            "",
			CurrentPeriodStartUnixUTC: 0,
			AllowanceUsedThisPeriod:   0,
		}
		if err := txStore.ApplyCounterUpdate(ctx, update); err != nil {
			return err
		}
		input, err := NewTransactionInput(
			account.UserID,
			TransactionSubscriptionRenewal,
			0,
			account.PurchasedBrushstrokes,
			nil,
			nil,
			"Subscription removed",
			EmptyMetadata(),
			engine.nowFn(),
		)
		if err != nil {
			return err
		}
		_, err = txStore.InsertTransaction(ctx, input)
		return err
	})
}

func (engine *Engine) retryOnConflict(operation string, fn func() error) error {
	var lastError error
	for attempt := 0; attempt < engine.maxConflictRetries; attempt++ {
		lastError = fn()
		if lastError == nil {
			return nil
		}
		if !errors.Is(lastError, ErrConcurrentModification) {
			return lastError
		}
	}
	return WrapError(operation, subjectAccount, codeConflict, lastError)
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}

func composeBalance(account AccountSnapshot, state SubscriptionState) Balance {
	allowance := state.Allowance()
	remaining := maxZero(allowance - account.AllowanceUsedThisPeriod)
	return Balance{
		MonthlyAllowance:      allowance,
		AllowanceUsed:         account.AllowanceUsedThisPeriod,
		AllowanceRemaining:    remaining,
		PurchasedBrushstrokes: account.PurchasedBrushstrokes,
		Total:                 remaining + account.PurchasedBrushstrokes,
	}
}

func maxZero(value int64) int64 {
	if value < 0 {
		return 0
	}
	return value
}

func refString(ref *GenerationRef) string {
	if ref == nil {
		return ""
	}
	return ref.String()
}
