package brushstroke

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestGetTotalBalanceCombinesAllowanceAndPacks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierPro, 500, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "balance-user")
	store.seedAccount(userID, 40, "sub-1", 1000, 120)

	balance, err := engine.GetTotalBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.MonthlyAllowance != 500 {
		test.Fatalf("expected allowance 500, got %d", balance.MonthlyAllowance)
	}
	if balance.AllowanceRemaining != 380 {
		test.Fatalf("expected remaining 380, got %d", balance.AllowanceRemaining)
	}
	if balance.Total != 420 {
		test.Fatalf("expected total 420, got %d", balance.Total)
	}
}

func TestGetTotalBalanceWithoutSubscription(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "free-user")
	store.seedAccount(userID, 7, "", 0, 0)

	balance, err := engine.GetTotalBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.MonthlyAllowance != 0 || balance.Total != 7 {
		test.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestGetTotalBalanceOracleUnreachable(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(SubscriptionState{})
	oracle.err = errors.New("connection refused")
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "unreachable-user")
	store.seedAccount(userID, 10, "", 0, 0)

	_, err := engine.GetTotalBalance(context.Background(), userID)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		test.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestRecordUsageConsumesAllowanceBeforePacks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "ordering-user")
	store.seedAccount(userID, 5, "sub-1", 1000, 0)

	recorded, err := engine.RecordUsage(context.Background(), userID, mustBrushstrokes(test, 12), nil, "image generation", EmptyMetadata())
	if err != nil {
		test.Fatalf("record usage: %v", err)
	}
	account := store.mustAccount(test, userID)
	if account.AllowanceUsedThisPeriod != 10 {
		test.Fatalf("expected full allowance drawn, got %d", account.AllowanceUsedThisPeriod)
	}
	if account.PurchasedBrushstrokes != 3 {
		test.Fatalf("expected packs 3, got %d", account.PurchasedBrushstrokes)
	}
	if recorded.Amount != -12 {
		test.Fatalf("expected debit of 12, got %d", recorded.Amount)
	}
	if recorded.BalanceAfter != 3 {
		test.Fatalf("expected balance_after 3, got %d", recorded.BalanceAfter)
	}

	balance, err := engine.GetTotalBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AllowanceRemaining != 0 || balance.Total != 3 {
		test.Fatalf("unexpected balance after usage: %+v", balance)
	}
}

func TestRecordUsageInsufficientBalanceLeavesStateUntouched(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone})
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "broke-user")
	store.seedAccount(userID, 3, "", 0, 0)

	_, err := engine.RecordUsage(context.Background(), userID, mustBrushstrokes(test, 5), nil, "image generation", EmptyMetadata())
	if !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	account := store.mustAccount(test, userID)
	if account.PurchasedBrushstrokes != 3 || account.AllowanceUsedThisPeriod != 0 {
		test.Fatalf("expected counters untouched, got %+v", account)
	}
	if transactions := store.transactionsFor(userID); len(transactions) != 0 {
		test.Fatalf("expected empty ledger, got %d entries", len(transactions))
	}
}

func TestRecordUsageLinksGeneration(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "link-user")
	store.seedAccount(userID, 10, "", 0, 0)
	generationRef := mustGenerationRef(test, "gen-1")

	recorded, err := engine.RecordUsage(context.Background(), userID, mustBrushstrokes(test, 3), &generationRef, "image generation", EmptyMetadata())
	if err != nil {
		test.Fatalf("record usage: %v", err)
	}
	if recorded.GenerationRef != "gen-1" {
		test.Fatalf("expected generation link, got %q", recorded.GenerationRef)
	}
}

func TestRecordPurchaseCreditsPacks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "purchase-user")
	store.seedAccount(userID, 0, "", 0, 0)
	paymentRef := mustPaymentRef(test, "cs_123")

	recorded, err := engine.RecordPurchase(context.Background(), userID, mustBrushstrokes(test, 250), paymentRef, "Purchased 250 brushstroke pack", EmptyMetadata())
	if err != nil {
		test.Fatalf("record purchase: %v", err)
	}
	if recorded.Amount != 250 || recorded.BalanceAfter != 250 {
		test.Fatalf("unexpected purchase transaction: %+v", recorded)
	}
	account := store.mustAccount(test, userID)
	if account.PurchasedBrushstrokes != 250 {
		test.Fatalf("expected packs 250, got %d", account.PurchasedBrushstrokes)
	}
}

func TestRecordPurchaseIdempotentPerPaymentRef(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "retry-user")
	store.seedAccount(userID, 0, "", 0, 0)
	paymentRef := mustPaymentRef(test, "cs_retry")

	first, err := engine.RecordPurchase(context.Background(), userID, mustBrushstrokes(test, 500), paymentRef, "Purchased 500 brushstroke pack", EmptyMetadata())
	if err != nil {
		test.Fatalf("first purchase: %v", err)
	}
	second, err := engine.RecordPurchase(context.Background(), userID, mustBrushstrokes(test, 500), paymentRef, "Purchased 500 brushstroke pack", EmptyMetadata())
	if err != nil {
		test.Fatalf("retried purchase: %v", err)
	}
	if first.TransactionID != second.TransactionID {
		test.Fatalf("expected the recorded transaction back, got %q and %q", first.TransactionID, second.TransactionID)
	}
	account := store.mustAccount(test, userID)
	if account.PurchasedBrushstrokes != 500 {
		test.Fatalf("expected a single credit, got %d", account.PurchasedBrushstrokes)
	}
	if transactions := store.transactionsFor(userID); len(transactions) != 1 {
		test.Fatalf("expected one ledger entry, got %d", len(transactions))
	}
}

func TestRecordRefundCreditsPacks(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "refund-user")
	store.seedAccount(userID, 2, "sub-1", 1000, 6)
	generationRef := mustGenerationRef(test, "gen-9")

	recorded, err := engine.RecordRefund(context.Background(), userID, mustBrushstrokes(test, 3), &generationRef, "Refund: failed generation", EmptyMetadata())
	if err != nil {
		test.Fatalf("record refund: %v", err)
	}
	if recorded.Type != TransactionRefund || recorded.Amount != 3 {
		test.Fatalf("unexpected refund transaction: %+v", recorded)
	}
	if recorded.BalanceAfter != 9 {
		test.Fatalf("expected balance_after 9, got %d", recorded.BalanceAfter)
	}
	if recorded.GenerationRef != "gen-9" {
		test.Fatalf("expected generation link, got %q", recorded.GenerationRef)
	}
	account := store.mustAccount(test, userID)
	if account.PurchasedBrushstrokes != 5 {
		test.Fatalf("expected packs 5, got %d", account.PurchasedBrushstrokes)
	}
	if account.AllowanceUsedThisPeriod != 6 {
		test.Fatalf("refund must not touch allowance usage, got %d", account.AllowanceUsedThisPeriod)
	}
}

func TestRecordPurchaseDuplicateClaimedByAnotherAccount(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "mismatched-user")
	store.seedAccount(userID, 0, "", 0, 0)
	store.insertDuplicateOnce = true

	_, err := engine.RecordPurchase(context.Background(), userID, mustBrushstrokes(test, 100), mustPaymentRef(test, "cs_claimed"), "pack", EmptyMetadata())
	if !errors.Is(err, ErrUnknownTransaction) {
		test.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
	if transactions := store.transactionsFor(userID); len(transactions) != 0 {
		test.Fatalf("expected no ledger entry for this user, got %d", len(transactions))
	}
}

func TestListTransactionsWrapsStoreFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.listErr = errors.New("relation missing")
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{}))
	userID := mustUserID(test, "audit-user")

	_, err := engine.ListTransactions(context.Background(), userID, 1000, 10)
	var operationError OperationError
	if !errors.As(err, &operationError) {
		test.Fatalf("expected OperationError, got %v", err)
	}
	if operationError.Operation() != "list" || operationError.Subject() != "transaction" {
		test.Fatalf("unexpected error segments: %v", operationError)
	}
}

func TestRenewalResetsAllowance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 2000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "renewal-user")
	store.seedAccount(userID, 4, "sub-1", 1000, 10)

	if err := engine.CheckAndRenewSubscription(context.Background(), userID); err != nil {
		test.Fatalf("renew: %v", err)
	}
	account := store.mustAccount(test, userID)
	if account.AllowanceUsedThisPeriod != 0 {
		test.Fatalf("expected allowance reset, got %d", account.AllowanceUsedThisPeriod)
	}
	if account.CurrentPeriodStartUnixUTC != 2000 {
		test.Fatalf("expected mirrored period start 2000, got %d", account.CurrentPeriodStartUnixUTC)
	}

	balance, err := engine.GetTotalBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.AllowanceRemaining != 10 || balance.PurchasedBrushstrokes != 4 || balance.Total != 14 {
		test.Fatalf("unexpected balance after renewal: %+v", balance)
	}
}

func TestRenewalIdempotentWithinPeriod(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 2000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "steady-user")
	store.seedAccount(userID, 0, "sub-1", 1000, 6)

	if err := engine.CheckAndRenewSubscription(context.Background(), userID); err != nil {
		test.Fatalf("first renew: %v", err)
	}
	if err := engine.CheckAndRenewSubscription(context.Background(), userID); err != nil {
		test.Fatalf("second renew: %v", err)
	}
	renewals := 0
	for _, transaction := range store.transactionsFor(userID) {
		if transaction.Type == TransactionSubscriptionRenewal {
			renewals++
		}
	}
	if renewals != 1 {
		test.Fatalf("expected one renewal transaction, got %d", renewals)
	}
}

func TestRenewalClearsMirrorWhenSubscriptionGone(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone})
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "lapsed-user")
	store.seedAccount(userID, 9, "sub-1", 1000, 3)

	if err := engine.CheckAndRenewSubscription(context.Background(), userID); err != nil {
		test.Fatalf("renew: %v", err)
	}
	account := store.mustAccount(test, userID)
	if account.SubscriptionID != "" || account.AllowanceUsedThisPeriod != 0 {
		test.Fatalf("expected cleared mirror, got %+v", account)
	}
	balance, err := engine.GetTotalBalance(context.Background(), userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total != 9 {
		test.Fatalf("expected packs only, got %+v", balance)
	}
}

func TestSubscriptionRemovalForfeitsRemainingAllowance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "forfeit-user")
	store.seedAccount(userID, 0, "", 0, 0)
	ctx := context.Background()

	if _, err := engine.RecordPurchase(ctx, userID, mustBrushstrokes(test, 9), mustPaymentRef(test, "cs_forfeit"), "pack", EmptyMetadata()); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 3), nil, "usage", EmptyMetadata()); err != nil {
		test.Fatalf("usage: %v", err)
	}
	oracle.setState(SubscriptionState{Tier: TierNone, Status: StatusNone})
	if err := engine.CheckAndRenewSubscription(ctx, userID); err != nil {
		test.Fatalf("renew: %v", err)
	}

	transactions := store.transactionsFor(userID)
	marker := transactions[len(transactions)-1]
	if marker.Type != TransactionSubscriptionRenewal || marker.Amount != 0 {
		test.Fatalf("expected zero-amount removal marker, got %+v", marker)
	}
	if marker.BalanceAfter != 9 {
		test.Fatalf("expected marker balance_after 9, got %d", marker.BalanceAfter)
	}
	// The allowance is never cached locally, so the marker cannot quantify
	// what the removal forfeits. The running sum of amounts therefore
	// overshoots balance_after by exactly the un-drawn remainder, and the
	// marker's balance_after re-anchors the series.
	var sum int64
	for _, transaction := range transactions {
		sum += transaction.Amount
	}
	if forfeited := sum - marker.BalanceAfter; forfeited != 7 {
		test.Fatalf("expected forfeited remainder 7, got %d", forfeited)
	}
	balance, err := engine.GetTotalBalance(ctx, userID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance.Total != 9 {
		test.Fatalf("expected packs only after removal, got %+v", balance)
	}
}

func TestLedgerReplayMatchesLatestBalanceAfter(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "replay-user")
	store.seedAccount(userID, 0, "", 0, 0)
	ctx := context.Background()

	if _, err := engine.RecordPurchase(ctx, userID, mustBrushstrokes(test, 5), mustPaymentRef(test, "cs_replay"), "pack", EmptyMetadata()); err != nil {
		test.Fatalf("purchase: %v", err)
	}
	if _, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 12), nil, "usage", EmptyMetadata()); err != nil {
		test.Fatalf("usage: %v", err)
	}
	oracle.setState(activeSubscription("sub-1", TierBasic, 10, 2000))
	if err := engine.CheckAndRenewSubscription(ctx, userID); err != nil {
		test.Fatalf("renew: %v", err)
	}
	if _, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 4), nil, "usage", EmptyMetadata()); err != nil {
		test.Fatalf("usage after renewal: %v", err)
	}

	transactions := store.transactionsFor(userID)
	if len(transactions) == 0 {
		test.Fatalf("expected ledger entries")
	}
	var sum int64
	for _, transaction := range transactions {
		sum += transaction.Amount
	}
	last := transactions[len(transactions)-1]
	if sum != last.BalanceAfter {
		test.Fatalf("ledger replay %d does not match balance_after %d", sum, last.BalanceAfter)
	}
}

func TestConcurrentUnitUsageSingleSuccess(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone})
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "race-user")
	store.seedAccount(userID, 1, "", 0, 0)
	amount := mustBrushstrokes(test, 1)

	var waitGroup sync.WaitGroup
	results := make([]error, 2)
	for index := range results {
		waitGroup.Add(1)
		go func(slot int) {
			defer waitGroup.Done()
			_, results[slot] = engine.RecordUsage(context.Background(), userID, amount, nil, "racing usage", EmptyMetadata())
		}(index)
	}
	waitGroup.Wait()

	successes := 0
	insufficient := 0
	for _, resultError := range results {
		switch {
		case resultError == nil:
			successes++
		case errors.Is(resultError, ErrInsufficientBalance):
			insufficient++
		default:
			test.Fatalf("unexpected error: %v", resultError)
		}
	}
	if successes != 1 || insufficient != 1 {
		test.Fatalf("expected exactly one success and one insufficient, got %d/%d", successes, insufficient)
	}
	account := store.mustAccount(test, userID)
	if account.PurchasedBrushstrokes != 0 {
		test.Fatalf("expected empty packs, got %d", account.PurchasedBrushstrokes)
	}
}

func TestBalanceNeverNegativeUnderInterleaving(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(activeSubscription("sub-1", TierBasic, 10, 1000))
	engine := mustNewEngine(test, store, oracle)
	userID := mustUserID(test, "interleave-user")
	store.seedAccount(userID, 0, "sub-1", 1000, 0)
	ctx := context.Background()

	steps := []func() error{
		func() error {
			_, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 8), nil, "usage", EmptyMetadata())
			return err
		},
		func() error {
			_, err := engine.RecordPurchase(ctx, userID, mustBrushstrokes(test, 3), mustPaymentRef(test, "cs_mix"), "pack", EmptyMetadata())
			return err
		},
		func() error {
			_, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 5), nil, "usage", EmptyMetadata())
			return err
		},
		func() error {
			_, err := engine.RecordUsage(ctx, userID, mustBrushstrokes(test, 5), nil, "usage", EmptyMetadata())
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil && !errors.Is(err, ErrInsufficientBalance) {
			test.Fatalf("unexpected error: %v", err)
		}
		balance, err := engine.GetTotalBalance(ctx, userID)
		if err != nil {
			test.Fatalf("balance: %v", err)
		}
		if balance.Total < 0 {
			test.Fatalf("negative total observed: %+v", balance)
		}
		account := store.mustAccount(test, userID)
		if account.PurchasedBrushstrokes < 0 {
			test.Fatalf("negative packs observed: %+v", account)
		}
	}
}

func TestRecordPurchaseRecoversFromStoreDuplicate(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "webhook-user")
	store.seedAccount(userID, 0, "", 0, 0)
	paymentRef := mustPaymentRef(test, "cs_race")
	store.insertDuplicateOnce = true
	store.seedTransaction(userID, Transaction{
		TransactionID:  "tx-prior",
		UserID:         userID,
		Type:           TransactionPurchase,
		Amount:         100,
		BalanceAfter:   100,
		PaymentRef:     paymentRef.String(),
		CreatedUnixUTC: 50,
	})
	store.hideSeededFromLookup = true

	recorded, err := engine.RecordPurchase(context.Background(), userID, mustBrushstrokes(test, 100), paymentRef, "pack", EmptyMetadata())
	if err != nil {
		test.Fatalf("expected duplicate treated as success, got %v", err)
	}
	if recorded.TransactionID != "tx-prior" {
		test.Fatalf("expected the winning transaction back, got %+v", recorded)
	}
}

func TestRecordUsageGivesUpAfterBoundedConflicts(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.alwaysConflict = true
	engine := mustNewEngine(test, store, newStubOracle(SubscriptionState{Tier: TierNone, Status: StatusNone}))
	userID := mustUserID(test, "conflict-user")
	store.seedAccount(userID, 10, "", 0, 0)

	_, err := engine.RecordUsage(context.Background(), userID, mustBrushstrokes(test, 1), nil, "usage", EmptyMetadata())
	if !errors.Is(err, ErrConcurrentModification) {
		test.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if store.applyAttempts != defaultMaxConflictRetries {
		test.Fatalf("expected %d attempts, got %d", defaultMaxConflictRetries, store.applyAttempts)
	}
}

func TestNewEngineRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	oracle := newStubOracle(SubscriptionState{})
	clock := func() int64 { return 0 }
	if _, err := NewEngine(nil, oracle, clock); !errors.Is(err, ErrInvalidEngineConfig) {
		test.Fatalf("expected invalid engine config, got %v", err)
	}
	if _, err := NewEngine(store, nil, clock); !errors.Is(err, ErrInvalidEngineConfig) {
		test.Fatalf("expected invalid engine config, got %v", err)
	}
	if _, err := NewEngine(store, oracle, nil); !errors.Is(err, ErrInvalidEngineConfig) {
		test.Fatalf("expected invalid engine config, got %v", err)
	}
}

// stubStore is an in-memory Store with compare-and-swap semantics matching
// the versioned conditional updates gormstore performs.
type stubStore struct {
	mutex                sync.Mutex
	accounts             map[UserID]AccountSnapshot
	transactions         map[UserID][]Transaction
	nextTransactionID    int
	applyAttempts        int
	alwaysConflict       bool
	insertDuplicateOnce  bool
	hideSeededFromLookup bool
	listErr              error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     make(map[UserID]AccountSnapshot),
		transactions: make(map[UserID][]Transaction),
	}
}

func (store *stubStore) seedAccount(userID UserID, purchased int64, subscriptionID string, periodStart int64, allowanceUsed int64) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.accounts[userID] = AccountSnapshot{
		UserID:                    userID,
		PurchasedBrushstrokes:     purchased,
		SubscriptionID:            subscriptionID,
		CurrentPeriodStartUnixUTC: periodStart,
		AllowanceUsedThisPeriod:   allowanceUsed,
	}
}

func (store *stubStore) seedTransaction(userID UserID, transaction Transaction) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.transactions[userID] = append(store.transactions[userID], transaction)
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, userID UserID) (AccountSnapshot, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, exists := store.accounts[userID]
	if !exists {
		account = AccountSnapshot{UserID: userID}
		store.accounts[userID] = account
	}
	return account, nil
}

func (store *stubStore) ApplyCounterUpdate(ctx context.Context, update CounterUpdate) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.applyAttempts++
	if store.alwaysConflict {
		return ErrConcurrentModification
	}
	account, exists := store.accounts[update.UserID]
	if !exists || account.Version != update.ExpectedVersion {
		return ErrConcurrentModification
	}
	account.PurchasedBrushstrokes = update.PurchasedBrushstrokes
	account.SubscriptionID = update.SubscriptionID
	account.CurrentPeriodStartUnixUTC = update.CurrentPeriodStartUnixUTC
	account.AllowanceUsedThisPeriod = update.AllowanceUsedThisPeriod
	account.Version++
	store.accounts[update.UserID] = account
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) (Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.insertDuplicateOnce {
		store.insertDuplicateOnce = false
		store.hideSeededFromLookup = false
		return Transaction{}, ErrDuplicatePurchase
	}
	store.nextTransactionID++
	transaction := Transaction{
		TransactionID:  fmt.Sprintf("tx-%d", store.nextTransactionID),
		UserID:         input.UserID(),
		Type:           input.Type(),
		Amount:         input.Amount(),
		BalanceAfter:   input.BalanceAfter(),
		Description:    input.Description(),
		MetadataJSON:   input.MetadataJSON().String(),
		CreatedUnixUTC: input.CreatedUnixUTC(),
	}
	if generationRef, hasGeneration := input.GenerationRef(); hasGeneration {
		transaction.GenerationRef = generationRef.String()
	}
	if paymentRef, hasPayment := input.PaymentRef(); hasPayment {
		transaction.PaymentRef = paymentRef.String()
	}
	store.transactions[input.UserID()] = append(store.transactions[input.UserID()], transaction)
	return transaction, nil
}

func (store *stubStore) FindTransactionByPaymentRef(ctx context.Context, userID UserID, paymentRef PaymentRef) (*Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.hideSeededFromLookup {
		return nil, nil
	}
	for _, transaction := range store.transactions[userID] {
		if transaction.PaymentRef == paymentRef.String() {
			found := transaction
			return &found, nil
		}
	}
	return nil, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.listErr != nil {
		return nil, store.listErr
	}
	return append([]Transaction(nil), store.transactions[userID]...), nil
}

func (store *stubStore) transactionsFor(userID UserID) []Transaction {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return append([]Transaction(nil), store.transactions[userID]...)
}

func (store *stubStore) mustAccount(test *testing.T, userID UserID) AccountSnapshot {
	test.Helper()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	account, exists := store.accounts[userID]
	if !exists {
		test.Fatalf("account %s not found", userID.String())
	}
	return account
}

type stubOracle struct {
	mutex sync.Mutex
	state SubscriptionState
	err   error
}

func newStubOracle(state SubscriptionState) *stubOracle {
	return &stubOracle{state: state}
}

func (oracle *stubOracle) setState(state SubscriptionState) {
	oracle.mutex.Lock()
	defer oracle.mutex.Unlock()
	oracle.state = state
}

func (oracle *stubOracle) GetSubscriptionState(ctx context.Context, userID UserID) (SubscriptionState, error) {
	oracle.mutex.Lock()
	defer oracle.mutex.Unlock()
	if oracle.err != nil {
		return SubscriptionState{}, oracle.err
	}
	return oracle.state, nil
}

func activeSubscription(subscriptionID string, tier SubscriptionTier, allowance int64, periodStart int64) SubscriptionState {
	return SubscriptionState{
		SubscriptionID:            subscriptionID,
		Tier:                      tier,
		Status:                    StatusActive,
		MonthlyAllowance:          allowance,
		CurrentPeriodStartUnixUTC: periodStart,
	}
}

func mustNewEngine(test *testing.T, store Store, oracle SubscriptionOracle) *Engine {
	test.Helper()
	engine, err := NewEngine(store, oracle, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new engine: %v", err)
	}
	return engine
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return value
}

func mustBrushstrokes(test *testing.T, raw int64) Brushstrokes {
	test.Helper()
	value, err := NewBrushstrokes(raw)
	if err != nil {
		test.Fatalf("brushstrokes: %v", err)
	}
	return value
}

func mustPaymentRef(test *testing.T, raw string) PaymentRef {
	test.Helper()
	value, err := NewPaymentRef(raw)
	if err != nil {
		test.Fatalf("payment ref: %v", err)
	}
	return value
}

func mustGenerationRef(test *testing.T, raw string) GenerationRef {
	test.Helper()
	value, err := NewGenerationRef(raw)
	if err != nil {
		test.Fatalf("generation ref: %v", err)
	}
	return value
}
