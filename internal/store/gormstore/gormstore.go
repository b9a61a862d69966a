package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/quickbrushlabs/quickbrush/pkg/brushstroke"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPaymentRefUnique = "uniq_brush_tx_payment_ref"
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectUser           = "user"
	errorSubjectTransaction    = "transaction"
	errorCodeApply             = "apply"
	errorCodeDuplicate         = "duplicate"
	errorCodeInsert            = "insert"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
)

// Store implements brushstroke.Store plus the persistence surfaces of the
// generation, api key, and rate limit packages, all over one gorm.DB.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Used for sqlite; postgres deployments manage
// schema out of band.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&User{}, &BrushTransaction{}, &Generation{}, &APIKey{}, &RateLimitEvent{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore brushstroke.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// GetOrCreateAccount resolves a user's counter row, creating it on first
// contact.
func (store *Store) GetOrCreateAccount(ctx context.Context, userID brushstroke.UserID) (brushstroke.AccountSnapshot, error) {
	var user User
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoNothing: true,
		}).
		FirstOrCreate(&user, User{ExternalID: userID.String()}).Error
	if err != nil {
		return brushstroke.AccountSnapshot{}, wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return mapAccountSnapshot(user)
}

// ApplyCounterUpdate writes the mutable counters conditional on the version
// the caller observed. A lost race surfaces as ErrConcurrentModification.
func (store *Store) ApplyCounterUpdate(ctx context.Context, update brushstroke.CounterUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("external_id = ? AND version = ?", update.UserID.String(), update.ExpectedVersion).
		Updates(map[string]interface{}{
			"purchased_brushstrokes":     update.PurchasedBrushstrokes,
			"subscription_id":            update.SubscriptionID,
			"current_period_start":       update.CurrentPeriodStartUnixUTC,
			"allowance_used_this_period": update.AllowanceUsedThisPeriod,
			"version":                    update.ExpectedVersion + 1,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeApply, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeApply, brushstroke.ErrConcurrentModification)
	}
	return nil
}

// InsertTransaction appends one ledger row. A payment reference that already
// exists surfaces as ErrDuplicatePurchase.
func (store *Store) InsertTransaction(ctx context.Context, input brushstroke.TransactionInput) (brushstroke.Transaction, error) {
	var generationRef *string
	if generationValue, hasGeneration := input.GenerationRef(); hasGeneration {
		value := generationValue.String()
		generationRef = &value
	}
	var paymentRef *string
	if paymentValue, hasPayment := input.PaymentRef(); hasPayment {
		value := paymentValue.String()
		paymentRef = &value
	}
	row := BrushTransaction{
		UserID:        input.UserID().String(),
		Type:          input.Type().String(),
		Amount:        input.Amount(),
		BalanceAfter:  input.BalanceAfter(),
		GenerationRef: generationRef,
		PaymentRef:    paymentRef,
		Description:   input.Description(),
		Metadata:      datatypesJSON(input.MetadataJSON().String()),
		CreatedAt:     time.Unix(input.CreatedUnixUTC(), 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isPaymentRefConflict(err) {
		return brushstroke.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, brushstroke.ErrDuplicatePurchase)
	}
	if err != nil {
		return brushstroke.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return mapTransaction(row)
}

// FindTransactionByPaymentRef returns the recorded purchase for a payment
// reference, or nil when none exists.
func (store *Store) FindTransactionByPaymentRef(ctx context.Context, userID brushstroke.UserID, paymentRef brushstroke.PaymentRef) (*brushstroke.Transaction, error) {
	var row BrushTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND payment_ref = ?", userID.String(), paymentRef.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return nil, err
	}
	return &transaction, nil
}

// ListTransactions returns a user's ledger, newest first, before a cutoff.
func (store *Store) ListTransactions(ctx context.Context, userID brushstroke.UserID, beforeUnixUTC int64, limit int) ([]brushstroke.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []BrushTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]brushstroke.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapAccountSnapshot(user User) (brushstroke.AccountSnapshot, error) {
	userID, err := brushstroke.NewUserID(user.ExternalID)
	if err != nil {
		return brushstroke.AccountSnapshot{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return brushstroke.AccountSnapshot{
		UserID:                    userID,
		PurchasedBrushstrokes:     user.PurchasedBrushstrokes,
		SubscriptionID:            user.SubscriptionID,
		CurrentPeriodStartUnixUTC: user.CurrentPeriodStart,
		AllowanceUsedThisPeriod:   user.AllowanceUsedThisPeriod,
		Version:                   user.Version,
	}, nil
}

func mapTransaction(row BrushTransaction) (brushstroke.Transaction, error) {
	userID, err := brushstroke.NewUserID(row.UserID)
	if err != nil {
		return brushstroke.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transactionType, err := brushstroke.ParseTransactionType(row.Type)
	if err != nil {
		return brushstroke.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return brushstroke.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         userID,
		Type:           transactionType,
		Amount:         row.Amount,
		BalanceAfter:   row.BalanceAfter,
		GenerationRef:  stringOrEmpty(row.GenerationRef),
		PaymentRef:     stringOrEmpty(row.PaymentRef),
		Description:    row.Description,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func wrapStoreError(subject string, code string, err error) error {
	return brushstroke.WrapError(errorOperationStore, subject, code, err)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isPaymentRefConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPaymentRefUnique
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
