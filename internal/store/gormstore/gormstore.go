package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintPurchaseTrxID = "uniq_purchase_trx_id"
	defaultProviderResponse = "{}"
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectCurrency    = "currency"
	errorSubjectFeePolicy   = "fee_policy"
	errorSubjectPurchase    = "purchase"
	errorSubjectWallet      = "wallet"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeLookup         = "lookup"
	errorCodeSave           = "save"
)

// Store implements topup.Store using GORM.
type Store struct {
	db *gorm.DB
}

var _ topup.Store = (*Store)(nil)

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore topup.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetWallet(ctx context.Context, userID string) (topup.Wallet, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, topup.ErrWalletNotFound)
		}
		return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	currency, err := store.currency(ctx, wallet.CurrencyCode)
	if err != nil {
		return topup.Wallet{}, err
	}
	return topup.Wallet{
		ID:       wallet.WalletID,
		UserID:   wallet.UserID,
		Balance:  currency.FromMinor(wallet.BalanceMinor),
		Currency: currency,
	}, nil
}

func (store *Store) GetFeePolicy(ctx context.Context, slug string) (topup.FeePolicy, error) {
	var policy FeePolicy
	err := store.db.WithContext(ctx).Where("slug = ?", slug).Take(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeGet, topup.ErrFeePolicyNotFound)
		}
		return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeGet, err)
	}
	return topup.FeePolicy{
		Slug:          policy.Slug,
		PercentCharge: policy.PercentCharge,
		FixedCharge:   policy.FixedCharge,
		Enabled:       policy.Enabled,
	}, nil
}

// DebitWallet subtracts amountMinor with a single conditional update so concurrent debits can never overdraw.
func (store *Store) DebitWallet(ctx context.Context, walletID string, amountMinor int64) (int64, error) {
	if amountMinor <= 0 {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrInvalidAmount)
	}
	result := store.db.WithContext(ctx).
		Model(&Wallet{}).
		Where("wallet_id = ? AND balance_minor >= ?", walletID, amountMinor).
		Updates(map[string]interface{}{
			"balance_minor": gorm.Expr("balance_minor - ?", amountMinor),
			"updated_at":    time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, result.Error)
	}
	var wallet Wallet
	err := store.db.WithContext(ctx).Where("wallet_id = ?", walletID).Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrWalletNotFound)
		}
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, err)
	}
	if result.RowsAffected == 0 {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrInsufficientFunds)
	}
	return wallet.BalanceMinor, nil
}

func (store *Store) InsertPurchase(ctx context.Context, record topup.PurchaseRecord) (string, error) {
	model, err := newPurchaseModel(record)
	if err != nil {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateTrxID(err) {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, topup.ErrDuplicateTransaction)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return model.TransactionID, nil
}

func (store *Store) GetPurchase(ctx context.Context, userID string, trxID string) (topup.PurchaseRecord, error) {
	var model PurchaseTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND trx_id = ?", userID, trxID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, topup.ErrTransactionNotFound)
		}
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	record, err := mapPurchase(model)
	if err != nil {
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return record, nil
}

// SaveCurrency inserts or updates a currency definition.
func (store *Store) SaveCurrency(ctx context.Context, currency topup.Currency) error {
	code := strings.ToUpper(strings.TrimSpace(currency.Code))
	if code == "" || currency.MinorUnits < 0 {
		return wrapStoreError(errorSubjectCurrency, errorCodeInvalid, topup.ErrValidation)
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, DoUpdates: clause.AssignmentColumns([]string{"minor_units"})}).
		Create(&Currency{Code: code, MinorUnits: currency.MinorUnits}).Error
	if err != nil {
		return wrapStoreError(errorSubjectCurrency, errorCodeSave, err)
	}
	return nil
}

// SaveFeePolicy inserts or replaces the policy for its slug.
func (store *Store) SaveFeePolicy(ctx context.Context, policy topup.FeePolicy) error {
	if strings.TrimSpace(policy.Slug) == "" {
		return wrapStoreError(errorSubjectFeePolicy, errorCodeInvalid, topup.ErrInvalidFeePolicy)
	}
	if err := policy.Validate(); err != nil {
		return wrapStoreError(errorSubjectFeePolicy, errorCodeInvalid, err)
	}
	model := FeePolicy{
		Slug:          strings.TrimSpace(policy.Slug),
		PercentCharge: policy.PercentCharge,
		FixedCharge:   policy.FixedCharge,
		Enabled:       policy.Enabled,
		UpdatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "slug"}}, UpdateAll: true}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectFeePolicy, errorCodeSave, err)
	}
	return nil
}

// OpenWallet returns the user's wallet, creating it with the opening balance when it does not exist yet.
func (store *Store) OpenWallet(ctx context.Context, userID string, currencyCode string, openingBalance decimal.Decimal) (topup.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, topup.ErrValidation)
	}
	currency, err := store.currency(ctx, strings.ToUpper(strings.TrimSpace(currencyCode)))
	if err != nil {
		return topup.Wallet{}, err
	}
	balanceMinor, err := currency.ToMinor(openingBalance)
	if err != nil || balanceMinor < 0 {
		return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, topup.ErrInvalidAmount)
	}
	now := time.Now().UTC()
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&Wallet{UserID: userID, CurrencyCode: currency.Code, BalanceMinor: balanceMinor, CreatedAt: now, UpdatedAt: now}).Error
	if err != nil {
		return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeSave, err)
	}
	return store.GetWallet(ctx, userID)
}

func (store *Store) currency(ctx context.Context, code string) (topup.Currency, error) {
	var currency Currency
	err := store.db.WithContext(ctx).Where("code = ?", code).Take(&currency).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return topup.Currency{}, wrapStoreError(errorSubjectCurrency, errorCodeLookup, topup.ErrConfiguration)
		}
		return topup.Currency{}, wrapStoreError(errorSubjectCurrency, errorCodeLookup, err)
	}
	return topup.Currency{Code: currency.Code, MinorUnits: currency.MinorUnits}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return topup.WrapError(errorOperationStore, subject, code, err)
}

func newPurchaseModel(record topup.PurchaseRecord) (PurchaseTransaction, error) {
	currency := record.Charges.Currency
	amounts := []decimal.Decimal{
		record.Charges.RequestedAmount,
		record.Charges.PercentChargeAmount,
		record.Charges.FixedChargeAmount,
		record.Charges.TotalCharge,
		record.Charges.Payable,
		record.ResultingBalance,
	}
	minor := make([]int64, len(amounts))
	for index, amount := range amounts {
		value, err := currency.ToMinor(amount)
		if err != nil {
			return PurchaseTransaction{}, err
		}
		minor[index] = value
	}
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return PurchaseTransaction{
		TrxID:                 record.TrxID,
		UserID:                record.UserID,
		WalletID:              record.WalletID,
		ProductType:           string(record.Product),
		RecordType:            record.RecordType,
		Network:               record.Network,
		MobileNumber:          record.MobileNumber,
		PlanCode:              record.PlanCode,
		CurrencyCode:          currency.Code,
		MinorUnits:            currency.MinorUnits,
		RequestedAmountMinor:  minor[0],
		PercentChargeMinor:    minor[1],
		FixedChargeMinor:      minor[2],
		TotalChargeMinor:      minor[3],
		PayableMinor:          minor[4],
		ExchangeRate:          record.Charges.ExchangeRate,
		BalanceAfterMinor:     minor[5],
		Status:                record.Status.String(),
		ProviderTransactionID: record.ProviderTransactionID,
		ProviderResponse:      datatypesJSON(record.ProviderResponse),
		Remark:                record.Remark,
		CreatedAt:             createdAt,
	}, nil
}

func mapPurchase(model PurchaseTransaction) (topup.PurchaseRecord, error) {
	productType, err := topup.ParseProductType(model.ProductType)
	if err != nil {
		return topup.PurchaseRecord{}, err
	}
	status, err := topup.ParseTransactionStatus(model.Status)
	if err != nil {
		return topup.PurchaseRecord{}, err
	}
	currency := topup.Currency{Code: model.CurrencyCode, MinorUnits: model.MinorUnits}
	return topup.PurchaseRecord{
		TransactionID: model.TransactionID,
		TrxID:         model.TrxID,
		UserID:        model.UserID,
		WalletID:      model.WalletID,
		Product:       productType,
		RecordType:    model.RecordType,
		Network:       model.Network,
		MobileNumber:  model.MobileNumber,
		PlanCode:      model.PlanCode,
		Charges: topup.ChargeBreakdown{
			RequestedAmount:     currency.FromMinor(model.RequestedAmountMinor),
			PercentChargeAmount: currency.FromMinor(model.PercentChargeMinor),
			FixedChargeAmount:   currency.FromMinor(model.FixedChargeMinor),
			TotalCharge:         currency.FromMinor(model.TotalChargeMinor),
			Payable:             currency.FromMinor(model.PayableMinor),
			ExchangeRate:        model.ExchangeRate,
			Currency:            currency,
		},
		ResultingBalance:      currency.FromMinor(model.BalanceAfterMinor),
		Status:                status,
		ProviderTransactionID: model.ProviderTransactionID,
		ProviderResponse:      json.RawMessage(model.ProviderResponse),
		Remark:                model.Remark,
		CreatedAt:             model.CreatedAt.UTC(),
	}, nil
}

func datatypesJSON(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte(defaultProviderResponse))
	}
	return datatypes.JSON(raw)
}

func isDuplicateTrxID(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTrxID
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
