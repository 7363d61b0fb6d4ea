package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	constraintPurchaseTrxID = "uniq_purchase_trx_id"
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectFeePolicy   = "fee_policy"
	errorSubjectPurchase    = "purchase"
	errorSubjectSchema      = "schema"
	errorSubjectTransaction = "transaction"
	errorSubjectWallet      = "wallet"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDebit          = "debit"
	errorCodeDuplicate      = "duplicate"
	errorCodeEnsure         = "ensure"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"

	sqlSchema = `
		create table if not exists currencies (
			code text primary key,
			minor_units integer not null
		);
		create table if not exists wallets (
			wallet_id uuid primary key default gen_random_uuid(),
			user_id text not null unique,
			currency_code text not null references currencies(code),
			balance_minor bigint not null constraint chk_wallets_balance_non_negative check (balance_minor >= 0),
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists fee_policies (
			slug text primary key,
			percent_charge numeric(7,4) not null,
			fixed_charge numeric(20,4) not null,
			enabled boolean not null,
			updated_at timestamptz not null default now()
		);
		create table if not exists purchase_transactions (
			transaction_id uuid primary key default gen_random_uuid(),
			trx_id text not null constraint uniq_purchase_trx_id unique,
			user_id text not null,
			wallet_id uuid not null references wallets(wallet_id),
			product_type text not null,
			record_type text not null,
			network text not null,
			mobile_number text not null,
			plan_code text not null default '',
			currency_code text not null,
			minor_units integer not null,
			requested_amount_minor bigint not null,
			percent_charge_minor bigint not null,
			fixed_charge_minor bigint not null,
			total_charge_minor bigint not null,
			payable_minor bigint not null,
			exchange_rate numeric(20,8) not null,
			balance_after_minor bigint not null,
			status text not null,
			provider_transaction_id text not null default '',
			provider_response jsonb not null,
			remark text not null default '',
			created_at timestamptz not null
		);
		create index if not exists idx_purchase_user_created on purchase_transactions(user_id, created_at);
	`

	sqlSelectWallet = `
		select w.wallet_id::text, w.user_id, w.balance_minor, c.code, c.minor_units
		from wallets w
		join currencies c on c.code = w.currency_code
		where w.user_id = $1
	`

	sqlSelectFeePolicy = `
		select slug, percent_charge::text, fixed_charge::text, enabled
		from fee_policies
		where slug = $1
	`

	sqlDebitWallet = `
		update wallets
		set balance_minor = balance_minor - $2, updated_at = now()
		where wallet_id = $1 and balance_minor >= $2
		returning balance_minor
	`

	sqlWalletExists = `select exists(select 1 from wallets where wallet_id = $1)`

	sqlInsertPurchase = `
		insert into purchase_transactions(
			trx_id, user_id, wallet_id, product_type, record_type, network, mobile_number, plan_code,
			currency_code, minor_units, requested_amount_minor, percent_charge_minor, fixed_charge_minor,
			total_charge_minor, payable_minor, exchange_rate, balance_after_minor, status,
			provider_transaction_id, provider_response, remark, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16::text::numeric, $17, $18,
			$19, coalesce(nullif($20,''),'{}')::jsonb, $21, $22
		)
		returning transaction_id::text
	`

	sqlSelectPurchase = `
		select
			transaction_id::text, trx_id, user_id, wallet_id::text, product_type, record_type, network,
			mobile_number, plan_code, currency_code, minor_units, requested_amount_minor,
			percent_charge_minor, fixed_charge_minor, total_charge_minor, payable_minor,
			exchange_rate::text, balance_after_minor, status, provider_transaction_id,
			provider_response::text, remark, created_at
		from purchase_transactions
		where user_id = $1 and trx_id = $2
	`
)

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements topup.Store using a pgx connection pool (autocommit).
type Store struct {
	queries
	pool *pgxpool.Pool
}

// TxStore implements topup.Store for an active transaction.
type TxStore struct {
	queries
	tx pgx.Tx
}

var (
	_ topup.Store = (*Store)(nil)
	_ topup.Store = (*TxStore)(nil)
)

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{queries: queries{db: pool}, pool: pool}
}

// EnsureSchema creates the tables used by the store when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore topup.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// WithTx joins the surrounding transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore topup.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db querier
}

func (q queries) GetWallet(ctx context.Context, userID string) (topup.Wallet, error) {
	var (
		wallet   topup.Wallet
		balance  int64
		currency topup.Currency
	)
	err := q.db.QueryRow(ctx, sqlSelectWallet, userID).Scan(&wallet.ID, &wallet.UserID, &balance, &currency.Code, &currency.MinorUnits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, topup.ErrWalletNotFound)
		}
		return topup.Wallet{}, wrapStoreError(errorSubjectWallet, errorCodeGet, err)
	}
	wallet.Currency = currency
	wallet.Balance = currency.FromMinor(balance)
	return wallet, nil
}

func (q queries) GetFeePolicy(ctx context.Context, slug string) (topup.FeePolicy, error) {
	var (
		policy        topup.FeePolicy
		percentCharge string
		fixedCharge   string
	)
	err := q.db.QueryRow(ctx, sqlSelectFeePolicy, slug).Scan(&policy.Slug, &percentCharge, &fixedCharge, &policy.Enabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeGet, topup.ErrFeePolicyNotFound)
		}
		return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeGet, err)
	}
	if policy.PercentCharge, err = decimal.NewFromString(percentCharge); err != nil {
		return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeInvalid, err)
	}
	if policy.FixedCharge, err = decimal.NewFromString(fixedCharge); err != nil {
		return topup.FeePolicy{}, wrapStoreError(errorSubjectFeePolicy, errorCodeInvalid, err)
	}
	return policy, nil
}

func (q queries) DebitWallet(ctx context.Context, walletID string, amountMinor int64) (int64, error) {
	if amountMinor <= 0 {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrInvalidAmount)
	}
	var balance int64
	err := q.db.QueryRow(ctx, sqlDebitWallet, walletID, amountMinor).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, err)
	}
	var exists bool
	if err := q.db.QueryRow(ctx, sqlWalletExists, walletID).Scan(&exists); err != nil {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, err)
	}
	if !exists {
		return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrWalletNotFound)
	}
	return 0, wrapStoreError(errorSubjectWallet, errorCodeDebit, topup.ErrInsufficientFunds)
}

func (q queries) InsertPurchase(ctx context.Context, record topup.PurchaseRecord) (string, error) {
	amounts, err := minorAmounts(record)
	if err != nil {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	createdAt := record.CreatedAt.UTC()
	if record.CreatedAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var transactionID string
	err = q.db.QueryRow(ctx, sqlInsertPurchase,
		record.TrxID,
		record.UserID,
		record.WalletID,
		string(record.Product),
		record.RecordType,
		record.Network,
		record.MobileNumber,
		record.PlanCode,
		record.Charges.Currency.Code,
		record.Charges.Currency.MinorUnits,
		amounts.requested,
		amounts.percent,
		amounts.fixed,
		amounts.total,
		amounts.payable,
		record.Charges.ExchangeRate.String(),
		amounts.balanceAfter,
		record.Status.String(),
		record.ProviderTransactionID,
		string(record.ProviderResponse),
		record.Remark,
		createdAt,
	).Scan(&transactionID)
	if isDuplicateTrxID(err) {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, topup.ErrDuplicateTransaction)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectPurchase, errorCodeInsert, err)
	}
	return transactionID, nil
}

func (q queries) GetPurchase(ctx context.Context, userID string, trxID string) (topup.PurchaseRecord, error) {
	var (
		record           topup.PurchaseRecord
		currency         topup.Currency
		productType      string
		status           string
		exchangeRate     string
		providerResponse string
		requested        int64
		percent          int64
		fixed            int64
		total            int64
		payable          int64
		balanceAfter     int64
	)
	err := q.db.QueryRow(ctx, sqlSelectPurchase, userID, trxID).Scan(
		&record.TransactionID,
		&record.TrxID,
		&record.UserID,
		&record.WalletID,
		&productType,
		&record.RecordType,
		&record.Network,
		&record.MobileNumber,
		&record.PlanCode,
		&currency.Code,
		&currency.MinorUnits,
		&requested,
		&percent,
		&fixed,
		&total,
		&payable,
		&exchangeRate,
		&balanceAfter,
		&status,
		&record.ProviderTransactionID,
		&providerResponse,
		&record.Remark,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, topup.ErrTransactionNotFound)
		}
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	if record.Product, err = topup.ParseProductType(productType); err != nil {
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	if record.Status, err = topup.ParseTransactionStatus(status); err != nil {
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	rate, err := decimal.NewFromString(exchangeRate)
	if err != nil {
		return topup.PurchaseRecord{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	record.Charges = topup.ChargeBreakdown{
		RequestedAmount:     currency.FromMinor(requested),
		PercentChargeAmount: currency.FromMinor(percent),
		FixedChargeAmount:   currency.FromMinor(fixed),
		TotalCharge:         currency.FromMinor(total),
		Payable:             currency.FromMinor(payable),
		ExchangeRate:        rate,
		Currency:            currency,
	}
	record.ResultingBalance = currency.FromMinor(balanceAfter)
	record.ProviderResponse = json.RawMessage(providerResponse)
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

type purchaseAmounts struct {
	requested    int64
	percent      int64
	fixed        int64
	total        int64
	payable      int64
	balanceAfter int64
}

func minorAmounts(record topup.PurchaseRecord) (purchaseAmounts, error) {
	currency := record.Charges.Currency
	if strings.TrimSpace(currency.Code) == "" {
		return purchaseAmounts{}, topup.ErrInvalidAmount
	}
	var amounts purchaseAmounts
	targets := []struct {
		amount decimal.Decimal
		into   *int64
	}{
		{record.Charges.RequestedAmount, &amounts.requested},
		{record.Charges.PercentChargeAmount, &amounts.percent},
		{record.Charges.FixedChargeAmount, &amounts.fixed},
		{record.Charges.TotalCharge, &amounts.total},
		{record.Charges.Payable, &amounts.payable},
		{record.ResultingBalance, &amounts.balanceAfter},
	}
	for _, target := range targets {
		value, err := currency.ToMinor(target.amount)
		if err != nil {
			return purchaseAmounts{}, err
		}
		*target.into = value
	}
	return amounts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return topup.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateTrxID(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintPurchaseTrxID
	}
	return false
}
