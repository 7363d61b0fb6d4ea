package topup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var testCurrency = Currency{Code: "NGN", MinorUnits: 2}

type stubStore struct {
	txMu            sync.Mutex
	mu              sync.Mutex
	wallets         map[string]*Wallet
	policies        map[string]FeePolicy
	records         []PurchaseRecord
	getWalletError  error
	getPolicyError  error
	debitError      error
	insertError     error
	withTxCalls     int
	nextTransaction int
}

func newStubStore(test *testing.T, balance string) *stubStore {
	test.Helper()
	return &stubStore{
		wallets: map[string]*Wallet{
			testUserID: {ID: "wallet-1", UserID: testUserID, Balance: mustDecimal(test, balance), Currency: testCurrency},
		},
		policies: map[string]FeePolicy{
			feeSlugMobileTopup: {Slug: feeSlugMobileTopup, PercentCharge: decimal.NewFromInt(2), FixedCharge: decimal.NewFromInt(50), Enabled: true},
			feeSlugDataBundle:  {Slug: feeSlugDataBundle, PercentCharge: decimal.NewFromInt(2), FixedCharge: decimal.NewFromInt(50), Enabled: true},
		},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	store.withTxCalls++
	snapshot := make(map[string]Wallet, len(store.wallets))
	for key, wallet := range store.wallets {
		snapshot[key] = *wallet
	}
	recordCount := len(store.records)
	store.mu.Unlock()

	if err := fn(ctx, store); err != nil {
		store.mu.Lock()
		defer store.mu.Unlock()
		for key, wallet := range snapshot {
			restored := wallet
			store.wallets[key] = &restored
		}
		store.records = store.records[:recordCount]
		return err
	}
	return nil
}

func (store *stubStore) GetWallet(_ context.Context, userID string) (Wallet, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getWalletError != nil {
		return Wallet{}, store.getWalletError
	}
	wallet, ok := store.wallets[userID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *wallet, nil
}

func (store *stubStore) GetFeePolicy(_ context.Context, slug string) (FeePolicy, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getPolicyError != nil {
		return FeePolicy{}, store.getPolicyError
	}
	policy, ok := store.policies[slug]
	if !ok {
		return FeePolicy{}, ErrFeePolicyNotFound
	}
	return policy, nil
}

func (store *stubStore) DebitWallet(_ context.Context, walletID string, amountMinor int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.debitError != nil {
		return 0, store.debitError
	}
	for _, wallet := range store.wallets {
		if wallet.ID != walletID {
			continue
		}
		balanceMinor, err := wallet.Currency.ToMinor(wallet.Balance)
		if err != nil {
			return 0, err
		}
		if balanceMinor < amountMinor {
			return 0, ErrInsufficientFunds
		}
		wallet.Balance = wallet.Currency.FromMinor(balanceMinor - amountMinor)
		return balanceMinor - amountMinor, nil
	}
	return 0, ErrWalletNotFound
}

func (store *stubStore) InsertPurchase(_ context.Context, record PurchaseRecord) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertError != nil {
		return "", store.insertError
	}
	store.nextTransaction++
	record.TransactionID = fmt.Sprintf("txn-%d", store.nextTransaction)
	store.records = append(store.records, record)
	return record.TransactionID, nil
}

func (store *stubStore) GetPurchase(_ context.Context, userID string, trxID string) (PurchaseRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, record := range store.records {
		if record.UserID == userID && record.TrxID == trxID {
			return record, nil
		}
	}
	return PurchaseRecord{}, ErrTransactionNotFound
}

func (store *stubStore) balance(test *testing.T) decimal.Decimal {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.wallets[testUserID].Balance
}

func (store *stubStore) recordCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.records)
}

type stubGateway struct {
	mu       sync.Mutex
	result   ProviderResult
	err      error
	calls    int
	orders   []ProviderOrder
	products []Product
	ctxErr   error
}

func (gateway *stubGateway) Execute(ctx context.Context, product Product, order ProviderOrder) (ProviderResult, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	gateway.calls++
	gateway.orders = append(gateway.orders, order)
	gateway.products = append(gateway.products, product)
	gateway.ctxErr = ctx.Err()
	return gateway.result, gateway.err
}

func acceptedResult(status TransactionStatus) ProviderResult {
	return ProviderResult{
		Accepted:              true,
		Status:                status,
		ProviderTransactionID: "pfx-123",
		RawResponse:           []byte(`{"status":"` + string(status) + `","transaction_id":"pfx-123"}`),
	}
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

type stubNotifier struct {
	mu      sync.Mutex
	err     error
	records []PurchaseRecord
}

func (notifier *stubNotifier) NotifyPurchase(_ context.Context, record PurchaseRecord) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.records = append(notifier.records, record)
	return notifier.err
}

const testUserID = "user-1"

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, gateway Gateway, options ...ServiceOption) *Service {
	test.Helper()
	options = append([]ServiceOption{WithTrxIDGenerator(func(prefix string, _ time.Time) string { return prefix + "TEST" })}, options...)
	service, err := NewService(store, gateway, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

type stubPlanCatalog struct {
	prices map[string]decimal.Decimal
	err    error
}

func (plans stubPlanCatalog) PlanPrice(_ context.Context, network string, planCode string) (decimal.Decimal, error) {
	if plans.err != nil {
		return decimal.Decimal{}, plans.err
	}
	price, ok := plans.prices[network+"/"+planCode]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s on %s", ErrPlanNotFound, planCode, network)
	}
	return price, nil
}

func airtimeRequest(test *testing.T, amount string) PurchaseRequest {
	test.Helper()
	return PurchaseRequest{
		Product:      ProductAirtime,
		UserID:       testUserID,
		Network:      "mtn_nigeria",
		MobileNumber: "+234 803-123-4567",
		Amount:       mustDecimal(test, amount),
	}
}
