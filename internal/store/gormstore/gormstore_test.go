package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	testUserID           = "user-1"
	testCurrencyCode     = "NGN"
	errorMismatchMessage = "expected %v, got %v"
)

var testCurrency = topup.Currency{Code: testCurrencyCode, MinorUnits: 2}

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "topup.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(Models()...); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := New(db)
	ctx := context.Background()
	if err := store.SaveCurrency(ctx, testCurrency); err != nil {
		test.Fatalf("save currency: %v", err)
	}
	for _, policy := range []topup.FeePolicy{
		{Slug: "mobile_topup", PercentCharge: decimal.NewFromInt(2), FixedCharge: decimal.NewFromInt(50), Enabled: true},
		{Slug: "data_bundle", PercentCharge: decimal.RequireFromString("1.5"), FixedCharge: decimal.NewFromInt(25), Enabled: true},
	} {
		if err := store.SaveFeePolicy(ctx, policy); err != nil {
			test.Fatalf("save policy: %v", err)
		}
	}
	return store
}

func openWallet(test *testing.T, store *Store, balance string) topup.Wallet {
	test.Helper()
	wallet, err := store.OpenWallet(context.Background(), testUserID, testCurrencyCode, decimal.RequireFromString(balance))
	if err != nil {
		test.Fatalf("open wallet: %v", err)
	}
	return wallet
}

func balanceOf(test *testing.T, store *Store) decimal.Decimal {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), testUserID)
	if err != nil {
		test.Fatalf("get wallet: %v", err)
	}
	return wallet.Balance
}

func TestWalletAndPolicyLookups(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet := openWallet(test, store, "2000.50")
	if wallet.ID == "" || wallet.UserID != testUserID || wallet.Currency != testCurrency {
		test.Fatalf("unexpected wallet %+v", wallet)
	}
	if !wallet.Balance.Equal(decimal.RequireFromString("2000.50")) {
		test.Fatalf(errorMismatchMessage, "2000.50", wallet.Balance)
	}
	reopened := openWallet(test, store, "1")
	if reopened.ID != wallet.ID || !reopened.Balance.Equal(wallet.Balance) {
		test.Fatalf("opening an existing wallet must not reset it, got %+v", reopened)
	}

	if _, err := store.GetWallet(context.Background(), "nobody"); !errors.Is(err, topup.ErrWalletNotFound) {
		test.Fatalf(errorMismatchMessage, topup.ErrWalletNotFound, err)
	}

	policy, err := store.GetFeePolicy(context.Background(), "data_bundle")
	if err != nil {
		test.Fatalf("get policy: %v", err)
	}
	if !policy.Enabled || !policy.PercentCharge.Equal(decimal.RequireFromString("1.5")) || !policy.FixedCharge.Equal(decimal.NewFromInt(25)) {
		test.Fatalf("unexpected policy %+v", policy)
	}
	if _, err := store.GetFeePolicy(context.Background(), "cable_tv"); !errors.Is(err, topup.ErrFeePolicyNotFound) {
		test.Fatalf(errorMismatchMessage, topup.ErrFeePolicyNotFound, err)
	}
	if err := store.SaveFeePolicy(context.Background(), topup.FeePolicy{Slug: "mobile_topup", PercentCharge: decimal.NewFromInt(120)}); !errors.Is(err, topup.ErrInvalidFeePolicy) {
		test.Fatalf(errorMismatchMessage, topup.ErrInvalidFeePolicy, err)
	}
	if _, err := store.OpenWallet(context.Background(), "user-2", "XYZ", decimal.Zero); !errors.Is(err, topup.ErrConfiguration) {
		test.Fatalf("expected unknown currency to be a configuration error, got %v", err)
	}
}

func TestDebitWallet(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet := openWallet(test, store, "1500")

	testCases := []struct {
		name        string
		walletID    string
		amountMinor int64
		wantErr     error
		wantBalance string
	}{
		{name: "covered", walletID: wallet.ID, amountMinor: 107000, wantBalance: "430"},
		{name: "exceeds balance", walletID: wallet.ID, amountMinor: 43001, wantErr: topup.ErrInsufficientFunds, wantBalance: "430"},
		{name: "exact balance", walletID: wallet.ID, amountMinor: 43000, wantBalance: "0"},
		{name: "unknown wallet", walletID: "00000000-0000-0000-0000-000000000000", amountMinor: 1, wantErr: topup.ErrWalletNotFound, wantBalance: "0"},
		{name: "non positive", walletID: wallet.ID, amountMinor: 0, wantErr: topup.ErrInvalidAmount, wantBalance: "0"},
	}
	for _, testCase := range testCases {
		newBalance, err := store.DebitWallet(context.Background(), testCase.walletID, testCase.amountMinor)
		if !errors.Is(err, testCase.wantErr) {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.wantErr, err)
		}
		if testCase.wantErr == nil && !testCurrency.FromMinor(newBalance).Equal(decimal.RequireFromString(testCase.wantBalance)) {
			test.Fatalf("%s: returned balance %d", testCase.name, newBalance)
		}
		if got := balanceOf(test, store); !got.Equal(decimal.RequireFromString(testCase.wantBalance)) {
			test.Fatalf("%s: "+errorMismatchMessage, testCase.name, testCase.wantBalance, got)
		}
	}
}

func TestWithTxRollsBackDebit(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet := openWallet(test, store, "100")
	errAbort := errors.New("abort")
	err := store.WithTx(context.Background(), func(ctx context.Context, txStore topup.Store) error {
		if _, err := txStore.DebitWallet(ctx, wallet.ID, 5000); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		test.Fatalf(errorMismatchMessage, errAbort, err)
	}
	if got := balanceOf(test, store); !got.Equal(decimal.NewFromInt(100)) {
		test.Fatalf("expected rollback, balance is %s", got)
	}
}

func samplePurchase(wallet topup.Wallet, trxID string) topup.PurchaseRecord {
	return topup.PurchaseRecord{
		TrxID:        trxID,
		UserID:       wallet.UserID,
		WalletID:     wallet.ID,
		Product:      topup.ProductData,
		RecordType:   "PEYFLEX_DATA",
		Network:      "mtn_sme_data",
		MobileNumber: "08031234567",
		PlanCode:     "M1GB",
		Charges: topup.ChargeBreakdown{
			RequestedAmount:     decimal.NewFromInt(100),
			PercentChargeAmount: decimal.RequireFromString("1.5"),
			FixedChargeAmount:   decimal.NewFromInt(25),
			TotalCharge:         decimal.RequireFromString("26.5"),
			Payable:             decimal.RequireFromString("126.5"),
			ExchangeRate:        decimal.NewFromInt(1),
			Currency:            wallet.Currency,
		},
		ResultingBalance:      decimal.RequireFromString("873.5"),
		Status:                topup.StatusProcessing,
		ProviderTransactionID: "PFX-9",
		ProviderResponse:      json.RawMessage(`{"status":"PENDING","transaction_id":"PFX-9"}`),
		Remark:                "Peyflex Data Purchase Successful",
		CreatedAt:             time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestInsertAndGetPurchase(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	wallet := openWallet(test, store, "1000")
	record := samplePurchase(wallet, "DP01HX")

	transactionID, err := store.InsertPurchase(context.Background(), record)
	if err != nil || transactionID == "" {
		test.Fatalf("insert failed: %q %v", transactionID, err)
	}
	stored, err := store.GetPurchase(context.Background(), testUserID, "DP01HX")
	if err != nil {
		test.Fatalf("get failed: %v", err)
	}
	if stored.TransactionID != transactionID || stored.Product != topup.ProductData || stored.Status != topup.StatusProcessing {
		test.Fatalf("unexpected record %+v", stored)
	}
	if !stored.Charges.Payable.Equal(record.Charges.Payable) || !stored.Charges.PercentChargeAmount.Equal(record.Charges.PercentChargeAmount) {
		test.Fatalf("unexpected charges %+v", stored.Charges)
	}
	if !stored.ResultingBalance.Equal(record.ResultingBalance) || !stored.Charges.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		test.Fatalf("unexpected balance %s / rate %s", stored.ResultingBalance, stored.Charges.ExchangeRate)
	}
	if !stored.CreatedAt.Equal(record.CreatedAt) || stored.PlanCode != "M1GB" || stored.Charges.Currency != testCurrency {
		test.Fatalf("unexpected record %+v", stored)
	}
	var response map[string]string
	if err := json.Unmarshal(stored.ProviderResponse, &response); err != nil || response["transaction_id"] != "PFX-9" {
		test.Fatalf("provider response not preserved: %s", stored.ProviderResponse)
	}

	if _, err := store.InsertPurchase(context.Background(), record); !errors.Is(err, topup.ErrDuplicateTransaction) {
		test.Fatalf(errorMismatchMessage, topup.ErrDuplicateTransaction, err)
	}
	if _, err := store.GetPurchase(context.Background(), "user-2", "DP01HX"); !errors.Is(err, topup.ErrTransactionNotFound) {
		test.Fatalf("other users must not see the record, got %v", err)
	}

	tooPrecise := samplePurchase(wallet, "DP01HY")
	tooPrecise.Charges.Payable = decimal.RequireFromString("126.505")
	if _, err := store.InsertPurchase(context.Background(), tooPrecise); !errors.Is(err, topup.ErrInvalidAmount) {
		test.Fatalf(errorMismatchMessage, topup.ErrInvalidAmount, err)
	}
}

type barrierGateway struct {
	arrived *sync.WaitGroup
}

func (gateway barrierGateway) Execute(context.Context, topup.Product, topup.ProviderOrder) (topup.ProviderResult, error) {
	gateway.arrived.Done()
	gateway.arrived.Wait()
	return topup.ProviderResult{Accepted: true, Status: topup.StatusSuccessful, RawResponse: json.RawMessage(`{"status":"SUCCESSFUL"}`)}, nil
}

func TestConcurrentPurchasesNeverOverdraw(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	openWallet(test, store, "1500")

	const attempts = 6
	arrived := &sync.WaitGroup{}
	arrived.Add(attempts)
	service, err := topup.NewService(store, barrierGateway{arrived: arrived}, time.Now)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}

	var waitGroup sync.WaitGroup
	results := make(chan error, attempts)
	for index := 0; index < attempts; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Purchase(context.Background(), topup.PurchaseRequest{
				Product:      topup.ProductAirtime,
				UserID:       testUserID,
				Network:      "mtn_nigeria",
				MobileNumber: "08031234567",
				Amount:       decimal.NewFromInt(1000),
			})
			results <- err
		}()
	}
	waitGroup.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, topup.ErrInsufficientFunds):
		default:
			test.Fatalf("unexpected error %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one purchase to commit, got %d", succeeded)
	}
	if got := balanceOf(test, store); !got.Equal(decimal.NewFromInt(430)) {
		test.Fatalf(errorMismatchMessage, "430", got)
	}
	var rows int64
	if err := store.db.Model(&PurchaseTransaction{}).Count(&rows).Error; err != nil || rows != 1 {
		test.Fatalf("expected one purchase row, got %d (%v)", rows, err)
	}
}
