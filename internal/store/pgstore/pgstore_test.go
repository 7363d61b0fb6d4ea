package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const postgresDSNEnv = "TOPUP_TEST_POSTGRES_DSN"

var testCurrency = topup.Currency{Code: "NGN", MinorUnits: 2}

func TestIsDuplicateTrxID(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "trx id violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintPurchaseTrxID}), want: true},
		{name: "other unique violation", err: &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: "wallets_user_id_key"}, want: false},
		{name: "other error", err: errors.New("boom"), want: false},
	}
	for _, testCase := range testCases {
		if got := isDuplicateTrxID(testCase.err); got != testCase.want {
			test.Fatalf("%s: expected %v, got %v", testCase.name, testCase.want, got)
		}
	}
}

func TestMinorAmounts(test *testing.T) {
	test.Parallel()
	record := topup.PurchaseRecord{
		Charges: topup.ChargeBreakdown{
			RequestedAmount:     decimal.NewFromInt(1000),
			PercentChargeAmount: decimal.NewFromInt(20),
			FixedChargeAmount:   decimal.NewFromInt(50),
			TotalCharge:         decimal.NewFromInt(70),
			Payable:             decimal.NewFromInt(1070),
			Currency:            testCurrency,
		},
		ResultingBalance: decimal.RequireFromString("930.25"),
	}
	amounts, err := minorAmounts(record)
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	want := purchaseAmounts{requested: 100000, percent: 2000, fixed: 5000, total: 7000, payable: 107000, balanceAfter: 93025}
	if amounts != want {
		test.Fatalf("expected %+v, got %+v", want, amounts)
	}
	record.Charges.Payable = decimal.RequireFromString("1070.001")
	if _, err := minorAmounts(record); !errors.Is(err, topup.ErrInvalidAmount) {
		test.Fatalf("expected invalid amount, got %v", err)
	}
	record.Charges.Currency = topup.Currency{}
	if _, err := minorAmounts(record); !errors.Is(err, topup.ErrInvalidAmount) {
		test.Fatalf("expected missing currency to be rejected, got %v", err)
	}
}

// TestStoreAgainstPostgres runs only when a disposable database is provided.
func TestStoreAgainstPostgres(test *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		test.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	test.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		test.Fatalf("schema: %v", err)
	}
	userID := fmt.Sprintf("pgstore-%d", time.Now().UnixNano())
	if _, err := pool.Exec(ctx, `insert into currencies(code, minor_units) values ('NGN', 2) on conflict (code) do nothing`); err != nil {
		test.Fatalf("seed currency: %v", err)
	}
	if _, err := pool.Exec(ctx, `insert into fee_policies(slug, percent_charge, fixed_charge, enabled) values ('mobile_topup', 2, 50, true) on conflict (slug) do update set percent_charge = 2, fixed_charge = 50, enabled = true`); err != nil {
		test.Fatalf("seed policy: %v", err)
	}
	if _, err := pool.Exec(ctx, `insert into wallets(user_id, currency_code, balance_minor) values ($1, 'NGN', 200000)`, userID); err != nil {
		test.Fatalf("seed wallet: %v", err)
	}

	store := New(pool)
	wallet, err := store.GetWallet(ctx, userID)
	if err != nil || !wallet.Balance.Equal(decimal.NewFromInt(2000)) {
		test.Fatalf("unexpected wallet %+v (%v)", wallet, err)
	}
	policy, err := store.GetFeePolicy(ctx, "mobile_topup")
	if err != nil || !policy.PercentCharge.Equal(decimal.NewFromInt(2)) {
		test.Fatalf("unexpected policy %+v (%v)", policy, err)
	}
	charges := topup.ComputeCharges(decimal.NewFromInt(1000), policy, wallet.Currency)
	trxID := "AT" + userID
	err = store.WithTx(ctx, func(ctx context.Context, txStore topup.Store) error {
		balance, err := txStore.DebitWallet(ctx, wallet.ID, 107000)
		if err != nil {
			return err
		}
		_, err = txStore.InsertPurchase(ctx, topup.PurchaseRecord{
			TrxID:            trxID,
			UserID:           userID,
			WalletID:         wallet.ID,
			Product:          topup.ProductAirtime,
			RecordType:       "PEYFLEX_AIRTIME",
			Network:          "mtn_nigeria",
			MobileNumber:     "08031234567",
			Charges:          charges,
			ResultingBalance: wallet.Currency.FromMinor(balance),
			Status:           topup.StatusSuccessful,
			ProviderResponse: []byte(`{"status":"SUCCESSFUL"}`),
			CreatedAt:        time.Now(),
		})
		return err
	})
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	record, err := store.GetPurchase(ctx, userID, trxID)
	if err != nil || !record.ResultingBalance.Equal(decimal.NewFromInt(930)) || !record.Charges.Payable.Equal(decimal.NewFromInt(1070)) {
		test.Fatalf("unexpected record %+v (%v)", record, err)
	}
	if _, err := store.DebitWallet(ctx, wallet.ID, 100000); !errors.Is(err, topup.ErrInsufficientFunds) {
		test.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := store.InsertPurchase(ctx, record); !errors.Is(err, topup.ErrDuplicateTransaction) {
		test.Fatalf("expected duplicate, got %v", err)
	}
}
