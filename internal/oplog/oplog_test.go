package oplog

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogOperationLevels(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		entry     topup.OperationLog
		wantLevel zapcore.Level
	}{
		{
			name:      "committed",
			entry:     topup.OperationLog{Operation: "purchase", Product: topup.ProductAirtime, State: topup.StateCommitted, Status: "ok"},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "insufficient funds",
			entry:     topup.OperationLog{Operation: "purchase", Status: "error", Error: topup.NewRejection(topup.ErrInsufficientFunds, "insufficient balance", nil)},
			wantLevel: zapcore.InfoLevel,
		},
		{
			name:      "provider rejected",
			entry:     topup.OperationLog{Operation: "purchase", Status: "error", Error: topup.NewRejection(topup.ErrProviderRejected, "Invalid number", nil)},
			wantLevel: zapcore.WarnLevel,
		},
		{
			name:      "misconfigured",
			entry:     topup.OperationLog{Operation: "purchase", Status: "error", Error: topup.NewRejection(topup.ErrConfiguration, "service temporarily unavailable", nil)},
			wantLevel: zapcore.ErrorLevel,
		},
		{
			name:      "unexpected store failure",
			entry:     topup.OperationLog{Operation: "preview_charges", Status: "error", Error: errors.New("connection reset")},
			wantLevel: zapcore.ErrorLevel,
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			core, logs := observer.New(zapcore.DebugLevel)
			New(zap.New(core)).LogOperation(context.Background(), testCase.entry)
			entries := logs.All()
			if len(entries) != 1 {
				test.Fatalf("expected one entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel {
				test.Fatalf("expected %s, got %s", testCase.wantLevel, entries[0].Level)
			}
		})
	}
}

func TestLogOperationFlagsReconciliation(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	commitErr := topup.NewRejection(topup.ErrLedgerCommit, "purchase could not be completed, please contact support", errors.New("disk full"))
	New(zap.New(core)).LogOperation(context.Background(), topup.OperationLog{
		Operation:              "purchase",
		Product:                topup.ProductData,
		UserID:                 "user-1",
		TrxID:                  "DP01HX",
		Stage:                  topup.StateProviderCalled,
		State:                  topup.StateRejected,
		Payable:                decimal.RequireFromString("126.50"),
		CurrencyCode:           "NGN",
		RequiresReconciliation: true,
		Status:                 "error",
		Error:                  commitErr,
	})
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		test.Fatalf("expected one error entry, got %+v", entries)
	}
	fields := entries[0].ContextMap()
	if fields["requires_reconciliation"] != true || fields["trx_id"] != "DP01HX" || fields["stage"] != "PROVIDER_CALLED" {
		test.Fatalf("unexpected fields %+v", fields)
	}
	if fields["rejection"] != topup.ErrLedgerCommit.Error() || fields["cause"] != "disk full" || fields["payable"] != "126.5" {
		test.Fatalf("unexpected fields %+v", fields)
	}
}

func TestNewWithNilLogger(test *testing.T) {
	test.Parallel()
	New(nil).LogOperation(context.Background(), topup.OperationLog{Operation: "purchase", Status: "ok"})
}
