package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingPublisher struct {
	channel string
	payload []byte
	err     error
}

func (publisher *recordingPublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	publisher.channel = channel
	publisher.payload, _ = message.([]byte)
	return redis.NewIntResult(1, publisher.err)
}

type failingNotifier struct{ err error }

func (notifier failingNotifier) NotifyPurchase(context.Context, topup.PurchaseRecord) error {
	return notifier.err
}

func sampleRecord() topup.PurchaseRecord {
	currency := topup.Currency{Code: "NGN", MinorUnits: 2}
	return topup.PurchaseRecord{
		TransactionID: "0b7e2c1a-0000-4000-8000-000000000001",
		TrxID:         "AT01HXTEST",
		UserID:        "user-1",
		Product:       topup.ProductAirtime,
		Network:       "mtn_nigeria",
		MobileNumber:  "08031234567",
		Charges: topup.ChargeBreakdown{
			RequestedAmount: decimal.NewFromInt(1000),
			TotalCharge:     decimal.NewFromInt(70),
			Payable:         decimal.NewFromInt(1070),
			Currency:        currency,
		},
		ResultingBalance: decimal.NewFromInt(930),
		Status:           topup.StatusSuccessful,
		Remark:           "Peyflex Airtime Purchase Successful",
		CreatedAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRedisNotifierPublishesEvent(test *testing.T) {
	test.Parallel()
	publisher := &recordingPublisher{}
	notifier, err := NewRedisNotifier(publisher, "", nil)
	if err != nil {
		test.Fatalf("init failed: %v", err)
	}
	if err := notifier.NotifyPurchase(context.Background(), sampleRecord()); err != nil {
		test.Fatalf("notify failed: %v", err)
	}
	if publisher.channel != DefaultChannel {
		test.Fatalf("unexpected channel %q", publisher.channel)
	}
	var event PurchaseEvent
	if err := json.Unmarshal(publisher.payload, &event); err != nil {
		test.Fatalf("payload is not an event: %v", err)
	}
	if event.EventType != EventPurchaseCompleted || event.TrxID != "AT01HXTEST" || event.Payable != "1070.00" || event.BalanceAfter != "930.00" {
		test.Fatalf("unexpected event %+v", event)
	}
	if event.PlanCode != "" || event.Status != "SUCCESSFUL" || event.Currency != "NGN" {
		test.Fatalf("unexpected event %+v", event)
	}
}

func TestRedisNotifierReportsPublishFailure(test *testing.T) {
	test.Parallel()
	errOffline := errors.New("connection refused")
	notifier, _ := NewRedisNotifier(&recordingPublisher{err: errOffline}, "custom", nil)
	if err := notifier.NotifyPurchase(context.Background(), sampleRecord()); !errors.Is(err, errOffline) {
		test.Fatalf("expected publish error, got %v", err)
	}
	if _, err := NewRedisNotifier(nil, "", nil); err == nil {
		test.Fatalf("expected error for nil client")
	}
}

func TestLogNotifierWritesEntry(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zap.InfoLevel)
	notifier := NewLogNotifier(zap.New(core))
	if err := notifier.NotifyPurchase(context.Background(), sampleRecord()); err != nil {
		test.Fatalf("notify failed: %v", err)
	}
	entries := logs.FilterMessage("purchase completed").All()
	if len(entries) != 1 {
		test.Fatalf("expected one entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["trx_id"]; got != "AT01HXTEST" {
		test.Fatalf("unexpected trx_id field %v", got)
	}
}

func TestMultiJoinsFailures(test *testing.T) {
	test.Parallel()
	errFirst := errors.New("first")
	errSecond := errors.New("second")
	publisher := &recordingPublisher{}
	redisNotifier, _ := NewRedisNotifier(publisher, "", nil)
	multi := Multi{failingNotifier{err: errFirst}, nil, redisNotifier, failingNotifier{err: errSecond}}
	err := multi.NotifyPurchase(context.Background(), sampleRecord())
	if !errors.Is(err, errFirst) || !errors.Is(err, errSecond) {
		test.Fatalf("expected joined errors, got %v", err)
	}
	if publisher.payload == nil {
		test.Fatalf("a failing notifier must not stop the others")
	}
	if err := (Multi{NewLogNotifier(nil)}).NotifyPurchase(context.Background(), sampleRecord()); err != nil {
		test.Fatalf("expected success, got %v", err)
	}
}
