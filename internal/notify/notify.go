package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// DefaultChannel is the Redis channel purchase events are published on.
	DefaultChannel = "topup_events"

	EventPurchaseCompleted = "topup.purchase.completed"

	channelRedis = "redis"
	channelLog   = "log"

	resultSent  = "sent"
	resultError = "error"
)

// PurchaseEvent is the payload published after a purchase commits.
type PurchaseEvent struct {
	EventType             string    `json:"event_type"`
	TransactionID         string    `json:"transaction_id"`
	TrxID                 string    `json:"trx_id"`
	UserID                string    `json:"user_id"`
	Product               string    `json:"product"`
	Network               string    `json:"network"`
	MobileNumber          string    `json:"mobile_number"`
	PlanCode              string    `json:"plan_code,omitempty"`
	Amount                string    `json:"amount"`
	TotalCharge           string    `json:"total_charge"`
	Payable               string    `json:"payable"`
	BalanceAfter          string    `json:"balance_after"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	ProviderTransactionID string    `json:"provider_transaction_id,omitempty"`
	Remark                string    `json:"remark"`
	CreatedAt             time.Time `json:"created_at"`
}

// NewPurchaseEvent renders a committed record as an event. Amounts keep the currency's fixed precision.
func NewPurchaseEvent(record topup.PurchaseRecord) PurchaseEvent {
	places := record.Charges.Currency.MinorUnits
	return PurchaseEvent{
		EventType:             EventPurchaseCompleted,
		TransactionID:         record.TransactionID,
		TrxID:                 record.TrxID,
		UserID:                record.UserID,
		Product:               string(record.Product),
		Network:               record.Network,
		MobileNumber:          record.MobileNumber,
		PlanCode:              record.PlanCode,
		Amount:                record.Charges.RequestedAmount.StringFixed(places),
		TotalCharge:           record.Charges.TotalCharge.StringFixed(places),
		Payable:               record.Charges.Payable.StringFixed(places),
		BalanceAfter:          record.ResultingBalance.StringFixed(places),
		Currency:              record.Charges.Currency.Code,
		Status:                record.Status.String(),
		ProviderTransactionID: record.ProviderTransactionID,
		Remark:                record.Remark,
		CreatedAt:             record.CreatedAt.UTC(),
	}
}

// Publisher is the subset of a Redis client used for pub/sub.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes purchase events on a Redis channel.
type RedisNotifier struct {
	client  Publisher
	channel string
	logger  *zap.Logger
}

var _ topup.Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier returns a notifier publishing on channel (DefaultChannel when empty).
func NewRedisNotifier(client Publisher, channel string, logger *zap.Logger) (*RedisNotifier, error) {
	if client == nil {
		return nil, errors.New("notify: redis client is nil")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}, nil
}

func (notifier *RedisNotifier) NotifyPurchase(ctx context.Context, record topup.PurchaseRecord) error {
	payload, err := json.Marshal(NewPurchaseEvent(record))
	if err != nil {
		metrics.IncNotification(channelRedis, resultError)
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := notifier.client.Publish(ctx, notifier.channel, payload).Err(); err != nil {
		metrics.IncNotification(channelRedis, resultError)
		return fmt.Errorf("notify: publish event: %w", err)
	}
	metrics.IncNotification(channelRedis, resultSent)
	notifier.logger.Debug("purchase event published",
		zap.String("channel", notifier.channel),
		zap.String("trx_id", record.TrxID),
	)
	return nil
}

// LogNotifier writes purchase events to the structured log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (notifier *LogNotifier) NotifyPurchase(_ context.Context, record topup.PurchaseRecord) error {
	event := NewPurchaseEvent(record)
	notifier.logger.Info("purchase completed",
		zap.String("trx_id", event.TrxID),
		zap.String("user_id", event.UserID),
		zap.String("product", event.Product),
		zap.String("payable", event.Payable),
		zap.String("currency", event.Currency),
		zap.String("status", event.Status),
	)
	metrics.IncNotification(channelLog, resultSent)
	return nil
}

// Multi delivers to every notifier and joins their failures.
type Multi []topup.Notifier

func (notifiers Multi) NotifyPurchase(ctx context.Context, record topup.PurchaseRecord) error {
	var errs []error
	for _, notifier := range notifiers {
		if notifier == nil {
			continue
		}
		if err := notifier.NotifyPurchase(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
