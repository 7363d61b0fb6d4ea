package topup

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes one purchase-pipeline operation.
type OperationLog struct {
	Operation              string
	Product                ProductType
	UserID                 string
	TrxID                  string
	Stage                  PurchaseState
	State                  PurchaseState
	Payable                decimal.Decimal
	CurrencyCode           string
	TransactionStatus      TransactionStatus
	RequiresReconciliation bool
	Status                 string
	Error                  error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the post-commit notification channel.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithNotificationTimeout bounds each post-commit notification attempt.
func WithNotificationTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		if timeout > 0 {
			service.notifyTimeout = timeout
		}
	}
}

// WithTrxIDGenerator replaces the default prefix+ULID transaction reference generator.
func WithTrxIDGenerator(generator func(prefix string, at time.Time) string) ServiceOption {
	return func(service *Service) {
		if generator != nil {
			service.newTrxID = generator
		}
	}
}

// WithPlanCatalog checks data purchase amounts against the listed plan price.
func WithPlanCatalog(plans PlanCatalog) ServiceOption {
	return func(service *Service) {
		service.plans = plans
	}
}
