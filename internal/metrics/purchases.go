package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		operationsTotal,
		reconciliationRequiredTotal,
		notificationsTotal,
	)
}

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "topup_operations_total",
			Help: "Purchase pipeline operations by operation, product, final state and status.",
		},
		[]string{"operation", "product", "state", "status"},
	)

	reconciliationRequiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconciliation_required_total",
			Help: "Provider-accepted purchases whose ledger commit failed.",
		},
		[]string{"product"},
	)

	// result: sent|error
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Post-commit purchase notifications by channel and result.",
		},
		[]string{"channel", "result"},
	)
)

// IncOperation counts one finished service operation.
func IncOperation(operation, product, state, status string) {
	operationsTotal.WithLabelValues(norm(operation), norm(product), norm(state), norm(status)).Inc()
}

// IncReconciliationRequired counts one purchase that needs manual reconciliation.
func IncReconciliationRequired(product string) {
	reconciliationRequiredTotal.WithLabelValues(norm(product)).Inc()
}

// IncNotification counts one notification delivery attempt.
func IncNotification(channel, result string) {
	notificationsTotal.WithLabelValues(norm(channel), norm(result)).Inc()
}
