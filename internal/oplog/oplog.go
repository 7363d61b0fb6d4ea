package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Recorder writes every service operation to zap and counts it in Prometheus.
type Recorder struct {
	logger *zap.Logger
}

var _ topup.OperationLogger = (*Recorder)(nil)

// New returns a Recorder. A nil logger discards log output but still counts.
func New(logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger}
}

func (recorder *Recorder) LogOperation(_ context.Context, entry topup.OperationLog) {
	metrics.IncOperation(entry.Operation, string(entry.Product), string(entry.State), entry.Status)
	if entry.RequiresReconciliation {
		metrics.IncReconciliationRequired(string(entry.Product))
	}

	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("product", string(entry.Product)),
		zap.String("user_id", entry.UserID),
		zap.String("status", entry.Status),
	}
	if entry.TrxID != "" {
		fields = append(fields, zap.String("trx_id", entry.TrxID))
	}
	if entry.Stage != "" {
		fields = append(fields, zap.String("stage", string(entry.Stage)))
	}
	if entry.State != "" {
		fields = append(fields, zap.String("state", string(entry.State)))
	}
	if !entry.Payable.IsZero() {
		fields = append(fields, zap.String("payable", entry.Payable.String()), zap.String("currency", entry.CurrencyCode))
	}
	if entry.TransactionStatus != "" {
		fields = append(fields, zap.String("transaction_status", entry.TransactionStatus.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		var rejection *topup.Rejection
		if errors.As(entry.Error, &rejection) {
			fields = append(fields, zap.String("rejection", rejectionKind(rejection)))
			if cause := rejection.Cause(); cause != nil {
				fields = append(fields, zap.String("cause", cause.Error()))
			}
		}
	}
	if entry.RequiresReconciliation {
		fields = append(fields, zap.Bool("requires_reconciliation", true))
	}

	recorder.logger.Log(levelFor(entry), "topup operation", fields...)
}

func levelFor(entry topup.OperationLog) zapcore.Level {
	switch {
	case entry.RequiresReconciliation:
		return zapcore.ErrorLevel
	case entry.Error == nil:
		return zapcore.InfoLevel
	}
	var rejection *topup.Rejection
	if !errors.As(entry.Error, &rejection) {
		return zapcore.ErrorLevel
	}
	switch {
	case errors.Is(rejection, topup.ErrConfiguration), errors.Is(rejection, topup.ErrLedgerCommit):
		return zapcore.ErrorLevel
	case errors.Is(rejection, topup.ErrProviderRejected):
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func rejectionKind(rejection *topup.Rejection) string {
	if rejection.Kind == nil {
		return ""
	}
	return rejection.Kind.Error()
}
