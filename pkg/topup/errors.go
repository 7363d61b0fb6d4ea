package topup

import (
	"errors"
	"fmt"
)

// Rejection kinds and store-level error values returned by the topup service.
var (
	ErrValidation           = errors.New("validation failed")
	ErrConfiguration        = errors.New("service misconfigured")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrProviderRejected     = errors.New("provider rejected")
	ErrProviderUnreachable  = errors.New("provider unreachable")
	ErrLedgerCommit         = errors.New("ledger commit failed")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrFeePolicyNotFound    = errors.New("fee policy not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrPlanNotFound         = errors.New("plan not found")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrUnknownProduct       = errors.New("unknown product")
	ErrInvalidMobileNumber  = errors.New("invalid mobile number")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrAmountOutOfRange     = errors.New("amount out of range")
	ErrInvalidFeePolicy     = errors.New("invalid fee policy")
	ErrInvalidStatus        = errors.New("invalid transaction status")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// Rejection is returned by Purchase when an attempt stops before or during commit.
// Message is safe to show to the wallet holder; Kind is one of the rejection sentinels.
type Rejection struct {
	Kind    error
	Message string
	cause   error
}

// NewRejection builds a Rejection carrying an optional underlying cause.
func NewRejection(kind error, message string, cause error) *Rejection {
	return &Rejection{Kind: kind, Message: message, cause: cause}
}

// Error returns the user-facing message.
func (rejection *Rejection) Error() string {
	if rejection.Message == "" && rejection.Kind != nil {
		return rejection.Kind.Error()
	}
	return rejection.Message
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (rejection *Rejection) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if rejection.Kind != nil {
		unwrapped = append(unwrapped, rejection.Kind)
	}
	if rejection.cause != nil {
		unwrapped = append(unwrapped, rejection.cause)
	}
	return unwrapped
}

// Cause returns the underlying failure, if any.
func (rejection *Rejection) Cause() error {
	return rejection.cause
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
