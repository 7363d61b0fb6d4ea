package topup

import (
	"errors"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "wallet"
	codeName         = "debit"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap to base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestRejectionMatchesKindAndCause(test *testing.T) {
	test.Parallel()
	cause := WrapError(operationName, subjectName, codeName, ErrInsufficientFunds)
	rejection := NewRejection(ErrLedgerCommit, "try again later", cause)
	if rejection.Error() != "try again later" {
		test.Fatalf("expected user-facing message, got %q", rejection.Error())
	}
	if !errors.Is(rejection, ErrLedgerCommit) || !errors.Is(rejection, ErrInsufficientFunds) {
		test.Fatalf("expected rejection to match kind and cause")
	}
	var operationError OperationError
	if !errors.As(rejection, &operationError) || operationError.Code() != codeName {
		test.Fatalf("expected operation error in chain, got %v", rejection.Cause())
	}
}

func TestRejectionFallsBackToKindMessage(test *testing.T) {
	test.Parallel()
	rejection := NewRejection(ErrValidation, "", nil)
	if rejection.Error() != ErrValidation.Error() {
		test.Fatalf("expected kind message, got %q", rejection.Error())
	}
	if len(rejection.Unwrap()) != 1 {
		test.Fatalf("expected only the kind to unwrap")
	}
}
