package topup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Service runs the purchase pipeline over a Store and a provider Gateway.
type Service struct {
	store         Store
	gateway       Gateway
	nowFn         func() time.Time
	logger        OperationLogger
	notifier      Notifier
	plans         PlanCatalog
	notifyTimeout time.Duration
	newTrxID      func(prefix string, at time.Time) string
}

// PurchaseRequest is a wallet holder's request to buy airtime or data.
type PurchaseRequest struct {
	Product      ProductType
	UserID       string
	Network      string
	MobileNumber string
	Amount       decimal.Decimal
	PlanCode     string
}

// PurchaseReceipt is returned once a purchase has been committed.
type PurchaseReceipt struct {
	TransactionID         string
	TrxID                 string
	ProviderTransactionID string
	Status                TransactionStatus
	Charges               ChargeBreakdown
	Balance               decimal.Decimal
	CreatedAt             time.Time
}

// NetworkCheck echoes a validated network and normalized mobile number.
type NetworkCheck struct {
	Product      ProductType
	Network      string
	MobileNumber string
}

// NewService wires a Service.
func NewService(store Store, gateway Gateway, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:         store,
		gateway:       gateway,
		nowFn:         now,
		notifyTimeout: defaultNotificationTimeout,
		newTrxID:      newULIDTrxID,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

type purchaseAttempt struct {
	request                PurchaseRequest
	stage                  PurchaseState
	trxID                  string
	charges                ChargeBreakdown
	record                 PurchaseRecord
	requiresReconciliation bool
}

// Purchase validates, prices and executes a purchase, then commits the debit and the record atomically.
// Once the provider has been called the attempt runs to completion even if ctx is cancelled.
func (service *Service) Purchase(ctx context.Context, request PurchaseRequest) (PurchaseReceipt, error) {
	attempt := &purchaseAttempt{request: request, stage: StateValidating}
	receipt, err := service.runPurchase(ctx, attempt)

	finalState := StateCommitted
	if err != nil {
		finalState = StateRejected
	}
	service.logOperation(ctx, OperationLog{
		Operation:              operationPurchase,
		Product:                request.Product,
		UserID:                 request.UserID,
		TrxID:                  attempt.trxID,
		Stage:                  attempt.stage,
		State:                  finalState,
		Payable:                attempt.charges.Payable,
		CurrencyCode:           attempt.charges.Currency.Code,
		TransactionStatus:      attempt.record.Status,
		RequiresReconciliation: attempt.requiresReconciliation,
		Error:                  err,
	})
	if err != nil {
		return PurchaseReceipt{}, err
	}
	service.notify(ctx, attempt.record)
	return receipt, nil
}

func (service *Service) runPurchase(ctx context.Context, attempt *purchaseAttempt) (PurchaseReceipt, error) {
	product, order, err := validatePurchaseRequest(attempt.request)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	wallet, err := service.loadWallet(ctx, attempt.request.UserID)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	charges, err := service.price(ctx, product, wallet, order.Amount)
	if err != nil {
		return PurchaseReceipt{}, err
	}
	attempt.charges = charges
	attempt.stage = StatePriced
	if err := service.checkPlanPrice(ctx, product, order); err != nil {
		return PurchaseReceipt{}, err
	}

	if charges.Payable.GreaterThan(wallet.Balance) {
		return PurchaseReceipt{}, NewRejection(ErrInsufficientFunds, messageInsufficientFunds, nil)
	}
	attempt.stage = StateBalanceChecked

	// From here on the attempt runs to completion regardless of caller cancellation.
	detachedCtx := context.WithoutCancel(ctx)
	attempt.trxID = service.newTrxID(product.TrxPrefix, service.nowFn())
	order.TrxID = attempt.trxID
	result, err := service.gateway.Execute(detachedCtx, product, order)
	attempt.stage = StateProviderCalled
	if err != nil {
		if errors.Is(err, ErrConfiguration) {
			return PurchaseReceipt{}, NewRejection(ErrConfiguration, messageServiceUnavailable, err)
		}
		return PurchaseReceipt{}, NewRejection(ErrProviderRejected, messageProviderOffline, errors.Join(ErrProviderUnreachable, err))
	}
	if !result.Accepted {
		attempt.requiresReconciliation = result.RequiresReconciliation
		return PurchaseReceipt{}, providerRejection(result)
	}

	payableMinor, err := wallet.Currency.ToMinor(charges.Payable)
	if err != nil {
		attempt.requiresReconciliation = true
		return PurchaseReceipt{}, NewRejection(ErrLedgerCommit, messageLedgerCommit, err)
	}
	status := StatusProcessing
	if result.Status == StatusSuccessful {
		status = StatusSuccessful
	}
	record := PurchaseRecord{
		TrxID:                 attempt.trxID,
		UserID:                wallet.UserID,
		WalletID:              wallet.ID,
		Product:               product.Type,
		RecordType:            product.RecordType,
		Network:               order.Network,
		MobileNumber:          order.MobileNumber,
		PlanCode:              order.PlanCode,
		Charges:               charges,
		Status:                status,
		ProviderTransactionID: result.ProviderTransactionID,
		ProviderResponse:      result.RawResponse,
		Remark:                product.Remark,
		CreatedAt:             service.nowFn().UTC(),
	}
	attempt.record = record

	commitErr := service.store.WithTx(detachedCtx, func(ctx context.Context, transactionStore Store) error {
		newBalanceMinor, err := transactionStore.DebitWallet(ctx, wallet.ID, payableMinor)
		if err != nil {
			return err
		}
		record.ResultingBalance = wallet.Currency.FromMinor(newBalanceMinor)
		transactionID, err := transactionStore.InsertPurchase(ctx, record)
		if err != nil {
			return err
		}
		record.TransactionID = transactionID
		return nil
	})
	if commitErr != nil {
		attempt.requiresReconciliation = true
		if errors.Is(commitErr, ErrInsufficientFunds) {
			return PurchaseReceipt{}, NewRejection(ErrInsufficientFunds, messageInsufficientFunds, commitErr)
		}
		return PurchaseReceipt{}, NewRejection(ErrLedgerCommit, messageLedgerCommit, commitErr)
	}
	attempt.record = record
	attempt.stage = StateCommitted

	return PurchaseReceipt{
		TransactionID:         record.TransactionID,
		TrxID:                 record.TrxID,
		ProviderTransactionID: record.ProviderTransactionID,
		Status:                record.Status,
		Charges:               charges,
		Balance:               record.ResultingBalance,
		CreatedAt:             record.CreatedAt,
	}, nil
}

// PreviewCharges prices amount for a product in the user's wallet currency without touching the ledger.
func (service *Service) PreviewCharges(ctx context.Context, productType ProductType, userID string, amount decimal.Decimal) (ChargeBreakdown, error) {
	charges, err := service.previewCharges(ctx, productType, userID, amount)
	service.logOperation(ctx, OperationLog{
		Operation:    operationPreviewCharges,
		Product:      productType,
		UserID:       userID,
		Payable:      charges.Payable,
		CurrencyCode: charges.Currency.Code,
		Error:        err,
	})
	return charges, err
}

func (service *Service) previewCharges(ctx context.Context, productType ProductType, userID string, amount decimal.Decimal) (ChargeBreakdown, error) {
	product, err := LookupProduct(productType)
	if err != nil {
		return ChargeBreakdown{}, NewRejection(ErrValidation, "unsupported product", err)
	}
	if strings.TrimSpace(userID) == "" {
		return ChargeBreakdown{}, NewRejection(ErrValidation, "user is required", nil)
	}
	if !amount.IsPositive() {
		return ChargeBreakdown{}, NewRejection(ErrValidation, "amount must be greater than zero", ErrInvalidAmount)
	}
	wallet, err := service.loadWallet(ctx, userID)
	if err != nil {
		return ChargeBreakdown{}, err
	}
	return service.price(ctx, product, wallet, amount)
}

// CheckNetwork validates a network selection and normalizes the mobile number for it.
func (service *Service) CheckNetwork(productType ProductType, network string, mobileNumber string) (NetworkCheck, error) {
	if _, err := LookupProduct(productType); err != nil {
		return NetworkCheck{}, NewRejection(ErrValidation, "unsupported product", err)
	}
	trimmedNetwork := strings.TrimSpace(network)
	if trimmedNetwork == "" {
		return NetworkCheck{}, NewRejection(ErrValidation, "network is required", nil)
	}
	normalized, err := NormalizeMobileNumber(mobileNumber)
	if err != nil {
		return NetworkCheck{}, NewRejection(ErrValidation, "invalid mobile number", err)
	}
	return NetworkCheck{Product: productType, Network: trimmedNetwork, MobileNumber: normalized}, nil
}

// Transaction returns a committed purchase owned by userID.
func (service *Service) Transaction(ctx context.Context, userID string, trxID string) (PurchaseRecord, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(trxID) == "" {
		return PurchaseRecord{}, NewRejection(ErrValidation, "transaction reference is required", nil)
	}
	return service.store.GetPurchase(ctx, strings.TrimSpace(userID), strings.TrimSpace(trxID))
}

func validatePurchaseRequest(request PurchaseRequest) (Product, ProviderOrder, error) {
	product, err := LookupProduct(request.Product)
	if err != nil {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "unsupported product", err)
	}
	if strings.TrimSpace(request.UserID) == "" {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "user is required", nil)
	}
	network := strings.TrimSpace(request.Network)
	if network == "" {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "network is required", nil)
	}
	mobileNumber, err := NormalizeMobileNumber(request.MobileNumber)
	if err != nil {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "invalid mobile number", err)
	}
	if !request.Amount.IsPositive() {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "amount must be greater than zero", ErrInvalidAmount)
	}
	planCode := strings.TrimSpace(request.PlanCode)
	if product.RequiresPlan && planCode == "" {
		return Product{}, ProviderOrder{}, NewRejection(ErrValidation, "plan code is required", nil)
	}
	if !product.RequiresPlan {
		planCode = ""
	}
	return product, ProviderOrder{
		Network:      network,
		MobileNumber: mobileNumber,
		Amount:       request.Amount,
		PlanCode:     planCode,
	}, nil
}

func (service *Service) loadWallet(ctx context.Context, userID string) (Wallet, error) {
	wallet, err := service.store.GetWallet(ctx, strings.TrimSpace(userID))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return Wallet{}, NewRejection(ErrValidation, messageWalletNotFound, err)
		}
		return Wallet{}, WrapError("service", "wallet", "lookup", err)
	}
	return wallet, nil
}

func (service *Service) price(ctx context.Context, product Product, wallet Wallet, amount decimal.Decimal) (ChargeBreakdown, error) {
	if err := wallet.Currency.CheckAmount(amount); err != nil {
		return ChargeBreakdown{}, NewRejection(ErrValidation, amountRejectionMessage(wallet.Currency, err), err)
	}
	policy, err := service.store.GetFeePolicy(ctx, product.FeeSlug)
	if err != nil {
		if errors.Is(err, ErrFeePolicyNotFound) {
			return ChargeBreakdown{}, NewRejection(ErrConfiguration, messageServiceUnavailable, err)
		}
		return ChargeBreakdown{}, WrapError("service", "fee_policy", "lookup", err)
	}
	if !policy.Enabled {
		return ChargeBreakdown{}, NewRejection(ErrConfiguration, messageServiceUnavailable, fmt.Errorf("%w: %s disabled", ErrFeePolicyNotFound, product.FeeSlug))
	}
	if err := policy.Validate(); err != nil {
		return ChargeBreakdown{}, NewRejection(ErrConfiguration, messageServiceUnavailable, err)
	}
	charges := ComputeCharges(amount, policy, wallet.Currency)
	if err := wallet.Currency.CheckAmount(charges.Payable); err != nil {
		return ChargeBreakdown{}, NewRejection(ErrValidation, amountRejectionMessage(wallet.Currency, err), err)
	}
	return charges, nil
}

// checkPlanPrice rejects data purchases whose amount differs from the listed plan price.
func (service *Service) checkPlanPrice(ctx context.Context, product Product, order ProviderOrder) error {
	if !product.RequiresPlan || service.plans == nil {
		return nil
	}
	price, err := service.plans.PlanPrice(ctx, order.Network, order.PlanCode)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return NewRejection(ErrValidation, "unknown plan code", err)
		}
		return NewRejection(ErrProviderRejected, messageProviderOffline, errors.Join(ErrProviderUnreachable, err))
	}
	if !price.Equal(order.Amount) {
		return NewRejection(ErrValidation, "amount does not match the plan price", ErrInvalidAmount)
	}
	return nil
}

func amountRejectionMessage(currency Currency, err error) string {
	if errors.Is(err, ErrAmountOutOfRange) {
		return "amount is out of range"
	}
	return fmt.Sprintf("amount allows at most %d decimal places", currency.MinorUnits)
}

func providerRejection(result ProviderResult) *Rejection {
	message := strings.TrimSpace(result.Message)
	if message == "" {
		message = messageProviderFailed
	}
	var cause error
	if result.Unreachable {
		cause = ErrProviderUnreachable
	}
	return NewRejection(ErrProviderRejected, message, cause)
}

func (service *Service) notify(ctx context.Context, record PurchaseRecord) {
	if service.notifier == nil {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), service.notifyTimeout)
	defer cancel()
	err := service.notifier.NotifyPurchase(notifyCtx, record)
	if err == nil {
		return
	}
	service.logOperation(ctx, OperationLog{
		Operation:         operationNotify,
		Product:           record.Product,
		UserID:            record.UserID,
		TrxID:             record.TrxID,
		State:             StateCommitted,
		Payable:           record.Charges.Payable,
		CurrencyCode:      record.Charges.Currency.Code,
		TransactionStatus: record.Status,
		Error:             err,
	})
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func newULIDTrxID(prefix string, at time.Time) string {
	return prefix + ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}
