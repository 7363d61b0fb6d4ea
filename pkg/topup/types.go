package topup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductType identifies a purchasable vertical.
type ProductType string

const (
	ProductAirtime ProductType = "AIRTIME"
	ProductData    ProductType = "DATA"
)

// ParseProductType validates a raw product name.
func ParseProductType(raw string) (ProductType, error) {
	switch ProductType(strings.ToUpper(strings.TrimSpace(raw))) {
	case ProductAirtime:
		return ProductAirtime, nil
	case ProductData:
		return ProductData, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProduct, raw)
	}
}

// Product holds everything that differs between the airtime and data verticals.
type Product struct {
	Type         ProductType
	FeeSlug      string
	TrxPrefix    string
	RecordType   string
	Remark       string
	RequiresPlan bool
}

var (
	Airtime = Product{
		Type:       ProductAirtime,
		FeeSlug:    feeSlugMobileTopup,
		TrxPrefix:  trxPrefixAirtime,
		RecordType: recordTypeAirtime,
		Remark:     remarkAirtime,
	}
	DataBundle = Product{
		Type:         ProductData,
		FeeSlug:      feeSlugDataBundle,
		TrxPrefix:    trxPrefixData,
		RecordType:   recordTypeData,
		Remark:       remarkData,
		RequiresPlan: true,
	}
)

// LookupProduct returns the descriptor for a product type.
func LookupProduct(productType ProductType) (Product, error) {
	switch productType {
	case ProductAirtime:
		return Airtime, nil
	case ProductData:
		return DataBundle, nil
	default:
		return Product{}, fmt.Errorf("%w: %q", ErrUnknownProduct, productType)
	}
}

// Currency describes the wallet currency and its minor-unit precision.
type Currency struct {
	Code       string
	MinorUnits int32
}

// Fits reports whether amount has no more fractional digits than the currency allows.
func (currency Currency) Fits(amount decimal.Decimal) bool {
	return amount.Equal(amount.Truncate(currency.MinorUnits))
}

// CheckAmount reports whether amount is representable in int64 minor units of the currency.
// The magnitude is bounded from the exponent and digit count alone, before any arithmetic.
func (currency Currency) CheckAmount(amount decimal.Decimal) error {
	exponent := int64(amount.Exponent())
	if exponent < -maxAmountScale || exponent > maxAmountDigits {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, ErrAmountOutOfRange)
	}
	if !amount.IsZero() && int64(amount.NumDigits())+exponent+int64(currency.MinorUnits) > maxAmountDigits {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, ErrAmountOutOfRange)
	}
	if !currency.Fits(amount) {
		return fmt.Errorf("%w: %s exceeds %d decimal places", ErrInvalidAmount, amount.String(), currency.MinorUnits)
	}
	return nil
}

// ToMinor converts an amount into integer minor units.
func (currency Currency) ToMinor(amount decimal.Decimal) (int64, error) {
	if err := currency.CheckAmount(amount); err != nil {
		return 0, err
	}
	return amount.Shift(currency.MinorUnits).IntPart(), nil
}

// FromMinor converts integer minor units back into a decimal amount.
func (currency Currency) FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -currency.MinorUnits)
}

// Wallet is the balance-holding account of a user.
type Wallet struct {
	ID       string
	UserID   string
	Balance  decimal.Decimal
	Currency Currency
}

// FeePolicy is the administrator-configured charge rule for a product slug.
type FeePolicy struct {
	Slug          string
	PercentCharge decimal.Decimal
	FixedCharge   decimal.Decimal
	Enabled       bool
}

var hundred = decimal.NewFromInt(100)

// Validate checks the policy bounds.
func (policy FeePolicy) Validate() error {
	if policy.PercentCharge.IsNegative() || policy.PercentCharge.GreaterThan(hundred) {
		return fmt.Errorf("%w: percent charge %s out of range", ErrInvalidFeePolicy, policy.PercentCharge.String())
	}
	if policy.FixedCharge.IsNegative() {
		return fmt.Errorf("%w: negative fixed charge", ErrInvalidFeePolicy)
	}
	return nil
}

// ChargeBreakdown is the computed pricing of a single purchase.
type ChargeBreakdown struct {
	RequestedAmount     decimal.Decimal
	PercentChargeAmount decimal.Decimal
	FixedChargeAmount   decimal.Decimal
	TotalCharge         decimal.Decimal
	Payable             decimal.Decimal
	ExchangeRate        decimal.Decimal
	Currency            Currency
}

// TransactionStatus is the lifecycle state of a recorded purchase.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "PENDING"
	StatusProcessing TransactionStatus = "PROCESSING"
	StatusSuccessful TransactionStatus = "SUCCESSFUL"
	StatusFailed     TransactionStatus = "FAILED"
	StatusRefunded   TransactionStatus = "REFUNDED"
)

// ParseTransactionStatus validates a stored or provider-reported status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch TransactionStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusSuccessful:
		return StatusSuccessful, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusRefunded:
		return StatusRefunded, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored representation.
func (status TransactionStatus) String() string {
	return string(status)
}

// PurchaseState names a step of the purchase state machine.
type PurchaseState string

const (
	StateValidating     PurchaseState = "VALIDATING"
	StatePriced         PurchaseState = "PRICED"
	StateBalanceChecked PurchaseState = "BALANCE_CHECKED"
	StateProviderCalled PurchaseState = "PROVIDER_CALLED"
	StateCommitted      PurchaseState = "COMMITTED"
	StateRejected       PurchaseState = "REJECTED"
)

// PurchaseRecord is the persisted evidence of a provider-accepted purchase.
type PurchaseRecord struct {
	TransactionID         string
	TrxID                 string
	UserID                string
	WalletID              string
	Product               ProductType
	RecordType            string
	Network               string
	MobileNumber          string
	PlanCode              string
	Charges               ChargeBreakdown
	ResultingBalance      decimal.Decimal
	Status                TransactionStatus
	ProviderTransactionID string
	ProviderResponse      json.RawMessage
	Remark                string
	CreatedAt             time.Time
}

// ProviderOrder is what the gateway sends upstream for one purchase.
type ProviderOrder struct {
	TrxID        string
	Network      string
	MobileNumber string
	Amount       decimal.Decimal
	PlanCode     string
}

// ProviderResult is the normalized outcome of a provider purchase call.
// RequiresReconciliation marks answers that could not be read in full, so the upstream outcome is unknown.
type ProviderResult struct {
	Accepted               bool
	Unreachable            bool
	RequiresReconciliation bool
	Status                TransactionStatus
	ProviderTransactionID string
	Message               string
	RawResponse           json.RawMessage
}

// Store persists wallets, fee policies and purchase records.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetWallet(ctx context.Context, userID string) (Wallet, error)
	GetFeePolicy(ctx context.Context, slug string) (FeePolicy, error)
	// DebitWallet subtracts amountMinor only when the balance covers it and returns the new balance in minor units.
	DebitWallet(ctx context.Context, walletID string, amountMinor int64) (int64, error)
	InsertPurchase(ctx context.Context, record PurchaseRecord) (string, error)
	GetPurchase(ctx context.Context, userID string, trxID string) (PurchaseRecord, error)
}

// Gateway executes purchases against the upstream topup provider.
type Gateway interface {
	Execute(ctx context.Context, product Product, order ProviderOrder) (ProviderResult, error)
}

// PlanCatalog resolves the listed price of a data plan on a network.
// It returns ErrPlanNotFound when the network does not offer planCode.
type PlanCatalog interface {
	PlanPrice(ctx context.Context, network string, planCode string) (decimal.Decimal, error)
}

// Notifier delivers post-commit purchase notifications.
type Notifier interface {
	NotifyPurchase(ctx context.Context, record PurchaseRecord) error
}

// NormalizeMobileNumber strips everything but ASCII digits and enforces the allowed length.
func NormalizeMobileNumber(raw string) (string, error) {
	var builder strings.Builder
	for _, character := range raw {
		if character >= '0' && character <= '9' {
			builder.WriteRune(character)
		}
	}
	normalized := builder.String()
	if len(normalized) < minMobileNumberLength || len(normalized) > maxMobileNumberLength {
		return "", fmt.Errorf("%w: expected %d to %d digits", ErrInvalidMobileNumber, minMobileNumberLength, maxMobileNumberLength)
	}
	return normalized, nil
}
