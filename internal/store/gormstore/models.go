package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Currency represents the currencies table.
type Currency struct {
	Code       string `gorm:"primaryKey;size:8"`
	MinorUnits int32  `gorm:"not null"`
}

func (Currency) TableName() string { return "currencies" }

// Wallet represents the wallets table.
type Wallet struct {
	WalletID     string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;uniqueIndex:idx_wallets_user"`
	CurrencyCode string    `gorm:"not null;size:8"`
	BalanceMinor int64     `gorm:"not null;check:chk_wallets_balance_non_negative,balance_minor >= 0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Wallet) TableName() string { return "wallets" }

func (wallet *Wallet) BeforeCreate(tx *gorm.DB) error {
	if wallet.WalletID == "" {
		wallet.WalletID = uuid.NewString()
	}
	return nil
}

// FeePolicy mirrors the fee_policies table.
type FeePolicy struct {
	Slug          string          `gorm:"primaryKey;size:64"`
	PercentCharge decimal.Decimal `gorm:"type:numeric(7,4);not null"`
	FixedCharge   decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	Enabled       bool            `gorm:"not null"`
	UpdatedAt     time.Time       `gorm:"not null"`
}

func (FeePolicy) TableName() string { return "fee_policies" }

// PurchaseTransaction mirrors the purchase_transactions table. Amounts are stored in minor units.
type PurchaseTransaction struct {
	TransactionID         string          `gorm:"type:uuid;primaryKey"`
	TrxID                 string          `gorm:"not null;uniqueIndex:uniq_purchase_trx_id"`
	UserID                string          `gorm:"not null;index:idx_purchase_user_created,priority:1"`
	WalletID              string          `gorm:"type:uuid;not null;index"`
	ProductType           string          `gorm:"not null;size:16"`
	RecordType            string          `gorm:"not null;size:32"`
	Network               string          `gorm:"not null"`
	MobileNumber          string          `gorm:"not null;size:16"`
	PlanCode              string          `gorm:"not null;default:''"`
	CurrencyCode          string          `gorm:"not null;size:8"`
	MinorUnits            int32           `gorm:"not null"`
	RequestedAmountMinor  int64           `gorm:"not null"`
	PercentChargeMinor    int64           `gorm:"not null"`
	FixedChargeMinor      int64           `gorm:"not null"`
	TotalChargeMinor      int64           `gorm:"not null"`
	PayableMinor          int64           `gorm:"not null"`
	ExchangeRate          decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	BalanceAfterMinor     int64           `gorm:"not null"`
	Status                string          `gorm:"not null;size:16"`
	ProviderTransactionID string          `gorm:"not null;default:''"`
	ProviderResponse      datatypes.JSON  `gorm:"not null"`
	Remark                string          `gorm:"not null;default:''"`
	CreatedAt             time.Time       `gorm:"not null;index:idx_purchase_user_created,priority:2"`
}

func (PurchaseTransaction) TableName() string { return "purchase_transactions" }

func (transaction *PurchaseTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Models lists every model for AutoMigrate.
func Models() []interface{} {
	return []interface{}{&Currency{}, &Wallet{}, &FeePolicy{}, &PurchaseTransaction{}}
}
