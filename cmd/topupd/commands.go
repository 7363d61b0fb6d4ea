package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/MarkoPoloResearchLab/topup/internal/config"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagProduct        = "product"
	flagAmount         = "amount"
	flagPercentCharge  = "percent-charge"
	flagFixedCharge    = "fixed-charge"
	flagCurrency       = "currency"
	flagMinorUnits     = "minor-units"
	flagFeePolicy      = "fee-policy"
	flagUserID         = "user-id"
	flagOpeningBalance = "opening-balance"
	defaultCurrency    = "NGN"
	defaultMinorUnits  = 2
)

type chargesOutput struct {
	Product         string `json:"product"`
	RequestedAmount string `json:"requested_amount"`
	PercentCharge   string `json:"percent_charge"`
	FixedCharge     string `json:"fixed_charge"`
	TotalCharge     string `json:"total_charge"`
	Payable         string `json:"payable"`
	Currency        string `json:"currency"`
}

func newChargesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Preview the fees of a purchase without touching any wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, []string{flagProduct, flagAmount, flagPercentCharge, flagFixedCharge, flagCurrency, flagMinorUnits})
			if err != nil {
				return err
			}
			product, err := topup.ParseProductType(v.GetString(flagProduct))
			if err != nil {
				return err
			}
			amount, err := parseDecimalFlag(flagAmount, v.GetString(flagAmount))
			if err != nil {
				return err
			}
			percentCharge, err := parseDecimalFlag(flagPercentCharge, v.GetString(flagPercentCharge))
			if err != nil {
				return err
			}
			fixedCharge, err := parseDecimalFlag(flagFixedCharge, v.GetString(flagFixedCharge))
			if err != nil {
				return err
			}
			currency := topup.Currency{Code: strings.ToUpper(strings.TrimSpace(v.GetString(flagCurrency))), MinorUnits: v.GetInt32(flagMinorUnits)}
			return previewCharges(cmd.OutOrStdout(), product, amount, topup.FeePolicy{PercentCharge: percentCharge, FixedCharge: fixedCharge, Enabled: true}, currency)
		},
	}
	cmd.Flags().String(flagProduct, string(topup.ProductAirtime), "product: airtime or data")
	cmd.Flags().String(flagAmount, "", "purchase amount (required)")
	cmd.Flags().String(flagPercentCharge, "0", "percent charge applied to the amount")
	cmd.Flags().String(flagFixedCharge, "0", "fixed charge added to every purchase")
	cmd.Flags().String(flagCurrency, defaultCurrency, "wallet currency code")
	cmd.Flags().Int32(flagMinorUnits, defaultMinorUnits, "currency minor units")
	return cmd
}

func previewCharges(out io.Writer, product topup.ProductType, amount decimal.Decimal, policy topup.FeePolicy, currency topup.Currency) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", topup.ErrInvalidAmount)
	}
	if err := currency.CheckAmount(amount); err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	charges := topup.ComputeCharges(amount, policy, currency)
	places := currency.MinorUnits
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(chargesOutput{
		Product:         string(product),
		RequestedAmount: charges.RequestedAmount.StringFixed(places),
		PercentCharge:   charges.PercentChargeAmount.StringFixed(places),
		FixedCharge:     charges.FixedChargeAmount.StringFixed(places),
		TotalCharge:     charges.TotalCharge.StringFixed(places),
		Payable:         charges.Payable.StringFixed(places),
		Currency:        currency.Code,
	})
}

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Register a currency and fee policies, and optionally open a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd, []string{flagDatabaseURL, flagStoreDriver, flagDevelopment, flagCurrency, flagMinorUnits, flagFeePolicy, flagUserID, flagOpeningBalance})
			if err != nil {
				return err
			}
			policies, err := parseFeePolicies(v.GetStringSlice(flagFeePolicy))
			if err != nil {
				return err
			}
			openingBalance, err := parseDecimalFlag(flagOpeningBalance, v.GetString(flagOpeningBalance))
			if err != nil {
				return err
			}
			storeDriver := strings.ToLower(strings.TrimSpace(v.GetString(flagStoreDriver)))
			if storeDriver != config.StoreDriverGorm && storeDriver != config.StoreDriverPgx {
				return fmt.Errorf("unsupported store driver %q", storeDriver)
			}
			logger, err := newLogger(v.GetBool(flagDevelopment))
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			store, cleanup, err := openGormStore(cmd.Context(), strings.TrimSpace(v.GetString(flagDatabaseURL)), storeDriver)
			if err != nil {
				return err
			}
			defer cleanup()
			return seed(cmd.Context(), store, logger, seedPlan{
				currency:       topup.Currency{Code: strings.ToUpper(strings.TrimSpace(v.GetString(flagCurrency))), MinorUnits: v.GetInt32(flagMinorUnits)},
				policies:       policies,
				userID:         strings.TrimSpace(v.GetString(flagUserID)),
				openingBalance: openingBalance,
			})
		},
	}
	cmd.Flags().String(flagCurrency, defaultCurrency, "wallet currency code")
	cmd.Flags().Int32(flagMinorUnits, defaultMinorUnits, "currency minor units")
	cmd.Flags().StringSlice(flagFeePolicy, []string{
		topup.Airtime.FeeSlug + "=0:0",
		topup.DataBundle.FeeSlug + "=0:0",
	}, "fee policies as slug=percent:fixed")
	cmd.Flags().String(flagUserID, "", "open a wallet for this user")
	cmd.Flags().String(flagOpeningBalance, "0", "opening balance of the new wallet")
	return cmd
}

type seedPlan struct {
	currency       topup.Currency
	policies       []topup.FeePolicy
	userID         string
	openingBalance decimal.Decimal
}

type seedStore interface {
	SaveCurrency(ctx context.Context, currency topup.Currency) error
	SaveFeePolicy(ctx context.Context, policy topup.FeePolicy) error
	OpenWallet(ctx context.Context, userID string, currencyCode string, openingBalance decimal.Decimal) (topup.Wallet, error)
}

func seed(ctx context.Context, store seedStore, logger *zap.Logger, plan seedPlan) error {
	if plan.currency.Code == "" {
		return fmt.Errorf("%s is required", flagCurrency)
	}
	if err := store.SaveCurrency(ctx, plan.currency); err != nil {
		return err
	}
	logger.Info("currency saved", zap.String("currency", plan.currency.Code), zap.Int32("minor_units", plan.currency.MinorUnits))
	for _, policy := range plan.policies {
		if err := store.SaveFeePolicy(ctx, policy); err != nil {
			return err
		}
		logger.Info("fee policy saved",
			zap.String("slug", policy.Slug),
			zap.String("percent_charge", policy.PercentCharge.String()),
			zap.String("fixed_charge", policy.FixedCharge.String()),
		)
	}
	if plan.userID == "" {
		return nil
	}
	wallet, err := store.OpenWallet(ctx, plan.userID, plan.currency.Code, plan.openingBalance)
	if err != nil {
		return err
	}
	logger.Info("wallet ready",
		zap.String("user_id", wallet.UserID),
		zap.String("wallet_id", wallet.ID),
		zap.String("balance", wallet.Balance.StringFixed(wallet.Currency.MinorUnits)),
	)
	return nil
}

// parseFeePolicies reads slug=percent:fixed pairs.
func parseFeePolicies(raw []string) ([]topup.FeePolicy, error) {
	policies := make([]topup.FeePolicy, 0, len(raw))
	for _, entry := range raw {
		slug, charges, found := strings.Cut(strings.TrimSpace(entry), "=")
		percentRaw, fixedRaw, hasFixed := strings.Cut(charges, ":")
		if !found || !hasFixed || strings.TrimSpace(slug) == "" {
			return nil, fmt.Errorf("%w: %q is not slug=percent:fixed", topup.ErrInvalidFeePolicy, entry)
		}
		percentCharge, err := parseDecimalFlag(flagFeePolicy, percentRaw)
		if err != nil {
			return nil, err
		}
		fixedCharge, err := parseDecimalFlag(flagFeePolicy, fixedRaw)
		if err != nil {
			return nil, err
		}
		policy := topup.FeePolicy{Slug: strings.TrimSpace(slug), PercentCharge: percentCharge, FixedCharge: fixedCharge, Enabled: true}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

func parseDecimalFlag(name string, raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", name, err)
	}
	return value, nil
}
