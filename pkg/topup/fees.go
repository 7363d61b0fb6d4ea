package topup

import "github.com/shopspring/decimal"

var exchangeRateIdentity = decimal.NewFromInt(1)

// ComputeCharges prices a purchase of amount under policy.
// The percent component is rounded half away from zero to the currency's minor units.
func ComputeCharges(amount decimal.Decimal, policy FeePolicy, currency Currency) ChargeBreakdown {
	percentCharge := amount.Mul(policy.PercentCharge).Div(hundred).Round(currency.MinorUnits)
	fixedCharge := policy.FixedCharge.Round(currency.MinorUnits)
	totalCharge := percentCharge.Add(fixedCharge)
	return ChargeBreakdown{
		RequestedAmount:     amount,
		PercentChargeAmount: percentCharge,
		FixedChargeAmount:   fixedCharge,
		TotalCharge:         totalCharge,
		Payable:             amount.Add(totalCharge),
		ExchangeRate:        exchangeRateIdentity,
		Currency:            currency,
	}
}
