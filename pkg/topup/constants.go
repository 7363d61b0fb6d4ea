package topup

import "time"

const (
	operationPurchase       = "purchase"
	operationPreviewCharges = "preview_charges"
	operationNotify         = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	feeSlugMobileTopup = "mobile_topup"
	feeSlugDataBundle  = "data_bundle"

	trxPrefixAirtime = "AT"
	trxPrefixData    = "DP"

	recordTypeAirtime = "PEYFLEX_AIRTIME"
	recordTypeData    = "PEYFLEX_DATA"

	remarkAirtime = "Peyflex Airtime Purchase Successful"
	remarkData    = "Peyflex Data Purchase Successful"

	minMobileNumberLength = 10
	maxMobileNumberLength = 15

	// int64 holds every 18-digit integer.
	maxAmountDigits = 18
	maxAmountScale  = 18

	messageServiceUnavailable = "service temporarily unavailable"
	messageInsufficientFunds  = "insufficient balance"
	messageLedgerCommit       = "purchase could not be completed, please contact support"
	messageProviderFailed     = "purchase failed"
	messageProviderOffline    = "provider unavailable"
	messageWalletNotFound     = "wallet not found"

	defaultNotificationTimeout = 5 * time.Second
)
