package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/provider"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger  *zap.Logger
	service PurchaseService
	catalog CatalogReader
	cfg     Config
}

type checkNetworkRequest struct {
	Network      string `json:"network"`
	MobileNumber string `json:"mobile_number"`
}

type chargesRequest struct {
	Network  string          `json:"network"`
	PlanCode string          `json:"plan_code"`
	Amount   decimal.Decimal `json:"amount"`
}

type purchaseRequest struct {
	Network      string          `json:"network"`
	MobileNumber string          `json:"mobile_number"`
	PlanCode     string          `json:"plan_code"`
	Amount       decimal.Decimal `json:"amount"`
}

func (handler *httpHandler) handleNetworks(product topup.ProductType) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if getClaims(ctx) == nil {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		requestCtx, cancel := handler.requestContext(ctx)
		defer cancel()
		listing, err := handler.catalog.ListNetworks(requestCtx, product)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, listingPayload{Data: listing.Data, Degraded: listing.Degraded})
	}
}

func (handler *httpHandler) handlePlans(ctx *gin.Context) {
	if getClaims(ctx) == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	network := strings.TrimSpace(ctx.Query("network"))
	if network == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "network is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	listing, err := handler.catalog.ListPlans(requestCtx, network)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, listingPayload{Data: listing.Data, Degraded: listing.Degraded})
}

func (handler *httpHandler) handleCheckNetwork(product topup.ProductType) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if getClaims(ctx) == nil {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		var request checkNetworkRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
		check, err := handler.service.CheckNetwork(product, request.Network, request.MobileNumber)
		if err != nil {
			if errors.Is(err, topup.ErrInvalidMobileNumber) {
				ctx.JSON(http.StatusOK, gin.H{
					"network":       strings.TrimSpace(request.Network),
					"mobile_number": request.MobileNumber,
					"valid":         false,
					"message":       err.Error(),
				})
				return
			}
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"network":       check.Network,
			"mobile_number": check.MobileNumber,
			"valid":         true,
		})
	}
}

func (handler *httpHandler) handleCharges(product topup.ProductType) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		var request chargesRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
		if product == topup.ProductData && (strings.TrimSpace(request.Network) == "" || strings.TrimSpace(request.PlanCode) == "") {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", "network and plan code are required"))
			return
		}
		requestCtx, cancel := handler.requestContext(ctx)
		defer cancel()
		charges, err := handler.service.PreviewCharges(requestCtx, product, claims.GetUserID(), request.Amount)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, newChargesPayload(charges))
	}
}

func (handler *httpHandler) handlePurchase(product topup.ProductType) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		var request purchaseRequest
		if err := ctx.ShouldBindJSON(&request); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
			return
		}
		requestCtx, cancel := handler.requestContext(ctx)
		defer cancel()
		receipt, err := handler.service.Purchase(requestCtx, topup.PurchaseRequest{
			Product:      product,
			UserID:       claims.GetUserID(),
			Network:      request.Network,
			MobileNumber: request.MobileNumber,
			Amount:       request.Amount,
			PlanCode:     request.PlanCode,
		})
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, newReceiptPayload(receipt))
	}
}

func (handler *httpHandler) handleTransaction(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	record, err := handler.service.Transaction(requestCtx, claims.GetUserID(), ctx.Param("trx_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionPayload(record))
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError maps service and provider failures onto the JSON error envelope.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string, string) {
	var rejection *topup.Rejection
	if errors.As(err, &rejection) {
		switch {
		case errors.Is(rejection.Kind, topup.ErrValidation) && errors.Is(rejection, topup.ErrWalletNotFound):
			return http.StatusNotFound, "wallet_not_found", rejection.Error()
		case errors.Is(rejection.Kind, topup.ErrValidation):
			return http.StatusBadRequest, "invalid_request", rejection.Error()
		case errors.Is(rejection.Kind, topup.ErrInsufficientFunds):
			return http.StatusPaymentRequired, "insufficient_funds", rejection.Error()
		case errors.Is(rejection.Kind, topup.ErrConfiguration):
			return http.StatusServiceUnavailable, "service_unavailable", rejection.Error()
		case errors.Is(rejection.Kind, topup.ErrProviderRejected):
			return http.StatusBadGateway, "provider_rejected", rejection.Error()
		case errors.Is(rejection.Kind, topup.ErrLedgerCommit):
			return http.StatusInternalServerError, "ledger_commit_failed", rejection.Error()
		}
	}
	switch {
	case errors.Is(err, topup.ErrTransactionNotFound):
		return http.StatusNotFound, "transaction_not_found", "transaction not found"
	case errors.Is(err, topup.ErrValidation):
		return http.StatusBadRequest, "invalid_request", "invalid request"
	case errors.Is(err, topup.ErrConfiguration):
		return http.StatusServiceUnavailable, "service_unavailable", "service temporarily unavailable"
	case errors.Is(err, provider.ErrUpstream):
		return http.StatusBadGateway, "provider_unavailable", "provider unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "request timed out"
	default:
		return http.StatusInternalServerError, "internal_error", "internal error"
	}
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type listingPayload struct {
	Data     json.RawMessage `json:"data"`
	Degraded bool            `json:"degraded"`
}

type chargesPayload struct {
	RequestedAmount string `json:"requested_amount"`
	PercentCharge   string `json:"percent_charge"`
	FixedCharge     string `json:"fixed_charge"`
	TotalCharge     string `json:"total_charge"`
	Payable         string `json:"payable"`
	ExchangeRate    string `json:"exchange_rate"`
	Currency        string `json:"currency"`
}

func newChargesPayload(charges topup.ChargeBreakdown) chargesPayload {
	places := charges.Currency.MinorUnits
	return chargesPayload{
		RequestedAmount: charges.RequestedAmount.StringFixed(places),
		PercentCharge:   charges.PercentChargeAmount.StringFixed(places),
		FixedCharge:     charges.FixedChargeAmount.StringFixed(places),
		TotalCharge:     charges.TotalCharge.StringFixed(places),
		Payable:         charges.Payable.StringFixed(places),
		ExchangeRate:    charges.ExchangeRate.String(),
		Currency:        charges.Currency.Code,
	}
}

type receiptPayload struct {
	TrxID                 string         `json:"trx_id"`
	TransactionID         string         `json:"transaction_id"`
	ProviderTransactionID string         `json:"provider_transaction_id,omitempty"`
	Status                string         `json:"status"`
	Charges               chargesPayload `json:"charges"`
	Balance               string         `json:"balance"`
	CreatedAt             time.Time      `json:"created_at"`
}

func newReceiptPayload(receipt topup.PurchaseReceipt) receiptPayload {
	return receiptPayload{
		TrxID:                 receipt.TrxID,
		TransactionID:         receipt.TransactionID,
		ProviderTransactionID: receipt.ProviderTransactionID,
		Status:                receipt.Status.String(),
		Charges:               newChargesPayload(receipt.Charges),
		Balance:               receipt.Balance.StringFixed(receipt.Charges.Currency.MinorUnits),
		CreatedAt:             receipt.CreatedAt,
	}
}

type transactionPayload struct {
	TrxID                 string          `json:"trx_id"`
	TransactionID         string          `json:"transaction_id"`
	Product               string          `json:"product"`
	RecordType            string          `json:"record_type"`
	Network               string          `json:"network"`
	MobileNumber          string          `json:"mobile_number"`
	PlanCode              string          `json:"plan_code,omitempty"`
	Status                string          `json:"status"`
	Charges               chargesPayload  `json:"charges"`
	BalanceAfter          string          `json:"balance_after"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	ProviderResponse      json.RawMessage `json:"provider_response,omitempty"`
	Remark                string          `json:"remark"`
	CreatedAt             time.Time       `json:"created_at"`
}

func newTransactionPayload(record topup.PurchaseRecord) transactionPayload {
	return transactionPayload{
		TrxID:                 record.TrxID,
		TransactionID:         record.TransactionID,
		Product:               string(record.Product),
		RecordType:            record.RecordType,
		Network:               record.Network,
		MobileNumber:          record.MobileNumber,
		PlanCode:              record.PlanCode,
		Status:                record.Status.String(),
		Charges:               newChargesPayload(record.Charges),
		BalanceAfter:          record.ResultingBalance.StringFixed(record.Charges.Currency.MinorUnits),
		ProviderTransactionID: record.ProviderTransactionID,
		ProviderResponse:      record.ProviderResponse,
		Remark:                record.Remark,
		CreatedAt:             record.CreatedAt,
	}
}
