package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/catalog"
	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	EnvironmentProduction = "production"
	EnvironmentSandbox    = "sandbox"

	productionBaseURL = "https://api.peyflex.com"
	sandboxBaseURL    = "https://sandbox.peyflex.com"

	defaultTimeout     = 30 * time.Second
	defaultTokenTTL    = time.Hour
	defaultNetworksTTL = 24 * time.Hour
	defaultPlansTTL    = 12 * time.Hour

	maxResponseBytes = 1 << 20

	operationNetworks = "networks"
	operationPlans    = "plans"
	operationPurchase = "purchase"

	outcomeAccepted    = "accepted"
	outcomeRejected    = "rejected"
	outcomeUnreachable = "unreachable"
	outcomeMalformed   = "malformed"

	messageNetworksFailed    = "Failed to fetch networks"
	messagePlansFailed       = "Failed to fetch plans"
	messageMalformedResponse = "malformed provider response"
)

var (
	ErrInvalidEnvironment = errors.New("invalid provider environment")
	ErrUnsupportedProduct = errors.New("product not offered by provider")
	ErrUpstream           = errors.New("provider request failed")

	errResponseTooLarge = errors.New("provider response exceeds size limit")
)

// Config carries the provider credentials and tuning.
type Config struct {
	Environment string
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	TokenTTL    time.Duration
	NetworksTTL time.Duration
	PlansTTL    time.Duration
}

func (cfg *Config) normalize() error {
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if cfg.Environment == "" {
		cfg.Environment = EnvironmentSandbox
	}
	if cfg.Environment != EnvironmentProduction && cfg.Environment != EnvironmentSandbox {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, cfg.Environment)
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = sandboxBaseURL
		if cfg.Environment == EnvironmentProduction {
			cfg.BaseURL = productionBaseURL
		}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.NetworksTTL <= 0 {
		cfg.NetworksTTL = defaultNetworksTTL
	}
	if cfg.PlansTTL <= 0 {
		cfg.PlansTTL = defaultPlansTTL
	}
	return nil
}

// Listing is a catalog payload as returned by the provider.
type Listing struct {
	Data     json.RawMessage
	Degraded bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client. Its timeout is left untouched.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client talks to the topup provider's REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      *catalog.Cache
	logger     *zap.Logger
}

var _ topup.Gateway = (*Client)(nil)

// NewClient builds a provider client that keeps tokens and catalog reads in cache.
func NewClient(cfg Config, cache *catalog.Cache, options ...Option) (*Client, error) {
	if cache == nil {
		return nil, errors.New("provider: catalog cache is nil")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      cache,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Environment reports the configured provider environment.
func (client *Client) Environment() string {
	return client.cfg.Environment
}

// ListNetworks returns the networks offered for a product.
func (client *Client) ListNetworks(ctx context.Context, product topup.ProductType) (Listing, error) {
	productRoute, ok := routes[product]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrUnsupportedProduct, product)
	}
	key := catalog.Key{Environment: client.cfg.Environment, Product: product, Kind: catalog.KindNetworks}
	return client.cachedListing(ctx, key, client.cfg.NetworksTTL, func(fetchCtx context.Context) ([]byte, error) {
		return client.fetchCatalog(fetchCtx, product, operationNetworks, productRoute.networksPath, nil, messageNetworksFailed)
	})
}

// ListPlans returns the data plans offered on a network. Network codes are case-insensitive;
// the cache key and the upstream query both use the lowercased code.
func (client *Client) ListPlans(ctx context.Context, network string) (Listing, error) {
	network = strings.ToLower(strings.TrimSpace(network))
	if network == "" {
		return Listing{}, fmt.Errorf("%w: network is required", topup.ErrValidation)
	}
	productRoute := routes[topup.ProductData]
	key := catalog.Key{Environment: client.cfg.Environment, Product: topup.ProductData, Kind: catalog.KindPlans, Network: network}
	query := url.Values{"network": []string{network}}
	return client.cachedListing(ctx, key, client.cfg.PlansTTL, func(fetchCtx context.Context) ([]byte, error) {
		return client.fetchCatalog(fetchCtx, topup.ProductData, operationPlans, productRoute.plansPath, query, messagePlansFailed)
	})
}

type planListing struct {
	ID       string      `json:"id"`
	Code     string      `json:"code"`
	PlanCode string      `json:"plan_code"`
	Price    json.Number `json:"price"`
	Amount   json.Number `json:"amount"`
}

// PlanPrice looks planCode up in the cached plan listing of network.
func (client *Client) PlanPrice(ctx context.Context, network string, planCode string) (decimal.Decimal, error) {
	listing, err := client.ListPlans(ctx, network)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var plans []planListing
	if err := json.Unmarshal(listing.Data, &plans); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrUpstream, messageMalformedResponse)
	}
	planCode = strings.TrimSpace(planCode)
	for _, plan := range plans {
		if !strings.EqualFold(firstNonEmpty(plan.ID, plan.PlanCode, plan.Code), planCode) {
			continue
		}
		price, err := decimal.NewFromString(firstNonEmpty(plan.Price.String(), plan.Amount.String()))
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: plan %s has no price", ErrUpstream, planCode)
		}
		return price, nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: %s on %s", topup.ErrPlanNotFound, planCode, network)
}

// TopupAirtime buys airtime for a mobile number.
func (client *Client) TopupAirtime(ctx context.Context, network string, mobileNumber string, amount decimal.Decimal) (topup.ProviderResult, error) {
	return client.Execute(ctx, topup.Airtime, topup.ProviderOrder{Network: network, MobileNumber: mobileNumber, Amount: amount})
}

// PurchaseData buys a data plan for a mobile number.
func (client *Client) PurchaseData(ctx context.Context, network string, mobileNumber string, planCode string) (topup.ProviderResult, error) {
	return client.Execute(ctx, topup.DataBundle, topup.ProviderOrder{Network: network, MobileNumber: mobileNumber, PlanCode: planCode})
}

// Execute submits a purchase and normalizes the provider's answer.
// A returned error means nothing was sent upstream; every upstream outcome is reported in the result.
func (client *Client) Execute(ctx context.Context, product topup.Product, order topup.ProviderOrder) (topup.ProviderResult, error) {
	productRoute, ok := routes[product.Type]
	if !ok {
		return topup.ProviderResult{}, fmt.Errorf("%w: %s", ErrUnsupportedProduct, product.Type)
	}
	token, err := client.accessToken(ctx, product.Type)
	if err != nil {
		return topup.ProviderResult{}, err
	}
	body, err := json.Marshal(productRoute.buildPayload(order))
	if err != nil {
		return topup.ProviderResult{}, fmt.Errorf("provider: encode payload: %w", err)
	}
	request, err := client.newRequest(ctx, http.MethodPost, productRoute.purchasePath, nil, token, bytes.NewReader(body))
	if err != nil {
		return topup.ProviderResult{}, err
	}

	startedAt := time.Now()
	statusCode, raw, err := client.do(request)
	if errors.Is(err, errResponseTooLarge) {
		metrics.ObserveProviderRequest(string(product.Type), operationPurchase, outcomeMalformed, time.Since(startedAt))
		answered := statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
		client.logger.Error("provider purchase response too large",
			zap.String("product", string(product.Type)),
			zap.String("trx_id", order.TrxID),
			zap.Int("http_status", statusCode),
			zap.Int("limit_bytes", maxResponseBytes),
			zap.Bool("requires_reconciliation", answered),
		)
		return topup.ProviderResult{
			Accepted:               false,
			Unreachable:            answered,
			RequiresReconciliation: answered,
			Message:                productRoute.purchaseFailure,
		}, nil
	}
	if err != nil {
		metrics.ObserveProviderRequest(string(product.Type), operationPurchase, outcomeUnreachable, time.Since(startedAt))
		client.logger.Warn("provider purchase unreachable",
			zap.String("product", string(product.Type)),
			zap.String("trx_id", order.TrxID),
			zap.Error(err),
		)
		return topup.ProviderResult{Accepted: false, Unreachable: true, Message: productRoute.purchaseFailure}, nil
	}
	result := normalizePurchaseResponse(statusCode, raw, productRoute.purchaseFailure)
	outcome := outcomeAccepted
	switch {
	case result.Accepted:
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices && result.Message == messageMalformedResponse:
		outcome = outcomeMalformed
	default:
		outcome = outcomeRejected
	}
	metrics.ObserveProviderRequest(string(product.Type), operationPurchase, outcome, time.Since(startedAt))
	client.logger.Info("provider purchase completed",
		zap.String("product", string(product.Type)),
		zap.String("trx_id", order.TrxID),
		zap.Int("http_status", statusCode),
		zap.Bool("accepted", result.Accepted),
		zap.String("provider_status", result.Status.String()),
	)
	return result, nil
}

type purchaseResponse struct {
	Status        string      `json:"status"`
	TransactionID interface{} `json:"transaction_id"`
	ID            interface{} `json:"id"`
	Message       string      `json:"message"`
	Detail        string      `json:"detail"`
}

// normalizePurchaseResponse maps a provider answer onto a ProviderResult. Non-2xx answers are
// rejections carrying the provider's message. A 2xx answer is accepted with its parsed status,
// defaulting to PROCESSING, except that an explicit FAILED or REFUNDED status is reported as a
// rejection: the wallet is only debited for purchases the provider has not already declined.
func normalizePurchaseResponse(statusCode int, raw []byte, defaultFailure string) topup.ProviderResult {
	var parsed purchaseResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		message := defaultFailure
		if decodeErr == nil {
			message = firstNonEmpty(parsed.Message, parsed.Detail, defaultFailure)
		}
		return topup.ProviderResult{Accepted: false, Message: message, RawResponse: jsonOrNil(raw)}
	}
	if decodeErr != nil {
		return topup.ProviderResult{Accepted: false, Message: messageMalformedResponse}
	}
	status := topup.StatusProcessing
	if parsedStatus, err := topup.ParseTransactionStatus(parsed.Status); err == nil {
		status = parsedStatus
	}
	if status == topup.StatusFailed || status == topup.StatusRefunded {
		return topup.ProviderResult{
			Accepted:    false,
			Status:      status,
			Message:     firstNonEmpty(parsed.Message, parsed.Detail, defaultFailure),
			RawResponse: raw,
		}
	}
	return topup.ProviderResult{
		Accepted:              true,
		Status:                status,
		ProviderTransactionID: firstNonEmpty(identifierString(parsed.TransactionID), identifierString(parsed.ID)),
		Message:               parsed.Message,
		RawResponse:           raw,
	}
}

func (client *Client) accessToken(ctx context.Context, product topup.ProductType) (string, error) {
	apiKey := strings.TrimSpace(client.cfg.APIKey)
	if apiKey == "" {
		return "", fmt.Errorf("%w: provider api key is not set", topup.ErrConfiguration)
	}
	key := catalog.Key{Environment: client.cfg.Environment, Product: product, Kind: catalog.KindToken}
	result, err := client.cache.GetOrFetch(ctx, key, client.cfg.TokenTTL, func(context.Context) ([]byte, error) {
		// The provider authenticates with the static API key; there is no token exchange.
		return []byte(apiKey), nil
	})
	if err != nil {
		return "", err
	}
	return string(result.Value), nil
}

func (client *Client) cachedListing(ctx context.Context, key catalog.Key, ttl time.Duration, fetch catalog.FetchFunc) (Listing, error) {
	result, err := client.cache.GetOrFetch(ctx, key, ttl, fetch)
	if err != nil {
		return Listing{}, err
	}
	return Listing{Data: json.RawMessage(result.Value), Degraded: result.Degraded}, nil
}

func (client *Client) fetchCatalog(ctx context.Context, product topup.ProductType, operation string, path string, query url.Values, defaultFailure string) ([]byte, error) {
	token, err := client.accessToken(ctx, product)
	if err != nil {
		return nil, err
	}
	request, err := client.newRequest(ctx, http.MethodGet, path, query, token, nil)
	if err != nil {
		return nil, err
	}
	startedAt := time.Now()
	statusCode, raw, err := client.do(request)
	if err != nil {
		metrics.ObserveProviderRequest(string(product), operation, outcomeUnreachable, time.Since(startedAt))
		return nil, fmt.Errorf("%w: %s: %v", ErrUpstream, defaultFailure, err)
	}
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		metrics.ObserveProviderRequest(string(product), operation, outcomeRejected, time.Since(startedAt))
		var parsed purchaseResponse
		message := defaultFailure
		if json.Unmarshal(raw, &parsed) == nil {
			message = firstNonEmpty(parsed.Message, parsed.Detail, defaultFailure)
		}
		return nil, fmt.Errorf("%w: %s (http %d)", ErrUpstream, message, statusCode)
	}
	if !json.Valid(raw) {
		metrics.ObserveProviderRequest(string(product), operation, outcomeMalformed, time.Since(startedAt))
		return nil, fmt.Errorf("%w: %s", ErrUpstream, messageMalformedResponse)
	}
	metrics.ObserveProviderRequest(string(product), operation, outcomeAccepted, time.Since(startedAt))
	return raw, nil
}

func (client *Client) newRequest(ctx context.Context, method string, path string, query url.Values, token string, body io.Reader) (*http.Request, error) {
	endpoint := client.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	request.Header.Set("Authorization", "Token "+token)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	return request, nil
}

func (client *Client) do(request *http.Request) (int, []byte, error) {
	response, err := client.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes+1))
	if err != nil {
		return 0, nil, err
	}
	if len(raw) > maxResponseBytes {
		return response.StatusCode, raw[:maxResponseBytes], errResponseTooLarge
	}
	return response.StatusCode, raw, nil
}

func identifierString(value interface{}) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return decimal.NewFromFloat(typed).String()
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func jsonOrNil(raw []byte) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return raw
}
