package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/topup/internal/metrics"
	"github.com/MarkoPoloResearchLab/topup/internal/provider"
	"github.com/MarkoPoloResearchLab/topup/pkg/topup"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey       = "auth_claims"
	defaultRequestTimeout  = 45 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// PurchaseService is the purchase pipeline exposed over HTTP.
type PurchaseService interface {
	Purchase(ctx context.Context, request topup.PurchaseRequest) (topup.PurchaseReceipt, error)
	PreviewCharges(ctx context.Context, productType topup.ProductType, userID string, amount decimal.Decimal) (topup.ChargeBreakdown, error)
	CheckNetwork(productType topup.ProductType, network string, mobileNumber string) (topup.NetworkCheck, error)
	Transaction(ctx context.Context, userID string, trxID string) (topup.PurchaseRecord, error)
}

// CatalogReader lists the provider catalog.
type CatalogReader interface {
	ListNetworks(ctx context.Context, product topup.ProductType) (provider.Listing, error)
	ListPlans(ctx context.Context, network string) (provider.Listing, error)
}

// Config carries the HTTP surface settings.
type Config struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine serving the topup API.
func NewRouter(cfg Config, service PurchaseService, catalog CatalogReader, validator *sessionvalidator.Validator, logger *zap.Logger) (*gin.Engine, error) {
	if service == nil || catalog == nil || validator == nil {
		return nil, errors.New("httpapi: service, catalog and session validator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		catalog: catalog,
		cfg:     cfg,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	airtime := api.Group("/airtime")
	airtime.GET("/networks", handler.handleNetworks(topup.ProductAirtime))
	airtime.POST("/check-network", handler.handleCheckNetwork(topup.ProductAirtime))
	airtime.POST("/charges", handler.handleCharges(topup.ProductAirtime))
	airtime.POST("/purchase", handler.handlePurchase(topup.ProductAirtime))

	data := api.Group("/data")
	data.GET("/networks", handler.handleNetworks(topup.ProductData))
	data.GET("/plans", handler.handlePlans)
	data.POST("/charges", handler.handleCharges(topup.ProductData))
	data.POST("/purchase", handler.handlePurchase(topup.ProductData))

	api.GET("/transactions/:trx_id", handler.handleTransaction)

	return router, nil
}

// Run serves handler on addr until ctx is cancelled.
func Run(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("topupd listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
