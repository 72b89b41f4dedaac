package v1

import (
	"github.com/gin-gonic/gin"

	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/cache"
	"fuelledger/internal/infrastructure/http/v1/handlers"
	"fuelledger/internal/infrastructure/http/v1/middleware"
	"fuelledger/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	Service *ledger.Service

	// Balances caches current balances; nil disables caching.
	Balances *cache.BalanceCache

	// History serves entry audit trails; nil disables the endpoint.
	History handlers.EntryHistory

	Retry handlers.RetryPolicy

	// HealthChecks are pinged by the readiness probe.
	HealthChecks map[string]handlers.Pinger

	Version     string
	Development bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Actor())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.HealthChecks, cfg.Balances, cfg.Version)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/info", healthHandler.Info)
	}

	baseHandler := handlers.NewBaseHandler()
	ledgerHandler := handlers.NewLedgerHandler(baseHandler, cfg.Service, cfg.Balances, cfg.History, cfg.Retry)

	v1 := router.Group("/api/v1")
	RegisterLedgerRoutes(v1.Group("/ledger"), ledgerHandler, cfg.History != nil)

	return router
}
