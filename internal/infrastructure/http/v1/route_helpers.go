// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"
)

// LedgerRouteHandler defines the endpoints of the ledger API.
type LedgerRouteHandler interface {
	CreateEntry(c *gin.Context)
	UpdateEntry(c *gin.Context)
	DeleteEntry(c *gin.Context)
	RestoreEntry(c *gin.Context)
	CreateTransfer(c *gin.Context)
	GetBalance(c *gin.Context)
	ListWarehouseBalances(c *gin.Context)
	OpenWarehouse(c *gin.Context)
	Rebuild(c *gin.Context)
	Verify(c *gin.Context)
}

// LedgerHistoryHandler is an optional interface for handlers that expose audit trails.
type LedgerHistoryHandler interface {
	EntryHistory(c *gin.Context)
}

// RegisterLedgerRoutes registers the ledger endpoints on group.
// The history route is registered only when withHistory is set and the
// handler implements LedgerHistoryHandler.
//
// Usage:
//
//	handler := handlers.NewLedgerHandler(base, service, balances, audit, retry)
//	RegisterLedgerRoutes(v1.Group("/ledger"), handler, true)
func RegisterLedgerRoutes(group *gin.RouterGroup, handler LedgerRouteHandler, withHistory bool) {
	entries := group.Group("/entries")
	entries.POST("", handler.CreateEntry)
	entries.PUT("/:id", handler.UpdateEntry)
	entries.DELETE("/:id", handler.DeleteEntry)
	entries.POST("/:id/restore", handler.RestoreEntry)

	if historyHandler, ok := handler.(LedgerHistoryHandler); ok && withHistory {
		entries.GET("/:id/history", historyHandler.EntryHistory)
	}

	group.POST("/transfers", handler.CreateTransfer)
	group.GET("/balances", handler.GetBalance)

	warehouses := group.Group("/warehouses")
	warehouses.GET("/:id/balances", handler.ListWarehouseBalances)
	warehouses.POST("/:id/open", handler.OpenWarehouse)

	group.POST("/rebuild", handler.Rebuild)
	group.GET("/verify", handler.Verify)
}
