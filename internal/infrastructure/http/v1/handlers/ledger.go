package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/cache"
	"fuelledger/internal/infrastructure/http/v1/dto"
	"fuelledger/internal/infrastructure/storage/postgres"
)

// EntryHistory reads the audit trail of an entry.
type EntryHistory interface {
	History(ctx context.Context, entityID id.ID, limit int) ([]postgres.AuditEntry, error)
}

// RetryPolicy bounds the retries of a mutation that lost a lock race.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// LedgerHandler handles HTTP requests for the warehouse fuel ledger.
type LedgerHandler struct {
	*BaseHandler
	service *ledger.Service
	cache   *cache.BalanceCache
	history EntryHistory
	retry   RetryPolicy
}

// NewLedgerHandler creates a new ledger handler. balances and history may be nil.
func NewLedgerHandler(base *BaseHandler, service *ledger.Service, balances *cache.BalanceCache, history EntryHistory, retry RetryPolicy) *LedgerHandler {
	return &LedgerHandler{
		BaseHandler: base,
		service:     service,
		cache:       balances,
		history:     history,
		retry:       retry,
	}
}

func (h *LedgerHandler) mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	return ledger.RetryOnConflict(ctx, h.retry.Attempts, h.retry.Backoff, fn)
}

// CreateEntry handles POST /ledger/entries
func (h *LedgerHandler) CreateEntry(c *gin.Context) {
	var req dto.CreateEntryRequest
	if !h.BindJSON(c, &req) {
		return
	}

	mc := h.MutationContext(c)
	doc := req.ToDocument()
	var result ledger.LinkResult
	err := h.mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.service.CreateAndLink(ctx, mc, doc)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	if result.LinkState == ledger.LinkUnlinked {
		h.OK(c, dto.FromLinkResult(result))
		return
	}
	h.Created(c, dto.FromLinkResult(result))
}

// CreateTransfer handles POST /ledger/transfers
func (h *LedgerHandler) CreateTransfer(c *gin.Context) {
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}

	mc := h.MutationContext(c)
	doc := req.ToDocument()
	var result ledger.TransferResult
	err := h.mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.service.CreateTransfer(ctx, mc, doc)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	if req.Draft {
		h.OK(c, dto.FromTransferResult(result))
		return
	}
	h.Created(c, dto.FromTransferResult(result))
}

// UpdateEntry handles PUT /ledger/entries/:id
func (h *LedgerHandler) UpdateEntry(c *gin.Context) {
	entryID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	var req dto.UpdateEntryRequest
	if !h.BindJSON(c, &req) {
		return
	}

	mc := h.MutationContext(c)
	update := req.ToUpdate(entryID)
	var result ledger.LinkResult
	err := h.mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.service.UpdateLinked(ctx, mc, update)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromLinkResult(result))
}

// DeleteEntry handles DELETE /ledger/entries/:id
func (h *LedgerHandler) DeleteEntry(c *gin.Context) {
	h.toggle(c, h.service.DeleteLinked)
}

// RestoreEntry handles POST /ledger/entries/:id/restore
func (h *LedgerHandler) RestoreEntry(c *gin.Context) {
	h.toggle(c, h.service.RestoreLinked)
}

func (h *LedgerHandler) toggle(c *gin.Context, op func(context.Context, ledger.MutationContext, id.ID) (ledger.LinkResult, error)) {
	entryID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	mc := h.MutationContext(c)
	var result ledger.LinkResult
	err := h.mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = op(ctx, mc, entryID)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromLinkResult(result))
}

// EntryHistory handles GET /ledger/entries/:id/history
func (h *LedgerHandler) EntryHistory(c *gin.Context) {
	entryID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}
	limit := h.ParseIntQuery(c, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}

	entries, err := h.history.History(c.Request.Context(), entryID, limit)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromAuditEntries(entries)))
}

// GetBalance handles GET /ledger/balances?warehouseId=&product=&asOf=
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	var q dto.BalanceQuery
	if !h.BindQuery(c, &q) {
		return
	}
	key, err := q.Key()
	if err != nil {
		h.Error(c, err)
		return
	}
	asOf, err := q.AsOfTime()
	if err != nil {
		h.Error(c, err)
		return
	}

	var balance ledger.Balance
	if asOf.IsZero() && h.cache != nil {
		balance, err = h.cache.Get(c.Request.Context(), key, h.currentBalance)
	} else {
		balance, err = h.service.GetBalance(c.Request.Context(), key, asOf)
	}
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.FromBalance(balance))
}

func (h *LedgerHandler) currentBalance(ctx context.Context, key ledger.Key) (ledger.Balance, error) {
	return h.service.GetBalance(ctx, key, time.Time{})
}

// ListWarehouseBalances handles GET /ledger/warehouses/:id/balances
func (h *LedgerHandler) ListWarehouseBalances(c *gin.Context) {
	warehouseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	balances, err := h.service.ListBalances(c.Request.Context(), warehouseID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(dto.FromBalances(balances)))
}

// OpenWarehouse handles POST /ledger/warehouses/:id/open
func (h *LedgerHandler) OpenWarehouse(c *gin.Context) {
	warehouseID, ok := h.ParamID(c, "id")
	if !ok {
		return
	}

	if err := h.service.OpenWarehouse(c.Request.Context(), h.MutationContext(c), warehouseID); err != nil {
		h.Error(c, err)
		return
	}
	h.Success(c, "warehouse ledgers opened")
}

// Rebuild handles POST /ledger/rebuild
func (h *LedgerHandler) Rebuild(c *gin.Context) {
	var req dto.LedgerKeyRequest
	if !h.BindJSON(c, &req) {
		return
	}
	key, err := req.Key()
	if err != nil {
		h.Error(c, err)
		return
	}

	mc := h.MutationContext(c)
	var result ledger.ReplayResult
	err = h.mutate(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = h.service.Rebuild(ctx, mc, key)
		return err
	})
	if err != nil {
		h.Error(c, err)
		return
	}

	h.OK(c, dto.RebuildResponse{
		WarehouseID: key.WarehouseID.String(),
		Product:     string(key.Product),
		Replayed:    result.Replayed,
		State:       dto.FromState(result.State),
	})
}

// Verify handles GET /ledger/verify?warehouseId=&product=
// A drifted ledger is reported with 200 and consistent=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	var req dto.LedgerKeyRequest
	if !h.BindQuery(c, &req) {
		return
	}
	key, err := req.Key()
	if err != nil {
		h.Error(c, err)
		return
	}

	report, err := h.service.Verify(c.Request.Context(), key)
	if err != nil {
		h.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromVerifyReport(report))
}
