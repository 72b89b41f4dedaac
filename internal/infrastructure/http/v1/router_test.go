package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelledger/internal/core/apperror"
	"fuelledger/internal/core/id"
	"fuelledger/internal/domain/ledger"
	"fuelledger/internal/infrastructure/cache"
	v1 "fuelledger/internal/infrastructure/http/v1"
	"fuelledger/internal/infrastructure/http/v1/handlers"
	"fuelledger/internal/infrastructure/storage/memory"
	"fuelledger/pkg/logger"
)

type apiFixture struct {
	t        *testing.T
	store    *memory.Store
	balances *cache.BalanceCache
	router   http.Handler
	wh       id.ID
	seq      int
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	balances := cache.NewBalanceCache(time.Minute)

	svc := ledger.NewService(ledger.ServiceConfig{
		TxManager:  store,
		Entries:    store.Entries(),
		Aggregates: store.Aggregates(),
		Warehouses: store.Warehouses(),
		Journal:    store.Journal(),
		Publisher:  balances,
		Audit:      store.Audit(),
	})

	router := v1.NewRouter(v1.RouterConfig{
		Logger:   logger.Nop(),
		Service:  svc,
		Balances: balances,
		Retry:    handlers.RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
		HealthChecks: map[string]handlers.Pinger{
			"store": handlers.PingFunc(func(_ context.Context) error { return nil }),
		},
		Version: "test",
	})

	f := &apiFixture{t: t, store: store, balances: balances, router: router, wh: id.New()}
	store.AddWarehouse(f.wh)
	return f
}

func (f *apiFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "operator-7")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) entry(direction ledger.Direction, day int, qty, cost string) map[string]any {
	f.seq++
	source := ledger.SourceOptDeal
	if direction == ledger.DirectionSale {
		source = ledger.SourceRefueling
	}
	return map[string]any{
		"warehouseId":   f.wh.String(),
		"product":       "fuel",
		"direction":     string(direction),
		"quantity":      qty,
		"totalCost":     cost,
		"effectiveDate": time.Date(2024, 5, day, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		"sourceType":    string(source),
		"sourceId":      fmt.Sprintf("doc-%d", f.seq),
	}
}

func (f *apiFixture) balancePath() string {
	return fmt.Sprintf("/api/v1/ledger/balances?warehouseId=%s&product=fuel", f.wh)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertDecimal(t *testing.T, want string, got any) {
	t.Helper()
	s, ok := got.(string)
	require.True(t, ok, "expected decimal string, got %T", got)
	assert.True(t, decimal.RequireFromString(want).Equal(decimal.RequireFromString(s)), "want %s, got %s", want, s)
}

func TestRouter_Health(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_EntryLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, fmt.Sprintf("/api/v1/ledger/warehouses/%s/open", f.wh), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionReceipt, 1, "100", "80"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]any](t, rec)
	assert.Equal(t, "linked", created["linkState"])
	assert.Equal(t, true, created["fastPath"])
	assertDecimal(t, "100", created["aggregate"].(map[string]any)["balance"])
	assert.Equal(t, "operator-7", created["entry"].(map[string]any)["createdBy"])

	rec = f.do(http.MethodGet, f.balancePath(), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "100", decode[map[string]any](t, rec)["balance"])

	rec = f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionSale, 2, "30", "0"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	saleID := decode[map[string]any](t, rec)["entryId"].(string)

	// The sale evicted the cached balance.
	rec = f.do(http.MethodGet, f.balancePath(), nil)
	balance := decode[map[string]any](t, rec)
	assertDecimal(t, "70", balance["balance"])
	assertDecimal(t, "0.8", balance["averageCost"])

	rec = f.do(http.MethodDelete, "/api/v1/ledger/entries/"+saleID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deleted := decode[map[string]any](t, rec)
	assert.Equal(t, "deleted", deleted["linkState"])
	assertDecimal(t, "100", deleted["aggregate"].(map[string]any)["balance"])

	rec = f.do(http.MethodDelete, "/api/v1/ledger/entries/"+saleID, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, apperror.CodeInvalidTransition, decode[map[string]any](t, rec)["code"])

	rec = f.do(http.MethodPost, "/api/v1/ledger/entries/"+saleID+"/restore", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "70", decode[map[string]any](t, rec)["aggregate"].(map[string]any)["balance"])

	rec = f.do(http.MethodPut, "/api/v1/ledger/entries/"+saleID, map[string]any{
		"warehouseId":  f.wh.String(),
		"product":      "fuel",
		"oldQuantity":  "30",
		"newQuantity":  "40",
		"oldTotalCost": "0",
		"newTotalCost": "0",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertDecimal(t, "60", decode[map[string]any](t, rec)["aggregate"].(map[string]any)["balance"])

	rec = f.do(http.MethodGet, fmt.Sprintf("/api/v1/ledger/verify?warehouseId=%s&product=fuel", f.wh), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]any](t, rec)["consistent"])
}

func TestRouter_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, fmt.Sprintf("/api/v1/ledger/warehouses/%s/open", f.wh), nil).Code)

	receipt := f.entry(ledger.DirectionReceipt, 1, "30", "30")
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/ledger/entries", receipt).Code)

	t.Run("insufficient stock", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionSale, 2, "40", "0"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[map[string]any](t, rec)
		assert.Equal(t, apperror.CodeInsufficientStock, body["code"])

		rec = f.do(http.MethodGet, f.balancePath(), nil)
		assertDecimal(t, "30", decode[map[string]any](t, rec)["balance"])
	})

	t.Run("duplicate source", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/ledger/entries", receipt)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, apperror.CodeDuplicate, decode[map[string]any](t, rec)["code"])
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/ledger/entries", `{"warehouseId": 12`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperror.CodeValidation, decode[map[string]any](t, rec)["code"])
	})

	t.Run("zero cost receipt", func(t *testing.T) {
		rec := f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionReceipt, 3, "10", "0"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad entry id", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/v1/ledger/entries/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown entry", func(t *testing.T) {
		rec := f.do(http.MethodDelete, "/api/v1/ledger/entries/"+id.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad asOf", func(t *testing.T) {
		rec := f.do(http.MethodGet, f.balancePath()+"&asOf=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRouter_DraftAndTransfer(t *testing.T) {
	f := newAPIFixture(t)
	other := id.New()
	f.store.AddWarehouse(other)
	for _, wh := range []id.ID{f.wh, other} {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, fmt.Sprintf("/api/v1/ledger/warehouses/%s/open", wh), nil).Code)
	}

	draft := f.entry(ledger.DirectionReceipt, 1, "10", "10")
	draft["draft"] = true
	rec := f.do(http.MethodPost, "/api/v1/ledger/entries", draft)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "unlinked", decode[map[string]any](t, rec)["linkState"])

	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionReceipt, 1, "100", "80")).Code)

	rec = f.do(http.MethodPost, "/api/v1/ledger/transfers", map[string]any{
		"sourceId":        "move-1",
		"fromWarehouseId": f.wh.String(),
		"toWarehouseId":   other.String(),
		"product":         "fuel",
		"quantity":        "25",
		"effectiveDate":   time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	transfer := decode[map[string]any](t, rec)
	assertDecimal(t, "75", transfer["out"].(map[string]any)["aggregate"].(map[string]any)["balance"])
	inAggregate := transfer["in"].(map[string]any)["aggregate"].(map[string]any)
	assertDecimal(t, "25", inAggregate["balance"])
	assertDecimal(t, "0.8", inAggregate["averageCost"])

	rec = f.do(http.MethodGet, fmt.Sprintf("/api/v1/ledger/warehouses/%s/balances", other), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := decode[map[string][]map[string]any](t, rec)["items"]
	require.Len(t, items, 2)
	assert.Equal(t, "fuel", items[0]["product"])
	assertDecimal(t, "25", items[0]["balance"])

	rec = f.do(http.MethodPost, "/api/v1/ledger/rebuild", map[string]any{"warehouseId": other.String(), "product": "fuel"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 1, decode[map[string]any](t, rec)["replayed"])
}

func TestRouter_PointInTimeBalanceBypassesCache(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, fmt.Sprintf("/api/v1/ledger/warehouses/%s/open", f.wh), nil).Code)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionReceipt, 1, "50", "40")).Code)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/api/v1/ledger/entries", f.entry(ledger.DirectionReceipt, 5, "50", "60")).Code)

	rec := f.do(http.MethodGet, f.balancePath()+"&asOf=2024-05-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assertDecimal(t, "50", body["balance"])
	assert.NotNil(t, body["asOf"])
	assert.Equal(t, 0, f.balances.GetStats().Entries)
}
