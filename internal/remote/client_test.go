package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"kasirinaja/terminal/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:      srv.URL,
		Token:        "token-1",
		TerminalID:   "till-1",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCurrentShiftUnwrapsSpanishPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/shifts/current", r.URL.Path)
		assert.Equal(t, "store-1", r.URL.Query().Get("store_id"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"data":{"turno":{
			"_id":"shift-9","tiendaId":"store-1","usuarioId":"u-1",
			"fechaApertura":"2026-03-01T08:00:00Z","montoInicial":"500.00",
			"ventasEfectivo":120.56,"estado":"ABIERTO"}}}`)
	})

	shift, err := c.CurrentShift(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, "shift-9", shift.ID)
	assert.Equal(t, "u-1", shift.OwnerID)
	assert.Equal(t, domain.ShiftStatusOpen, shift.Status)
	assert.True(t, decimal.RequireFromString("500").Equal(shift.StartBalance))
	assert.True(t, decimal.RequireFromString("120.56").Equal(shift.CashSales))
	assert.True(t, shift.StartTime.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))
}

func TestCurrentShiftNotFoundShapes(t *testing.T) {
	bodies := map[string]struct {
		status int
		body   string
	}{
		"404":        {http.StatusNotFound, `{"message":"no shift"}`},
		"null data":  {http.StatusOK, `{"data":null}`},
		"empty":      {http.StatusOK, `{}`},
		"closed":     {http.StatusOK, `{"id":"s1","start_time":"2026-03-01T08:00:00Z","status":"CLOSED"}`},
		"json null":  {http.StatusOK, `null`},
		"null shift": {http.StatusOK, `{"data":{"shift":null}}`},
	}
	for name, tc := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := c.CurrentShift(context.Background(), "store-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCurrentShiftNonJSONIsTransport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>gateway</html>")
	})
	_, err := c.CurrentShift(context.Background(), "store-1")
	require.ErrorIs(t, err, ErrBadResponse)
	assert.True(t, IsTransport(err))
}

func TestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Options{BaseURL: srv.URL, ReadTimeout: 50 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	var observed error
	c.Observe(func(err error) { observed = err })

	_, err := c.CurrentShift(context.Background(), "store-1")
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, Retryable(err))
	assert.ErrorIs(t, observed, ErrTimeout)
}

func TestOpenShiftConflictCarriesExistingShift(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "store-1", body["store_id"])
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"shift already open","shift":{"id":"shift-1","startTime":"2026-03-01T08:00:00Z","startBalance":100,"status":"OPEN"}}`)
	})

	_, err := c.OpenShift(context.Background(), domain.ShiftOpenRequest{
		StoreID:       "store-1",
		InitialAmount: decimal.NewFromInt(100),
		OpenedBy:      "u-1",
	})
	require.ErrorIs(t, err, ErrConflict)

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.NotNil(t, conflict.Shift)
	assert.Equal(t, "shift-1", conflict.Shift.ID)
	assert.Equal(t, "shift already open", conflict.Message)
}

func TestOpenShiftConflictWithoutPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"already open"}`)
	})
	_, err := c.OpenShift(context.Background(), domain.ShiftOpenRequest{StoreID: "store-1"})
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Nil(t, conflict.Shift)
}

func TestCloseShiftReadsDifference(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":{"diferencia":"-20.56","shift":{"id":"shift-1","start_time":"2026-03-01T08:00:00Z","status":"CERRADO"}}}`)
	})
	closed, err := c.CloseShift(context.Background(), domain.ShiftCloseRequest{StoreID: "store-1", ShiftID: "shift-1"})
	require.NoError(t, err)
	require.NotNil(t, closed.Difference)
	assert.Equal(t, "-20.56", closed.Difference.StringFixed(2))
	require.NotNil(t, closed.Shift)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Shift.Status)
}

func TestCreateSaleSendsIdempotencyKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "temp-1", r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"venta":{"ventaId":"sale-77","estado":"ACTIVA"}}`)
	})

	local := domain.Sale{TempID: "temp-1", Total: decimal.RequireFromString("100.00"), PaymentMethod: domain.PaymentCash}
	sale, err := c.CreateSale(context.Background(), local)
	require.NoError(t, err)
	assert.Equal(t, "sale-77", sale.ID)
	assert.Equal(t, "temp-1", sale.TempID)
	assert.Equal(t, domain.SyncConfirmed, sale.SyncState)
	assert.True(t, local.Total.Equal(sale.Total))
}

func TestCreateSaleValidationIsNotTransport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"error":{"message":"product inactive"}}`)
	})
	_, err := c.CreateSale(context.Background(), domain.Sale{TempID: "t"})
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "product inactive")
}

func TestServerErrorIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.SyncSales(context.Background(), []domain.PendingSale{{TempID: "a"}})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestSyncSalesAck(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Sales []domain.PendingSale `json:"sales"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Sales, 2)
		_, _ = io.WriteString(w, `{"received":2,"results":[
			{"tempId":"a","status":"accepted","transactionId":"sale-1"},
			{"tempId":"b","estado":"rechazada","motivo":"unknown product"}]}`)
	})
	ack, err := c.SyncSales(context.Background(), []domain.PendingSale{{TempID: "a"}, {TempID: "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Received)
	require.Len(t, ack.Statuses, 2)
	assert.Equal(t, domain.SyncStatus{TempID: "a", Status: domain.SyncStatusAccepted, SaleID: "sale-1"}, ack.Statuses[0])
	assert.Equal(t, domain.SyncStatusRejected, ack.Statuses[1].Status)
	assert.Equal(t, "unknown product", ack.Statuses[1].Reason)
}

func TestSearchProductBySKU(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("sku") {
		case "SKU123":
			_, _ = io.WriteString(w, `{"producto":{"id":"p-1","codigo":"sku123","nombre":"Kopi","existencia":0,"precio_venta":"12.50","activo":true}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	p, err := c.SearchProductBySKU(context.Background(), "SKU123")
	require.NoError(t, err)
	assert.Equal(t, "SKU123", p.SKU)
	assert.Equal(t, 0, p.Stock)
	assert.True(t, p.IsActive)
	assert.Equal(t, "12.50", p.SalePrice.StringFixed(2))

	_, err = c.SearchProductBySKU(context.Background(), "NOPE")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListProductsAcceptsBareArrayAndEnvelope(t *testing.T) {
	for name, body := range map[string]string{
		"array":    `[{"id":"p-1","sku":"A","stock":3},{"id":"p-2","sku":"B","stock":-1}]`,
		"envelope": `{"data":{"products":[{"id":"p-1","sku":"A","stock":3},{"id":"p-2","sku":"B","stock":-1}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			products, err := c.ListProducts(context.Background(), "store-1")
			require.NoError(t, err)
			require.Len(t, products, 2)
			assert.Equal(t, -1, products[1].Stock)
		})
	}
}

func TestCancelSaleAcceptsBareAck(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sales/sale-1/cancel", r.URL.Path)
		_, _ = io.WriteString(w, `{"success":true}`)
	})
	sale, err := c.CancelSale(context.Background(), "sale-1", "customer changed mind")
	require.NoError(t, err)
	assert.Equal(t, "sale-1", sale.ID)
	assert.Equal(t, domain.SaleCancelled, sale.Status)
}

func TestUnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url, ReadTimeout: time.Second, Logger: zaptest.NewLogger(t)})
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransport(err))
}

func TestCallerCancellationIsNotAnOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, ReadTimeout: 5 * time.Second, Logger: zaptest.NewLogger(t)})
	var observed atomic.Int32
	c.Observe(func(error) { observed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.CurrentShift(ctx, "store-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransport(err))
	assert.Zero(t, observed.Load())
}

func TestSyncSalesRefusedInSuccessfulReply(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"received":0,"message":"database unavailable"}`)
	})
	_, err := c.SyncSales(context.Background(), []domain.PendingSale{{TempID: "a"}, {TempID: "b"}})
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsTransport(err))
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestStatusChangeRefusedInSuccessfulReply(t *testing.T) {
	for name, body := range map[string]string{
		"success false": `{"success":false}`,
		"error string":  `{"error":"sale locked"}`,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			_, err := c.CancelSale(context.Background(), "sale-1", "wrong item")
			require.ErrorIs(t, err, ErrRejected)

			_, err = c.UpdateSaleStatus(context.Background(), "sale-1", domain.SaleDelivered)
			require.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestCurrentShiftUnknownStatusIsNotOpen(t *testing.T) {
	for _, status := range []string{"SUSPENDED", "PENDING_CLOSE"} {
		t.Run(status, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"id":"s1","start_time":"2026-03-01T08:00:00Z","status":"`+status+`"}`)
			})
			_, err := c.CurrentShift(context.Background(), "store-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"s2","start_time":"2026-03-01T08:00:00Z"}`)
	})
	shift, err := c.CurrentShift(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusOpen, shift.Status)
}

func TestEpochTimestampsInSecondsAndMillis(t *testing.T) {
	opened := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	for name, value := range map[string]int64{
		"seconds": opened.Unix(),
		"millis":  opened.UnixMilli(),
	} {
		t.Run(name, func(t *testing.T) {
			body := `{"id":"s1","status":"OPEN","start_time":` + strconv.FormatInt(value, 10) + `}`
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, body)
			})
			shift, err := c.CurrentShift(context.Background(), "store-1")
			require.NoError(t, err)
			assert.True(t, shift.StartTime.Equal(opened), "got %s", shift.StartTime)
		})
	}
}
