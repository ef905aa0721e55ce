package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kasirinaja/terminal/internal/domain"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	rig := newTestRig(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	res := httptest.NewRecorder()

	rig.handler.ServeHTTP(res, req)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	rig := newTestRig(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/checkout", nil)
	res := httptest.NewRecorder()
	rig.handler.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.Code)
	}
}

func TestAPIRequiresBearerToken(t *testing.T) {
	rig := newTestRig(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	res := httptest.NewRecorder()
	rig.handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if kind := errorKind(t, res); kind != "unauthorized" {
		t.Fatalf("expected unauthorized kind, got %q", kind)
	}
}

func TestTokenForAnotherStoreIsForbidden(t *testing.T) {
	rig := newTestRig(t)
	token, _ := rig.auth.Sign(domain.Actor{UserID: "kasir-9", Role: "cashier", StoreID: "store-2"}, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()
	rig.handler.ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	rig := newTestRig(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"code":"%s"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scanner/lookup", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+rig.token(t, "cashier"))
	res := httptest.NewRecorder()
	rig.handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	rig := newTestRig(t)
	res := rig.do(t, http.MethodPost, "/api/v1/session/open", map[string]any{"start_balance": "100", "cash": "lots"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestPanicBecomesStructuredFailure(t *testing.T) {
	rig := newTestRig(t)
	handler := rig.api.withMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("drawer jammed")
	}))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	if kind := errorKind(t, res); kind != "internal" {
		t.Fatalf("expected internal kind, got %q", kind)
	}
}

func TestCancelPINAttemptsAreRateLimited(t *testing.T) {
	rig := newTestRig(t)
	for i := 0; i < 9; i++ {
		res := rig.do(t, http.MethodPost, "/api/v1/sales/sale-404/cancel", map[string]any{"manager_pin": "000000"})
		if i < 8 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before limit, got %d", i+1, res.Code)
		}
		if i == 8 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 9 expected 429, got %d", res.Code)
		}
	}
}

func TestScannerWebSocketStreamsResults(t *testing.T) {
	rig := newTestRig(t)
	srv := httptest.NewServer(rig.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/scanner/ws?access_token=" + rig.token(t, "cashier")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("sku-a\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var result struct {
		Code    string `json:"code"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(msg, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Code != "SKU-A" || result.Outcome != "found" {
		t.Fatalf("unexpected scan result %+v", result)
	}
	if lines := rig.api.Cart.Lines(); len(lines) != 1 {
		t.Fatalf("expected the scanned product in the cart, got %v", lines)
	}
}

func TestScannerWebSocketRequiresToken(t *testing.T) {
	rig := newTestRig(t)
	srv := httptest.NewServer(rig.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/scanner/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
}
