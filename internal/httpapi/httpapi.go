package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/cart"
	"kasirinaja/terminal/internal/catalog"
	"kasirinaja/terminal/internal/checkout"
	"kasirinaja/terminal/internal/connectivity"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/scanner"
	"kasirinaja/terminal/internal/session"
	"kasirinaja/terminal/internal/store"
)

type Deps struct {
	Auth      *AuthManager
	Session   *session.Manager
	Recovery  *session.Recovery
	Cart      *cart.Cart
	Catalog   *catalog.Catalog
	Processor *checkout.Processor
	Syncer    *checkout.Syncer
	Queue     store.PendingQueue
	Scanner   *scanner.Pipeline
	Monitor   *connectivity.Monitor
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	StoreID       string
	AllowedOrigin string
}

// API is the local surface the till UI talks to.
type API struct {
	Deps
	pinLimiter *attemptLimiter
	upgrader   websocket.Upgrader
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	a := &API{
		Deps:       d,
		pinLimiter: newAttemptLimiter(8, time.Minute),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     a.checkOrigin,
	}
	return a
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics.Handler())
	}

	mux.HandleFunc("GET /api/v1/session", a.requireAuth(a.handleSession))
	mux.HandleFunc("POST /api/v1/session/open", a.requireAuth(a.handleSessionOpen))
	mux.HandleFunc("POST /api/v1/session/close", a.requireAuth(a.handleSessionClose))
	mux.HandleFunc("POST /api/v1/session/refunds", a.requireAuth(a.handleRefund))

	mux.HandleFunc("GET /api/v1/products", a.requireAuth(a.handleProducts))

	mux.HandleFunc("GET /api/v1/cart", a.requireAuth(a.handleCart))
	mux.HandleFunc("PATCH /api/v1/cart/items", a.requireAuth(a.handleCartQuantity))
	mux.HandleFunc("DELETE /api/v1/cart", a.requireAuth(a.handleCartClear))

	mux.HandleFunc("POST /api/v1/checkout", a.requireAuth(a.handleCheckout))
	mux.HandleFunc("GET /api/v1/sales", a.requireAuth(a.handleSales))
	mux.HandleFunc("POST /api/v1/sales/{id}/cancel", a.requireAuth(a.handleSaleCancel))
	mux.HandleFunc("POST /api/v1/sales/{id}/status", a.requireAuth(a.handleSaleStatus))

	mux.HandleFunc("POST /api/v1/scanner/lookup", a.requireAuth(a.handleScanLookup))
	mux.HandleFunc("GET /api/v1/scanner/ws", a.requireAuth(a.handleScannerSocket))

	mux.HandleFunc("GET /api/v1/sync/pending", a.requireAuth(a.handlePending))
	mux.HandleFunc("POST /api/v1/sync", a.requireAuth(a.handleSync))

	return a.withMiddleware(mux)
}

// requireAuth accepts a bearer token, or an access_token query parameter on
// websocket upgrades since browsers cannot set headers there.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var token string
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		switch {
		case strings.HasPrefix(strings.ToLower(authorization), "bearer "):
			token = strings.TrimSpace(authorization[len("Bearer "):])
		case websocket.IsWebSocketUpgrade(r):
			token = strings.TrimSpace(r.URL.Query().Get("access_token"))
		}
		if token == "" {
			writeFailure(w, http.StatusUnauthorized, "unauthorized", "missing bearer token", false)
			return
		}

		actor, err := a.Auth.ParseToken(token)
		if err != nil {
			writeFailure(w, http.StatusUnauthorized, "unauthorized", err.Error(), false)
			return
		}
		if actor.StoreID == "" {
			actor.StoreID = a.StoreID
		}
		if a.StoreID != "" && actor.StoreID != a.StoreID {
			writeFailure(w, http.StatusForbidden, "forbidden", "token issued for another store", false)
			return
		}

		next(w, r.WithContext(WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	online := true
	var lastErr string
	if a.Monitor != nil {
		var err error
		online, err, _ = a.Monitor.Status()
		if err != nil {
			lastErr = err.Error()
		}
	}
	pending := 0
	if a.Queue != nil {
		pending, _ = a.Queue.Count(r.Context())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"online":     online,
		"last_error": lastErr,
		"pending":    pending,
		"at":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	outcome := a.Recovery.Run(r.Context(), actor.Identity())
	writeJSON(w, http.StatusOK, map[string]any{
		"recovery": outcome,
		"session":  a.Session.Snapshot(),
	})
}

type openRequest struct {
	StartBalance decimal.Decimal `json:"start_balance"`
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}

	actor, _ := ActorFromContext(r.Context())
	shift, err := a.Session.OpenSession(r.Context(), actor.Identity(), req.StartBalance)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shift":            shift,
		"expected_balance": shift.Expected(),
	})
}

type closeRequest struct {
	EndBalanceReal decimal.Decimal `json:"end_balance_real"`
	Notes          string          `json:"notes,omitempty"`
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}

	result, err := a.Session.CloseSession(r.Context(), req.EndBalanceReal, req.Notes)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *API) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, a.Logger, fmt.Errorf("%w: refund amount must be positive", domain.ErrValidation))
		return
	}

	if err := a.Session.ContributeRefund(r.Context(), req.Amount); err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": a.Session.Snapshot()})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"products":     a.Catalog.Products(),
		"refreshed_at": a.Catalog.RefreshedAt(),
	})
}

func (a *API) handleCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cartView())
}

type quantityRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (a *API) handleCartQuantity(w http.ResponseWriter, r *http.Request) {
	var req quantityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}
	if err := a.Cart.SetQuantity(req.ProductID, req.Quantity); err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) handleCartClear(w http.ResponseWriter, r *http.Request) {
	a.Cart.Clear()
	writeJSON(w, http.StatusOK, a.cartView())
}

func (a *API) cartView() map[string]any {
	return map[string]any{
		"items": a.Cart.Lines(),
		"total": a.Cart.Total(),
	}
}

type checkoutRequest struct {
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	Items         []domain.CartLine    `json:"items,omitempty"`
	Discount      decimal.Decimal      `json:"discount"`
	TaxTotal      decimal.Decimal      `json:"tax_total"`
}

// handleCheckout sells the explicit items when given, otherwise the current
// cart, which is emptied on success.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}

	actor, _ := ActorFromContext(r.Context())
	fromCart := len(req.Items) == 0
	items := req.Items
	if fromCart {
		items = a.Cart.Lines()
	}

	res := a.Processor.ProcessSale(r.Context(), domain.CheckoutRequest{
		StoreID:       actor.StoreID,
		SellerID:      actor.UserID,
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(string(req.PaymentMethod))),
		Items:         items,
		Discount:      req.Discount,
		TaxTotal:      req.TaxTotal,
	})
	if !res.Success {
		status := http.StatusInternalServerError
		switch res.Kind {
		case checkout.FailureValidation:
			status = http.StatusBadRequest
		case checkout.FailureRejected:
			status = http.StatusUnprocessableEntity
		}
		writeFailure(w, status, string(res.Kind), res.Message, false)
		return
	}
	if fromCart {
		a.Cart.Clear()
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sales": a.Processor.History.List()})
}

type cancelRequest struct {
	ManagerPIN string `json:"manager_pin"`
	Reason     string `json:"reason,omitempty"`
}

func (a *API) handleSaleCancel(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeFailure(w, http.StatusTooManyRequests, "rate_limited", "too many manager pin attempts", true)
		return
	}

	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}

	sale, err := a.Processor.CancelSale(r.Context(), r.PathValue("id"), req.ManagerPIN, req.Reason)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

type statusRequest struct {
	Status domain.SaleStatus `json:"status"`
}

func (a *API) handleSaleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}

	status := domain.SaleStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	sale, err := a.Processor.UpdateDeliveryStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

type lookupRequest struct {
	Code string `json:"code"`
}

func (a *API) handleScanLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, a.Logger, invalidBody(err))
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, a.Logger, fmt.Errorf("%w: code is required", domain.ErrValidation))
		return
	}
	writeJSON(w, http.StatusOK, a.Scanner.Submit(r.Context(), req.Code))
}

// handleScannerSocket feeds every text frame into the scanner keystroke by
// keystroke (a newline acts as Enter) and pushes each scan result back as a
// JSON frame.
func (a *API) handleScannerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn("scanner websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	results, unsubscribe := a.Scanner.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			for _, ch := range string(msg) {
				a.Scanner.Key(ch)
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(res); err != nil {
				return
			}
		}
	}
}

func (a *API) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || a.AllowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, a.AllowedOrigin)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := a.Queue.ListAll(r.Context())
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending, "count": len(pending)})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := a.Syncer.Drain(r.Context())
	if err != nil {
		writeError(w, a.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				a.Logger.Error("handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", p),
				)
				if !rec.wrote {
					writeFailure(rec, http.StatusInternalServerError, "internal", "internal server error", false)
				}
			}

			elapsed := time.Since(startedAt)
			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			a.Metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), elapsed.Seconds())
			a.Logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
			)
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrader take over the connection.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	s.wrote = true
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func invalidBody(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errBodyTooLarge
	}
	return fmt.Errorf("%w: invalid request body: %v", domain.ErrValidation, err)
}

var errBodyTooLarge = errors.New("request body too large")

// classify maps an error to its HTTP status, the kind reported to the till
// and whether retrying can help.
func classify(err error) (int, string, bool) {
	var conflict *remote.ConflictError
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "validation", false
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, "validation", false
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, "unauthorized", false
	case errors.Is(err, checkout.ErrManagerPIN):
		return http.StatusForbidden, "manager_pin", false
	case errors.Is(err, session.ErrOpenInProgress):
		return http.StatusConflict, "busy", true
	case errors.Is(err, session.ErrNoActiveSession):
		return http.StatusConflict, "no_session", false
	case errors.Is(err, session.ErrRecoveryFailed):
		return http.StatusConflict, "recovery_failed", false
	case errors.Is(err, checkout.ErrNotSynced):
		return http.StatusConflict, "not_synced", true
	case errors.Is(err, checkout.ErrAlreadyCancelled), errors.Is(err, checkout.ErrInvalidStatus):
		return http.StatusConflict, "invalid_state", false
	case errors.Is(err, cart.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock", false
	case errors.Is(err, cart.ErrInactive):
		return http.StatusConflict, "inactive", false
	case errors.Is(err, cart.ErrNoLine), errors.Is(err, catalog.ErrNotFound), errors.Is(err, remote.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", false
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict", false
	case errors.Is(err, remote.ErrRejected):
		return http.StatusUnprocessableEntity, "rejected", false
	case errors.Is(err, checkout.ErrOffline):
		return http.StatusServiceUnavailable, "offline", true
	case errors.Is(err, remote.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout", true
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrBadResponse), errors.Is(err, checkout.ErrSyncUnconfirmed):
		return http.StatusBadGateway, "unavailable", true
	default:
		return http.StatusInternalServerError, "internal", false
	}
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status, kind, retryable := classify(err)
	// 5xx bodies stay generic; 502/503/504 describe the back office, not us.
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error("internal error", zap.Error(err))
		msg = "internal server error"
	}
	writeFailure(w, status, kind, msg, retryable)
}

func writeFailure(w http.ResponseWriter, status int, kind string, message string, retryable bool) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]any{
			"kind":      kind,
			"message":   message,
			"retryable": retryable,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
