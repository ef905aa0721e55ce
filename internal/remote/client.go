package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"kasirinaja/terminal/internal/domain"
)

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 15 * time.Second
)

type Options struct {
	BaseURL      string
	Token        string
	TerminalID   string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Client talks to the store back office. Every call is bounded by the read
// or write timeout and its outcome is reported to the observer, which the
// connectivity monitor uses to flip between online and offline.
type Client struct {
	http         *resty.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	log          *zap.Logger
	observe      func(error)
}

func NewClient(opts Options) *Client {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	rc := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if opts.Token != "" {
		rc.SetAuthToken(opts.Token)
	}
	if opts.TerminalID != "" {
		rc.SetHeader("X-Terminal-ID", opts.TerminalID)
	}

	return &Client{
		http:         rc,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		log:          log,
		observe:      func(error) {},
	}
}

// Observe registers fn to receive the error (or nil) of every call.
func (c *Client) Observe(fn func(error)) {
	if fn == nil {
		fn = func(error) {}
	}
	c.observe = fn
}

func (c *Client) Close() error {
	return c.http.Close()
}

type call struct {
	method  string
	path    string
	query   map[string]string
	headers map[string]string
	body    any
	write   bool
}

type reply struct {
	status int
	body   []byte
}

func (c *Client) do(parent context.Context, in call) (reply, error) {
	timeout := c.readTimeout
	if in.write {
		timeout = c.writeTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req := c.http.R().SetContext(ctx)
	for k, v := range in.query {
		req.SetQueryParam(k, v)
	}
	for k, v := range in.headers {
		req.SetHeader(k, v)
	}
	if in.body != nil {
		req.SetBody(in.body)
	}

	started := time.Now()
	resp, err := req.Execute(in.method, in.path)
	if err != nil {
		// Abandoned by the caller: not reported to the observer.
		if perr := parent.Err(); perr != nil {
			c.log.Debug("back office call abandoned by caller",
				zap.String("method", in.method),
				zap.String("path", in.path),
				zap.Error(perr),
			)
			return reply{}, fmt.Errorf("remote: %s %s: %w", in.method, in.path, perr)
		}
		err = classifyTransport(ctx, err)
		c.log.Warn("back office call failed",
			zap.String("method", in.method),
			zap.String("path", in.path),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
		c.observe(err)
		return reply{}, err
	}

	out := reply{status: resp.StatusCode(), body: []byte(resp.String())}
	if out.status >= http.StatusInternalServerError {
		err := fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, in.method, in.path, out.status)
		c.observe(err)
		return out, err
	}
	c.observe(nil)
	return out, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// statusError maps a 4xx reply onto the package sentinels.
func statusError(r reply) error {
	switch r.status {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return decodeConflict(r.body)
	default:
		if r.status >= http.StatusBadRequest {
			return &RejectedError{Status: r.status, Message: errorMessageFromBody(r.body)}
		}
		return nil
	}
}

// commitError is statusError for writes: a 2xx body that reports failure
// counts as a refusal.
func commitError(r reply) error {
	if err := statusError(r); err != nil {
		return err
	}
	return refusal(r.body)
}

// Ping checks that the back office answers at all.
func (c *Client) Ping(ctx context.Context) error {
	r, err := c.do(ctx, call{method: http.MethodGet, path: "/healthz"})
	if err != nil {
		return err
	}
	if r.status >= http.StatusBadRequest {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, r.status)
	}
	return nil
}

func (c *Client) CurrentShift(ctx context.Context, storeID string) (*domain.Shift, error) {
	r, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/shifts/current",
		query:  map[string]string{"store_id": storeID},
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(r); err != nil {
		return nil, err
	}
	shift, err := decodeShift(r.body)
	if err != nil {
		return nil, err
	}
	if shift == nil || shift.Status != domain.ShiftStatusOpen {
		return nil, ErrNotFound
	}
	return shift, nil
}

func (c *Client) OpenShift(ctx context.Context, in domain.ShiftOpenRequest) (*domain.Shift, error) {
	r, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/shifts/open",
		body:   in,
		write:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(r); err != nil {
		return nil, err
	}
	shift, err := decodeShift(r.body)
	if err != nil {
		return nil, err
	}
	if shift == nil {
		return nil, fmt.Errorf("%w: open shift returned no shift", ErrBadResponse)
	}
	return shift, nil
}

func (c *Client) CloseShift(ctx context.Context, in domain.ShiftCloseRequest) (*domain.ClosedShift, error) {
	r, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/shifts/close",
		body:   in,
		write:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := commitError(r); err != nil {
		return nil, err
	}
	return decodeClosedShift(r.body)
}

// CreateSale commits a sale. The temp id is sent as the idempotency key so a
// replay through the offline queue cannot create a second record.
func (c *Client) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	r, err := c.do(ctx, call{
		method:  http.MethodPost,
		path:    "/api/sales",
		headers: map[string]string{"Idempotency-Key": sale.TempID},
		body:    sale,
		write:   true,
	})
	if err != nil {
		return nil, err
	}
	if err := commitError(r); err != nil {
		return nil, err
	}
	return decodeSale(r.body, sale)
}

type syncRequest struct {
	Sales []domain.PendingSale `json:"sales"`
}

func (c *Client) SyncSales(ctx context.Context, sales []domain.PendingSale) (*domain.SyncAck, error) {
	r, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/sales/sync",
		body:   syncRequest{Sales: sales},
		write:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := commitError(r); err != nil {
		return nil, err
	}
	return decodeSyncAck(r.body, len(sales))
}

func (c *Client) SearchProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	r, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/products/search",
		query:  map[string]string{"sku": sku},
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(r); err != nil {
		return nil, err
	}
	product, err := decodeProduct(r.body)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	return product, nil
}

func (c *Client) ListProducts(ctx context.Context, storeID string) ([]domain.Product, error) {
	r, err := c.do(ctx, call{
		method: http.MethodGet,
		path:   "/api/products",
		query:  map[string]string{"store_id": storeID},
	})
	if err != nil {
		return nil, err
	}
	if err := statusError(r); err != nil {
		return nil, err
	}
	return decodeProducts(r.body)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (c *Client) CancelSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	r, err := c.do(ctx, call{
		method: http.MethodPost,
		path:   "/api/sales/" + saleID + "/cancel",
		body:   cancelRequest{Reason: reason},
		write:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := commitError(r); err != nil {
		return nil, err
	}
	return decodeStatusReply(r.body, saleID, domain.SaleCancelled)
}

type statusRequest struct {
	Status domain.SaleStatus `json:"status"`
}

func (c *Client) UpdateSaleStatus(ctx context.Context, saleID string, status domain.SaleStatus) (*domain.Sale, error) {
	r, err := c.do(ctx, call{
		method: http.MethodPatch,
		path:   "/api/sales/" + saleID + "/status",
		body:   statusRequest{Status: status},
		write:  true,
	})
	if err != nil {
		return nil, err
	}
	if err := commitError(r); err != nil {
		return nil, err
	}
	return decodeStatusReply(r.body, saleID, status)
}

// decodeStatusReply accepts either a sale record or a bare acknowledgement
// such as {"success":true}.
func decodeStatusReply(body []byte, saleID string, status domain.SaleStatus) (*domain.Sale, error) {
	fallback := domain.Sale{ID: saleID, Status: status}
	if len(strings.TrimSpace(string(body))) == 0 {
		return &fallback, nil
	}
	f, err := decodeObject(body, saleWrappers)
	if err != nil {
		return nil, err
	}
	if f == nil || f.str("id", "_id", "sale_id", "saleId", "venta_id", "ventaId") == "" {
		fallback.SyncState = domain.SyncConfirmed
		return &fallback, nil
	}
	return saleFromFields(f, fallback)
}
