package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"kasirinaja/terminal/internal/clock"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/metrics"
	"kasirinaja/terminal/internal/remote"
	"kasirinaja/terminal/internal/session"
	"kasirinaja/terminal/internal/store"
	"kasirinaja/terminal/internal/xid"
)

var (
	ErrOffline          = errors.New("back office unreachable")
	ErrNotSynced        = errors.New("sale has not been synced yet")
	ErrManagerPIN       = errors.New("manager pin required")
	ErrAlreadyCancelled = errors.New("sale already cancelled")
	ErrInvalidStatus    = errors.New("status transition not allowed")
	ErrSyncUnconfirmed  = errors.New("back office did not confirm the synced sales")
)

type Authority interface {
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	SyncSales(ctx context.Context, sales []domain.PendingSale) (*domain.SyncAck, error)
	CancelSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error)
	UpdateSaleStatus(ctx context.Context, saleID string, status domain.SaleStatus) (*domain.Sale, error)
}

type Connectivity interface {
	Online() bool
}

type Stock interface {
	Decrement(ctx context.Context, items []domain.SaleItem) []domain.StockWarning
	Refresh(ctx context.Context) error
}

type Shift interface {
	ActiveShift() (domain.Shift, bool)
	ContributeCashSale(ctx context.Context, amount decimal.Decimal) error
}

type ManagerAuth interface {
	ValidateManagerPIN(pin string) bool
}

type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureRejected   FailureKind = "rejected"
	FailureStorage    FailureKind = "storage"
	FailureInternal   FailureKind = "internal"
	FailureCancelled  FailureKind = "cancelled"
)

const (
	PathOnline  = "online"
	PathOffline = "offline"
)

// Result is what the till gets back from a checkout. A failed result carries
// zero deltas and means nothing was applied locally.
type Result struct {
	Success       bool                  `json:"success"`
	Kind          FailureKind           `json:"kind,omitempty"`
	Message       string                `json:"message,omitempty"`
	Revenue       decimal.Decimal       `json:"revenue"`
	Profit        decimal.Decimal       `json:"profit"`
	Offline       bool                  `json:"offline"`
	Sale          *domain.Sale          `json:"sale,omitempty"`
	StockWarnings []domain.StockWarning `json:"stock_warnings,omitempty"`
}

func failure(kind FailureKind, err error) Result {
	return Result{Kind: kind, Message: err.Error(), Revenue: decimal.Zero, Profit: decimal.Zero}
}

type Deps struct {
	Authority Authority
	Queue     store.PendingQueue
	Conn      Connectivity
	Stock     Stock
	Shift     Shift
	History   *History
	Managers  ManagerAuth
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Processor turns a cart into a sale. Online it commits to the back office,
// offline it writes to the durable queue; either way the sale shows up in the
// history immediately.
type Processor struct {
	Deps
}

func NewProcessor(d Deps) *Processor {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.History == nil {
		d.History = NewHistory(nil, d.Logger)
	}
	return &Processor{Deps: d}
}

func (p *Processor) ProcessSale(ctx context.Context, req domain.CheckoutRequest) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.Logger.Error("checkout panicked", zap.Any("panic", r))
			p.Metrics.SaleProcessed("none", "panic")
			res = failure(FailureInternal, fmt.Errorf("unexpected checkout failure: %v", r))
		}
	}()

	sale, err := BuildSale(req, p.Clock.Now())
	if err != nil {
		p.Metrics.SaleProcessed("none", string(FailureValidation))
		return failure(FailureValidation, err)
	}
	sale.TempID = xid.TempID()
	if shift, ok := p.Shift.ActiveShift(); ok {
		sale.ShiftID = shift.ID
	}

	path := PathOffline
	if p.Conn == nil || p.Conn.Online() {
		path = PathOnline
	}

	if path == PathOnline {
		p.History.append(ctx, sale)
		created, err := p.Authority.CreateSale(ctx, sale)
		switch {
		case err == nil:
			sale = *created
			sale.SyncState = domain.SyncConfirmed
			p.History.confirm(ctx, sale.TempID, sale)
		case remote.IsTransport(err):
			p.Logger.Warn("online commit failed, queueing sale",
				zap.String("temp_id", sale.TempID),
				zap.Error(err),
			)
			path = PathOffline
		case errors.Is(err, context.Canceled):
			p.History.remove(ctx, sale.TempID)
			p.Metrics.SaleProcessed(path, string(FailureCancelled))
			return failure(FailureCancelled, err)
		default:
			p.History.remove(ctx, sale.TempID)
			p.Metrics.SaleProcessed(path, string(FailureRejected))
			return failure(FailureRejected, err)
		}
	}

	if path == PathOffline {
		if err := p.Queue.Enqueue(ctx, domain.PendingFromSale(sale, p.Clock.Now())); err != nil {
			p.History.remove(ctx, sale.TempID)
			p.Logger.Error("persist offline sale failed", zap.String("temp_id", sale.TempID), zap.Error(err))
			p.Metrics.SaleProcessed(path, string(FailureStorage))
			return failure(FailureStorage, fmt.Errorf("could not store offline sale: %w", err))
		}
		p.History.append(ctx, sale)
		p.refreshQueueDepth(ctx)
	}

	warnings := p.Stock.Decrement(ctx, sale.Items)

	if sale.PaymentMethod == domain.PaymentCash {
		if err := p.Shift.ContributeCashSale(ctx, sale.Total); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
			p.Logger.Warn("cash contribution failed", zap.String("temp_id", sale.TempID), zap.Error(err))
		}
	}

	p.Metrics.SaleProcessed(path, "success")
	p.Logger.Info("sale recorded",
		zap.String("temp_id", sale.TempID),
		zap.String("sale_id", sale.ID),
		zap.String("path", path),
		zap.Stringer("total", sale.Total),
	)

	out := sale
	return Result{
		Success:       true,
		Revenue:       sale.Total,
		Profit:        sale.NetProfit,
		Offline:       path == PathOffline,
		Sale:          &out,
		StockWarnings: warnings,
	}
}

// CancelSale asks the back office to reverse a synced sale. It never touches
// the shift's cash total.
func (p *Processor) CancelSale(ctx context.Context, saleID string, managerPIN string, reason string) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", domain.ErrValidation)
	}
	if p.Managers == nil || !p.Managers.ValidateManagerPIN(managerPIN) {
		return domain.Sale{}, ErrManagerPIN
	}
	if p.Conn != nil && !p.Conn.Online() {
		return domain.Sale{}, ErrOffline
	}

	local, known := p.History.Find(saleID)
	if known {
		if local.ID == "" || local.SyncState == domain.SyncPending {
			return domain.Sale{}, ErrNotSynced
		}
		if local.Status == domain.SaleCancelled {
			return domain.Sale{}, ErrAlreadyCancelled
		}
		saleID = local.ID
	}

	cancelled, err := p.Authority.CancelSale(ctx, saleID, reason)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("cancel sale: %w", err)
	}

	updated := *cancelled
	updated.Status = domain.SaleCancelled
	if known {
		p.History.update(ctx, saleID, func(s *domain.Sale) {
			s.Status = domain.SaleCancelled
		})
		updated, _ = p.History.Find(saleID)
	}

	if err := p.Stock.Refresh(ctx); err != nil {
		p.Logger.Warn("catalog refresh after cancel failed", zap.String("sale_id", saleID), zap.Error(err))
	}
	p.Logger.Info("sale cancelled", zap.String("sale_id", saleID), zap.String("reason", reason))
	return updated, nil
}

// UpdateDeliveryStatus moves a sale along ACTIVE/PENDING -> DELIVERED ->
// COMPLETED. The back office is updated first.
func (p *Processor) UpdateDeliveryStatus(ctx context.Context, saleID string, status domain.SaleStatus) (domain.Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, fmt.Errorf("%w: sale id is required", domain.ErrValidation)
	}
	if status != domain.SaleDelivered && status != domain.SaleCompleted {
		return domain.Sale{}, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	if p.Conn != nil && !p.Conn.Online() {
		return domain.Sale{}, ErrOffline
	}

	local, known := p.History.Find(saleID)
	if known {
		if local.ID == "" || local.SyncState == domain.SyncPending {
			return domain.Sale{}, ErrNotSynced
		}
		if !transitionAllowed(local.Status, status) {
			return domain.Sale{}, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, local.Status, status)
		}
		saleID = local.ID
	}

	remoteSale, err := p.Authority.UpdateSaleStatus(ctx, saleID, status)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("update sale status: %w", err)
	}

	updated := *remoteSale
	updated.Status = status
	if known {
		p.History.update(ctx, saleID, func(s *domain.Sale) { s.Status = status })
		updated, _ = p.History.Find(saleID)
	}
	return updated, nil
}

func transitionAllowed(from domain.SaleStatus, to domain.SaleStatus) bool {
	switch to {
	case domain.SaleDelivered:
		return from == domain.SaleActive || from == domain.SalePending
	case domain.SaleCompleted:
		return from == domain.SaleDelivered
	default:
		return false
	}
}

func (p *Processor) refreshQueueDepth(ctx context.Context) {
	if p.Metrics == nil {
		return
	}
	if n, err := p.Queue.Count(ctx); err == nil {
		p.Metrics.QueueDepth(n)
	}
}
