package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrValidation marks input rejected before any remote call is made.
var ErrValidation = errors.New("validation failed")

type ShiftStatus string

const (
	ShiftStatusOpen   ShiftStatus = "OPEN"
	ShiftStatusClosed ShiftStatus = "CLOSED"
)

// SessionState is the local view of the till: no shift, an open shift, or the
// shift that was just closed.
type SessionState string

const (
	SessionNone   SessionState = "NO_SESSION"
	SessionOpen   SessionState = "OPEN"
	SessionClosed SessionState = "CLOSED"
)

type Shift struct {
	ID              string           `json:"id"`
	StoreID         string           `json:"store_id"`
	TerminalID      string           `json:"terminal_id,omitempty"`
	OwnerID         string           `json:"owner_id"`
	StartTime       time.Time        `json:"start_time"`
	StartBalance    decimal.Decimal  `json:"start_balance"`
	CashSales       decimal.Decimal  `json:"cash_sales"`
	Refunds         decimal.Decimal  `json:"refunds"`
	ExpectedBalance *decimal.Decimal `json:"expected_balance,omitempty"`
	Status          ShiftStatus      `json:"status"`
	EndBalanceReal  *decimal.Decimal `json:"end_balance_real,omitempty"`
	Difference      *decimal.Decimal `json:"difference,omitempty"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
}

// Expected is startBalance + cashSales - refunds rounded to cents.
func (s Shift) Expected() decimal.Decimal {
	return s.StartBalance.Add(s.CashSales).Sub(s.Refunds).Round(2)
}

type ShiftOpenRequest struct {
	StoreID       string          `json:"store_id"`
	TerminalID    string          `json:"terminal_id,omitempty"`
	InitialAmount decimal.Decimal `json:"initial_amount"`
	OpenedBy      string          `json:"opened_by"`
}

type ShiftCloseRequest struct {
	StoreID        string          `json:"store_id"`
	ShiftID        string          `json:"shift_id"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Notes          string          `json:"notes,omitempty"`
}

// ClosedShift is what the authority answers to a close request.
type ClosedShift struct {
	Shift      *Shift           `json:"shift,omitempty"`
	Difference *decimal.Decimal `json:"difference,omitempty"`
}

type CloseResult struct {
	Shift      Shift           `json:"shift"`
	Expected   decimal.Decimal `json:"expected"`
	Difference decimal.Decimal `json:"difference"`
}

// Identity is the (user, store, role) triple recovery is keyed on.
type Identity struct {
	UserID  string `json:"user_id"`
	StoreID string `json:"store_id"`
	Role    string `json:"role"`
}

func (i Identity) Key() string {
	return i.UserID + "|" + i.StoreID + "|" + i.Role
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return true
	default:
		return false
	}
}

type SaleStatus string

const (
	SaleActive    SaleStatus = "ACTIVE"
	SalePending   SaleStatus = "PENDING"
	SaleCancelled SaleStatus = "CANCELLED"
	SaleDelivered SaleStatus = "DELIVERED"
	SaleCompleted SaleStatus = "COMPLETED"
)

// SyncState tracks the two phases of an optimistic sale: recorded locally,
// then confirmed (or rejected) by the authority.
type SyncState string

const (
	SyncPending   SyncState = "pending"
	SyncConfirmed SyncState = "confirmed"
	SyncRejected  SyncState = "rejected"
)

type SaleItem struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Sale struct {
	ID            string          `json:"id,omitempty"`
	TempID        string          `json:"temp_id,omitempty"`
	Date          time.Time       `json:"date"`
	SellerID      string          `json:"seller_id"`
	StoreID       string          `json:"store_id"`
	ShiftID       string          `json:"shift_id,omitempty"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	Status        SaleStatus      `json:"status"`
	SyncState     SyncState       `json:"sync_state"`
	RejectReason  string          `json:"reject_reason,omitempty"`
}

// Key is the server id once known, otherwise the client temp id.
func (s Sale) Key() string {
	if s.ID != "" {
		return s.ID
	}
	return s.TempID
}

// PendingSale is a sale recorded while offline, keyed by its client TempID.
type PendingSale struct {
	TempID        string          `json:"temp_id"`
	CreatedAt     time.Time       `json:"created_at"`
	Date          time.Time       `json:"date"`
	SellerID      string          `json:"seller_id"`
	StoreID       string          `json:"store_id"`
	ShiftID       string          `json:"shift_id,omitempty"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"total_discount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	Total         decimal.Decimal `json:"total"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	Status        SaleStatus      `json:"status"`
}

func PendingFromSale(s Sale, createdAt time.Time) PendingSale {
	return PendingSale{
		TempID:        s.TempID,
		CreatedAt:     createdAt,
		Date:          s.Date,
		SellerID:      s.SellerID,
		StoreID:       s.StoreID,
		ShiftID:       s.ShiftID,
		PaymentMethod: s.PaymentMethod,
		Items:         s.Items,
		Subtotal:      s.Subtotal,
		TotalDiscount: s.TotalDiscount,
		TaxTotal:      s.TaxTotal,
		Total:         s.Total,
		TotalCost:     s.TotalCost,
		NetProfit:     s.NetProfit,
		Status:        s.Status,
	}
}

func (p PendingSale) Sale() Sale {
	return Sale{
		TempID:        p.TempID,
		Date:          p.Date,
		SellerID:      p.SellerID,
		StoreID:       p.StoreID,
		ShiftID:       p.ShiftID,
		PaymentMethod: p.PaymentMethod,
		Items:         p.Items,
		Subtotal:      p.Subtotal,
		TotalDiscount: p.TotalDiscount,
		TaxTotal:      p.TaxTotal,
		Total:         p.Total,
		TotalCost:     p.TotalCost,
		NetProfit:     p.NetProfit,
		Status:        p.Status,
		SyncState:     SyncPending,
	}
}

const (
	SyncStatusAccepted  = "accepted"
	SyncStatusDuplicate = "duplicate"
	SyncStatusRejected  = "rejected"
)

type SyncStatus struct {
	TempID string `json:"temp_id"`
	Status string `json:"status"`
	SaleID string `json:"sale_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// SyncAck is the authority's receipt for a bulk sync. An empty Statuses list
// means every submitted entry was accepted.
type SyncAck struct {
	Received int          `json:"received"`
	Statuses []SyncStatus `json:"statuses,omitempty"`
}

type Product struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Stock     int             `json:"stock"`
	CostPrice decimal.Decimal `json:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	IsActive  bool            `json:"is_active"`
}

type CartLine struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku,omitempty"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Quantity  int             `json:"quantity"`
}

type CheckoutRequest struct {
	StoreID       string          `json:"store_id"`
	SellerID      string          `json:"seller_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Items         []CartLine      `json:"items"`
	Discount      decimal.Decimal `json:"discount"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
}

// StockWarning reports a cached stock level that went negative after a sale.
type StockWarning struct {
	ProductID string `json:"product_id"`
	SKU       string `json:"sku"`
	Stock     int    `json:"stock"`
}

type Actor struct {
	UserID  string
	Role    string
	StoreID string
}

func (a Actor) Identity() Identity {
	return Identity{UserID: a.UserID, StoreID: a.StoreID, Role: a.Role}
}
