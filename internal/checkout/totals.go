package checkout

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

// BuildSale validates a checkout request and computes every derived amount.
// A line without a positive unit cost counts as full margin.
func BuildSale(req domain.CheckoutRequest, now time.Time) (domain.Sale, error) {
	if strings.TrimSpace(req.StoreID) == "" {
		return domain.Sale{}, fmt.Errorf("%w: store id is required", domain.ErrValidation)
	}
	if strings.TrimSpace(req.SellerID) == "" {
		return domain.Sale{}, fmt.Errorf("%w: seller id is required", domain.ErrValidation)
	}
	if !req.PaymentMethod.Valid() {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method %q", domain.ErrValidation, req.PaymentMethod)
	}
	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: cart is empty", domain.ErrValidation)
	}
	if req.Discount.IsNegative() || req.TaxTotal.IsNegative() {
		return domain.Sale{}, fmt.Errorf("%w: discount and tax must not be negative", domain.ErrValidation)
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	subtotal := decimal.Zero
	totalCost := decimal.Zero
	for i, line := range req.Items {
		if strings.TrimSpace(line.ProductID) == "" {
			return domain.Sale{}, fmt.Errorf("%w: line %d has no product", domain.ErrValidation, i+1)
		}
		if line.Quantity <= 0 {
			return domain.Sale{}, fmt.Errorf("%w: line %d quantity must be positive", domain.ErrValidation, i+1)
		}
		if line.UnitPrice.IsNegative() {
			return domain.Sale{}, fmt.Errorf("%w: line %d price must not be negative", domain.ErrValidation, i+1)
		}

		qty := decimal.NewFromInt(int64(line.Quantity))
		revenue := line.UnitPrice.Mul(qty).Round(2)
		subtotal = subtotal.Add(revenue)
		if line.UnitCost.IsPositive() {
			totalCost = totalCost.Add(line.UnitCost.Mul(qty).Round(2))
		}

		items = append(items, domain.SaleItem{
			ProductID: line.ProductID,
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			UnitCost:  line.UnitCost,
			Subtotal:  revenue,
		})
	}

	if req.Discount.GreaterThan(subtotal) {
		return domain.Sale{}, fmt.Errorf("%w: discount exceeds subtotal", domain.ErrValidation)
	}
	total := subtotal.Sub(req.Discount).Add(req.TaxTotal).Round(2)

	return domain.Sale{
		Date:          now,
		SellerID:      req.SellerID,
		StoreID:       req.StoreID,
		PaymentMethod: req.PaymentMethod,
		Items:         items,
		Subtotal:      subtotal.Round(2),
		TotalDiscount: req.Discount.Round(2),
		TaxTotal:      req.TaxTotal.Round(2),
		Total:         total,
		TotalCost:     totalCost.Round(2),
		NetProfit:     total.Sub(totalCost).Round(2),
		Status:        domain.SaleActive,
		SyncState:     domain.SyncPending,
	}, nil
}
