package cart

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrOutOfStock = errors.New("product out of stock")
	ErrInactive   = errors.New("product inactive")
	ErrNoLine     = errors.New("product not in cart")
)

// Cart is the till's in-progress order. Lines keep the price and cost seen
// when the product was added, so a background catalog refresh never changes
// an order that is being rung up.
type Cart struct {
	mu    sync.Mutex
	lines []domain.CartLine
}

func New() *Cart {
	return &Cart{}
}

// AddScanned adds one unit of p. The scanner path refuses to go beyond the
// known stock level.
func (c *Cart) AddScanned(p domain.Product) (domain.CartLine, error) {
	if !p.IsActive {
		return domain.CartLine{}, ErrInactive
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(p.ID)
	inCart := 0
	if idx >= 0 {
		inCart = c.lines[idx].Quantity
	}
	if p.Stock <= inCart {
		return domain.CartLine{}, fmt.Errorf("%w: %s has %d left", ErrOutOfStock, p.SKU, p.Stock)
	}

	if idx >= 0 {
		c.lines[idx].Quantity++
		return c.lines[idx], nil
	}
	line := domain.CartLine{
		ProductID: p.ID,
		SKU:       p.SKU,
		Name:      p.Name,
		UnitPrice: p.SalePrice,
		UnitCost:  p.CostPrice,
		Quantity:  1,
	}
	c.lines = append(c.lines, line)
	return line, nil
}

// SetQuantity is the manual edit path. It does not check stock; a quantity
// of zero or less removes the line.
func (c *Cart) SetQuantity(productID string, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(productID)
	if idx < 0 {
		return ErrNoLine
	}
	if quantity <= 0 {
		c.lines = slices.Delete(c.lines, idx, idx+1)
		return nil
	}
	c.lines[idx].Quantity = quantity
	return nil
}

func (c *Cart) Lines() []domain.CartLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.lines)
}

func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, l := range c.lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total.Round(2)
}

func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = nil
}

func (c *Cart) indexOf(productID string) int {
	return slices.IndexFunc(c.lines, func(l domain.CartLine) bool { return l.ProductID == productID })
}
