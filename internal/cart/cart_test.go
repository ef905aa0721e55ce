package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
)

func product(stock int) domain.Product {
	return domain.Product{
		ID:        "p-1",
		SKU:       "A",
		Name:      "Teh",
		Stock:     stock,
		SalePrice: decimal.RequireFromString("50"),
		CostPrice: decimal.RequireFromString("30"),
		IsActive:  true,
	}
}

func TestAddScannedChecksStock(t *testing.T) {
	c := New()
	_, err := c.AddScanned(product(2))
	require.NoError(t, err)
	line, err := c.AddScanned(product(2))
	require.NoError(t, err)
	assert.Equal(t, 2, line.Quantity)

	_, err = c.AddScanned(product(2))
	require.ErrorIs(t, err, ErrOutOfStock)
	assert.Equal(t, 2, c.Lines()[0].Quantity)
}

func TestAddScannedRefusesInactive(t *testing.T) {
	p := product(5)
	p.IsActive = false
	_, err := New().AddScanned(p)
	require.ErrorIs(t, err, ErrInactive)
}

func TestManualQuantityIsNotStockChecked(t *testing.T) {
	c := New()
	_, err := c.AddScanned(product(1))
	require.NoError(t, err)

	require.NoError(t, c.SetQuantity("p-1", 7))
	assert.Equal(t, 7, c.Lines()[0].Quantity)
	assert.Equal(t, "350.00", c.Total().StringFixed(2))

	require.NoError(t, c.SetQuantity("p-1", 0))
	assert.Empty(t, c.Lines())
	require.ErrorIs(t, c.SetQuantity("p-1", 1), ErrNoLine)
}

func TestLinesKeepPriceSeenAtScan(t *testing.T) {
	c := New()
	_, err := c.AddScanned(product(3))
	require.NoError(t, err)

	repriced := product(3)
	repriced.SalePrice = decimal.RequireFromString("60")
	_, err = c.AddScanned(repriced)
	require.NoError(t, err)

	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "50", lines[0].UnitPrice.String())

	c.Clear()
	assert.Empty(t, c.Lines())
}
