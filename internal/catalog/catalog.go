package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/remote"
)

var ErrNotFound = errors.New("product not found")

type Source interface {
	ListProducts(ctx context.Context, storeID string) ([]domain.Product, error)
	SearchProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
}

type Snapshots interface {
	LoadProducts(ctx context.Context) ([]domain.Product, error)
	SaveProducts(ctx context.Context, products []domain.Product) error
}

type Connectivity interface {
	Online() bool
}

// Catalog is the terminal's last known view of the store's products. Stock
// levels here are optimistic and get overwritten by every refresh from the
// back office.
type Catalog struct {
	mu        sync.RWMutex
	byID      map[string]domain.Product
	bySKU     map[string]string
	refreshed time.Time

	src     Source
	snaps   Snapshots
	conn    Connectivity
	storeID string
	log     *zap.Logger
}

func New(src Source, snaps Snapshots, conn Connectivity, storeID string, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{
		byID:    make(map[string]domain.Product),
		bySKU:   make(map[string]string),
		src:     src,
		snaps:   snaps,
		conn:    conn,
		storeID: storeID,
		log:     log,
	}
}

// NormalizeCode trims and uppercases a scanned or typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Load fills the catalog from the local snapshot for a fast first paint.
func (c *Catalog) Load(ctx context.Context) error {
	if c.snaps == nil {
		return nil
	}
	products, err := c.snaps.LoadProducts(ctx)
	if err != nil {
		return err
	}
	c.replace(products, time.Time{})
	return nil
}

// Refresh replaces the catalog with the back office's product list.
func (c *Catalog) Refresh(ctx context.Context) error {
	products, err := c.src.ListProducts(ctx, c.storeID)
	if err != nil {
		return fmt.Errorf("refresh catalog: %w", err)
	}
	c.replace(products, time.Now())
	c.persist(ctx)
	return nil
}

// Run refreshes the catalog every interval while online. It only ever touches
// products.
func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.conn != nil && !c.conn.Online() {
				continue
			}
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn("background catalog refresh failed", zap.Error(err))
			}
		}
	}
}

// Lookup resolves a code against the back office, falling back to the cached
// catalog when offline or when the call fails in transport.
func (c *Catalog) Lookup(ctx context.Context, code string) (domain.Product, error) {
	code = NormalizeCode(code)
	if code == "" {
		return domain.Product{}, fmt.Errorf("%w: empty code", domain.ErrValidation)
	}

	if c.conn == nil || c.conn.Online() {
		p, err := c.src.SearchProductBySKU(ctx, code)
		switch {
		case err == nil:
			c.upsert(*p)
			return *p, nil
		case errors.Is(err, remote.ErrNotFound):
			return domain.Product{}, ErrNotFound
		case !remote.IsTransport(err):
			return domain.Product{}, err
		}
		c.log.Warn("product search failed, using cached catalog", zap.String("sku", code), zap.Error(err))
	}

	if p, ok := c.BySKU(code); ok {
		return p, nil
	}
	return domain.Product{}, ErrNotFound
}

func (c *Catalog) Get(id string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) BySKU(sku string) (domain.Product, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.bySKU[NormalizeCode(sku)]
	if !ok {
		return domain.Product{}, false
	}
	p, ok := c.byID[id]
	return p, ok
}

func (c *Catalog) Products() []domain.Product {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Product, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int { return strings.Compare(a.SKU, b.SKU) })
	return out
}

func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshed
}

// Decrement applies a sale to the cached stock. Levels may go negative; each
// negative level is returned as a warning rather than clamped.
func (c *Catalog) Decrement(ctx context.Context, items []domain.SaleItem) []domain.StockWarning {
	var warnings []domain.StockWarning

	c.mu.Lock()
	for _, item := range items {
		p, ok := c.byID[item.ProductID]
		if !ok {
			continue
		}
		p.Stock -= item.Quantity
		c.byID[p.ID] = p
		if p.Stock < 0 {
			warnings = append(warnings, domain.StockWarning{ProductID: p.ID, SKU: p.SKU, Stock: p.Stock})
		}
	}
	c.mu.Unlock()

	for _, w := range warnings {
		c.log.Warn("cached stock went negative",
			zap.String("product_id", w.ProductID),
			zap.String("sku", w.SKU),
			zap.Int("stock", w.Stock),
		)
	}
	c.persist(ctx)
	return warnings
}

func (c *Catalog) replace(products []domain.Product, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]domain.Product, len(products))
	c.bySKU = make(map[string]string, len(products))
	for _, p := range products {
		p.SKU = NormalizeCode(p.SKU)
		c.byID[p.ID] = p
		if p.SKU != "" {
			c.bySKU[p.SKU] = p.ID
		}
	}
	if !at.IsZero() {
		c.refreshed = at
	}
}

func (c *Catalog) upsert(p domain.Product) {
	p.SKU = NormalizeCode(p.SKU)
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byID[p.ID]; ok && old.SKU != p.SKU {
		delete(c.bySKU, old.SKU)
	}
	c.byID[p.ID] = p
	if p.SKU != "" {
		c.bySKU[p.SKU] = p.ID
	}
}

func (c *Catalog) persist(ctx context.Context) {
	if c.snaps == nil {
		return
	}
	if err := c.snaps.SaveProducts(ctx, c.Products()); err != nil {
		c.log.Warn("save product snapshot failed", zap.Error(err))
	}
}
