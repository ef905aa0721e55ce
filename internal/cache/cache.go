package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

const (
	keyShift    = "session:shift"
	keyProducts = "catalog:products"
	keySales    = "sales:history"
)

// Cache holds the best-effort local snapshots: the single open shift, the
// last known product list and the recent sale history. Everything is JSON
// over a store.KV so the backing store can be SQLite, Redis or memory.
type Cache struct {
	kv     store.KV
	prefix string
}

func New(kv store.KV, storeID string, terminalID string) *Cache {
	if kv == nil {
		kv = Noop{}
	}
	return &Cache{kv: kv, prefix: fmt.Sprintf("pos:%s:%s:", storeID, terminalID)}
}

func (c *Cache) LoadShift(ctx context.Context) (*domain.Shift, bool, error) {
	var shift domain.Shift
	ok, err := c.load(ctx, keyShift, &shift)
	if err != nil || !ok {
		return nil, false, err
	}
	return &shift, true, nil
}

func (c *Cache) SaveShift(ctx context.Context, shift domain.Shift) error {
	return c.save(ctx, keyShift, shift)
}

func (c *Cache) ClearShift(ctx context.Context) error {
	return c.kv.Delete(ctx, c.prefix+keyShift)
}

func (c *Cache) LoadProducts(ctx context.Context) ([]domain.Product, error) {
	var products []domain.Product
	if _, err := c.load(ctx, keyProducts, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Cache) SaveProducts(ctx context.Context, products []domain.Product) error {
	return c.save(ctx, keyProducts, products)
}

func (c *Cache) LoadSales(ctx context.Context) ([]domain.Sale, error) {
	var sales []domain.Sale
	if _, err := c.load(ctx, keySales, &sales); err != nil {
		return nil, err
	}
	return sales, nil
}

func (c *Cache) SaveSales(ctx context.Context, sales []domain.Sale) error {
	return c.save(ctx, keySales, sales)
}

func (c *Cache) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.kv.Get(ctx, c.prefix+key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) save(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.kv.Put(ctx, c.prefix+key, payload)
}

// Noop is a KV that remembers nothing.
type Noop struct{}

func (Noop) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, store.ErrNotFound
}

func (Noop) Put(_ context.Context, _ string, _ []byte) error {
	return nil
}

func (Noop) Delete(_ context.Context, _ string) error {
	return nil
}
