package store

import (
	"context"
	"errors"

	"kasirinaja/terminal/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid entry")
)

// PendingQueue is the durable queue of sales recorded while offline. Entries
// leave the queue only through Remove or ClearAll, after the back office has
// acknowledged them.
type PendingQueue interface {
	Enqueue(ctx context.Context, sale domain.PendingSale) error
	ListAll(ctx context.Context) ([]domain.PendingSale, error)
	Remove(ctx context.Context, tempIDs ...string) error
	ClearAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
}

// KV is a small key/value store used for best-effort local caches.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
