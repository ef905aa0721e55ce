package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

func openSQLite(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(context.Background(), DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pending(tempID string, at time.Time, total string) domain.PendingSale {
	return domain.PendingSale{
		TempID:        tempID,
		CreatedAt:     at,
		Date:          at,
		SellerID:      "cashier-1",
		StoreID:       "store-1",
		PaymentMethod: domain.PaymentCash,
		Items: []domain.SaleItem{{
			ProductID: "p-1",
			Quantity:  2,
			UnitPrice: decimal.RequireFromString("5.00"),
			Subtotal:  decimal.RequireFromString("10.00"),
		}},
		Total:  decimal.RequireFromString(total),
		Status: domain.SaleActive,
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first, err := New(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, first.Enqueue(ctx, pending("t-2", base.Add(time.Minute), "20.00")))
	require.NoError(t, first.Enqueue(ctx, pending("t-1", base, "10.00")))
	require.NoError(t, first.Close())

	reopened := openSQLite(t, path)
	all, err := reopened.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t-1", all[0].TempID)
	assert.Equal(t, "t-2", all[1].TempID)
	assert.True(t, decimal.RequireFromString("10.00").Equal(all[0].Total))
	require.Len(t, all[0].Items, 1)
	assert.Equal(t, 2, all[0].Items[0].Quantity)
}

func TestEnqueueSameTempIDIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Enqueue(ctx, pending("t-1", at, "10.00")))
	require.NoError(t, s.Enqueue(ctx, pending("t-1", at, "99.00")))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, decimal.RequireFromString("10.00").Equal(all[0].Total))
}

func TestRemoveOnlyNamedEntries(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(ctx, pending(id, at.Add(time.Duration(i)*time.Second), "1.00")))
	}
	require.NoError(t, s.Remove(ctx, "a", "c", "missing"))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].TempID)

	require.NoError(t, s.ClearAll(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEnqueueRejectsBlankTempID(t *testing.T) {
	s := openSQLite(t, filepath.Join(t.TempDir(), "queue.db"))
	err := s.Enqueue(context.Background(), domain.PendingSale{TempID: "  "})
	require.ErrorIs(t, err, store.ErrInvalid)
}

func TestKVUpsert(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, filepath.Join(t.TempDir(), "queue.db"))

	_, err := s.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, "k", []byte("one")))
	require.NoError(t, s.Put(ctx, "k", []byte("two")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(got))

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveRejectsUnknownDriver(t *testing.T) {
	_, _, err := resolve("oracle", "x")
	require.Error(t, err)

	_, _, err = resolve(DriverPostgres, "")
	require.Error(t, err)

	name, dsn, err := resolve("", "/tmp/q.db")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, name)
	assert.Contains(t, dsn, "journal_mode(WAL)")
}
