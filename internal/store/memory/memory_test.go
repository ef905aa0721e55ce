package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/store"
)

func TestQueueKeepsOrderAndIgnoresDuplicateTempID(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.Enqueue(ctx, domain.PendingSale{TempID: "a", CreatedAt: now}))
	require.NoError(t, s.Enqueue(ctx, domain.PendingSale{TempID: "b", CreatedAt: now.Add(time.Second)}))
	require.NoError(t, s.Enqueue(ctx, domain.PendingSale{TempID: "a", CreatedAt: now.Add(2 * time.Second)}))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].TempID)
	assert.Equal(t, "b", all[1].TempID)

	require.NoError(t, s.Remove(ctx, "a"))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ClearAll(ctx))
	all, err = s.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueueRejectsEmptyTempID(t *testing.T) {
	err := New().Enqueue(context.Background(), domain.PendingSale{})
	assert.True(t, errors.Is(err, store.ErrInvalid))
}

func TestKVRoundTripAndMiss(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Get(ctx, "shift")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Put(ctx, "shift", []byte(`{"id":"s1"}`)))
	got, err := s.Get(ctx, "shift")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1"}`, string(got))

	require.NoError(t, s.Delete(ctx, "shift"))
	_, err = s.Get(ctx, "shift")
	require.ErrorIs(t, err, store.ErrNotFound)
}
