package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/xid"
)

func TestRedisShiftCache(t *testing.T) {
	addr := os.Getenv("POS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POS_TEST_REDIS_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kv := NewRedisKV(addr, "", 0, time.Minute)
	defer kv.Close()
	require.NoError(t, kv.Ping(ctx))

	c := New(kv, xid.New("store"), "till-1")
	require.NoError(t, c.SaveShift(ctx, domain.Shift{ID: "shift-1", Status: domain.ShiftStatusOpen}))
	got, ok, err := c.LoadShift(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "shift-1", got.ID)
	require.NoError(t, c.ClearShift(ctx))
}
