package repo

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/store/storetest"
)

// Тесты выполняются только при заданной STEPFLOW_TEST_DATABASE_URL.
func TestStore(t *testing.T) {
	dsn := os.Getenv("STEPFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STEPFLOW_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := pool.Exec(ctx, `TRUNCATE runs, steps, timers`)
		require.NoError(t, err)
		return NewStore(pool)
	})
}

func TestAdvisoryLock(t *testing.T) {
	dsn := os.Getenv("STEPFLOW_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("STEPFLOW_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	const key = 424242

	first, err := TryAdvisoryLock(ctx, pool, key)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NoError(t, first.Check(ctx))

	second, err := TryAdvisoryLock(ctx, pool, key)
	require.NoError(t, err)
	require.Nil(t, second, "lock is held by another session")

	require.NoError(t, first.Release(ctx))

	third, err := TryAdvisoryLock(ctx, pool, key)
	require.NoError(t, err)
	require.NotNil(t, third)
	require.NoError(t, third.Release(ctx))
}
