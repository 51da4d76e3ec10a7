package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	run := storetest.NewRun("fn", "evt", time.Now())
	_, created, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	// Схема применяется повторно без ошибок, данные на месте
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, run.IdempotencyKey, got.IdempotencyKey)
	require.True(t, run.CreatedAt.Equal(got.CreatedAt))
}
