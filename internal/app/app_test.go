package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/lease"
	"github.com/shaiso/Stepflow/internal/store/memory"
	"github.com/shaiso/Stepflow/internal/store/sqlite"
)

const testFunctions = `
functions:
  - id: hello-world
    trigger:
      event: test/hello.world
    steps:
      - id: wait
        kind: sleep
        duration: 1s
      - id: done
        kind: run
        action: transform
        config:
          output:
            ok: "true"
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "functions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testFunctions), 0o600))

	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory
	cfg.Functions.Path = path
	return &cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Memory(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	assert.IsType(t, &memory.Store{}, a.Store)
	assert.Nil(t, a.Pool)
	assert.IsType(t, &lease.Local{}, a.Locker)
	assert.Equal(t, 1, a.Functions.Len())
	assert.Empty(t, a.Generator.Providers())
	assert.Nil(t, a.Conn)
	assert.Nil(t, a.Enqueuer(), "no broker means no enqueuer")
	assert.NotNil(t, a.Orchestrator())
}

func TestNew_SQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "stepflow.db")

	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)

	assert.IsType(t, &sqlite.Store{}, a.Store)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "second close is a no-op")
}

func TestNew_Providers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.Gemini.APIKey = "g-test"

	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"gemini", "openai"}, a.Generator.Providers())
}

func TestNew_MissingFunctions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Functions.Path = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load functions")
}

func TestClose_AggregatesErrors(t *testing.T) {
	a := &App{}
	errA := errors.New("a")
	errB := errors.New("b")
	var order []string

	a.onClose(func() error { order = append(order, "first"); return errA })
	a.onClose(func() error { order = append(order, "second"); return errB })

	err := a.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestRunAsLeader_WithoutPostgres(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger())
	require.NoError(t, err)
	defer a.Close()

	called := false
	err = a.RunAsLeader(context.Background(), 1, time.Second, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestServe_Shutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, discardLogger())
	}()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}

func TestServe_ListenError(t *testing.T) {
	err := Serve(context.Background(), "invalid-addr", http.NotFoundHandler(), time.Second, discardLogger())
	require.Error(t, err)
}
