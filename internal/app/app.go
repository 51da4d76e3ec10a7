// Package app собирает зависимости процессов Stepflow из конфигурации.
//
// Каждый бинарник в cmd/ создаёт App, берёт из него нужные части
// (хранилище, реестры, оркестратор, очередь) и закрывает его при выходе.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/shaiso/Stepflow/internal/config"
	"github.com/shaiso/Stepflow/internal/genai"
	"github.com/shaiso/Stepflow/internal/lease"
	"github.com/shaiso/Stepflow/internal/mq"
	"github.com/shaiso/Stepflow/internal/orchestrator"
	"github.com/shaiso/Stepflow/internal/registry"
	"github.com/shaiso/Stepflow/internal/repo"
	"github.com/shaiso/Stepflow/internal/steps"
	"github.com/shaiso/Stepflow/internal/store"
	"github.com/shaiso/Stepflow/internal/store/memory"
	"github.com/shaiso/Stepflow/internal/store/sqlite"
)

// Enqueuer ставит run в очередь на продвижение.
type Enqueuer interface {
	Enqueue(ctx context.Context, runID uuid.UUID) error
}

// App — собранные зависимости процесса.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clockwork.Clock

	Store store.Store

	// Pool — пул Postgres; nil для sqlite и memory.
	Pool *pgxpool.Pool

	Functions *registry.Registry
	Actions   *steps.Registry
	Generator *genai.Adapter
	Locker    lease.Locker

	// Conn — соединение с RabbitMQ; nil, если amqp.url пуст или брокер недоступен.
	Conn      *mq.Connection
	Publisher *mq.Publisher

	closers []func() error
}

// New собирает App. При ошибке уже открытые ресурсы закрываются.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  clockwork.NewRealClock(),
	}

	if err := a.init(ctx); err != nil {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("failed to release resources", "error", closeErr)
		}
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	a.Actions = steps.DefaultRegistry()

	functions, err := registry.Load(a.Config.Functions.Path, a.Actions)
	if err != nil {
		return fmt.Errorf("load functions: %w", err)
	}
	a.Functions = functions
	a.Logger.Info("functions loaded", "path", a.Config.Functions.Path, "count", functions.Len())

	if err := a.openStore(ctx); err != nil {
		return err
	}

	if err := a.openLocker(); err != nil {
		return err
	}

	a.Generator = genai.New(a.Logger, a.providers()...)
	a.Logger.Info("generative providers configured", "providers", a.Generator.Providers())

	a.openBroker(ctx)
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.Config.Store

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.onClose(func() error { pool.Close(); return nil })

		if cfg.Migrate {
			if err := repo.Migrate(ctx, pool); err != nil {
				return err
			}
		}
		a.Pool = pool
		a.Store = repo.NewStore(pool)

	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.onClose(s.Close)
		a.Store = s

	case config.DriverMemory:
		a.Store = memory.New()

	default:
		return fmt.Errorf("%w: unknown store.driver %q", config.ErrInvalid, cfg.Driver)
	}

	a.Logger.Info("store ready", "driver", cfg.Driver)
	return nil
}

func (a *App) openLocker() error {
	if a.Config.Redis.Addr == "" {
		a.Locker = lease.NewLocal(a.Clock)
		return nil
	}

	client, err := lease.Dial(a.Config.Redis.Addr)
	if err != nil {
		return err
	}
	a.onClose(func() error { client.Close(); return nil })

	a.Locker = lease.NewRedis(client, a.Config.Redis.Prefix)
	a.Logger.Info("redis leases enabled", "addr", a.Config.Redis.Addr)
	return nil
}

// openBroker подключается к RabbitMQ. Недоступный брокер не ошибка:
// процессы работают через polling fallback.
func (a *App) openBroker(ctx context.Context) {
	if a.Config.AMQP.URL == "" {
		return
	}

	conn, err := mq.NewConnection(a.Config.AMQP.URL, a.Logger)
	if err != nil {
		a.Logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		return
	}
	a.onClose(conn.Close)

	if err := mq.SetupTopology(ctx, conn); err != nil {
		a.Logger.Warn("failed to setup topology", "error", err)
	}

	a.Conn = conn
	a.Publisher = mq.NewPublisher(conn, a.Logger)
	a.Logger.Info("RabbitMQ connected")
}

func (a *App) providers() []genai.Provider {
	cfg := a.Config.Providers

	var out []genai.Provider
	if cfg.OpenAI.APIKey != "" {
		out = append(out, genai.NewOpenAI(genai.OpenAIConfig{APIKey: cfg.OpenAI.APIKey, BaseURL: cfg.OpenAI.BaseURL}))
	}
	if cfg.Anthropic.APIKey != "" {
		out = append(out, genai.NewAnthropic(genai.AnthropicConfig{APIKey: cfg.Anthropic.APIKey, BaseURL: cfg.Anthropic.BaseURL}))
	}
	if cfg.Gemini.APIKey != "" {
		out = append(out, genai.NewGemini(genai.GeminiConfig{APIKey: cfg.Gemini.APIKey, BaseURL: cfg.Gemini.BaseURL}))
	}
	return out
}

// Orchestrator создаёт оркестратор поверх зависимостей App.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Store:        a.Store,
		Functions:    a.Functions,
		Actions:      a.Actions,
		Generator:    a.Generator,
		Locker:       a.Locker,
		Clock:        a.Clock,
		LeaseTTL:     a.Config.Lease.TTL,
		Env:          a.Config.Env,
		DefaultRetry: a.Config.RetryPolicy(),
		Logger:       a.Logger,
	})
}

// Enqueuer возвращает публикатор runs.ready или nil без брокера.
func (a *App) Enqueuer() Enqueuer {
	if a.Publisher == nil {
		return nil
	}
	return a.Publisher
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close освобождает ресурсы в обратном порядке открытия.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
