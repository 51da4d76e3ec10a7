package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Stepflow/internal/domain"
	"github.com/shaiso/Stepflow/internal/eventbus"
	"github.com/shaiso/Stepflow/internal/store"
)

// Events принимает события (eventbus.Bus).
type Events interface {
	Publish(ctx context.Context, evt domain.Event) (*eventbus.PublishResult, error)
}

// Functions — реестр функций (registry.Registry).
type Functions interface {
	Function(id string) (*domain.FunctionDefinition, bool)
	All() []*domain.FunctionDefinition
}

// Canceller принудительно завершает run (orchestrator.Orchestrator).
type Canceller interface {
	Cancel(ctx context.Context, runID uuid.UUID) (*domain.Run, error)
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	events    Events
	store     store.Store
	functions Functions
	canceller Canceller
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Events    Events
	Store     store.Store
	Functions Functions
	Canceller Canceller
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		events:    cfg.Events,
		store:     cfg.Store,
		functions: cfg.Functions,
		canceller: cfg.Canceller,
		logger:    logger,
	}
}
