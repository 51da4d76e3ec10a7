package worker

import "errors"

// Ошибки воркера.
var (
	// ErrQueueClosed — локальная очередь закрыта.
	ErrQueueClosed = errors.New("local queue closed")

	// ErrQueueFull — локальная очередь переполнена, run подберёт polling.
	ErrQueueFull = errors.New("local queue full")

	// ErrNoSource — не настроен ни один источник run id.
	ErrNoSource = errors.New("worker has no run source")
)
