package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultQueueSize = 1024

// LocalQueue — очередь run id внутри процесса.
// Заменяет RabbitMQ в stepflow-dev: eventbus, timer и scheduler
// пишут в неё через Enqueue, Worker читает.
type LocalQueue struct {
	mu     sync.RWMutex
	ch     chan uuid.UUID
	closed bool
}

// NewLocalQueue создаёт очередь ёмкостью size (<= 0 — 1024).
func NewLocalQueue(size int) *LocalQueue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &LocalQueue{ch: make(chan uuid.UUID, size)}
}

// Enqueue кладёт run id в очередь, не блокируясь.
func (q *LocalQueue) Enqueue(ctx context.Context, runID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- runID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len возвращает число ожидающих run id.
func (q *LocalQueue) Len() int {
	return len(q.ch)
}

// Close закрывает очередь. Повторный вызов безопасен.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (q *LocalQueue) receive() <-chan uuid.UUID {
	return q.ch
}
