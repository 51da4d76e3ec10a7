// Package lease — взаимное исключение на уровне run.
//
// Orchestrator берёт lease на run перед продвижением. Второй воркер,
// получивший тот же run, видит ErrLeaseHeld и выходит без изменений.
// Lease ограничен TTL: упавший воркер не блокирует run навсегда.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseHeld — lease удерживает другой владелец.
	ErrLeaseHeld = errors.New("lease held by another owner")

	// ErrLeaseLost — lease истёк или перехвачен до Extend/Release.
	ErrLeaseLost = errors.New("lease lost")
)

// Locker выдаёт lease по ключу.
type Locker interface {
	// Acquire берёт lease на ttl или возвращает ErrLeaseHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease — удерживаемая блокировка.
type Lease interface {
	// Extend продлевает lease на ttl от текущего момента.
	Extend(ctx context.Context, ttl time.Duration) error

	// Release освобождает lease, если он всё ещё наш.
	Release(ctx context.Context) error
}
