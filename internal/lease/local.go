package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Local — Locker в памяти процесса (stepflow-dev, тесты).
type Local struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	leases map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocal создаёт Local. clock может быть nil — тогда реальные часы.
func NewLocal(clock clockwork.Clock) *Local {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Local{
		clock:  clock,
		leases: make(map[string]localEntry),
	}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, ErrLeaseHeld
	}

	token := uuid.NewString()
	l.leases[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (l *localLease) Extend(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	now := l.owner.clock.Now()
	cur, ok := l.owner.leases[l.key]
	if !ok || cur.token != l.token || !now.Before(cur.expires) {
		return ErrLeaseLost
	}
	l.owner.leases[l.key] = localEntry{token: l.token, expires: now.Add(ttl)}
	return nil
}

func (l *localLease) Release(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	if cur, ok := l.owner.leases[l.key]; ok && cur.token == l.token {
		delete(l.owner.leases, l.key)
	}
	return nil
}
