package repo

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepflow/internal/store"
)

// Store собирает репозитории в store.Store поверх одного пула.
type Store struct {
	*RunRepo
	*StepRepo
	*TimerRepo
}

var _ store.Store = (*Store)(nil)

// NewStore создаёт Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		RunRepo:   NewRunRepo(pool),
		StepRepo:  NewStepRepo(pool),
		TimerRepo: NewTimerRepo(pool),
	}
}
