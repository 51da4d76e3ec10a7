package repo

import (
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Stepflow/internal/store"
)

// Ошибки репозиториев совпадают с ошибками store, чтобы вызывающий код
// не зависел от конкретного хранилища.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = store.ErrNotFound

	// ErrConflict — условное обновление не прошло.
	ErrConflict = store.ErrConflict
)

// notFound переводит pgx.ErrNoRows в ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
