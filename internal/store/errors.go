package store

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrConflict — условная запись не прошла: версия run изменилась.
	ErrConflict = errors.New("version conflict")
)
