package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrRunNotFound — run не найден в хранилище.
	ErrRunNotFound = errors.New("run not found")

	// ErrFunctionNotFound — функция run отсутствует в реестре.
	ErrFunctionNotFound = errors.New("function not registered")

	// ErrCorruptedCursor — курсор указывает на шаг, которого нет в плане.
	ErrCorruptedCursor = errors.New("corrupted cursor")

	// ErrRunFinished — run уже в терминальном статусе.
	ErrRunFinished = errors.New("run already finished")

	// ErrNoGenerator — ai-шаг без подключённого адаптера.
	ErrNoGenerator = errors.New("generation adapter not configured")
)

// errStop — продвижение прекращено без ошибки: run завершён другим
// участником (forced-cancel) или lease потерян.
var errStop = errors.New("advance stopped")
