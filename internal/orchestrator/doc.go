// Package orchestrator продвигает run по плану функции.
//
// Advance вызывается воркером на каждый run id из очереди, таймером после
// пробуждения и poll-fallback'ом. Вызов идемпотентен: завершённые шаги берутся
// из мемоизированных StepRecord, а не выполняются заново. Взаимное исключение
// обеспечивают lease на run, запись StepRecord "если нет" и compare-and-set
// по Run.Version.
package orchestrator
