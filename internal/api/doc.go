// Package api — HTTP-интерфейс Stepflow.
//
// Структура:
//   - handler.go          — Handler и интерфейсы зависимостей
//   - routes.go           — маршруты, /healthz и /metrics
//   - middleware.go       — recovery, метрики, логирование
//   - response.go         — JSON-ответы и перевод ошибок в статусы
//   - dto.go              — запросы и ответы
//   - event_handler.go    — POST /api/v1/events
//   - run_handler.go      — просмотр, отмена и список runs
//   - function_handler.go — список функций
//
// API только принимает события и читает состояние: runs продвигают воркеры.
package api
