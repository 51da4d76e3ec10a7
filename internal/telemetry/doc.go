// Package telemetry — логи и метрики процессов Stepflow.
//
//   - logging.go — slog-логгер (json, text или цветной dev через tint)
//     и помощники WithRun/WithStep для ключей run_id, function_id, step_id;
//   - metrics.go — счётчики и гистограммы Prometheus (runs, шаги, таймеры,
//     провайдеры, lease, HTTP), отдаются на /metrics.
package telemetry
