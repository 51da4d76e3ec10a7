// Package scheduler запускает функции с cron-триггером.
//
// Структура:
//   - scheduler.go — Scheduler (Tick, fire)
//   - cron.go      — разбор cron-выражений и вычисление следующего срабатывания
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Runs:      store,
//	    Functions: functions,
//	    Enqueuer:  publisher, // опционально
//	    Logger:    logger,
//	})
//
//	go sched.Run(ctx)
//
// Каждое срабатывание создаёт run с ключом идемпотентности
// "{function_id}:{due_unix}", поэтому два экземпляра планировщика не
// создадут дубликат.
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// stepflow-scheduler берёт pg_try_advisory_lock и вызывает Run только у лидера.
package scheduler
