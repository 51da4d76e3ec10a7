// Package worker достаёт run id из очереди и вызывает Orchestrator.Advance.
//
// Worker не выполняет шаги сам и не хранит состояния: вся логика
// в оркестраторе, воркер лишь решает, когда и сколько runs продвигать
// параллельно (пул sourcegraph/conc размером Concurrency).
//
// Источники:
//
//   - runs.ready (RabbitMQ). Ошибка Advance возвращает сообщение в очередь
//     один раз, повторная уходит в dlq.runs. Некорректное сообщение сразу в DLQ.
//   - LocalQueue. Однопроцессный режим stepflow-dev.
//   - Polling. Раз в PollInterval воркер читает runs, которые не обновлялись
//     дольше StaleAfter и не ждут таймера, и продвигает их. Так подбираются
//     runs с потерянным сообщением и runs упавших воркеров (после истечения lease).
//
//	w := worker.New(worker.Config{
//	    Advancer: orch,
//	    Runs:     st,
//	    Conn:     mqConn,
//	    Logger:   logger,
//	})
//	err := w.Run(ctx)
package worker
