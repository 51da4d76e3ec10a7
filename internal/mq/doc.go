// Package mq — транспорт уведомлений "run готов к продвижению" через RabbitMQ.
//
// Структура:
//   - connection.go — соединение с переподключением и publisher confirms
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация run.ready (Publisher реализует Enqueue)
//   - consumer.go   — потребление с ack/nack и отправкой в DLQ
//
// Сообщение несёт только run_id: очередь лишь будит воркер,
// всё состояние run читается из хранилища. Потеря или дубль
// сообщения безопасны, Advance идемпотентен, а пропущенные
// runs подбирает polling воркера.
package mq
