// Package mq — транспорт nbflow поверх RabbitMQ (rabbitmq/amqp091-go).
//
// Структура:
//   - connection.go — соединение с reconnect (экспоненциальный backoff)
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация сообщений
//   - consumer.go   — потребление с ручным ack/nack
//
// Типы сообщений:
//   - run.pending    — новый run ожидает выполнения (scheduler, api → orchestrator)
//   - task.ready     — задача готова к выполнению (orchestrator → worker)
//   - task.completed — задача завершена (worker → orchestrator)
package mq
