// Package mq — очередь job'ов поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect, отдельные каналы для consumers
//   - topology.go   — exchanges, очереди job'ов, delay-очереди, DLQ
//   - publisher.go  — Enqueue, dead-letter, события
//   - consumer.go   — потребление с заданной concurrency
//   - dlq.go        — просмотр и replay dead-letter очереди
//
// Exchanges:
//   - tradeflow.jobs   — очереди job'ов, routing key = имя очереди
//   - tradeflow.dlq    — dead letter
//   - tradeflow.events — события для внешних подписчиков (topic)
//
// Отложенные job'ы публикуются в delay-очередь с TTL, по истечении
// которого RabbitMQ перекладывает сообщение в рабочую очередь (DLX).
package mq
