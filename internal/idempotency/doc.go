// Package idempotency — хранилище ключей идемпотентности с TTL.
//
// Ключи защищают от повторной обработки одного job при redelivery:
// "job:<record id>" ставится после определённого исхода, "sig:<signature>"
// после подтверждённой транзакции.
//
// Реализации:
//   - PostgresStore — таблица idempotency_keys, общая для всех воркеров;
//   - MemoryStore — для тестов и локального запуска.
package idempotency
