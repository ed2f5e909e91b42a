// Package worker — generic runtime для job'ов с retry и идемпотентностью.
//
// # Обзор
//
// Runtime потребляет одну очередь N горутинами и для каждого сообщения:
//
//  1. Загружает job record и атомарно забирает его (ClaimJob): queued или
//     зависший дольше ClaimTimeout running переводится в running с номером
//     попытки. Job, занятый другой доставкой, откладывается с той же попыткой
//  2. Собирает JobContext: прогресс, идемпотентность, scoped-логгер
//  3. Вызывает Handler, зарегистрированный для типа job
//  4. Решает судьбу сообщения — только runtime
//
//	w := worker.New(worker.Config{
//	    Queue:       mq.QueueTrade,
//	    Concurrency: 8,
//	    Handler:     registry.Handle,
//	    Jobs:        jobRepo,
//	    Idempotency: store,
//	    Queuer:      publisher,
//	    DeadLetter:  publisher,
//	    Conn:        mqConn,
//	})
//	w.Start(ctx)
//	defer w.Stop()
//
// # Disposition
//
//   - успех → succeeded, ack
//   - Transient (или неклассифицированная ошибка), попытки есть →
//     queued, повторная публикация с attempt+1 через delay-очередь,
//     задержка — exponential backoff
//   - Terminal, или попытки исчерпаны → dead (DLQ) или failed, ack
//   - отмена ctx (shutdown) → requeue, в record ничего не пишется
//
// Паника в handler'е перехватывается и считается terminal-ошибкой.
//
// # Retry
//
// Retry выполняется через очередь, а не в процессе: задержка не держит
// слот concurrency, а попытка переживает рестарт воркера.
package worker
