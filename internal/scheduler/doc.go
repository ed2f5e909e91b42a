// Package scheduler реализует периодическую агрегацию статуса кампаний.
//
// Scheduler раз в Interval находит running runs и отправляет для каждой
// кампании job status.aggregate. Кампания, запланированная в пределах
// Interval × DedupFraction, пропускается. Проход не может войти повторно,
// пока предыдущий не завершён.
//
// Структура:
//   - scheduler.go — Scheduler (Tick, Start, Stop)
//   - cron.go      — Janitor: очистка истёкших ключей по cron-расписанию
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Runs:       runRepo,
//	    Dispatcher: dispatcher,
//	    Interval:   30 * time.Second,
//	    Logger:     logger,
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
//
// Leader Election:
//
// Маркеры отправки хранятся в памяти процесса. Scheduler не реализует
// leader election самостоятельно: это делается в main.go через
// pg_try_advisory_lock, Start вызывается только лидером.
package scheduler
