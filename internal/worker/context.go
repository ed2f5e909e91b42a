package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/mq"
)

// Job — доставленный job.
type Job struct {
	// MessageID — id сообщения в очереди (разный у разных попыток).
	MessageID string

	Type domain.JobType

	// RecordID — id job record. Одинаков у всех попыток.
	RecordID uuid.UUID

	// Attempt — номер попытки, начиная с 1.
	Attempt int

	Queue   mq.Queue
	Payload json.RawMessage

	// Redelivered — брокер доставляет сообщение повторно.
	Redelivered bool

	EnqueuedAt time.Time
}

// Decode разбирает payload в v. Ошибка — terminal.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Terminal(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	return nil
}

// JobStore — хранилище job records.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.JobRecord, error)

	// ClaimJob атомарно переводит queued (или зависший running) job в running.
	// Если job забрать нельзя — repo.ErrNotClaimable.
	ClaimJob(ctx context.Context, id uuid.UUID, attempt int, staleAfter time.Duration) (*domain.JobRecord, error)

	// UpdateJob не трогает прогресс и данные отправки.
	UpdateJob(ctx context.Context, j *domain.JobRecord) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error
	SetLastSignature(ctx context.Context, id uuid.UUID, signature string, lastValidBlockHeight uint64) error
}

// JobContext — окружение одного выполнения job.
type JobContext struct {
	job    *Job
	record domain.JobRecord
	jobs   JobStore
	idem   idempotency.Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	progress int
}

// NewJobContext создаёт JobContext для вызова обработчика вне Worker.
// record — снимок job record на момент старта попытки. idem == nil
// отключает idempotency.
func NewJobContext(job *Job, record domain.JobRecord, jobs JobStore, idem idempotency.Store, logger *slog.Logger) *JobContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobContext{
		job:    job,
		record: record,
		jobs:   jobs,
		idem:   idem,
		ttl:    idempotency.DefaultTTL,
		logger: logger,
	}
}

// Record возвращает снимок job record на момент старта попытки.
// LastSignature, SubmittedAt и LastValidBlockHeight в нём относятся к
// отправке предыдущей попытки.
func (jc *JobContext) Record() domain.JobRecord {
	return jc.record
}

// Logger возвращает логгер с job_id, job_type, queue, attempt.
func (jc *JobContext) Logger() *slog.Logger {
	return jc.logger
}

// UpdateProgress сохраняет прогресс 0..100. Прогресс не уменьшается.
// Ошибки записи логируются и не прерывают job.
func (jc *JobContext) UpdateProgress(ctx context.Context, percent int, message string) {
	percent = max(0, min(percent, 100))

	jc.mu.Lock()
	if percent < jc.progress {
		percent = jc.progress
	}
	jc.progress = percent
	jc.mu.Unlock()

	if err := jc.jobs.UpdateProgress(ctx, jc.job.RecordID, percent, message); err != nil {
		jc.logger.Warn("failed to update progress", "progress", percent, "error", err)
	}
}

// CheckIdempotency возвращает true, если key уже отмечен обработанным.
// Без idempotency store всегда false.
func (jc *JobContext) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if jc.idem == nil {
		return false, nil
	}
	exists, err := jc.idem.Exists(ctx, key)
	if err != nil {
		return false, Transient(fmt.Errorf("check idempotency %s: %w", key, err))
	}
	return exists, nil
}

// MarkProcessed отмечает key обработанным на TTL.
// Без idempotency store ничего не делает.
func (jc *JobContext) MarkProcessed(ctx context.Context, key string) error {
	if jc.idem == nil {
		return nil
	}
	if _, err := jc.idem.ExistsOrSet(ctx, key, jc.ttl); err != nil {
		return fmt.Errorf("mark processed %s: %w", key, err)
	}
	return nil
}

// RecordSubmission сохраняет подпись до отправки транзакции.
// Повторная доставка по ней проверяет исход вместо повторной отправки,
// поэтому при ошибке записи транзакцию отправлять нельзя.
func (jc *JobContext) RecordSubmission(ctx context.Context, signature string, lastValidBlockHeight uint64) error {
	if err := jc.jobs.SetLastSignature(ctx, jc.job.RecordID, signature, lastValidBlockHeight); err != nil {
		return Transient(fmt.Errorf("record submission %s: %w", signature, err))
	}
	return nil
}
