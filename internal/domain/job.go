package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType — тип job, определяет очередь и обработчик.
type JobType string

const (
	// JobTypePoolDiscover — поиск пула для токена кампании.
	JobTypePoolDiscover JobType = "pool.discover"

	// JobTypeTradeBuy — покупка токена одним кошельком.
	JobTypeTradeBuy JobType = "trade.buy"

	// JobTypeTradeSell — продажа токена одним кошельком.
	JobTypeTradeSell JobType = "trade.sell"

	// JobTypeFundsSweep — вывод средств кошелька на sweep_destination.
	JobTypeFundsSweep JobType = "funds.sweep"

	// JobTypeNotify — fan-out уведомления о событии.
	JobTypeNotify JobType = "notify"

	// JobTypeStatusAggregate — сбор статистики по running run.
	JobTypeStatusAggregate JobType = "status.aggregate"
)

// IsTrade возвращает true для buy/sell.
func (t JobType) IsTrade() bool {
	return t == JobTypeTradeBuy || t == JobTypeTradeSell
}

// JobRecord — durable-зеркало job в очереди.
//
// Создаётся до публикации в очередь, обновляется Worker Runtime'ом
// (статус, попытка, прогресс, ошибка). Используется для аудита,
// отображения прогресса и replay из DLQ.
type JobRecord struct {
	// ID — идентификатор записи, передаётся в сообщении как job_id.
	ID uuid.UUID `json:"id"`

	// Type — тип job.
	Type JobType `json:"type"`

	// Queue — очередь, в которую опубликован job.
	Queue string `json:"queue"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	// Ссылки на сущности. Никаких секретов в payload.
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	WalletID   *uuid.UUID `json:"wallet_id,omitempty"`

	// Payload — копия payload сообщения.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Attempt — номер попытки (начиная с 1).
	Attempt int `json:"attempt"`

	// Progress — прогресс 0..100, только для информации.
	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message,omitempty"`

	// LastSignature — подпись последней отправленной транзакции.
	// Записывается до отправки, чтобы redelivery мог проверить её статус.
	LastSignature string `json:"last_signature,omitempty"`

	// SubmittedAt — когда записана LastSignature. Не сбрасывается при retry.
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`

	// LastValidBlockHeight — после этой высоты транзакция LastSignature
	// не может попасть в блок. 0 — неизвестна.
	LastValidBlockHeight uint64 `json:"last_valid_block_height,omitempty"`

	// Error — текст последней ошибки.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewJobRecord создаёт queued-запись.
func NewJobRecord(jobType JobType, queue string) *JobRecord {
	return &JobRecord{
		ID:        uuid.New(),
		Type:      jobType,
		Queue:     queue,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

// Duration возвращает продолжительность выполнения.
func (j *JobRecord) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// IsFinished возвращает true, если job завершён.
func (j *JobRecord) IsFinished() bool {
	return j.Status.IsTerminal()
}

// MarkRunning переводит job в статус running с номером попытки.
func (j *JobRecord) MarkRunning(attempt int) {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.FinishedAt = nil
	j.Attempt = attempt
}

// MarkSucceeded переводит job в статус succeeded.
func (j *JobRecord) MarkSucceeded() {
	now := time.Now()
	j.Status = JobStatusSucceeded
	j.FinishedAt = &now
	j.Progress = 100
	j.Error = ""
}

// MarkFailed переводит job в статус failed с ошибкой.
func (j *JobRecord) MarkFailed(err string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.FinishedAt = &now
	j.Error = err
}

// MarkDead переводит job в статус dead (отправлен в DLQ).
func (j *JobRecord) MarkDead(reason string) {
	now := time.Now()
	j.Status = JobStatusDead
	j.FinishedAt = &now
	j.Error = reason
}

// ResetForRetry возвращает job в очередь после transient-ошибки.
// Attempt увеличится при следующем MarkRunning(). Данные последней отправки
// (LastSignature, SubmittedAt, LastValidBlockHeight) сохраняются.
func (j *JobRecord) ResetForRetry(err string) {
	j.Status = JobStatusQueued
	j.StartedAt = nil
	j.FinishedAt = nil
	j.Error = err
}

// RecordSubmission запоминает подпись отправляемой транзакции.
func (j *JobRecord) RecordSubmission(signature string, lastValidBlockHeight uint64, at time.Time) {
	j.LastSignature = signature
	j.LastValidBlockHeight = lastValidBlockHeight
	j.SubmittedAt = &at
}

// Claimable возвращает true, если job может забрать новая доставка:
// queued, или running дольше staleAfter (обработчик потерян).
func (j *JobRecord) Claimable(now time.Time, staleAfter time.Duration) bool {
	switch j.Status {
	case JobStatusQueued:
		return true
	case JobStatusRunning:
		return j.StartedAt == nil || now.Sub(*j.StartedAt) >= staleAfter
	default:
		return false
	}
}
