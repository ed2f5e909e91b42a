package domain

// CampaignStatus — статус кампании.
//
// Жизненный цикл:
//
//	draft → active ⇄ paused
//	          ↘       ↙
//	          stopped
//
// Admin override (Force) может выставить любой статус.
type CampaignStatus string

const (
	// CampaignStatusDraft — кампания создана, но ещё не запускалась.
	CampaignStatusDraft CampaignStatus = "draft"

	// CampaignStatusActive — кампания выполняется, есть running run.
	CampaignStatusActive CampaignStatus = "active"

	// CampaignStatusPaused — выполнение приостановлено владельцем.
	CampaignStatusPaused CampaignStatus = "paused"

	// CampaignStatusStopped — кампания остановлена, средства выводятся sweep'ом.
	CampaignStatusStopped CampaignStatus = "stopped"
)

// CanTransition проверяет, допустим ли переход без admin override.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	switch s {
	case CampaignStatusDraft:
		return to == CampaignStatusActive
	case CampaignStatusActive:
		return to == CampaignStatusPaused || to == CampaignStatusStopped
	case CampaignStatusPaused:
		return to == CampaignStatusActive || to == CampaignStatusStopped
	default:
		return false
	}
}

// Valid возвращает true для известных статусов.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused, CampaignStatusStopped:
		return true
	default:
		return false
	}
}

// RunStatus — статус выполнения run.
//
// Жизненный цикл:
//
//	running ⇄ paused
//	   ↓         ↓
//	stopped / completed
type RunStatus string

const (
	// RunStatusRunning — run выполняется, scheduler собирает по нему статус.
	RunStatusRunning RunStatus = "running"

	// RunStatusPaused — run приостановлен вместе с кампанией.
	RunStatusPaused RunStatus = "paused"

	// RunStatusStopped — run остановлен.
	RunStatusStopped RunStatus = "stopped"

	// RunStatusCompleted — run достиг цели (max_trades).
	RunStatusCompleted RunStatus = "completed"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusStopped, RunStatusCompleted:
		return true
	default:
		return false
	}
}

// JobStatus — статус job record.
//
// Жизненный цикл:
//
//	queued → running → succeeded
//	           ↓ ↘ failed
//	        queued (retry)   ↘ dead (DLQ)
type JobStatus string

const (
	// JobStatusQueued — job в очереди (в том числе ожидает retry).
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning — job выполняется воркером.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded — job успешно завершён.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed — job завершился ошибкой, DLQ отключён.
	JobStatusFailed JobStatus = "failed"

	// JobStatusDead — job отправлен в dead-letter queue.
	JobStatusDead JobStatus = "dead"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDead:
		return true
	default:
		return false
	}
}

// ExecutionResult — итог отправки транзакции (или bundle).
type ExecutionResult string

const (
	// ExecutionConfirmed — транзакция подтверждена сетью.
	ExecutionConfirmed ExecutionResult = "confirmed"

	// ExecutionRejected — транзакция попала в блок, но сеть её отклонила.
	ExecutionRejected ExecutionResult = "rejected"

	// ExecutionIndeterminate — подтверждения нет, blockhash истёк.
	ExecutionIndeterminate ExecutionResult = "indeterminate"

	// ExecutionPartial — часть bundle-чанков прошла.
	ExecutionPartial ExecutionResult = "partial"

	// ExecutionFailed — ни одна транзакция не прошла.
	ExecutionFailed ExecutionResult = "failed"
)
