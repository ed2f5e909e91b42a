package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — экземпляр выполнения кампании.
//
// Run создаётся когда кампания переходит в active. У кампании может быть
// не более одного running run (partial unique index в БД), и run не может
// быть running, пока кампания не active.
type Run struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// CampaignID — ссылка на кампанию.
	CampaignID uuid.UUID `json:"campaign_id"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// Stats — агрегированная статистика, обновляется status-воркером.
	Stats RunStats `json:"stats"`

	// StartedAt — время старта run.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt — время завершения (stopped/completed).
	// Nil, если run ещё не завершён.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`
}

// RunStats — агрегат по execution records одного run.
type RunStats struct {
	TradesTotal     int       `json:"trades_total"`
	TradesSucceeded int       `json:"trades_succeeded"`
	TradesFailed    int       `json:"trades_failed"`
	Indeterminate   int       `json:"indeterminate"`
	VolumeLamports  uint64    `json:"volume_lamports"`
	LastSignature   string    `json:"last_signature,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewRun создаёт running run для кампании.
func NewRun(campaignID uuid.UUID) *Run {
	now := time.Now()
	return &Run{
		ID:         uuid.New(),
		CampaignID: campaignID,
		Status:     RunStatusRunning,
		StartedAt:  now,
		CreatedAt:  now,
	}
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// IsRunning возвращает true, если run в статусе running.
func (r *Run) IsRunning() bool {
	return r.Status == RunStatusRunning
}

// MarkRunning переводит run в статус running (resume).
func (r *Run) MarkRunning() {
	r.Status = RunStatusRunning
}

// MarkPaused переводит run в статус paused.
func (r *Run) MarkPaused() {
	r.Status = RunStatusPaused
}

// MarkStopped переводит run в статус stopped.
func (r *Run) MarkStopped() {
	now := time.Now()
	r.Status = RunStatusStopped
	r.FinishedAt = &now
}

// MarkCompleted переводит run в статус completed.
func (r *Run) MarkCompleted() {
	now := time.Now()
	r.Status = RunStatusCompleted
	r.FinishedAt = &now
}

// ActiveRun — running run вместе с его кампанией.
// Возвращается запросом scheduler'а (runs JOIN campaigns).
type ActiveRun struct {
	Run      Run
	Campaign Campaign
}
