package jobs

import (
	"time"

	"github.com/google/uuid"
)

// DiscoverPayload — payload pool.discover.
type DiscoverPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	RunID      uuid.UUID `json:"run_id"`
}

// TradePayload — payload trade.buy / trade.sell.
type TradePayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	RunID      uuid.UUID `json:"run_id"`
	WalletID   uuid.UUID `json:"wallet_id"`

	// Seq — номер сделки кошелька в run, начиная с 1.
	Seq int `json:"seq"`

	// AmountLamports — размер покупки, выбранный при планировании.
	// Для sell не используется: продаётся доля текущего баланса токена.
	AmountLamports uint64 `json:"amount_lamports,omitempty"`
}

// SweepPayload — payload funds.sweep.
type SweepPayload struct {
	CampaignID uuid.UUID  `json:"campaign_id"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	WalletID   uuid.UUID  `json:"wallet_id"`
}

// StatusPayload — payload status.aggregate.
type StatusPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	RunID      uuid.UUID `json:"run_id"`
}

// Event — payload notify и тело события в tradeflow.events.
type Event struct {
	// ID — идентификатор события, ключ идемпотентности доставки.
	ID uuid.UUID `json:"id"`

	// Kind — тип события: run.completed, execution.recorded, ...
	Kind string `json:"kind"`

	CampaignID uuid.UUID      `json:"campaign_id"`
	RunID      *uuid.UUID     `json:"run_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Типы событий.
const (
	EventExecutionRecorded = "execution.recorded"
	EventRunPaused         = "run.paused"
	EventRunStopped        = "run.stopped"
	EventRunCompleted      = "run.completed"
	EventCampaignStatus    = "campaign.status"
	EventSweepCompleted    = "sweep.completed"
)

// NewEvent создаёт событие с новым ID.
func NewEvent(kind string, campaignID uuid.UUID, runID *uuid.UUID, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Kind:       kind,
		CampaignID: campaignID,
		RunID:      runID,
		Data:       data,
		At:         time.Now().UTC(),
	}
}
