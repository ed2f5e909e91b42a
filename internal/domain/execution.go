package domain

import (
	"time"

	"github.com/google/uuid"
)

// TradeSide — направление операции.
type TradeSide string

const (
	SideBuy   TradeSide = "buy"
	SideSell  TradeSide = "sell"
	SideSweep TradeSide = "sweep"
)

// BundleSignaturePrefix — префикс для execution records, записанных по bundle.
const BundleSignaturePrefix = "bundle:"

// ExecutionRecord — append-only запись об итоге отправки транзакции.
//
// Пишется только после определённого исхода (success или терминальная
// ошибка). job_id уникален: повторная доставка того же job не создаёт
// второй записи.
type ExecutionRecord struct {
	ID         uuid.UUID  `json:"id"`
	JobID      uuid.UUID  `json:"job_id"`
	CampaignID uuid.UUID  `json:"campaign_id"`
	RunID      *uuid.UUID `json:"run_id,omitempty"`
	WalletID   *uuid.UUID `json:"wallet_id,omitempty"`
	Side       TradeSide  `json:"side"`

	// Signature — подпись транзакции или "bundle:<id>".
	Signature string `json:"signature"`

	Result         ExecutionResult `json:"result"`
	AmountLamports uint64          `json:"amount_lamports"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
