package domain

import (
	"errors"
	"fmt"
	"math/big"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LamportsPerSOL — количество lamports в одном SOL.
const LamportsPerSOL = 1_000_000_000

// Ошибки доменной модели.
var (
	// ErrInvalidParams — параметры кампании не прошли проверку.
	ErrInvalidParams = errors.New("invalid campaign params")

	// ErrInvalidTransition — переход статуса недопустим.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Campaign — пользовательская торговая кампания.
//
// Кампания описывает, каким токеном торговать, с какими размерами
// сделок и с какой периодичностью. Переходы статуса создают и
// останавливают Run.
type Campaign struct {
	// ID — уникальный идентификатор кампании.
	ID uuid.UUID `json:"id"`

	// OwnerID — владелец кампании.
	OwnerID uuid.UUID `json:"owner_id"`

	// Name — имя кампании для удобства.
	Name string `json:"name"`

	// Status — текущий статус.
	Status CampaignStatus `json:"status"`

	// Params — параметры исполнения.
	Params CampaignParams `json:"params"`

	// TokenMint — mint торгуемого токена (base58).
	TokenMint string `json:"token_mint"`

	// PoolID — адрес пула, найденный pool discovery.
	// Пустой, пока discovery не отработал.
	PoolID string `json:"pool_id,omitempty"`

	// PoolLabel — имя DEX, которому принадлежит пул.
	PoolLabel string `json:"pool_label,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive возвращает true, если кампания в статусе active.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusActive
}

// CampaignParams — параметры исполнения кампании.
type CampaignParams struct {
	// SlippageBps — допустимое проскальзывание в базисных пунктах.
	SlippageBps int `json:"slippage_bps"`

	// MinTxSOL, MaxTxSOL — границы размера одной покупки в SOL.
	MinTxSOL decimal.Decimal `json:"min_tx_sol"`
	MaxTxSOL decimal.Decimal `json:"max_tx_sol"`

	// IntervalSec — базовый интервал между сделками одного кошелька.
	IntervalSec int `json:"interval_sec"`

	// JitterSec — случайное отклонение от IntervalSec (±).
	JitterSec int `json:"jitter_sec,omitempty"`

	// BundleMode — отправлять транзакции через bundle relay.
	BundleMode bool `json:"bundle_mode"`

	// TipLamports — размер tip для bundle.
	TipLamports uint64 `json:"tip_lamports,omitempty"`

	// SellRatio — доля баланса токена, продаваемая за одну сделку (0, 1].
	SellRatio decimal.Decimal `json:"sell_ratio"`

	// MaxTrades — после этого количества сделок run завершается.
	// 0 — без ограничения.
	MaxTrades int `json:"max_trades,omitempty"`

	// SweepDestination — адрес, на который выводятся средства при stop.
	SweepDestination string `json:"sweep_destination,omitempty"`
}

// Validate проверяет параметры кампании.
func (p CampaignParams) Validate() error {
	switch {
	case p.SlippageBps <= 0 || p.SlippageBps > 10_000:
		return fmt.Errorf("%w: slippage_bps must be in (0, 10000]", ErrInvalidParams)
	case !p.MinTxSOL.IsPositive():
		return fmt.Errorf("%w: min_tx_sol must be positive", ErrInvalidParams)
	case p.MaxTxSOL.LessThan(p.MinTxSOL):
		return fmt.Errorf("%w: max_tx_sol must be >= min_tx_sol", ErrInvalidParams)
	case p.IntervalSec <= 0:
		return fmt.Errorf("%w: interval_sec must be positive", ErrInvalidParams)
	case p.JitterSec < 0 || p.JitterSec >= p.IntervalSec:
		return fmt.Errorf("%w: jitter_sec must be in [0, interval_sec)", ErrInvalidParams)
	case !p.SellRatio.IsPositive() || p.SellRatio.GreaterThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: sell_ratio must be in (0, 1]", ErrInvalidParams)
	case p.BundleMode && p.TipLamports == 0:
		return fmt.Errorf("%w: tip_lamports required in bundle mode", ErrInvalidParams)
	case p.MaxTrades < 0:
		return fmt.Errorf("%w: max_trades must be >= 0", ErrInvalidParams)
	}
	return nil
}

// NextDelay возвращает задержку до следующей сделки: interval ± jitter.
func (p CampaignParams) NextDelay(r *rand.Rand) time.Duration {
	delay := p.IntervalSec
	if p.JitterSec > 0 {
		delay += r.IntN(2*p.JitterSec+1) - p.JitterSec
	}
	return time.Duration(delay) * time.Second
}

// BuyAmountLamports выбирает размер покупки равномерно в [MinTxSOL, MaxTxSOL].
func (p CampaignParams) BuyAmountLamports(r *rand.Rand) uint64 {
	span := p.MaxTxSOL.Sub(p.MinTxSOL)
	amount := p.MinTxSOL
	if span.IsPositive() {
		amount = amount.Add(span.Mul(decimal.NewFromFloat(r.Float64())))
	}
	return ToLamports(amount)
}

// SellAmount возвращает количество токена к продаже с учётом SellRatio.
func (p CampaignParams) SellAmount(balance uint64) uint64 {
	if balance == 0 {
		return 0
	}
	return uint64(fromUint64(balance).Mul(p.SellRatio).Floor().IntPart())
}

// ToLamports переводит сумму в SOL в lamports (с округлением вниз).
func ToLamports(sol decimal.Decimal) uint64 {
	v := sol.Mul(decimal.NewFromInt(LamportsPerSOL)).Floor()
	if v.IsNegative() {
		return 0
	}
	return uint64(v.IntPart())
}

// ToSOL переводит lamports в SOL.
func ToSOL(lamports uint64) decimal.Decimal {
	return fromUint64(lamports).Div(decimal.NewFromInt(LamportsPerSOL))
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
