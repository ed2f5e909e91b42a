package solana

import (
	"context"
	"log/slog"
	"time"
)

// ConfirmStatus — итог ожидания подтверждения.
type ConfirmStatus int

const (
	// ConfirmStatusConfirmed — транзакция подтверждена без ошибки.
	ConfirmStatusConfirmed ConfirmStatus = iota + 1

	// ConfirmStatusFailed — транзакция попала в блок с ошибкой.
	ConfirmStatusFailed

	// ConfirmStatusExpired — block height превысил last valid block height,
	// а подтверждения нет. Транзакция уже не может попасть в блок.
	ConfirmStatusExpired
)

func (s ConfirmStatus) String() string {
	switch s {
	case ConfirmStatusConfirmed:
		return "confirmed"
	case ConfirmStatusFailed:
		return "failed"
	case ConfirmStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Confirmation — результат Confirm.
type Confirmation struct {
	Status ConfirmStatus
	Slot   uint64

	// Err — ошибка исполнения из статуса транзакции (для Failed).
	Err any
}

// StatusReader — RPC-методы, нужные для polling.
type StatusReader interface {
	GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// SignatureSubscriber — push-уведомления о подписи.
type SignatureSubscriber interface {
	SignatureSubscribe(ctx context.Context, signature string, commitment Commitment) (<-chan SignatureResult, func(), error)
}

// ConfirmerConfig — настройки Confirmer.
type ConfirmerConfig struct {
	RPC StatusReader

	// WS — опционален; без него подтверждение только через polling.
	WS SignatureSubscriber

	Commitment   Commitment
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Confirmer ждёт подтверждения транзакции в пределах её validity window.
//
// WebSocket-уведомление и polling getSignatureStatuses работают
// параллельно, побеждает первый определённый результат. Ожидание
// заканчивается Expired, когда block height превышает last valid height.
type Confirmer struct {
	rpc          StatusReader
	ws           SignatureSubscriber
	commitment   Commitment
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewConfirmer создаёт Confirmer.
func NewConfirmer(cfg ConfirmerConfig) *Confirmer {
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Confirmer{
		rpc:          cfg.RPC,
		ws:           cfg.WS,
		commitment:   cfg.Commitment,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger.With("component", "confirmer"),
	}
}

// Confirm ждёт подтверждения signature.
// Ошибка возвращается только при отмене ctx.
func (c *Confirmer) Confirm(ctx context.Context, signature string, lastValidBlockHeight uint64) (*Confirmation, error) {
	var notify <-chan SignatureResult
	if c.ws != nil {
		ch, cancel, err := c.ws.SignatureSubscribe(ctx, signature, c.commitment)
		if err != nil {
			c.logger.Warn("signature subscribe failed, polling only",
				"signature", signature,
				"error", err,
			)
		} else {
			defer cancel()
			notify = ch
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if conf := c.poll(ctx, signature, lastValidBlockHeight); conf != nil {
			return conf, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res, ok := <-notify:
			if !ok {
				// Соединение потеряно, продолжаем polling.
				notify = nil
				continue
			}
			if res.Err != nil {
				return &Confirmation{Status: ConfirmStatusFailed, Slot: res.Slot, Err: res.Err}, nil
			}
			return &Confirmation{Status: ConfirmStatusConfirmed, Slot: res.Slot}, nil
		case <-ticker.C:
		}
	}
}

// poll возвращает результат, если он определён, иначе nil.
func (c *Confirmer) poll(ctx context.Context, signature string, lastValidBlockHeight uint64) *Confirmation {
	statuses, err := c.rpc.GetSignatureStatuses(ctx, signature)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("get signature status failed", "signature", signature, "error", err)
		}
		return nil
	}
	if len(statuses) > 0 && statuses[0] != nil {
		st := statuses[0]
		if st.Failed() {
			return &Confirmation{Status: ConfirmStatusFailed, Slot: st.Slot, Err: st.Err}
		}
		if c.commitment.reached(st.ConfirmationStatus) {
			return &Confirmation{Status: ConfirmStatusConfirmed, Slot: st.Slot}
		}
		// Транзакция в блоке, но commitment ещё не достигнут. Истечь она уже не может.
		return nil
	}

	height, err := c.rpc.GetBlockHeight(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("get block height failed", "error", err)
		}
		return nil
	}
	if height > lastValidBlockHeight {
		return &Confirmation{Status: ConfirmStatusExpired}
	}
	return nil
}
