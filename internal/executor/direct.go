package executor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// DirectConfig — зависимости DirectExecutor.
type DirectConfig struct {
	RPC       RPC
	Confirmer Confirmer
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// DirectExecutor отправляет транзакции напрямую через RPC.
type DirectExecutor struct {
	rpc       RPC
	confirmer Confirmer
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewDirect создаёт DirectExecutor.
func NewDirect(cfg DirectConfig) *DirectExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DirectExecutor{
		rpc:       cfg.RPC,
		confirmer: cfg.Confirmer,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "executor", "executor", TypeDirect),
	}
}

// Type возвращает TypeDirect.
func (e *DirectExecutor) Type() Type {
	return TypeDirect
}

// Execute отправляет транзакцию и ждёт подтверждения.
//
// Каждая попытка берёт свежий blockhash. Истёкшая без подтверждения
// попытка повторяется; после MaxAttempts возвращается *IndeterminateError.
// *RejectedError — только отказ preflight с ошибкой транзакции или ошибка
// исполнения в блоке; прочие ошибки узла возвращаются как есть.
func (e *DirectExecutor) Execute(ctx context.Context, tx *solana.Transaction, signer ed25519.PrivateKey, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	if err := checkSigner(tx, solana.PublicKeyFromPrivate(signer)); err != nil {
		return nil, err
	}

	// signatures — подписи, которые могли дойти до сети.
	var signatures []string
	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		block, err := e.rpc.GetLatestBlockhash(ctx)
		if err != nil {
			if len(signatures) > 0 {
				// Предыдущие попытки истекли, но исход их неизвестен наверняка.
				return nil, &IndeterminateError{Signatures: signatures, Attempts: attempt - 1}
			}
			return nil, fmt.Errorf("get latest blockhash: %w", err)
		}

		if err := signWith(tx, block.Blockhash, signer); err != nil {
			return nil, err
		}
		sig := tx.Signature().String()
		if err := opts.submitted(sig, block.LastValidBlockHeight); err != nil {
			return nil, err
		}

		log := e.logger.With("signature", sig, "attempt", attempt)

		if _, err := e.rpc.SendTransaction(ctx, tx, solana.SendOptions{SkipPreflight: opts.SkipPreflight}); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var rpcErr *solana.RPCError
			if errors.As(err, &rpcErr) {
				txErr, preflight := rpcErr.PreflightError()
				switch {
				case preflight && solana.IsTxError(txErr, solana.TxErrBlockhashNotFound):
					log.Warn("blockhash not found by node, retrying with a fresh one", "error", err)
					lastErr = err
					continue
				case preflight && solana.IsTxError(txErr, solana.TxErrAlreadyProcessed):
					log.Info("transaction already processed, awaiting confirmation")
				case preflight:
					log.Warn("transaction rejected on submit", "error", err, "tx_error", txErr)
					e.metrics.Submission(string(TypeDirect), string(OutcomeRejected))
					return nil, &RejectedError{Signature: sig, Reason: txErr}
				default:
					// Узел не принял транзакцию по своей причине (перегрузка,
					// отставание). Сама транзакция не отклонена.
					if len(signatures) > 0 {
						return nil, &IndeterminateError{Signatures: signatures, Attempts: attempt - 1}
					}
					log.Warn("send transaction refused by node", "error", err)
					return nil, fmt.Errorf("send transaction: %w", err)
				}
			} else {
				// Транзакция могла дойти до ноды, подпись известна: ждём подтверждения.
				log.Warn("send transaction failed, awaiting confirmation", "error", err)
			}
		}
		signatures = append(signatures, sig)

		conf, err := e.confirmer.Confirm(ctx, sig, block.LastValidBlockHeight)
		if err != nil {
			return nil, fmt.Errorf("confirm %s: %w", sig, err)
		}

		switch conf.Status {
		case solana.ConfirmStatusConfirmed:
			log.Info("transaction confirmed", "slot", conf.Slot)
			e.metrics.Submission(string(TypeDirect), string(OutcomeConfirmed))
			return &Result{
				Signature: sig,
				Outcome:   OutcomeConfirmed,
				Slot:      conf.Slot,
				Attempts:  attempt,
			}, nil
		case solana.ConfirmStatusFailed:
			log.Warn("transaction failed on chain", "slot", conf.Slot, "error", conf.Err)
			e.metrics.Submission(string(TypeDirect), string(OutcomeRejected))
			return nil, &RejectedError{Signature: sig, Reason: conf.Err}
		default:
			log.Info("blockhash expired without confirmation")
		}
	}

	if len(signatures) == 0 {
		return nil, fmt.Errorf("send transaction: %w", lastErr)
	}
	e.metrics.Submission(string(TypeDirect), string(OutcomeIndeterminate))
	return nil, &IndeterminateError{Signatures: signatures, Attempts: opts.MaxAttempts}
}

// ExecuteBatch отправляет транзакции последовательно.
// Первая ошибка прерывает batch; уже подтверждённые подписи возвращаются
// в BatchResult вместе с ошибкой.
func (e *DirectExecutor) ExecuteBatch(ctx context.Context, txs []*solana.Transaction, signer ed25519.PrivateKey, opts Options) (*BatchResult, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}

	batch := &BatchResult{Total: len(txs)}
	for i, tx := range txs {
		res, err := e.Execute(ctx, tx, signer, opts)
		if err != nil {
			batch.Outcome = OutcomeFailed
			if batch.Accepted > 0 {
				batch.Outcome = OutcomePartial
			}
			return batch, fmt.Errorf("batch tx %d/%d: %w", i+1, len(txs), err)
		}
		batch.Signatures = append(batch.Signatures, res.Signature)
		batch.Accepted++
	}

	batch.Outcome = OutcomeConfirmed
	return batch, nil
}
