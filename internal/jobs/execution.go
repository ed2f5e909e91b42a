package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/executor"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// outcome — определённый итог отправки, пригодный для execution record.
type outcome struct {
	Signature string
	Result    domain.ExecutionResult
	Amount    uint64

	// Err — ошибка, которую job вернёт runtime'у (terminal или nil).
	Err error
}

// classify переводит результат executor'а в outcome.
// ok=false — итога нет: err вернуть runtime'у без execution record.
func classify(tx *solana.Transaction, res *executor.Result, err error, amount uint64) (out outcome, ok bool, retErr error) {
	if err == nil {
		sig := res.Signature
		if res.BundleID != "" {
			sig = domain.BundleSignaturePrefix + res.BundleID
		}
		return outcome{Signature: sig, Result: domain.ExecutionConfirmed, Amount: amount}, true, nil
	}

	var (
		rejected      *executor.RejectedError
		indeterminate *executor.IndeterminateError
	)
	switch {
	case errors.As(err, &rejected):
		return outcome{
			Signature: rejected.Signature,
			Result:    domain.ExecutionRejected,
			Amount:    amount,
			Err:       worker.Terminal(err),
		}, true, nil
	case errors.As(err, &indeterminate):
		sig := tx.Signature().String()
		if n := len(indeterminate.Signatures); n > 0 {
			sig = indeterminate.Signatures[n-1]
		}
		return outcome{
			Signature: sig,
			Result:    domain.ExecutionIndeterminate,
			Amount:    amount,
			Err:       worker.Terminal(err),
		}, true, nil
	case errors.Is(err, executor.ErrBundleNotLanded):
		return outcome{
			Signature: tx.Signature().String(),
			Result:    domain.ExecutionFailed,
			Amount:    amount,
			Err:       worker.Terminal(err),
		}, true, nil
	case errors.Is(err, executor.ErrUnderSigned),
		errors.Is(err, executor.ErrBundleCredentialsMissing):
		return outcome{}, false, worker.Terminal(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return outcome{}, false, err
	default:
		return outcome{}, false, worker.Transient(err)
	}
}

// priorOutcome проверяет подпись, отправленную предыдущей попыткой job'а.
//
// Возвращает статус, если транзакция попала в блок. Если статус неизвестен,
// а высота блока ещё не превысила lastValidBlockHeight прошлой отправки,
// транзакция ещё может попасть в блок — возвращается transient-ошибка.
// Для отправок без известной границы ждём submissionWindow от SubmittedAt.
func (h *Handlers) priorOutcome(ctx context.Context, jc *worker.JobContext) (*solana.SignatureStatus, error) {
	rec := jc.Record()
	if rec.LastSignature == "" {
		return nil, nil
	}

	statuses, err := h.chain.GetSignatureStatuses(ctx, rec.LastSignature)
	if err != nil {
		return nil, worker.Transient(fmt.Errorf("check previous submission: %w", err))
	}
	if len(statuses) > 0 && statuses[0] != nil {
		st := statuses[0]
		if !st.Failed() && st.ConfirmationStatus == string(solana.CommitmentProcessed) {
			return nil, worker.Transient(ErrPreviousSubmissionPending)
		}
		return st, nil
	}

	if rec.LastValidBlockHeight > 0 {
		height, err := h.chain.GetBlockHeight(ctx)
		if err != nil {
			return nil, worker.Transient(fmt.Errorf("check previous submission expiry: %w", err))
		}
		if height <= rec.LastValidBlockHeight {
			jc.Logger().Info("previous submission may still land",
				"signature", rec.LastSignature,
				"block_height", height,
				"last_valid_block_height", rec.LastValidBlockHeight,
			)
			return nil, worker.Transient(ErrPreviousSubmissionPending)
		}
	} else if rec.SubmittedAt == nil || h.now().Sub(*rec.SubmittedAt) < h.submissionWindow {
		return nil, worker.Transient(ErrPreviousSubmissionPending)
	}

	jc.Logger().Info("previous submission expired, resubmitting", "signature", rec.LastSignature)
	return nil, nil
}

// priorOutcomeResult переводит найденный статус в outcome.
func priorOutcomeResult(sig string, st *solana.SignatureStatus) outcome {
	if st.Failed() {
		return outcome{
			Signature: sig,
			Result:    domain.ExecutionRejected,
			Err:       worker.Terminal(&executor.RejectedError{Signature: sig, Reason: st.Err}),
		}
	}
	return outcome{Signature: sig, Result: domain.ExecutionConfirmed}
}

// existingRecord возвращает true, если execution record для job уже записан.
func (h *Handlers) existingRecord(ctx context.Context, jobID uuid.UUID) (bool, error) {
	_, err := h.executions.GetByJobID(ctx, jobID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repo.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("get execution record: %w", err)
	}
}

// recordExecution пишет execution record (условно по job_id) и помечает
// подпись обработанной.
func (h *Handlers) recordExecution(ctx context.Context, job *worker.Job, jc *worker.JobContext, side domain.TradeSide, refs Refs, out outcome) error {
	rec := &domain.ExecutionRecord{
		ID:             uuid.New(),
		JobID:          job.RecordID,
		CampaignID:     refs.CampaignID,
		RunID:          refs.RunID,
		WalletID:       refs.WalletID,
		Side:           side,
		Signature:      out.Signature,
		Result:         out.Result,
		AmountLamports: out.Amount,
		Success:        out.Result == domain.ExecutionConfirmed,
		CreatedAt:      h.now().UTC(),
	}
	if out.Err != nil {
		rec.Error = out.Err.Error()
	}

	inserted, err := h.executions.InsertExecution(ctx, rec)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	if !inserted {
		jc.Logger().Info("execution already recorded", "signature", out.Signature)
	}

	if out.Signature != "" {
		if err := jc.MarkProcessed(ctx, idempotency.SignatureKey(out.Signature)); err != nil {
			jc.Logger().Warn("failed to mark signature processed", "error", err)
		}
	}

	jc.Logger().Info("execution recorded",
		"side", side,
		"signature", out.Signature,
		"result", out.Result,
		"amount_lamports", out.Amount,
	)
	return nil
}

func nextKey(recordID uuid.UUID) string {
	return "next:" + recordID.String()
}

func discoverKey(recordID, walletID uuid.UUID) string {
	return "discover:" + recordID.String() + ":" + walletID.String()
}

func notifyKey(eventID uuid.UUID) string {
	return "notify:" + eventID.String()
}
