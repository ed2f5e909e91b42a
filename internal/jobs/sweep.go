package jobs

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// Sweep переводит весь SOL кошелька за вычетом комиссии на sweep_destination.
// Остаток токена не продаётся, только логируется.
func (h *Handlers) Sweep(ctx context.Context, job *worker.Job, jc *worker.JobContext) (any, error) {
	var p SweepPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}

	runID := ""
	if p.RunID != nil {
		runID = p.RunID.String()
	}
	log := telemetry.WithCampaign(jc.Logger(), p.CampaignID.String(), runID).With("wallet_id", p.WalletID)

	jobKey := idempotency.JobKey(job.RecordID)
	if done, err := jc.CheckIdempotency(ctx, jobKey); err != nil {
		return nil, err
	} else if done {
		return Skipped{Reason: "already processed"}, nil
	}

	recorded, err := h.existingRecord(ctx, job.RecordID)
	if err != nil {
		return nil, err
	}
	if recorded {
		return Skipped{Reason: "already recorded"}, jc.MarkProcessed(ctx, jobKey)
	}

	c, err := h.loadCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Params.SweepDestination == "" {
		log.Info("no sweep destination configured")
		return Skipped{Reason: "no sweep destination"}, jc.MarkProcessed(ctx, jobKey)
	}
	dest, err := solana.ParsePublicKey(c.Params.SweepDestination)
	if err != nil {
		return nil, worker.Terminalf("%w: %v", ErrInvalidDestination, err)
	}
	if !dest.IsOnCurve() {
		return nil, worker.Terminalf("%w: %s is not a wallet address", ErrInvalidDestination, dest)
	}

	refs := Refs{CampaignID: c.ID, RunID: p.RunID, WalletID: &p.WalletID}

	prior, err := h.priorOutcome(ctx, jc)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return h.finishSweep(ctx, jc, job, c, p, refs, priorOutcomeResult(jc.Record().LastSignature, prior))
	}

	key, err := h.decryptKey(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	if key.PublicKey == dest {
		return Skipped{Reason: "destination is the wallet itself"}, jc.MarkProcessed(ctx, jobKey)
	}

	jc.UpdateProgress(ctx, 20, "reading balances")

	var lamports, tokens uint64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lamports, err = h.chain.GetBalance(gctx, key.PublicKey)
		return err
	})
	if mint, err := solana.ParsePublicKey(c.TokenMint); err == nil {
		g.Go(func() error {
			var err error
			tokens, err = h.chain.GetTokenBalance(gctx, key.PublicKey, mint)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, worker.Transient(fmt.Errorf("read balances: %w", err))
	}

	if tokens > 0 {
		log.Warn("token balance remains after sweep", "token_mint", c.TokenMint, "amount", tokens)
	}
	amount, ok := sweepAmount(lamports, 1)
	if !ok {
		log.Info("balance does not cover the fee, nothing to sweep", "lamports", lamports)
		return Skipped{Reason: "balance does not cover the fee"}, jc.MarkProcessed(ctx, jobKey)
	}

	// Blockhash подставляет executor.
	tx, err := solana.NewTransaction(key.PublicKey, solana.Hash{},
		solana.TransferInstruction(key.PublicKey, dest, amount))
	if err != nil {
		return nil, worker.Terminalf("build transfer: %w", err)
	}

	opts := h.executors.Options(c.Params)
	opts.OnSubmit = func(sig string, lastValid uint64) error {
		return jc.RecordSubmission(ctx, sig, lastValid)
	}

	jc.UpdateProgress(ctx, 50, "submitting")

	res, execErr := h.executors.Direct().Execute(ctx, tx, key.Private, opts)
	out, ok, err := classify(tx, res, execErr, amount)
	if !ok {
		log.Warn("sweep not executed", "error", err)
		return nil, err
	}
	return h.finishSweep(ctx, jc, job, c, p, refs, out)
}

// sweepAmount возвращает сумму перевода, после которого на кошельке остаётся
// ровно 0 lamports. Ненулевой остаток ниже rent-exempt минимума сеть
// отклоняет, поэтому частичного резерва нет.
func sweepAmount(balance uint64, signatures int) (uint64, bool) {
	fee := uint64(signatures) * solana.LamportsPerSignature
	if balance <= fee {
		return 0, false
	}
	return balance - fee, true
}

func (h *Handlers) finishSweep(ctx context.Context, jc *worker.JobContext, job *worker.Job, c *domain.Campaign, p SweepPayload, refs Refs, out outcome) (any, error) {
	if err := h.recordExecution(ctx, job, jc, domain.SideSweep, refs, out); err != nil {
		return nil, err
	}
	if err := jc.MarkProcessed(ctx, idempotency.JobKey(job.RecordID)); err != nil {
		jc.Logger().Warn("failed to mark job processed", "error", err)
	}

	h.notify(ctx, jc.Logger(), NewEvent(EventSweepCompleted, c.ID, p.RunID, map[string]any{
		"wallet_id":       p.WalletID,
		"destination":     c.Params.SweepDestination,
		"signature":       out.Signature,
		"result":          out.Result,
		"amount_lamports": out.Amount,
	}))

	return map[string]any{
		"signature": out.Signature,
		"result":    out.Result,
	}, out.Err
}
