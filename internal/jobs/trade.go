package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/jupiter"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// Trade выполняет одну сделку кошелька (trade.buy или trade.sell) и
// планирует следующую сделку противоположного направления.
//
// Повторная доставка уже обработанного job не отправляет транзакцию и не
// пишет второй execution record.
func (h *Handlers) Trade(ctx context.Context, job *worker.Job, jc *worker.JobContext) (any, error) {
	var p TradePayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}

	side := domain.SideBuy
	if job.Type == domain.JobTypeTradeSell {
		side = domain.SideSell
	}

	log := telemetry.WithCampaign(jc.Logger(), p.CampaignID.String(), p.RunID.String()).
		With("wallet_id", p.WalletID, "side", side, "seq", p.Seq)

	jobKey := idempotency.JobKey(job.RecordID)
	if done, err := jc.CheckIdempotency(ctx, jobKey); err != nil {
		return nil, err
	} else if done {
		return Skipped{Reason: "already processed"}, nil
	}

	c, err := h.loadCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, err
	}
	run, err := h.loadRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}

	recorded, err := h.existingRecord(ctx, job.RecordID)
	if err != nil {
		return nil, err
	}
	if recorded {
		// Запись есть, но job не помечен: прошлая попытка упала после записи.
		if err := h.scheduleNext(ctx, log, jc, job, c, run, p, side); err != nil {
			return nil, err
		}
		return Skipped{Reason: "already recorded"}, jc.MarkProcessed(ctx, jobKey)
	}

	refs := Refs{CampaignID: c.ID, RunID: &run.ID, WalletID: &p.WalletID}

	// Исход отправки прошлой попытки фиксируется даже после паузы кампании.
	prior, err := h.priorOutcome(ctx, jc)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		out := priorOutcomeResult(jc.Record().LastSignature, prior)
		out.Amount = p.AmountLamports
		return h.finishTrade(ctx, log, jc, job, c, run, p, side, refs, out)
	}

	if c.Status == domain.CampaignStatusPaused && !run.IsFinished() {
		if err := h.park(ctx, log, jc, job, c, p); err != nil {
			return nil, err
		}
		return Skipped{Reason: "campaign paused, trade postponed"}, jc.MarkProcessed(ctx, jobKey)
	}
	if !c.IsActive() || !run.IsRunning() {
		log.Info("trade skipped", "campaign_status", c.Status, "run_status", run.Status)
		return Skipped{Reason: fmt.Sprintf("campaign %s, run %s", c.Status, run.Status)}, jc.MarkProcessed(ctx, jobKey)
	}

	jc.UpdateProgress(ctx, 10, "building swap")

	key, err := h.decryptKey(ctx, p.WalletID)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	swap, amount, err := h.buildSwap(ctx, c, side, key.PublicKey, p)
	if err != nil {
		return nil, err
	}
	if swap == nil {
		log.Info("nothing to sell, continuing with buy")
		if err := h.scheduleNext(ctx, log, jc, job, c, run, p, side); err != nil {
			return nil, err
		}
		return Skipped{Reason: "no token balance"}, jc.MarkProcessed(ctx, jobKey)
	}

	exec, err := h.executors.ForCampaign(c.Params)
	if err != nil {
		return nil, worker.Terminal(err)
	}
	opts := h.executors.Options(c.Params)
	opts.OnSubmit = func(sig string, lastValid uint64) error {
		return jc.RecordSubmission(ctx, sig, lastValid)
	}

	jc.UpdateProgress(ctx, 40, "submitting")

	res, execErr := exec.Execute(ctx, swap.Transaction, key.Private, opts)
	out, ok, err := classify(swap.Transaction, res, execErr, amount)
	if !ok {
		log.Warn("trade not executed", "error", err)
		return nil, err
	}
	return h.finishTrade(ctx, log, jc, job, c, run, p, side, refs, out)
}

// finishTrade пишет execution record, планирует следующую сделку и
// помечает job обработанным. Следующая сделка планируется и после
// rejected/indeterminate: цепочка кошелька не прерывается.
func (h *Handlers) finishTrade(
	ctx context.Context,
	log *slog.Logger,
	jc *worker.JobContext,
	job *worker.Job,
	c *domain.Campaign,
	run *domain.Run,
	p TradePayload,
	side domain.TradeSide,
	refs Refs,
	out outcome,
) (any, error) {
	jc.UpdateProgress(ctx, 80, "recording")

	if err := h.recordExecution(ctx, job, jc, side, refs, out); err != nil {
		return nil, err
	}
	if err := h.scheduleNext(ctx, log, jc, job, c, run, p, side); err != nil {
		return nil, err
	}
	if err := jc.MarkProcessed(ctx, idempotency.JobKey(job.RecordID)); err != nil {
		log.Warn("failed to mark job processed", "error", err)
	}

	h.notify(ctx, log, NewEvent(EventExecutionRecorded, c.ID, &run.ID, map[string]any{
		"job_id":          job.RecordID,
		"wallet_id":       p.WalletID,
		"side":            side,
		"signature":       out.Signature,
		"result":          out.Result,
		"amount_lamports": out.Amount,
	}))

	return map[string]any{
		"signature": out.Signature,
		"result":    out.Result,
	}, out.Err
}

// buildSwap запрашивает котировку и swap-транзакцию.
// Возвращает nil без ошибки, если продавать нечего.
func (h *Handlers) buildSwap(ctx context.Context, c *domain.Campaign, side domain.TradeSide, owner solana.PublicKey, p TradePayload) (*jupiter.SwapResult, uint64, error) {
	mint, err := solana.ParsePublicKey(c.TokenMint)
	if err != nil {
		return nil, 0, worker.Terminalf("token mint %q: %w", c.TokenMint, err)
	}

	req := jupiter.QuoteRequest{SlippageBps: c.Params.SlippageBps}
	switch side {
	case domain.SideBuy:
		amount := p.AmountLamports
		if amount == 0 {
			h.withRand(func(r *rand.Rand) { amount = c.Params.BuyAmountLamports(r) })
		}
		req.InputMint, req.OutputMint, req.Amount = solana.WrappedSOLMint, mint, amount
	default:
		balance, err := h.chain.GetTokenBalance(ctx, owner, mint)
		if err != nil {
			return nil, 0, worker.Transient(fmt.Errorf("get token balance: %w", err))
		}
		amount := c.Params.SellAmount(balance)
		if amount == 0 {
			return nil, 0, nil
		}
		req.InputMint, req.OutputMint, req.Amount = mint, solana.WrappedSOLMint, amount
	}

	quote, err := h.swapper.Quote(ctx, req)
	if err != nil {
		return nil, 0, swapError("quote", err)
	}
	swap, err := h.swapper.Swap(ctx, quote, owner)
	if err != nil {
		return nil, 0, swapError("swap", err)
	}

	// Объём сделки считается в lamports: для buy — вход, для sell — выход.
	volume := req.Amount
	if side == domain.SideSell {
		if volume, err = quote.OutAmountUint(); err != nil {
			return nil, 0, worker.Terminalf("quote out amount: %w", err)
		}
	}
	return swap, volume, nil
}

func swapError(op string, err error) error {
	if errors.Is(err, jupiter.ErrNoRoute) {
		return worker.Terminalf("%s: %w", op, err)
	}
	return worker.Transient(fmt.Errorf("%s: %w", op, err))
}

// scheduleNext планирует следующую сделку кошелька, пока run активен и
// лимит max_trades не исчерпан. Повторный вызов для того же job ничего не делает.
//
// Сделки считаются по execution records run'а. Цепочки кошельков идут
// параллельно, поэтому max_trades может быть превышен не больше чем на
// число кошельков.
func (h *Handlers) scheduleNext(
	ctx context.Context,
	log *slog.Logger,
	jc *worker.JobContext,
	job *worker.Job,
	c *domain.Campaign,
	run *domain.Run,
	p TradePayload,
	side domain.TradeSide,
) error {
	if !c.IsActive() || !run.IsRunning() {
		return nil
	}
	key := nextKey(job.RecordID)
	if done, err := jc.CheckIdempotency(ctx, key); err != nil {
		return err
	} else if done {
		return nil
	}

	if c.Params.MaxTrades > 0 {
		trades, err := h.executions.CountTrades(ctx, run.ID)
		if err != nil {
			return worker.Transient(fmt.Errorf("count trades: %w", err))
		}
		if trades >= c.Params.MaxTrades {
			log.Info("max trades reached, chain finished", "max_trades", c.Params.MaxTrades, "trades", trades)
			return nil
		}
	}

	next := TradePayload{
		CampaignID: p.CampaignID,
		RunID:      p.RunID,
		WalletID:   p.WalletID,
		Seq:        p.Seq + 1,
	}
	nextType := domain.JobTypeTradeSell
	if side == domain.SideSell {
		nextType = domain.JobTypeTradeBuy
	}

	var delay time.Duration
	h.withRand(func(r *rand.Rand) {
		if nextType == domain.JobTypeTradeBuy {
			next.AmountLamports = c.Params.BuyAmountLamports(r)
		}
		delay = c.Params.NextDelay(r)
	})

	rec, err := h.dispatcher.Dispatch(ctx, nextType, Refs{
		CampaignID: p.CampaignID,
		RunID:      &run.ID,
		WalletID:   &p.WalletID,
	}, next, delay)
	if err != nil {
		return worker.Transient(fmt.Errorf("schedule next trade: %w", err))
	}
	if err := jc.MarkProcessed(ctx, key); err != nil {
		log.Warn("failed to mark next trade scheduled", "error", err)
	}

	log.Debug("next trade scheduled", "job_type", nextType, "next_job_id", rec.ID, "delay", delay)
	return nil
}

// park откладывает сделку приостановленной кампании на следующий интервал.
// Цепочка кошелька переживает паузу: после Resume сделки продолжаются без
// повторного запуска цепочек.
func (h *Handlers) park(ctx context.Context, log *slog.Logger, jc *worker.JobContext, job *worker.Job, c *domain.Campaign, p TradePayload) error {
	key := nextKey(job.RecordID)
	if done, err := jc.CheckIdempotency(ctx, key); err != nil {
		return err
	} else if done {
		return nil
	}

	var delay time.Duration
	h.withRand(func(r *rand.Rand) { delay = c.Params.NextDelay(r) })

	if _, err := h.dispatcher.Dispatch(ctx, job.Type, Refs{
		CampaignID: p.CampaignID,
		RunID:      &p.RunID,
		WalletID:   &p.WalletID,
	}, p, delay); err != nil {
		return worker.Transient(fmt.Errorf("postpone trade: %w", err))
	}
	if err := jc.MarkProcessed(ctx, key); err != nil {
		log.Warn("failed to mark trade postponed", "error", err)
	}

	log.Info("campaign paused, trade postponed", "delay", delay)
	return nil
}
