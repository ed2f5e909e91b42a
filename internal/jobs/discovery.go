package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/jupiter"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// Discover находит пул токена кампании (если он ещё не известен) и
// запускает цепочки сделок: первый trade.buy каждого активного кошелька
// со случайным сдвигом в пределах interval_sec.
func (h *Handlers) Discover(ctx context.Context, job *worker.Job, jc *worker.JobContext) (any, error) {
	var p DiscoverPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	log := telemetry.WithCampaign(jc.Logger(), p.CampaignID.String(), p.RunID.String())

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
	if !c.IsActive() || !run.IsRunning() {
		log.Info("discovery skipped", "campaign_status", c.Status, "run_status", run.Status)
		return Skipped{Reason: fmt.Sprintf("campaign %s, run %s", c.Status, run.Status)}, jc.MarkProcessed(ctx, jobKey)
	}

	if c.PoolID == "" {
		jc.UpdateProgress(ctx, 10, "discovering pool")
		if err := h.discoverPool(ctx, c); err != nil {
			return nil, err
		}
		log.Info("pool discovered", "pool_id", c.PoolID, "dex", c.PoolLabel)
	}

	wallets, err := h.wallets.ListActive(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	if len(wallets) == 0 {
		log.Warn("campaign has no active wallets")
		return Skipped{Reason: "no active wallets"}, jc.MarkProcessed(ctx, jobKey)
	}

	dispatched := 0
	for i, w := range wallets {
		key := discoverKey(job.RecordID, w.ID)
		done, err := jc.CheckIdempotency(ctx, key)
		if err != nil {
			return nil, err
		}
		if !done {
			payload := TradePayload{CampaignID: c.ID, RunID: run.ID, WalletID: w.ID, Seq: 1}
			var stagger time.Duration
			h.withRand(func(r *rand.Rand) {
				payload.AmountLamports = c.Params.BuyAmountLamports(r)
				stagger = time.Duration(r.IntN(c.Params.IntervalSec)) * time.Second
			})

			walletID := w.ID
			if _, err := h.dispatcher.Dispatch(ctx, domain.JobTypeTradeBuy, Refs{
				CampaignID: c.ID,
				RunID:      &run.ID,
				WalletID:   &walletID,
			}, payload, stagger); err != nil {
				return nil, worker.Transient(fmt.Errorf("dispatch first buy for wallet %s: %w", w.ID, err))
			}
			if err := jc.MarkProcessed(ctx, key); err != nil {
				log.Warn("failed to mark wallet dispatched", "wallet_id", w.ID, "error", err)
			}
			dispatched++
		}
		jc.UpdateProgress(ctx, 20+80*(i+1)/len(wallets), fmt.Sprintf("wallet %d/%d", i+1, len(wallets)))
	}

	if err := jc.MarkProcessed(ctx, jobKey); err != nil {
		log.Warn("failed to mark job processed", "error", err)
	}
	log.Info("trade chains started", "wallets", len(wallets), "dispatched", dispatched)

	return map[string]any{
		"pool_id":    c.PoolID,
		"dex":        c.PoolLabel,
		"wallets":    len(wallets),
		"dispatched": dispatched,
	}, nil
}

// discoverPool определяет пул по первому шагу маршрута котировки
// SOL → token на минимальный размер сделки и сохраняет его в кампании.
func (h *Handlers) discoverPool(ctx context.Context, c *domain.Campaign) error {
	mint, err := solana.ParsePublicKey(c.TokenMint)
	if err != nil {
		return worker.Terminalf("token mint %q: %w", c.TokenMint, err)
	}

	quote, err := h.swapper.Quote(ctx, jupiter.QuoteRequest{
		InputMint:   solana.WrappedSOLMint,
		OutputMint:  mint,
		Amount:      domain.ToLamports(c.Params.MinTxSOL),
		SlippageBps: c.Params.SlippageBps,
	})
	if err != nil {
		return swapError("quote", err)
	}

	poolID, label, err := quote.Pool()
	if errors.Is(err, jupiter.ErrNoRoute) {
		return worker.Terminalf("pool for %s: %w", c.TokenMint, err)
	}
	if err != nil {
		return err
	}

	if err := h.campaigns.SetPool(ctx, c.ID, poolID, label); err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	c.PoolID, c.PoolLabel = poolID, label
	return nil
}
