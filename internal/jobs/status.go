package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/telemetry"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// Aggregate пересчитывает статистику run по execution records и
// приводит статус run к статусу кампании. Run, достигший max_trades,
// завершается (completed), кампания при этом остаётся active.
func (h *Handlers) Aggregate(ctx context.Context, job *worker.Job, jc *worker.JobContext) (any, error) {
	var p StatusPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	log := telemetry.WithCampaign(jc.Logger(), p.CampaignID.String(), p.RunID.String())

	run, err := h.loadRun(ctx, p.RunID)
	if err != nil {
		return nil, err
	}
	if run.IsFinished() {
		return Skipped{Reason: "run " + string(run.Status)}, nil
	}
	c, err := h.loadCampaign(ctx, p.CampaignID)
	if err != nil {
		return nil, err
	}

	stats, err := h.executions.AggregateRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("aggregate run: %w", err)
	}
	stats.UpdatedAt = h.now().UTC()
	if err := h.runs.UpdateStats(ctx, run.ID, stats); err != nil {
		return nil, fmt.Errorf("update run stats: %w", err)
	}
	run.Stats = stats

	var event string
	switch {
	case c.Status == domain.CampaignStatusPaused && run.IsRunning():
		run.MarkPaused()
		event = EventRunPaused
	case c.Status == domain.CampaignStatusStopped:
		run.MarkStopped()
		event = EventRunStopped
	case c.IsActive() && c.Params.MaxTrades > 0 && stats.TradesTotal >= c.Params.MaxTrades:
		run.MarkCompleted()
		event = EventRunCompleted
	}

	if event != "" {
		err := h.runs.UpdateStatus(ctx, run)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// Run завершён параллельно.
			log.Info("run already finished", "status", run.Status)
		case err != nil:
			return nil, fmt.Errorf("update run status: %w", err)
		default:
			log.Info("run status changed", "status", run.Status, "trades_total", stats.TradesTotal)
			h.notify(ctx, log, NewEvent(event, c.ID, &run.ID, map[string]any{
				"status":          run.Status,
				"trades_total":    stats.TradesTotal,
				"volume_lamports": stats.VolumeLamports,
			}))
		}
	}

	return stats, nil
}
