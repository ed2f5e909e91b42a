package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/jobs"
	"github.com/shaiso/Tradeflow/internal/repo"
)

// ErrDispatch — статус изменён, но jobs после commit отправить не удалось.
// Повтор команды безопасен.
var ErrDispatch = errors.New("status changed but follow-up jobs were not dispatched")

// Store — транзакционное изменение кампании и run.
type Store interface {
	Transition(ctx context.Context, id uuid.UUID, apply repo.TransitionFunc) (*domain.Campaign, *domain.Run, error)
}

// Wallets возвращает кошельки кампании.
type Wallets interface {
	ListActive(ctx context.Context, campaignID uuid.UUID) ([]domain.Wallet, error)
}

// Dispatcher создаёт job record и публикует job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType domain.JobType, refs jobs.Refs, payload any, delay time.Duration) (*domain.JobRecord, error)
}

// Config — конфигурация Service.
type Config struct {
	Store      Store
	Wallets    Wallets
	Dispatcher Dispatcher

	// SweepConcurrency — сколько funds.sweep отправляется параллельно (default: 4).
	SweepConcurrency int

	Logger *slog.Logger
}

// Service — операции жизненного цикла кампании.
type Service struct {
	store            Store
	wallets          Wallets
	dispatcher       Dispatcher
	sweepConcurrency int
	logger           *slog.Logger
}

// New создаёт Service.
func New(cfg Config) *Service {
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:            cfg.Store,
		wallets:          cfg.Wallets,
		dispatcher:       cfg.Dispatcher,
		sweepConcurrency: cfg.SweepConcurrency,
		logger:           cfg.Logger.With("component", "campaign"),
	}
}

// Result — итог операции.
type Result struct {
	Campaign *domain.Campaign
	Run      *domain.Run

	// Jobs — отправленные после commit job records.
	Jobs []*domain.JobRecord
}

// Activate запускает draft-кампанию: создаёт run и отправляет pool.discover.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.transition(ctx, id, domain.CampaignStatusDraft, domain.CampaignStatusActive, false)
}

// Pause приостанавливает кампанию. Сделки, ещё не отправленные в сеть,
// пропускаются обработчиками.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.transition(ctx, id, "", domain.CampaignStatusPaused, false)
}

// Resume возобновляет приостановленную кампанию.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.transition(ctx, id, domain.CampaignStatusPaused, domain.CampaignStatusActive, false)
}

// Stop останавливает кампанию и выводит средства кошельков.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (*Result, error) {
	return s.transition(ctx, id, "", domain.CampaignStatusStopped, false)
}

// Force выставляет любой статус в обход правил переходов (admin override).
func (s *Service) Force(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) (*Result, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, to)
	}
	return s.transition(ctx, id, "", to, true)
}

// transition меняет статус на to. expect — требуемый исходный статус
// (пустой — любой, допустимый CanTransition).
func (s *Service) transition(ctx context.Context, id uuid.UUID, expect, to domain.CampaignStatus, force bool) (*Result, error) {
	var (
		from    domain.CampaignStatus
		created bool
	)

	c, run, err := s.store.Transition(ctx, id, func(c *domain.Campaign, open *domain.Run) (*domain.Run, error) {
		from = c.Status
		if !force {
			if (expect != "" && from != expect) || !from.CanTransition(to) {
				return nil, fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, from, to)
			}
		}
		c.Status = to
		newRun, err := applyRun(c, open)
		created = newRun != nil
		return newRun, err
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.With("campaign_id", c.ID, "from", from, "to", to)
	if force {
		log.Warn("campaign status forced")
	} else {
		log.Info("campaign status changed")
	}

	res := &Result{Campaign: c, Run: run}
	if from == to && !created {
		return res, nil
	}

	if err := s.followUp(ctx, log, res, from, created); err != nil {
		return res, fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return res, nil
}

// applyRun приводит открытый run к новому статусу кампании.
// Возвращает новый run, если его нужно создать.
func applyRun(c *domain.Campaign, open *domain.Run) (*domain.Run, error) {
	switch c.Status {
	case domain.CampaignStatusActive:
		if err := c.Params.Validate(); err != nil {
			return nil, err
		}
		if open == nil {
			return domain.NewRun(c.ID), nil
		}
		open.MarkRunning()
	case domain.CampaignStatusPaused:
		if open != nil {
			open.MarkPaused()
		}
	default:
		if open != nil {
			open.MarkStopped()
		}
	}
	return nil, nil
}

// followUp отправляет jobs, следующие из перехода.
// Discovery запускается только для нового run: цепочки сделок
// приостановленного run переживают паузу и продолжаются сами.
func (s *Service) followUp(ctx context.Context, log *slog.Logger, res *Result, from domain.CampaignStatus, created bool) error {
	c, run := res.Campaign, res.Run

	var runID *uuid.UUID
	if run != nil {
		runID = &run.ID
	}

	switch {
	case c.Status == domain.CampaignStatusActive && created:
		rec, err := s.dispatcher.Dispatch(ctx, domain.JobTypePoolDiscover, jobs.Refs{
			CampaignID: c.ID,
			RunID:      runID,
		}, jobs.DiscoverPayload{CampaignID: c.ID, RunID: run.ID}, 0)
		if err != nil {
			return fmt.Errorf("dispatch pool discovery: %w", err)
		}
		res.Jobs = append(res.Jobs, rec)

	case c.Status == domain.CampaignStatusStopped:
		recs, err := s.dispatchSweeps(ctx, c.ID, runID)
		res.Jobs = append(res.Jobs, recs...)
		if err != nil {
			return err
		}
		log.Info("sweep dispatched", "wallets", len(recs))
	}

	ev := jobs.NewEvent(jobs.EventCampaignStatus, c.ID, runID, map[string]any{
		"from": from,
		"to":   c.Status,
	})
	rec, err := s.dispatcher.Dispatch(ctx, domain.JobTypeNotify, jobs.Refs{CampaignID: c.ID, RunID: runID}, ev, 0)
	if err != nil {
		// Событие не критично для перехода.
		log.Warn("failed to dispatch status event", "error", err)
		return nil
	}
	res.Jobs = append(res.Jobs, rec)
	return nil
}

// dispatchSweeps отправляет funds.sweep для каждого кошелька кампании.
func (s *Service) dispatchSweeps(ctx context.Context, campaignID uuid.UUID, runID *uuid.UUID) ([]*domain.JobRecord, error) {
	wallets, err := s.wallets.ListActive(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}

	recs := make([]*domain.JobRecord, len(wallets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepConcurrency)
	for i, w := range wallets {
		g.Go(func() error {
			walletID := w.ID
			rec, err := s.dispatcher.Dispatch(gctx, domain.JobTypeFundsSweep, jobs.Refs{
				CampaignID: campaignID,
				RunID:      runID,
				WalletID:   &walletID,
			}, jobs.SweepPayload{CampaignID: campaignID, RunID: runID, WalletID: walletID}, 0)
			if err != nil {
				return fmt.Errorf("dispatch sweep for wallet %s: %w", walletID, err)
			}
			recs[i] = rec
			return nil
		})
	}
	err = g.Wait()

	out := recs[:0]
	for _, r := range recs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, err
}
