package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/jobs"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// Ошибки планировщика.
var (
	// ErrPassInFlight — предыдущий проход ещё выполняется.
	ErrPassInFlight = errors.New("scheduler pass already in flight")

	// ErrInvalidDedupFraction — DedupFraction вне (0, 1).
	ErrInvalidDedupFraction = errors.New("dedup fraction must be in (0, 1)")
)

// ActiveRuns возвращает running runs вместе с кампаниями.
type ActiveRuns interface {
	ListActive(ctx context.Context) ([]domain.ActiveRun, error)
}

// Dispatcher создаёт job record и публикует job.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType domain.JobType, refs jobs.Refs, payload any, delay time.Duration) (*domain.JobRecord, error)
}

// Config — конфигурация Scheduler.
type Config struct {
	Runs       ActiveRuns
	Dispatcher Dispatcher

	// Interval — период проходов (default: 30s).
	Interval time.Duration

	// DedupFraction — доля Interval, в пределах которой кампания повторно
	// не планируется (default: 0.9). Строго меньше 1: каждый тик интервала
	// рано или поздно отправляет job снова.
	DedupFraction float64

	// Clock — источник времени (default: time.Now).
	Clock func() time.Time

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Scheduler периодически отправляет status.aggregate для каждой кампании
// с running run.
//
// Маркеры последней отправки живут в памяти процесса, поэтому запускать
// Scheduler нужно в одном экземпляре (leader lock в cmd/tradeflow-scheduler).
type Scheduler struct {
	runs        ActiveRuns
	dispatcher  Dispatcher
	interval    time.Duration
	dedupWindow time.Duration
	clock       func() time.Time
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	inFlight atomic.Bool

	// markers — campaign_id → время последней отправки.
	// Меняется только внутри прохода.
	markers map[uuid.UUID]time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New создаёт Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DedupFraction == 0 {
		cfg.DedupFraction = 0.9
	}
	if cfg.DedupFraction <= 0 || cfg.DedupFraction >= 1 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDedupFraction, cfg.DedupFraction)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		runs:        cfg.Runs,
		dispatcher:  cfg.Dispatcher,
		interval:    cfg.Interval,
		dedupWindow: time.Duration(float64(cfg.Interval) * cfg.DedupFraction),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "scheduler"),
		markers:     make(map[uuid.UUID]time.Time),
	}, nil
}

// Tick выполняет один проход.
//
// 1. Находит running runs вместе с кампаниями
// 2. Пропускает кампании, запланированные в пределах dedup window
// 3. Создаёт job record и публикует status.aggregate
// 4. Удаляет маркеры кампаний, которые больше не активны
//
// Ошибки одной кампании не прерывают проход. Повторный вход, пока
// предыдущий проход не завершён, возвращает ErrPassInFlight.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrPassInFlight
	}
	defer s.inFlight.Store(false)

	now := s.clock()

	active, err := s.runs.ListActive(ctx)
	if err != nil {
		s.metrics.Dispatch("error")
		return fmt.Errorf("list active runs: %w", err)
	}

	seen := make(map[uuid.UUID]struct{}, len(active))
	var dispatched, skipped, failed int

	for i := range active {
		ar := &active[i]
		campaignID := ar.Campaign.ID
		seen[campaignID] = struct{}{}

		if last, ok := s.markers[campaignID]; ok && now.Sub(last) < s.dedupWindow {
			skipped++
			s.metrics.Dispatch("skipped")
			continue
		}

		runID := ar.Run.ID
		rec, err := s.dispatcher.Dispatch(ctx, domain.JobTypeStatusAggregate, jobs.Refs{
			CampaignID: campaignID,
			RunID:      &runID,
		}, jobs.StatusPayload{CampaignID: campaignID, RunID: runID}, 0)
		if err != nil {
			failed++
			s.metrics.Dispatch("error")
			s.logger.Error("failed to dispatch status job",
				"campaign_id", campaignID,
				"run_id", runID,
				"error", err,
			)
			continue
		}

		s.markers[campaignID] = now
		dispatched++
		s.metrics.Dispatch("dispatched")
		s.logger.Debug("status job dispatched",
			"campaign_id", campaignID,
			"run_id", runID,
			"job_id", rec.ID,
		)
	}

	for id := range s.markers {
		if _, ok := seen[id]; !ok {
			delete(s.markers, id)
		}
	}

	if dispatched > 0 || failed > 0 {
		s.logger.Info("scheduler pass completed",
			"active", len(active),
			"dispatched", dispatched,
			"skipped", skipped,
			"failed", failed,
		)
	}
	return nil
}

// Start запускает проходы: первый сразу, далее раз в Interval.
// Повторный вызов ничего не делает.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	s.logger.Info("scheduler started", "interval", s.interval, "dedup_window", s.dedupWindow)
}

// Stop останавливает проходы и ждёт завершения текущего.
// Безопасен без Start и при повторном вызове.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
