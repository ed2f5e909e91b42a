package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (5 полей или дескрипторы @every/@hourly).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Purger удаляет истёкшие записи.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// JanitorConfig — конфигурация Janitor.
type JanitorConfig struct {
	// Spec — расписание очистки (default: "@hourly").
	Spec string

	// Purgers — что чистить, по имени (для логов).
	Purgers map[string]Purger

	// Timeout — ограничение одного запуска (default: 1m).
	Timeout time.Duration

	Logger *slog.Logger
}

// Janitor по cron-расписанию удаляет истёкшие ключи идемпотентности.
type Janitor struct {
	cron    *cron.Cron
	purgers map[string]Purger
	timeout time.Duration
	logger  *slog.Logger
	ctx     context.Context
}

// NewJanitor создаёт Janitor.
func NewJanitor(cfg JanitorConfig) (*Janitor, error) {
	if cfg.Spec == "" {
		cfg.Spec = "@hourly"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Spec, err)
	}

	j := &Janitor{
		cron:    cron.New(cron.WithParser(cronParser)),
		purgers: cfg.Purgers,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "janitor"),
		ctx:     context.Background(),
	}
	j.cron.Schedule(sched, cron.FuncJob(func() { j.RunOnce(j.ctx) }))
	return j, nil
}

// Start запускает расписание. ctx ограничивает каждый запуск.
func (j *Janitor) Start(ctx context.Context) {
	j.ctx = ctx
	j.cron.Start()
	j.logger.Info("janitor started", "next", j.cron.Entries()[0].Next)
}

// Stop останавливает расписание и ждёт текущий запуск.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunOnce выполняет очистку сразу.
func (j *Janitor) RunOnce(ctx context.Context) {
	for name, p := range j.purgers {
		runCtx, cancel := context.WithTimeout(ctx, j.timeout)
		n, err := p.PurgeExpired(runCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				j.logger.Error("purge failed", "target", name, "error", err)
			}
			continue
		}
		if n > 0 {
			j.logger.Info("purged expired entries", "target", name, "count", n)
		}
	}
}
