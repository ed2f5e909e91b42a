package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig — настройки логирования.
type LogConfig struct {
	// Level — DEBUG, INFO, WARN, ERROR. По умолчанию INFO.
	Level string

	// Format — "json" (по умолчанию) или "text".
	Format string
}

// ParseLevel переводит строковый уровень в slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
func SetupLogger(cfg LogConfig) *slog.Logger {
	return setupLogger(os.Stdout, cfg)
}

func setupLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

type ctxKey string

// CtxLogger — ключ для логгера в контексте.
const CtxLogger ctxKey = "logger"

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithJob возвращает логгер с атрибутами job.
func WithJob(logger *slog.Logger, jobID, jobType, queue string, attempt int) *slog.Logger {
	return logger.With(
		"job_id", jobID,
		"job_type", jobType,
		"queue", queue,
		"attempt", attempt,
	)
}

// WithCampaign возвращает логгер с campaign_id и run_id.
func WithCampaign(logger *slog.Logger, campaignID, runID string) *slog.Logger {
	if runID == "" {
		return logger.With("campaign_id", campaignID)
	}
	return logger.With("campaign_id", campaignID, "run_id", runID)
}
