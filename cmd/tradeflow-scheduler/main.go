// Tradeflow Scheduler — периодически отправляет status.aggregate по
// активным кампаниям и чистит истёкшие ключи идемпотентности.
//
// Экземпляров может быть несколько: работает только лидер,
// удерживающий pg_advisory_lock.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tradeflow/internal/config"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/jobs"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/scheduler"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// leaderCheckInterval — период попыток взять lock и проверки соединения лидера.
const leaderCheckInterval = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("TRADEFLOW_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting tradeflow-scheduler")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.DSN, MaxConns: 4})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	mqConn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	sched, err := scheduler.New(scheduler.Config{
		Runs:          repo.NewRunRepo(pool),
		Dispatcher:    jobs.NewDispatcher(repo.NewJobRepo(pool), publisher),
		Interval:      cfg.Scheduler.Interval,
		DedupFraction: cfg.Scheduler.DedupFraction,
		Metrics:       telemetry.NewMetrics(nil),
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	janitor, err := scheduler.NewJanitor(scheduler.JanitorConfig{
		Spec:    cfg.Scheduler.PurgeSpec,
		Purgers: map[string]scheduler.Purger{"idempotency_keys": idempotency.NewPostgresStore(pool)},
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to create janitor", "error", err)
		os.Exit(1)
	}

	var leader atomic.Bool

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if leader.Load() {
			w.Write([]byte("ok leader"))
			return
		}
		w.Write([]byte("ok standby"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	lead(ctx, pool, cfg.Scheduler.LeaderLockID, logger, func(leadCtx context.Context) {
		leader.Store(true)
		defer leader.Store(false)

		sched.Start(leadCtx)
		janitor.Start(leadCtx)
		<-leadCtx.Done()
		janitor.Stop()
		sched.Stop()
	})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("tradeflow-scheduler stopped")
}

// lead пытается стать лидером и, пока lock удерживается, выполняет fn.
// Если соединение с lock'ом теряется, контекст fn отменяется и выборы
// начинаются заново. Возвращается при отмене ctx.
func lead(ctx context.Context, pool *pgxpool.Pool, lockID int64, logger *slog.Logger, fn func(ctx context.Context)) {
	ticker := time.NewTicker(leaderCheckInterval)
	defer ticker.Stop()

	for {
		if held := tryLead(ctx, pool, lockID, logger, fn); !held {
			logger.Debug("not a leader, standing by")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func tryLead(ctx context.Context, pool *pgxpool.Pool, lockID int64, logger *slog.Logger, fn func(ctx context.Context)) bool {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("acquire connection failed", "error", err)
		}
		return false
	}

	ok, err := repo.TryAdvisoryLock(ctx, conn, lockID)
	if err != nil || !ok {
		if err != nil {
			logger.Warn("leader lock failed", "error", err)
		}
		conn.Release()
		return false
	}
	logger.Info("became leader", "lock_id", lockID)

	leadCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(leadCtx)
	}()

	// Пока fn работает, проверяем, что соединение с lock'ом живо.
	ticker := time.NewTicker(leaderCheckInterval)
	defer ticker.Stop()
	lost := false
	for !lost {
		select {
		case <-ctx.Done():
			lost = true
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					logger.Error("leader connection lost", "error", err)
				}
				lost = true
			}
		}
	}
	stop()
	<-done

	unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := repo.AdvisoryUnlock(unlockCtx, conn, lockID); err != nil {
		// Соединение могло умереть: lock снимется вместе с ним.
		conn.Conn().Close(unlockCtx)
	}
	cancel()
	conn.Release()
	logger.Info("leadership released")
	return true
}
