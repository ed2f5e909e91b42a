// Tradeflow Worker — исполняет job'ы кампаний.
//
// Worker:
//   - Получает job'ы из RabbitMQ (по consumer'у на очередь)
//   - Ищет пулы, отправляет сделки, выводит средства, рассылает события
//   - Повторяет transient-ошибки через delay-очереди, остальное — в DLQ
//
// Workers масштабируются горизонтально.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tradeflow/internal/config"
	"github.com/shaiso/Tradeflow/internal/executor"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/jito"
	"github.com/shaiso/Tradeflow/internal/jobs"
	"github.com/shaiso/Tradeflow/internal/jupiter"
	"github.com/shaiso/Tradeflow/internal/keys"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
	"github.com/shaiso/Tradeflow/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("TRADEFLOW_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting tradeflow-worker")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	campaignRepo := repo.NewCampaignRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	walletRepo := repo.NewWalletRepo(pool)
	jobRepo := repo.NewJobRepo(pool)
	executionRepo := repo.NewExecutionRepo(pool)

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
	logger.Info("RabbitMQ connected")

	metrics := telemetry.NewMetrics(nil)

	// Solana RPC + подтверждение
	rpc := solana.NewHTTPClient(cfg.Solana.RPCURL,
		solana.WithCommitment(solana.Commitment(cfg.Solana.Commitment)),
		solana.WithMaxRetries(cfg.Solana.MaxRetries),
		solana.WithHTTPClient(&http.Client{Timeout: cfg.Solana.Timeout}),
	)
	var subscriber solana.SignatureSubscriber
	if cfg.Solana.WSURL != "" {
		ws := solana.NewWSClient(cfg.Solana.WSURL, solana.WSConfig{Logger: logger})
		defer ws.Close()
		subscriber = ws
	}
	confirmer := solana.NewConfirmer(solana.ConfirmerConfig{
		RPC:          rpc,
		WS:           subscriber,
		Commitment:   solana.Commitment(cfg.Solana.Commitment),
		PollInterval: cfg.Solana.ConfirmPoll,
		Logger:       logger,
	})

	var relay executor.Relay
	if cfg.Jito.Endpoint != "" {
		jc := jito.New(jito.Config{
			Endpoint:     cfg.Jito.Endpoint,
			AuthToken:    cfg.Jito.AuthToken,
			PollInterval: cfg.Jito.PollInterval,
			Logger:       logger,
		})
		defer jc.Close()
		relay = jc
	} else {
		logger.Warn("bundle relay not configured, bundle-mode campaigns will fail")
	}

	executors := executor.NewFactory(executor.FactoryConfig{
		RPC:           rpc,
		Confirmer:     confirmer,
		Relay:         relay,
		Metrics:       metrics,
		Logger:        logger,
		SkipPreflight: cfg.Executor.SkipPreflight,
		MaxAttempts:   cfg.Executor.MaxAttempts,
		BundleTimeout: cfg.Executor.BundleTimeout,
	})

	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		logger.Error("invalid master key", "error", err)
		os.Exit(1)
	}
	keyService, err := keys.New(keys.Config{Wallets: walletRepo, NotFound: repo.ErrNotFound, MasterKey: masterKey})
	clear(masterKey)
	if err != nil {
		logger.Error("failed to init key service", "error", err)
		os.Exit(1)
	}

	handlers := jobs.New(jobs.Config{
		Campaigns:  campaignRepo,
		Runs:       runRepo,
		Wallets:    walletRepo,
		Executions: executionRepo,
		Keys:       keyService,
		Swapper: jupiter.New(jupiter.Config{
			BaseURL:             cfg.Jupiter.BaseURL,
			PriorityFeeLamports: cfg.Jupiter.PriorityFeeLamports,
			Timeout:             cfg.Jupiter.Timeout,
			Logger:              logger,
		}),
		Chain:            rpc,
		Executors:        executors,
		Dispatcher:       jobs.NewDispatcher(jobRepo, publisher),
		Sinks:            []jobs.Sink{jobs.NewLogSink(logger), jobs.NewEventSink(publisher)},
		SubmissionWindow: cfg.Worker.SubmissionWindow,
		Logger:           logger,
	})

	registry := worker.NewRegistry()
	handlers.Register(registry)

	idem := idempotency.NewPostgresStore(pool)

	// По worker'у на очередь
	workers := make([]*worker.Worker, 0, len(mq.JobQueues))
	for _, queue := range mq.JobQueues {
		w := worker.New(worker.Config{
			Queue:          queue,
			Concurrency:    cfg.Worker.ConcurrencyFor(strings.TrimPrefix(string(queue), "jobs.")),
			Handler:        registry.Handle,
			MaxAttempts:    cfg.Worker.MaxAttempts,
			Backoff:        worker.Backoff{Initial: cfg.Worker.BackoffInitial, Max: cfg.Worker.BackoffMax},
			DeadLetter:     publisher,
			Queuer:         publisher,
			Jobs:           jobRepo,
			ClaimTimeout:   cfg.Worker.ClaimTimeout,
			Idempotency:    idem,
			IdempotencyTTL: cfg.Idempotency.TTL,
			Conn:           mqConn,
			Metrics:        metrics,
			Logger:         logger,
		})
		if err := w.Start(ctx); err != nil {
			logger.Error("failed to start worker", "queue", queue, "error", err)
			os.Exit(1)
		}
		workers = append(workers, w)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
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

	// Ожидаем сигнал завершения
	<-ctx.Done()

	for _, w := range workers {
		w.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	logger.Info("tradeflow-worker stopped")
}
