package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultConcurrency  = 1
	defaultMaxAttempts  = 5
	defaultClaimTimeout = 10 * time.Minute
	recordTimeout       = 10 * time.Second
)

// Queuer публикует job'ы.
type Queuer interface {
	Enqueue(ctx context.Context, jobType domain.JobType, payload any, opts mq.EnqueueOptions) (string, error)
}

// DeadLetterer публикует job в dead-letter очередь.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg *mq.Message, queue mq.Queue, reason string) error
}

// Config — конфигурация Worker.
type Config struct {
	// Queue — обслуживаемая очередь.
	Queue mq.Queue

	// Concurrency — число параллельных обработчиков (default: 1).
	Concurrency int

	// Handler — обработчик job'ов (обычно Registry.Handle).
	Handler HandlerFunc

	// MaxAttempts — общее число попыток (default: 5).
	MaxAttempts int

	Backoff Backoff

	// DeadLetter — nil отключает DLQ: исчерпанные job'ы помечаются failed.
	DeadLetter DeadLetterer

	Queuer Queuer
	Jobs   JobStore

	// ClaimTimeout — через сколько running job без итога может забрать
	// другая доставка (default: 10m). Должен превышать время обработки job.
	ClaimTimeout time.Duration

	// Idempotency — nil отключает idempotency: CheckIdempotency всегда false.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Conn — соединение для consumer. Нужно только для Start.
	Conn *mq.Connection

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Worker — runtime одной очереди.
type Worker struct {
	queue       mq.Queue
	concurrency int
	handler     HandlerFunc
	maxAttempts int
	backoff     Backoff
	deadLetter  DeadLetterer
	queuer      Queuer
	jobs        JobStore
	claimTTL    time.Duration
	idem        idempotency.Store
	idemTTL     time.Duration
	conn        *mq.Connection
	metrics     *telemetry.Metrics
	logger      *slog.Logger

	// Lifecycle
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	mu         sync.Mutex
}

// New создаёт Worker.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = defaultClaimTimeout
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = idempotency.DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		queue:       cfg.Queue,
		concurrency: cfg.Concurrency,
		handler:     cfg.Handler,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		deadLetter:  cfg.DeadLetter,
		queuer:      cfg.Queuer,
		jobs:        cfg.Jobs,
		claimTTL:    cfg.ClaimTimeout,
		idem:        cfg.Idempotency,
		idemTTL:     cfg.IdempotencyTTL,
		conn:        cfg.Conn,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "worker", "queue", cfg.Queue),
	}
}

// Start запускает consumer очереди.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancelFunc != nil {
		return nil
	}
	if w.conn == nil {
		return fmt.Errorf("worker %s: no mq connection", w.queue)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	consumer := mq.NewConsumer(w.conn, mq.ConsumerConfig{
		Queue:       w.queue,
		Handler:     w.HandleDelivery,
		Concurrency: w.concurrency,
		Logger:      w.logger,
	})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := consumer.Run(ctx); err != nil {
			w.logger.Error("consumer error", "error", err)
		}
	}()

	w.logger.Info("worker started",
		"concurrency", w.concurrency,
		"max_attempts", w.maxAttempts,
		"dead_letter", w.deadLetter != nil,
		"idempotency", w.idem != nil,
	)
	return nil
}

// Stop останавливает Worker и ждёт завершения обработчиков.
// In-flight сообщения возвращаются в очередь.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped || w.cancelFunc == nil {
		w.stopped = true
		w.mu.Unlock()
		return
	}
	w.stopped = true
	cancel := w.cancelFunc
	w.mu.Unlock()

	w.logger.Info("stopping worker...")
	cancel()
	w.wg.Wait()
	w.logger.Info("worker stopped")
}

// HandleDelivery обрабатывает одно сообщение и возвращает его disposition.
func (w *Worker) HandleDelivery(ctx context.Context, d *mq.Delivery) mq.Disposition {
	started := time.Now()
	msg := &d.Message

	job := &Job{
		MessageID:   msg.ID,
		Type:        msg.Type,
		RecordID:    msg.JobID,
		Attempt:     max(msg.Attempt, 1),
		Queue:       d.Queue,
		Payload:     msg.Payload,
		Redelivered: d.Redelivered,
		EnqueuedAt:  msg.Timestamp,
	}
	log := telemetry.WithJob(w.logger, job.RecordID.String(), string(job.Type), string(job.Queue), job.Attempt)

	disp, outcome := w.process(ctx, job, msg, log)
	w.metrics.JobFinished(string(w.queue), outcome, time.Since(started))
	return disp
}

func (w *Worker) process(ctx context.Context, job *Job, msg *mq.Message, log *slog.Logger) (mq.Disposition, string) {
	if job.Type == "" || job.RecordID == uuid.Nil {
		log.Error("malformed job message")
		return mq.Reject, "rejected"
	}

	rec, err := w.jobs.GetJob(ctx, job.RecordID)
	if err != nil {
		if ctx.Err() != nil {
			return mq.Requeue, "requeued"
		}
		if errors.Is(err, repo.ErrNotFound) {
			return w.fail(ctx, job, msg, nil, Terminal(fmt.Errorf("%w: %s", ErrJobRecordNotFound, job.RecordID)), log)
		}
		return w.fail(ctx, job, msg, nil, Transient(fmt.Errorf("load job record: %w", err)), log)
	}

	if rec.IsFinished() {
		// Ack предыдущей доставки потерялся.
		log.Info("job already finished, skipping", "status", rec.Status)
		return mq.Ack, "duplicate"
	}

	rec, err = w.jobs.ClaimJob(ctx, job.RecordID, job.Attempt, w.claimTTL)
	switch {
	case errors.Is(err, repo.ErrNotClaimable):
		return w.recheck(ctx, job, log)
	case err != nil:
		if ctx.Err() != nil {
			return mq.Requeue, "requeued"
		}
		return w.fail(ctx, job, msg, nil, Transient(fmt.Errorf("claim job record: %w", err)), log)
	}

	jc := &JobContext{
		job:    job,
		record: *rec,
		jobs:   w.jobs,
		idem:   w.idem,
		ttl:    w.idemTTL,
		logger: log,
	}

	log.Info("job started", "redelivered", job.Redelivered)

	result, err := w.invoke(telemetry.WithLogger(ctx, log), job, jc)
	if err != nil && ctx.Err() != nil {
		log.Info("job interrupted by shutdown, requeueing")
		return mq.Requeue, "requeued"
	}
	if err != nil {
		return w.fail(ctx, job, msg, rec, err, log)
	}

	rec.MarkSucceeded()
	w.saveRecord(ctx, rec, log)
	log.Info("job succeeded", "result", result, "duration", rec.Duration())
	return mq.Ack, "succeeded"
}

// recheck откладывает доставку job, который выполняет другая доставка.
// Отложенное сообщение либо увидит итог, либо заберёт зависший job.
func (w *Worker) recheck(ctx context.Context, job *Job, log *slog.Logger) (mq.Disposition, string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	delay := w.backoff.Delay(job.Attempt)
	if _, err := w.queuer.Enqueue(pubCtx, job.Type, job.Payload, mq.EnqueueOptions{
		Delay:   delay,
		JobID:   job.RecordID,
		Attempt: job.Attempt,
	}); err != nil {
		log.Error("failed to postpone claimed job, requeueing", "error", err)
		return mq.Requeue, "requeued"
	}
	log.Info("job is claimed by another delivery, rechecking later", "delay", delay)
	return mq.Ack, "postponed"
}

// invoke вызывает handler с перехватом паники.
func (w *Worker) invoke(ctx context.Context, job *Job, jc *JobContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			jc.logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			err = Terminal(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return w.handler(ctx, job, jc)
}

// fail решает судьбу неуспешной попытки: retry, DLQ или failed.
// rec может быть nil, если record не загружен.
func (w *Worker) fail(ctx context.Context, job *Job, msg *mq.Message, rec *domain.JobRecord, jobErr error, log *slog.Logger) (mq.Disposition, string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if !IsTerminal(jobErr) && job.Attempt < w.maxAttempts {
		delay := w.backoff.Delay(job.Attempt)
		_, err := w.queuer.Enqueue(pubCtx, job.Type, job.Payload, mq.EnqueueOptions{
			Delay:   delay,
			JobID:   job.RecordID,
			Attempt: job.Attempt + 1,
		})
		if err != nil {
			log.Error("failed to schedule retry, requeueing", "error", err, "job_error", jobErr)
			return mq.Requeue, "requeued"
		}

		if rec != nil {
			rec.ResetForRetry(jobErr.Error())
			w.saveRecord(ctx, rec, log)
		}
		log.Warn("job failed, retry scheduled", "error", jobErr, "delay", delay, "next_attempt", job.Attempt+1)
		return mq.Ack, "retried"
	}

	reason := jobErr.Error()
	if !IsTerminal(jobErr) {
		reason = fmt.Sprintf("%s: %s", ErrRetryExhausted, reason)
	}

	if w.deadLetter != nil {
		if err := w.deadLetter.DeadLetter(pubCtx, msg, job.Queue, reason); err != nil {
			log.Error("failed to dead-letter job, requeueing", "error", err, "job_error", jobErr)
			return mq.Requeue, "requeued"
		}
		if rec != nil {
			rec.MarkDead(reason)
			w.saveRecord(ctx, rec, log)
		}
		log.Error("job dead-lettered", "error", jobErr, "terminal", IsTerminal(jobErr))
		return mq.Ack, "dead"
	}

	if rec != nil {
		rec.MarkFailed(reason)
		w.saveRecord(ctx, rec, log)
	}
	log.Error("job failed", "error", jobErr, "terminal", IsTerminal(jobErr))
	return mq.Ack, "failed"
}

// saveRecord сохраняет job record. Record — зеркало очереди: ошибка записи
// логируется, но не меняет судьбу сообщения.
func (w *Worker) saveRecord(ctx context.Context, rec *domain.JobRecord, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := w.jobs.UpdateJob(ctx, rec); err != nil {
		log.Warn("failed to update job record", "status", rec.Status, "error", err)
	}
}
