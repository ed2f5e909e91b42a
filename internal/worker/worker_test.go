package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/idempotency"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
)

// --- fakes ---

type memJobs struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*domain.JobRecord
	progress map[uuid.UUID][]int
	getErr   error
}

func newMemJobs() *memJobs {
	return &memJobs{
		records:  make(map[uuid.UUID]*domain.JobRecord),
		progress: make(map[uuid.UUID][]int),
	}
}

func (m *memJobs) add(jobType domain.JobType) *domain.JobRecord {
	rec := domain.NewJobRecord(jobType, "jobs.test")
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return rec
}

func (m *memJobs) GetJob(_ context.Context, id uuid.UUID) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memJobs) ClaimJob(_ context.Context, id uuid.UUID, attempt int, staleAfter time.Duration) (*domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || !rec.Claimable(time.Now(), staleAfter) {
		return nil, repo.ErrNotClaimable
	}
	rec.MarkRunning(attempt)
	cp := *rec
	return &cp, nil
}

// UpdateJob, как и JobRepo, не трогает данные отправки.
func (m *memJobs) UpdateJob(_ context.Context, j *domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	if prev, ok := m.records[j.ID]; ok {
		cp.LastSignature = prev.LastSignature
		cp.SubmittedAt = prev.SubmittedAt
		cp.LastValidBlockHeight = prev.LastValidBlockHeight
	}
	m.records[j.ID] = &cp
	return nil
}

func (m *memJobs) UpdateProgress(_ context.Context, id uuid.UUID, progress int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[id] = append(m.progress[id], progress)
	return nil
}

func (m *memJobs) SetLastSignature(_ context.Context, id uuid.UUID, sig string, lastValid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.RecordSubmission(sig, lastValid, time.Now())
	}
	return nil
}

// put сохраняет record целиком, вместе с данными отправки.
func (m *memJobs) put(rec *domain.JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
}

func (m *memJobs) get(id uuid.UUID) domain.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

type enqueued struct {
	jobType domain.JobType
	opts    mq.EnqueueOptions
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueued
	dead     []string
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType domain.JobType, _ any, opts mq.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, enqueued{jobType: jobType, opts: opts})
	return uuid.NewString(), nil
}

func (q *fakeQueue) DeadLetter(_ context.Context, _ *mq.Message, _ mq.Queue, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.dead = append(q.dead, reason)
	return nil
}

func newTestWorker(jobs *memJobs, q *fakeQueue, h HandlerFunc, withDLQ bool) *Worker {
	cfg := Config{
		Queue:       "jobs.test",
		Handler:     h,
		MaxAttempts: 3,
		Backoff:     Backoff{Initial: time.Second, Max: time.Minute},
		Queuer:      q,
		Jobs:        jobs,
		Idempotency: idempotency.NewMemoryStore(nil),
	}
	if withDLQ {
		cfg.DeadLetter = q
	}
	return New(cfg)
}

func delivery(rec *domain.JobRecord, attempt int) *mq.Delivery {
	return &mq.Delivery{
		Queue: "jobs.test",
		Message: mq.Message{
			ID:      uuid.NewString(),
			Type:    rec.Type,
			JobID:   rec.ID,
			Attempt: attempt,
			Payload: json.RawMessage(`{"x":1}`),
		},
	}
}

// --- Runtime Tests ---

func TestWorker_Success(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeNotify)

	var gotAttempt int
	w := newTestWorker(jobs, q, func(ctx context.Context, job *Job, jc *JobContext) (any, error) {
		gotAttempt = job.Attempt
		if r := jc.Record(); r.Status != domain.JobStatusRunning || r.Attempt != 1 {
			t.Errorf("claimed record = %s attempt %d, want running attempt 1", r.Status, r.Attempt)
		}
		return "ok", nil
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 1)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}
	if gotAttempt != 1 {
		t.Errorf("attempt = %d, want 1", gotAttempt)
	}

	got := jobs.get(rec.ID)
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
	if len(q.enqueued) != 0 || len(q.dead) != 0 {
		t.Errorf("unexpected publishes: %v %v", q.enqueued, q.dead)
	}
}

func TestWorker_TransientRetriesWithBackoff(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		return nil, errors.New("rpc timeout")
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 2)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}

	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(q.enqueued))
	}
	e := q.enqueued[0]
	if e.opts.Attempt != 3 {
		t.Errorf("next attempt = %d, want 3", e.opts.Attempt)
	}
	if e.opts.JobID != rec.ID {
		t.Errorf("job id = %s, want %s", e.opts.JobID, rec.ID)
	}
	if e.opts.Delay != 2*time.Second {
		t.Errorf("delay = %v, want 2s", e.opts.Delay)
	}

	got := jobs.get(rec.ID)
	if got.Status != domain.JobStatusQueued || got.Error != "rpc timeout" {
		t.Errorf("record = %s %q, want queued with error", got.Status, got.Error)
	}
	if got.Attempt != 2 {
		t.Errorf("record attempt = %d, want 2", got.Attempt)
	}
}

func TestWorker_ExhaustedGoesToDLQ(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		return nil, Transient(errors.New("rpc timeout"))
	}, true)

	w.HandleDelivery(context.Background(), delivery(rec, 3))

	if len(q.enqueued) != 0 {
		t.Errorf("should not retry after max attempts")
	}
	if len(q.dead) != 1 || !strings.Contains(q.dead[0], ErrRetryExhausted.Error()) {
		t.Fatalf("dead = %v, want exhausted reason", q.dead)
	}
	if got := jobs.get(rec.ID); got.Status != domain.JobStatusDead {
		t.Errorf("status = %s, want dead", got.Status)
	}
}

func TestWorker_TerminalSkipsRetry(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		return nil, Terminalf("campaign params: %w", domain.ErrInvalidParams)
	}, true)

	w.HandleDelivery(context.Background(), delivery(rec, 1))

	if len(q.enqueued) != 0 {
		t.Errorf("terminal error must not be retried")
	}
	if len(q.dead) != 1 {
		t.Fatalf("dead = %d, want 1", len(q.dead))
	}
	got := jobs.get(rec.ID)
	if got.Status != domain.JobStatusDead || !strings.Contains(got.Error, "invalid campaign params") {
		t.Errorf("record = %s %q", got.Status, got.Error)
	}
}

func TestWorker_FailedWithoutDLQ(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeNotify)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		return nil, Terminal(errors.New("bad"))
	}, false)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 1)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}
	if got := jobs.get(rec.ID); got.Status != domain.JobStatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestWorker_PanicIsTerminal(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeNotify)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		panic("boom")
	}, true)

	w.HandleDelivery(context.Background(), delivery(rec, 1))

	if len(q.dead) != 1 || !strings.Contains(q.dead[0], "boom") {
		t.Fatalf("dead = %v", q.dead)
	}
}

func TestWorker_ShutdownRequeues(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeSell)

	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWorker(jobs, q, func(ctx context.Context, _ *Job, _ *JobContext) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}, true)

	if disp := w.HandleDelivery(ctx, delivery(rec, 1)); disp != mq.Requeue {
		t.Fatalf("disposition = %v, want requeue", disp)
	}
	if len(q.enqueued) != 0 || len(q.dead) != 0 {
		t.Errorf("shutdown must not publish")
	}
	if got := jobs.get(rec.ID); got.Status.IsTerminal() {
		t.Errorf("status = %s, must not be terminal", got.Status)
	}
}

func TestWorker_FinishedRecordIsNotReprocessed(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)
	rec.MarkSucceeded()
	jobs.UpdateJob(context.Background(), rec)

	called := false
	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		called = true
		return nil, nil
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 1)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}
	if called {
		t.Error("handler must not run for finished job")
	}
}

func TestWorker_RunningRecordIsPostponed(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)
	rec.MarkRunning(1)
	jobs.put(rec)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		t.Error("handler must not run while another delivery holds the job")
		return nil, nil
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 2)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(q.enqueued))
	}
	if e := q.enqueued[0].opts; e.Attempt != 2 || e.JobID != rec.ID || e.Delay != 2*time.Second {
		t.Errorf("postponed = %+v, want same attempt with backoff delay", e)
	}
	if got := jobs.get(rec.ID); got.Status != domain.JobStatusRunning || got.Attempt != 1 {
		t.Errorf("record = %s attempt %d, must stay with the first delivery", got.Status, got.Attempt)
	}
}

func TestWorker_StaleRunningRecordIsTakenOver(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}
	rec := jobs.add(domain.JobTypeTradeBuy)
	rec.MarkRunning(1)
	started := time.Now().Add(-time.Hour)
	rec.StartedAt = &started
	jobs.put(rec)

	called := 0
	w := newTestWorker(jobs, q, func(_ context.Context, _ *Job, _ *JobContext) (any, error) {
		called++
		return nil, nil
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 2)); disp != mq.Ack {
		t.Fatalf("disposition = %v, want ack", disp)
	}
	if called != 1 {
		t.Errorf("handler calls = %d, want 1", called)
	}
	if got := jobs.get(rec.ID); got.Status != domain.JobStatusSucceeded || got.Attempt != 2 {
		t.Errorf("record = %s attempt %d, want succeeded attempt 2", got.Status, got.Attempt)
	}
}

func TestWorker_PostponeFailureRequeues(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{err: errors.New("channel closed")}
	rec := jobs.add(domain.JobTypeTradeBuy)
	rec.MarkRunning(1)
	jobs.put(rec)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		t.Error("handler must not run")
		return nil, nil
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 2)); disp != mq.Requeue {
		t.Errorf("disposition = %v, want requeue", disp)
	}
}

func TestWorker_MissingRecordDeadLetters(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{}

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		t.Error("handler must not run")
		return nil, nil
	}, true)

	rec := domain.NewJobRecord(domain.JobTypeNotify, "jobs.test")
	w.HandleDelivery(context.Background(), delivery(rec, 1))

	if len(q.dead) != 1 || !strings.Contains(q.dead[0], ErrJobRecordNotFound.Error()) {
		t.Errorf("dead = %v", q.dead)
	}
}

func TestWorker_MalformedRejected(t *testing.T) {
	w := newTestWorker(newMemJobs(), &fakeQueue{}, nil, true)
	if disp := w.HandleDelivery(context.Background(), &mq.Delivery{}); disp != mq.Reject {
		t.Errorf("disposition = %v, want reject", disp)
	}
}

func TestWorker_PublishFailureRequeues(t *testing.T) {
	jobs := newMemJobs()
	q := &fakeQueue{err: errors.New("channel closed")}
	rec := jobs.add(domain.JobTypeNotify)

	w := newTestWorker(jobs, q, func(context.Context, *Job, *JobContext) (any, error) {
		return nil, errors.New("temporary")
	}, true)

	if disp := w.HandleDelivery(context.Background(), delivery(rec, 1)); disp != mq.Requeue {
		t.Errorf("disposition = %v, want requeue", disp)
	}
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w := newTestWorker(newMemJobs(), &fakeQueue{}, nil, true)
	w.Stop()
	w.Stop()
}

// --- JobContext Tests ---

func TestJobContext_ProgressClampedAndMonotonic(t *testing.T) {
	jobs := newMemJobs()
	rec := jobs.add(domain.JobTypeFundsSweep)

	w := newTestWorker(jobs, &fakeQueue{}, func(ctx context.Context, _ *Job, jc *JobContext) (any, error) {
		jc.UpdateProgress(ctx, -5, "start")
		jc.UpdateProgress(ctx, 60, "half")
		jc.UpdateProgress(ctx, 30, "back")
		jc.UpdateProgress(ctx, 150, "over")
		return nil, nil
	}, true)
	w.HandleDelivery(context.Background(), delivery(rec, 1))

	want := []int{0, 60, 60, 100}
	got := jobs.progress[rec.ID]
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("progress[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestJobContext_Idempotency(t *testing.T) {
	jobs := newMemJobs()
	rec := jobs.add(domain.JobTypeTradeBuy)

	w := newTestWorker(jobs, &fakeQueue{}, func(ctx context.Context, job *Job, jc *JobContext) (any, error) {
		key := idempotency.JobKey(job.RecordID)
		if done, _ := jc.CheckIdempotency(ctx, key); done {
			t.Error("key should not exist yet")
		}
		if err := jc.MarkProcessed(ctx, key); err != nil {
			return nil, err
		}
		done, err := jc.CheckIdempotency(ctx, key)
		if err != nil || !done {
			t.Errorf("CheckIdempotency() = %v, %v; want true", done, err)
		}
		if err := jc.RecordSubmission(ctx, "sig-1", 1234); err != nil {
			t.Errorf("RecordSubmission() error = %v", err)
		}
		return nil, nil
	}, true)
	w.HandleDelivery(context.Background(), delivery(rec, 1))

	got := jobs.get(rec.ID)
	if got.LastSignature != "sig-1" || got.LastValidBlockHeight != 1234 || got.SubmittedAt == nil {
		t.Errorf("submission = %q %d %v, want sig-1 1234 with time", got.LastSignature, got.LastValidBlockHeight, got.SubmittedAt)
	}
	if got.Status != domain.JobStatusSucceeded {
		t.Errorf("status = %s, want succeeded", got.Status)
	}
}

func TestJobContext_IdempotencyDisabled(t *testing.T) {
	jobs := newMemJobs()
	rec := jobs.add(domain.JobTypeNotify)

	jc := NewJobContext(&Job{RecordID: rec.ID}, *rec, jobs, nil, nil)
	ctx := context.Background()
	if err := jc.MarkProcessed(ctx, "job:1"); err != nil {
		t.Errorf("MarkProcessed() error = %v", err)
	}
	if done, err := jc.CheckIdempotency(ctx, "job:1"); done || err != nil {
		t.Errorf("CheckIdempotency() = %v, %v; want false, nil", done, err)
	}

	w := New(Config{
		Queue:   "jobs.test",
		Handler: func(context.Context, *Job, *JobContext) (any, error) { return nil, nil },
		Queuer:  &fakeQueue{},
		Jobs:    jobs,
	})
	if disp := w.HandleDelivery(ctx, delivery(rec, 1)); disp != mq.Ack {
		t.Errorf("disposition = %v, want ack", disp)
	}
}

// --- Registry / Backoff / Errors ---

func TestRegistry_UnknownTypeIsTerminal(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.JobTypeNotify, func(context.Context, *Job, *JobContext) (any, error) { return "n", nil })

	res, err := r.Handle(context.Background(), &Job{Type: domain.JobTypeNotify}, nil)
	if err != nil || res != "n" {
		t.Errorf("Handle() = %v, %v", res, err)
	}

	_, err = r.Handle(context.Background(), &Job{Type: "bogus"}, nil)
	if !errors.Is(err, ErrUnknownJobType) || !IsTerminal(err) {
		t.Errorf("err = %v, want terminal ErrUnknownJobType", err)
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := (Backoff{}).Delay(1); got != 2*time.Second {
		t.Errorf("default Delay(1) = %v, want 2s", got)
	}
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("x")
	if IsTerminal(base) || !IsTransient(base) {
		t.Error("unclassified errors are transient")
	}
	if !IsTerminal(Terminal(base)) || !errors.Is(Terminal(base), base) {
		t.Error("Terminal() must wrap and classify")
	}
	if IsTerminal(Transient(base)) {
		t.Error("Transient() must not be terminal")
	}
	if Terminal(nil) != nil || Transient(nil) != nil {
		t.Error("nil stays nil")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}
