package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/worker"
)

const recordTimeout = 10 * time.Second

// JobCreator создаёт job records.
type JobCreator interface {
	CreateJob(ctx context.Context, j *domain.JobRecord) error
	UpdateJob(ctx context.Context, j *domain.JobRecord) error
}

// Refs — ссылки job record на сущности.
type Refs struct {
	CampaignID uuid.UUID
	RunID      *uuid.UUID
	WalletID   *uuid.UUID
}

// Dispatcher создаёт job record и публикует job, ссылающийся на него.
type Dispatcher struct {
	jobs  JobCreator
	queue worker.Queuer
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(jobs JobCreator, queue worker.Queuer) *Dispatcher {
	return &Dispatcher{jobs: jobs, queue: queue}
}

// Dispatch создаёт queued record и публикует job с задержкой delay.
// Если публикация не удалась, record помечается failed и возвращается
// вместе с ошибкой: queued record без сообщения никто не обработает.
func (d *Dispatcher) Dispatch(ctx context.Context, jobType domain.JobType, refs Refs, payload any, delay time.Duration) (*domain.JobRecord, error) {
	queue, err := mq.QueueFor(jobType)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	rec := domain.NewJobRecord(jobType, string(queue))
	rec.CampaignID = &refs.CampaignID
	rec.RunID = refs.RunID
	rec.WalletID = refs.WalletID
	rec.Payload = raw

	if err := d.jobs.CreateJob(ctx, rec); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	if _, err := d.queue.Enqueue(ctx, jobType, json.RawMessage(raw), mq.EnqueueOptions{
		Delay: delay,
		JobID: rec.ID,
	}); err != nil {
		err = fmt.Errorf("enqueue %s: %w", jobType, err)
		rec.MarkFailed(err.Error())

		updCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if uerr := d.jobs.UpdateJob(updCtx, rec); uerr != nil {
			return rec, multierr.Append(err, fmt.Errorf("mark job record failed: %w", uerr))
		}
		return rec, err
	}
	return rec, nil
}
