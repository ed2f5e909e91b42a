package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Tradeflow/internal/domain"
)

// HandlerFunc обрабатывает job. Результат только логируется.
type HandlerFunc func(ctx context.Context, job *Job, jc *JobContext) (any, error)

// Registry — реестр handler'ов по типу job.
// Одна очередь может обслуживать несколько типов (trade.buy, trade.sell).
type Registry struct {
	handlers map[domain.JobType]HandlerFunc
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.JobType]HandlerFunc)}
}

// Register добавляет handler для типа job.
func (r *Registry) Register(jobType domain.JobType, h HandlerFunc) {
	r.handlers[jobType] = h
}

// Get возвращает handler для типа job.
func (r *Registry) Get(jobType domain.JobType) (HandlerFunc, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Handle — HandlerFunc, диспетчеризующий по типу job.
func (r *Registry) Handle(ctx context.Context, job *Job, jc *JobContext) (any, error) {
	h, err := r.Get(job.Type)
	if err != nil {
		return nil, Terminal(err)
	}
	return h(ctx, job, jc)
}
