package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shaiso/Tradeflow/internal/campaign"
	"github.com/shaiso/Tradeflow/internal/config"
	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/jobs"
	"github.com/shaiso/Tradeflow/internal/mq"
	"github.com/shaiso/Tradeflow/internal/repo"
)

// CampaignReader читает кампании и их runs.
type CampaignReader interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	List(ctx context.Context, status domain.CampaignStatus, limit int) ([]domain.Campaign, error)
}

type RunReader interface {
	ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Run, error)
}

// Lifecycle — операции campaign.Service.
type Lifecycle interface {
	Activate(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Pause(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Resume(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Stop(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Force(ctx context.Context, id uuid.UUID, to domain.CampaignStatus) (*campaign.Result, error)
}

// JobStore читает и сбрасывает job records.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.JobRecord, error)
	ListJobs(ctx context.Context, f repo.JobFilter) ([]domain.JobRecord, error)
	UpdateJob(ctx context.Context, j *domain.JobRecord) error
}

type ExecutionReader interface {
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*domain.ExecutionRecord, error)
}

// DeadLetters — операции над dlq.jobs.
type DeadLetters interface {
	List(ctx context.Context, limit int) ([]mq.DeadLetter, error)
	Replay(ctx context.Context, limit int, match func(mq.DeadLetter) bool) ([]mq.DeadLetter, error)
}

// Deps — зависимости команд.
type Deps struct {
	Campaigns  CampaignReader
	Runs       RunReader
	Lifecycle  Lifecycle
	Jobs       JobStore
	Executions ExecutionReader
	DLQ        DeadLetters
}

// Connect подключается к Postgres и RabbitMQ и собирает Deps.
// Возвращаемая функция закрывает соединения.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, func() error, error) {
	pool, err := repo.NewPool(ctx, repo.PoolConfig{DSN: cfg.Database.DSN, MaxConns: 4})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	conn, err := mq.NewConnection(cfg.RabbitMQ.URL, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	if err := mq.SetupTopology(ctx, conn); err != nil {
		pool.Close()
		return nil, nil, multierr.Append(fmt.Errorf("setup topology: %w", err), conn.Close())
	}

	publisher := mq.NewPublisher(conn, logger)
	jobRepo := repo.NewJobRepo(pool)
	campaignRepo := repo.NewCampaignRepo(pool)

	deps := &Deps{
		Campaigns: campaignRepo,
		Runs:      repo.NewRunRepo(pool),
		Lifecycle: campaign.New(campaign.Config{
			Store:            campaignRepo,
			Wallets:          repo.NewWalletRepo(pool),
			Dispatcher:       jobs.NewDispatcher(jobRepo, publisher),
			SweepConcurrency: cfg.Campaign.SweepConcurrency,
			Logger:           logger,
		}),
		Jobs:       jobRepo,
		Executions: repo.NewExecutionRepo(pool),
		DLQ:        mq.NewDLQ(conn, publisher, logger),
	}

	closeFn := func() error {
		pool.Close()
		return conn.Close()
	}
	return deps, closeFn, nil
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
