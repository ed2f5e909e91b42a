package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/executor"
	"github.com/shaiso/Tradeflow/internal/jupiter"
	"github.com/shaiso/Tradeflow/internal/keys"
	"github.com/shaiso/Tradeflow/internal/repo"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/worker"
)

// Ошибки обработчиков.
var (
	// ErrCampaignNotActive — кампания не в статусе active.
	ErrCampaignNotActive = errors.New("campaign is not active")

	// ErrInvalidDestination — sweep_destination не является адресом кошелька.
	ErrInvalidDestination = errors.New("invalid sweep destination")

	// ErrPreviousSubmissionPending — исход предыдущей отправки ещё неизвестен.
	ErrPreviousSubmissionPending = errors.New("previous submission still pending")
)

// Skipped — результат job'а, который ничего не сделал.
type Skipped struct {
	Reason string
}

func (s Skipped) String() string {
	return "skipped: " + s.Reason
}

// Campaigns — доступ к кампаниям.
type Campaigns interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	SetPool(ctx context.Context, id uuid.UUID, poolID, label string) error
}

// Runs — доступ к runs.
type Runs interface {
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	UpdateStats(ctx context.Context, id uuid.UUID, stats domain.RunStats) error
	UpdateStatus(ctx context.Context, run *domain.Run) error
}

// Wallets — доступ к кошелькам.
type Wallets interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
	ListActive(ctx context.Context, campaignID uuid.UUID) ([]domain.Wallet, error)
}

// Executions — append-only execution records.
type Executions interface {
	InsertExecution(ctx context.Context, e *domain.ExecutionRecord) (bool, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*domain.ExecutionRecord, error)
	AggregateRun(ctx context.Context, runID uuid.UUID) (domain.RunStats, error)
	CountTrades(ctx context.Context, runID uuid.UUID) (int, error)
}

// KeyService расшифровывает ключ кошелька.
type KeyService interface {
	Decrypt(ctx context.Context, walletID uuid.UUID) (*keys.SigningKey, error)
}

// Swapper строит swap-транзакции.
type Swapper interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	Swap(ctx context.Context, quote *jupiter.Quote, user solana.PublicKey) (*jupiter.SwapResult, error)
}

// Chain — чтение состояния сети.
type Chain interface {
	GetBalance(ctx context.Context, account solana.PublicKey) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*solana.SignatureStatus, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// Executors выбирает исполнителя.
type Executors interface {
	ForCampaign(p domain.CampaignParams) (executor.Executor, error)
	Direct() executor.Executor
	Options(p domain.CampaignParams) executor.Options
}

// Config — зависимости обработчиков.
type Config struct {
	Campaigns  Campaigns
	Runs       Runs
	Wallets    Wallets
	Executions Executions
	Keys       KeyService
	Swapper    Swapper
	Chain      Chain
	Executors  Executors
	Dispatcher *Dispatcher

	// Sinks — получатели notify. По умолчанию только LogSink.
	Sinks []Sink

	// SubmissionWindow — сколько ждать исхода отправки прошлой попытки,
	// граница валидности blockhash которой неизвестна (default: 2m).
	SubmissionWindow time.Duration

	Rand   *rand.Rand
	Logger *slog.Logger
}

// Handlers — обработчики всех типов job.
type Handlers struct {
	campaigns  Campaigns
	runs       Runs
	wallets    Wallets
	executions Executions
	keys       KeyService
	swapper    Swapper
	chain      Chain
	executors  Executors
	dispatcher *Dispatcher
	sinks      []Sink

	submissionWindow time.Duration

	randMu sync.Mutex
	rand   *rand.Rand

	logger *slog.Logger
	now    func() time.Time
}

// New создаёт Handlers.
func New(cfg Config) *Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SubmissionWindow <= 0 {
		cfg.SubmissionWindow = 2 * time.Minute
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if len(cfg.Sinks) == 0 {
		cfg.Sinks = []Sink{NewLogSink(cfg.Logger)}
	}

	return &Handlers{
		campaigns:        cfg.Campaigns,
		runs:             cfg.Runs,
		wallets:          cfg.Wallets,
		executions:       cfg.Executions,
		keys:             cfg.Keys,
		swapper:          cfg.Swapper,
		chain:            cfg.Chain,
		executors:        cfg.Executors,
		dispatcher:       cfg.Dispatcher,
		sinks:            cfg.Sinks,
		submissionWindow: cfg.SubmissionWindow,
		rand:             cfg.Rand,
		logger:           cfg.Logger,
		now:              time.Now,
	}
}

// Register регистрирует все обработчики.
func (h *Handlers) Register(r *worker.Registry) {
	r.Register(domain.JobTypePoolDiscover, h.Discover)
	r.Register(domain.JobTypeTradeBuy, h.Trade)
	r.Register(domain.JobTypeTradeSell, h.Trade)
	r.Register(domain.JobTypeFundsSweep, h.Sweep)
	r.Register(domain.JobTypeNotify, h.Notify)
	r.Register(domain.JobTypeStatusAggregate, h.Aggregate)
}

// withRand вызывает fn под мьютексом генератора.
func (h *Handlers) withRand(fn func(r *rand.Rand)) {
	h.randMu.Lock()
	defer h.randMu.Unlock()
	fn(h.rand)
}

// loadCampaign загружает кампанию. Отсутствие кампании — terminal.
func (h *Handlers) loadCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	c, err := h.campaigns.GetCampaign(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, worker.Terminalf("campaign %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// loadRun загружает run. Отсутствие run — terminal.
func (h *Handlers) loadRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	r, err := h.runs.GetRun(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, worker.Terminalf("run %s: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// decryptKey расшифровывает ключ кошелька. Вызывающий обязан вызвать Wipe.
func (h *Handlers) decryptKey(ctx context.Context, walletID uuid.UUID) (*keys.SigningKey, error) {
	key, err := h.keys.Decrypt(ctx, walletID)
	switch {
	case err == nil:
		return key, nil
	case errors.Is(err, keys.ErrWalletNotFound),
		errors.Is(err, keys.ErrDecrypt),
		errors.Is(err, keys.ErrKeyMismatch):
		return nil, worker.Terminalf("decrypt wallet %s key: %w", walletID, err)
	default:
		return nil, fmt.Errorf("decrypt wallet %s key: %w", walletID, err)
	}
}

// notify публикует событие через notify job. Ошибка только логируется:
// событие не должно ломать основной job.
func (h *Handlers) notify(ctx context.Context, log *slog.Logger, ev Event) {
	_, err := h.dispatcher.Dispatch(ctx, domain.JobTypeNotify, Refs{
		CampaignID: ev.CampaignID,
		RunID:      ev.RunID,
	}, ev, 0)
	if err != nil {
		log.Warn("failed to dispatch notify", "kind", ev.Kind, "error", err)
	}
}
