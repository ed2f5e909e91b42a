package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/shaiso/Tradeflow/internal/solana"
)

// Config — корневая конфигурация.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	RabbitMQ    RabbitMQConfig    `mapstructure:"rabbitmq"`
	Solana      SolanaConfig      `mapstructure:"solana"`
	Jito        JitoConfig        `mapstructure:"jito"`
	Jupiter     JupiterConfig     `mapstructure:"jupiter"`
	Keys        KeysConfig        `mapstructure:"keys"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Campaign    CampaignConfig    `mapstructure:"campaign"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Log         LogConfig         `mapstructure:"log"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type RabbitMQConfig struct {
	URL string `mapstructure:"url"`
}

type SolanaConfig struct {
	RPCURL     string        `mapstructure:"rpc_url"`
	WSURL      string        `mapstructure:"ws_url"`
	Commitment string        `mapstructure:"commitment"`
	MaxRetries int           `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`

	// ConfirmPoll — период polling getSignatureStatuses.
	ConfirmPoll time.Duration `mapstructure:"confirm_poll"`
}

// JitoConfig — bundle relay. Пустой endpoint или токен отключает bundle mode.
type JitoConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	AuthToken    string        `mapstructure:"auth_token"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type JupiterConfig struct {
	BaseURL             string        `mapstructure:"base_url"`
	PriorityFeeLamports uint64        `mapstructure:"priority_fee_lamports"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// KeysConfig — ключ шифрования приватных ключей кошельков (hex, 32 байта).
type KeysConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type ExecutorConfig struct {
	SkipPreflight bool          `mapstructure:"skip_preflight"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BundleTimeout time.Duration `mapstructure:"bundle_timeout"`
}

// WorkerConfig — runtime очередей.
type WorkerConfig struct {
	// Concurrency — число обработчиков по имени очереди без префикса
	// "jobs." (discovery, trade, sweep, notify, status).
	Concurrency map[string]int `mapstructure:"concurrency"`

	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`

	// ClaimTimeout — через сколько running job может забрать другая доставка.
	ClaimTimeout     time.Duration `mapstructure:"claim_timeout"`
	SubmissionWindow time.Duration `mapstructure:"submission_window"`
}

type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	DedupFraction float64       `mapstructure:"dedup_fraction"`

	// LeaderLockID — ключ pg_advisory_lock для выбора лидера.
	LeaderLockID int64 `mapstructure:"leader_lock_id"`

	// PurgeSpec — cron-выражение очистки истёкших idempotency-ключей.
	PurgeSpec string `mapstructure:"purge_spec"`
}

type CampaignConfig struct {
	SweepConcurrency int `mapstructure:"sweep_concurrency"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MasterKeyBytes декодирует keys.master_key.
func (c *Config) MasterKeyBytes() ([]byte, error) {
	b, err := hex.DecodeString(c.Keys.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("keys.master_key: %w", err)
	}
	return b, nil
}

// ConcurrencyFor возвращает число обработчиков очереди (минимум 1).
func (w WorkerConfig) ConcurrencyFor(name string) int {
	if n := w.Concurrency[name]; n > 0 {
		return n
	}
	return 1
}

// Validate проверяет конфигурацию и возвращает все найденные ошибки разом.
func (c *Config) Validate() error {
	err := c.validateOperator()

	if c.Solana.RPCURL == "" {
		err = multierr.Append(err, errors.New("solana.rpc_url is required"))
	}
	switch solana.Commitment(c.Solana.Commitment) {
	case solana.CommitmentProcessed, solana.CommitmentConfirmed, solana.CommitmentFinalized:
	default:
		err = multierr.Append(err, fmt.Errorf("solana.commitment: unknown level %q", c.Solana.Commitment))
	}
	if (c.Jito.Endpoint == "") != (c.Jito.AuthToken == "") {
		err = multierr.Append(err, errors.New("jito.endpoint and jito.auth_token must be set together"))
	}
	if key, kerr := c.MasterKeyBytes(); kerr != nil {
		err = multierr.Append(err, kerr)
	} else if len(key) != 32 {
		err = multierr.Append(err, fmt.Errorf("keys.master_key must be 32 bytes, got %d", len(key)))
	}
	if c.Executor.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("executor.max_attempts must be positive"))
	}
	if c.Worker.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("worker.max_attempts must be positive"))
	}
	if c.Worker.BackoffInitial <= 0 || c.Worker.BackoffMax <= 0 {
		err = multierr.Append(err, errors.New("worker.backoff must be positive"))
	}
	if c.Worker.BackoffInitial > c.Worker.BackoffMax {
		err = multierr.Append(err, errors.New("worker.backoff_initial must not exceed backoff_max"))
	}
	if c.Worker.ClaimTimeout <= 0 {
		err = multierr.Append(err, errors.New("worker.claim_timeout must be positive"))
	}
	for name, n := range c.Worker.Concurrency {
		if n < 0 {
			err = multierr.Append(err, fmt.Errorf("worker.concurrency.%s must not be negative", name))
		}
	}
	if c.Scheduler.Interval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.DedupFraction <= 0 || c.Scheduler.DedupFraction >= 1 {
		err = multierr.Append(err, errors.New("scheduler.dedup_fraction must be in (0,1)"))
	}
	if c.Idempotency.TTL <= 0 {
		err = multierr.Append(err, errors.New("idempotency.ttl must be positive"))
	}

	return err
}

func (c *Config) validateOperator() error {
	var err error
	if c.Database.DSN == "" {
		err = multierr.Append(err, errors.New("database.dsn is required"))
	}
	if c.RabbitMQ.URL == "" {
		err = multierr.Append(err, errors.New("rabbitmq.url is required"))
	}
	return err
}
