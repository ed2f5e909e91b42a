package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tradeflow/internal/domain"
)

const executionColumns = `id, job_id, campaign_id, run_id, wallet_id, side, signature, result,
	amount_lamports, success, error, created_at`

// ExecutionRepo — репозиторий execution records (append-only).
type ExecutionRepo struct {
	pool *pgxpool.Pool
}

// NewExecutionRepo создаёт ExecutionRepo.
func NewExecutionRepo(pool *pgxpool.Pool) *ExecutionRepo {
	return &ExecutionRepo{pool: pool}
}

// InsertExecution добавляет запись, если для job_id её ещё нет.
// Возвращает false, если запись уже существовала.
func (r *ExecutionRepo) InsertExecution(ctx context.Context, e *domain.ExecutionRecord) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		INSERT INTO execution_records (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING
	`,
		e.ID,
		e.JobID,
		e.CampaignID,
		nullUUID(e.RunID),
		nullUUID(e.WalletID),
		e.Side,
		e.Signature,
		e.Result,
		int64(e.AmountLamports),
		e.Success,
		nullString(e.Error),
		e.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert execution record: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetByJobID возвращает запись по job_id.
func (r *ExecutionRepo) GetByJobID(ctx context.Context, jobID uuid.UUID) (*domain.ExecutionRecord, error) {
	return scanExecution(r.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM execution_records WHERE job_id = $1`, jobID))
}

// ListByRun возвращает записи run в порядке создания.
func (r *ExecutionRepo) ListByRun(ctx context.Context, runID uuid.UUID, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM execution_records
		WHERE run_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list execution records: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// AggregateRun считает статистику trade-записей run (sweep не учитывается).
func (r *ExecutionRepo) AggregateRun(ctx context.Context, runID uuid.UUID) (domain.RunStats, error) {
	var s domain.RunStats
	var volume int64
	var lastSig *string
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE success),
		       count(*) FILTER (WHERE NOT success AND result <> 'indeterminate'),
		       count(*) FILTER (WHERE result = 'indeterminate'),
		       COALESCE(sum(amount_lamports) FILTER (WHERE success), 0)::bigint,
		       (SELECT signature FROM execution_records
		        WHERE run_id = $1 AND side <> 'sweep' AND success
		        ORDER BY created_at DESC LIMIT 1)
		FROM execution_records
		WHERE run_id = $1 AND side <> 'sweep'
	`, runID).Scan(&s.TradesTotal, &s.TradesSucceeded, &s.TradesFailed, &s.Indeterminate, &volume, &lastSig)
	if err != nil {
		return s, fmt.Errorf("aggregate run: %w", err)
	}
	s.VolumeLamports = uint64(volume)
	s.LastSignature = deref(lastSig)
	return s, nil
}

// CountTrades возвращает число trade-записей run (sweep не учитывается).
func (r *ExecutionRepo) CountTrades(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM execution_records
		WHERE run_id = $1 AND side <> 'sweep'
	`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return n, nil
}

func scanExecution(row pgx.Row) (*domain.ExecutionRecord, error) {
	var e domain.ExecutionRecord
	var amount int64
	var execErr *string

	err := row.Scan(
		&e.ID,
		&e.JobID,
		&e.CampaignID,
		&e.RunID,
		&e.WalletID,
		&e.Side,
		&e.Signature,
		&e.Result,
		&amount,
		&e.Success,
		&execErr,
		&e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution record: %w", err)
	}
	e.AmountLamports = uint64(amount)
	e.Error = deref(execErr)
	return &e, nil
}
