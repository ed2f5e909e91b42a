package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tradeflow/internal/domain"
)

const jobColumns = `id, type, queue, status, campaign_id, run_id, wallet_id, payload, attempt,
	progress, progress_message, last_signature, submitted_at, last_valid_block_height,
	error, created_at, started_at, finished_at`

// JobRepo — репозиторий job records.
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// CreateJob создаёт job record.
func (r *JobRepo) CreateJob(ctx context.Context, j *domain.JobRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_records (id, type, queue, status, campaign_id, run_id, wallet_id, payload, attempt, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		j.ID,
		j.Type,
		j.Queue,
		j.Status,
		nullUUID(j.CampaignID),
		nullUUID(j.RunID),
		nullUUID(j.WalletID),
		[]byte(j.Payload),
		j.Attempt,
		j.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// GetJob возвращает job record по ID.
func (r *JobRepo) GetJob(ctx context.Context, id uuid.UUID) (*domain.JobRecord, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_records WHERE id = $1`, id))
}

// ClaimJob атомарно переводит job в running с номером попытки attempt.
//
// Забирается queued job или running job, начатый раньше staleAfter назад
// (его обработчик считается потерянным). Иначе — ErrNotClaimable.
func (r *JobRepo) ClaimJob(ctx context.Context, id uuid.UUID, attempt int, staleAfter time.Duration) (*domain.JobRecord, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `
		UPDATE job_records
		SET status = 'running', attempt = $2, started_at = now(), finished_at = NULL
		WHERE id = $1
		  AND (status = 'queued'
		       OR (status = 'running' AND (started_at IS NULL
		           OR started_at < now() - make_interval(secs => $3::double precision))))
		RETURNING `+jobColumns,
		id, attempt, staleAfter.Seconds(),
	))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotClaimable
	}
	if err != nil {
		return nil, fmt.Errorf("claim job record: %w", err)
	}
	return j, nil
}

// UpdateJob сохраняет статус, попытку, ошибку и временные метки.
// Прогресс и данные отправки обновляются отдельно.
func (r *JobRepo) UpdateJob(ctx context.Context, j *domain.JobRecord) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE job_records
		SET status = $2, attempt = $3, error = $4, started_at = $5, finished_at = $6,
		    progress = CASE WHEN $2 = 'succeeded' THEN 100 ELSE progress END
		WHERE id = $1
	`,
		j.ID,
		j.Status,
		j.Attempt,
		nullString(j.Error),
		j.StartedAt,
		j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job record: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress обновляет прогресс. Значение не уменьшается.
func (r *JobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE job_records
		SET progress = GREATEST(progress, $2), progress_message = COALESCE($3, progress_message)
		WHERE id = $1
	`, id, progress, nullString(message))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastSignature записывает подпись отправляемой транзакции, время
// записи и последнюю высоту блока, на которой транзакция ещё валидна.
func (r *JobRepo) SetLastSignature(ctx context.Context, id uuid.UUID, signature string, lastValidBlockHeight uint64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE job_records
		SET last_signature = $2, last_valid_block_height = $3, submitted_at = now()
		WHERE id = $1
	`, id, signature, int64(lastValidBlockHeight))
	if err != nil {
		return fmt.Errorf("set last signature: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// JobFilter — параметры выборки job records.
type JobFilter struct {
	RunID  *uuid.UUID
	Status domain.JobStatus
	Limit  int
}

// ListJobs возвращает job records, новые первыми.
func (r *JobRepo) ListJobs(ctx context.Context, f JobFilter) ([]domain.JobRecord, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM job_records
		WHERE ($1::uuid IS NULL OR run_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, nullUUID(f.RunID), nullString(string(f.Status)), f.Limit)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	var out []domain.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (*domain.JobRecord, error) {
	var j domain.JobRecord
	var payload []byte
	var progressMessage, lastSignature, jobError *string
	var lastValid int64

	err := row.Scan(
		&j.ID,
		&j.Type,
		&j.Queue,
		&j.Status,
		&j.CampaignID,
		&j.RunID,
		&j.WalletID,
		&payload,
		&j.Attempt,
		&j.Progress,
		&progressMessage,
		&lastSignature,
		&j.SubmittedAt,
		&lastValid,
		&jobError,
		&j.CreatedAt,
		&j.StartedAt,
		&j.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job record: %w", err)
	}

	j.Payload = payload
	j.ProgressMessage = deref(progressMessage)
	j.LastSignature = deref(lastSignature)
	j.LastValidBlockHeight = uint64(lastValid)
	j.Error = deref(jobError)
	return &j, nil
}
