package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tradeflow/internal/domain"
)

const runColumns = `id, campaign_id, status, stats, started_at, finished_at, created_at`

// RunRepo — репозиторий runs.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// GetRun возвращает run по ID.
func (r *RunRepo) GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
}

// ListByCampaign возвращает runs кампании, новые первыми.
func (r *RunRepo) ListByCampaign(ctx context.Context, campaignID uuid.UUID) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE campaign_id = $1 ORDER BY created_at DESC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListActive возвращает running runs вместе с кампаниями.
// Кампания в выборке может быть уже не active: scheduler всё равно
// отправит status.aggregate, который поставит run на паузу.
func (r *RunRepo) ListActive(ctx context.Context) ([]domain.ActiveRun, error) {
	query := `
		SELECT r.id, r.campaign_id, r.status, r.stats, r.started_at, r.finished_at, r.created_at,
		       c.id, c.owner_id, c.name, c.status, c.params, c.token_mint, c.pool_id, c.pool_label,
		       c.created_at, c.updated_at
		FROM runs r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE r.status = 'running'
		ORDER BY r.started_at ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ActiveRun
	for rows.Next() {
		var ar domain.ActiveRun
		var statsJSON, paramsJSON []byte
		var poolID, poolLabel *string
		err := rows.Scan(
			&ar.Run.ID, &ar.Run.CampaignID, &ar.Run.Status, &statsJSON,
			&ar.Run.StartedAt, &ar.Run.FinishedAt, &ar.Run.CreatedAt,
			&ar.Campaign.ID, &ar.Campaign.OwnerID, &ar.Campaign.Name, &ar.Campaign.Status,
			&paramsJSON, &ar.Campaign.TokenMint, &poolID, &poolLabel,
			&ar.Campaign.CreatedAt, &ar.Campaign.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan active run: %w", err)
		}
		if err := json.Unmarshal(statsJSON, &ar.Run.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &ar.Campaign.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		ar.Campaign.PoolID = deref(poolID)
		ar.Campaign.PoolLabel = deref(poolLabel)
		out = append(out, ar)
	}
	return out, rows.Err()
}

// UpdateStats сохраняет агрегированную статистику run.
func (r *RunRepo) UpdateStats(ctx context.Context, id uuid.UUID, stats domain.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	result, err := r.pool.Exec(ctx, `UPDATE runs SET stats = $2 WHERE id = $1`, id, statsJSON)
	if err != nil {
		return fmt.Errorf("update run stats: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus меняет статус run. Переход из терминального статуса запрещён.
func (r *RunRepo) UpdateStatus(ctx context.Context, run *domain.Run) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE runs SET status = $2, finished_at = $3
		WHERE id = $1 AND status NOT IN ('stopped', 'completed')
	`, run.ID, run.Status, run.FinishedAt)
	if isUniqueViolation(err) {
		return ErrRunAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRun(ctx context.Context, db execer, run *domain.Run) error {
	statsJSON, err := json.Marshal(run.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO runs (id, campaign_id, status, stats, started_at, finished_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.CampaignID, run.Status, statsJSON, run.StartedAt, run.FinishedAt, run.CreatedAt)
	if isUniqueViolation(err) {
		return ErrRunAlreadyOpen
	}
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var statsJSON []byte

	err := row.Scan(
		&run.ID,
		&run.CampaignID,
		&run.Status,
		&statsJSON,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal(statsJSON, &run.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}
	return &run, nil
}
