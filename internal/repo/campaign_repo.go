package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Tradeflow/internal/domain"
)

const campaignColumns = `id, owner_id, name, status, params, token_mint, pool_id, pool_label, created_at, updated_at`

// CampaignRepo — репозиторий кампаний.
type CampaignRepo struct {
	pool *pgxpool.Pool
}

// NewCampaignRepo создаёт CampaignRepo.
func NewCampaignRepo(pool *pgxpool.Pool) *CampaignRepo {
	return &CampaignRepo{pool: pool}
}

// Create создаёт кампанию.
func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	paramsJSON, err := json.Marshal(c.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	query := `
		INSERT INTO campaigns (id, owner_id, name, status, params, token_mint, pool_id, pool_label, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		c.ID,
		c.OwnerID,
		c.Name,
		c.Status,
		paramsJSON,
		c.TokenMint,
		nullString(c.PoolID),
		nullString(c.PoolLabel),
		c.CreatedAt,
		c.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign возвращает кампанию по ID.
func (r *CampaignRepo) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	return scanCampaign(r.pool.QueryRow(ctx, query, id))
}

// List возвращает кампании с опциональным фильтром по статусу.
func (r *CampaignRepo) List(ctx context.Context, status domain.CampaignStatus, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, nullString(string(status)), limit)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetPool сохраняет найденный пул.
func (r *CampaignRepo) SetPool(ctx context.Context, id uuid.UUID, poolID, label string) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE campaigns SET pool_id = $2, pool_label = $3, updated_at = now() WHERE id = $1`,
		id, poolID, nullString(label),
	)
	if err != nil {
		return fmt.Errorf("set campaign pool: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionFunc меняет кампанию и её открытый run (nil, если его нет).
// Возвращает новый run для вставки или nil.
type TransitionFunc func(c *domain.Campaign, open *domain.Run) (created *domain.Run, err error)

// Transition атомарно меняет статус кампании и run.
//
// В одной транзакции: блокирует строку кампании и открытый run
// (running/paused), вызывает apply, сохраняет изменения и вставляет
// новый run. Ошибка apply откатывает транзакцию.
func (r *CampaignRepo) Transition(ctx context.Context, id uuid.UUID, apply TransitionFunc) (*domain.Campaign, *domain.Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := scanCampaign(tx.QueryRow(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, err
	}

	open, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE campaign_id = $1 AND status IN ('running', 'paused') FOR UPDATE`, id))
	if errors.Is(err, ErrNotFound) {
		open = nil
	} else if err != nil {
		return nil, nil, err
	}

	var openBefore domain.RunStatus
	if open != nil {
		openBefore = open.Status
	}

	created, err := apply(c, open)
	if err != nil {
		return nil, nil, err
	}

	c.UpdatedAt = time.Now()
	if _, err := tx.Exec(ctx,
		`UPDATE campaigns SET status = $2, updated_at = $3 WHERE id = $1`,
		c.ID, c.Status, c.UpdatedAt,
	); err != nil {
		return nil, nil, fmt.Errorf("update campaign status: %w", err)
	}

	if open != nil && open.Status != openBefore {
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $2, finished_at = $3 WHERE id = $1`,
			open.ID, open.Status, open.FinishedAt,
		); err != nil {
			return nil, nil, fmt.Errorf("update run status: %w", err)
		}
	}

	if created != nil {
		if err := insertRun(ctx, tx, created); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}

	run := created
	if run == nil {
		run = open
	}
	return c, run, nil
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var c domain.Campaign
	var paramsJSON []byte
	var poolID, poolLabel *string

	err := row.Scan(
		&c.ID,
		&c.OwnerID,
		&c.Name,
		&c.Status,
		&paramsJSON,
		&c.TokenMint,
		&poolID,
		&poolLabel,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &c.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	c.PoolID = deref(poolID)
	c.PoolLabel = deref(poolLabel)
	return &c, nil
}
