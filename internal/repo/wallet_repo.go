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

const walletColumns = `id, campaign_id, address, encrypted_key, active, created_at`

// WalletRepo — репозиторий кошельков.
type WalletRepo struct {
	pool *pgxpool.Pool
}

// NewWalletRepo создаёт WalletRepo.
func NewWalletRepo(pool *pgxpool.Pool) *WalletRepo {
	return &WalletRepo{pool: pool}
}

// Create добавляет кошелёк. EncryptedKey должен быть уже зашифрован.
func (r *WalletRepo) Create(ctx context.Context, w *domain.Wallet) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO wallets (id, campaign_id, address, encrypted_key, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, w.ID, w.CampaignID, w.Address, w.EncryptedKey, w.Active, w.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

// GetWallet возвращает кошелёк по ID.
func (r *WalletRepo) GetWallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error) {
	return scanWallet(r.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

// ListActive возвращает активные кошельки кампании.
func (r *WalletRepo) ListActive(ctx context.Context, campaignID uuid.UUID) ([]domain.Wallet, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE campaign_id = $1 AND active
		ORDER BY created_at ASC
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.CampaignID, &w.Address, &w.EncryptedKey, &w.Active, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}
