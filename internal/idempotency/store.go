package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTTL — время жизни ключа по умолчанию.
const DefaultTTL = 7 * 24 * time.Hour

// Store — хранилище ключей идемпотентности.
type Store interface {
	// ExistsOrSet атомарно проверяет ключ и ставит его, если ключа нет
	// или он истёк. Возвращает true, если ключ уже существовал.
	ExistsOrSet(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Exists проверяет наличие неистёкшего ключа.
	Exists(ctx context.Context, key string) (bool, error)
}

// JobKey — ключ обработанного job record.
func JobKey(recordID fmt.Stringer) string {
	return "job:" + recordID.String()
}

// SignatureKey — ключ подтверждённой транзакции.
func SignatureKey(signature string) string {
	return "sig:" + signature
}

// PostgresStore — Store поверх таблицы idempotency_keys.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// ExistsOrSet вставляет ключ. Конфликт с неистёкшим ключом не обновляет
// строку и не возвращает её — значит ключ уже был.
func (s *PostgresStore) ExistsOrSet(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, expires_at)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at < now()
		RETURNING key
	`
	var got string
	err := s.pool.QueryRow(ctx, query, key, ttl.Seconds()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("set idempotency key: %w", err)
	}
	return false, nil
}

// Exists проверяет наличие неистёкшего ключа.
func (s *PostgresStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency_keys WHERE key = $1 AND expires_at >= now())`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

// PurgeExpired удаляет истёкшие ключи и возвращает их количество.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryStore — Store в памяти процесса.
type MemoryStore struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

// NewMemoryStore создаёт MemoryStore. now может быть nil.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{keys: make(map[string]time.Time), now: now}
}

// ExistsOrSet реализует Store.
func (s *MemoryStore) ExistsOrSet(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.keys[key]; ok && !exp.Before(now) {
		return true, nil
	}
	s.keys[key] = now.Add(ttl)
	return false, nil
}

// Exists реализует Store.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.keys[key]
	return ok && !exp.Before(s.now()), nil
}

// PurgeExpired удаляет истёкшие ключи.
func (s *MemoryStore) PurgeExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for k, exp := range s.keys {
		if exp.Before(now) {
			delete(s.keys, k)
			n++
		}
	}
	return n, nil
}
