package keys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/solana"
)

var (
	// ErrWalletNotFound — кошелёк не найден.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrDecrypt — ciphertext повреждён или зашифрован другим ключом.
	ErrDecrypt = errors.New("cannot decrypt wallet key")

	// ErrKeyMismatch — расшифрованный ключ не соответствует адресу кошелька.
	ErrKeyMismatch = errors.New("decrypted key does not match wallet address")

	// ErrInvalidMasterKey — master key не 32 байта.
	ErrInvalidMasterKey = errors.New("master key must be 32 bytes")
)

// WalletGetter загружает кошелёк с зашифрованным ключом.
// Должен возвращать ошибку, для которой errors.Is(err, notFound) == true,
// если кошелька нет.
type WalletGetter interface {
	GetWallet(ctx context.Context, id uuid.UUID) (*domain.Wallet, error)
}

// SigningKey — расшифрованный ключ на время одного job.
type SigningKey struct {
	WalletID  uuid.UUID
	PublicKey solana.PublicKey
	Private   ed25519.PrivateKey
}

// Wipe затирает приватный ключ.
func (k *SigningKey) Wipe() {
	if k == nil {
		return
	}
	clear(k.Private)
	k.Private = nil
}

// Service расшифровывает ключи кошельков.
type Service struct {
	wallets  WalletGetter
	notFound error
	aead     aeadCipher
}

type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Config — настройки Service.
type Config struct {
	Wallets WalletGetter

	// NotFound — sentinel хранилища для отсутствующего кошелька.
	NotFound error

	// MasterKey — 32-байтовый ключ шифрования.
	MasterKey []byte
}

// New создаёт Service.
func New(cfg Config) (*Service, error) {
	if len(cfg.MasterKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidMasterKey
	}
	aead, err := chacha20poly1305.NewX(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Service{
		wallets:  cfg.Wallets,
		notFound: cfg.NotFound,
		aead:     aead,
	}, nil
}

// Decrypt загружает кошелёк и расшифровывает его ключ.
// Вызывающий обязан вызвать Wipe после использования.
func (s *Service) Decrypt(ctx context.Context, walletID uuid.UUID) (*SigningKey, error) {
	w, err := s.wallets.GetWallet(ctx, walletID)
	if err != nil {
		if s.notFound != nil && errors.Is(err, s.notFound) {
			return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	key, err := s.open(w.ID, w.EncryptedKey)
	if err != nil {
		return nil, err
	}

	pub := solana.PublicKeyFromPrivate(key)
	if pub.String() != w.Address {
		clear(key)
		return nil, fmt.Errorf("%w: wallet %s", ErrKeyMismatch, walletID)
	}

	return &SigningKey{WalletID: w.ID, PublicKey: pub, Private: key}, nil
}

// Seal шифрует приватный ключ для записи в wallets.encrypted_key.
func (s *Service) Seal(walletID uuid.UUID, key ed25519.PrivateKey) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, key.Seed(), walletID[:]), nil
}

func (s *Service) open(walletID uuid.UUID, sealed []byte) (ed25519.PrivateKey, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrDecrypt
	}
	seed, err := s.aead.Open(nil, sealed[:n], sealed[n:], walletID[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	defer clear(seed)

	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed length %d", ErrDecrypt, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
