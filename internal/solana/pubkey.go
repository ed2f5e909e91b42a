package solana

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Ошибки кодирования ключей.
var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidHash      = errors.New("invalid hash")
)

// PublicKey — 32-байтовый публичный ключ (адрес аккаунта).
type PublicKey [32]byte

// Известные программы.
var (
	SystemProgramID = MustPublicKey("11111111111111111111111111111111")
	WrappedSOLMint  = MustPublicKey("So11111111111111111111111111111111111111112")
)

// ParsePublicKey декодирует base58-адрес.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(b) != len(pk) {
		return pk, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// MustPublicKey — ParsePublicKey с panic, только для констант.
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromPrivate возвращает публичный ключ ed25519-ключа.
func PublicKeyFromPrivate(key ed25519.PrivateKey) PublicKey {
	var pk PublicKey
	copy(pk[:], key.Public().(ed25519.PublicKey))
	return pk
}

// String возвращает base58-представление.
func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero возвращает true для нулевого ключа.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

// IsOnCurve проверяет, что ключ — точка на кривой ed25519.
// Program Derived Addresses лежат вне кривой и не могут подписывать,
// поэтому sweep отказывается выводить средства на такие адреса.
func (pk PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// Hash — 32-байтовый хеш (blockhash).
type Hash [32]byte

// ParseHash декодирует base58-хеш.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("%w: length %d", ErrInvalidHash, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// String возвращает base58-представление.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Signature — 64-байтовая ed25519-подпись.
type Signature [64]byte

// String возвращает base58-представление.
func (s Signature) String() string {
	return base58.Encode(s[:])
}

// IsZero возвращает true для пустого слота подписи.
func (s Signature) IsZero() bool {
	return s == Signature{}
}
