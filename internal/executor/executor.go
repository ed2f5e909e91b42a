package executor

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/shaiso/Tradeflow/internal/domain"
	"github.com/shaiso/Tradeflow/internal/jito"
	"github.com/shaiso/Tradeflow/internal/solana"
)

// Type — вариант исполнителя.
type Type string

const (
	TypeDirect Type = "direct"
	TypeBundle Type = "bundle"
)

// Outcome — итог отправки. Совпадает с domain.ExecutionResult.
type Outcome = domain.ExecutionResult

const (
	OutcomeConfirmed     = domain.ExecutionConfirmed
	OutcomeRejected      = domain.ExecutionRejected
	OutcomeIndeterminate = domain.ExecutionIndeterminate
	OutcomePartial       = domain.ExecutionPartial
	OutcomeFailed        = domain.ExecutionFailed
)

// Executor — интерфейс исполнителя транзакций.
//
// Транзакции приходят с заполненными инструкциями; blockhash и подпись
// ставит исполнитель.
type Executor interface {
	// Execute отправляет одну транзакцию и ждёт определённого исхода.
	Execute(ctx context.Context, tx *solana.Transaction, signer ed25519.PrivateKey, opts Options) (*Result, error)

	// ExecuteBatch отправляет несколько транзакций.
	// При ошибке BatchResult содержит подписи уже прошедших транзакций.
	ExecuteBatch(ctx context.Context, txs []*solana.Transaction, signer ed25519.PrivateKey, opts Options) (*BatchResult, error)

	// Type возвращает вариант исполнителя.
	Type() Type
}

// Options — параметры одной отправки.
type Options struct {
	// SkipPreflight — не симулировать транзакцию на RPC-ноде.
	SkipPreflight bool

	// MaxAttempts — сколько раз повторять отправку с новым blockhash
	// после истечения предыдущего. По умолчанию 3.
	MaxAttempts int

	// TipLamports — tip для bundle.
	TipLamports uint64

	// BundleTimeout — сколько ждать результата bundle. По умолчанию 60s.
	BundleTimeout time.Duration

	// OnSubmit вызывается с подписью и границей валидности её blockhash
	// перед каждой отправкой. Ошибка OnSubmit отменяет отправку: транзакция,
	// подпись которой не сохранена, в сеть не уходит.
	OnSubmit func(signature string, lastValidBlockHeight uint64) error
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BundleTimeout <= 0 {
		o.BundleTimeout = 60 * time.Second
	}
	return o
}

func (o Options) submitted(sig string, lastValidBlockHeight uint64) error {
	if o.OnSubmit == nil {
		return nil
	}
	if err := o.OnSubmit(sig, lastValidBlockHeight); err != nil {
		return fmt.Errorf("record submission %s: %w", sig, err)
	}
	return nil
}

// Result — итог Execute.
type Result struct {
	// Signature — подпись подтверждённой (или последней) транзакции.
	Signature string

	// BundleID — id bundle для BundleExecutor.
	BundleID string

	Outcome  Outcome
	Slot     uint64
	Attempts int
}

// BatchResult — итог ExecuteBatch.
type BatchResult struct {
	// Signatures — подписи принятых транзакций в порядке отправки.
	Signatures []string

	// BundleIDs — id принятых bundle.
	BundleIDs []string

	Outcome  Outcome
	Accepted int
	Total    int
}

// RPC — методы Solana RPC, нужные исполнителям.
type RPC interface {
	GetLatestBlockhash(ctx context.Context) (*solana.BlockReference, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction, opts solana.SendOptions) (string, error)
}

// Confirmer ждёт подтверждения подписи.
type Confirmer interface {
	Confirm(ctx context.Context, signature string, lastValidBlockHeight uint64) (*solana.Confirmation, error)
}

// Relay — bundle relay (Jito block engine).
type Relay interface {
	TipAccounts(ctx context.Context) ([]solana.PublicKey, error)
	SendBundle(ctx context.Context, txs []*solana.Transaction) (string, error)
	OnBundleResult(fn func(jito.BundleResult)) (cancel func())
	Forget(bundleID string)
	HasCredentials() bool
}

// checkSigner проверяет до сетевых вызовов, что signer может полностью
// подписать транзакцию.
func checkSigner(tx *solana.Transaction, signer solana.PublicKey) error {
	required := tx.RequiredSignatures()
	if required == 0 {
		return ErrUnderSigned
	}
	covered := 0
	for i := 0; i < required; i++ {
		if tx.Message.AccountKeys[i] == signer {
			covered++
		}
	}
	if covered < required {
		return ErrUnderSigned
	}
	return nil
}

// signWith подставляет blockhash и подписывает транзакцию.
func signWith(tx *solana.Transaction, blockhash solana.Hash, signer ed25519.PrivateKey) error {
	tx.SetRecentBlockhash(blockhash)
	if err := tx.Sign(signer); err != nil {
		return err
	}
	if tx.SignatureCount() < tx.RequiredSignatures() {
		return ErrUnderSigned
	}
	return nil
}
