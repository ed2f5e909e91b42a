package executor

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shaiso/Tradeflow/internal/jito"
	"github.com/shaiso/Tradeflow/internal/solana"
	"github.com/shaiso/Tradeflow/internal/telemetry"
)

// chunkSize — пользовательских транзакций в одном bundle (одно место под tip).
const chunkSize = jito.BundleSizeLimit - 1

// BundleConfig — зависимости BundleExecutor.
type BundleConfig struct {
	RPC     RPC
	Relay   Relay
	Metrics *telemetry.Metrics
	Logger  *slog.Logger

	// Rand — источник случайности для выбора tip-аккаунта.
	Rand *rand.Rand
}

// BundleExecutor отправляет транзакции через bundle relay.
type BundleExecutor struct {
	rpc     RPC
	relay   Relay
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBundle создаёт BundleExecutor.
func NewBundle(cfg BundleConfig) *BundleExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &BundleExecutor{
		rpc:     cfg.RPC,
		relay:   cfg.Relay,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "executor", "executor", TypeBundle),
		rand:    cfg.Rand,
	}
}

// Type возвращает TypeBundle.
func (e *BundleExecutor) Type() Type {
	return TypeBundle
}

// Execute отправляет транзакцию одним bundle с tip.
func (e *BundleExecutor) Execute(ctx context.Context, tx *solana.Transaction, signer ed25519.PrivateKey, opts Options) (*Result, error) {
	batch, err := e.ExecuteBatch(ctx, []*solana.Transaction{tx}, signer, opts)
	if err != nil {
		return nil, err
	}
	return &Result{
		Signature: batch.Signatures[0],
		BundleID:  batch.BundleIDs[0],
		Outcome:   OutcomeConfirmed,
		Attempts:  1,
	}, nil
}

// ExecuteBatch разбивает транзакции на чанки по BundleSizeLimit-1 и
// отправляет каждый чанк отдельным bundle с tip-транзакцией в конце.
//
// Чанк, результат которого не пришёл за BundleTimeout, считается не
// прошедшим. Если прошли все чанки — OutcomeConfirmed, часть —
// OutcomePartial без ошибки, ни одного — OutcomeFailed и ErrBundleNotLanded.
//
// Ошибка relay или RPC до получения результата bundle прерывает batch.
// Если ни один чанк ещё не прошёл, она возвращается как есть, а не как
// ErrBundleNotLanded: исход отправки неизвестен.
func (e *BundleExecutor) ExecuteBatch(ctx context.Context, txs []*solana.Transaction, signer ed25519.PrivateKey, opts Options) (*BatchResult, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	opts = opts.withDefaults()

	payer := solana.PublicKeyFromPrivate(signer)
	for _, tx := range txs {
		if err := checkSigner(tx, payer); err != nil {
			return nil, err
		}
	}

	batch := &BatchResult{Total: len(txs)}
	chunks := 0
	landed := 0

	for start := 0; start < len(txs); start += chunkSize {
		chunk := txs[start:min(start+chunkSize, len(txs))]
		chunks++

		bundleID, ok, err := e.sendChunk(ctx, chunk, signer, payer, opts)
		if err != nil {
			if ctx.Err() != nil {
				return batch, ctx.Err()
			}
			e.logger.Warn("bundle chunk failed, stopping batch", "chunk", chunks, "landed", landed, "error", err)
			if landed == 0 {
				batch.Outcome = OutcomeFailed
				return batch, fmt.Errorf("bundle chunk %d: %w", chunks, err)
			}
			break
		}
		if !ok {
			continue
		}

		landed++
		batch.BundleIDs = append(batch.BundleIDs, bundleID)
		for _, tx := range chunk {
			batch.Signatures = append(batch.Signatures, tx.Signature().String())
		}
		batch.Accepted += len(chunk)
	}

	switch {
	case landed == chunks:
		batch.Outcome = OutcomeConfirmed
	case landed > 0:
		batch.Outcome = OutcomePartial
	default:
		batch.Outcome = OutcomeFailed
	}
	e.metrics.Submission(string(TypeBundle), string(batch.Outcome))

	if landed == 0 {
		return batch, ErrBundleNotLanded
	}
	return batch, nil
}

// sendChunk подписывает и отправляет один bundle, затем ждёт его результат.
func (e *BundleExecutor) sendChunk(ctx context.Context, chunk []*solana.Transaction, signer ed25519.PrivateKey, payer solana.PublicKey, opts Options) (string, bool, error) {
	tipAccounts, err := e.relay.TipAccounts(ctx)
	if err != nil {
		return "", false, fmt.Errorf("get tip accounts: %w", err)
	}
	if len(tipAccounts) == 0 {
		return "", false, jito.ErrNoTipAccounts
	}
	tipAccount := tipAccounts[e.intN(len(tipAccounts))]

	block, err := e.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", false, fmt.Errorf("get latest blockhash: %w", err)
	}

	bundle := make([]*solana.Transaction, 0, len(chunk)+1)
	for _, tx := range chunk {
		if err := signWith(tx, block.Blockhash, signer); err != nil {
			return "", false, err
		}
		if err := opts.submitted(tx.Signature().String(), block.LastValidBlockHeight); err != nil {
			return "", false, err
		}
		bundle = append(bundle, tx)
	}

	tip, err := solana.NewTransaction(payer, block.Blockhash,
		solana.TransferInstruction(payer, tipAccount, opts.TipLamports))
	if err != nil {
		return "", false, fmt.Errorf("build tip transaction: %w", err)
	}
	if err := tip.Sign(signer); err != nil {
		return "", false, fmt.Errorf("sign tip transaction: %w", err)
	}
	bundle = append(bundle, tip)

	// Подписываемся до отправки, чтобы не пропустить быстрый результат.
	w := newBundleWaiter()
	cancel := e.relay.OnBundleResult(w.observe)
	defer cancel()

	bundleID, err := e.relay.SendBundle(ctx, bundle)
	if err != nil {
		return "", false, fmt.Errorf("send bundle: %w", err)
	}

	log := e.logger.With("bundle_id", bundleID, "txs", len(bundle))
	log.Debug("bundle submitted", "tip_account", tipAccount.String(), "tip_lamports", opts.TipLamports)

	res, ok, err := w.wait(ctx, bundleID, opts.BundleTimeout)
	if err != nil {
		e.relay.Forget(bundleID)
		return "", false, err
	}
	if !ok {
		e.relay.Forget(bundleID)
		log.Warn("bundle result not received", "timeout", opts.BundleTimeout)
		return bundleID, false, nil
	}
	if !res.Accepted() {
		log.Warn("bundle not landed", "status", res.Status)
		return bundleID, false, nil
	}

	log.Info("bundle landed", "slot", res.Slot)
	return bundleID, true, nil
}

func (e *BundleExecutor) intN(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rand.IntN(n)
}

// bundleWaiter собирает результаты relay до того, как id bundle известен.
type bundleWaiter struct {
	mu      sync.Mutex
	results map[string]jito.BundleResult
	notify  chan struct{}
}

func newBundleWaiter() *bundleWaiter {
	return &bundleWaiter{
		results: make(map[string]jito.BundleResult),
		notify:  make(chan struct{}, 1),
	}
}

func (w *bundleWaiter) observe(r jito.BundleResult) {
	w.mu.Lock()
	w.results[r.BundleID] = r
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *bundleWaiter) lookup(id string) (jito.BundleResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.results[id]
	return r, ok
}

// wait ждёт результат bundle id. ok=false — таймаут.
func (w *bundleWaiter) wait(ctx context.Context, id string, timeout time.Duration) (jito.BundleResult, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if r, ok := w.lookup(id); ok {
			return r, true, nil
		}
		select {
		case <-ctx.Done():
			return jito.BundleResult{}, false, ctx.Err()
		case <-timer.C:
			return jito.BundleResult{}, false, nil
		case <-w.notify:
		}
	}
}
