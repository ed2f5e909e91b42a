package jito

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Tradeflow/internal/solana"
)

// BundleSizeLimit — максимальное количество транзакций в bundle.
const BundleSizeLimit = 5

// BundleStatus — статус bundle в getInflightBundleStatuses.
type BundleStatus string

const (
	StatusInvalid BundleStatus = "Invalid"
	StatusPending BundleStatus = "Pending"
	StatusFailed  BundleStatus = "Failed"
	StatusLanded  BundleStatus = "Landed"
)

// IsFinal возвращает true для Landed и Failed.
// Invalid не финальный: relay может ещё не видеть только что отправленный bundle.
func (s BundleStatus) IsFinal() bool {
	return s == StatusLanded || s == StatusFailed
}

// BundleResult — финальный результат bundle.
type BundleResult struct {
	BundleID string
	Status   BundleStatus
	Slot     uint64
}

// Accepted возвращает true, если bundle попал в блок.
func (r BundleResult) Accepted() bool {
	return r.Status == StatusLanded
}

// Config — настройки клиента.
type Config struct {
	// Endpoint — URL JSON-RPC bundles API (…/api/v1/bundles).
	Endpoint string

	// AuthToken — UUID из заголовка x-jito-auth.
	AuthToken string

	// PollInterval — период опроса getInflightBundleStatuses.
	PollInterval time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client — клиент block engine.
type Client struct {
	endpoint     string
	authToken    string
	pollInterval time.Duration
	http         *http.Client
	logger       *slog.Logger

	requestID atomic.Uint64

	mu        sync.Mutex
	listeners map[uint64]func(BundleResult)
	nextID    uint64
	tracked   map[string]struct{}

	pollOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New создаёт клиент.
func New(cfg Config) *Client {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		endpoint:     cfg.Endpoint,
		authToken:    cfg.AuthToken,
		pollInterval: cfg.PollInterval,
		http:         cfg.HTTPClient,
		logger:       cfg.Logger.With("component", "jito"),
		listeners:    make(map[uint64]func(BundleResult)),
		tracked:      make(map[string]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// HasCredentials возвращает true, если relay сконфигурирован.
func (c *Client) HasCredentials() bool {
	return c != nil && c.endpoint != "" && c.authToken != ""
}

// TipAccounts возвращает список tip accounts relay.
func (c *Client) TipAccounts(ctx context.Context) ([]solana.PublicKey, error) {
	var raw []string
	if err := c.call(ctx, "getTipAccounts", []any{}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrNoTipAccounts
	}

	accounts := make([]solana.PublicKey, 0, len(raw))
	for _, s := range raw {
		pk, err := solana.ParsePublicKey(s)
		if err != nil {
			return nil, fmt.Errorf("tip account %q: %w", s, err)
		}
		accounts = append(accounts, pk)
	}
	return accounts, nil
}

// SendBundle отправляет подписанные транзакции одним bundle и возвращает его id.
// Bundle отслеживается до финального статуса, результат получают подписчики
// OnBundleResult.
func (c *Client) SendBundle(ctx context.Context, txs []*solana.Transaction) (string, error) {
	if len(txs) == 0 {
		return "", ErrEmptyBundle
	}
	if len(txs) > BundleSizeLimit {
		return "", fmt.Errorf("%w: %d > %d", ErrBundleTooLarge, len(txs), BundleSizeLimit)
	}
	if c.ctx.Err() != nil {
		return "", ErrClosed
	}

	encoded := make([]string, len(txs))
	for i, tx := range txs {
		encoded[i] = tx.Base64()
	}

	var bundleID string
	params := []any{encoded, map[string]any{"encoding": "base64"}}
	if err := c.call(ctx, "sendBundle", params, &bundleID); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.tracked[bundleID] = struct{}{}
	c.mu.Unlock()

	c.pollOnce.Do(func() {
		c.wg.Add(1)
		go c.pollLoop()
	})

	c.logger.Debug("bundle sent", "bundle_id", bundleID, "txs", len(txs))
	return bundleID, nil
}

// InflightBundleStatuses возвращает статусы bundle (до 5 id за вызов).
func (c *Client) InflightBundleStatuses(ctx context.Context, ids ...string) ([]BundleResult, error) {
	var result struct {
		Value []struct {
			BundleID   string       `json:"bundle_id"`
			Status     BundleStatus `json:"status"`
			LandedSlot *uint64      `json:"landed_slot"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getInflightBundleStatuses", []any{ids}, &result); err != nil {
		return nil, err
	}

	out := make([]BundleResult, 0, len(result.Value))
	for _, v := range result.Value {
		r := BundleResult{BundleID: v.BundleID, Status: v.Status}
		if v.LandedSlot != nil {
			r.Slot = *v.LandedSlot
		}
		out = append(out, r)
	}
	return out, nil
}

// OnBundleResult регистрирует обработчик финальных результатов bundle.
// Обработчик вызывается из горутины опроса и не должен блокироваться.
// Возвращаемая функция снимает обработчик.
func (c *Client) OnBundleResult(fn func(BundleResult)) (cancel func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Close останавливает опрос статусов.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Client) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pollOnceTracked()
		}
	}
}

// pollOnceTracked опрашивает отслеживаемые bundle пачками по BundleSizeLimit.
func (c *Client) pollOnceTracked() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for start := 0; start < len(ids); start += BundleSizeLimit {
		end := min(start+BundleSizeLimit, len(ids))

		ctx, cancel := context.WithTimeout(c.ctx, c.pollInterval*5)
		results, err := c.InflightBundleStatuses(ctx, ids[start:end]...)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("poll bundle statuses failed", "error", err)
			}
			return
		}

		for _, r := range results {
			if r.Status.IsFinal() {
				c.dispatch(r)
			}
		}
	}
}

func (c *Client) dispatch(r BundleResult) {
	c.mu.Lock()
	if _, ok := c.tracked[r.BundleID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.tracked, r.BundleID)
	listeners := make([]func(BundleResult), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.logger.Debug("bundle result", "bundle_id", r.BundleID, "status", r.Status, "slot", r.Slot)
	for _, fn := range listeners {
		fn(r)
	}
}

// Forget прекращает отслеживание bundle (ожидание завершено по таймауту).
func (c *Client) Forget(bundleID string) {
	c.mu.Lock()
	delete(c.tracked, bundleID)
	c.mu.Unlock()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *solana.RPCError `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("x-jito-auth", c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d: %s", method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}
