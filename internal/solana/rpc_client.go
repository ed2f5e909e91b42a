package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Значения по умолчанию.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// Commitment — уровень подтверждения.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// reached возвращает true, если статус status удовлетворяет уровню c.
func (c Commitment) reached(status string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[status] >= rank[string(c)] && rank[status] > 0
}

// RPCError — ошибка, возвращённая узлом (JSON-RPC error object).
// Такие ошибки не повторяются клиентом.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRPCError возвращает true, если err — ошибка узла, а не транспорта.
func IsRPCError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr)
}

// Коды ошибок узла.
const (
	// RPCCodePreflightFailure — sendTransaction: транзакция не прошла симуляцию.
	RPCCodePreflightFailure = -32002
	RPCCodeNodeUnhealthy    = -32005
)

// Простые ошибки транзакции (TransactionError без параметров).
const (
	TxErrBlockhashNotFound = "BlockhashNotFound"
	TxErrAlreadyProcessed  = "AlreadyProcessed"
)

// PreflightError возвращает ошибку транзакции из preflight-отказа
// sendTransaction. ok == false для прочих ошибок узла: они не говорят
// ничего о самой транзакции.
func (e *RPCError) PreflightError() (txErr any, ok bool) {
	if e.Code != RPCCodePreflightFailure || len(e.Data) == 0 {
		return nil, false
	}
	var data struct {
		Err any `json:"err"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil || data.Err == nil {
		return nil, false
	}
	return data.Err, true
}

// IsTxError проверяет, что txErr — простая ошибка транзакции name.
func IsTxError(txErr any, name string) bool {
	s, ok := txErr.(string)
	return ok && s == name
}

// BlockReference — blockhash и граница его валидности.
type BlockReference struct {
	Blockhash            Hash
	LastValidBlockHeight uint64
	Slot                 uint64
}

// SignatureStatus — статус подписи из getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	Err                any     `json:"err"`
	ConfirmationStatus string  `json:"confirmationStatus"`
}

// Failed возвращает true, если транзакция попала в блок с ошибкой.
func (s *SignatureStatus) Failed() bool {
	return s != nil && s.Err != nil
}

// HTTPClient — JSON-RPC 2.0 клиент поверх HTTP.
type HTTPClient struct {
	endpoint    string
	client      *http.Client
	commitment  Commitment
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	requestID   atomic.Uint64
}

// ClientOption настраивает HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout задаёт таймаут HTTP-запроса.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = d
	}
}

// WithMaxRetries задаёт количество повторов при ошибках транспорта.
func WithMaxRetries(n int) ClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = n
	}
}

// WithRetryDelay задаёт начальную задержку повтора.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.retryDelay = d
	}
}

// WithMaxDelay ограничивает задержку повтора.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.maxDelay = d
	}
}

// WithHTTPClient подменяет http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// WithCommitment задаёт уровень подтверждения запросов.
func WithCommitment(cm Commitment) ClientOption {
	return func(c *HTTPClient) {
		c.commitment = cm
	}
}

// NewHTTPClient создаёт RPC-клиент.
func NewHTTPClient(endpoint string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		endpoint:    endpoint,
		client:      &http.Client{Timeout: DefaultTimeout},
		commitment:  CommitmentConfirmed,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Commitment возвращает уровень подтверждения клиента.
func (c *HTTPClient) Commitment() Commitment {
	return c.commitment
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// call выполняет JSON-RPC вызов с повторами и экспоненциальным backoff.
// Повторяются только ошибки транспорта, 429 и 5xx.
func (c *HTTPClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("unexpected status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("unmarshal response: %w", err)
			continue
		}
		if rpcResp.Error != nil {
			return rpcResp.Error
		}

		if result != nil && rpcResp.Result != nil {
			if err := json.Unmarshal(rpcResp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

// GetLatestBlockhash возвращает свежий blockhash и его last valid block height.
func (c *HTTPClient) GetLatestBlockhash(ctx context.Context) (*BlockReference, error) {
	var result struct {
		Context struct {
			Slot uint64 `json:"slot"`
		} `json:"context"`
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	params := []any{map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}

	h, err := ParseHash(result.Value.Blockhash)
	if err != nil {
		return nil, err
	}
	return &BlockReference{
		Blockhash:            h,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
		Slot:                 result.Context.Slot,
	}, nil
}

// SendOptions — параметры sendTransaction.
type SendOptions struct {
	SkipPreflight bool
}

// SendTransaction отправляет подписанную транзакцию и возвращает её подпись.
// Повторную отправку выполняет вызывающий код, поэтому maxRetries узла = 0.
func (c *HTTPClient) SendTransaction(ctx context.Context, tx *Transaction, opts SendOptions) (string, error) {
	params := []any{
		tx.Base64(),
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       opts.SkipPreflight,
			"preflightCommitment": c.commitment,
			"maxRetries":          0,
		},
	}
	var sig string
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// GetSignatureStatuses возвращает статусы подписей.
// Для неизвестных подписей элемент результата равен nil.
func (c *HTTPClient) GetSignatureStatuses(ctx context.Context, signatures ...string) ([]*SignatureStatus, error) {
	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	params := []any{signatures, map[string]any{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetBlockHeight возвращает текущую высоту блока.
func (c *HTTPClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	params := []any{map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getBlockHeight", params, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBalance возвращает баланс аккаунта в lamports.
func (c *HTTPClient) GetBalance(ctx context.Context, account PublicKey) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	params := []any{account.String(), map[string]any{"commitment": c.commitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetTokenBalance возвращает суммарный баланс токена mint у owner
// в минимальных единицах. Отсутствие token account — нулевой баланс.
func (c *HTTPClient) GetTokenBalance(ctx context.Context, owner, mint PublicKey) (uint64, error) {
	var result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount string `json:"amount"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []any{
		owner.String(),
		map[string]any{"mint": mint.String()},
		map[string]any{"encoding": "jsonParsed", "commitment": c.commitment},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &result); err != nil {
		return 0, err
	}

	var total uint64
	for _, acc := range result.Value {
		amount, err := strconv.ParseUint(acc.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse token amount: %w", err)
		}
		total += amount
	}
	return total, nil
}
