package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shaiso/Tradeflow/internal/solana"
)

// DefaultBaseURL — публичный endpoint swap API.
const DefaultBaseURL = "https://quote-api.jup.ag/v6"

var (
	// ErrNoRoute — Jupiter не нашёл маршрут для пары.
	ErrNoRoute = errors.New("no route found")

	// ErrRateLimited — API вернул 429.
	ErrRateLimited = errors.New("jupiter rate limited")
)

// Config — настройки клиента.
type Config struct {
	BaseURL string

	// PriorityFeeLamports — prioritizationFeeLamports для /swap. 0 — auto.
	PriorityFeeLamports uint64

	Timeout time.Duration
	Logger  *slog.Logger
}

// Client — клиент Jupiter API.
type Client struct {
	baseURL     string
	priorityFee uint64
	http        *http.Client
	logger      *slog.Logger
}

// New создаёт клиент.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:     cfg.BaseURL,
		priorityFee: cfg.PriorityFeeLamports,
		http:        &http.Client{Timeout: cfg.Timeout},
		logger:      cfg.Logger.With("component", "jupiter"),
	}
}

// QuoteRequest — параметры котировки.
type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps int
}

// SwapInfo — один шаг маршрута.
type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
}

// RoutePlanStep — шаг маршрута с долей объёма.
type RoutePlanStep struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

// Quote — котировка. Raw передаётся в /swap без изменений.
type Quote struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       string          `json:"inAmount"`
	OutAmount      string          `json:"outAmount"`
	SlippageBps    int             `json:"slippageBps"`
	PriceImpactPct string          `json:"priceImpactPct"`
	RoutePlan      []RoutePlanStep `json:"routePlan"`
	ContextSlot    uint64          `json:"contextSlot"`

	Raw json.RawMessage `json:"-"`
}

// OutAmountUint возвращает OutAmount числом.
func (q *Quote) OutAmountUint() (uint64, error) {
	return strconv.ParseUint(q.OutAmount, 10, 64)
}

// Pool возвращает пул и DEX первого шага маршрута.
func (q *Quote) Pool() (ammKey, label string, err error) {
	if len(q.RoutePlan) == 0 || q.RoutePlan[0].SwapInfo.AmmKey == "" {
		return "", "", ErrNoRoute
	}
	step := q.RoutePlan[0].SwapInfo
	return step.AmmKey, step.Label, nil
}

// Quote запрашивает котировку.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	q := url.Values{}
	q.Set("inputMint", req.InputMint.String())
	q.Set("outputMint", req.OutputMint.String())
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("quote: unmarshal: %w", err)
	}
	if len(quote.RoutePlan) == 0 {
		return nil, ErrNoRoute
	}
	quote.Raw = body
	return &quote, nil
}

// SwapResult — ответ /swap.
type SwapResult struct {
	Transaction          *solana.Transaction
	LastValidBlockHeight uint64
}

// Swap собирает неподписанную swap-транзакцию для user по котировке.
func (c *Client) Swap(ctx context.Context, quote *Quote, user solana.PublicKey) (*SwapResult, error) {
	payload := map[string]any{
		"quoteResponse":           quote.Raw,
		"userPublicKey":           user.String(),
		"wrapAndUnwrapSol":        true,
		"dynamicComputeUnitLimit": true,
	}
	if c.priorityFee > 0 {
		payload["prioritizationFeeLamports"] = c.priorityFee
	} else {
		payload["prioritizationFeeLamports"] = "auto"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := c.do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("swap: %w", err)
	}

	var resp struct {
		SwapTransaction      string `json:"swapTransaction"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("swap: unmarshal: %w", err)
	}

	tx, err := solana.ParseTransactionBase64(resp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("swap: decode transaction: %w", err)
	}
	return &SwapResult{Transaction: tx, LastValidBlockHeight: resp.LastValidBlockHeight}, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("COULD_NOT_FIND_ANY_ROUTE")):
		return nil, ErrNoRoute
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
