package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWSClosed — клиент закрыт или соединение потеряно.
var ErrWSClosed = errors.New("websocket client closed")

// WSConfig — настройки WebSocket-клиента.
type WSConfig struct {
	// HandshakeTimeout — таймаут установки соединения.
	HandshakeTimeout time.Duration

	// PingInterval — интервал ping-фреймов.
	PingInterval time.Duration

	// WriteTimeout — таймаут записи.
	WriteTimeout time.Duration

	// SubscribeTimeout — ожидание подтверждения подписки.
	SubscribeTimeout time.Duration

	Logger *slog.Logger
}

// DefaultWSConfig возвращает конфигурацию по умолчанию.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
	}
}

// SignatureResult — уведомление signatureSubscribe.
type SignatureResult struct {
	Slot uint64
	Err  any
}

// WSClient — клиент подписок Solana поверх gorilla/websocket.
//
// Подписки на подпись одноразовые: узел сам снимает подписку после
// уведомления. При потере соединения все каналы подписок закрываются,
// следующая подписка переподключается.
type WSClient struct {
	endpoint string
	cfg      WSConfig
	logger   *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}

	closed    atomic.Bool
	requestID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingSub
	subs    map[int64]chan SignatureResult
}

// pendingSub — подписка, ожидающая ответа узла. Канал уведомлений
// регистрируется в subs вместе с доставкой ответа, под одним mu.
type pendingSub struct {
	reply  chan subscribeReply
	notify chan SignatureResult
}

type subscribeReply struct {
	id  int64
	err error
}

// NewWSClient создаёт клиент. Соединение устанавливается при первой подписке.
func NewWSClient(endpoint string, cfg WSConfig) *WSClient {
	def := DefaultWSConfig()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.SubscribeTimeout == 0 {
		cfg.SubscribeTimeout = def.SubscribeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		endpoint: endpoint,
		cfg:      cfg,
		logger:   logger.With("component", "solana-ws"),
		pending:  make(map[uint64]*pendingSub),
		subs:     make(map[int64]chan SignatureResult),
	}
}

// ensureConn возвращает живое соединение, при необходимости подключаясь.
// Вызывается под connMu.
func (c *WSClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c.conn = conn
	c.done = make(chan struct{})
	go c.readLoop(conn, c.done)
	go c.pingLoop(conn, c.done)

	c.logger.Debug("websocket connected", "endpoint", c.endpoint)
	return conn, nil
}

// SignatureSubscribe подписывается на подтверждение подписи.
//
// Канал получает одно уведомление либо закрывается без значения при потере
// соединения. cancel снимает подписку и безопасен для повторного вызова.
func (c *WSClient) SignatureSubscribe(ctx context.Context, signature string, commitment Commitment) (<-chan SignatureResult, func(), error) {
	if c.closed.Load() {
		return nil, nil, ErrWSClosed
	}

	reqID := c.requestID.Add(1)
	sub := &pendingSub{
		reply:  make(chan subscribeReply, 1),
		notify: make(chan SignatureResult, 1),
	}
	c.mu.Lock()
	c.pending[reqID] = sub
	c.mu.Unlock()

	dropPending := func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}

	err := c.write(ctx, wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  "signatureSubscribe",
		Params:  []any{signature, map[string]any{"commitment": commitment}},
	})
	if err != nil {
		dropPending()
		return nil, nil, err
	}

	timer := time.NewTimer(c.cfg.SubscribeTimeout)
	defer timer.Stop()

	var subID int64
	select {
	case reply, ok := <-sub.reply:
		if !ok {
			return nil, nil, ErrWSClosed
		}
		if reply.err != nil {
			return nil, nil, reply.err
		}
		subID = reply.id
	case <-timer.C:
		dropPending()
		return nil, nil, fmt.Errorf("signatureSubscribe: no reply after %s", c.cfg.SubscribeTimeout)
	case <-ctx.Done():
		dropPending()
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			_, active := c.subs[subID]
			delete(c.subs, subID)
			c.mu.Unlock()
			if !active {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			defer cancel()
			_ = c.write(ctx, wsRequest{
				JSONRPC: "2.0",
				ID:      c.requestID.Add(1),
				Method:  "signatureUnsubscribe",
				Params:  []any{subID},
			})
		})
	}
	return sub.notify, cancel, nil
}

func (c *WSClient) write(ctx context.Context, req wsRequest) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("websocket write %s: %w", req.Method, err)
	}
	return nil
}

// Close закрывает соединение и все подписки.
func (c *WSClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.connMu.Lock()
	conn := c.conn
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	c.connMu.Unlock()
	if conn != nil {
		c.dropConn(conn)
	}
	return nil
}

// dropConn закрывает соединение и все ожидающие каналы.
func (c *WSClient) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	close(c.done)
	c.connMu.Unlock()

	conn.Close()

	c.mu.Lock()
	for id, p := range c.pending {
		close(p.reply)
		delete(c.pending, id)
	}
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				if !c.closed.Load() {
					c.logger.Warn("websocket read failed", "error", err)
				}
				c.dropConn(conn)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("websocket ping failed", "error", err)
				c.dropConn(conn)
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(message []byte) {
	var msg wsMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("websocket: malformed message", "error", err)
		return
	}

	switch {
	case msg.Method == "signatureNotification" && msg.Params != nil:
		var value struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		}
		if err := json.Unmarshal(msg.Params.Result, &value); err != nil {
			c.logger.Warn("websocket: malformed notification", "error", err)
			return
		}
		c.mu.Lock()
		if ch, ok := c.subs[msg.Params.Subscription]; ok {
			select {
			case ch <- SignatureResult{Slot: value.Context.Slot, Err: value.Value.Err}:
			default:
			}
		}
		c.mu.Unlock()

	case msg.ID != nil:
		var reply subscribeReply
		if msg.Error != nil {
			reply.err = msg.Error
		} else if err := json.Unmarshal(msg.Result, &reply.id); err != nil {
			reply.err = fmt.Errorf("parse subscription id: %w", err)
		}
		c.mu.Lock()
		if p, ok := c.pending[*msg.ID]; ok {
			delete(c.pending, *msg.ID)
			if reply.err == nil {
				c.subs[reply.id] = p.notify
			}
			p.reply <- reply
		}
		c.mu.Unlock()
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *struct {
		Result       json.RawMessage `json:"result"`
		Subscription int64           `json:"subscription"`
	} `json:"params,omitempty"`
}
