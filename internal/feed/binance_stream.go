package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stopguard/internal/domain"
	"stopguard/internal/observability"
)

// DefaultBinanceStreamURL is the USDⓈ-M futures raw stream endpoint.
const DefaultBinanceStreamURL = "wss://fstream.binance.com/ws"

// TestnetBinanceStreamURL is the futures testnet stream endpoint.
const TestnetBinanceStreamURL = "wss://stream.binancefuture.com/ws"

// StreamConfig configures websocket behavior.
type StreamConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// BufferSize is the capacity of the tick channel.
	BufferSize int
}

// DefaultStreamConfig returns default websocket configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		BufferSize:        1024,
	}
}

// BinanceStream subscribes to <symbol>@markPrice@1s on one connection and
// emits every mark price update as a stream tick.
type BinanceStream struct {
	endpoint  string
	config    StreamConfig
	logger    *log.Logger
	requestID atomic.Uint64
}

// NewBinanceStream creates a stream. An empty endpoint selects DefaultBinanceStreamURL.
func NewBinanceStream(endpoint string, config *StreamConfig, logger *log.Logger) *BinanceStream {
	if endpoint == "" {
		endpoint = DefaultBinanceStreamURL
	}
	cfg := DefaultStreamConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultStreamConfig().BufferSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &BinanceStream{endpoint: endpoint, config: cfg, logger: logger}
}

// Subscribe connects and subscribes. The first connection error is returned;
// later disconnects are retried with exponential backoff until ctx is done.
func (s *BinanceStream) Subscribe(ctx context.Context, symbols []string) (<-chan domain.PriceTick, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("subscribe: no symbols")
	}
	conn, err := s.connect(ctx, symbols)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.PriceTick, s.config.BufferSize)
	go s.run(ctx, conn, symbols, out)
	return out, nil
}

// run owns the connection for the lifetime of ctx.
func (s *BinanceStream) run(ctx context.Context, conn *wsConn, symbols []string, out chan<- domain.PriceTick) {
	defer close(out)

	for {
		err := s.readLoop(ctx, conn, out)
		conn.close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Printf("[feed] connection lost: %v; reconnecting", err)

		conn = s.reconnect(ctx, symbols)
		if conn == nil {
			return
		}
		observability.RecordFeedReconnect()
	}
}

// reconnect dials until it succeeds or ctx is done.
func (s *BinanceStream) reconnect(ctx context.Context, symbols []string) *wsConn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.ReconnectDelay
	b.MaxInterval = s.config.MaxReconnectDelay
	b.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.NextBackOff()):
		}

		conn, err := s.connect(ctx, symbols)
		if err == nil {
			s.logger.Printf("[feed] reconnected, %d symbols", len(symbols))
			return conn
		}
		s.logger.Printf("[feed] reconnect failed: %v", err)
	}
}

// connect dials and sends the SUBSCRIBE request.
func (s *BinanceStream) connect(ctx context.Context, symbols []string) (*wsConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	raw, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn := &wsConn{conn: raw, writeTimeout: s.config.WriteTimeout}

	params := make([]string, len(symbols))
	for i, sym := range symbols {
		params[i] = strings.ToLower(sym) + "@markPrice@1s"
	}
	req := wsRequest{Method: "SUBSCRIBE", Params: params, ID: s.requestID.Add(1)}
	if err := conn.writeJSON(req); err != nil {
		conn.close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}
	return conn, nil
}

// readLoop reads until the connection fails or ctx is done.
func (s *BinanceStream) readLoop(ctx context.Context, conn *wsConn, out chan<- domain.PriceTick) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-done:
		}
	}()
	go s.pingLoop(conn, done)

	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		conn.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			return err
		}

		tick, ok := s.handleMessage(message)
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleMessage parses one frame. Only markPriceUpdate events produce a tick.
func (s *BinanceStream) handleMessage(message []byte) (domain.PriceTick, bool) {
	var ev markPriceEvent
	if err := json.Unmarshal(message, &ev); err != nil {
		s.logger.Printf("[feed] unparseable frame: %v", err)
		return domain.PriceTick{}, false
	}

	switch {
	case ev.Error != nil:
		s.logger.Printf("[feed] error response: code=%d msg=%s", ev.Error.Code, ev.Error.Msg)
		return domain.PriceTick{}, false
	case ev.EventType != "markPriceUpdate":
		return domain.PriceTick{}, false
	}

	price, err := decimal.NewFromString(ev.MarkPrice)
	if err != nil {
		s.logger.Printf("[feed] %s: bad mark price %q", ev.Symbol, ev.MarkPrice)
		return domain.PriceTick{}, false
	}
	return domain.PriceTick{
		Symbol:     ev.Symbol,
		Price:      price,
		ObservedAt: time.UnixMilli(ev.EventTime).UTC(),
		Source:     domain.SourceStream,
	}, true
}

// pingLoop sends periodic ping frames to keep connection alive.
func (s *BinanceStream) pingLoop(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				// reader will see the failure and reconnect
				return
			}
		}
	}
}

// wsConn serializes writes on a gorilla connection.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func (c *wsConn) writeJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		c.conn.Close()
	})
}

// WebSocket message types

type wsRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// markPriceEvent declares "P" explicitly: encoding/json matches keys
// case-insensitively and would otherwise write the settle price into "p".
type markPriceEvent struct {
	EventType   string   `json:"e"`
	EventTime   int64    `json:"E"`
	Symbol      string   `json:"s"`
	MarkPrice   string   `json:"p"`
	SettlePrice string   `json:"P"`
	Error       *wsError `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
