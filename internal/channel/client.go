// Package channel is the reconnecting websocket link to the remote exit-point client.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Events exchanged with the remote client
const (
	EventTicketCompleted = "ticket_completed"
	EventTicketCreated   = "ticket_created"
	EventDeviceHealth    = "device_health"
	EventTicketRequest   = "ticket:request"
	EventTicketExit      = "ticket:exit"
	EventTicketResult    = "ticket:result"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultMaxAttempts      = 5
	DefaultHandshakeTimeout = 10 * time.Second

	pingPeriod = 54 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second

	outboxSize = 64
)

var (
	ErrNotConnected       = errors.New("channel not connected")
	ErrReconnectExhausted = errors.New("channel reconnect attempts exhausted")
	ErrClosed             = errors.New("channel client closed")
	ErrOutboxFull         = errors.New("channel outbox full")
)

// Envelope is the wire format of every message
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Handler receives the raw data of an inbound event
type Handler func(data json.RawMessage)

// Options configures a Client
type Options struct {
	URL              string
	Header           http.Header
	ReconnectDelay   time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	Clock            clockwork.Clock
	Logger           *zap.Logger
}

type connection struct {
	ws   *websocket.Conn
	done chan struct{}
}

// Client keeps a websocket connection to the remote client alive. Send never
// queues: while the connection is down it fails with ErrNotConnected. Publish
// hands the envelope to a single writer goroutine and returns at once.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
	exhausted  []func(error)

	outbox chan Envelope

	mu           sync.Mutex
	conn         *connection
	reconnecting bool
	closed       bool

	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

// NewClient creates a client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	opts.Logger = opts.Logger.With(zap.String("channel_url", opts.URL))

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		dialer:   &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
		outbox:   make(chan Envelope, outboxSize),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// On registers a handler for an inbound event. Handlers run on the reader
// goroutine and must not block.
func (c *Client) On(event string, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

// OnExhausted registers a callback fired once per outage after the last
// reconnect attempt failed. The callback may call Connect but not Close.
func (c *Client) OnExhausted(fn func(error)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.exhausted = append(c.exhausted, fn)
}

// Connected reports whether a connection is currently open
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the remote client. If the dial fails the reconnect loop takes
// over and the error is returned. Calling Connect after exhaustion re-arms it.
func (c *Client) Connect(ctx context.Context) error {
	if c.Connected() {
		return nil
	}
	err := c.dial(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrClosed) {
		c.opts.Logger.Warn("Channel connect failed", zap.Error(err))
		c.startReconnect()
	}
	return err
}

// Send writes one envelope. It fails fast when the connection is down.
func (c *Client) Send(event string, data interface{}) error {
	env, err := envelope(event, data)
	if err != nil {
		return err
	}
	return c.write(env)
}

// Publish queues one envelope for the writer goroutine. It never blocks: a
// full outbox drops the envelope with ErrOutboxFull. Envelopes that reach the
// writer while the connection is down are dropped.
func (c *Client) Publish(event string, data interface{}) error {
	env, err := envelope(event, data)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case c.outbox <- env:
		return nil
	default:
		c.opts.Logger.Warn("Channel outbox full, dropping event", zap.String("event", event))
		return ErrOutboxFull
	}
}

func envelope(event string, data interface{}) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: payload}, nil
}

func (c *Client) write(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.ws.WriteJSON(env)
	c.writeMu.Unlock()

	if err != nil {
		// The read loop sees the closed socket and starts reconnecting
		conn.ws.Close()
		return fmt.Errorf("send %s: %w", env.Event, err)
	}
	return nil
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.outbox:
			if err := c.write(env); err != nil {
				c.opts.Logger.Debug("Channel event not delivered", zap.String("event", env.Event), zap.Error(err))
			}
		}
	}
}

// Close stops reconnecting, closes the connection and waits for background
// goroutines
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		close(conn.done)
		c.writeMu.Lock()
		conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.ws.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return err
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	conn := &connection{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	if c.conn != nil {
		// lost a race with the reconnect loop
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = conn
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.opts.Logger.Info("Channel connected")
	return nil
}

func (c *Client) readLoop(conn *connection) {
	defer c.wg.Done()

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			c.dropped(conn, err)
			return
		}
		c.dispatch(message)
	}
}

func (c *Client) pingLoop(conn *connection) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				conn.ws.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
		c.opts.Logger.Warn("Dropping malformed channel message", zap.ByteString("message", message))
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers[env.Event]
	c.handlersMu.RUnlock()

	if len(handlers) == 0 {
		c.opts.Logger.Debug("No handler for channel event", zap.String("event", env.Event))
		return
	}
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Client) dropped(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	closed := c.closed
	c.mu.Unlock()

	close(conn.done)
	conn.ws.Close()
	if closed {
		return
	}

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.opts.Logger.Warn("Channel connection lost", zap.Error(err))
	} else {
		c.opts.Logger.Info("Channel closed by remote", zap.Error(err))
	}
	c.startReconnect()
}

func (c *Client) startReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	lastErr := c.retry()
	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
	if lastErr == nil {
		return
	}

	c.opts.Logger.Error("Giving up on channel", zap.Int("attempts", c.opts.MaxAttempts), zap.Error(lastErr))

	exhausted := fmt.Errorf("%w: %v", ErrReconnectExhausted, lastErr)
	c.handlersMu.RLock()
	callbacks := append([]func(error){}, c.exhausted...)
	c.handlersMu.RUnlock()
	for _, fn := range callbacks {
		fn(exhausted)
	}
}

// retry dials until it succeeds, the client closes or attempts run out. It
// returns nil unless the attempts were exhausted.
func (c *Client) retry() error {
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil
		case <-c.opts.Clock.After(c.opts.ReconnectDelay):
		}

		err := c.dial(c.ctx)
		if err == nil {
			c.opts.Logger.Info("Channel reconnected", zap.Int("attempt", attempt))
			return nil
		}
		if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
			return nil
		}
		lastErr = err
		c.opts.Logger.Warn("Channel reconnect failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.opts.MaxAttempts),
			zap.Error(err),
		)
	}

	return lastErr
}
