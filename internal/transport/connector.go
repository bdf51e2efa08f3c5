// Package transport keeps an authenticated push stream open to the chat
// backend and reconnects it when it drops.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/johndosdos/rentchat/internal/metrics"
	"github.com/johndosdos/rentchat/internal/model"
)

const (
	inboundChanSize = 64
	readLimit       = 1 << 20

	// jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor     = 2
	backoffMultiplier = 2

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("transport: connector closed")

// wsConn abstracts the connection so the connector can be driven without a
// network. *websocket.Conn satisfies it.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	SetReadLimit(n int64)
	Ping(ctx context.Context) error
}

type Config struct {
	URL   string
	Token string

	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxAttempts bounds consecutive failed reconnects. Zero retries
	// forever.
	MaxAttempts int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PingInterval enables protocol pings on an idle stream when positive.
	PingInterval time.Duration

	Metrics *metrics.Metrics

	// OnReconnect runs on the Run goroutine each time a dropped stream has
	// been re-established, before any new events are read.
	OnReconnect func(ctx context.Context)
}

// Connector owns the push stream. Emit and Available may be called from any
// goroutine; Run must be called once.
type Connector struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context) (wsConn, error)

	mu        sync.RWMutex
	conn      wsConn
	connected bool
	userID    string
	limiter   *rate.Limiter

	events    chan model.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a Connector for cfg. Nothing is dialed until Connect or Run.
func New(cfg Config, logger *slog.Logger) *Connector {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Connector{
		cfg:    cfg,
		logger: logger.With("component", "transport"),
		events: make(chan model.Envelope, inboundChanSize),
		closed: make(chan struct{}),
	}
	c.dial = c.dialWebsocket
	return c
}

// SetEmitLimiter throttles Emit. Waiting callers block until a token is
// available or their context ends.
func (c *Connector) SetEmitLimiter(l *rate.Limiter) {
	c.mu.Lock()
	c.limiter = l
	c.mu.Unlock()
}

// Events delivers every application event read from the stream in arrival
// order. It is closed when Run returns.
func (c *Connector) Events() <-chan model.Envelope {
	return c.events
}

// Available reports whether the stream is authenticated and live.
func (c *Connector) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// UserID is the identity the server acknowledged in the last handshake.
func (c *Connector) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Connect dials and authenticates. A rejected token yields model.ErrAuth,
// anything else model.ErrNetwork.
func (c *Connector) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.logger.Debug("connecting", "url", c.cfg.URL)

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	userID, err := c.handshake(ctx, conn)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.connected = true
	c.userID = userID
	c.mu.Unlock()

	if old != nil && old != conn {
		old.CloseNow()
	}

	c.logger.Info("push stream authenticated", "user_id", userID)
	return nil
}

func (c *Connector) dialWebsocket(ctx context.Context) (wsConn, error) {
	conn, res, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.Token},
		},
	})
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("transport: dial rejected with %d: %w", res.StatusCode, model.ErrAuth)
		}
		return nil, fmt.Errorf("transport: dialing %s: %w: %w", c.cfg.URL, model.ErrNetwork, err)
	}
	return conn, nil
}

// handshake sends authenticate and waits for the verdict. It reads the
// connection directly; no reader goroutine exists yet.
func (c *Connector) handshake(ctx context.Context, conn wsConn) (string, error) {
	conn.SetReadLimit(readLimit)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if err := c.writeEnvelope(hctx, conn, model.EventAuthenticate, model.AuthenticatePayload{Token: c.cfg.Token}); err != nil {
		conn.Close(websocket.StatusInternalError, "authenticate failed")
		return "", fmt.Errorf("transport: sending authenticate: %w: %w", model.ErrNetwork, err)
	}

	for {
		typ, p, err := conn.Read(hctx)
		if err != nil {
			conn.CloseNow()
			return "", fmt.Errorf("transport: reading auth response: %w: %w", model.ErrNetwork, err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(p, &env); err != nil {
			c.logger.Debug("unparseable frame during handshake", "bytes", len(p))
			continue
		}

		var res model.AuthResultPayload
		_ = json.Unmarshal(env.Data, &res)

		switch env.Event {
		case model.EventAuthenticated:
			return res.UserID, nil
		case model.EventUnauthorized:
			conn.Close(websocket.StatusNormalClosure, "auth failed")
			msg := res.Message
			if msg == "" {
				msg = "unauthorized"
			}
			return "", fmt.Errorf("transport: %s: %w", msg, model.ErrAuth)
		}
	}
}

// Run reads the stream until ctx ends, Close is called, or the stream
// cannot be brought back. It dials first when Connect was not called.
func (c *Connector) Run(ctx context.Context) error {
	defer close(c.events)

	if c.current() == nil {
		if err := c.redial(ctx, false); err != nil {
			return err
		}
	}

	for {
		conn := c.current()
		if conn == nil {
			return ErrClosed
		}
		err := c.readLoop(ctx, conn)
		c.drop(conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrClosed
		}
		if errors.Is(err, model.ErrAuth) {
			return err
		}

		c.logger.Warn("push stream lost, reconnecting", "error", err)

		if err := c.redial(ctx, true); err != nil {
			return err
		}

		if c.cfg.OnReconnect != nil {
			c.cfg.OnReconnect(ctx)
		}
	}
}

// redial connects with exponential backoff. The first attempt is immediate
// unless wait is set.
func (c *Connector) redial(ctx context.Context, wait bool) error {
	backoff := c.cfg.MinBackoff

	for attempt := 1; ; attempt++ {
		if wait {
			jitter := time.Duration(rand.Int64N(int64(backoff)/jitterDivisor + 1)) //nolint:gosec // jitter needs no crypto randomness

			c.logger.Debug("waiting before reconnect",
				"attempt", attempt,
				"backoff", backoff+jitter)

			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-c.closed:
				timer.Stop()
				return ErrClosed
			case <-timer.C:
			}
		}
		wait = true

		err := c.Connect(ctx)
		if err == nil {
			c.cfg.Metrics.ObserveReconnect("success")
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		if errors.Is(err, model.ErrAuth) {
			c.cfg.Metrics.ObserveReconnect("unauthorized")
			return err
		}

		c.cfg.Metrics.ObserveReconnect("failure")
		c.logger.Warn("reconnect failed",
			"attempt", attempt,
			"error", err)

		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			return fmt.Errorf("transport: giving up after %d attempts: %w", attempt, err)
		}

		backoff = min(backoff*backoffMultiplier, c.cfg.MaxBackoff)
	}
}

func (c *Connector) readLoop(ctx context.Context, conn wsConn) error {
	if c.cfg.PingInterval > 0 {
		pingCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.keepalive(pingCtx, conn)
	}

	for {
		typ, p, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("transport: reading frame: %w: %w", model.ErrNetwork, err)
		}

		if typ != websocket.MessageText {
			c.logger.Debug("ignoring binary frame", "bytes", len(p))
			continue
		}

		var env model.Envelope
		if err := json.Unmarshal(p, &env); err != nil || env.Event == "" {
			c.logger.Debug("unparseable frame", "bytes", len(p))
			continue
		}

		switch env.Event {
		case model.EventPong, model.EventAuthenticated:
			continue
		case model.EventPing:
			_ = c.writeEnvelope(ctx, conn, model.EventPong, nil)
			continue
		case model.EventUnauthorized:
			var res model.AuthResultPayload
			_ = json.Unmarshal(env.Data, &res)
			return fmt.Errorf("transport: session rejected %q: %w", res.Message, model.ErrAuth)
		}

		select {
		case c.events <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// keepalive closes conn when a ping goes unanswered so the read loop
// notices a half-open stream.
func (c *Connector) keepalive(ctx context.Context, conn wsConn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("ping failed, closing stream", "error", err)
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// Emit writes one event. It returns model.ErrNotConnected without touching
// the network when the stream is down.
func (c *Connector) Emit(ctx context.Context, event string, payload any) error {
	c.mu.RLock()
	conn, connected, limiter := c.conn, c.connected, c.limiter
	c.mu.RUnlock()

	if !connected || conn == nil {
		return model.ErrNotConnected
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("transport: emit %s throttled: %w", event, err)
		}
	}

	if err := c.writeEnvelope(ctx, conn, event, payload); err != nil {
		return fmt.Errorf("transport: emit %s: %w: %w", event, model.ErrNetwork, err)
	}
	return nil
}

func (c *Connector) writeEnvelope(ctx context.Context, conn wsConn, event string, payload any) error {
	env, err := model.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	p, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, p)
}

func (c *Connector) current() wsConn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Connector) drop(conn wsConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
}

func (c *Connector) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close shuts the stream down. Run returns ErrClosed shortly after.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "bye")
	}
	return nil
}
