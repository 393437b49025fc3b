package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const (
	adapterName = "websocket"

	defaultHandshakeTimeout = 10 * time.Second
	defaultInitialBackoff   = 500 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	writeTimeout            = 10 * time.Second
	pongWait                = 60 * time.Second
	pingPeriod              = 30 * time.Second
)

var ErrNotConnected = errors.New("websocket not connected")

// Config locates the gateway relay and tunes reconnects.
type Config struct {
	URL              string
	AgentID          string
	HandshakeTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// Adapter is the client side of the socket relay. It keeps one connection
// open per agent and reconnects with exponential backoff.
type Adapter struct {
	cfg    Config
	target string
	dialer *websocket.Dialer
	log    *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	writeMu sync.Mutex
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	target, err := relayURL(cfg.URL, cfg.AgentID)
	if err != nil {
		return nil, err
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:    cfg,
		target: target,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		log:    log.With("component", "transport.websocket", "agent_id", cfg.AgentID),
	}, nil
}

// relayURL adds the agent_id query parameter and maps http schemes to ws.
func relayURL(raw string, agentID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("relay url host is required")
	}

	query := u.Query()
	query.Set("agent_id", agentID)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (a *Adapter) Name() string {
	return adapterName
}

// Open dials the relay once so Send works as soon as the agent is running.
func (a *Adapter) Open(ctx context.Context) error {
	a.mu.Lock()
	a.closed = false
	connected := a.conn != nil
	a.mu.Unlock()
	if connected {
		return nil
	}

	_, err := a.connect(ctx)
	return err
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.closed = true
	a.mu.Unlock()

	if conn == nil {
		return nil
	}

	a.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	a.writeMu.Unlock()
	return conn.Close()
}

func (a *Adapter) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := a.dialer.DialContext(ctx, a.target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return nil, ErrNotConnected
	}
	previous := a.conn
	a.conn = conn
	a.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	a.log.Info("Connected to relay", "url", a.target)
	return conn, nil
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) drop(conn *websocket.Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
	_ = conn.Close()
}

func (a *Adapter) Send(ctx context.Context, msg *envelope.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}

	conn := a.current()
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Run reads envelopes until ctx ends, reconnecting with exponential backoff
// whenever the connection drops.
func (a *Adapter) Run(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	stop := context.AfterFunc(ctx, func() {
		if conn := a.current(); conn != nil {
			_ = conn.Close()
		}
	})
	defer stop()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.cfg.InitialBackoff
	policy.MaxInterval = a.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn := a.current()
		if conn == nil {
			var err error
			conn, err = a.connect(ctx)
			if err != nil {
				if ctx.Err() != nil || a.isClosed() {
					return nil
				}
				wait := policy.NextBackOff()
				a.log.Warn("Relay connection failed", "error", err, "retry_in", wait)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
				continue
			}
			if ctx.Err() != nil {
				a.drop(conn)
				return nil
			}
		}
		policy.Reset()

		pingCtx, cancelPing := context.WithCancel(ctx)
		go a.pinger(pingCtx, conn)
		err := a.readLoop(ctx, conn, handler)
		cancelPing()
		a.drop(conn)

		if ctx.Err() != nil || a.isClosed() {
			return nil
		}
		a.log.Warn("Relay connection lost", "error", err)
	}
}

func (a *Adapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, handler transport.Handler) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := envelope.Decode(data)
		if err != nil {
			a.log.Warn("Discarding undecodable message", "error", err)
			continue
		}
		if err := handler(ctx, msg); err != nil {
			a.log.Warn("Handler failed", "message_id", msg.ID, "message_type", msg.Type, "error", err)
		}
	}
}

func (a *Adapter) pinger(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			a.writeMu.Unlock()
			if err != nil {
				a.log.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}
