package ws

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"orion/pkg/bus"
	"orion/pkg/envelope"
)

const (
	relaySenderID         = "gateway"
	defaultRelayBuffer    = 64
	defaultPublishTimeout = 5 * time.Second
)

// Relay bridges socket peers into the bus. Each connection claims the
// mailbox named by its agent_id query parameter. Peers are pinged every
// PingPeriod and dropped when nothing, pongs included, arrives within
// PongWait.
type Relay struct {
	bus            *bus.MessageBus
	upgrader       websocket.Upgrader
	buffer         int
	publishTimeout time.Duration
	log            *slog.Logger

	PongWait   time.Duration
	PingPeriod time.Duration
}

func NewRelay(mb *bus.MessageBus, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}

	return &Relay{
		bus: mb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are agents, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		buffer:         defaultRelayBuffer,
		publishTimeout: defaultPublishTimeout,
		log:            log.With("component", "transport.websocket.relay"),
		PongWait:       pongWait,
		PingPeriod:     pingPeriod,
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	agentID := strings.TrimSpace(req.URL.Query().Get("agent_id"))
	if agentID == "" {
		http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
		return
	}

	inbox, unsubscribe, err := r.bus.Subscribe(agentID, r.buffer)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, bus.ErrDuplicate) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		unsubscribe()
		r.log.Warn("Upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	log := r.log.With("agent_id", agentID)
	log.Info("Peer connected", "remote_addr", req.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(conn, inbox, log)
	}()

	r.readLoop(conn, agentID, log)

	unsubscribe()
	<-writerDone
	log.Info("Peer disconnected")
}

func (r *Relay) writeLoop(conn *websocket.Conn, inbox <-chan *envelope.Message, log *slog.Logger) {
	ticker := time.NewTicker(r.PingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-inbox:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				return
			}
			data, err := envelope.Encode(msg)
			if err != nil {
				log.Warn("Dropping unencodable message", "message_id", msg.ID, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("Write to peer failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Debug("Ping to peer failed", "error", err)
				return
			}
		}
	}
}

func (r *Relay) readLoop(conn *websocket.Conn, agentID string, log *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(r.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn("Peer went silent", "pong_wait", r.PongWait)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.PongWait))

		msg, err := envelope.Decode(data)
		if err != nil {
			log.Warn("Discarding undecodable message", "error", err)
			continue
		}
		if msg.SenderID != agentID {
			log.Warn("Discarding message with foreign sender", "sender_id", msg.SenderID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
		err = r.bus.Publish(ctx, msg)
		cancel()
		if err != nil {
			log.Warn("Publish failed", "message_id", msg.ID, "target_agent", msg.TargetAgent, "error", err)
			r.reportFailure(msg, err, log)
		}
	}
}

// reportFailure answers an undeliverable message with an error_report so
// requesters do not wait for their full timeout.
func (r *Relay) reportFailure(msg *envelope.Message, cause error, log *slog.Logger) {
	if msg.IsBroadcast() || msg.IsResponse() {
		return
	}

	report, err := msg.Reply(relaySenderID, envelope.TypeErrorReport, map[string]string{"error": cause.Error()})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.publishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, report); err != nil {
		log.Debug("Failed to report publish failure", "error", err)
	}
}
