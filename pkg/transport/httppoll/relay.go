package httppoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"orion/pkg/bus"
	"orion/pkg/envelope"
)

const (
	maxBodyBytes          = 1 << 20
	defaultMaxBatch       = 32
	defaultMaxWait        = 30 * time.Second
	defaultIdleTimeout    = 2 * time.Minute
	defaultPublishTimeout = 5 * time.Second
	defaultPeerBuffer     = 64
)

// Relay is the server side of the polling transport. Peers publish with
// POST and receive by long-polling a mailbox that is claimed on first poll
// and released after IdleTimeout without polls.
type Relay struct {
	bus *bus.MessageBus
	log *slog.Logger

	MaxBatch       int
	MaxWait        time.Duration
	IdleTimeout    time.Duration
	PublishTimeout time.Duration

	mu    sync.Mutex
	peers map[string]*peer
}

type peer struct {
	inbox       <-chan *envelope.Message
	unsubscribe func()
	lastSeen    time.Time
	polling     int
}

type publishResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// CategoryForbidden marks a publish whose sender holds no mailbox here.
const CategoryForbidden = "forbidden"

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}

func NewRelay(mb *bus.MessageBus, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}

	return &Relay{
		bus:            mb,
		log:            log.With("component", "transport.httppoll.relay"),
		MaxBatch:       defaultMaxBatch,
		MaxWait:        defaultMaxWait,
		IdleTimeout:    defaultIdleTimeout,
		PublishTimeout: defaultPublishTimeout,
		peers:          make(map[string]*peer),
	}
}

// Publish accepts one envelope and routes it through the bus. The sender must
// have claimed its polling mailbox first.
func (r *Relay) Publish(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}

	msg, err := envelope.Decode(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if !r.Claimed(msg.SenderID) {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Error:    fmt.Sprintf("sender %q has not claimed a polling mailbox", msg.SenderID),
			Category: CategoryForbidden,
		})
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.PublishTimeout)
	defer cancel()

	if err := r.bus.Publish(ctx, msg); err != nil {
		writeJSON(w, PublishStatus(err), errorResponse{Error: err.Error()})
		return
	}

	r.log.Debug("Message published", "message_id", msg.ID, "sender_id", msg.SenderID, "target_agent", msg.TargetAgent)
	writeJSON(w, http.StatusAccepted, publishResponse{MessageID: msg.ID, Status: "accepted"})
}

// PublishStatus maps a bus publish failure to an HTTP status.
func PublishStatus(err error) int {
	switch {
	case errors.Is(err, envelope.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, bus.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bus.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Poll waits up to the requested duration for messages addressed to the
// agent named by the {id} path value. It answers 204 when nothing arrived.
func (r *Relay) Poll(w http.ResponseWriter, req *http.Request) {
	agentID := strings.TrimSpace(req.PathValue("id"))
	if agentID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent id is required"})
		return
	}

	wait, err := r.parseWait(req.URL.Query().Get("wait"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	p, err := r.acquire(agentID)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, bus.ErrDuplicate) {
			status = http.StatusConflict
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}
	defer r.release(p)

	batch := r.collect(req.Context(), p, wait)
	if len(batch) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

func (r *Relay) parseWait(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return r.MaxWait, nil
	}

	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.New("wait must be a duration or a number of seconds")
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.New("wait must not be negative")
	}
	if wait > r.MaxWait {
		wait = r.MaxWait
	}
	return wait, nil
}

func (r *Relay) acquire(agentID string) (*peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[agentID]
	if !ok {
		inbox, unsubscribe, err := r.bus.Subscribe(agentID, defaultPeerBuffer)
		if err != nil {
			return nil, err
		}
		p = &peer{inbox: inbox, unsubscribe: unsubscribe}
		r.peers[agentID] = p
		r.log.Info("Peer mailbox opened", "agent_id", agentID)
	}

	p.polling++
	p.lastSeen = time.Now()
	return p, nil
}

func (r *Relay) release(p *peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p.polling--
	p.lastSeen = time.Now()
}

func (r *Relay) collect(ctx context.Context, p *peer, wait time.Duration) []*envelope.Message {
	batch := make([]*envelope.Message, 0, 1)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case msg, ok := <-p.inbox:
		if !ok {
			return nil
		}
		batch = append(batch, msg)
	}

	for len(batch) < r.MaxBatch {
		select {
		case msg, ok := <-p.inbox:
			if !ok {
				return batch
			}
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// Sweep releases mailboxes that have not been polled within IdleTimeout and
// returns how many were released.
func (r *Relay) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	released := 0
	for agentID, p := range r.peers {
		if p.polling > 0 || now.Sub(p.lastSeen) < r.IdleTimeout {
			continue
		}
		delete(r.peers, agentID)
		p.unsubscribe()
		released++
		r.log.Info("Peer mailbox expired", "agent_id", agentID)
	}
	return released
}

// Claimed reports whether agentID holds a polling mailbox on this relay.
func (r *Relay) Claimed(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[agentID]
	return ok
}

// Peers returns the number of open polling mailboxes.
func (r *Relay) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Run sweeps idle mailboxes until ctx ends, then releases every mailbox.
func (r *Relay) Run(ctx context.Context) {
	interval := r.IdleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Close()
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for agentID, p := range r.peers {
		delete(r.peers, agentID)
		p.unsubscribe()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
