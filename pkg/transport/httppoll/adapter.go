package httppoll

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
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const (
	adapterName        = "httppoll"
	defaultPollWait    = 25 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultBackoffBase = 500 * time.Millisecond
)

// Config locates the gateway and the agent's mailbox.
type Config struct {
	BaseURL    string
	AgentID    string
	PollWait   time.Duration
	MaxBackoff time.Duration
	HTTPClient *http.Client
}

// StatusError reports a non-success response from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned status %d: %s", e.StatusCode, e.Message)
}

// Adapter is the client side of the polling relay.
type Adapter struct {
	cfg     Config
	baseURL string
	client  *http.Client
	log     *slog.Logger

	mu      sync.Mutex
	pending []*envelope.Message
}

func New(cfg Config, log *slog.Logger) (*Adapter, error) {
	cfg.AgentID = strings.TrimSpace(cfg.AgentID)
	if cfg.AgentID == "" {
		return nil, errors.New("agent id is required")
	}

	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base url scheme %q", base.Scheme)
	}

	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	client := cfg.HTTPClient
	if client == nil {
		// Leave room for the server-side wait.
		client = &http.Client{Timeout: cfg.PollWait + 10*time.Second}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:     cfg,
		baseURL: strings.TrimRight(base.String(), "/"),
		client:  client,
		log:     log.With("component", "transport.httppoll", "agent_id", cfg.AgentID),
	}, nil
}

func (a *Adapter) Name() string {
	return adapterName
}

// Open claims the mailbox with a zero-wait poll. Anything already queued is
// kept for the first Run iteration.
func (a *Adapter) Open(ctx context.Context) error {
	batch, err := a.poll(ctx, 0)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pending = append(a.pending, batch...)
	a.mu.Unlock()
	return nil
}

// Close is a no-op; the relay expires idle mailboxes.
func (a *Adapter) Close() error {
	return nil
}

func (a *Adapter) Send(ctx context.Context, msg *envelope.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return readStatusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Run long-polls the mailbox until ctx ends. Failed polls back off
// exponentially up to MaxBackoff.
func (a *Adapter) Run(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	a.dispatch(ctx, pending, handler)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = defaultBackoffBase
	policy.MaxInterval = a.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := a.poll(ctx, a.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := policy.NextBackOff()
			a.log.Warn("Poll failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		a.dispatch(ctx, batch, handler)
	}
}

func (a *Adapter) dispatch(ctx context.Context, batch []*envelope.Message, handler transport.Handler) {
	for _, msg := range batch {
		if err := handler(ctx, msg); err != nil {
			a.log.Warn("Handler failed", "message_id", msg.ID, "message_type", msg.Type, "error", err)
		}
	}
}

func (a *Adapter) poll(ctx context.Context, wait time.Duration) ([]*envelope.Message, error) {
	endpoint := fmt.Sprintf("%s/v1/agents/%s/messages?wait=%s",
		a.baseURL, url.PathEscape(a.cfg.AgentID), url.QueryEscape(wait.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll messages: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, readStatusError(resp)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}

	batch := make([]*envelope.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := envelope.Decode(item)
		if err != nil {
			a.log.Warn("Discarding undecodable message", "error", err)
			continue
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

func readStatusError(resp *http.Response) error {
	var payload errorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
}
