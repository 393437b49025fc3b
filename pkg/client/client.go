// Package client is a typed client for the gateway's management API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"orion/pkg/envelope"
	"orion/pkg/gateway"
	"orion/pkg/registry"
)

// APIError is a non-success response from the gateway.
type APIError struct {
	StatusCode int
	Category   string
	Message    string
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("gateway returned %d (%s): %s", e.StatusCode, e.Category, e.Message)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Health is the body of the health endpoints.
type Health struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Agents        int            `json:"agents"`
	Bridges       map[string]any `json:"bridges,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the gateway at baseURL. Requests are bounded by
// their context only unless httpClient carries a timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    httpClient,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, http.MethodGet, "/v1/system/health", nil, &out)
	return out, err
}

// Ready returns nil once the gateway reports ready.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

// WaitReady polls /readyz with exponential backoff until it succeeds or ctx
// ends.
func (c *Client) WaitReady(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		return c.Ready(ctx)
	}, backoff.WithContext(policy, ctx))
}

func (c *Client) Stats(ctx context.Context) (gateway.SystemStats, error) {
	var out gateway.SystemStats
	err := c.do(ctx, http.MethodGet, "/v1/system/stats", nil, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]registry.AgentInfo, error) {
	var out []registry.AgentInfo
	err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &out)
	return out, err
}

func (c *Client) GetAgent(ctx context.Context, id string) (registry.AgentInfo, error) {
	var out registry.AgentInfo
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) CreateAgent(ctx context.Context, req gateway.CreateAgentRequest) (registry.AgentInfo, error) {
	var out registry.AgentInfo
	err := c.do(ctx, http.MethodPost, "/v1/agents", req, &out)
	return out, err
}

func (c *Client) StartAgent(ctx context.Context, id string) (registry.AgentInfo, error) {
	var out registry.AgentInfo
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/start", nil, &out)
	return out, err
}

func (c *Client) StopAgent(ctx context.Context, id string) (registry.AgentInfo, error) {
	var out registry.AgentInfo
	err := c.do(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

func (c *Client) DeleteAgent(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListModules(ctx context.Context) ([]registry.ModuleInfo, error) {
	var out []registry.ModuleInfo
	err := c.do(ctx, http.MethodGet, "/v1/modules", nil, &out)
	return out, err
}

func (c *Client) LoadModule(ctx context.Context, name string) (registry.ModuleInfo, error) {
	var out registry.ModuleInfo
	err := c.do(ctx, http.MethodPost, "/v1/modules/"+url.PathEscape(name)+"/load", nil, &out)
	return out, err
}

func (c *Client) ReloadModule(ctx context.Context, name string) (registry.ModuleInfo, error) {
	var out registry.ModuleInfo
	err := c.do(ctx, http.MethodPost, "/v1/modules/"+url.PathEscape(name)+"/reload", nil, &out)
	return out, err
}

// Publish hands one envelope to the gateway for routing.
func (c *Client) Publish(ctx context.Context, msg *envelope.Message) error {
	data, err := envelope.Encode(msg)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/v1/messages", json.RawMessage(data), nil)
}

// Poll waits up to wait for envelopes addressed to agentID. The first poll
// claims the mailbox, so call it once before publishing requests whose
// responses should come back here.
func (c *Client) Poll(ctx context.Context, agentID string, wait time.Duration) ([]*envelope.Message, error) {
	path := fmt.Sprintf("/v1/agents/%s/messages?wait=%s", url.PathEscape(agentID), url.QueryEscape(wait.String()))

	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}

	out := make([]*envelope.Message, 0, len(raw))
	for _, item := range raw {
		msg, err := envelope.Decode(item)
		if err != nil {
			return nil, fmt.Errorf("decode polled message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error    string `json:"error"`
		Category string `json:"category"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Category = body.Category
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Status
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
