package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"orion/pkg/bus"
	"orion/pkg/config"
	"orion/pkg/registry"
	"orion/pkg/transport/httppoll"
	"orion/pkg/transport/ws"
)

const (
	// SenderID is stamped on envelopes the gateway itself originates.
	SenderID = "gateway"

	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Config   *config.Config
	Registry *registry.Registry
	Bus      *bus.MessageBus
	Bridges  []Bridge
	Logger   *slog.Logger
}

// Service serves the management API and the remote-peer relays, and runs the
// background loops that hang off the bus.
type Service struct {
	cfg      *config.Config
	registry *registry.Registry
	bus      *bus.MessageBus
	base     *slog.Logger
	log      *slog.Logger
	poll     *httppoll.Relay
	sockets  *ws.Relay
	bridges  []Bridge
	now      func() time.Time

	mu           sync.RWMutex
	startedAt    time.Time
	listening    bool
	bridgeStates map[string]bridgeState
}

type bridgeState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

func NewService(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	states := make(map[string]bridgeState, len(opts.Bridges))
	for _, bridge := range opts.Bridges {
		states[bridge.Name()] = bridgeState{}
	}

	return &Service{
		cfg:          opts.Config,
		registry:     opts.Registry,
		bus:          opts.Bus,
		base:         log,
		log:          log.With("component", "gateway.service"),
		poll:         httppoll.NewRelay(opts.Bus, log),
		sockets:      ws.NewRelay(opts.Bus, log),
		bridges:      opts.Bridges,
		now:          time.Now,
		startedAt:    time.Now().UTC(),
		bridgeStates: states,
	}, nil
}

// Run listens on the configured gateway address until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = config.DefaultGatewayHost
	}
	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = config.DefaultGatewayPort
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve runs the gateway on listener. When ctx ends, or a bridge or the
// server fails, it shuts everything down and closes the registry.
func (s *Service) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	errCh := make(chan error, len(s.bridges)+1)

	var wg sync.WaitGroup
	wg.Go(func() { observeEvents(ctx, s.bus, s.base) })
	wg.Go(func() { s.poll.Run(ctx) })
	if s.cfg.Status.Enabled {
		wg.Go(func() { s.runStatus(ctx) })
	}
	for _, bridge := range s.bridges {
		wg.Go(func() {
			if err := s.runBridge(ctx, bridge); err != nil {
				errCh <- err
			}
		})
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()

	s.setListening(true)
	s.log.Info("Gateway started", "address", listener.Addr().String(), "bridges", len(s.bridges), "status_broadcast", s.cfg.Status.Enabled)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.setListening(false)
	// Cancelling first releases the long-poll mailboxes so Shutdown does not
	// wait on parked requests.
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
	}
	wg.Wait()

	if err := s.registry.Close(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close registry: %w", err))
	}
	s.log.Info("Gateway stopped")
	return runErr
}

func (s *Service) setListening(listening bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening = listening
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listening && s.registry.Open()
}

func (s *Service) uptime() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startedAt).Seconds()
}

func (s *Service) setBridgeState(name string, state bridgeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bridgeStates[name] = state
}

func (s *Service) bridgeSnapshot() map[string]bridgeState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]bridgeState, len(s.bridgeStates))
	for name, state := range s.bridgeStates {
		out[name] = state
	}
	return out
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
