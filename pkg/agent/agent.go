package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"orion/pkg/bus"
	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const (
	defaultInboxSize      = 64
	defaultStopTimeout    = 5 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// Behavior is the agent-specific part of an agent. Init registers handlers
// and runs once per Start; Close runs once per Stop.
type Behavior interface {
	Init(ctx context.Context, a *Agent) error
	Close(ctx context.Context) error
}

// HandlerFunc handles one message. A non-nil reply is sent through the
// agent's transport.
type HandlerFunc func(ctx context.Context, msg *envelope.Message) (*envelope.Message, error)

type Options struct {
	ID   string
	Name string
	Kind string

	Transport *transport.Manager
	// Events receives lifecycle and dispatch events. Optional.
	Events   *bus.MessageBus
	Behavior Behavior

	HeartbeatInterval time.Duration
	HeartbeatTarget   string

	InboxSize      int
	StopTimeout    time.Duration
	RequestTimeout time.Duration

	Logger   *slog.Logger
	Metadata map[string]string
}

// Agent owns a transport, a handler table and the goroutines that connect
// them between Start and Stop.
type Agent struct {
	id       string
	name     string
	kind     string
	metadata map[string]string

	transport *transport.Manager
	events    *bus.MessageBus
	behavior  Behavior
	log       *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTarget   string
	inboxSize         int
	stopTimeout       time.Duration
	requestTimeout    time.Duration

	mu        sync.RWMutex
	state     State
	lastErr   error
	runErr    error
	startedAt time.Time
	stoppedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	handlers  map[envelope.MessageType]HandlerFunc
	fallback  HandlerFunc

	waitersMu sync.Mutex
	waiters   map[string]chan *envelope.Message

	received   atomic.Int64
	sent       atomic.Int64
	handled    atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	heartbeats atomic.Int64
}

func New(opts Options) (*Agent, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, errors.New("agent id is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport manager is required")
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = id
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	a := &Agent{
		id:                id,
		name:              name,
		kind:              strings.TrimSpace(opts.Kind),
		metadata:          maps.Clone(opts.Metadata),
		transport:         opts.Transport,
		events:            opts.Events,
		behavior:          opts.Behavior,
		log:               log.With("component", "agent.runtime", "agent_id", id),
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTarget:   strings.TrimSpace(opts.HeartbeatTarget),
		inboxSize:         opts.InboxSize,
		stopTimeout:       opts.StopTimeout,
		requestTimeout:    opts.RequestTimeout,
		state:             StateIdle,
		handlers:          make(map[envelope.MessageType]HandlerFunc),
	}
	if a.inboxSize <= 0 {
		a.inboxSize = defaultInboxSize
	}
	if a.stopTimeout <= 0 {
		a.stopTimeout = defaultStopTimeout
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = defaultRequestTimeout
	}

	return a, nil
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Name() string { return a.name }
func (a *Agent) Kind() string { return a.kind }

// Logger returns the agent's logger for use by behaviors.
func (a *Agent) Logger() *slog.Logger { return a.log }

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Done is closed once the goroutines of the current run have exited. It is
// nil before the first Start.
func (a *Agent) Done() <-chan struct{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.done
}

// Start initializes the behavior, opens the transport and launches the
// receive, dispatch and heartbeat loops. The run outlives ctx; only Stop or
// a runtime failure ends it.
func (a *Agent) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.mu.Lock()
	if !a.state.CanStart() {
		from := a.state
		a.mu.Unlock()
		return transitionError(from, StateStarting)
	}
	if a.done != nil {
		select {
		case <-a.done:
		default:
			a.mu.Unlock()
			return fmt.Errorf("%w: previous run has not exited", ErrInvalidTransition)
		}
	}
	a.state = StateStarting
	a.lastErr = nil
	a.runErr = nil
	a.mu.Unlock()
	a.emitState(StateStarting, nil)

	if a.behavior != nil {
		if err := a.behavior.Init(ctx, a); err != nil {
			return a.failStart(fmt.Errorf("init behavior: %w", err))
		}
	}

	if err := a.transport.Open(ctx); err != nil {
		if a.behavior != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.stopTimeout)
			_ = a.behavior.Close(closeCtx)
			cancel()
		}
		return a.failStart(fmt.Errorf("open transport: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inbox := make(chan *envelope.Message, a.inboxSize)
	done := make(chan struct{})

	a.waitersMu.Lock()
	a.waiters = make(map[string]chan *envelope.Message)
	a.waitersMu.Unlock()

	a.mu.Lock()
	a.cancel = cancel
	a.done = done
	a.startedAt = time.Now().UTC()
	a.stoppedAt = time.Time{}
	a.state = StateRunning
	a.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.receiveLoop(runCtx, cancel, inbox)
	}()
	go func() {
		defer wg.Done()
		a.dispatchLoop(runCtx, inbox)
	}()
	if a.heartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.heartbeatLoop(runCtx)
		}()
	}
	go a.supervise(&wg, done)

	a.log.Info("Agent started", "kind", a.kind, "transports", a.transport.Names())
	a.emitState(StateRunning, nil)
	return nil
}

func (a *Agent) failStart(err error) error {
	a.mu.Lock()
	a.state = StateError
	a.lastErr = err
	a.mu.Unlock()

	a.log.Error("Agent failed to start", "error", err)
	a.emitState(StateError, err)
	return err
}

// Stop cancels the run, closes the behavior and waits up to timeout for the
// background loops to exit. Stopping an agent that is not running is a no-op.
func (a *Agent) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = a.stopTimeout
	}

	a.mu.Lock()
	if a.state != StateRunning {
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopping
	cancel, done := a.cancel, a.done
	a.mu.Unlock()
	a.emitState(StateStopping, nil)

	cancel()

	ctx, cancelWait := context.WithTimeout(context.Background(), timeout)
	defer cancelWait()

	var closeErr error
	if a.behavior != nil {
		if err := a.behavior.Close(ctx); err != nil {
			closeErr = fmt.Errorf("close behavior: %w", err)
		}
	}

	select {
	case <-done:
	case <-ctx.Done():
		err := fmt.Errorf("%w after %s", ErrStopTimeout, timeout)
		a.mu.Lock()
		a.state = StateError
		a.lastErr = err
		a.mu.Unlock()
		a.log.Error("Agent did not stop in time", "timeout", timeout)
		a.emitState(StateError, err)
		return err
	}

	if closeErr != nil {
		a.mu.Lock()
		a.lastErr = closeErr
		a.mu.Unlock()
	}
	return closeErr
}

// supervise waits for the run's goroutines, tears the run down and settles
// the final state before closing done.
func (a *Agent) supervise(wg *sync.WaitGroup, done chan struct{}) {
	wg.Wait()

	transportErr := a.transport.Close()
	a.closeWaiters()

	a.mu.Lock()
	from := a.state
	var final State
	var finalErr error
	switch from {
	case StateStopping:
		final = StateStopped
	case StateRunning:
		final = StateError
		finalErr = a.runErr
		if finalErr == nil {
			finalErr = errors.New("receive loop exited")
		}
		a.lastErr = finalErr
	}
	if final != "" {
		a.state = final
	}
	a.stoppedAt = time.Now().UTC()
	a.mu.Unlock()

	if transportErr != nil {
		a.log.Warn("Transport close failed", "error", transportErr)
	}

	if final == StateError && a.behavior != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.stopTimeout)
		if err := a.behavior.Close(ctx); err != nil {
			a.log.Warn("Behavior close failed", "error", err)
		}
		cancel()
	}

	switch final {
	case StateStopped:
		a.log.Info("Agent stopped")
		a.emitState(StateStopped, nil)
	case StateError:
		a.log.Error("Agent runtime failed", "error", finalErr)
		a.emitState(StateError, finalErr)
	}

	close(done)
}

func (a *Agent) receiveLoop(ctx context.Context, cancel context.CancelFunc, inbox chan<- *envelope.Message) {
	err := a.transport.Run(ctx, func(ctx context.Context, msg *envelope.Message) error {
		return a.receive(ctx, inbox, msg)
	})
	if ctx.Err() != nil {
		return
	}

	if err == nil {
		err = errors.New("transport stopped receiving")
	}
	a.mu.Lock()
	if a.runErr == nil {
		a.runErr = err
	}
	a.mu.Unlock()
	cancel()
}

func (a *Agent) emitState(state State, err error) {
	event := bus.Event{
		Type:    bus.EventAgentState,
		AgentID: a.id,
		State:   string(state),
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.emit(event)
}

func (a *Agent) emit(event bus.Event) {
	if a.events == nil {
		return
	}
	a.events.PublishEvent(context.Background(), event)
}
