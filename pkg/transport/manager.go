package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"orion/pkg/envelope"
)

var (
	ErrNoAdapter        = errors.New("no adapter configured")
	ErrUnknownAdapter   = errors.New("unknown adapter")
	ErrDuplicateAdapter = errors.New("adapter already registered")
)

// Manager owns the adapters of one agent. Every outgoing envelope is handed
// to exactly one adapter: the route registered for its target, otherwise the
// default adapter.
type Manager struct {
	log *slog.Logger

	mu          sync.RWMutex
	adapters    map[string]Adapter
	order       []string
	defaultName string
	routes      map[string]string
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}

	return &Manager{
		log:      log.With("component", "transport.manager"),
		adapters: make(map[string]Adapter),
		routes:   make(map[string]string),
	}
}

// Add registers an adapter. The first adapter added becomes the default.
func (m *Manager) Add(adapter Adapter) error {
	if adapter == nil {
		return errors.New("adapter is required")
	}
	name := adapter.Name()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, name)
	}

	m.adapters[name] = adapter
	m.order = append(m.order, name)
	if m.defaultName == "" {
		m.defaultName = name
	}
	return nil
}

func (m *Manager) SetDefault(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.adapters[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	m.defaultName = name
	return nil
}

// Route pins envelopes for target to the named adapter.
func (m *Manager) Route(target string, adapterName string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("route target is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.adapters[adapterName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterName)
	}
	m.routes[target] = adapterName
	return nil
}

// Names returns the registered adapter names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Select reports which adapter Send would use for msg.
func (m *Manager) Select(msg *envelope.Message) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	name := m.defaultName
	if routed, ok := m.routes[msg.TargetAgent]; ok && msg.TargetAgent != "" {
		name = routed
	}
	if name == "" {
		return nil, ErrNoAdapter
	}

	adapter, ok := m.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
	return adapter, nil
}

func (m *Manager) Send(ctx context.Context, msg *envelope.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	adapter, err := m.Select(msg)
	if err != nil {
		return err
	}

	if err := adapter.Send(ctx, msg); err != nil {
		return fmt.Errorf("send via %s: %w", adapter.Name(), err)
	}

	m.log.Debug("Message sent",
		"adapter", adapter.Name(),
		"message_id", msg.ID,
		"message_type", msg.Type,
		"target_agent", msg.TargetAgent,
	)
	return nil
}

// Open opens every adapter implementing Opener. On failure the adapters that
// were already opened are closed again.
func (m *Manager) Open(ctx context.Context) error {
	m.mu.RLock()
	adapters := m.ordered()
	m.mu.RUnlock()

	opened := make([]Opener, 0, len(adapters))
	for _, adapter := range adapters {
		opener, ok := adapter.(Opener)
		if !ok {
			continue
		}
		if err := opener.Open(ctx); err != nil {
			for _, prev := range opened {
				_ = prev.Close()
			}
			return fmt.Errorf("open %s adapter: %w", adapter.Name(), err)
		}
		opened = append(opened, opener)
	}
	return nil
}

// Close closes every adapter implementing Opener and returns the joined errors.
func (m *Manager) Close() error {
	m.mu.RLock()
	adapters := m.ordered()
	m.mu.RUnlock()

	var errs []error
	for _, adapter := range adapters {
		if opener, ok := adapter.(Opener); ok {
			if err := opener.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s adapter: %w", adapter.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ordered() []Adapter {
	adapters := make([]Adapter, 0, len(m.order))
	for _, name := range m.order {
		adapters = append(adapters, m.adapters[name])
	}
	return adapters
}

// Run starts every adapter's receive loop and blocks until ctx ends or one
// of them fails. The first failure cancels the others.
func (m *Manager) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	m.mu.RLock()
	adapters := m.ordered()
	m.mu.RUnlock()

	if len(adapters) == 0 {
		return ErrNoAdapter
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(adapters))
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter Adapter) {
			defer wg.Done()
			if err := adapter.Run(runCtx, handler); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s adapter: %w", adapter.Name(), err)
				cancel()
			}
		}(adapter)
	}

	wg.Wait()
	close(errCh)

	if err, ok := <-errCh; ok {
		return err
	}
	return nil
}
