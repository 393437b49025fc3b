package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"orion/pkg/agent"
	"orion/pkg/bus"
	"orion/pkg/config"
	"orion/pkg/transport"
	"orion/pkg/transport/memory"
	"orion/pkg/transport/queue"
)

type Options struct {
	Config *config.Config
	Bus    *bus.MessageBus
	Logger *slog.Logger
}

// AgentInfo is the registry's view of one agent.
type AgentInfo struct {
	agent.Status
	Module    string    `json:"module,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the registry for the system endpoints.
type Stats struct {
	StartedAt     time.Time           `json:"started_at"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Agents        int                 `json:"agents"`
	ByState       map[agent.State]int `json:"by_state"`
	Kinds         []string            `json:"kinds"`
	Modules       int                 `json:"modules_loaded"`
	Bus           bus.Stats           `json:"bus"`
}

// Registry is the in-memory table of agents, the kinds that can build them
// and the module templates loaded from disk.
type Registry struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	base       *slog.Logger
	log        *slog.Logger
	modulesDir string
	startedAt  time.Time

	newKafka func(queue.Config, *slog.Logger) (transport.Adapter, error)

	mu      sync.RWMutex
	closed  bool
	kinds   map[string]agent.Factory
	modules map[string]*module
	agents  map[string]*entry
}

type entry struct {
	agent     *agent.Agent
	module    string
	createdAt time.Time
}

func New(opts Options) (*Registry, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Registry{
		cfg:        opts.Config,
		bus:        opts.Bus,
		base:       log,
		log:        log.With("component", "registry"),
		modulesDir: opts.Config.Modules.Dir,
		startedAt:  time.Now().UTC(),
		newKafka: func(cfg queue.Config, log *slog.Logger) (transport.Adapter, error) {
			return queue.New(cfg, log)
		},
		kinds:   make(map[string]agent.Factory),
		modules: make(map[string]*module),
		agents:  make(map[string]*entry),
	}, nil
}

// RegisterKind makes a behavior factory available under name.
func (r *Registry) RegisterKind(name string, factory agent.Factory) error {
	name = strings.TrimSpace(name)
	if err := validName(name); err != nil {
		return wrapError(ErrorInvalid, err, "kind name")
	}
	if factory == nil {
		return NewError(ErrorInvalid, "kind %q has no factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[name]; exists {
		return NewError(ErrorConflict, "kind %q is already registered", name)
	}
	r.kinds[name] = factory
	return nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.kinds))
}

// kindSet must be called with r.mu held.
func (r *Registry) kindSet() map[string]bool {
	set := make(map[string]bool, len(r.kinds))
	for name := range r.kinds {
		set[name] = true
	}
	return set
}

// Create builds an agent from spec without starting it. The id is generated
// from the kind when empty.
func (r *Registry) Create(spec config.AgentSpec) (AgentInfo, error) {
	spec.ID = strings.TrimSpace(spec.ID)
	spec.Kind = strings.TrimSpace(spec.Kind)
	spec.Module = strings.TrimSpace(spec.Module)
	spec.Transport = strings.TrimSpace(spec.Transport)

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return AgentInfo{}, wrapError(ErrorInternal, ErrClosed, "create agent")
	}

	resolved, err := r.resolve(spec)
	if err != nil {
		return AgentInfo{}, err
	}

	if resolved.spec.ID == "" {
		resolved.spec.ID = resolved.spec.Kind + "-" + uuid.NewString()[:8]
	}
	if err := validName(resolved.spec.ID); err != nil {
		return AgentInfo{}, wrapError(ErrorInvalid, err, "agent id")
	}

	behavior, err := resolved.factory(resolved.spec.Settings)
	if err != nil {
		return AgentInfo{}, wrapError(ErrorInvalid, err, "build %s behavior", resolved.spec.Kind)
	}

	manager, err := r.buildTransport(resolved.spec.ID, resolved.spec.Transport)
	if err != nil {
		return AgentInfo{}, err
	}

	defaults := r.cfg.Agents.Defaults
	metadata := map[string]string{"transport": resolved.spec.Transport}
	if resolved.spec.Module != "" {
		metadata["module"] = resolved.spec.Module
	}

	a, err := agent.New(agent.Options{
		ID:                resolved.spec.ID,
		Name:              resolved.spec.Name,
		Kind:              resolved.spec.Kind,
		Transport:         manager,
		Events:            r.bus,
		Behavior:          behavior,
		HeartbeatInterval: time.Duration(resolved.heartbeatSeconds) * time.Second,
		HeartbeatTarget:   defaults.HeartbeatTarget,
		InboxSize:         r.cfg.Bus.MailboxSize,
		StopTimeout:       time.Duration(defaults.StopTimeoutSeconds) * time.Second,
		RequestTimeout:    time.Duration(defaults.RequestTimeoutSeconds) * time.Second,
		Logger:            r.base,
		Metadata:          metadata,
	})
	if err != nil {
		return AgentInfo{}, wrapError(ErrorInvalid, err, "create agent")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return AgentInfo{}, wrapError(ErrorInternal, ErrClosed, "create agent")
	}
	if _, exists := r.agents[a.ID()]; exists {
		return AgentInfo{}, NewError(ErrorConflict, "agent %q already exists", a.ID())
	}
	if r.bus.Subscribed(a.ID()) {
		return AgentInfo{}, NewError(ErrorConflict, "agent id %q is held by a remote peer", a.ID())
	}

	e := &entry{agent: a, module: resolved.spec.Module, createdAt: time.Now().UTC()}
	r.agents[a.ID()] = e
	r.log.Info("Agent created", "agent_id", a.ID(), "kind", a.Kind(), "module", e.module, "transport", resolved.spec.Transport)
	return e.info(), nil
}

type resolvedSpec struct {
	spec             config.AgentSpec
	factory          agent.Factory
	heartbeatSeconds int
}

// resolve merges spec with its module template and the agent defaults.
func (r *Registry) resolve(spec config.AgentSpec) (resolvedSpec, error) {
	out := resolvedSpec{spec: spec, heartbeatSeconds: r.cfg.Agents.Defaults.HeartbeatSeconds}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if spec.Module != "" {
		mod, ok := r.modules[spec.Module]
		if !ok {
			return out, NewError(ErrorNotFound, "module %q is not loaded", spec.Module)
		}
		manifest := mod.manifest
		if spec.Kind != "" && spec.Kind != manifest.Kind {
			return out, NewError(ErrorInvalid, "kind %q conflicts with module %q kind %q", spec.Kind, spec.Module, manifest.Kind)
		}
		out.spec.Kind = manifest.Kind
		if out.spec.Transport == "" {
			out.spec.Transport = manifest.Transport
		}
		if manifest.HeartbeatSeconds > 0 {
			out.heartbeatSeconds = manifest.HeartbeatSeconds
		}
		settings := maps.Clone(manifest.Settings)
		if settings == nil {
			settings = make(map[string]any)
		}
		maps.Copy(settings, spec.Settings)
		out.spec.Settings = settings
		if out.spec.Name == "" {
			out.spec.Name = manifest.Name
		}
	}

	if out.spec.Kind == "" {
		return out, NewError(ErrorInvalid, "kind or module is required")
	}
	factory, ok := r.kinds[out.spec.Kind]
	if !ok {
		return out, NewError(ErrorInvalid, "unknown kind %q", out.spec.Kind)
	}
	out.factory = factory

	if out.spec.Transport == "" {
		out.spec.Transport = r.cfg.Agents.Defaults.Transport
	}
	if !config.ValidTransport(out.spec.Transport) {
		return out, NewError(ErrorInvalid, "transport %q is not supported", out.spec.Transport)
	}
	return out, nil
}

func (r *Registry) buildTransport(agentID string, name string) (*transport.Manager, error) {
	manager := transport.NewManager(r.base)

	var adapter transport.Adapter
	var err error
	switch name {
	case config.TransportMemory:
		adapter, err = memory.New(r.bus, agentID, r.cfg.Bus.MailboxSize, r.base)
	case config.TransportKafka:
		kafkaCfg := r.cfg.Transports.Kafka
		if !kafkaCfg.Enabled {
			return nil, NewError(ErrorInvalid, "kafka transport is not enabled")
		}
		adapter, err = r.newKafka(queue.Config{
			BootstrapServers: kafkaCfg.BootstrapServers,
			Topic:            kafkaCfg.Topic,
			AgentID:          agentID,
			GroupPrefix:      kafkaCfg.GroupPrefix,
		}, r.base)
	default:
		return nil, NewError(ErrorInvalid, "transport %q is not supported", name)
	}
	if err != nil {
		return nil, wrapError(ErrorInvalid, err, "build %s transport", name)
	}

	if err := manager.Add(adapter); err != nil {
		return nil, wrapError(ErrorInternal, err, "register %s transport", name)
	}
	return manager, nil
}

func (e *entry) info() AgentInfo {
	return AgentInfo{Status: e.agent.Status(), Module: e.module, CreatedAt: e.createdAt}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[strings.TrimSpace(id)]
	if !ok {
		return nil, NewError(ErrorNotFound, "agent %q not found", id)
	}
	return e, nil
}

func (r *Registry) Get(id string) (AgentInfo, error) {
	e, err := r.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}
	return e.info(), nil
}

// Agent returns the live agent for id.
func (r *Registry) Agent(id string) (*agent.Agent, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.agent, nil
}

// List returns every agent sorted by id.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.agents))
	for _, e := range r.agents {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.info())
	}
	slices.SortFunc(out, func(a, b AgentInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Registry) Start(ctx context.Context, id string) (AgentInfo, error) {
	e, err := r.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}

	if err := e.agent.Start(ctx); err != nil {
		if errors.Is(err, agent.ErrInvalidTransition) {
			return AgentInfo{}, wrapError(ErrorConflict, err, "start agent %q", id)
		}
		return AgentInfo{}, wrapError(ErrorInternal, err, "start agent %q", id)
	}
	return e.info(), nil
}

func (r *Registry) Stop(id string) (AgentInfo, error) {
	e, err := r.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}

	if err := e.agent.Stop(0); err != nil {
		return AgentInfo{}, wrapError(ErrorInternal, err, "stop agent %q", id)
	}
	return e.info(), nil
}

// Delete stops the agent when it is running and removes it from the table.
// An agent whose last run has not exited yet is kept and reported as a
// conflict.
func (r *Registry) Delete(id string) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	if err := e.agent.Stop(0); err != nil {
		return wrapError(ErrorInternal, err, "stop agent %q", id)
	}
	if done := e.agent.Done(); done != nil {
		select {
		case <-done:
		default:
			return NewError(ErrorConflict, "agent %q is still shutting down", id)
		}
	}

	r.mu.Lock()
	if current, ok := r.agents[e.agent.ID()]; ok && current == e {
		delete(r.agents, e.agent.ID())
	}
	r.mu.Unlock()

	r.log.Info("Agent deleted", "agent_id", e.agent.ID())
	return nil
}

func (r *Registry) Stats() Stats {
	agents := r.List()

	r.mu.RLock()
	modules := len(r.modules)
	r.mu.RUnlock()

	stats := Stats{
		StartedAt:     r.startedAt,
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		Agents:        len(agents),
		ByState:       make(map[agent.State]int),
		Kinds:         r.Kinds(),
		Modules:       modules,
		Bus:           r.bus.Stats(),
	}
	for _, info := range agents {
		stats.ByState[info.State]++
	}
	return stats
}

// Open reports whether the registry still accepts work.
func (r *Registry) Open() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.closed
}

// Autostart loads the preload modules and creates and starts the agents
// listed in the config. Every failure is reported; one failure does not
// prevent the rest.
func (r *Registry) Autostart(ctx context.Context) error {
	var errs []error

	for _, name := range r.cfg.Modules.Preload {
		if _, err := r.Load(name); err != nil {
			errs = append(errs, err)
		}
	}

	for _, spec := range r.cfg.Agents.Autostart {
		info, err := r.Create(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("autostart %s: %w", describe(spec), err))
			continue
		}
		if _, err := r.Start(ctx, info.ID); err != nil {
			errs = append(errs, fmt.Errorf("autostart %s: %w", info.ID, err))
		}
	}

	return errors.Join(errs...)
}

func describe(spec config.AgentSpec) string {
	switch {
	case spec.ID != "":
		return spec.ID
	case spec.Module != "":
		return "module " + spec.Module
	default:
		return "kind " + spec.Kind
	}
}

// Close stops every agent concurrently and refuses further work.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	agents := make([]*agent.Agent, 0, len(r.agents))
	for _, e := range r.agents {
		agents = append(agents, e.agent)
	}
	r.mu.Unlock()

	errCh := make(chan error, len(agents))
	var wg sync.WaitGroup
	for _, a := range agents {
		wg.Add(1)
		go func(a *agent.Agent) {
			defer wg.Done()
			if err := a.Stop(0); err != nil {
				errCh <- fmt.Errorf("stop agent %s: %w", a.ID(), err)
			}
		}(a)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		r.log.Info("Registry closed", "agents", len(agents))
	}
	return errors.Join(errs...)
}
