package kinds

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"orion/pkg/agent"
	"orion/pkg/bus"
	"orion/pkg/config"
	"orion/pkg/envelope"
	"orion/pkg/provider"
	providertypes "orion/pkg/provider/types"
	"orion/pkg/transport"
	"orion/pkg/transport/memory"
)

func startAgent(t *testing.T, mb *bus.MessageBus, id string, behavior agent.Behavior) *agent.Agent {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	manager := transport.NewManager(log)
	adapter, err := memory.New(mb, id, 16, log)
	if err != nil {
		t.Fatalf("memory.New error: %v", err)
	}
	if err := manager.Add(adapter); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	a, err := agent.New(agent.Options{ID: id, Transport: manager, Behavior: behavior, Logger: log})
	if err != nil {
		t.Fatalf("agent.New error: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(time.Second) })
	return a
}

func request(t *testing.T, mb *bus.MessageBus, target string, msgType envelope.MessageType, content any, opts ...envelope.Option) *envelope.Message {
	t.Helper()

	inbox, unsubscribe, err := mb.Subscribe("client", 4)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	opts = append(opts, envelope.WithTarget(target), envelope.WithCorrelationID("corr"))
	msg, err := envelope.New(msgType, "client", content, opts...)
	if err != nil {
		t.Fatalf("envelope.New error: %v", err)
	}
	if err := mb.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	select {
	case resp := <-inbox:
		if resp.CorrelationID != "corr" {
			t.Fatalf("correlation_id = %q, want corr", resp.CorrelationID)
		}
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestBuiltinKinds(t *testing.T) {
	factories := Builtin(config.ProvidersConfig{})
	for _, kind := range []string{KindEcho, KindMonitor, KindAssistant} {
		if factories[kind] == nil {
			t.Fatalf("missing factory for %s", kind)
		}
	}
}

func TestEchoRepliesWithPayload(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	behavior, err := NewEcho(nil)
	if err != nil {
		t.Fatalf("NewEcho error: %v", err)
	}
	startAgent(t, mb, "echo", behavior)

	resp := request(t, mb, "echo", envelope.TypeTaskRequest, map[string]int{"n": 1})
	if resp.Type != envelope.TypeTaskResponse || string(resp.Content) != `{"n":1}` {
		t.Fatalf("response = %s content=%s", resp, resp.Content)
	}
}

func TestEchoPrefixesText(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	behavior, err := NewEcho(map[string]any{"prefix": "echo: "})
	if err != nil {
		t.Fatalf("NewEcho error: %v", err)
	}
	startAgent(t, mb, "echo", behavior)

	resp := request(t, mb, "echo", envelope.TypeAgentCommunication, "hello")
	var text string
	if err := resp.DecodeContent(&text); err != nil {
		t.Fatalf("DecodeContent error: %v", err)
	}
	if text != "echo: hello" {
		t.Fatalf("text = %q, want %q", text, "echo: hello")
	}
}

func TestMonitorTracksHeartbeats(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	behavior, err := NewMonitor(map[string]any{"stale_after_seconds": 60})
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	monitor := behavior.(*Monitor)
	startAgent(t, mb, "monitor", monitor)

	for _, id := range []string{"worker-b", "worker-a", "worker-a"} {
		beat, err := envelope.New(envelope.TypeHeartbeat, id, agent.Heartbeat{AgentID: id, Kind: "echo", State: agent.StateRunning})
		if err != nil {
			t.Fatalf("envelope.New error: %v", err)
		}
		if err := mb.Publish(context.Background(), beat); err != nil {
			t.Fatalf("Publish error: %v", err)
		}
	}
	status, _ := envelope.New(envelope.TypeSystemStatus, "gateway", map[string]int{"agents": 2})
	if err := mb.Publish(context.Background(), status); err != nil {
		t.Fatalf("Publish error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snapshot := monitor.Snapshot()
		if len(snapshot.Peers) == 2 && snapshot.Peers[0].Heartbeats == 2 && len(snapshot.SystemStatus) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("snapshot never settled: %+v", snapshot)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := request(t, mb, "monitor", envelope.TypeTaskRequest, nil)
	var report Report
	if err := resp.DecodeContent(&report); err != nil {
		t.Fatalf("DecodeContent error: %v", err)
	}
	if len(report.Peers) != 2 || report.Peers[0].AgentID != "worker-a" || report.Peers[1].AgentID != "worker-b" {
		t.Fatalf("peers = %+v", report.Peers)
	}
	if report.Peers[0].Stale {
		t.Fatal("fresh peer reported stale")
	}
	if string(report.SystemStatus) != `{"agents":2}` {
		t.Fatalf("system_status = %s", report.SystemStatus)
	}
}

func TestMonitorMarksStalePeers(t *testing.T) {
	behavior, err := NewMonitor(nil)
	if err != nil {
		t.Fatalf("NewMonitor error: %v", err)
	}
	monitor := behavior.(*Monitor)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	monitor.now = func() time.Time { return now }

	beat, _ := envelope.New(envelope.TypeHeartbeat, "old", agent.Heartbeat{AgentID: "old"})
	if _, err := monitor.recordHeartbeat(context.Background(), beat); err != nil {
		t.Fatalf("recordHeartbeat error: %v", err)
	}

	now = now.Add(defaultStaleAfter + time.Second)
	if peers := monitor.Snapshot().Peers; len(peers) != 1 || !peers[0].Stale {
		t.Fatalf("peers = %+v, want one stale peer", peers)
	}
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []providertypes.PromptRequest
	err      error
}

func (f *fakeProvider) Health(context.Context) error { return nil }

func (f *fakeProvider) Prompt(_ context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return providertypes.PromptResult{}, f.err
	}
	return providertypes.PromptResult{
		Text:     "answer to " + req.Prompt,
		Metadata: providertypes.PromptMetadata{Provider: "fake", Model: "fake-1"},
	}, nil
}

func (f *fakeProvider) lastRequest() providertypes.PromptRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func TestAssistantKeepsConversationHistory(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	fake := &fakeProvider{}
	assistant, err := NewAssistant(map[string]any{"instructions": "Be brief.", "history_limit": 4},
		func(string) (provider.Client, error) { return fake, nil })
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}
	startAgent(t, mb, "assistant", assistant)

	first := request(t, mb, "assistant", envelope.TypeTaskRequest, map[string]string{"text": "hi"})
	var reply AssistantReply
	if err := first.DecodeContent(&reply); err != nil {
		t.Fatalf("DecodeContent error: %v", err)
	}
	if reply.Text != "answer to hi" || reply.Model != "fake-1" {
		t.Fatalf("reply = %+v", reply)
	}

	request(t, mb, "assistant", envelope.TypeAgentCommunication, "again")
	last := fake.lastRequest()
	if last.Instructions != "Be brief." || len(last.History) != 2 {
		t.Fatalf("last request = %+v", last)
	}
	if last.History[0].Role != providertypes.RoleUser || last.History[1].Content != "answer to hi" {
		t.Fatalf("history = %+v", last.History)
	}
	if got := len(assistant.Conversation("client")); got != 4 {
		t.Fatalf("conversation length = %d, want 4", got)
	}
}

func TestAssistantInstructionsFromProfile(t *testing.T) {
	newClient := func(string) (provider.Client, error) { return &fakeProvider{}, nil }

	assistant, err := NewAssistant(map[string]any{"profile": "concise"}, newClient)
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}
	if !strings.HasPrefix(assistant.settings.Instructions, "You are a terse assistant") {
		t.Fatalf("instructions = %q", assistant.settings.Instructions)
	}

	assistant, err = NewAssistant(map[string]any{"profile": "concise", "instructions": "Be brief."}, newClient)
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}
	if assistant.settings.Instructions != "Be brief." {
		t.Fatalf("instructions = %q, want the explicit value", assistant.settings.Instructions)
	}

	if _, err := NewAssistant(map[string]any{"profile": "missing"}, newClient); err == nil {
		t.Fatal("expected error for an unknown profile")
	}
}

func TestAssistantSeparatesChats(t *testing.T) {
	msg, _ := envelope.New(envelope.TypeAgentCommunication, "telegram", "hi", envelope.WithMetadata("chat_id", "42"))
	if got := conversationKey(msg); got != "telegram:42" {
		t.Fatalf("conversationKey = %q, want telegram:42", got)
	}
}

func TestAssistantBoundsConversations(t *testing.T) {
	assistant, err := NewAssistant(map[string]any{"max_conversations": 2, "conversation_ttl_seconds": 60},
		func(string) (provider.Client, error) { return &fakeProvider{}, nil })
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}
	clock := time.Unix(1_700_000_000, 0)
	assistant.now = func() time.Time { return clock }

	touch := func(key string) {
		assistant.mu.Lock()
		assistant.conversation(key).Append(providertypes.RoleUser, "hi from "+key)
		assistant.mu.Unlock()
		clock = clock.Add(time.Second)
	}

	touch("a")
	touch("b")
	touch("a")
	touch("c")
	if assistant.Conversation("b") != nil {
		t.Fatal("least recently used conversation was kept")
	}
	if assistant.Conversation("a") == nil || assistant.Conversation("c") == nil {
		t.Fatal("recent conversations were evicted")
	}

	clock = clock.Add(2 * time.Minute)
	touch("d")
	if assistant.Conversation("a") != nil || assistant.Conversation("c") != nil {
		t.Fatal("idle conversations outlived the ttl")
	}
	if got := len(assistant.Conversation("d")); got != 1 {
		t.Fatalf("conversation d length = %d, want 1", got)
	}
}

func TestAssistantProviderErrorBecomesErrorReport(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	fake := &fakeProvider{err: errors.New("rate limited")}
	assistant, err := NewAssistant(nil, func(string) (provider.Client, error) { return fake, nil })
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}
	startAgent(t, mb, "assistant", assistant)

	resp := request(t, mb, "assistant", envelope.TypeTaskRequest, "hi")
	if resp.Type != envelope.TypeErrorReport {
		t.Fatalf("response type = %s, want error_report", resp.Type)
	}
	if got := len(assistant.Conversation("client")); got != 0 {
		t.Fatalf("failed exchange kept in history: %d entries", got)
	}
}

func TestAssistantInitFailsWithoutProvider(t *testing.T) {
	assistant, err := NewAssistant(nil, func(string) (provider.Client, error) {
		return nil, errors.New("no api key")
	})
	if err != nil {
		t.Fatalf("NewAssistant error: %v", err)
	}

	mb := bus.NewMessageBus()
	defer mb.Close()
	log := slog.New(slog.DiscardHandler)
	manager := transport.NewManager(log)
	adapter, _ := memory.New(mb, "assistant", 4, log)
	_ = manager.Add(adapter)

	a, err := agent.New(agent.Options{ID: "assistant", Transport: manager, Behavior: assistant, Logger: log})
	if err != nil {
		t.Fatalf("agent.New error: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected Start error")
	}
	if a.State() != agent.StateError {
		t.Fatalf("state = %s, want error", a.State())
	}
}

func TestPromptText(t *testing.T) {
	cases := map[string]any{
		"plain":  "plain",
		"text":   map[string]string{"text": "text"},
		"prompt": map[string]string{"prompt": "prompt"},
		"":       []int{1},
	}
	for want, content := range cases {
		msg, _ := envelope.New(envelope.TypeTaskRequest, "a", content)
		if got := promptText(msg); got != want {
			t.Fatalf("promptText(%s) = %q, want %q", msg.Content, got, want)
		}
	}
}
