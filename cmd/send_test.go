package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"orion/pkg/client"
	"orion/pkg/config"
	"orion/pkg/envelope"
)

func TestIsExitCommand(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{input: "exit", want: true},
		{input: " quit ", want: true},
		{input: ":q", want: true},
		{input: "EXIT", want: true},
		{input: "hello", want: false},
		{input: "quit now", want: false},
	}

	for _, tt := range tests {
		if got := isExitCommand(tt.input); got != tt.want {
			t.Fatalf("isExitCommand(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAssistantLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantOut []string
	}{
		{name: "single line", input: "hello", wantOut: []string{"hello"}},
		{name: "multi line", input: "one\ntwo", wantOut: []string{"one", "two"}},
		{name: "trim outer whitespace", input: "  one\ntwo  ", wantOut: []string{"one", "two"}},
		{name: "empty input", input: "   ", wantOut: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := assistantLines(tt.input)
			if !reflect.DeepEqual(got, tt.wantOut) {
				t.Fatalf("assistantLines(%q) = %#v, want %#v", tt.input, got, tt.wantOut)
			}
		})
	}
}

func TestResolvePrompt(t *testing.T) {
	original := promptText
	t.Cleanup(func() {
		promptText = original
	})

	promptText = " from-flag "
	if got := resolvePrompt([]string{"from", "args"}); got != "from-flag" {
		t.Fatalf("resolvePrompt with flag = %q, want %q", got, "from-flag")
	}

	promptText = ""
	if got := resolvePrompt([]string{"hello", "world"}); got != "hello world" {
		t.Fatalf("resolvePrompt with args = %q, want %q", got, "hello world")
	}

	if got := resolvePrompt(nil); got != "" {
		t.Fatalf("resolvePrompt without input = %q, want empty", got)
	}
}

func TestPrintAssistantMessage(t *testing.T) {
	var out bytes.Buffer
	printAssistantMessage(&out, "echo", "first\nsecond")
	if got := out.String(); got != "echo: first\necho: second\n\n" {
		t.Fatalf("printAssistantMessage output = %q", got)
	}

	out.Reset()
	printAssistantMessage(&out, "echo", "   ")
	if out.Len() != 0 {
		t.Fatalf("expected no output for empty message, got %q", out.String())
	}
}

func TestMessageContent(t *testing.T) {
	content, err := messageContent(`{"text":"hi"}`, false)
	if err != nil || content != `{"text":"hi"}` {
		t.Fatalf("plain content = %v, %v", content, err)
	}

	content, err = messageContent(`{"text":"hi"}`, true)
	if err != nil {
		t.Fatalf("messageContent error: %v", err)
	}
	if raw, ok := content.(json.RawMessage); !ok || string(raw) != `{"text":"hi"}` {
		t.Fatalf("raw content = %#v", content)
	}

	if _, err := messageContent("not json", true); err == nil {
		t.Fatal("expected error for invalid JSON payload")
	}
}

func newTestConsole(t *testing.T, baseURL string, to string) (*console, *bytes.Buffer) {
	t.Helper()

	c, err := client.New(baseURL, nil)
	if err != nil {
		t.Fatalf("client.New error: %v", err)
	}
	var out bytes.Buffer
	return &console{
		client:   c,
		out:      &out,
		from:     "cli-test",
		to:       to,
		msgType:  envelope.TypeAgentCommunication,
		priority: envelope.PriorityNormal,
		timeout:  3 * time.Second,
	}, &out
}

func TestConsoleRequestGetsCorrelatedReply(t *testing.T) {
	baseURL, parts := startTestGateway(t)

	spec := config.AgentSpec{ID: "echo", Kind: "echo", Settings: map[string]any{"prefix": "echo: "}}
	if _, err := parts.registry.Create(spec); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := parts.registry.Start(context.Background(), "echo"); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	session, out := newTestConsole(t, baseURL, "echo")
	reply, err := session.send(context.Background(), "hello", true)
	if err != nil {
		t.Fatalf("send error: %v", err)
	}
	if reply.Type != envelope.TypeTaskResponse || reply.SenderID != "echo" {
		t.Fatalf("reply = %s", reply)
	}

	session.print(reply)
	if got := out.String(); !strings.Contains(got, "echo: echo: hello") {
		t.Fatalf("console output = %q", got)
	}
}

func TestConsoleSendWithoutWait(t *testing.T) {
	baseURL, parts := startTestGateway(t)

	inbox, unsubscribe, err := parts.bus.Subscribe("sink", 1)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	session, _ := newTestConsole(t, baseURL, "sink")
	session.msgType = envelope.TypeTaskRequest
	reply, err := session.send(context.Background(), "job", false)
	if err != nil || reply != nil {
		t.Fatalf("send = %v, %v; want nil reply", reply, err)
	}

	select {
	case msg := <-inbox:
		if msg.Type != envelope.TypeTaskRequest || msg.SenderID != "cli-test" || msg.CorrelationID == "" {
			t.Fatalf("delivered = %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestConsoleUnknownTargetFails(t *testing.T) {
	baseURL, _ := startTestGateway(t)

	session, _ := newTestConsole(t, baseURL, "nobody")
	if _, err := session.send(context.Background(), "hello", false); err == nil {
		t.Fatal("expected error publishing to an unknown agent")
	}
}

func TestConsoleRequestTimesOut(t *testing.T) {
	baseURL, parts := startTestGateway(t)

	_, unsubscribe, err := parts.bus.Subscribe("silent", 4)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer unsubscribe()

	session, _ := newTestConsole(t, baseURL, "silent")
	session.timeout = 200 * time.Millisecond
	_, err = session.send(context.Background(), "hello", true)
	if err == nil || !strings.Contains(err.Error(), "no response") {
		t.Fatalf("send error = %v, want a timeout", err)
	}
}
