package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"orion/pkg/config"
	"orion/pkg/envelope"
)

type fakeBot struct {
	updates chan telego.Update

	mu   sync.Mutex
	sent []*telego.SendMessageParams
}

func (b *fakeBot) UpdatesViaLongPolling(context.Context, *telego.GetUpdatesParams, ...telego.LongPollingOption) (<-chan telego.Update, error) {
	return b.updates, nil
}

func (b *fakeBot) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, params)
	return &telego.Message{}, nil
}

func (b *fakeBot) SendChatAction(context.Context, *telego.SendChatActionParams) error {
	return nil
}

func (b *fakeBot) sentTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	texts := make([]string, 0, len(b.sent))
	for _, params := range b.sent {
		texts = append(texts, params.Text)
	}
	return texts
}

func newTestAdapter(t *testing.T, bot *fakeBot, allowFrom ...string) *Adapter {
	t.Helper()

	a, err := NewAdapter(config.TelegramConfig{Token: "t", TargetAgent: "assistant", AllowFrom: allowFrom}, nil)
	if err != nil {
		t.Fatalf("NewAdapter error: %v", err)
	}
	a.newBot = func(string) (botAPI, error) { return bot, nil }
	return a
}

func textUpdate(updateID int, chatID int64, userID int64, text string) telego.Update {
	return telego.Update{
		UpdateID: updateID,
		Message: &telego.Message{
			Text: text,
			From: &telego.User{ID: userID},
			Chat: telego.Chat{ID: chatID},
		},
	}
}

func TestNewAdapterRequiresTokenAndTarget(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{TargetAgent: "a"}, nil); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewAdapter(config.TelegramConfig{Token: "t"}, nil); err == nil {
		t.Fatal("expected target agent error")
	}
}

func TestChatRoundTrip(t *testing.T) {
	bot := &fakeBot{updates: make(chan telego.Update, 1)}
	a := newTestAdapter(t, bot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forwarded := make(chan *envelope.Message, 1)
	go func() {
		_ = a.Run(ctx, func(_ context.Context, msg *envelope.Message) error {
			forwarded <- msg
			return nil
		})
	}()

	bot.updates <- textUpdate(7, 42, 1, "hello agent")

	var request *envelope.Message
	select {
	case request = <-forwarded:
	case <-time.After(time.Second):
		t.Fatal("chat message was not forwarded")
	}

	if request.Type != envelope.TypeAgentCommunication || request.TargetAgent != "assistant" || request.SenderID != "telegram" {
		t.Fatalf("forwarded envelope = %+v", request)
	}
	if !strings.HasPrefix(request.CorrelationID, "telegram:42:") {
		t.Fatalf("correlation_id = %q, want telegram:42: prefix", request.CorrelationID)
	}

	reply, err := request.Reply("assistant", envelope.TypeTaskResponse, "hi there")
	if err != nil {
		t.Fatalf("Reply error: %v", err)
	}
	if !a.Awaiting(request.CorrelationID) {
		t.Fatalf("expected chat to await %q", request.CorrelationID)
	}
	if err := a.Send(ctx, reply); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if a.Awaiting(request.CorrelationID) {
		t.Fatal("chat still awaiting after reply")
	}

	texts := bot.sentTexts()
	if len(texts) != 1 || texts[0] != "hi there" {
		t.Fatalf("sent texts = %v, want [hi there]", texts)
	}

	if err := a.Send(ctx, reply); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("second Send error = %v, want ErrUnknownChat", err)
	}
}

func TestUnauthorizedSenderIgnored(t *testing.T) {
	a := newTestAdapter(t, &fakeBot{}, "1")

	if msg := a.toEnvelope(textUpdate(1, 5, 2, "hi")); msg != nil {
		t.Fatalf("expected unauthorized sender to be ignored, got %+v", msg)
	}
	if msg := a.toEnvelope(textUpdate(2, 5, 1, "   ")); msg != nil {
		t.Fatalf("expected blank text to be ignored, got %+v", msg)
	}
	if msg := a.toEnvelope(textUpdate(3, 5, 1, "hi")); msg == nil {
		t.Fatal("expected allowed sender to be forwarded")
	}
}

func TestSendBeforeRun(t *testing.T) {
	a := newTestAdapter(t, &fakeBot{})
	msg, _ := envelope.New(envelope.TypeTaskResponse, "assistant", "x", envelope.WithCorrelationID("c"))
	if err := a.Send(context.Background(), msg); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Send error = %v, want ErrNotRunning", err)
	}
}

func TestResponseText(t *testing.T) {
	cases := map[string]any{
		"plain":       "plain",
		"from text":   map[string]string{"text": "from text"},
		"Error: nope": map[string]string{"error": "nope"},
		`{"count":3}`: map[string]int{"count": 3},
	}
	for want, content := range cases {
		msg, err := envelope.New(envelope.TypeTaskResponse, "a", content)
		if err != nil {
			t.Fatalf("envelope.New error: %v", err)
		}
		if got := ResponseText(msg); got != want {
			t.Fatalf("ResponseText = %q, want %q", got, want)
		}
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
