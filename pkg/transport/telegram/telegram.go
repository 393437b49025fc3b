package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"orion/pkg/config"
	"orion/pkg/envelope"
	"orion/pkg/transport"
)

const adapterName = "telegram"
const messagePreviewLimit = 240
const typingRefreshInterval = 4 * time.Second
const pendingTTL = 10 * time.Minute

var (
	ErrNotRunning  = errors.New("telegram bridge is not running")
	ErrUnknownChat = errors.New("no chat waiting for correlation id")
)

type botAPI interface {
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Adapter bridges Telegram chats to envelopes. Chat text becomes an
// agent_communication envelope to the target agent; the response carrying
// the same correlation id is posted back to the chat.
type Adapter struct {
	cfg       config.TelegramConfig
	allowFrom map[string]struct{}
	log       *slog.Logger
	newBot    func(token string) (botAPI, error)

	mu      sync.Mutex
	bot     botAPI
	pending map[string]pendingChat
}

type pendingChat struct {
	chatID     int64
	since      time.Time
	stopTyping context.CancelFunc
}

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.Token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	cfg.TargetAgent = strings.TrimSpace(cfg.TargetAgent)
	if cfg.TargetAgent == "" {
		return nil, errors.New("channels.telegram.target_agent is required")
	}
	if strings.TrimSpace(cfg.BridgeID) == "" {
		cfg.BridgeID = adapterName
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "transport.telegram"),
		newBot: func(token string) (botAPI, error) {
			return telego.NewBot(token)
		},
		pending: make(map[string]pendingChat),
	}, nil
}

// Name returns the adapter identifier used in logs and routes.
func (a *Adapter) Name() string {
	return adapterName
}

// BridgeID is the sender id stamped on envelopes originating from chats.
func (a *Adapter) BridgeID() string {
	return a.cfg.BridgeID
}

// Run starts Telegram long polling and hands each chat message to handler.
func (a *Adapter) Run(ctx context.Context, handler transport.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	bot, err := a.newBot(a.cfg.Token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.mu.Lock()
	a.bot = bot
	a.mu.Unlock()
	defer a.reset()

	a.log.Info("Telegram bridge started", "target_agent", a.cfg.TargetAgent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			msg := a.toEnvelope(update)
			if msg == nil {
				continue
			}

			chatID := update.Message.Chat.ID
			a.track(ctx, bot, msg.CorrelationID, chatID)

			if err := handler(ctx, msg); err != nil {
				a.log.Error("Failed to forward chat message", "chat_id", chatID, "error", err)
				a.fail(ctx, bot, msg.CorrelationID, err)
			}
		}
	}
}

// toEnvelope converts a text update into an envelope, or returns nil when the
// update is ignored.
func (a *Adapter) toEnvelope(update telego.Update) *envelope.Message {
	message := update.Message
	if message == nil {
		return nil
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		// Only text is forwarded.
		return nil
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return nil
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return nil
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	msg, err := envelope.New(envelope.TypeAgentCommunication, a.cfg.BridgeID, content,
		envelope.WithTarget(a.cfg.TargetAgent),
		envelope.WithCorrelationID(correlationID(chatID)),
		envelope.WithMetadata("chat_id", chatID),
		envelope.WithMetadata("telegram_user_id", senderID),
		envelope.WithMetadata("update_id", strconv.Itoa(update.UpdateID)),
	)
	if err != nil {
		a.log.Error("Failed to build envelope", "error", err)
		return nil
	}

	a.log.Info("Received message", "chat_id", chatID, "sender_id", senderID, "correlation_id", msg.CorrelationID, "content", previewText(content))
	return msg
}

// Awaiting reports whether a chat is waiting on correlation.
func (a *Adapter) Awaiting(correlation string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[correlation]
	return ok
}

// Send posts a response back to the chat that is waiting on its correlation id.
func (a *Adapter) Send(ctx context.Context, msg *envelope.Message) error {
	a.mu.Lock()
	bot := a.bot
	chat, ok := a.pending[msg.CorrelationID]
	if ok {
		delete(a.pending, msg.CorrelationID)
	}
	a.mu.Unlock()

	if bot == nil {
		return ErrNotRunning
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChat, msg.CorrelationID)
	}
	chat.stopTyping()

	text := ResponseText(msg)
	if text == "" {
		return nil
	}

	a.log.Info("Sending message", "chat_id", chat.chatID, "correlation_id", msg.CorrelationID, "content", previewText(text))
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chat.chatID), text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (a *Adapter) track(ctx context.Context, bot botAPI, correlation string, chatID int64) {
	stopTyping := a.startTypingIndicator(ctx, bot, chatID)

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for id, chat := range a.pending {
		if now.Sub(chat.since) > pendingTTL {
			chat.stopTyping()
			delete(a.pending, id)
		}
	}
	a.pending[correlation] = pendingChat{chatID: chatID, since: now, stopTyping: stopTyping}
}

func (a *Adapter) fail(ctx context.Context, bot botAPI, correlation string, cause error) {
	a.mu.Lock()
	chat, ok := a.pending[correlation]
	delete(a.pending, correlation)
	a.mu.Unlock()
	if !ok {
		return
	}

	chat.stopTyping()
	if _, err := bot.SendMessage(ctx, tu.Message(tu.ID(chat.chatID), "Error: "+cause.Error())); err != nil {
		a.log.Error("Failed to send telegram message", "error", err)
	}
}

func (a *Adapter) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, chat := range a.pending {
		chat.stopTyping()
		delete(a.pending, id)
	}
	a.bot = nil
}

// ResponseText extracts the text to show for a response envelope: a plain
// string payload, a text/error field of an object payload, or the raw JSON.
func ResponseText(msg *envelope.Message) string {
	if len(msg.Content) == 0 || string(msg.Content) == "null" {
		return ""
	}

	var text string
	if err := json.Unmarshal(msg.Content, &text); err == nil {
		return strings.TrimSpace(text)
	}

	var fields map[string]any
	if err := json.Unmarshal(msg.Content, &fields); err == nil {
		for _, key := range []string{"text", "reply", "result", "error"} {
			if value, ok := fields[key].(string); ok && strings.TrimSpace(value) != "" {
				if key == "error" {
					return "Error: " + strings.TrimSpace(value)
				}
				return strings.TrimSpace(value)
			}
		}
	}

	return strings.TrimSpace(string(msg.Content))
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// correlationID ties one chat message to its eventual response.
func correlationID(chatID string) string {
	return "telegram:" + strings.TrimSpace(chatID) + ":" + envelope.NewID()
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}

// startTypingIndicator sends an initial typing action and refreshes it periodically
// until the returned cancel function is called.
func (a *Adapter) startTypingIndicator(ctx context.Context, bot botAPI, chatID int64) context.CancelFunc {
	typingCtx, cancel := context.WithCancel(ctx)

	sendTyping := func() {
		if err := bot.SendChatAction(typingCtx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)); err != nil && typingCtx.Err() == nil {
			a.log.Debug("Failed to send typing indicator", "chat_id", chatID, "error", err)
		}
	}

	sendTyping()

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-typingCtx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()

	return cancel
}
