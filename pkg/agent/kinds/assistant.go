package kinds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"orion/pkg/agent"
	"orion/pkg/agent/profile"
	"orion/pkg/config"
	"orion/pkg/envelope"
	"orion/pkg/provider"
	providertypes "orion/pkg/provider/types"
)

const (
	defaultHistoryLimit     = 20
	defaultMaxConversations = 256
	defaultConversationTTL  = time.Hour
)

type assistantSettings struct {
	Provider               string `json:"provider"`
	Model                  string `json:"model"`
	Instructions           string `json:"instructions"`
	Profile                string `json:"profile"`
	HistoryLimit           int    `json:"history_limit"`
	MaxConversations       int    `json:"max_conversations"`
	ConversationTTLSeconds int    `json:"conversation_ttl_seconds"`
}

// AssistantReply is the payload of an assistant's task_response.
type AssistantReply struct {
	Text  string                    `json:"text"`
	Model string                    `json:"model,omitempty"`
	Usage *providertypes.TokenUsage `json:"usage,omitempty"`
}

// Assistant answers text with an LLM. History is kept per conversation,
// keyed by sender and chat. Conversations idle past the TTL are dropped, and
// the least recently used one makes room once MaxConversations is reached.
type Assistant struct {
	settings  assistantSettings
	newClient ClientFunc
	agent     *agent.Agent
	now       func() time.Time

	mu            sync.Mutex
	client        provider.Client
	conversations map[string]*conversation
}

type conversation struct {
	memory   *agent.Memory
	lastUsed time.Time
}

// ClientFunc builds the provider client named by the agent settings.
type ClientFunc func(providerID string) (provider.Client, error)

// NewAssistantFactory binds the provider configuration into an assistant
// factory.
func NewAssistantFactory(providers config.ProvidersConfig) agent.Factory {
	newClient := func(providerID string) (provider.Client, error) {
		return provider.New(providers, providerID)
	}
	return func(settings map[string]any) (agent.Behavior, error) {
		assistant, err := NewAssistant(settings, newClient)
		if err != nil {
			return nil, err
		}
		return assistant, nil
	}
}

// NewAssistant builds an assistant. Explicit instructions win over the named
// profile. The provider client is created on every Init, so a missing
// credential fails the start rather than the creation.
func NewAssistant(settings map[string]any, newClient ClientFunc) (*Assistant, error) {
	var cfg assistantSettings
	if err := agent.DecodeSettings(settings, &cfg); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = defaultMaxConversations
	}
	if cfg.ConversationTTLSeconds <= 0 {
		cfg.ConversationTTLSeconds = int(defaultConversationTTL / time.Second)
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		instructions, err := profile.Resolve(cfg.Profile)
		if err != nil {
			return nil, err
		}
		cfg.Instructions = instructions
	}
	if newClient == nil {
		return nil, errors.New("provider client constructor is required")
	}

	return &Assistant{
		settings:      cfg,
		newClient:     newClient,
		now:           time.Now,
		conversations: make(map[string]*conversation),
	}, nil
}

func (s *Assistant) Init(_ context.Context, a *agent.Agent) error {
	client, err := s.newClient(s.settings.Provider)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	s.mu.Lock()
	s.client = client
	s.agent = a
	s.mu.Unlock()

	a.Handle(envelope.TypeTaskRequest, s.answer)
	a.Handle(envelope.TypeAgentCommunication, s.answer)
	return nil
}

func (s *Assistant) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.client = nil
	return nil
}

func (s *Assistant) answer(ctx context.Context, msg *envelope.Message) (*envelope.Message, error) {
	prompt := promptText(msg)
	if prompt == "" {
		return nil, errors.New("message has no text to answer")
	}

	s.mu.Lock()
	client := s.client
	memory := s.conversation(conversationKey(msg))
	s.mu.Unlock()
	if client == nil {
		return nil, agent.ErrNotRunning
	}

	history := memory.List()
	turns := make([]providertypes.Turn, 0, len(history))
	for _, entry := range history {
		turns = append(turns, providertypes.Turn{Role: entry.Role, Content: entry.Content})
	}

	result, err := client.Prompt(ctx, providertypes.PromptRequest{
		Model:        s.settings.Model,
		Instructions: s.settings.Instructions,
		History:      turns,
		Prompt:       prompt,
	})
	if err != nil {
		return nil, err
	}

	memory.Append(providertypes.RoleUser, prompt)
	memory.Append(providertypes.RoleAssistant, result.Text)

	return msg.Reply(s.agent.ID(), envelope.TypeTaskResponse, AssistantReply{
		Text:  result.Text,
		Model: result.Metadata.Model,
		Usage: result.Metadata.Usage,
	})
}

// conversation must be called with s.mu held.
func (s *Assistant) conversation(key string) *agent.Memory {
	now := s.now()
	s.expire(now)

	conv, ok := s.conversations[key]
	if !ok {
		s.evictOldest(s.settings.MaxConversations - 1)
		conv = &conversation{memory: agent.NewMemory(s.settings.HistoryLimit)}
		s.conversations[key] = conv
	}
	conv.lastUsed = now
	return conv.memory
}

// expire must be called with s.mu held.
func (s *Assistant) expire(now time.Time) {
	ttl := time.Duration(s.settings.ConversationTTLSeconds) * time.Second
	for key, conv := range s.conversations {
		if now.Sub(conv.lastUsed) > ttl {
			delete(s.conversations, key)
		}
	}
}

// evictOldest must be called with s.mu held. It drops least recently used
// conversations until at most keep remain.
func (s *Assistant) evictOldest(keep int) {
	for len(s.conversations) > keep {
		oldest := ""
		for key, conv := range s.conversations {
			if oldest == "" || conv.lastUsed.Before(s.conversations[oldest].lastUsed) {
				oldest = key
			}
		}
		delete(s.conversations, oldest)
	}
}

// Conversation returns a copy of the history kept for key.
func (s *Assistant) Conversation(key string) []agent.MemoryEntry {
	s.mu.Lock()
	conv, ok := s.conversations[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return conv.memory.List()
}

func conversationKey(msg *envelope.Message) string {
	if chatID, ok := msg.Metadata["chat_id"].(string); ok && strings.TrimSpace(chatID) != "" {
		return msg.SenderID + ":" + strings.TrimSpace(chatID)
	}
	return msg.SenderID
}
