package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"orion/pkg/config"
	provideropenai "orion/pkg/provider/openai"
	providertypes "orion/pkg/provider/types"
)

const DefaultProvider = "openai"

type Client interface {
	Health(ctx context.Context) error
	Prompt(ctx context.Context, req providertypes.PromptRequest) (providertypes.PromptResult, error)
}

// New builds the named provider client. An empty name selects the default.
func New(cfg config.ProvidersConfig, providerID string) (Client, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		providerID = DefaultProvider
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg.OpenAI)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
