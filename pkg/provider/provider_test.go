package provider

import (
	"testing"

	"orion/pkg/config"
	provideropenai "orion/pkg/provider/openai"
)

func TestNewReturnsErrorForUnsupportedProvider(t *testing.T) {
	_, err := New(config.ProvidersConfig{}, "unknown")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNewDefaultsToOpenAIProvider(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	client, err := New(config.ProvidersConfig{}, "")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, ok := client.(*provideropenai.Client); !ok {
		t.Fatalf("expected *openai.Client, got %T", client)
	}
}
