package cmd

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"

	"orion/pkg/config"
	"orion/pkg/envelope"
	"orion/pkg/gateway"
	"orion/pkg/transport"
)

// startTestGateway serves a fully wired gateway handler on an httptest
// server and returns its base URL.
func startTestGateway(t *testing.T) (string, *gatewayParts) {
	t.Helper()

	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default error: %v", err)
	}
	cfg.Modules.Dir = t.TempDir()
	cfg.Agents.Defaults.StopTimeoutSeconds = 1

	parts, err := newGateway(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newGateway error: %v", err)
	}

	srv := httptest.NewServer(parts.service.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = parts.registry.Close()
		parts.bus.Close()
	})
	return srv.URL, parts
}

type testBridge struct{ name string }

func (b testBridge) Name() string     { return b.name }
func (b testBridge) BridgeID() string { return b.name }

func (b testBridge) Send(context.Context, *envelope.Message) error { return nil }

func (b testBridge) Run(context.Context, transport.Handler) error { return nil }

func TestEnabledBridgesNoneByDefault(t *testing.T) {
	t.Parallel()

	bridges, err := enabledBridges(&config.Config{}, nil)
	if err != nil {
		t.Fatalf("enabledBridges error: %v", err)
	}
	if len(bridges) != 0 {
		t.Fatalf("bridges = %d, want 0", len(bridges))
	}
}

func TestEnabledBridgesTelegram(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Channels.Telegram = config.TelegramConfig{Enabled: true, Token: "123:abc", TargetAgent: "assistant", BridgeID: "tg"}

	bridges, err := enabledBridges(cfg, nil)
	if err != nil {
		t.Fatalf("enabledBridges error: %v", err)
	}
	if len(bridges) != 1 || bridges[0].Name() != "telegram" || bridges[0].BridgeID() != "tg" {
		t.Fatalf("bridges = %v", bridges)
	}

	cfg.Channels.Telegram.Token = ""
	if _, err := enabledBridges(cfg, nil); err == nil {
		t.Fatal("expected error for telegram without a token")
	}
}

func TestBridgeNames(t *testing.T) {
	t.Parallel()

	if got := bridgeNames(nil); got != "none" {
		t.Fatalf("bridgeNames(nil) = %q, want none", got)
	}

	bridges := []gateway.Bridge{testBridge{name: "telegram"}, testBridge{name: "slack"}}
	if got := bridgeNames(bridges); got != "telegram,slack" {
		t.Fatalf("bridgeNames = %q, want %q", got, "telegram,slack")
	}
}

func TestNewGatewayRegistersBuiltinKinds(t *testing.T) {
	_, parts := startTestGateway(t)

	got := parts.registry.Kinds()
	if len(got) != 3 {
		t.Fatalf("kinds = %v, want echo, monitor and assistant", got)
	}
}
