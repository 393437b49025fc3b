package cmd

import (
	"strings"
	"testing"

	"orion/pkg/agent"
	"orion/pkg/config"
	"orion/pkg/registry"
)

func TestBuildCreateRequest(t *testing.T) {
	t.Parallel()

	spec := config.AgentSpec{ID: "helper", Kind: "echo"}
	req, err := buildCreateRequest(spec, map[string]string{"prefix": "flag"}, `{"prefix":"json","limit":3}`, true)
	if err != nil {
		t.Fatalf("buildCreateRequest error: %v", err)
	}
	if !req.Start || req.ID != "helper" || req.Kind != "echo" {
		t.Fatalf("request = %+v", req)
	}
	if req.Settings["prefix"] != "flag" {
		t.Fatalf("prefix = %v, want the --set value to win", req.Settings["prefix"])
	}
	if req.Settings["limit"] != float64(3) {
		t.Fatalf("limit = %v, want 3 from --settings", req.Settings["limit"])
	}

	req, err = buildCreateRequest(config.AgentSpec{Module: "watch"}, nil, "", false)
	if err != nil {
		t.Fatalf("buildCreateRequest from module error: %v", err)
	}
	if req.Settings != nil {
		t.Fatalf("settings = %v, want nil without flags", req.Settings)
	}
}

func TestBuildCreateRequestRejectsBadInput(t *testing.T) {
	t.Parallel()

	if _, err := buildCreateRequest(config.AgentSpec{ID: "x"}, nil, "", false); err == nil {
		t.Fatal("expected error without kind or module")
	}
	if _, err := buildCreateRequest(config.AgentSpec{Kind: "echo"}, nil, "[1,2]", false); err == nil {
		t.Fatal("expected error for settings that are not an object")
	}
}

func TestAgentTable(t *testing.T) {
	t.Parallel()

	info := registry.AgentInfo{Module: "watch"}
	info.ID = "observer"
	info.Kind = "monitor"
	info.State = agent.StateRunning
	info.Transports = []string{"memory"}
	info.Counters.Received = 4
	info.Counters.Handled = 3
	info.Counters.Failed = 1

	out := agentTable([]registry.AgentInfo{info})
	for _, want := range []string{"ID", "observer", "monitor", "running", "watch", "memory", "4/3/1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestModuleTable(t *testing.T) {
	t.Parallel()

	out := moduleTable([]registry.ModuleInfo{
		{Name: "watch", Kind: "monitor", Loaded: true},
		{Name: "broken", Error: "unknown kind"},
	})
	for _, want := range []string{"watch", "monitor", "yes", "broken", "no", "unknown kind"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestUptimeText(t *testing.T) {
	t.Parallel()

	if got := uptimeText(0); got != "-" {
		t.Fatalf("uptimeText(0) = %q", got)
	}
	if got := uptimeText(3725); got != "1h2m5s" {
		t.Fatalf("uptimeText(3725) = %q", got)
	}
}
