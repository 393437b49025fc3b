package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

const (
	envConfigPath = "ORION_CONFIG"
	envPrefix     = "ORION_"

	DefaultGatewayHost = "0.0.0.0"
	DefaultGatewayPort = 18790

	TransportMemory    = "memory"
	TransportWebSocket = "websocket"
	TransportHTTPPoll  = "httppoll"
	TransportKafka     = "kafka"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway" envPrefix:"GATEWAY_"`
	Bus        BusConfig        `json:"bus" envPrefix:"BUS_"`
	Agents     AgentsConfig     `json:"agents" envPrefix:"AGENTS_"`
	Modules    ModulesConfig    `json:"modules" envPrefix:"MODULES_"`
	Transports TransportsConfig `json:"transports"`
	Providers  ProvidersConfig  `json:"providers"`
	Channels   ChannelsConfig   `json:"channels"`
	Status     StatusConfig     `json:"status" envPrefix:"STATUS_"`
	Logging    LoggingConfig    `json:"logging,omitempty" envPrefix:"LOG_"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" env:"FORMAT"`
	Level     string `json:"level,omitempty" env:"LEVEL"`
	AddSource bool   `json:"add_source,omitempty" env:"ADD_SOURCE"`
}

// GatewayConfig configures the HTTP bind address and the URL clients use to
// reach it.
type GatewayConfig struct {
	Host string `json:"host" env:"HOST"`
	Port int    `json:"port" env:"PORT"`
	URL  string `json:"url,omitempty" env:"URL"`
}

// BusConfig sizes agent mailboxes.
type BusConfig struct {
	MailboxSize int `json:"mailbox_size" env:"MAILBOX_SIZE"`
}

// AgentsConfig holds runtime defaults and the agents created at boot.
type AgentsConfig struct {
	Defaults  AgentDefaults `json:"defaults" envPrefix:"DEFAULT_"`
	Autostart []AgentSpec   `json:"autostart,omitempty"`
}

// AgentDefaults applies to every agent unless its spec overrides it.
type AgentDefaults struct {
	Transport             string `json:"transport" env:"TRANSPORT"`
	HeartbeatSeconds      int    `json:"heartbeat_seconds" env:"HEARTBEAT_SECONDS"`
	HeartbeatTarget       string `json:"heartbeat_target,omitempty" env:"HEARTBEAT_TARGET"`
	StopTimeoutSeconds    int    `json:"stop_timeout_seconds" env:"STOP_TIMEOUT_SECONDS"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
}

// AgentSpec declares one agent to create, either from a module template or
// directly from a kind.
type AgentSpec struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Kind      string         `json:"kind,omitempty"`
	Module    string         `json:"module,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// ModulesConfig locates agent module manifests.
type ModulesConfig struct {
	Dir     string   `json:"dir" env:"DIR"`
	Preload []string `json:"preload,omitempty" env:"PRELOAD" envSeparator:","`
}

// TransportsConfig configures the non-memory adapters.
type TransportsConfig struct {
	Kafka KafkaConfig `json:"kafka" envPrefix:"KAFKA_"`
}

// KafkaConfig configures the queue-broker adapter.
type KafkaConfig struct {
	Enabled          bool   `json:"enabled" env:"ENABLED"`
	BootstrapServers string `json:"bootstrap_servers" env:"BOOTSTRAP_SERVERS"`
	Topic            string `json:"topic" env:"TOPIC"`
	GroupPrefix      string `json:"group_prefix,omitempty" env:"GROUP_PREFIX"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenAI OpenAIProviderConfig `json:"openai" envPrefix:"OPENAI_"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env" env:"API_KEY_ENV"`
	BaseURL               string `json:"base_url" env:"BASE_URL"`
	Organization          string `json:"organization" env:"ORGANIZATION"`
	Project               string `json:"project" env:"PROJECT"`
	Model                 string `json:"model" env:"MODEL"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
}

// ChannelsConfig stores chat bridge settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" envPrefix:"TELEGRAM_"`
}

// TelegramConfig configures the Telegram bridge.
type TelegramConfig struct {
	Enabled     bool     `json:"enabled" env:"ENABLED"`
	Token       string   `json:"token" env:"TOKEN"`
	AllowFrom   []string `json:"allow_from" env:"ALLOW_FROM" envSeparator:","`
	TargetAgent string   `json:"target_agent" env:"TARGET_AGENT"`
	BridgeID    string   `json:"bridge_id,omitempty" env:"BRIDGE_ID"`
}

// StatusConfig controls the periodic system_status broadcast.
type StatusConfig struct {
	Enabled  bool   `json:"enabled" env:"ENABLED"`
	Schedule string `json:"schedule" env:"SCHEDULE"`
}

// LoadConfig resolves the config file, unmarshals it, applies environment
// overrides and fills defaults. An explicit path wins over ORION_CONFIG and
// the cwd-local fallbacks.
func LoadConfig(path string) (*Config, error) {
	configPath, err := findConfigPath(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// Default returns a config with defaults and environment overrides applied,
// for commands that can run without a config file.
func Default() (*Config, error) {
	var cfg Config
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyEnvOverrides injects ORION_* environment settings on top of file config.
func ApplyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse environment overrides: %w", err)
	}
	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if strings.TrimSpace(c.Gateway.Host) == "" {
		c.Gateway.Host = DefaultGatewayHost
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = DefaultGatewayPort
	}
	if c.Bus.MailboxSize <= 0 {
		c.Bus.MailboxSize = 100
	}

	defaults := &c.Agents.Defaults
	if defaults.Transport == "" {
		defaults.Transport = TransportMemory
	}
	if defaults.StopTimeoutSeconds <= 0 {
		defaults.StopTimeoutSeconds = 5
	}
	if defaults.RequestTimeoutSeconds <= 0 {
		defaults.RequestTimeoutSeconds = 30
	}

	if c.Modules.Dir == "" {
		c.Modules.Dir = "modules"
	}
	if c.Transports.Kafka.Topic == "" {
		c.Transports.Kafka.Topic = "orion.messages"
	}
	if c.Providers.OpenAI.Model == "" {
		c.Providers.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Channels.Telegram.BridgeID == "" {
		c.Channels.Telegram.BridgeID = "telegram"
	}
	if c.Status.Schedule == "" {
		c.Status.Schedule = "* * * * *"
	}
}

// GatewayURL returns the base URL clients use to reach the gateway.
func (c *Config) GatewayURL() string {
	if url := strings.TrimRight(strings.TrimSpace(c.Gateway.URL), "/"); url != "" {
		return url
	}

	host := c.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Gateway.Port)
}

// Validate reports invalid combinations.
func (c *Config) Validate() error {
	var errs []error

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	if !ValidTransport(c.Agents.Defaults.Transport) {
		errs = append(errs, fmt.Errorf("agents.defaults.transport %q is not supported", c.Agents.Defaults.Transport))
	}
	if c.Agents.Defaults.HeartbeatSeconds < 0 {
		errs = append(errs, errors.New("agents.defaults.heartbeat_seconds must not be negative"))
	}

	usesKafka := c.Agents.Defaults.Transport == TransportKafka
	for i, spec := range c.Agents.Autostart {
		if spec.Kind == "" && spec.Module == "" {
			errs = append(errs, fmt.Errorf("agents.autostart[%d] needs kind or module", i))
		}
		if spec.Transport != "" && !ValidTransport(spec.Transport) {
			errs = append(errs, fmt.Errorf("agents.autostart[%d].transport %q is not supported", i, spec.Transport))
		}
		if spec.Transport == TransportKafka {
			usesKafka = true
		}
	}

	if usesKafka && !c.Transports.Kafka.Enabled {
		errs = append(errs, errors.New("kafka transport selected but transports.kafka.enabled is false"))
	}
	if c.Transports.Kafka.Enabled && strings.TrimSpace(c.Transports.Kafka.BootstrapServers) == "" {
		errs = append(errs, errors.New("transports.kafka.bootstrap_servers is required when kafka is enabled"))
	}

	if c.Channels.Telegram.Enabled {
		if strings.TrimSpace(c.Channels.Telegram.Token) == "" {
			errs = append(errs, errors.New("channels.telegram.token is required when telegram is enabled"))
		}
		if strings.TrimSpace(c.Channels.Telegram.TargetAgent) == "" {
			errs = append(errs, errors.New("channels.telegram.target_agent is required when telegram is enabled"))
		}
	}

	if c.Status.Enabled && !gronx.New().IsValid(c.Status.Schedule) {
		errs = append(errs, fmt.Errorf("status.schedule %q is not a valid cron expression", c.Status.Schedule))
	}

	return errors.Join(errs...)
}

// ValidTransport reports whether name is an agent-side adapter. The socket
// and polling adapters serve remote agents only.
func ValidTransport(name string) bool {
	switch name {
	case TransportMemory, TransportKafka:
		return true
	default:
		return false
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is the explicit path, ORION_CONFIG, then cwd-local fallback paths.
func findConfigPath(explicit string) (string, error) {
	if value := strings.TrimSpace(explicit); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("config path does not point to a file: %s", value)
	}

	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrNotFound, candidates[0], candidates[1])
}

// ErrNotFound reports that no config file could be located.
var ErrNotFound = errors.New("config.json not found")
