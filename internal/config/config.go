package config

import (
	"time"
)

// Config represents the main Courier configuration
type Config struct {
	// Agents reachable by the dispatch core
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Plugin instances (one per connected channel integration)
	PluginInstances []PluginInstanceConfig `json:"plugin_instances" mapstructure:"plugin_instances"`

	// Queue policy defaults
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Scheduler ticker settings
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Crash guard settings
	CrashGuard CrashGuardConfig `json:"crash_guard" mapstructure:"crash_guard"`

	// Credential provider settings
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`

	// Webhook ingress server
	Webhook WebhookConfig `json:"webhook" mapstructure:"webhook"`

	// Gateway event broadcaster
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory (sqlite database, audit log)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig describes one dispatchable agent
type AgentConfig struct {
	ID     string       `json:"id" mapstructure:"id"`
	Name   string       `json:"name" mapstructure:"name"`
	Handle string       `json:"handle" mapstructure:"handle"` // mention handle, e.g. "@triage"
	Queue  *LaneOptions `json:"queue,omitempty" mapstructure:"queue"`
}

// PluginInstanceConfig describes one connected channel integration
type PluginInstanceConfig struct {
	ID       string                 `json:"id" mapstructure:"id"`
	Type     string                 `json:"type" mapstructure:"type"` // telegram, slack, discord, github
	AgentIDs []string               `json:"agent_ids" mapstructure:"agent_ids"`
	Settings map[string]interface{} `json:"settings" mapstructure:"settings"`

	// AgentMentionHandoffs enables synthesis of handoff work items when an
	// agent reply mentions another agent's handle. Off by default.
	AgentMentionHandoffs bool `json:"agent_mention_handoffs" mapstructure:"agent_mention_handoffs"`

	Queue *LaneOptions `json:"queue,omitempty" mapstructure:"queue"`
}

// LaneOptions overrides queue lane policy at agent or instance level.
// DebounceMs is a pointer so an override can express zero debounce;
// nil leaves the manager default in place.
type LaneOptions struct {
	Mode       string `json:"mode,omitempty" mapstructure:"mode"` // collect, followup, steer
	DebounceMs *int   `json:"debounce_ms,omitempty" mapstructure:"debounce_ms"`
	MaxQueued  int    `json:"max_queued,omitempty" mapstructure:"max_queued"`
}

// QueueConfig holds queue manager defaults
type QueueConfig struct {
	Mode           string `json:"mode" mapstructure:"mode"`
	DebounceMs     int    `json:"debounce_ms" mapstructure:"debounce_ms"`
	MaxQueued      int    `json:"max_queued" mapstructure:"max_queued"`
	MaxExtensionMs int    `json:"max_extension_ms" mapstructure:"max_extension_ms"`
	StaggerMs      int    `json:"stagger_ms" mapstructure:"stagger_ms"`
}

// SchedulerConfig holds scheduler ticker settings
type SchedulerConfig struct {
	TickInterval   time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	StaleThreshold time.Duration `json:"stale_threshold" mapstructure:"stale_threshold"`
}

// CrashGuardConfig holds circuit breaker settings
type CrashGuardConfig struct {
	Threshold int           `json:"threshold" mapstructure:"threshold"`
	Window    time.Duration `json:"window" mapstructure:"window"`
}

// CredentialsConfig holds credential provider settings
type CredentialsConfig struct {
	// MinterURL is the base URL of the token issuing API. The app-level
	// bearer is read from the COURIER_APP_TOKEN environment variable.
	MinterURL  string        `json:"minter_url" mapstructure:"minter_url"`
	DefaultTTL time.Duration `json:"default_ttl" mapstructure:"default_ttl"`
	SkewBuffer time.Duration `json:"skew_buffer" mapstructure:"skew_buffer"`
}

// WebhookConfig holds webhook ingress server settings
type WebhookConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	ClockSkew          time.Duration `json:"clock_skew" mapstructure:"clock_skew"`
}

// GatewayConfig holds the websocket event broadcaster settings
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a configuration with library defaults applied
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			Mode:           "steer",
			DebounceMs:     2000,
			MaxQueued:      10,
			MaxExtensionMs: 15000,
			StaggerMs:      500,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   30 * time.Second,
			StaleThreshold: 300 * time.Second,
		},
		CrashGuard: CrashGuardConfig{
			Threshold: 5,
			Window:    10 * time.Minute,
		},
		Credentials: CredentialsConfig{
			DefaultTTL: 55 * time.Minute,
			SkewBuffer: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			Host:               "0.0.0.0",
			Port:               3001,
			RateLimitPerMinute: 100,
			ClockSkew:          5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Port:    3002,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// FindAgent returns the agent config for an ID, or nil
func (c *Config) FindAgent(id string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].ID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// FindAgentByHandle returns the agent whose mention handle matches, or nil
func (c *Config) FindAgentByHandle(handle string) *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Handle == handle {
			return &c.Agents[i]
		}
	}
	return nil
}

// FindPluginInstance returns the plugin instance config for an ID, or nil
func (c *Config) FindPluginInstance(id string) *PluginInstanceConfig {
	for i := range c.PluginInstances {
		if c.PluginInstances[i].ID == id {
			return &c.PluginInstances[i]
		}
	}
	return nil
}
