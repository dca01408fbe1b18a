package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete agentd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	NATS          NATSConfig          `koanf:"nats"`
	Bus           BusConfig           `koanf:"bus"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Gate          GateConfig          `koanf:"gate"`
	Workspace     WorkspaceConfig     `koanf:"workspace"`
	LLM           LLMConfig           `koanf:"llm"`
	Plugins       PluginsConfig       `koanf:"plugins"`
	GitHub        GitHubConfig        `koanf:"github"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds logging and OpenTelemetry configuration.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // "grpc" or "http"
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
	// OTLPTLSSkipVerify disables certificate verification for collectors
	// behind internal CAs. Ignored when OTLPInsecure is set.
	OTLPTLSSkipVerify bool `koanf:"otlp_tls_skip_verify"`
}

// NATSConfig holds event broker configuration.
type NATSConfig struct {
	URL string `koanf:"url"`
	// Embedded starts an in-process NATS server instead of dialing URL.
	// Useful for single-binary deployments and local development.
	Embedded bool `koanf:"embedded"`
}

// BusConfig holds event bus configuration.
type BusConfig struct {
	HeartbeatInterval Duration `koanf:"heartbeat_interval"`
	SubscriberBuffer  int      `koanf:"subscriber_buffer"`
}

// OrchestratorConfig holds phase orchestration configuration.
type OrchestratorConfig struct {
	// OverwatcherKinds lists the advisory agents spawned alongside the
	// main implementation task. Not hardcoded: deployments tune this.
	OverwatcherKinds []string `koanf:"overwatcher_kinds"`
	TaskTimeout      Duration `koanf:"task_timeout"`
	MaxIterations    int      `koanf:"max_iterations"`
	ToolTimeout      Duration `koanf:"tool_timeout"`
}

// GateConfig holds question/answer gate configuration.
type GateConfig struct {
	AnswerTimeout Duration `koanf:"answer_timeout"`
}

// WorkspaceConfig holds workspace manager and guard configuration.
type WorkspaceConfig struct {
	Root        string   `koanf:"root"`
	LockMaxHold Duration `koanf:"lock_max_hold"`
}

// LLMConfig holds model endpoint configuration.
type LLMConfig struct {
	Model      string  `koanf:"model"`
	APIKey     Secret  `koanf:"api_key"`
	BaseURL    string  `koanf:"base_url"`
	MaxTokens  int     `koanf:"max_tokens"`
	MaxRetries int     `koanf:"max_retries"`
	RateLimit  float64 `koanf:"rate_limit"` // requests per second
	Burst      int     `koanf:"burst"`
}

// PluginsConfig holds agent definition loading configuration.
type PluginsConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// GitHubConfig holds GitHub integration configuration.
type GitHubConfig struct {
	Token Secret `koanf:"token"`
}

// applyDefaults fills zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9292
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "agentd"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.LogFormat == "" {
		cfg.Observability.LogFormat = "json"
	}
	if cfg.Observability.OTLPProtocol == "" {
		cfg.Observability.OTLPProtocol = "grpc"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.Bus.HeartbeatInterval == 0 {
		cfg.Bus.HeartbeatInterval = Duration(30 * time.Second)
	}
	if cfg.Bus.SubscriberBuffer == 0 {
		cfg.Bus.SubscriberBuffer = 64
	}
	if len(cfg.Orchestrator.OverwatcherKinds) == 0 {
		cfg.Orchestrator.OverwatcherKinds = []string{"review", "security", "test", "documentation"}
	}
	if cfg.Orchestrator.TaskTimeout == 0 {
		cfg.Orchestrator.TaskTimeout = Duration(30 * time.Minute)
	}
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 50
	}
	if cfg.Orchestrator.ToolTimeout == 0 {
		cfg.Orchestrator.ToolTimeout = Duration(2 * time.Minute)
	}
	if cfg.Gate.AnswerTimeout == 0 {
		cfg.Gate.AnswerTimeout = Duration(5 * time.Minute)
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "/workspaces"
	}
	if cfg.Workspace.LockMaxHold == 0 {
		cfg.Workspace.LockMaxHold = Duration(5 * time.Minute)
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.anthropic.com"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 2
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 4
	}
	if cfg.Plugins.Dir == "" {
		cfg.Plugins.Dir = "agents"
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.Port))
	}
	if c.Orchestrator.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_iterations must be positive: %d", c.Orchestrator.MaxIterations))
	}
	if c.Orchestrator.TaskTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("orchestrator.task_timeout must be positive"))
	}
	if c.Workspace.LockMaxHold.Duration() <= 0 {
		errs = append(errs, errors.New("workspace.lock_max_hold must be positive"))
	}
	for _, kind := range c.Orchestrator.OverwatcherKinds {
		if kind == "" {
			errs = append(errs, errors.New("orchestrator.overwatcher_kinds contains an empty kind"))
		}
	}
	switch c.Observability.OTLPProtocol {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("observability.otlp_protocol must be grpc or http: %q", c.Observability.OTLPProtocol))
	}

	return errors.Join(errs...)
}
