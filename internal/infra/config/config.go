package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"edith/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	LLM     LLMConfig     `yaml:"llm"`
	History HistoryConfig `yaml:"history"`
	Tools   ToolsConfig   `yaml:"tools"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// AgentConfig holds reasoning-agent settings. SystemPrompt is the opaque
// persona string forwarded to the model; the router never inspects it.
type AgentConfig struct {
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	MaxMessages   int    `yaml:"max_messages"` // history window per request
}

// LLMConfig holds provider settings for the main and classifier models.
type LLMConfig struct {
	APIKey          string               `yaml:"api_key"`
	BaseURL         string               `yaml:"base_url"`
	Model           string               `yaml:"model"`
	ClassifierModel string               `yaml:"classifier_model"`
	ConnTimeout     time.Duration        `yaml:"conn_timeout"`
	RespTimeout     time.Duration        `yaml:"resp_timeout"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// HistoryConfig selects and locates the durable transcript backend.
type HistoryConfig struct {
	Backend string `yaml:"backend"` // "file" or "sqlite"
	Path    string `yaml:"path"`
}

// ToolsConfig holds credentials and settings for the external-service tools.
// Empty credentials disable the corresponding category.
type ToolsConfig struct {
	Jira     JiraConfig        `yaml:"jira"`
	GitHub   GitHubConfig      `yaml:"github"`
	Figma    FigmaConfig       `yaml:"figma"`
	Slack    SlackConfig       `yaml:"slack"`
	Audio    AudioConfig       `yaml:"audio"`
	Calendar CalendarConfig    `yaml:"calendar"`
	Files    FilesConfig       `yaml:"files"`
	System   SystemConfig      `yaml:"system"`
	MCP      []MCPServerConfig `yaml:"mcp,omitempty"`
}

// MCPServerConfig describes one MCP server whose tools are bridged into the
// catalog at startup. Category names the capability bucket the discovered
// tools join; it defaults to "system".
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Category  string            `yaml:"category,omitempty"`
}

// JiraConfig holds Jira Cloud credentials.
type JiraConfig struct {
	BaseURL string `yaml:"base_url"`
	Email   string `yaml:"email"`
	Token   string `yaml:"token"`
}

// GitHubConfig holds GitHub API credentials.
type GitHubConfig struct {
	Token string `yaml:"token"`
	Owner string `yaml:"owner"` // default repository owner
}

// FigmaConfig holds Figma API credentials.
type FigmaConfig struct {
	Token string `yaml:"token"`
}

// SlackConfig holds the write-only announcement settings.
type SlackConfig struct {
	BotToken       string `yaml:"bot_token"`
	DefaultChannel string `yaml:"default_channel"`
}

// AudioConfig holds transcription and speech-synthesis credentials.
type AudioConfig struct {
	OpenAIKey     string `yaml:"openai_key"`
	ElevenLabsKey string `yaml:"elevenlabs_key"`
	VoiceID       string `yaml:"voice_id"`
	OutputDir     string `yaml:"output_dir"`
}

// CalendarConfig holds Google Calendar OAuth credentials.
type CalendarConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	CalendarID   string `yaml:"calendar_id"`
}

// FilesConfig holds the file-reading sandbox root.
type FilesConfig struct {
	Root string `yaml:"root"`
}

// SystemConfig holds shell execution settings.
type SystemConfig struct {
	ShellTimeout    time.Duration `yaml:"shell_timeout"`
	AllowedCommands []string      `yaml:"allowed_commands,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// GatewayConfig holds the HTTP gateway settings.
type GatewayConfig struct {
	Addr      string  `yaml:"addr"`
	Token     string  `yaml:"token"` // empty = no auth
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// Defaults returns a config with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxMessages:   50,
		},
		LLM: LLMConfig{
			Model:           "gemini-3-flash-preview",
			ClassifierModel: "gemini-2.0-flash-lite",
			ConnTimeout:     10 * time.Second,
			RespTimeout:     120 * time.Second,
		},
		History: HistoryConfig{
			Backend: "file",
			Path:    "chat_history.json",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Gateway: GatewayConfig{
			Addr:      ":3000",
			RateLimit: 10,
			RateBurst: 20,
		},
		Tools: ToolsConfig{
			System: SystemConfig{ShellTimeout: 30 * time.Second},
			Files:  FilesConfig{Root: "."},
			Audio:  AudioConfig{OutputDir: "."},
		},
	}
}

// Load reads YAML from path, expands ${ENV_VAR} references, and validates.
// A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, domain.WrapOp("parse config", fmt.Errorf("%w: %v", domain.ErrConfigLoad, err))
	}

	applyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, passphraseFromEnv()); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides maps EDITH_* env vars onto config fields. Only secrets
// and the settings needed to run without a config file are covered.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("EDITH_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("EDITH_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("EDITH_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" && cfg.Tools.GitHub.Token == "" {
		cfg.Tools.GitHub.Token = v
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" && cfg.Tools.Slack.BotToken == "" {
		cfg.Tools.Slack.BotToken = v
	}
}

// Validate checks cross-field constraints.
func Validate(cfg *Config) error {
	if cfg.Agent.MaxIterations <= 0 {
		return fmt.Errorf("%w: agent.max_iterations must be positive", domain.ErrConfigLoad)
	}
	switch cfg.History.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: history.backend must be \"file\" or \"sqlite\", got %q",
			domain.ErrConfigLoad, cfg.History.Backend)
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("%w: history.path is required", domain.ErrConfigLoad)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logger.format must be \"text\" or \"json\"", domain.ErrConfigLoad)
	}
	if cfg.Gateway.RateLimit < 0 {
		return fmt.Errorf("%w: gateway.rate_limit cannot be negative", domain.ErrConfigLoad)
	}
	for _, srv := range cfg.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("%w: tools.mcp server needs a name", domain.ErrConfigLoad)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("%w: tools.mcp %q: stdio transport needs a command", domain.ErrConfigLoad, srv.Name)
			}
		case "http":
			if srv.URL == "" {
				return fmt.Errorf("%w: tools.mcp %q: http transport needs a url", domain.ErrConfigLoad, srv.Name)
			}
		default:
			return fmt.Errorf("%w: tools.mcp %q: transport must be \"stdio\" or \"http\", got %q",
				domain.ErrConfigLoad, srv.Name, srv.Transport)
		}
	}
	return nil
}
