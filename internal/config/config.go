package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BotConfig holds configuration for the relay bot process.
type BotConfig struct {
	Commander            string
	TelegramToken        string
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int

	HistoryWindow    int
	SystemPrompt     string
	SystemPromptFile string
	DefaultBackend   string
	DBPath           string

	Groq         GroqConfig
	Azure        AzureConfig
	DummyBackend bool

	RequestTimeoutSeconds  int
	MaxRetries             int
	Temperature            float64
	MaxTokens              int
	CircuitThreshold       int
	CircuitCooldownSeconds int

	LogLevel  string
	LogFormat string

	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
}

type GroqConfig struct {
	APIKey  string `toml:"api_key" yaml:"api_key"`
	BaseURL string `toml:"base_url" yaml:"base_url"`
	Model   string `toml:"model" yaml:"model"`
}

type AzureConfig struct {
	APIKey     string `toml:"api_key" yaml:"api_key"`
	Endpoint   string `toml:"endpoint" yaml:"endpoint"`
	Deployment string `toml:"deployment" yaml:"deployment"`
	APIVersion string `toml:"api_version" yaml:"api_version"`
}

// Enabled reports whether enough is set to talk to Groq.
func (g GroqConfig) Enabled() bool {
	return g.APIKey != ""
}

// Enabled reports whether enough is set to talk to an Azure deployment.
func (a AzureConfig) Enabled() bool {
	return a.APIKey != "" && a.Endpoint != "" && a.Deployment != ""
}

// fileConfig mirrors the optional TOML/YAML config file.
type fileConfig struct {
	Telegram struct {
		Token                string `toml:"token" yaml:"token"`
		APIBase              string `toml:"api_base" yaml:"api_base"`
		Timeout              int    `toml:"timeout" yaml:"timeout"`
		SleepSeconds         int    `toml:"sleep_seconds" yaml:"sleep_seconds"`
		DropPending          *bool  `toml:"drop_pending" yaml:"drop_pending"`
		PendingWindowSeconds int    `toml:"pending_window_seconds" yaml:"pending_window_seconds"`
		PendingMaxMessages   int    `toml:"pending_max_messages" yaml:"pending_max_messages"`
	} `toml:"telegram" yaml:"telegram"`
	Bot struct {
		Commander      string `toml:"commander" yaml:"commander"`
		HistoryWindow  int    `toml:"history_window" yaml:"history_window"`
		SystemPrompt   string `toml:"system_prompt" yaml:"system_prompt"`
		PromptFile     string `toml:"system_prompt_file" yaml:"system_prompt_file"`
		DefaultBackend string `toml:"default_backend" yaml:"default_backend"`
		DBPath         string `toml:"db_path" yaml:"db_path"`
	} `toml:"bot" yaml:"bot"`
	Groq  GroqConfig  `toml:"groq" yaml:"groq"`
	Azure AzureConfig `toml:"azure" yaml:"azure"`
	Model struct {
		RequestTimeoutSeconds  int      `toml:"request_timeout_seconds" yaml:"request_timeout_seconds"`
		MaxRetries             *int     `toml:"max_retries" yaml:"max_retries"`
		Temperature            *float64 `toml:"temperature" yaml:"temperature"`
		MaxTokens              int      `toml:"max_tokens" yaml:"max_tokens"`
		CircuitThreshold       int      `toml:"circuit_threshold" yaml:"circuit_threshold"`
		CircuitCooldownSeconds int      `toml:"circuit_cooldown_seconds" yaml:"circuit_cooldown_seconds"`
	} `toml:"model" yaml:"model"`
	Logging struct {
		Level  string `toml:"level" yaml:"level"`
		Format string `toml:"format" yaml:"format"`
	} `toml:"logging" yaml:"logging"`
}

// LoadBotConfig reads the optional config file at path (TOML or YAML by
// extension; empty path skips it), then applies environment overrides and
// validates the result.
func LoadBotConfig(path string) (BotConfig, error) {
	var fc fileConfig
	if path != "" {
		if err := loadFile(path, &fc); err != nil {
			return BotConfig{}, err
		}
	}

	dropPending := true
	if fc.Telegram.DropPending != nil {
		dropPending = *fc.Telegram.DropPending
	}
	maxRetries := 2
	if fc.Model.MaxRetries != nil {
		maxRetries = *fc.Model.MaxRetries
	}
	temperature := 0.7
	if fc.Model.Temperature != nil {
		temperature = *fc.Model.Temperature
	}

	token := envOrDefault("TELEGRAM_BOT_TOKEN", fc.Telegram.Token)
	apiBase := envOrDefault("TELEGRAM_API_BASE", fc.Telegram.APIBase)
	if apiBase == "" {
		apiBase = fmt.Sprintf("https://api.telegram.org/bot%s", token)
	}

	cfg := BotConfig{
		Commander:            envOrDefault("RELAYBOT_COMMANDER", orDefault(fc.Bot.Commander, "telegram")),
		TelegramToken:        token,
		TelegramAPIBase:      apiBase,
		Timeout:              envIntOrDefault("TG_TIMEOUT", intOrDefault(fc.Telegram.Timeout, 30)),
		SleepSeconds:         envIntOrDefault("TG_SLEEP_SECONDS", intOrDefault(fc.Telegram.SleepSeconds, 1)),
		DropPending:          envBoolOrDefault("TG_DROP_PENDING", dropPending),
		PendingWindowSeconds: int64(envIntOrDefault("TG_PENDING_WINDOW_SECONDS", intOrDefault(fc.Telegram.PendingWindowSeconds, 600))),
		PendingMaxMessages:   envIntOrDefault("TG_PENDING_MAX_MESSAGES", intOrDefault(fc.Telegram.PendingMaxMessages, 50)),

		HistoryWindow:    envIntOrDefault("RELAYBOT_HISTORY_WINDOW", intOrDefault(fc.Bot.HistoryWindow, 10)),
		SystemPrompt:     envOrDefault("RELAYBOT_SYSTEM_PROMPT", fc.Bot.SystemPrompt),
		SystemPromptFile: envOrDefault("RELAYBOT_SYSTEM_PROMPT_FILE", fc.Bot.PromptFile),
		DefaultBackend:   envOrDefault("RELAYBOT_DEFAULT_BACKEND", fc.Bot.DefaultBackend),
		DBPath:           envOrDefault("RELAYBOT_DB_PATH", orDefault(fc.Bot.DBPath, "./relaybot.db")),

		Groq: GroqConfig{
			APIKey:  envOrDefault("GROQ_API_KEY", fc.Groq.APIKey),
			BaseURL: envOrDefault("GROQ_BASE_URL", fc.Groq.BaseURL),
			Model:   envOrDefault("GROQ_MODEL", orDefault(fc.Groq.Model, "llama3-8b-8192")),
		},
		Azure: AzureConfig{
			APIKey:     envOrDefault("AZURE_OPENAI_API_KEY", fc.Azure.APIKey),
			Endpoint:   envOrDefault("AZURE_OPENAI_ENDPOINT", fc.Azure.Endpoint),
			Deployment: envOrDefault("AZURE_OPENAI_DEPLOYMENT", fc.Azure.Deployment),
			APIVersion: envOrDefault("AZURE_OPENAI_API_VERSION", orDefault(fc.Azure.APIVersion, "2024-06-01")),
		},
		DummyBackend: envBoolOrDefault("RELAYBOT_DUMMY_BACKEND", false),

		RequestTimeoutSeconds:  envIntOrDefault("RELAYBOT_REQUEST_TIMEOUT_SECONDS", intOrDefault(fc.Model.RequestTimeoutSeconds, 120)),
		MaxRetries:             envIntOrDefault("RELAYBOT_MAX_RETRIES", maxRetries),
		Temperature:            envFloatOrDefault("RELAYBOT_TEMPERATURE", temperature),
		MaxTokens:              envIntOrDefault("RELAYBOT_MAX_TOKENS", intOrDefault(fc.Model.MaxTokens, 1024)),
		CircuitThreshold:       envIntOrDefault("RELAYBOT_CIRCUIT_THRESHOLD", intOrDefault(fc.Model.CircuitThreshold, 5)),
		CircuitCooldownSeconds: envIntOrDefault("RELAYBOT_CIRCUIT_COOLDOWN_SECONDS", intOrDefault(fc.Model.CircuitCooldownSeconds, 30)),

		LogLevel:  envOrDefault("RELAYBOT_LOG_LEVEL", orDefault(fc.Logging.Level, "info")),
		LogFormat: envOrDefault("RELAYBOT_LOG_FORMAT", orDefault(fc.Logging.Format, "text")),

		DummyProviderScript:  envOrDefault("RELAYBOT_DUMMY_PROVIDER_SCRIPT", "echo"),
		DummyCommanderScript: envOrDefault("RELAYBOT_DUMMY_COMMANDER_SCRIPT", "ok"),
		DummySendScript:      envOrDefault("RELAYBOT_DUMMY_COMMANDER_SEND_SCRIPT", "ok"),
	}

	if err := cfg.Validate(); err != nil {
		return BotConfig{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and consistent.
func (c BotConfig) Validate() error {
	switch c.Commander {
	case "telegram":
		if c.TelegramToken == "" {
			return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when RELAYBOT_COMMANDER=telegram")
		}
	case "dummy":
	default:
		return fmt.Errorf("RELAYBOT_COMMANDER must be telegram or dummy, got %q", c.Commander)
	}
	if c.HistoryWindow <= 0 {
		return fmt.Errorf("RELAYBOT_HISTORY_WINDOW must be > 0")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("RELAYBOT_REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("RELAYBOT_MAX_RETRIES must be >= 0")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("RELAYBOT_TEMPERATURE must be between 0 and 2, got %v", c.Temperature)
	}
	if c.Azure.APIKey != "" && !c.Azure.Enabled() {
		return fmt.Errorf("AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_DEPLOYMENT are required with AZURE_OPENAI_API_KEY")
	}

	enabled := c.EnabledBackends()
	if len(enabled) == 0 {
		return fmt.Errorf("no model backend configured: set GROQ_API_KEY or AZURE_OPENAI_API_KEY (or RELAYBOT_DUMMY_BACKEND=1)")
	}
	if c.DefaultBackend != "" {
		found := false
		for _, b := range enabled {
			if b == c.DefaultBackend {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("RELAYBOT_DEFAULT_BACKEND=%s is not configured (enabled: %s)", c.DefaultBackend, strings.Join(enabled, ","))
		}
	}
	return nil
}

// EnabledBackends lists the backend names that have enough configuration.
func (c BotConfig) EnabledBackends() []string {
	var out []string
	if c.Groq.Enabled() {
		out = append(out, "groq")
	}
	if c.Azure.Enabled() {
		out = append(out, "azure")
	}
	if c.DummyBackend {
		out = append(out, "dummy")
	}
	return out
}

func loadFile(path string, fc *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, fc); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), fc); err != nil {
			return fmt.Errorf("parsing config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloatOrDefault(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBoolOrDefault(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intOrDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
