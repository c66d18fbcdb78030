package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	LLM       LLMConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Context   ContextConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type LLMConfig struct {
	BaseURL      string
	EmbedBaseURL string
	ChatModel    string
	EmbedModel   string
	APIKey       string
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK int
}

type ContextConfig struct {
	CacheTTL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		LLM: LLMConfig{
			BaseURL:      "https://api.groq.com/openai/v1",
			EmbedBaseURL: "https://api.openai.com/v1",
			ChatModel:    "llama3-8b-8192",
			EmbedModel:   "text-embedding-ada-002",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK: 5,
		},
		Context: ContextConfig{
			CacheTTL: "1h",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/ama/config.json, then applies AMA_* environment variable
// overrides. The LLM API key is a secret and only ever comes from the
// environment (AMA_LLM_API_KEY).
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: LLM API key. Set it via environment variable AMA_LLM_API_KEY")
	}

	return cfg, nil
}

// CacheTTL parses the configured context cache TTL, falling back to one hour
// on a malformed value.
func (c Config) CacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Context.CacheTTL)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
