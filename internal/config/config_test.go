package config

import (
	"strings"
	"testing"
	"time"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func (m *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.data[key]
	if !ok {
		return 0, false, nil
	}
	return v.(int), true, nil
}

func (m *mapBackend) SetString(key, val string) error  { m.data[key] = val; return nil }
func (m *mapBackend) SetInt(key string, val int) error { m.data[key] = val; return nil }
func (m *mapBackend) Delete(key string) error          { delete(m.data, key); return nil }

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AMA_LLM_API_KEY", "gsk-test")

	cfg, err := loadWith(&mapBackend{data: map[string]any{}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4600 {
		t.Errorf("port = %d, want 4600", cfg.Server.Port)
	}
	if cfg.LLM.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("base URL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.ChatModel != "llama3-8b-8192" {
		t.Errorf("chat model = %q", cfg.LLM.ChatModel)
	}
	if cfg.Retrieval.TopK != 5 {
		t.Errorf("top_k = %d, want 5", cfg.Retrieval.TopK)
	}
	if cfg.CacheTTL() != time.Hour {
		t.Errorf("cache ttl = %v, want 1h", cfg.CacheTTL())
	}
	if cfg.LLM.APIKey != "gsk-test" {
		t.Errorf("api key = %q", cfg.LLM.APIKey)
	}
}

func TestLoadBackendValues(t *testing.T) {
	t.Setenv("AMA_LLM_API_KEY", "gsk-test")

	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"server.port":       8080,
		"llm.chat_model":    "llama3-70b-8192",
		"retrieval.top_k":   8,
		"context.cache_ttl": "30m",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.LLM.ChatModel != "llama3-70b-8192" {
		t.Errorf("chat model = %q", cfg.LLM.ChatModel)
	}
	if cfg.Retrieval.TopK != 8 {
		t.Errorf("top_k = %d, want 8", cfg.Retrieval.TopK)
	}
	if cfg.CacheTTL() != 30*time.Minute {
		t.Errorf("cache ttl = %v, want 30m", cfg.CacheTTL())
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("AMA_LLM_API_KEY", "gsk-test")
	t.Setenv("AMA_SERVER_PORT", "9999")
	t.Setenv("AMA_LOG_LEVEL", "debug")

	cfg, err := loadWith(&mapBackend{data: map[string]any{
		"server.port": 8080,
		"log.level":   "warn",
	}})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, env should win over backend", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, env should win", cfg.Log.Level)
	}
}

func TestMissingAPIKeyFails(t *testing.T) {
	t.Setenv("AMA_LLM_API_KEY", "")

	_, err := loadWith(&mapBackend{data: map[string]any{}})
	if err == nil || !strings.Contains(err.Error(), "AMA_LLM_API_KEY") {
		t.Errorf("expected missing-key error naming the env var, got %v", err)
	}
}

func TestCacheTTLFallsBackOnGarbage(t *testing.T) {
	cfg := defaults()
	cfg.Context.CacheTTL = "soon"
	if cfg.CacheTTL() != time.Hour {
		t.Errorf("garbage TTL should fall back to 1h, got %v", cfg.CacheTTL())
	}
	cfg.Context.CacheTTL = "-5m"
	if cfg.CacheTTL() != time.Hour {
		t.Errorf("negative TTL should fall back to 1h, got %v", cfg.CacheTTL())
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "gsk-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "llm.api_key" || info.Value == "gsk-secret" {
			t.Errorf("secret leaked into ShowAll: %+v", info)
		}
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	want := map[string]bool{"server.port": false, "llm.chat_model": false, "context.cache_ttl": false}
	for _, k := range keys {
		if k == "llm.api_key" {
			t.Error("secret key should not be listed")
		}
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("expected key %q in ValidKeys", k)
		}
	}
}

func TestSetKey(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := SetKey("server.port", "7000"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey("server.port", "not-a-number"); err == nil {
		t.Error("expected error for non-integer port")
	}
	if err := SetKey("llm.api_key", "gsk-x"); err == nil {
		t.Error("secrets must not be settable via config file")
	}
	if err := SetKey("nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	b := newPlatformBackend()
	v, ok, err := b.GetInt("server.port")
	if err != nil || !ok || v != 7000 {
		t.Errorf("persisted port = %d ok=%v err=%v, want 7000", v, ok, err)
	}
}

func TestGetAPITokenPersists(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	kc := NewKeychain()

	first, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("GetAPIToken: %v", err)
	}
	if first == "" {
		t.Fatal("expected generated token")
	}

	second, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("second GetAPIToken: %v", err)
	}
	if second != first {
		t.Errorf("token not stable: %q vs %q", first, second)
	}
}
