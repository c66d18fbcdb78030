package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Keychain stores secrets in a mode-0600 JSON file under the data directory.
type Keychain struct {
	path string
}

// NewKeychain returns the default secrets store.
func NewKeychain() *Keychain {
	return &Keychain{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

// Get returns the stored value for service/account.
func (k *Keychain) Get(service, account string) (string, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return "", fmt.Errorf("secrets store not available: %w", err)
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	svc, ok := secrets[service]
	if !ok {
		return "", fmt.Errorf("service %q not found", service)
	}
	val, ok := svc[account]
	if !ok {
		return "", fmt.Errorf("account %q not found in service %q", account, service)
	}
	return strings.TrimSpace(val), nil
}

// Set stores a value for service/account.
func (k *Keychain) Set(service, account, value string) error {
	var secrets map[string]map[string]string

	data, err := os.ReadFile(k.path)
	if err == nil {
		_ = json.Unmarshal(data, &secrets)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.path, out, 0o600)
}

const (
	secretService   = "ama"
	apiTokenAccount = "api_token"
)

// GetAPIToken returns the bearer token protecting the local HTTP API,
// generating and persisting one on first use.
func GetAPIToken(kc *Keychain) (string, error) {
	if token, err := kc.Get(secretService, apiTokenAccount); err == nil && token != "" {
		return token, nil
	}

	token := uuid.NewString()
	if err := kc.Set(secretService, apiTokenAccount, token); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return token, nil
}
