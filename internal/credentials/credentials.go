// Package credentials resolves the Anthropic API key: the environment
// variable wins, the credentials file is the fallback, and absence is a
// non-fatal condition the caller surfaces to the user.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvVar is checked before any file.
const EnvVar = "ANTHROPIC_API_KEY"

// Credentials stores the API key on disk.
type Credentials struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
}

// Manager handles credential storage and retrieval.
type Manager struct {
	path string
}

// NewManager creates a credential manager. MIXPILOT_CREDENTIALS_PATH
// overrides the default ~/.mixpilot/credentials.yaml.
func NewManager() *Manager {
	credPath := os.Getenv("MIXPILOT_CREDENTIALS_PATH")
	if credPath == "" {
		credPath = filepath.Join(getConfigDir(), "credentials.yaml")
	}
	return &Manager{path: credPath}
}

func getConfigDir() string {
	if configDir := os.Getenv("MIXPILOT_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mixpilot"
	}
	return filepath.Join(home, ".mixpilot")
}

// Resolve returns the API key, preferring the environment. An empty
// string means no key is configured anywhere.
func (m *Manager) Resolve() string {
	if key := strings.TrimSpace(os.Getenv(EnvVar)); key != "" {
		return key
	}
	creds, err := m.Load()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(creds.AnthropicAPIKey)
}

// Load reads credentials from disk. A missing file is not an error.
func (m *Manager) Load() (*Credentials, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{}, nil
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &creds, nil
}

// Save writes credentials with user-only permissions.
func (m *Manager) Save(creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := yaml.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Exists checks if the credentials file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Path returns the credentials file path.
func (m *Manager) Path() string {
	return m.path
}
