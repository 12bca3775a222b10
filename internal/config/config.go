// Package config loads the agentcore.yaml file used by the command line tool.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/avi3tal/agentcore/internal/fsutil"
	"github.com/avi3tal/agentcore/internal/graph"
)

// FileName is the configuration file searched for by Find
const FileName = "agentcore.yaml"

// Store backends
const (
	StoreFile   = "file"
	StoreBadger = "badger"
	StoreMemory = "memory"
)

// Model providers
const (
	ProviderNone   = ""
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// Config represents the agentcore.yaml configuration file
type Config struct {
	Version     string  `yaml:"version"`
	ProjectRoot string  `yaml:"project_root"`
	Store       Store   `yaml:"store"`
	Staging     Staging `yaml:"staging"`
	Engine      Engine  `yaml:"engine"`
	Log         Log     `yaml:"log"`
	Model       Model   `yaml:"model"`
}

// Store selects where staging sessions are persisted
type Store struct {
	Kind string `yaml:"kind"`
	// Path is the JSON file (file) or the database directory (badger).
	// Relative paths resolve against the project root.
	Path       string `yaml:"path,omitempty"`
	SyncWrites bool   `yaml:"sync_writes,omitempty"`
}

// Staging contains patch staging settings
type Staging struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Engine contains graph execution settings
type Engine struct {
	GraphID        string `yaml:"graph_id"`
	JoinSemantics  bool   `yaml:"join_semantics"`
	StrictHandlers bool   `yaml:"strict_handlers"`
	MaxSteps       int    `yaml:"max_steps,omitempty"`
	EventLog       string `yaml:"event_log,omitempty"`
}

// Log contains logger settings
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Model configures the language model behind the default handlers. An empty
// provider runs the handlers without a model.
type Model struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the provider token
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// GenerateDefault creates a Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:     "1",
		ProjectRoot: ".",
		Store:       Store{Kind: StoreFile},
		Staging:     Staging{SessionTTL: 24 * time.Hour},
		Engine:      Engine{GraphID: graph.DefaultGraphID},
		Log:         Log{Level: "info", Format: "text"},
	}
}

// Validate checks the configuration and returns user-friendly errors
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  version: \"1\"")
	}

	switch c.Store.Kind {
	case StoreFile, StoreBadger, StoreMemory:
	default:
		return fmt.Errorf("configuration error: invalid 'store.kind' value %q\n\nHint: Use one of:\n  store:\n    kind: file  # or badger, memory", c.Store.Kind)
	}

	if c.Staging.SessionTTL < 0 {
		return fmt.Errorf("configuration error: 'staging.session_ttl' must not be negative\n\nHint: Use a duration like:\n  staging:\n    session_ttl: 24h")
	}

	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("configuration error: 'engine.max_steps' must not be negative (0 means unlimited)")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("configuration error: invalid 'log.format' value %q\n\nHint: Use text or json", c.Log.Format)
	}

	switch c.Model.Provider {
	case ProviderNone:
	case ProviderOllama, ProviderOpenAI:
		if c.Model.Name == "" {
			return fmt.Errorf("configuration error: model provider %q needs 'model.name'\n\nHint:\n  model:\n    provider: %s\n    name: llama3", c.Model.Provider, c.Model.Provider)
		}
	default:
		return fmt.Errorf("configuration error: unknown model provider %q\n\nHint: Use ollama or openai, or leave it empty to run without a model", c.Model.Provider)
	}
	return nil
}

// Root resolves the project root relative to base
func (c *Config) Root(base string) string {
	if filepath.IsAbs(c.ProjectRoot) {
		return c.ProjectRoot
	}
	return filepath.Join(base, c.ProjectRoot)
}

// StorePath resolves the store path against root, applying the backend
// default when unset.
func (c *Config) StorePath(root string) string {
	p := c.Store.Path
	if p == "" {
		switch c.Store.Kind {
		case StoreBadger:
			p = ".agentcore/badger"
		default:
			p = ".agentcore_staging.json"
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// LoadFromFile reads a YAML configuration on top of the defaults. Unknown
// keys are rejected.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := GenerateDefault()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration atomically with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Find searches dir and its parents for FileName. It returns fs.ErrNotExist
// when none is found.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found: %w", FileName, fs.ErrNotExist)
		}
		dir = parent
	}
}
