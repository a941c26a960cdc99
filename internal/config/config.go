// Package config loads and watches the gateway configuration: listen
// address, provider catalog with model tiers, token limits and the
// transformer table. Files are JSON or YAML, picked by extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/hitsmaxft/cc-proxy/internal/transform"
)

const (
	DefaultPort           = 8082
	DefaultHost           = "0.0.0.0"
	DefaultConfigFilename = "config.json"

	DefaultRequestTimeout = 90
	DefaultMinTokens      = 100
	DefaultMaxTokens      = 4096

	// DefaultLongContextThreshold is the request token count above
	// which tier-mapped models are promoted to the big tier.
	DefaultLongContextThreshold = 60000
)

// Provider kinds select the upstream transport dialect.
const (
	KindForeign = "foreign" // chat-completions dialect
	KindNative  = "native"  // Anthropic dialect, passthrough
)

type Provider struct {
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	APIKey  string `json:"api_key" yaml:"api_key"`

	BigModels    []string `json:"big_models,omitempty" yaml:"big_models,omitempty"`
	MiddleModels []string `json:"middle_models,omitempty" yaml:"middle_models,omitempty"`
	SmallModels  []string `json:"small_models,omitempty" yaml:"small_models,omitempty"`

	// Models is the legacy flat list searched when no tier matches.
	Models []string `json:"models,omitempty" yaml:"models,omitempty"`

	// ExtraHeaders are forwarded verbatim on every upstream request.
	ExtraHeaders map[string]string `json:"extra_headers,omitempty" yaml:"extra_headers,omitempty"`
}

// IsNative reports whether the provider speaks the Anthropic dialect.
func (p *Provider) IsNative() bool {
	return strings.EqualFold(p.Kind, KindNative) || strings.EqualFold(p.Kind, "anthropic")
}

type Config struct {
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`

	// DBFile is the SQLite history database path. Empty disables
	// persistence.
	DBFile string `json:"db_file,omitempty" yaml:"db_file,omitempty"`

	RequestTimeout       int `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	MinTokensLimit       int `json:"min_tokens_limit,omitempty" yaml:"min_tokens_limit,omitempty"`
	MaxTokensLimit       int `json:"max_tokens_limit,omitempty" yaml:"max_tokens_limit,omitempty"`
	LongContextThreshold int `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty"`

	Providers []Provider `json:"providers" yaml:"providers"`

	Transformers map[string]transform.Config `json:"transformers,omitempty" yaml:"transformers,omitempty"`
}

// FindProvider returns the named provider, case-insensitively.
func (c *Config) FindProvider(name string) *Provider {
	for i := range c.Providers {
		if strings.EqualFold(c.Providers[i].Name, name) {
			return &c.Providers[i]
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MinTokensLimit == 0 {
		c.MinTokensLimit = DefaultMinTokens
	}
	if c.MaxTokensLimit == 0 {
		c.MaxTokensLimit = DefaultMaxTokens
	}
	if c.LongContextThreshold == 0 {
		c.LongContextThreshold = DefaultLongContextThreshold
	}
}

// Validate rejects configs the router cannot route with.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: no providers defined")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		lower := strings.ToLower(p.Name)
		if seen[lower] {
			return fmt.Errorf("config: duplicate provider %q", p.Name)
		}
		seen[lower] = true
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q has no base_url", p.Name)
		}
	}
	return nil
}

// Manager holds the current config behind an atomic snapshot so hot
// reloads never tear a request's view.
type Manager struct {
	configPath  string
	configValue atomic.Value
}

func NewManager(path string) *Manager {
	return &Manager{configPath: path}
}

func NewManagerInDir(baseDir string) *Manager {
	return &Manager{configPath: filepath.Join(baseDir, DefaultConfigFilename)}
}

func (m *Manager) Load() (*Config, error) {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, m.configPath)
	if err != nil {
		return nil, err
	}

	m.configValue.Store(cfg)
	return cfg, nil
}

// Parse decodes raw config bytes. ${VAR} references are expanded from
// the environment before decoding; unknown variables expand to empty.
func Parse(data []byte, path string) (*Config, error) {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal json config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the current snapshot, loading lazily on first use. A
// failed lazy load yields bare defaults rather than nil.
func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		fallback := &Config{}
		fallback.applyDefaults()
		return fallback
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(m.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	m.configValue.Store(cfg)
	return nil
}

func (m *Manager) GetPath() string {
	return m.configPath
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.configPath)
	return err == nil
}
