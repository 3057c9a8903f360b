package config

import (
	"fmt"
	"os"
	"time"

	"lmperplexity/internal/util"

	"gopkg.in/yaml.v2"
)

// Model types
const (
	ModelTypeCounting = "counting" // trained from a corpus directory
	ModelTypeARPA     = "arpa"     // loaded from an ARPA file
	ModelTypeSaved    = "saved"    // loaded from a gob snapshot in the model dir
)

// Config is the whole server configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Mcp      McpConfig      `yaml:"mcp"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Models   []ModelConfig  `yaml:"models"`
}

type AppConfig struct {
	Port               int           `yaml:"port"`
	LogLevel           string        `yaml:"log_level"`
	LogOutputs         []string      `yaml:"log_outputs"`
	ModelDir           string        `yaml:"model_dir"`
	NumFileThreads     int           `yaml:"num_file_threads"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`
	Metrics            bool          `yaml:"metrics"`
}

type McpConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultsConfig holds the settings models inherit unless they override them
type DefaultsConfig struct {
	Order        int     `yaml:"order"`
	Boundary     int     `yaml:"boundary"`      // -1 omit, 0 none, 1 pad, 2 grow
	SentenceTags int     `yaml:"sentence_tags"` // 0 none, 1 <s>, 2 </s>, 3 both
	SkipOOV      bool    `yaml:"skip_oov"`
	Smoother     string  `yaml:"smoother"`
	K            float64 `yaml:"k"`
}

// ModelConfig describes one language model served by name
type ModelConfig struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Language string `yaml:"language"` // tokenizer used for queries, "text" by default

	// counting models
	Corpus        string  `yaml:"corpus"`
	Order         int     `yaml:"order"`
	Smoother      string  `yaml:"smoother"`
	K             float64 `yaml:"k"`
	Store         string  `yaml:"store"` // map or trie
	Bloom         bool    `yaml:"bloom"`
	BloomExpected uint    `yaml:"bloom_expected"`
	BloomFPRate   float64 `yaml:"bloom_fp_rate"`
	Save          bool    `yaml:"save"`
	Rebuild       bool    `yaml:"rebuild"`

	// arpa models
	Path string `yaml:"path"`

	Boundary     *int  `yaml:"boundary"`
	SentenceTags *int  `yaml:"sentence_tags"`
	SkipOOV      *bool `yaml:"skip_oov"`
}

// LoadConfig reads, defaults and validates a YAML configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if len(c.App.LogOutputs) == 0 {
		c.App.LogOutputs = []string{"stdout"}
	}
	if c.App.ModelDir == "" {
		c.App.ModelDir = "./ngram_models"
	}
	if c.App.NumFileThreads == 0 {
		c.App.NumFileThreads = 2
	}
	if c.App.SessionIdleTimeout == 0 {
		c.App.SessionIdleTimeout = 30 * time.Minute
	}
	if c.Mcp.Path == "" {
		c.Mcp.Path = "/api/mcp"
	}
	if c.Defaults.Order == 0 {
		c.Defaults.Order = 3
	}
	if c.Defaults.Smoother == "" {
		c.Defaults.Smoother = "MLE"
	}
	if c.Defaults.K == 0 {
		c.Defaults.K = 1
	}

	for i := range c.Models {
		m := &c.Models[i]
		if m.Type == "" {
			m.Type = ModelTypeCounting
		}
		if m.Language == "" {
			m.Language = "text"
		}
		if m.Order == 0 {
			m.Order = c.Defaults.Order
		}
		if m.Smoother == "" {
			m.Smoother = c.Defaults.Smoother
		}
		if m.K == 0 {
			m.K = c.Defaults.K
		}
		if m.Store == "" {
			m.Store = "map"
		}
		if m.Boundary == nil {
			m.Boundary = util.Ptr(c.Defaults.Boundary)
		}
		if m.SentenceTags == nil {
			m.SentenceTags = util.Ptr(c.Defaults.SentenceTags)
		}
		if m.SkipOOV == nil {
			m.SkipOOV = util.Ptr(c.Defaults.SkipOOV)
		}
	}
}

// Validate checks the configuration for errors that would only surface at startup
func (c *Config) Validate() error {
	if c.App.Port < 0 || c.App.Port > 65535 {
		return fmt.Errorf("app.port %d out of range", c.App.Port)
	}
	if c.Defaults.Order < 1 {
		return fmt.Errorf("defaults.order must be positive, got %d", c.Defaults.Order)
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("models[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("models[%d]: duplicate model name %q", i, m.Name)
		}
		seen[m.Name] = true

		switch m.Type {
		case ModelTypeCounting:
			if m.Corpus == "" {
				return fmt.Errorf("model %q: corpus is required for counting models", m.Name)
			}
		case ModelTypeARPA:
			if m.Path == "" {
				return fmt.Errorf("model %q: path is required for arpa models", m.Name)
			}
		case ModelTypeSaved:
		default:
			return fmt.Errorf("model %q: unknown type %q", m.Name, m.Type)
		}

		if m.Order < 1 {
			return fmt.Errorf("model %q: order must be positive, got %d", m.Name, m.Order)
		}
		if m.Store != "map" && m.Store != "trie" {
			return fmt.Errorf("model %q: unknown store %q", m.Name, m.Store)
		}
		if m.Bloom && m.Store != "trie" {
			return fmt.Errorf("model %q: bloom requires the trie store", m.Name)
		}
		if m.BloomFPRate < 0 || m.BloomFPRate >= 1 {
			return fmt.Errorf("model %q: bloom_fp_rate must be in [0, 1)", m.Name)
		}
		if m.Boundary != nil && (*m.Boundary < -1 || *m.Boundary > 2) {
			return fmt.Errorf("model %q: boundary must be -1..2, got %d", m.Name, *m.Boundary)
		}
		if m.SentenceTags != nil && (*m.SentenceTags < 0 || *m.SentenceTags > 3) {
			return fmt.Errorf("model %q: sentence_tags must be 0..3, got %d", m.Name, *m.SentenceTags)
		}
	}
	return nil
}

// GetModel returns the configuration of the named model
func (c *Config) GetModel(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}
