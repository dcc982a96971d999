package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all persona configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM generation configuration
	Generation GenerationConfig `yaml:"generation"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Similarity filter configuration
	Dedup DedupConfig `yaml:"dedup"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Social platform REST endpoint
	Platform PlatformConfig `yaml:"platform"`

	// Character definitions directory
	CharactersDir string `yaml:"characters_dir"`

	// Directory for scheduler resume snapshots
	SnapshotsDir string `yaml:"snapshots_dir"`

	// Workspace root for file logging
	Workspace string `yaml:"workspace"`
}

// GenerationConfig configures the LLM completion capability.
type GenerationConfig struct {
	Provider string `yaml:"provider"` // openai-compatible endpoint
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// Ollama Configuration
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	// GenAI Configuration
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`

	// Expected embedding dimensionality; writes with any other size fail.
	Dimensions int `yaml:"dimensions"`
}

// DedupConfig configures the similarity filter.
type DedupConfig struct {
	Threshold  float64 `yaml:"threshold"`
	SampleSize int     `yaml:"sample_size"`

	// Scope: "character" compares only against the same character's past
	// posts, "global" compares against everything in the index.
	Scope string `yaml:"scope"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// PlatformConfig points at the timeline platform's REST API. The token
// can also come from the PERSONA_PLATFORM_TOKEN env var.
type PlatformConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "persona",
		Version: "0.3.0",

		Generation: GenerationConfig{
			Provider: "openai",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "all-minilm",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     384,
		},

		Dedup: DedupConfig{
			Threshold:  0.85,
			SampleSize: 5,
			Scope:      "character",
		},

		Storage: StorageConfig{
			DatabasePath: "data/persona.db",
		},

		Platform: PlatformConfig{
			Name:    "twitter",
			BaseURL: "http://localhost:3000",
		},

		CharactersDir: "characters",
		SnapshotsDir:  "data/snapshots",
		Workspace:     ".",
	}
}

// Load loads configuration from a YAML file, applying defaults for
// anything the file leaves unset.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv injects secrets that never live in the YAML file.
func applyEnv(cfg *Config) {
	if token := os.Getenv("PERSONA_PLATFORM_TOKEN"); token != "" {
		cfg.Platform.Token = token
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Generation.APIKey == "" {
		cfg.Generation.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Embedding.GenAIAPIKey == "" {
		cfg.Embedding.GenAIAPIKey = key
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup threshold must be in [0,1], got %.2f", c.Dedup.Threshold)
	}
	if c.Dedup.SampleSize <= 0 {
		return fmt.Errorf("dedup sample_size must be positive, got %d", c.Dedup.SampleSize)
	}
	switch c.Dedup.Scope {
	case "character", "global":
	default:
		return fmt.Errorf("dedup scope must be \"character\" or \"global\", got %q", c.Dedup.Scope)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	return nil
}

// GenerationTimeout parses the generation timeout, defaulting to 120s.
func (c *Config) GenerationTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generation.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}
