// Package config loads vecmemo configuration for the CLI and servers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/vecmemo/internal/service"
)

const (
	// DefaultDataDir is the default directory name for vecmemo data.
	DefaultDataDir = ".vecmemo"
	// DefaultConfigFile is the default config filename inside the data dir.
	DefaultConfigFile = "config.yaml"
	// EnvPrefix is the prefix for environment overrides (VECMEMO_*).
	EnvPrefix = "VECMEMO"
)

// Config holds the application configuration.
type Config struct {
	// DataDir is the directory where vecmemo stores its databases.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir,omitempty"`

	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding,omitempty"`
	Indexing  IndexingConfig  `mapstructure:"indexing" yaml:"indexing,omitempty"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server,omitempty"`

	// Attach maps schema aliases to auxiliary database paths.
	Attach map[string]string `mapstructure:"attach" yaml:"attach,omitempty"`
}

// EmbeddingConfig selects and configures the embedding service.
type EmbeddingConfig struct {
	// Service names a pre-registered service; when empty the inline fields
	// below define one.
	Service    string `mapstructure:"service" yaml:"service,omitempty"`
	Format     string `mapstructure:"format" yaml:"format,omitempty"`
	Model      string `mapstructure:"model" yaml:"model,omitempty"`
	BaseURL    string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Dimensions int    `mapstructure:"dimensions" yaml:"dimensions,omitempty"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens,omitempty"`
	// APIKey can also come from VECMEMO_API_KEY or OPENAI_API_KEY.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// IndexingConfig holds ingestion settings.
type IndexingConfig struct {
	ChunkMaxTokens int  `mapstructure:"chunk_max_tokens" yaml:"chunk_max_tokens,omitempty"`
	StoreText      bool `mapstructure:"store_text" yaml:"store_text"`
	BatchSize      int  `mapstructure:"batch_size" yaml:"batch_size,omitempty"`
	MaxRetries     int  `mapstructure:"max_retries" yaml:"max_retries,omitempty"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host,omitempty"`
	Port int    `mapstructure:"port" yaml:"port,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Embedding: EmbeddingConfig{
			Format:     "openai",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			MaxTokens:  8191,
		},
		Indexing: IndexingConfig{
			ChunkMaxTokens: 2000,
			StoreText:      true,
			BatchSize:      100,
			MaxRetries:     3,
		},
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}
}

// Load reads configuration from the config file under dir (when present)
// and the environment, over the defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("data_dir", filepath.Join(dir, DefaultDataDir))
	v.SetDefault("embedding.format", def.Embedding.Format)
	v.SetDefault("embedding.model", def.Embedding.Model)
	v.SetDefault("embedding.dimensions", def.Embedding.Dimensions)
	v.SetDefault("embedding.max_tokens", def.Embedding.MaxTokens)
	v.SetDefault("indexing.chunk_max_tokens", def.Indexing.ChunkMaxTokens)
	v.SetDefault("indexing.store_text", def.Indexing.StoreText)
	v.SetDefault("indexing.batch_size", def.Indexing.BatchSize)
	v.SetDefault("indexing.max_retries", def.Indexing.MaxRetries)
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)

	v.SetConfigFile(filepath.Join(dir, DefaultDataDir, DefaultConfigFile))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv(EnvPrefix + "_API_KEY")
	}
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return &cfg, nil
}

// Write saves the configuration as YAML to the config file under its data
// dir, creating the directory when needed.
func (c *Config) Write() error {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(filepath.Join(c.DataDir, DefaultConfigFile), data, 0o644)
}

// ServiceConfig converts the loaded configuration into a service bind.
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		DataDir:        c.DataDir,
		APIKey:         c.Embedding.APIKey,
		Service:        c.Embedding.Service,
		Format:         c.Embedding.Format,
		BaseURL:        c.Embedding.BaseURL,
		Model:          c.Embedding.Model,
		Dimensions:     c.Embedding.Dimensions,
		MaxTokens:      c.Embedding.MaxTokens,
		ChunkMaxTokens: c.Indexing.ChunkMaxTokens,
		StoreText:      c.Indexing.StoreText,
		Attach:         c.Attach,
		BatchSize:      c.Indexing.BatchSize,
		MaxRetries:     c.Indexing.MaxRetries,
	}
}
