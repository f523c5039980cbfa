// Package config loads, validates, and hot-reloads the creditgate
// configuration from TOML files and CREDITGATE_ environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// configPtr holds the current config for thread-safe access.
var configPtr atomic.Pointer[Config]

// loadedConfigFile stores the path of the config file used by the last successful Load.
var loadedConfigFile atomic.Value

// Get returns the current Config. It is safe for concurrent use.
// If no config has been loaded yet, it returns the default config.
func Get() *Config {
	if c := configPtr.Load(); c != nil {
		return c
	}
	d := DefaultConfig()
	configPtr.Store(d)
	return d
}

// set stores a new Config atomically.
func set(cfg *Config) {
	configPtr.Store(cfg)
}

// Config is the top-level configuration for creditgate.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"    toml:"server"`
	Cache     CacheConfig            `mapstructure:"cache"     toml:"cache"`
	Tokenizer TokenizerConfig        `mapstructure:"tokenizer" toml:"tokenizer"`
	Pricing   map[string]PriceConfig `mapstructure:"pricing"   toml:"pricing"`
	Embedding EmbeddingConfig        `mapstructure:"embedding" toml:"embedding"`
	Logging   LoggingConfig          `mapstructure:"logging"   toml:"logging"`
}

// ServerConfig holds the core server settings.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address" toml:"bind_address"`
	GatePort    int    `mapstructure:"gate_port"    toml:"gate_port"`
	AdminPort   int    `mapstructure:"admin_port"   toml:"admin_port"`
	LogLevel    string `mapstructure:"log_level"    toml:"log_level"`
	DataDir     string `mapstructure:"data_dir"     toml:"data_dir"`
}

// GateAddr returns the governance API listen address.
func (s ServerConfig) GateAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.GatePort)
}

// AdminAddr returns the admin API listen address.
func (s ServerConfig) AdminAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.AdminPort)
}

// CacheConfig controls the semantic response cache.
type CacheConfig struct {
	Enabled                bool           `mapstructure:"enabled"                   toml:"enabled"`
	SimilarityThreshold    float64        `mapstructure:"similarity_threshold"      toml:"similarity_threshold"`
	TTLSeconds             int            `mapstructure:"ttl_seconds"               toml:"ttl_seconds"`
	ModelTTLSeconds        map[string]int `mapstructure:"model_ttl_seconds"         toml:"model_ttl_seconds"`
	MaxEntriesPerNamespace int            `mapstructure:"max_entries_per_namespace" toml:"max_entries_per_namespace"`
	ValidateResponses      bool           `mapstructure:"validate_responses"        toml:"validate_responses"`
	MinResponseLength      int            `mapstructure:"min_response_length"       toml:"min_response_length"`
}

// TTL returns the default cache TTL as a time.Duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// ModelTTLs converts the per-model TTL overrides to durations.
func (c CacheConfig) ModelTTLs() map[string]time.Duration {
	if len(c.ModelTTLSeconds) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.ModelTTLSeconds))
	for model, secs := range c.ModelTTLSeconds {
		out[model] = time.Duration(secs) * time.Second
	}
	return out
}

// TokenizerConfig controls token estimation.
type TokenizerConfig struct {
	CharsPerToken  float64 `mapstructure:"chars_per_token" toml:"chars_per_token"`
	PreciseEnabled bool    `mapstructure:"precise_enabled" toml:"precise_enabled"`
}

// PriceConfig describes the price of one model, keyed in the pricing map as
// "provider/model" or a bare model name for a provider-agnostic fallback.
type PriceConfig struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"  toml:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million" toml:"output_per_million"`
	Free             bool    `mapstructure:"free"               toml:"free"`
}

// EmbeddingConfig describes the embedding provider backing semantic lookups.
type EmbeddingConfig struct {
	APIBase   string `mapstructure:"api_base"   toml:"api_base"`
	Model     string `mapstructure:"model"      toml:"model"`
	KeyRef    string `mapstructure:"key_ref"    toml:"key_ref"`
	Timeout   int    `mapstructure:"timeout"    toml:"timeout"` // seconds
	CacheSize int    `mapstructure:"cache_size" toml:"cache_size"`
}

// TimeoutDuration returns the embedding request timeout as a time.Duration.
func (e EmbeddingConfig) TimeoutDuration() time.Duration {
	if e.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.Timeout) * time.Second
}

// LoggingConfig controls the async request logger.
type LoggingConfig struct {
	BufferSize      int `mapstructure:"buffer_size"       toml:"buffer_size"`
	BatchSize       int `mapstructure:"batch_size"        toml:"batch_size"`
	FlushIntervalMs int `mapstructure:"flush_interval_ms" toml:"flush_interval_ms"`
	FlushTimeoutMs  int `mapstructure:"flush_timeout_ms"  toml:"flush_timeout_ms"`
	MaxRetries      int `mapstructure:"max_retries"       toml:"max_retries"`
	RetryBaseMs     int `mapstructure:"retry_base_ms"     toml:"retry_base_ms"`
}

// Load reads configuration from disk with the following precedence:
//  1. Environment variables (CREDITGATE_ prefix, _ as separator)
//  2. The file at explicitPath if non-empty
//  3. ~/.creditgate/creditgate.toml
//  4. ./creditgate.toml
//  5. Built-in defaults
//
// The loaded config is validated and stored in the global atomic pointer.
func Load(explicitPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Set all defaults from the default config so viper knows every key.
	setViperDefaults(v)

	// Environment variable overlay: CREDITGATE_SERVER_ADMIN_PORT etc.
	v.SetEnvPrefix("CREDITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(homeDir, ".creditgate"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("creditgate")
	}

	if err := v.ReadInConfig(); err != nil {
		// If no config file exists we still proceed with defaults + env.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if cf := v.ConfigFileUsed(); cf != "" {
		loadedConfigFile.Store(cf)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Server.DataDir = expandHome(cfg.Server.DataDir)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	set(cfg)
	return cfg, nil
}

// InitConfig writes the default configuration file to
// ~/.creditgate/creditgate.toml. If the file already exists it is not
// overwritten.
func InitConfig() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("determining home directory: %w", err)
	}

	dir := filepath.Join(homeDir, ".creditgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	path := filepath.Join(dir, DefaultConfigFilename)
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists: %s\n", path)
		return nil
	}

	cfg := DefaultConfig()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Config written to %s\n", path)
	return nil
}

// ExportConfig writes the current config to the given path in TOML format.
func ExportConfig(path string) error {
	cfg := Get()
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was loaded, or
// empty if no file was found.
func ConfigFilePath() string {
	if v, ok := loadedConfigFile.Load().(string); ok {
		return v
	}
	return ""
}

// setViperDefaults registers every known key with viper so that env var binding
// works for all fields even when no config file is present.
func setViperDefaults(v *viper.Viper) {
	d := DefaultConfig()

	// Server
	v.SetDefault("server.bind_address", d.Server.BindAddress)
	v.SetDefault("server.gate_port", d.Server.GatePort)
	v.SetDefault("server.admin_port", d.Server.AdminPort)
	v.SetDefault("server.log_level", d.Server.LogLevel)
	v.SetDefault("server.data_dir", d.Server.DataDir)

	// Cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.similarity_threshold", d.Cache.SimilarityThreshold)
	v.SetDefault("cache.ttl_seconds", d.Cache.TTLSeconds)
	v.SetDefault("cache.max_entries_per_namespace", d.Cache.MaxEntriesPerNamespace)
	v.SetDefault("cache.validate_responses", d.Cache.ValidateResponses)
	v.SetDefault("cache.min_response_length", d.Cache.MinResponseLength)

	// Tokenizer
	v.SetDefault("tokenizer.chars_per_token", d.Tokenizer.CharsPerToken)
	v.SetDefault("tokenizer.precise_enabled", d.Tokenizer.PreciseEnabled)

	// Embedding
	v.SetDefault("embedding.api_base", d.Embedding.APIBase)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.key_ref", d.Embedding.KeyRef)
	v.SetDefault("embedding.timeout", d.Embedding.Timeout)
	v.SetDefault("embedding.cache_size", d.Embedding.CacheSize)

	// Logging
	v.SetDefault("logging.buffer_size", d.Logging.BufferSize)
	v.SetDefault("logging.batch_size", d.Logging.BatchSize)
	v.SetDefault("logging.flush_interval_ms", d.Logging.FlushIntervalMs)
	v.SetDefault("logging.flush_timeout_ms", d.Logging.FlushTimeoutMs)
	v.SetDefault("logging.max_retries", d.Logging.MaxRetries)
	v.SetDefault("logging.retry_base_ms", d.Logging.RetryBaseMs)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
