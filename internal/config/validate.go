package config

import (
	"fmt"
	"strings"
)

// validate checks the Config for invalid or out-of-range values.
// It returns a combined error if any checks fail.
func validate(cfg *Config) error {
	var errs []string

	// Server validation
	if cfg.Server.GatePort < 1 || cfg.Server.GatePort > 65535 {
		errs = append(errs, fmt.Sprintf("server.gate_port must be between 1 and 65535, got %d", cfg.Server.GatePort))
	}
	if cfg.Server.AdminPort < 1 || cfg.Server.AdminPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.admin_port must be between 1 and 65535, got %d", cfg.Server.AdminPort))
	}
	if cfg.Server.GatePort == cfg.Server.AdminPort {
		errs = append(errs, fmt.Sprintf("server.gate_port and server.admin_port must differ, both are %d", cfg.Server.GatePort))
	}
	if !isValidEnum(cfg.Server.LogLevel, ValidLogLevels) {
		errs = append(errs, fmt.Sprintf("server.log_level must be one of %v, got %q", ValidLogLevels, cfg.Server.LogLevel))
	}
	if cfg.Server.DataDir == "" {
		errs = append(errs, "server.data_dir must not be empty")
	}

	// Cache validation
	if cfg.Cache.SimilarityThreshold < 0 || cfg.Cache.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Sprintf("cache.similarity_threshold must be between 0 and 1, got %f", cfg.Cache.SimilarityThreshold))
	}
	if cfg.Cache.TTLSeconds < 0 {
		errs = append(errs, fmt.Sprintf("cache.ttl_seconds must be non-negative, got %d", cfg.Cache.TTLSeconds))
	}
	for model, secs := range cfg.Cache.ModelTTLSeconds {
		if secs < 0 {
			errs = append(errs, fmt.Sprintf("cache.model_ttl_seconds[%q] must be non-negative, got %d", model, secs))
		}
	}
	if cfg.Cache.MaxEntriesPerNamespace < 1 {
		errs = append(errs, fmt.Sprintf("cache.max_entries_per_namespace must be at least 1, got %d", cfg.Cache.MaxEntriesPerNamespace))
	}
	if cfg.Cache.MinResponseLength < 0 {
		errs = append(errs, fmt.Sprintf("cache.min_response_length must be non-negative, got %d", cfg.Cache.MinResponseLength))
	}

	// Tokenizer validation
	if cfg.Tokenizer.CharsPerToken <= 0 {
		errs = append(errs, fmt.Sprintf("tokenizer.chars_per_token must be positive, got %f", cfg.Tokenizer.CharsPerToken))
	}

	// Pricing validation
	for key, p := range cfg.Pricing {
		if key == "" {
			errs = append(errs, "pricing keys must not be empty")
		}
		if p.InputPerMillion < 0 {
			errs = append(errs, fmt.Sprintf("pricing.%s.input_per_million must be non-negative, got %f", key, p.InputPerMillion))
		}
		if p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Sprintf("pricing.%s.output_per_million must be non-negative, got %f", key, p.OutputPerMillion))
		}
	}

	// Embedding validation
	if cfg.Cache.Enabled {
		if cfg.Embedding.APIBase == "" {
			errs = append(errs, "embedding.api_base must not be empty when cache is enabled")
		}
		if cfg.Embedding.Model == "" {
			errs = append(errs, "embedding.model must not be empty when cache is enabled")
		}
	}
	if cfg.Embedding.Timeout < 0 {
		errs = append(errs, fmt.Sprintf("embedding.timeout must be non-negative, got %d", cfg.Embedding.Timeout))
	}
	if cfg.Embedding.CacheSize < 0 {
		errs = append(errs, fmt.Sprintf("embedding.cache_size must be non-negative, got %d", cfg.Embedding.CacheSize))
	}

	// Logging validation
	if cfg.Logging.BufferSize < 1 {
		errs = append(errs, fmt.Sprintf("logging.buffer_size must be at least 1, got %d", cfg.Logging.BufferSize))
	}
	if cfg.Logging.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("logging.batch_size must be at least 1, got %d", cfg.Logging.BatchSize))
	}
	if cfg.Logging.BatchSize > cfg.Logging.BufferSize {
		errs = append(errs, fmt.Sprintf("logging.batch_size must not exceed logging.buffer_size, got %d > %d", cfg.Logging.BatchSize, cfg.Logging.BufferSize))
	}
	if cfg.Logging.FlushIntervalMs < 1 {
		errs = append(errs, fmt.Sprintf("logging.flush_interval_ms must be at least 1, got %d", cfg.Logging.FlushIntervalMs))
	}
	if cfg.Logging.FlushTimeoutMs < 1 {
		errs = append(errs, fmt.Sprintf("logging.flush_timeout_ms must be at least 1, got %d", cfg.Logging.FlushTimeoutMs))
	}
	if cfg.Logging.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("logging.max_retries must be non-negative, got %d", cfg.Logging.MaxRetries))
	}
	if cfg.Logging.RetryBaseMs < 0 {
		errs = append(errs, fmt.Sprintf("logging.retry_base_ms must be non-negative, got %d", cfg.Logging.RetryBaseMs))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// isValidEnum returns true if val is in the allowed list (case-insensitive).
func isValidEnum(val string, allowed []string) bool {
	lower := strings.ToLower(val)
	for _, a := range allowed {
		if strings.ToLower(a) == lower {
			return true
		}
	}
	return false
}
