package config

// DefaultBindAddress is the default bind address (localhost only for security).
const DefaultBindAddress = "127.0.0.1"

// DefaultGatePort is the default port for the governance API server.
const DefaultGatePort = 7780

// DefaultAdminPort is the default port for the admin API server.
const DefaultAdminPort = 7781

// DefaultLogLevel is the default log level.
const DefaultLogLevel = "info"

// DefaultDataDir is the default data directory (before tilde expansion).
const DefaultDataDir = "~/.creditgate"

// DefaultConfigFilename is the name of the config file.
const DefaultConfigFilename = "creditgate.toml"

// DefaultSimilarityThreshold is the minimum cosine similarity for a
// semantic cache hit.
const DefaultSimilarityThreshold = 0.92

// DefaultCacheTTLSeconds is the default cache entry lifetime (24 hours).
const DefaultCacheTTLSeconds = 86400

// DefaultMaxEntriesPerNamespace caps the per-namespace cache size.
const DefaultMaxEntriesPerNamespace = 10000

// DefaultMinResponseLength is the minimum response body length accepted by
// the cache poisoning guard.
const DefaultMinResponseLength = 10

// DefaultCharsPerToken is the heuristic character-to-token ratio.
const DefaultCharsPerToken = 4.0

// DefaultEmbeddingModel is the embedding model used for semantic lookups.
const DefaultEmbeddingModel = "text-embedding-3-small"

// DefaultEmbeddingTimeout is the default embedding request timeout in seconds.
const DefaultEmbeddingTimeout = 10

// DefaultEmbeddingCacheSize caps the embedding memoization LRU.
const DefaultEmbeddingCacheSize = 1000

// DefaultLogBufferSize is the request logger's channel capacity.
const DefaultLogBufferSize = 1024

// DefaultLogBatchSize is the number of records that triggers a flush.
const DefaultLogBatchSize = 64

// DefaultLogFlushIntervalMs is the time-based flush interval in milliseconds.
const DefaultLogFlushIntervalMs = 2000

// DefaultLogFlushTimeoutMs bounds a single flush attempt in milliseconds.
const DefaultLogFlushTimeoutMs = 5000

// DefaultLogMaxRetries is the number of flush retries before a batch is dropped.
const DefaultLogMaxRetries = 3

// DefaultLogRetryBaseMs is the base delay for flush retry backoff in milliseconds.
const DefaultLogRetryBaseMs = 200

// ValidLogLevels lists the allowed log level values.
var ValidLogLevels = []string{"trace", "debug", "info", "warn", "error", "fatal"}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: DefaultBindAddress,
			GatePort:    DefaultGatePort,
			AdminPort:   DefaultAdminPort,
			LogLevel:    DefaultLogLevel,
			DataDir:     DefaultDataDir,
		},
		Cache: CacheConfig{
			Enabled:                true,
			SimilarityThreshold:    DefaultSimilarityThreshold,
			TTLSeconds:             DefaultCacheTTLSeconds,
			ModelTTLSeconds:        map[string]int{},
			MaxEntriesPerNamespace: DefaultMaxEntriesPerNamespace,
			ValidateResponses:      true,
			MinResponseLength:      DefaultMinResponseLength,
		},
		Tokenizer: TokenizerConfig{
			CharsPerToken:  DefaultCharsPerToken,
			PreciseEnabled: true,
		},
		Pricing: map[string]PriceConfig{},
		Embedding: EmbeddingConfig{
			APIBase:   "https://api.openai.com",
			Model:     DefaultEmbeddingModel,
			KeyRef:    "keyring://creditgate/embedding",
			Timeout:   DefaultEmbeddingTimeout,
			CacheSize: DefaultEmbeddingCacheSize,
		},
		Logging: LoggingConfig{
			BufferSize:      DefaultLogBufferSize,
			BatchSize:       DefaultLogBatchSize,
			FlushIntervalMs: DefaultLogFlushIntervalMs,
			FlushTimeoutMs:  DefaultLogFlushTimeoutMs,
			MaxRetries:      DefaultLogMaxRetries,
			RetryBaseMs:     DefaultLogRetryBaseMs,
		},
	}
}
