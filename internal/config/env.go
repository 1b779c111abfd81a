package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/markdave123-py/ragbot/internal/log"
)

// Embedding modes.
const (
	EmbedModeBatch    = "batch"
	EmbedModeWindowed = "windowed"
)

// Failure policies for a batch whose sources partially fail.
const (
	FailurePolicyAbort = "abort"
	FailurePolicySkip  = "skip"
)

type Config struct {
	DatabaseURL  string
	AwsAccessKey string
	AwsSecretKey string
	AwsRegion    string
	BucketName   string
	SslCertPath  string
	Port         string
	JWTSecret    string
	LogLevel     string

	// Owner of the chatbot seeded into the in-memory store.
	LocalChatbotOwner string

	// Embedding and generation.
	EmbedProvider  string
	AIAPIKey       string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	EmbedModel     string
	EmbedDim       int
	EmbedBatchSize int
	EmbedMode      string
	CheckpointPath string
	GenModel       string

	// External crawler service base URL.
	CrawlAPIURL string

	// Chunking and refinement.
	ChunkStrategy string
	MaxChunkSize  int
	ChunkOverlap  int
	MinChunkSize  int
	RefineWithLLM bool

	// Orchestration.
	MaxDataSources    int
	FailurePolicy     string
	IngestConcurrency int
	ExtractWorkers    int
	ArchiveUploads    bool
	RetrievalTopK     int

	// Resilience at external boundaries.
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	BreakerMaxFailures int
	BreakerOpenTimeout time.Duration
}

// Load reads .env (if present) and the process environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		AwsAccessKey: getEnv("AWS_ACCESS_KEY", ""),
		AwsSecretKey: getEnv("AWS_SECRET_KEY", ""),
		AwsRegion:    getEnv("AWS_REGION", "us-east-2"),
		BucketName:   getEnv("BUCKET_NAME", "ragbot-sources"),
		SslCertPath:  getEnv("SSL_CERT_PATH", ""),
		Port:         getEnv("PORT", "8080"),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		LocalChatbotOwner: getEnv("LOCAL_CHATBOT_OWNER", "local-user"),

		EmbedProvider:  strings.ToLower(getEnv("EMBED_PROVIDER", "gemini")),
		AIAPIKey:       getEnv("GEMINI_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  getEnv("OPENAI_BASE_URL", ""),
		EmbedModel:     getEnv("EMBED_MODEL", "text-embedding-004"),
		EmbedDim:       getEnvInt("EMBED_DIM", 768),
		EmbedBatchSize: getEnvInt("EMBED_BATCH_SIZE", 100),
		EmbedMode:      strings.ToLower(getEnv("EMBED_MODE", EmbedModeBatch)),
		CheckpointPath: getEnv("CHECKPOINT_PATH", "ragbot-checkpoint.db"),
		GenModel:       getEnv("GEN_MODEL", "gemini-1.5-flash"),

		CrawlAPIURL: getEnv("CRAWL_API_URL", ""),

		ChunkStrategy: strings.ToLower(getEnv("CHUNK_STRATEGY", "semantic")),
		MaxChunkSize:  getEnvInt("MAX_CHUNK_SIZE", 1000),
		ChunkOverlap:  getEnvInt("CHUNK_OVERLAP", 100),
		MinChunkSize:  getEnvInt("MIN_CHUNK_SIZE", 40),
		RefineWithLLM: getEnvBool("REFINE_WITH_LLM", false),

		MaxDataSources:    getEnvInt("MAX_DATA_SOURCES", 2),
		FailurePolicy:     strings.ToLower(getEnv("FAILURE_POLICY", FailurePolicyAbort)),
		IngestConcurrency: getEnvInt("INGEST_CONCURRENCY", 8),
		ExtractWorkers:    getEnvInt("EXTRACT_WORKERS", 4),
		ArchiveUploads:    getEnvBool("ARCHIVE_UPLOADS", false),
		RetrievalTopK:     getEnvInt("RETRIEVAL_TOP_K", 2),

		RetryMaxAttempts:   getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:     getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		BreakerMaxFailures: getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerOpenTimeout: getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL not set")
	}
	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive, got %d", c.EmbedDim)
	}
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive, got %d", c.MaxChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.MaxChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, MAX_CHUNK_SIZE), got %d", c.ChunkOverlap)
	}
	switch c.EmbedMode {
	case EmbedModeBatch, EmbedModeWindowed:
	default:
		return fmt.Errorf("EMBED_MODE %q is not one of batch|windowed", c.EmbedMode)
	}
	switch c.FailurePolicy {
	case FailurePolicyAbort, FailurePolicySkip:
	default:
		return fmt.Errorf("FAILURE_POLICY %q is not one of abort|skip", c.FailurePolicy)
	}
	switch c.EmbedProvider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("EMBED_PROVIDER %q is not one of gemini|openai", c.EmbedProvider)
	}
	if c.RetrievalTopK <= 0 {
		c.RetrievalTopK = 2
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 1
	}
	return nil
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: %s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warnf("config: %s=%q not a bool, using default %t", key, v, def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("config: %s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}
