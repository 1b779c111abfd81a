package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory://")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 768, cfg.EmbedDim)
	assert.Equal(t, 2, cfg.RetrievalTopK)
	assert.Equal(t, 2, cfg.MaxDataSources)
	assert.Equal(t, EmbedModeBatch, cfg.EmbedMode)
	assert.Equal(t, FailurePolicyAbort, cfg.FailurePolicy)
	assert.Equal(t, "semantic", cfg.ChunkStrategy)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBaseDelay)
	assert.Equal(t, "local-user", cfg.LocalChatbotOwner)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rag")
	t.Setenv("EMBED_MODE", "Windowed")
	t.Setenv("RETRIEVAL_TOP_K", "5")
	t.Setenv("REFINE_WITH_LLM", "true")
	t.Setenv("BREAKER_OPEN_TIMEOUT", "1m")
	t.Setenv("MAX_CHUNK_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, EmbedModeWindowed, cfg.EmbedMode)
	assert.Equal(t, 5, cfg.RetrievalTopK)
	assert.True(t, cfg.RefineWithLLM)
	assert.Equal(t, time.Minute, cfg.BreakerOpenTimeout)
	assert.Equal(t, 1000, cfg.MaxChunkSize, "invalid ints fall back to the default")
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidate_Rejects(t *testing.T) {
	base := func() *Config {
		return &Config{
			DatabaseURL:   "memory://",
			EmbedDim:      768,
			MaxChunkSize:  100,
			ChunkOverlap:  10,
			EmbedMode:     EmbedModeBatch,
			FailurePolicy: FailurePolicyAbort,
			EmbedProvider: "gemini",
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(c *Config){
		"overlap too large": func(c *Config) { c.ChunkOverlap = 100 },
		"zero dim":          func(c *Config) { c.EmbedDim = 0 },
		"bad mode":          func(c *Config) { c.EmbedMode = "stream" },
		"bad policy":        func(c *Config) { c.FailurePolicy = "retry" },
		"bad provider":      func(c *Config) { c.EmbedProvider = "cohere" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
