package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "default", cfg.UserID)
	assert.Equal(t, 500, cfg.L0Capacity)
	assert.Equal(t, 15, cfg.BatchSize)
	assert.Equal(t, 30, cfg.L1TTLDays)
	assert.Equal(t, 0.3, cfg.ImportanceThreshold)
	assert.Equal(t, 0.7, cfg.L2Threshold)
	assert.Equal(t, 300, cfg.ConsolidationIntervalSeconds)
	assert.Equal(t, RetrievalWeights{Vector: 0.5, Keyword: 0.3, Graph: 0.2}, cfg.RetrievalWeights)
	assert.Equal(t, 5, cfg.RetrievalLimit)
	assert.Equal(t, 0.1, cfg.ExplorationRate)
	assert.Equal(t, 0.05, cfg.ConfidenceBoost)
	assert.Equal(t, 0.10, cfg.ConfidencePenalty)
	assert.Equal(t, 100, cfg.ExperienceBufferSize)
	assert.Equal(t, 3, cfg.MinExperiencesForStrategy)
	assert.Equal(t, 1536, cfg.EmbeddingDimensions)
	require.NoError(t, cfg.Validate())
}

func TestFromPayload(t *testing.T) {
	t.Run("known keys applied", func(t *testing.T) {
		cfg, err := FromPayload(map[string]any{
			"user_id":    "alice",
			"batch_size": 5,
			"graph_uri":  "/tmp/graph.db",
		})
		require.NoError(t, err)
		assert.Equal(t, "alice", cfg.UserID)
		assert.Equal(t, 5, cfg.BatchSize)
		assert.Equal(t, "/tmp/graph.db", cfg.GraphURI)
	})

	t.Run("legacy keys translated", func(t *testing.T) {
		cfg, err := FromPayload(map[string]any{
			"neo4j_uri":      "/data/graph.db",
			"neo4j_user":     "neo",
			"neo4j_password": "s3cret",
			"redis_url":      "redis://localhost:6379/0",
			"llm_model":      "gemini-2.0-flash",
		})
		require.NoError(t, err)
		assert.Equal(t, "/data/graph.db", cfg.GraphURI)
		assert.Equal(t, "neo", cfg.GraphUser)
		assert.Equal(t, "s3cret", cfg.GraphPassword)
		assert.Equal(t, "redis://localhost:6379/0", cfg.VolatileURL)
		assert.Equal(t, "gemini-2.0-flash", cfg.CompletionModel)
	})

	t.Run("unknown keys preserved not fatal", func(t *testing.T) {
		cfg, err := FromPayload(map[string]any{
			"user_id":           "bob",
			"future_option":     true,
			"another_new_thing": 42,
		})
		require.NoError(t, err)
		assert.Equal(t, "bob", cfg.UserID)
		assert.Equal(t, true, cfg.Extra["future_option"])
		assert.EqualValues(t, 42, cfg.Extra["another_new_thing"])
	})

	t.Run("nil payload yields defaults", func(t *testing.T) {
		cfg, err := FromPayload(nil)
		require.NoError(t, err)
		assert.Equal(t, "default", cfg.UserID)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env beats payload", func(t *testing.T) {
		t.Setenv("USER_ID", "env-user")
		t.Setenv("BATCH_SIZE", "7")
		t.Setenv("L2_THRESHOLD", "0.9")

		cfg, err := FromPayload(map[string]any{"user_id": "payload-user", "batch_size": 3})
		require.NoError(t, err)
		assert.Equal(t, "env-user", cfg.UserID)
		assert.Equal(t, 7, cfg.BatchSize)
		assert.Equal(t, 0.9, cfg.L2Threshold)
	})

	t.Run("malformed numeric env ignored", func(t *testing.T) {
		t.Setenv("BATCH_SIZE", "not-a-number")

		cfg, err := FromPayload(map[string]any{"batch_size": 4})
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.BatchSize)
	})

	t.Run("allowed origins split on commas", func(t *testing.T) {
		t.Setenv("ALLOWED_ORIGINS", "http://a.example, http://b.example")

		cfg, err := FromPayload(nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.AllowedOrigins)
	})
}

func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user", func(c *Config) { c.UserID = "" }},
		{"l0 cap too large", func(c *Config) { c.L0Capacity = 10001 }},
		{"batch size zero", func(c *Config) { c.BatchSize = 0 }},
		{"importance out of range", func(c *Config) { c.ImportanceThreshold = 1.5 }},
		{"l2 threshold negative", func(c *Config) { c.L2Threshold = -0.1 }},
		{"exploration out of range", func(c *Config) { c.ExplorationRate = 2 }},
		{"weights not normalised", func(c *Config) { c.RetrievalWeights = RetrievalWeights{Vector: 0.9, Keyword: 0.9, Graph: 0.9} }},
		{"dims zero", func(c *Config) { c.EmbeddingDimensions = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
