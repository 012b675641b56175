// Package config holds the flat configuration payload of the memory core.
// The payload is a single set of recognised keys; unknown keys are preserved
// but ignored so callers can pass forward-compatible maps. Upper-snake-case
// environment variables with the same names take precedence over in-payload
// values.
package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"fractalmem/internal/memerr"
)

// RetrievalWeights are the fusion weights of the hybrid retriever arms.
// They must sum to 1.
type RetrievalWeights struct {
	Vector  float64 `yaml:"vector" json:"vector"`
	Keyword float64 `yaml:"keyword" json:"keyword"`
	Graph   float64 `yaml:"graph" json:"graph"`
}

// Config is the flat configuration record. Field names follow the wire keys.
type Config struct {
	UserID string `yaml:"user_id" json:"user_id"`

	// Graph store connection. GraphURI is a SQLite path or DSN; user and
	// password are accepted for parity with server-backed deployments but
	// the SQLite graph store does not use them.
	GraphURI      string `yaml:"graph_uri" json:"graph_uri"`
	GraphUser     string `yaml:"graph_user" json:"graph_user"`
	GraphPassword string `yaml:"graph_password" json:"graph_password"`

	// Volatile store connection (Redis URL). Empty selects the in-process
	// store, which only makes sense for tests and --local smoke runs.
	VolatileURL string `yaml:"volatile_url" json:"volatile_url"`

	L0Capacity                   int              `yaml:"l0_capacity" json:"l0_capacity"`
	L1TTLDays                    int              `yaml:"l1_ttl_days" json:"l1_ttl_days"`
	BatchSize                    int              `yaml:"batch_size" json:"batch_size"`
	ImportanceThreshold          float64          `yaml:"importance_threshold" json:"importance_threshold"`
	L2Threshold                  float64          `yaml:"l2_threshold" json:"l2_threshold"`
	ConsolidationIntervalSeconds int              `yaml:"consolidation_interval_seconds" json:"consolidation_interval_seconds"`
	RetrievalWeights             RetrievalWeights `yaml:"retrieval_weights" json:"retrieval_weights"`
	RetrievalLimit               int              `yaml:"retrieval_limit" json:"retrieval_limit"`
	ExplorationRate              float64          `yaml:"exploration_rate" json:"exploration_rate"`
	ConfidenceBoost              float64          `yaml:"confidence_boost" json:"confidence_boost"`
	ConfidencePenalty            float64          `yaml:"confidence_penalty" json:"confidence_penalty"`
	ExperienceBufferSize         int              `yaml:"experience_buffer_size" json:"experience_buffer_size"`
	MinExperiencesForStrategy    int              `yaml:"min_experiences_for_strategy" json:"min_experiences_for_strategy"`
	EmbeddingDimensions          int              `yaml:"embedding_dimensions" json:"embedding_dimensions"`

	// Embedding / completion providers.
	EmbeddingProvider string `yaml:"embedding_provider" json:"embedding_provider"`
	GenAIAPIKey       string `yaml:"genai_api_key" json:"genai_api_key"`
	CompletionModel   string `yaml:"completion_model" json:"completion_model"`
	OllamaEndpoint    string `yaml:"ollama_endpoint" json:"ollama_endpoint"`
	OllamaModel       string `yaml:"ollama_model" json:"ollama_model"`

	// Surface.
	HTTPAddr       string   `yaml:"http_addr" json:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// Logging.
	Debug    bool   `yaml:"debug" json:"debug"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Extra carries unrecognised payload keys, preserved verbatim.
	Extra map[string]any `yaml:"-" json:"-"`
}

// legacyKeys maps historical payload names to canonical ones.
var legacyKeys = map[string]string{
	"neo4j_uri":      "graph_uri",
	"neo4j_user":     "graph_user",
	"neo4j_password": "graph_password",
	"redis_url":      "volatile_url",
	"llm_model":      "completion_model",
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		UserID:                       "default",
		L0Capacity:                   500,
		L1TTLDays:                    30,
		BatchSize:                    15,
		ImportanceThreshold:          0.3,
		L2Threshold:                  0.7,
		ConsolidationIntervalSeconds: 300,
		RetrievalWeights:             RetrievalWeights{Vector: 0.5, Keyword: 0.3, Graph: 0.2},
		RetrievalLimit:               5,
		ExplorationRate:              0.1,
		ConfidenceBoost:              0.05,
		ConfidencePenalty:            0.10,
		ExperienceBufferSize:         100,
		MinExperiencesForStrategy:    3,
		EmbeddingDimensions:          1536,
		EmbeddingProvider:            "none",
		OllamaEndpoint:               "http://localhost:11434",
		OllamaModel:                  "embeddinggemma",
		HTTPAddr:                     ":8090",
		LogLevel:                     "info",
	}
}

// Load reads a YAML config file, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if err := cfg.applyPayload(raw); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromPayload builds a Config from an arbitrary mapping. Unknown keys are
// preserved in Extra; legacy names are translated. The payload never causes
// an error for keys the core does not recognise.
func FromPayload(payload map[string]any) (*Config, error) {
	cfg := Default()
	if err := cfg.applyPayload(payload); err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPayload merges a raw mapping over the receiver.
func (c *Config) applyPayload(raw map[string]any) error {
	if raw == nil {
		return nil
	}

	canonical := make(map[string]any, len(raw))
	for k, v := range raw {
		if mapped, ok := legacyKeys[k]; ok {
			k = mapped
		}
		canonical[k] = v
	}

	// Round-trip the recognised keys through JSON onto the struct; the
	// struct tags define the schema, so nothing here enumerates fields.
	data, err := json.Marshal(canonical)
	if err != nil {
		return fmt.Errorf("invalid config payload: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config payload: %w", err)
	}

	// Stash keys the schema does not know.
	known := knownKeys()
	for k, v := range canonical {
		if _, ok := known[k]; !ok {
			if c.Extra == nil {
				c.Extra = make(map[string]any)
			}
			c.Extra[k] = v
		}
	}
	return nil
}

// knownKeys returns the set of recognised wire keys.
func knownKeys() map[string]struct{} {
	keys := []string{
		"user_id", "graph_uri", "graph_user", "graph_password", "volatile_url",
		"l0_capacity", "l1_ttl_days", "batch_size", "importance_threshold",
		"l2_threshold", "consolidation_interval_seconds", "retrieval_weights",
		"retrieval_limit", "exploration_rate", "confidence_boost",
		"confidence_penalty", "experience_buffer_size",
		"min_experiences_for_strategy", "embedding_dimensions",
		"embedding_provider", "genai_api_key", "completion_model",
		"ollama_endpoint", "ollama_model", "http_addr", "allowed_origins",
		"debug", "log_level",
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// ApplyEnvOverrides folds upper-snake-case environment variables over the
// payload values. GRAPH_URI beats graph_uri from the file, and so on.
func (c *Config) ApplyEnvOverrides() {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("USER_ID", &c.UserID)
	setString("GRAPH_URI", &c.GraphURI)
	setString("GRAPH_USER", &c.GraphUser)
	setString("GRAPH_PASSWORD", &c.GraphPassword)
	setString("VOLATILE_URL", &c.VolatileURL)
	setInt("L0_CAPACITY", &c.L0Capacity)
	setInt("L1_TTL_DAYS", &c.L1TTLDays)
	setInt("BATCH_SIZE", &c.BatchSize)
	setFloat("IMPORTANCE_THRESHOLD", &c.ImportanceThreshold)
	setFloat("L2_THRESHOLD", &c.L2Threshold)
	setInt("CONSOLIDATION_INTERVAL_SECONDS", &c.ConsolidationIntervalSeconds)
	setInt("RETRIEVAL_LIMIT", &c.RetrievalLimit)
	setFloat("EXPLORATION_RATE", &c.ExplorationRate)
	setFloat("CONFIDENCE_BOOST", &c.ConfidenceBoost)
	setFloat("CONFIDENCE_PENALTY", &c.ConfidencePenalty)
	setInt("EXPERIENCE_BUFFER_SIZE", &c.ExperienceBufferSize)
	setInt("MIN_EXPERIENCES_FOR_STRATEGY", &c.MinExperiencesForStrategy)
	setInt("EMBEDDING_DIMENSIONS", &c.EmbeddingDimensions)
	setString("EMBEDDING_PROVIDER", &c.EmbeddingProvider)
	setString("GENAI_API_KEY", &c.GenAIAPIKey)
	setString("COMPLETION_MODEL", &c.CompletionModel)
	setString("OLLAMA_ENDPOINT", &c.OllamaEndpoint)
	setString("OLLAMA_MODEL", &c.OllamaModel)
	setString("HTTP_ADDR", &c.HTTPAddr)
	setBool("DEBUG", &c.Debug)
	setString("LOG_LEVEL", &c.LogLevel)

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok && v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		c.AllowedOrigins = origins
	}
	if v, ok := os.LookupEnv("RETRIEVAL_WEIGHTS"); ok && v != "" {
		var w RetrievalWeights
		if err := json.Unmarshal([]byte(v), &w); err == nil {
			c.RetrievalWeights = w
		}
	}
}

// Validate checks bounds on the recognised options.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return memerr.Validationf("user_id must not be empty")
	}
	if c.L0Capacity < 1 || c.L0Capacity > 10000 {
		return memerr.Validationf("l0_capacity must be in [1,10000], got %d", c.L0Capacity)
	}
	if c.BatchSize < 1 {
		return memerr.Validationf("batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.ImportanceThreshold < 0 || c.ImportanceThreshold > 1 {
		return memerr.Validationf("importance_threshold must be in [0,1], got %v", c.ImportanceThreshold)
	}
	if c.L2Threshold < 0 || c.L2Threshold > 1 {
		return memerr.Validationf("l2_threshold must be in [0,1], got %v", c.L2Threshold)
	}
	if c.ExplorationRate < 0 || c.ExplorationRate > 1 {
		return memerr.Validationf("exploration_rate must be in [0,1], got %v", c.ExplorationRate)
	}
	sum := c.RetrievalWeights.Vector + c.RetrievalWeights.Keyword + c.RetrievalWeights.Graph
	if math.Abs(sum-1.0) > 0.01 {
		return memerr.Validationf("retrieval_weights must sum to 1, got %v", sum)
	}
	if c.EmbeddingDimensions < 1 {
		return memerr.Validationf("embedding_dimensions must be >= 1, got %d", c.EmbeddingDimensions)
	}
	return nil
}
