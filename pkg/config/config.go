package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// App
	Port string
	Env  string

	// Storage backend: "memory" or "neo4j"
	StoreBackend  string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Extraction oracle (OpenAI-compatible endpoint)
	OracleBaseURL string
	OracleAPIKey  string
	OracleModel   string
	OracleTimeout time.Duration

	// Resolver
	MatchThreshold float64 // fuzzy score required to consider a candidate match
	MatchEpsilon   float64 // top-two score gap below which resolution is ambiguous
	NameWeight     float64
	KeywordWeight  float64

	// Accumulator
	ProvenanceRetention int           // max excerpts kept per entity
	ConfidenceGain      float64       // corroboration step toward 1.0
	ImportanceHalfLife  time.Duration // recency decay half-life
	UserCreatedBonus    float64
	OfficialBonus       float64

	// Relationship tracker
	AffinityBase       float64
	AffinityGain       float64
	AffinityHalfLife   time.Duration
	AffinityPruneFloor float64
	AffinityStaleAfter time.Duration // edges untouched longer than this decay
	DecayInterval      time.Duration

	// Event pipeline
	PipelineWorkers int
	MaxAttempts     int
	RetryBackoff    time.Duration
	QueueCapUser    int
	QueueCapPrimary int
	QueueCapSecond  int
	QueueCapBulk    int

	// Insight generator
	InsightFloor       float64
	InsightTTL         time.Duration
	InsightScanEvery   time.Duration
	MomentumImportance float64
	MomentumWindow     time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		StoreBackend:  getEnv("STORE_BACKEND", "memory"),
		Neo4jURI:      getEnv("NEO4J_URI", "bolt://localhost:7687"),
		Neo4jUser:     getEnv("NEO4J_USER", "neo4j"),
		Neo4jPassword: getEnv("NEO4J_PASSWORD", "password"),

		OracleBaseURL: getEnv("ORACLE_BASE_URL", "http://localhost:4000"),
		OracleAPIKey:  getEnv("ORACLE_API_KEY", ""),
		OracleModel:   getEnv("ORACLE_MODEL", "gpt-4o-mini"),
		OracleTimeout: getEnvDuration("ORACLE_TIMEOUT", 30*time.Second),

		MatchThreshold: getEnvFloat("MATCH_THRESHOLD", 0.6),
		MatchEpsilon:   getEnvFloat("MATCH_EPSILON", 0.05),
		NameWeight:     getEnvFloat("MATCH_NAME_WEIGHT", 0.7),
		KeywordWeight:  getEnvFloat("MATCH_KEYWORD_WEIGHT", 0.3),

		ProvenanceRetention: getEnvInt("PROVENANCE_RETENTION", 50),
		ConfidenceGain:      getEnvFloat("CONFIDENCE_GAIN", 0.5),
		ImportanceHalfLife:  getEnvDuration("IMPORTANCE_HALF_LIFE", 30*24*time.Hour),
		UserCreatedBonus:    getEnvFloat("USER_CREATED_BONUS", 0.2),
		OfficialBonus:       getEnvFloat("OFFICIAL_BONUS", 0.1),

		AffinityBase:       getEnvFloat("AFFINITY_BASE", 0.3),
		AffinityGain:       getEnvFloat("AFFINITY_GAIN", 0.15),
		AffinityHalfLife:   getEnvDuration("AFFINITY_HALF_LIFE", 30*24*time.Hour),
		AffinityPruneFloor: getEnvFloat("AFFINITY_PRUNE_FLOOR", 0.05),
		AffinityStaleAfter: getEnvDuration("AFFINITY_STALE_AFTER", 7*24*time.Hour),
		DecayInterval:      getEnvDuration("DECAY_INTERVAL", time.Hour),

		PipelineWorkers: getEnvInt("PIPELINE_WORKERS", 4),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 3),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", 2*time.Second),
		QueueCapUser:    getEnvInt("QUEUE_CAP_USER", 64),
		QueueCapPrimary: getEnvInt("QUEUE_CAP_PRIMARY", 256),
		QueueCapSecond:  getEnvInt("QUEUE_CAP_SECONDARY", 256),
		QueueCapBulk:    getEnvInt("QUEUE_CAP_BULK", 1024),

		InsightFloor:       getEnvFloat("INSIGHT_FLOOR", 0.5),
		InsightTTL:         getEnvDuration("INSIGHT_TTL", 72*time.Hour),
		InsightScanEvery:   getEnvDuration("INSIGHT_SCAN_EVERY", 10*time.Minute),
		MomentumImportance: getEnvFloat("MOMENTUM_IMPORTANCE", 0.7),
		MomentumWindow:     getEnvDuration("MOMENTUM_WINDOW", 7*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.StoreBackend != "memory" && c.StoreBackend != "neo4j" {
		return fmt.Errorf("STORE_BACKEND must be 'memory' or 'neo4j', got %q", c.StoreBackend)
	}
	if c.StoreBackend == "neo4j" {
		if c.Neo4jURI == "" {
			return fmt.Errorf("NEO4J_URI is required for the neo4j backend")
		}
		if c.Neo4jUser == "" {
			return fmt.Errorf("NEO4J_USER is required for the neo4j backend")
		}
		if c.Neo4jPassword == "" {
			return fmt.Errorf("NEO4J_PASSWORD is required for the neo4j backend")
		}
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("MATCH_THRESHOLD must be in (0,1], got %f", c.MatchThreshold)
	}
	if c.MatchEpsilon < 0 || c.MatchEpsilon >= 1 {
		return fmt.Errorf("MATCH_EPSILON must be in [0,1), got %f", c.MatchEpsilon)
	}
	if c.NameWeight <= 0 || c.KeywordWeight < 0 {
		return fmt.Errorf("match weights must be positive")
	}
	if c.PipelineWorkers < 1 {
		return fmt.Errorf("PIPELINE_WORKERS must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if c.ProvenanceRetention < 1 {
		return fmt.Errorf("PROVENANCE_RETENTION must be at least 1")
	}
	// The oracle API key is optional: local gateways accept a dummy key
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var result float64
		if _, err := fmt.Sscanf(value, "%f", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
