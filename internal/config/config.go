// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Vector store backends.
const (
	BackendChroma = "chroma"
	BackendQdrant = "qdrant"
)

// Config holds all seeder configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	// GoogleAPIKey is the credential for the Gemini embedding API.
	GoogleAPIKey    string `env:"GOOGLE_API_KEY"`
	EmbeddingsModel string `env:"EMBEDDINGS_MODEL" envDefault:"text-embedding-004"`
	// GeminiBaseURL overrides the API endpoint; empty uses the SDK default.
	GeminiBaseURL  string `env:"GEMINI_BASE_URL"`
	EmbedMaxTokens int    `env:"EMBED_MAX_TOKENS" envDefault:"2048" validate:"min=0"`

	VectorBackend string `env:"VECTOR_BACKEND" envDefault:"chroma" validate:"oneof=chroma qdrant"`
	// ChromaAPIKey selects the managed Chroma endpoint when set.
	ChromaAPIKey         string `env:"CHROMA_API_KEY"`
	ChromaCloudURL       string `env:"CHROMA_CLOUD_URL" envDefault:"https://api.trychroma.com"`
	ChromaTenant         string `env:"CHROMA_TENANT" envDefault:"default_tenant" validate:"required"`
	ChromaDatabase       string `env:"CHROMA_DATABASE" envDefault:"default_database" validate:"required"`
	ChromaHost           string `env:"CHROMA_HOST" envDefault:"localhost"`
	ChromaPort           int    `env:"CHROMA_PORT" envDefault:"8000" validate:"min=1,max=65535"`
	ChromaCollectionName string `env:"CHROMA_COLLECTION_NAME" envDefault:"pal_knowledge_base" validate:"required"`
	QdrantAddr           string `env:"QDRANT_ADDR" envDefault:"localhost:6334"`
	QdrantAPIKey         string `env:"QDRANT_API_KEY"`

	DatasetPath string `env:"DATASET_PATH" envDefault:"data/intents.json" validate:"required"`
	// SeedBatchSize is the number of documents embedded and written together.
	SeedBatchSize int `env:"SEED_BATCH_SIZE" envDefault:"5" validate:"min=1"`
	// SeedEmbedInterval spaces consecutive embedding requests; 0 disables throttling.
	SeedEmbedInterval time.Duration `env:"SEED_EMBED_INTERVAL" envDefault:"200ms" validate:"min=0"`
	SeedForce         bool          `env:"SEED_FORCE" envDefault:"false"`
	// Retry Configuration; unset values fall back to domain.DefaultRetryPolicy.
	SeedRetryMaxRetries   *int          `env:"SEED_RETRY_MAX_RETRIES" validate:"omitempty,min=0"`
	SeedRetryInitialDelay time.Duration `env:"SEED_RETRY_INITIAL_DELAY" validate:"min=0"`
	SeedRetryMaxDelay     time.Duration `env:"SEED_RETRY_MAX_DELAY" validate:"min=0"`
	SeedRetryMultiplier   float64       `env:"SEED_RETRY_MULTIPLIER" validate:"omitempty,gte=1"`

	// RedisURL enables the distributed seed lock, e.g. redis://localhost:6379/0.
	RedisURL    string        `env:"REDIS_URL"`
	SeedLockTTL time.Duration `env:"SEED_LOCK_TTL" envDefault:"10m"`
	// DBURL enables the PostgreSQL run ledger.
	DBURL string `env:"DB_URL"`

	PushgatewayURL  string `env:"PUSHGATEWAY_URL"`
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"pal-kb-seeder"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges declared in the validate tags.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// ChromaCloud reports whether the managed Chroma endpoint is selected.
func (c Config) ChromaCloud() bool { return c.ChromaAPIKey != "" }

// ChromaURL returns the base URL of the Chroma server to talk to.
func (c Config) ChromaURL() string {
	if c.ChromaCloud() {
		return strings.TrimRight(c.ChromaCloudURL, "/")
	}
	return "http://" + net.JoinHostPort(c.ChromaHost, strconv.Itoa(c.ChromaPort))
}

// CollectionMetadata returns the metadata attached to the collection on creation.
func (c Config) CollectionMetadata() map[string]any {
	return map[string]any{
		"description":     "P.A.L. student onboarding knowledge base",
		"embedding_model": c.EmbeddingsModel,
	}
}
