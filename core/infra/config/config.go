package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultNATSURL      = "nats://localhost:4222"
	defaultRedisURL     = "redis://localhost:6379"
	defaultBrokerAddr   = ":50080"
	defaultGatewayAddr  = ":8090"
	defaultMetricsAddr  = ":9095"
	defaultSettingsPath = "config/broker.yaml"
	defaultAuditBackend = AuditBackendRedis
	defaultEmbedder     = EmbedderHashing
	defaultOllamaURL    = "http://ollama:11434"
	defaultOllamaModel  = "nomic-embed-text"
	defaultEmbedDims    = 256

	envNATSURL          = "NATS_URL"
	envRedisURL         = "REDIS_URL"
	envBrokerAddr       = "BROKER_GRPC_ADDR"
	envGatewayAddr      = "GATEWAY_HTTP_ADDR"
	envMetricsAddr      = "METRICS_ADDR"
	envSettingsPath     = "BROKER_CONFIG_PATH"
	envAuditBackend     = "AUDIT_BACKEND"
	envAuditPostgresURL = "AUDIT_POSTGRES_URL"
	envEmbedder         = "EMBEDDER"
	envOllamaURL        = "OLLAMA_URL"
	envOllamaModel      = "OLLAMA_EMBED_MODEL"
	envEmbedDims        = "EMBEDDING_DIMS"
)

// Audit log backends.
const (
	AuditBackendRedis    = "redis"
	AuditBackendPostgres = "postgres"
	AuditBackendMemory   = "memory"
)

// Embedding providers.
const (
	EmbedderHashing = "hashing"
	EmbedderOllama  = "ollama"
)

// Config holds runtime configuration for the broker and gateway processes.
type Config struct {
	NatsURL          string
	RedisURL         string
	BrokerAddr       string
	GatewayAddr      string
	MetricsAddr      string
	SettingsPath     string
	AuditBackend     string
	AuditPostgresURL string
	Embedder         string
	OllamaURL        string
	OllamaModel      string
	EmbeddingDims    int
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	cfg := &Config{
		NatsURL:          envOr(envNATSURL, defaultNATSURL),
		RedisURL:         envOr(envRedisURL, defaultRedisURL),
		BrokerAddr:       envOr(envBrokerAddr, defaultBrokerAddr),
		GatewayAddr:      envOr(envGatewayAddr, defaultGatewayAddr),
		MetricsAddr:      envOr(envMetricsAddr, defaultMetricsAddr),
		SettingsPath:     envOr(envSettingsPath, defaultSettingsPath),
		AuditBackend:     strings.ToLower(envOr(envAuditBackend, defaultAuditBackend)),
		AuditPostgresURL: strings.TrimSpace(os.Getenv(envAuditPostgresURL)),
		Embedder:         strings.ToLower(envOr(envEmbedder, defaultEmbedder)),
		OllamaURL:        envOr(envOllamaURL, defaultOllamaURL),
		OllamaModel:      envOr(envOllamaModel, defaultOllamaModel),
		EmbeddingDims:    defaultEmbedDims,
	}
	if v := strings.TrimSpace(os.Getenv(envEmbedDims)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EmbeddingDims = n
		}
	}
	return cfg
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
