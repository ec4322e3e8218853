package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendPostgres = "postgres"
	BackendNeo4j    = "neo4j"

	HistoryBadger = "badger"
	HistoryRedis  = "redis"
	HistoryMemory = "memory"
)

type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	CacheTTL  time.Duration
	Retries   uint
}

type PartitionConfig struct {
	Names      []string
	Backend    string
	FetchK     int
	MinHealthy int
}

type HistoryConfig struct {
	Backend         string
	Path            string
	MaxTurns        int
	MaxIdleSessions int
	DefaultSession  string
}

type Config struct {
	HTTPAddr string

	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	LLM        LLMConfig
	Embeddings EmbeddingConfig
	Partitions PartitionConfig
	History    HistoryConfig

	CORSOrigins []string
	LogLevel    string
	LogFormat   string
}

func Load() Config {
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/legal-agent?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		MongoURI:        getEnv("MONGODB_URI", ""),
		MongoDatabase:   getEnv("MONGODB_DATABASE", "chatbot_db"),
		MongoCollection: getEnv("MONGODB_COLLECTION", "chat_history"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", ProviderOpenAI),
			Model:       getEnv("LLM_MODEL", "gpt-4"),
			Temperature: float32(getEnvFloat("LLM_TEMPERATURE", 0)),
			Timeout:     getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),
		},
		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", ProviderOpenAI),
			Model:     getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", 1536),
			CacheTTL:  getEnvDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
			Retries:   uint(getEnvInt("EMBEDDING_RETRIES", 3)),
		},
		Partitions: PartitionConfig{
			Names:      getEnvList("PARTITIONS", []string{"punjab", "sindh", "kpk", "balochistan"}),
			Backend:    getEnv("PARTITION_BACKEND", BackendPostgres),
			FetchK:     getEnvInt("PARTITION_FETCH_K", 8),
			MinHealthy: getEnvInt("MIN_HEALTHY_PARTITIONS", 1),
		},
		History: HistoryConfig{
			Backend:         getEnv("HISTORY_BACKEND", HistoryBadger),
			Path:            getEnv("HISTORY_PATH", "data/history"),
			MaxTurns:        getEnvInt("HISTORY_MAX_TURNS", 20),
			MaxIdleSessions: getEnvInt("HISTORY_MAX_IDLE_SESSIONS", 1024),
			DefaultSession:  getEnv("DEFAULT_SESSION", "shared"),
		},

		CORSOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports configuration that would make the service fail later at
// request time instead of at startup.
func (c Config) Validate() error {
	if len(c.Partitions.Names) == 0 {
		return fmt.Errorf("at least one partition must be configured")
	}
	seen := make(map[string]struct{}, len(c.Partitions.Names))
	for _, name := range c.Partitions.Names {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("partition %q configured twice", name)
		}
		seen[name] = struct{}{}
	}
	switch c.Partitions.Backend {
	case BackendPostgres, BackendNeo4j:
	default:
		return fmt.Errorf("unknown partition backend: %s", c.Partitions.Backend)
	}
	if c.Partitions.FetchK <= 0 {
		return fmt.Errorf("partition fetch count must be positive")
	}
	if c.Partitions.MinHealthy < 1 || c.Partitions.MinHealthy > len(c.Partitions.Names) {
		return fmt.Errorf("min healthy partitions must be between 1 and %d", len(c.Partitions.Names))
	}
	switch c.History.Backend {
	case HistoryBadger, HistoryMemory:
	case HistoryRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis history backend selected but REDIS_ADDR not set")
		}
	default:
		return fmt.Errorf("unknown history backend: %s", c.History.Backend)
	}
	if c.History.MaxTurns < 0 {
		return fmt.Errorf("history max turns cannot be negative")
	}
	if c.History.MaxIdleSessions < 0 {
		return fmt.Errorf("history max idle sessions cannot be negative")
	}
	if strings.TrimSpace(c.History.DefaultSession) == "" {
		return fmt.Errorf("default session key cannot be empty")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("generation timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 32)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	if len(values) == 0 {
		return fallback
	}
	return values
}
