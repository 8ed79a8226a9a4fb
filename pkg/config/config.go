package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Milvus    MilvusConfig
	Neo4j     Neo4jConfig
	Chat      ChatConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Enabled         bool
	Host            string
	Port            int
	Password        string
	DB              int
	EmbeddingTTLSec int
}

type LLMConfig struct {
	BaseURL              string
	APIKey               string
	Model                string
	EmbeddingModel       string
	EmbeddingDim         int
	Temperature          float32
	MaxTokens            int
	EmbedBatchSize       int
	EmbedTimeoutSec      int
	GenerationTimeoutSec int
	MaxRetries           int
}

type IngestionConfig struct {
	Workers               int
	QueueSize             int
	ChunkSize             int
	ChunkOverlap          float64
	MinChunkSize          int
	DefaultLanguage       string
	SupportedLanguages    []string
	MinLanguageConfidence float64
	WatchDir              string
}

type RetrievalConfig struct {
	Backend           string
	DefaultMaxSources int
	MaxSources        int
	MinSimilarity     float64
}

type MilvusConfig struct {
	Endpoint   string
	APIKey     string
	Collection string
}

type Neo4jConfig struct {
	Enabled  bool
	URI      string
	Username string
	Password string
	Database string
}

type ChatConfig struct {
	HistoryWindow     int
	MaxQueryLength    int
	PersistTimeoutSec int
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// Load reads .env (when present), the optional config file and DOCCHAT_*
// environment variables, in increasing order of precedence.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/docchat")
	}

	v.SetEnvPrefix("DOCCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// AutomaticEnv yields a single string for list keys.
	if langs := v.GetStringSlice("ingestion.supportedLanguages"); len(langs) == 1 && strings.Contains(langs[0], ",") {
		config.Ingestion.SupportedLanguages = strings.Split(langs[0], ",")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Ingestion.ChunkSize <= 0 {
		return fmt.Errorf("ingestion.chunkSize must be positive")
	}
	if c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= 1 {
		return fmt.Errorf("ingestion.chunkOverlap must be in [0, 1)")
	}
	if c.Ingestion.Workers <= 0 {
		return fmt.Errorf("ingestion.workers must be positive")
	}
	if c.LLM.EmbeddingDim <= 0 {
		return fmt.Errorf("llm.embeddingDim must be positive")
	}
	if c.Retrieval.DefaultMaxSources <= 0 || c.Retrieval.MaxSources < c.Retrieval.DefaultMaxSources {
		return fmt.Errorf("retrieval.maxSources must be >= retrieval.defaultMaxSources > 0")
	}
	switch c.Retrieval.Backend {
	case "memory", "milvus":
	default:
		return fmt.Errorf("unknown retrieval.backend %q", c.Retrieval.Backend)
	}
	found := false
	for _, lang := range c.Ingestion.SupportedLanguages {
		if strings.EqualFold(strings.TrimSpace(lang), c.Ingestion.DefaultLanguage) {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("ingestion.defaultLanguage %q is not in ingestion.supportedLanguages", c.Ingestion.DefaultLanguage)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.bodyLimit", 50*1024*1024)

	v.SetDefault("sqlite.path", "./data/docchat.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTLSec", 86400)

	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.embedBatchSize", 100)
	v.SetDefault("llm.embedTimeoutSec", 30)
	v.SetDefault("llm.generationTimeoutSec", 120)
	v.SetDefault("llm.maxRetries", 1)

	v.SetDefault("ingestion.workers", 4)
	v.SetDefault("ingestion.queueSize", 64)
	v.SetDefault("ingestion.chunkSize", 200)
	v.SetDefault("ingestion.chunkOverlap", 0.15)
	v.SetDefault("ingestion.minChunkSize", 40)
	v.SetDefault("ingestion.defaultLanguage", "en")
	v.SetDefault("ingestion.supportedLanguages", []string{"en", "az"})
	v.SetDefault("ingestion.minLanguageConfidence", 0.5)
	v.SetDefault("ingestion.watchDir", "")

	v.SetDefault("retrieval.backend", "memory")
	v.SetDefault("retrieval.defaultMaxSources", 5)
	v.SetDefault("retrieval.maxSources", 20)
	v.SetDefault("retrieval.minSimilarity", 0.0)

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.apiKey", "")
	v.SetDefault("milvus.collection", "document_chunks")

	v.SetDefault("neo4j.enabled", false)
	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("chat.historyWindow", 6)
	v.SetDefault("chat.maxQueryLength", 4000)
	v.SetDefault("chat.persistTimeoutSec", 10)

	v.SetDefault("ratelimit.requestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
