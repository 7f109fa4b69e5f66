// Package config loads the vault configuration. Values come from defaults,
// then an optional YAML file named by VAULT_CONFIG, then the environment
// (including a .env file in the working directory).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	EmbedderOllama  = "ollama"
	EmbedderHashing = "hashing"
	StoreQdrant     = "qdrant"
	StoreMemory     = "memory"
	CatalogNeo4j    = "neo4j"
	CatalogMemory   = "memory"
	CatalogSQLite   = "sqlite"
)

// Config holds every setting of the vault binaries.
type Config struct {
	Port       string `yaml:"port"`
	LogLevel   string `yaml:"log_level"`
	CORSOrigin string `yaml:"cors_origin"`

	Embedder     string `yaml:"embedder"`
	OllamaURL    string `yaml:"ollama_url"`
	EmbedModel   string `yaml:"embed_model"`
	EmbedDims    int    `yaml:"embed_dims"`
	EmbedWorkers int    `yaml:"embed_workers"`

	ChatModel       string        `yaml:"chat_model"`
	GroqAPIKey      string        `yaml:"groq_api_key"`
	GroqBaseURL     string        `yaml:"groq_base_url"`
	GroqModel       string        `yaml:"groq_model"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`

	VectorStore      string `yaml:"vector_store"`
	QdrantURL        string `yaml:"qdrant_url"`
	QdrantCollection string `yaml:"qdrant_collection"`

	Catalog    string `yaml:"catalog"`
	Neo4jURL   string `yaml:"neo4j_url"`
	Neo4jUser  string `yaml:"neo4j_user"`
	Neo4jPass  string `yaml:"neo4j_pass"`
	SQLitePath string `yaml:"sqlite_path"`

	NATSURL     string  `yaml:"nats_url"`
	AsyncIngest bool    `yaml:"async_ingest"`
	UploadDir   string  `yaml:"upload_dir"`
	MaxUploadMB int64   `yaml:"max_upload_mb"`
	IngestRate  float64 `yaml:"ingest_rate"`
	IngestBurst int     `yaml:"ingest_burst"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Port:             "8000",
		LogLevel:         "info",
		CORSOrigin:       "*",
		Embedder:         EmbedderOllama,
		OllamaURL:        "http://localhost:11434",
		EmbedModel:       "nomic-embed-text",
		EmbedDims:        384,
		EmbedWorkers:     4,
		ChatModel:        "llama3.2",
		GroqBaseURL:      "https://api.groq.com/openai/v1",
		GroqModel:        "llama-3.3-70b-versatile",
		ProviderTimeout:  60 * time.Second,
		VectorStore:      StoreQdrant,
		QdrantURL:        "localhost:6334",
		QdrantCollection: "vault",
		Catalog:          CatalogNeo4j,
		Neo4jURL:         "neo4j://localhost:7687",
		Neo4jUser:        "neo4j",
		Neo4jPass:        "password",
		SQLitePath:       "vault.db",
		NATSURL:          "nats://localhost:4222",
		UploadDir:        "uploads",
		MaxUploadMB:      50,
		IngestRate:       1,
		IngestBurst:      5,
	}
}

// Load reads .env if present and resolves the configuration from the
// process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv resolves the configuration using getenv for lookups.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv("VAULT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	e := envReader{getenv: getenv}
	e.str(&cfg.Port, "PORT")
	e.str(&cfg.LogLevel, "VAULT_LOG_LEVEL")
	e.str(&cfg.CORSOrigin, "CORS_ORIGIN")
	e.str(&cfg.Embedder, "VAULT_EMBEDDER")
	e.str(&cfg.OllamaURL, "OLLAMA_URL")
	e.str(&cfg.EmbedModel, "EMBED_MODEL")
	e.integer(&cfg.EmbedDims, "EMBED_DIMS")
	e.integer(&cfg.EmbedWorkers, "EMBED_WORKERS")
	e.str(&cfg.ChatModel, "CHAT_MODEL")
	e.str(&cfg.GroqAPIKey, "GROQ_API_KEY")
	e.str(&cfg.GroqBaseURL, "GROQ_BASE_URL")
	e.str(&cfg.GroqModel, "GROQ_MODEL")
	e.duration(&cfg.ProviderTimeout, "PROVIDER_TIMEOUT")
	e.str(&cfg.VectorStore, "VAULT_VECTOR_STORE")
	e.str(&cfg.QdrantURL, "QDRANT_URL")
	e.str(&cfg.QdrantCollection, "QDRANT_COLLECTION")
	e.str(&cfg.Catalog, "VAULT_CATALOG")
	e.str(&cfg.Neo4jURL, "NEO4J_URL")
	e.str(&cfg.Neo4jUser, "NEO4J_USER")
	e.str(&cfg.Neo4jPass, "NEO4J_PASS")
	e.str(&cfg.SQLitePath, "SQLITE_PATH")
	e.str(&cfg.NATSURL, "NATS_URL")
	e.boolean(&cfg.AsyncIngest, "VAULT_ASYNC_INGEST")
	e.str(&cfg.UploadDir, "UPLOAD_DIR")
	e.integer64(&cfg.MaxUploadMB, "MAX_UPLOAD_MB")
	e.float(&cfg.IngestRate, "INGEST_RATE")
	e.integer(&cfg.IngestBurst, "INGEST_BURST")
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, cfg.Validate()
}

// Validate rejects unknown backends and non-positive limits.
func (c Config) Validate() error {
	var errs []error
	if c.Embedder != EmbedderOllama && c.Embedder != EmbedderHashing {
		errs = append(errs, fmt.Errorf("config: unknown embedder %q", c.Embedder))
	}
	if c.VectorStore != StoreQdrant && c.VectorStore != StoreMemory {
		errs = append(errs, fmt.Errorf("config: unknown vector store %q", c.VectorStore))
	}
	switch c.Catalog {
	case CatalogNeo4j, CatalogMemory:
	case CatalogSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("config: sqlite catalog needs SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown catalog %q", c.Catalog))
	}
	if c.EmbedDims <= 0 {
		errs = append(errs, errors.New("config: embed_dims must be positive"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("config: provider_timeout must be positive"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, errors.New("config: max_upload_mb must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Logger returns a JSON logger at the configured level.
func (c Config) Logger() *slog.Logger {
	l, err := c.Level()
	if err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(e.getenv(key))
	return v, v != ""
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(dst *string, key string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(dst *int, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(dst *int64, key string) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(dst *float64, key string) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(dst *bool, key string) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(dst *time.Duration, key string) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}
