package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents application configuration. It is built once in main
// and handed to every component constructor.
type Config struct {
	// Telegram configuration (dump producer side)
	Telegram TelegramConfig

	// Storage configuration
	Storage StorageConfig

	// Vector index configuration
	Index IndexConfig

	// Sync bridge configuration
	Sync SyncConfig

	// Embedding provider configuration
	Embed EmbedConfig

	// Language model configuration
	LLM LLMConfig

	// Prompts loaded from YAML (defaults when no file is given)
	Prompts *Prompts

	// Keywords used by the relevance filter
	Keywords []string

	// HTTP API configuration
	HTTP HTTPConfig

	LogMode string
}

// TelegramConfig describes the channels whose dumps are ingested
type TelegramConfig struct {
	Channels        []string
	IntervalMinutes int // Polling interval of the dump watcher
	MessageLimit    int // Messages fetched per channel per cycle by the scraper
	Concurrency     int // Channels ingested in parallel
}

// StorageConfig contains relational store configuration
type StorageConfig struct {
	DataDir string // Directory holding dump folders
	DBPath  string
	Driver  string // "sqlite3" (mattn, cgo) or "sqlite" (modernc, pure Go)
}

// IndexConfig contains vector index configuration
type IndexConfig struct {
	Dir        string
	Collection string
	TopK       int
}

// SyncConfig contains sync bridge configuration
type SyncConfig struct {
	IntervalMinutes int
	Consumer        string // Non-empty enables the durable cursor
}

// EmbedConfig selects and configures the embedder
type EmbedConfig struct {
	Provider string // "ollama" or "openai"
	BaseURL  string
	Model    string
	APIKey   string
}

// LLMConfig contains the OpenAI-compatible chat model configuration
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSecs int
}

// HTTPConfig contains HTTP API configuration
type HTTPConfig struct {
	Addr              string
	DefaultWindowDays int
	AllowOrigins      []string // CORS origins of browser frontends
}

// DefaultKeywords is the fallback keyword set when neither KEYWORDS nor
// KEYWORDS_FILE is configured.
var DefaultKeywords = []string{
	"электросамокат",
	"самокат",
	"кикшеринг",
	"шеринг самокатов",
	"средства индивидуальной мобильности",
	"whoosh",
	"вуш",
	"urent",
	"юрент",
}

// Load reads .env (if present) and builds the configuration from the
// environment. Missing values fall back to defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := envString("DATA_DIR", "./data")

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "news.db")
	}

	indexDir := os.Getenv("INDEX_DIR")
	if indexDir == "" {
		indexDir = filepath.Join(dataDir, "vector_db")
	}

	channels := splitList(os.Getenv("TELEGRAM_CHANNELS"))
	if len(channels) == 0 {
		// Single-channel variable used by the original launcher
		channels = splitList(os.Getenv("TELEGRAM_CHANNEL"))
	}

	keywords, err := loadKeywords()
	if err != nil {
		return nil, err
	}

	prompts, err := LoadPrompts(os.Getenv("PROMPTS_FILE"))
	if err != nil {
		return nil, err
	}

	env := &envReader{}
	embedProvider := envString("EMBED_PROVIDER", "ollama")

	cfg := &Config{
		Telegram: TelegramConfig{
			Channels:        channels,
			IntervalMinutes: env.Int("DOWNLOAD_INTERVAL_MINUTES", 1),
			MessageLimit:    env.Int("MESSAGE_LIMIT", 10),
			Concurrency:     env.Int("INGEST_CONCURRENCY", 4),
		},
		Storage: StorageConfig{
			DataDir: dataDir,
			DBPath:  dbPath,
			Driver:  envString("DB_DRIVER", "sqlite3"),
		},
		Index: IndexConfig{
			Dir:        indexDir,
			Collection: envString("COLLECTION_NAME", "news"),
			TopK:       env.Int("SEARCH_TOP_K", 5),
		},
		Sync: SyncConfig{
			IntervalMinutes: env.Int("SYNC_INTERVAL_MINUTES", 5),
			Consumer:        os.Getenv("SYNC_CONSUMER"),
		},
		Embed: EmbedConfig{
			Provider: embedProvider,
			BaseURL:  envString("EMBED_URL", defaultEmbedURL(embedProvider)),
			Model:    envString("EMBED_MODEL", defaultEmbedModel(embedProvider)),
			APIKey:   os.Getenv("EMBED_API_KEY"),
		},
		LLM: LLMConfig{
			BaseURL:     envString("LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      os.Getenv("LLM_API_KEY"),
			Model:       envString("LLM_MODEL", "gpt-4o-mini"),
			Temperature: env.Float32("LLM_TEMPERATURE", 0.2),
			MaxTokens:   env.Int("LLM_MAX_TOKENS", 1024),
			TimeoutSecs: env.Int("LLM_TIMEOUT_SECS", 60),
		},
		Prompts:  prompts,
		Keywords: keywords,
		HTTP: HTTPConfig{
			Addr:              envString("HTTP_ADDR", "localhost:8000"),
			DefaultWindowDays: env.Int("DEFAULT_WINDOW_DAYS", 7),
			AllowOrigins:      splitList(envString("CORS_ORIGINS", "http://localhost:8501")),
		},
		LogMode: envString("LOG_MODE", "development"),
	}
	if env.err != nil {
		return nil, env.err
	}
	return cfg, nil
}

// SetDataDir re-roots every path that was derived from the data directory
func (c *Config) SetDataDir(dir string) {
	if os.Getenv("DB_PATH") == "" {
		c.Storage.DBPath = filepath.Join(dir, "news.db")
	}
	if os.Getenv("INDEX_DIR") == "" {
		c.Index.Dir = filepath.Join(dir, "vector_db")
	}
	c.Storage.DataDir = dir
}

// SyncInterval returns the sync bridge interval as a duration
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

// PollInterval returns the dump watcher interval as a duration
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Telegram.IntervalMinutes) * time.Minute
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "sqlite":
	default:
		return &ConfigError{Field: "DB_DRIVER", Message: "must be sqlite3 or sqlite"}
	}
	switch c.Embed.Provider {
	case "ollama", "openai":
	default:
		return &ConfigError{Field: "EMBED_PROVIDER", Message: "must be ollama or openai"}
	}
	if c.Index.Collection == "" {
		return &ConfigError{Field: "COLLECTION_NAME", Message: "required"}
	}
	if c.Index.TopK <= 0 {
		return &ConfigError{Field: "SEARCH_TOP_K", Message: "must be positive"}
	}
	if c.Sync.IntervalMinutes < 0 {
		return &ConfigError{Field: "SYNC_INTERVAL_MINUTES", Message: "must not be negative"}
	}
	return nil
}

// ValidateLLM checks the settings needed to answer questions
func (c *Config) ValidateLLM() error {
	if c.LLM.APIKey == "" {
		return &ConfigError{Field: "LLM_API_KEY", Message: "required"}
	}
	return nil
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

type keywordsFile struct {
	Keywords []string `yaml:"keywords"`
}

// loadKeywords resolves the keyword list: KEYWORDS wins over KEYWORDS_FILE,
// which wins over DefaultKeywords.
func loadKeywords() ([]string, error) {
	if list := splitList(os.Getenv("KEYWORDS")); len(list) > 0 {
		return list, nil
	}
	path := os.Getenv("KEYWORDS_FILE")
	if path == "" {
		return append([]string(nil), DefaultKeywords...), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Field: "KEYWORDS_FILE", Message: err.Error()}
	}
	var kf keywordsFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, &ConfigError{Field: "KEYWORDS_FILE", Message: err.Error()}
	}
	var out []string
	for _, k := range kf.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, &ConfigError{Field: "KEYWORDS_FILE", Message: "no keywords"}
	}
	return out, nil
}

func defaultEmbedURL(provider string) string {
	switch provider {
	case "ollama":
		return "http://localhost:11434"
	case "openai":
		return "https://api.openai.com/v1"
	default:
		return ""
	}
}

func defaultEmbedModel(provider string) string {
	switch provider {
	case "ollama":
		return "nomic-embed-text"
	case "openai":
		return "text-embedding-3-small"
	default:
		return ""
	}
}

func envString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// envReader parses numeric variables and keeps the first malformed one
type envReader struct {
	err error
}

func (e *envReader) Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(name, "must be an integer, got "+strconv.Quote(v))
		return def
	}
	return i
}

func (e *envReader) Float32(name string, def float32) float32 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		e.fail(name, "must be a number, got "+strconv.Quote(v))
		return def
	}
	return float32(f)
}

func (e *envReader) fail(name, message string) {
	if e.err == nil {
		e.err = &ConfigError{Field: name, Message: message}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var errMissingContext = errors.New("template must contain {context}")
