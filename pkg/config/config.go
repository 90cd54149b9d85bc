package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ストアの種類
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// キューの種類
const (
	QueuePool  = "pool"
	QueueRedis = "redis"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Store はジョブとカタログの保存先（postgres / memory）
	Store string

	Database DatabaseConfig
	OpenAI   OpenAIConfig
	Queue    QueueConfig
	Redis    RedisConfig
	Server   ServerConfig
	Sources  SourcesConfig
	Archive  ArchiveConfig
	Log      LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// OpenAIConfig は構造化生成バックエンドの設定
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	Timeout        time.Duration
	MaxInputTokens int

	// ExtraModels は追加のバックエンド（名前 → モデル）。OPENAI_EXTRA_MODELS=fast:gpt-4o-mini,deep:gpt-4o
	ExtraModels map[string]string
}

// QueueConfig はジョブ実行の設定
type QueueConfig struct {
	Backend           string
	Workers           int
	Backlog           int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// RedisConfig は Redis 接続設定
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// ServerConfig は HTTP サーバー設定
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// SourcesConfig はスキルソースの設定
type SourcesConfig struct {
	HTTPName       string
	HTTPURL        string
	HTTPAPIKey     string
	CatalogPath    string
	Generated      bool
	MaxMatches     int
	SuggestedLimit int
}

// ArchiveConfig は公開スナップショットの保存先。Bucket が空なら無効
type ArchiveConfig struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// LogConfig はログ設定
type LogConfig struct {
	Level  slog.Level
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	extra, err := parseModelList(getEnvAsList("OPENAI_EXTRA_MODELS", nil))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Store: getEnv("SKILLGRAPH_STORE", StorePostgres),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "skillgraph"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "skillgraph"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 10),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", ""),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			MaxInputTokens: getEnvAsInt("OPENAI_MAX_INPUT_TOKENS", 100_000),
			ExtraModels:    extra,
		},
		Queue: QueueConfig{
			Backend:           getEnv("QUEUE_BACKEND", QueuePool),
			Workers:           getEnvAsInt("QUEUE_WORKERS", 4),
			Backlog:           getEnvAsInt("QUEUE_BACKLOG", 256),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", time.Second),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "skillgraph:queue"),
		},
		Server: ServerConfig{
			Addr:            getEnv("SERVER_ADDR", ":8080"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Sources: SourcesConfig{
			HTTPName:       getEnv("SKILL_SOURCE_HTTP_NAME", "taxonomy"),
			HTTPURL:        getEnv("SKILL_SOURCE_HTTP_URL", ""),
			HTTPAPIKey:     getEnv("SKILL_SOURCE_HTTP_API_KEY", ""),
			CatalogPath:    getEnv("SKILL_SOURCE_CATALOG_PATH", ""),
			Generated:      getEnvAsBool("SKILL_SOURCE_GENERATED", true),
			MaxMatches:     getEnvAsInt("SKILL_SOURCE_MAX_MATCHES", 3),
			SuggestedLimit: getEnvAsInt("SKILL_SOURCE_SUGGESTED_LIMIT", 25),
		},
		Archive: ArchiveConfig{
			Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
			Prefix:    getEnv("ARCHIVE_S3_PREFIX", "curricula"),
			Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			PathStyle: getEnvAsBool("ARCHIVE_S3_PATH_STYLE", false),
		},
		Log: LogConfig{
			Level:  getEnvAsLevel("LOG_LEVEL", slog.LevelInfo),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は列挙値の設定を検証します
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid SKILLGRAPH_STORE %q (want %s or %s)", c.Store, StorePostgres, StoreMemory)
	}
	switch c.Queue.Backend {
	case QueuePool, QueueRedis:
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND %q (want %s or %s)", c.Queue.Backend, QueuePool, QueueRedis)
	}
	if c.Queue.Backend == QueueRedis && c.Store == StoreMemory {
		return fmt.Errorf("QUEUE_BACKEND=%s requires a shared store, not %s", QueueRedis, StoreMemory)
	}
	return nil
}

// parseModelList は "name:model" のリストを解析します
func parseModelList(items []string) (map[string]string, error) {
	models := make(map[string]string, len(items))
	for _, item := range items {
		name, model, ok := strings.Cut(item, ":")
		name, model = strings.TrimSpace(name), strings.TrimSpace(model)
		if !ok || name == "" || model == "" {
			return nil, fmt.Errorf("invalid OPENAI_EXTRA_MODELS entry %q (want name:model)", item)
		}
		models[name] = model
	}
	return models, nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を取得します。空要素は除きます
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsLevel(key string, defaultValue slog.Level) slog.Level {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(valueStr)); err != nil {
		return defaultValue
	}
	return level
}
