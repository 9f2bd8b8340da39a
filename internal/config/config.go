// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
// CONFIG_FILE で YAML ファイルを指定した場合は、その値を既定値として環境変数で上書きします。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 選択可能なバックエンド名
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	QueueMemory = "memory"
	QueueAsynq  = "asynq"

	RendererChrome = "chrome"
	RendererStub   = "stub"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string `yaml:"port"`      // APIサーバーのポート番号
	GinMode  string `yaml:"gin_mode"`  // Ginの実行モード (debug, release, test)
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	// セッション・CORS設定
	SessionSecret      string `yaml:"session_secret"`       // セッション署名用の秘密鍵
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"` // CORS許可オリジン（カンマ区切り）

	// ファイル制限
	MaxUploadSize   int64 `yaml:"max_upload_size"`   // アップロードの最大サイズ（バイト）
	MaxRepairDepth  int   `yaml:"max_repair_depth"`  // アーカイブ修復の最大段数
	MaxExtractBytes int64 `yaml:"max_extract_bytes"` // 展開後の合計サイズ上限（バイト）

	// 保存先
	StorageDir  string `yaml:"storage_dir"`  // ジョブごとのディレクトリを置く場所
	WorkDir     string `yaml:"work_dir"`     // 展開用の一時ディレクトリ（空なら OS 既定）
	StoreDriver string `yaml:"store_driver"` // sqlite, postgres, redis
	DatabaseURL string `yaml:"database_url"` // SQLite のパスまたは PostgreSQL の DSN
	RedisURL    string `yaml:"redis_url"`    // Redis ストアと Asynq 用の接続URL

	// ジョブ/キュー設定
	QueueBackend string `yaml:"queue_backend"` // memory, asynq
	SyncMode     bool   `yaml:"sync_mode"`     // true ならアップロード時にその場で変換する

	// レンダリング設定
	Renderer      string        `yaml:"renderer"`       // chrome, stub
	ChromePath    string        `yaml:"chrome_path"`    // Chrome / Chromium 実行ファイルのパス
	RenderTimeout time.Duration `yaml:"render_timeout"` // 1 件あたりのレンダリング時間上限

	// OS 連携
	RevealEnabled bool `yaml:"reveal_enabled"` // ファイルマネージャーでの表示を有効にする

	// MinIO 設定（Endpoint が空ならミラーしない）
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"minio_access_key"`
	MinioSecretKey string `yaml:"minio_secret_key"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// NATS 設定（空ならイベントを配信しない）
	NATSURL string `yaml:"nats_url"`
}

// Defaults は既定値を返します。
func Defaults() *Config {
	return &Config{
		Port:               "8080",
		GinMode:            "debug",
		LogLevel:           "info",
		CORSAllowedOrigins: "http://localhost:5173",
		MaxUploadSize:      150 << 20, // 150MiB
		MaxRepairDepth:     8,
		MaxExtractBytes:    1 << 30, // 1GiB
		StorageDir:         "./storage",
		StoreDriver:        StoreSQLite,
		DatabaseURL:        filepath.Join("storage", "epub_pdf.db"),
		RedisURL:           "redis://127.0.0.1:6379/0",
		QueueBackend:       QueueMemory,
		Renderer:           RendererChrome,
		ChromePath:         "chromium",
		RenderTimeout:      2 * time.Minute,
		RevealEnabled:      true,
		MinioBucket:        "epub-pdf",
	}
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadYAML(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// サーバー設定
	c.Port = getEnv("PORT", c.Port)
	c.GinMode = getEnv("GIN_MODE", c.GinMode)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	// セッション・CORS設定
	c.SessionSecret = getEnv("SESSION_SECRET", c.SessionSecret)
	c.CORSAllowedOrigins = getEnv("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	// ファイル制限
	c.MaxUploadSize = getEnvAsInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	c.MaxRepairDepth = getEnvAsInt("MAX_REPAIR_DEPTH", c.MaxRepairDepth)
	c.MaxExtractBytes = getEnvAsInt64("MAX_EXTRACT_BYTES", c.MaxExtractBytes)

	// 保存先
	c.StorageDir = getEnv("STORAGE_DIR", c.StorageDir)
	c.WorkDir = getEnv("WORK_DIR", c.WorkDir)
	c.StoreDriver = getEnv("STORE_DRIVER", c.StoreDriver)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	// ジョブ/キュー設定
	c.QueueBackend = getEnv("QUEUE_BACKEND", c.QueueBackend)
	c.SyncMode = getEnvAsBool("EPUB_PDF_SYNC", c.SyncMode)

	// レンダリング設定
	c.Renderer = getEnv("RENDERER", c.Renderer)
	c.ChromePath = getEnv("CHROME_PATH", c.ChromePath)
	c.RenderTimeout = getEnvAsDuration("RENDER_TIMEOUT", c.RenderTimeout)

	c.RevealEnabled = getEnvAsBool("REVEAL_ENABLED", c.RevealEnabled)

	// MinIO 設定
	c.MinioEndpoint = getEnv("MINIO_ENDPOINT", c.MinioEndpoint)
	c.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", c.MinioAccessKey)
	c.MinioSecretKey = getEnv("MINIO_SECRET_KEY", c.MinioSecretKey)
	c.MinioBucket = getEnv("MINIO_BUCKET", c.MinioBucket)
	c.MinioUseSSL = getEnvAsBool("MINIO_USE_SSL", c.MinioUseSSL)

	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreSQLite, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown STORE_DRIVER: %q", c.StoreDriver)
	}
	switch c.QueueBackend {
	case QueueMemory, QueueAsynq:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND: %q", c.QueueBackend)
	}
	switch c.Renderer {
	case RendererChrome, RendererStub:
	default:
		return fmt.Errorf("unknown RENDERER: %q", c.Renderer)
	}

	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.MaxRepairDepth <= 0 {
		return fmt.Errorf("MAX_REPAIR_DEPTH must be positive")
	}
	if c.MaxExtractBytes <= 0 {
		return fmt.Errorf("MAX_EXTRACT_BYTES must be positive")
	}
	if c.RenderTimeout <= 0 {
		return fmt.Errorf("RENDER_TIMEOUT must be positive")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	if c.StoreDriver != StoreRedis && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for %s", c.StoreDriver)
	}
	if (c.StoreDriver == StoreRedis || c.QueueBackend == QueueAsynq) && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required for the redis store or asynq queue")
	}
	if c.MinioEndpoint != "" && c.MinioBucket == "" {
		return fmt.Errorf("MINIO_BUCKET is required when MINIO_ENDPOINT is set")
	}

	// 本番環境では厳格にチェックする
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}

	return nil
}

// AllowedOrigins は CORS 許可オリジンを配列で返します。
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
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

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
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
