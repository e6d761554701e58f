package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はゲートウェイ全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Token
	JWTSecret        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	RecoveryTokenTTL time.Duration

	// Site
	SiteURL                string
	AllowedRedirectOrigins []string

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Messaging
	NATSURL string

	// Mail
	SendGridAPIKey string
	MailFrom       string

	// Storage
	S3Endpoint   string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3Bucket     string
	S3PublicURL  string
	PhotoMaxSize int64

	// Worker
	EventRetention time.Duration
	StatsInterval  time.Duration

	// Server
	ServerPort string
	PublicURL  string // 再設定リンクなど外部に公開するゲートウェイURL

	// CORS
	CORSAllowedOrigin string

	// Tracing
	OTLPEndpoint string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに .env があれば先に取り込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.SiteURL = os.Getenv("SITE_URL")
	if cfg.SiteURL == "" {
		missing = append(missing, "SITE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AccessTokenTTL = getEnvDuration("ACCESS_TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = getEnvDuration("REFRESH_TOKEN_TTL", 720*time.Hour)
	cfg.RecoveryTokenTTL = getEnvDuration("RECOVERY_TOKEN_TTL", time.Hour)
	cfg.AllowedRedirectOrigins = getEnvList("ALLOWED_REDIRECT_ORIGINS", []string{cfg.SiteURL})
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 30)
	cfg.NATSURL = getEnvString("NATS_URL", "")
	cfg.SendGridAPIKey = getEnvString("SENDGRID_API_KEY", "")
	cfg.MailFrom = getEnvString("MAIL_FROM", "no-reply@japinait.local")
	cfg.S3Endpoint = getEnvString("S3_ENDPOINT", "")
	cfg.S3AccessKey = getEnvString("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = getEnvString("S3_SECRET_KEY", "")
	cfg.S3Region = getEnvString("S3_REGION", "us-east-1")
	cfg.S3Bucket = getEnvString("S3_BUCKET", "venue-photos")
	cfg.S3PublicURL = getEnvString("S3_PUBLIC_URL", "")
	cfg.PhotoMaxSize = getEnvInt64("PHOTO_MAX_SIZE", 5242880)
	cfg.EventRetention = getEnvDuration("EVENT_RETENTION", 24*time.Hour)
	cfg.StatsInterval = getEnvDuration("STATS_INTERVAL", 10*time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.PublicURL = strings.TrimRight(getEnvString("PUBLIC_URL", "http://localhost:"+cfg.ServerPort), "/")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.SiteURL)
	cfg.OTLPEndpoint = getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	return cfg, nil
}

// StorageEnabled はS3互換ストレージの設定が揃っているかを返す。
func (c *Config) StorageEnabled() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// ClientConfig は japictl が使う接続設定を保持する。
type ClientConfig struct {
	BaseURL     string
	SiteURL     string // パスワード再設定リンクの遷移先オリジン
	SessionFile string
	Timeout     time.Duration
}

// LoadClient はクライアント用の設定を読み込む。すべて任意項目。
func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	sessionFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		sessionFile = home + "/.japinait/session.json"
	}

	return &ClientConfig{
		BaseURL:     strings.TrimRight(getEnvString("JAPINAIT_URL", "http://localhost:8080"), "/"),
		SiteURL:     strings.TrimRight(getEnvString("SITE_URL", "http://localhost:3000"), "/"),
		SessionFile: getEnvString("JAPINAIT_SESSION_FILE", sessionFile),
		Timeout:     getEnvDuration("JAPINAIT_TIMEOUT", 10*time.Second),
	}
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
