package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 永続化先のバックエンド
const (
	StoreBackendREST     = "rest"
	StoreBackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Identity / data platform
	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string

	// Store
	StoreBackend   string
	DatabaseURL    string
	DBMaxOpenConns int
	RedisURL       string

	// Session
	SessionMaxAge      int
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// Remote calls
	RemoteCallTimeout time.Duration
	RemoteCallRetries int
	// RequestTimeout は設定の読み込み・保存1回全体の上限。再試行を含む。
	RequestTimeout time.Duration

	// Rate Limit (requests per minute)
	RateLimitGeneral int
	RateLimitAuth    int

	// Logging
	LogLevel  string
	LogFile   string
	SentryDSN string

	// Server
	ServerPort string
	BaseURL    string
	AppEnv     string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigins []string
}

// LoadDotEnv は存在する.envファイルを読み込み、未設定の環境変数を補う。
// 既に設定されている環境変数は上書きしない。先に指定したファイルが優先される。
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.SupabaseURL = required("SUPABASE_URL")
	cfg.SupabaseAnonKey = required("SUPABASE_ANON_KEY")
	cfg.BaseURL = strings.TrimRight(required("BASE_URL"), "/")

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendREST))
	switch cfg.StoreBackend {
	case StoreBackendREST:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	case StoreBackendPostgres:
		cfg.DatabaseURL = required("DATABASE_URL")
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q: must be %q or %q", cfg.StoreBackend, StoreBackendREST, StoreBackendPostgres)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 604800)
	cfg.SessionIdleTimeout = getEnvDuration("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.RemoteCallTimeout = getEnvDuration("REMOTE_CALL_TIMEOUT", 10*time.Second)
	cfg.RemoteCallRetries = getEnvInt("REMOTE_CALL_RETRIES", 1)
	cfg.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", 20*time.Second)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAuth = getEnvInt("RATE_LIMIT_AUTH", 10)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	return cfg, nil
}

// IsProduction は本番環境として起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
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

// getEnvList はカンマ区切りの値をリストとして返す。空の要素は除く。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
