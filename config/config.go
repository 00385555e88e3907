// Package config loads process configuration from the environment and
// builds the shared logger.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port          string
	AllowedOrigin string

	DatabaseURL string
	SQLitePath  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	LogLevel  string
	LogFormat string

	BillingLookback time.Duration

	MainoBaseURL        string
	MainoAPIKey         string
	MainoApplicationUID string
	MainoEmail          string
	MainoPassword       string
	SyncInterval        time.Duration
	SyncConcurrency     int

	InboxDir       string
	MaxUploadBytes int64
}

// Load reads the environment, after a .env file in the working directory
// if there is one.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://localhost:5173"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "consignment.db"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		LockTTL:       time.Duration(positiveInt("LOCK_TTL_SECONDS", 30)) * time.Second,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		BillingLookback: time.Duration(nonNegativeInt("BILLING_LOOKBACK_DAYS", 0)) * 24 * time.Hour,

		MainoBaseURL:        strings.TrimRight(getEnv("MAINO_API_BASE_URL", "https://api.maino.com.br"), "/"),
		MainoAPIKey:         strings.TrimSpace(os.Getenv("MAINO_API_KEY")),
		MainoApplicationUID: strings.TrimSpace(os.Getenv("MAINO_APPLICATION_UID")),
		MainoEmail:          strings.TrimSpace(os.Getenv("MAINO_EMAIL")),
		MainoPassword:       os.Getenv("MAINO_PASSWORD"),
		SyncInterval:        time.Duration(nonNegativeInt("SYNC_INTERVAL_MINUTES", 0)) * time.Minute,
		SyncConcurrency:     positiveInt("SYNC_CONCURRENCY", 4),

		InboxDir:       os.Getenv("INBOX_DIR"),
		MaxUploadBytes: int64(positiveInt("MAX_UPLOAD_BYTES", 16<<20)),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// RegistryConfigured reports whether registry credentials are present.
func (c Config) RegistryConfigured() bool {
	return c.MainoAPIKey != "" || (c.MainoApplicationUID != "" && c.MainoEmail != "" && c.MainoPassword != "")
}

// NewLogger builds a logrus logger. format is "json" or "text"; an unknown
// level falls back to info.
func NewLogger(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)
	return logger
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func nonNegativeInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
