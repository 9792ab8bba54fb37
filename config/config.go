package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	SFU      SFUConfig
	Stream   StreamConfig
	AWS      AWSConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamhive?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// SFUConfig holds settings for the external media-relay (SFU) control API.
type SFUConfig struct {
	BaseURL           string
	RequestTimeoutSec int // bound on every SFU call so a hung SFU cannot stall callers
}

// StreamConfig holds stream-session lifecycle and viewer-presence settings.
// HeartbeatTimeoutSec must exceed the streamer client's ping interval with
// margin (3x the interval is the expected deployment).
type StreamConfig struct {
	HeartbeatTimeoutSec      int
	ReconcileIntervalSec     int
	ViewerCleanupIntervalSec int
	ViewerMaxAgeSec          int
	ViewerFlushIntervalSec   int
	SfuGraceTicks            int // consecutive inactive SFU reports before a force-stop
	DivergenceLogThreshold   int // min absolute local-vs-SFU viewer gap worth a warn log
}

// AWSConfig holds AWS credentials and S3 bucket names.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ThumbnailsBucket     string
	VodBucket            string
	PresignExpireMinutes int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// HeartbeatTimeout returns the session heartbeat timeout as a duration.
func (c StreamConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSec) * time.Second
}

// ReconcileInterval returns the reconciliation tick interval as a duration.
func (c StreamConfig) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalSec) * time.Second
}

// ViewerCleanupInterval returns the viewer-janitor cadence as a duration.
func (c StreamConfig) ViewerCleanupInterval() time.Duration {
	return time.Duration(c.ViewerCleanupIntervalSec) * time.Second
}

// ViewerMaxAge returns the max idle age for viewer connections as a duration.
func (c StreamConfig) ViewerMaxAge() time.Duration {
	return time.Duration(c.ViewerMaxAgeSec) * time.Second
}

// ViewerFlushInterval returns the viewer-count persistence cadence as a duration.
func (c StreamConfig) ViewerFlushInterval() time.Duration {
	return time.Duration(c.ViewerFlushIntervalSec) * time.Second
}

// RequestTimeout returns the per-call SFU timeout as a duration.
func (c SFUConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", "postgres://localhost:5432/streamhive?sslmode=disable"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamhive"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		SFU: SFUConfig{
			BaseURL:           getEnv("SFU_BASE_URL", "http://localhost:9090"),
			RequestTimeoutSec: getEnvInt("SFU_REQUEST_TIMEOUT_SEC", 3),
		},
		Stream: StreamConfig{
			HeartbeatTimeoutSec:      getEnvInt("STREAM_HEARTBEAT_TIMEOUT_SEC", 90),
			ReconcileIntervalSec:     getEnvInt("STREAM_RECONCILE_INTERVAL_SEC", 30),
			ViewerCleanupIntervalSec: getEnvInt("VIEWER_CLEANUP_INTERVAL_SEC", 60),
			ViewerMaxAgeSec:          getEnvInt("VIEWER_MAX_AGE_SEC", 300),
			ViewerFlushIntervalSec:   getEnvInt("VIEWER_FLUSH_INTERVAL_SEC", 15),
			SfuGraceTicks:            getEnvInt("SFU_GRACE_TICKS", 2),
			DivergenceLogThreshold:   getEnvInt("VIEWER_DIVERGENCE_LOG_THRESHOLD", 5),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", ""),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ThumbnailsBucket:     getEnv("AWS_S3_THUMBNAILS_BUCKET", "streamhive-thumbnails"),
			VodBucket:            getEnv("AWS_S3_VOD_BUCKET", "streamhive-vod"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
