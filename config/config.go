package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	WebRTC   WebRTCConfig
	AWS      AWSConfig
	Upload   UploadConfig
	Pipeline PipelineConfig
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
	URL      string // if set, used as-is
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

// WebRTCConfig holds STUN/TURN ICE server URLs advertised to clients
// (comma-separated in env, e.g. stun:stun.l.google.com:19302).
type WebRTCConfig struct {
	ICEUrls []string
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	RecordingsBucket     string
	PresignExpireMinutes int
}

// UploadConfig holds chunked upload settings.
type UploadConfig struct {
	Dir              string // base directory for per-room capture files
	MaxChunkBytes    int64  // per-chunk size limit
	SessionExpiryMin int    // sessions older than this are swept
}

// PipelineConfig holds merge pipeline settings.
type PipelineConfig struct {
	Workers          int // bounded merge worker pool size
	SettleSeconds    int // grace window between stop and processing
	StartLeadSeconds int // lead added to the synchronized start instant
	FFmpegPath       string
	FFprobePath      string
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "4000"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "duetcast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket:     getEnv("AWS_S3_BUCKET", ""),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 60),
		},
		Upload: UploadConfig{
			Dir:              getEnv("UPLOAD_DIR", "uploads"),
			MaxChunkBytes:    int64(getEnvInt("UPLOAD_MAX_CHUNK_MB", 10)) * 1024 * 1024,
			SessionExpiryMin: getEnvInt("UPLOAD_SESSION_EXPIRY_MIN", 60),
		},
		Pipeline: PipelineConfig{
			Workers:          getEnvInt("PIPELINE_WORKERS", 2),
			SettleSeconds:    getEnvInt("PIPELINE_SETTLE_SEC", 10),
			StartLeadSeconds: getEnvInt("RECORDING_START_LEAD_SEC", 3),
			FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
		},
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
