package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageBackendFirebase = "firebase"
	StorageBackendMinIO    = "minio"
)

type Config struct {
	Port                    string
	FirebaseProjectID       string
	FirebaseBucketName      string
	FirebaseCredentialsPath string
	FirebaseCredentialsJSON string // raw JSON string, preferred over the path when set
	PinsCollection          string
	StorageBackend          string // "firebase" or "minio"
	MinIOEndpoint           string
	MinIOAccessKey          string
	MinIOSecretKey          string
	MinIOBucket             string
	MinIOUseSSL             bool
	DataDir                 string // SQLite state and transcode scratch space
	CacheDir                string // disk tier of the blob cache
	MediaDir                string // recordings are only accepted from here
	CacheMaxBytes           int64
	CacheMemoryMaxBytes     int64
	CacheRetention          time.Duration
	CacheSweepInterval      time.Duration
	FFmpegPath              string
	FFprobePath             string
	NetworkTimeout          time.Duration // upload, download and commit
	UploadBaseBackoff       time.Duration
	QueuePollInterval       time.Duration
	PrefetchEnabled         bool
	PrefetchConcurrency     int
	GeocodingEnabled        bool
	EngineUserID            string // identity of the signed-in user on this device
	DeviceID                string
	AllowedOrigins          []string
	APIKeys                 []string // API keys for the local HTTP surface (comma-separated)
	RateLimitRPS            float64
	RateLimitBurst          int
	LogLevel                string
	LogFormat               string // "text" or "json"
}

// Load reads configuration from environment variables and .env file.
// It loads the .env file if present, then populates the Config struct.
// Returns an error if required configuration is missing.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dataDir := getEnv("DATA_DIR", "data")

	cfg := &Config{
		Port:                    getEnv("PORT", "8080"),
		FirebaseProjectID:       getEnv("FIREBASE_PROJECT_ID", ""),
		FirebaseBucketName:      getEnv("FIREBASE_BUCKET_NAME", ""),
		FirebaseCredentialsPath: getEnv("FIREBASE_CREDENTIALS_PATH", "firebase-service-account.json"),
		FirebaseCredentialsJSON: getEnv("FIREBASE_CREDENTIALS_JSON", ""),
		PinsCollection:          getEnv("PINS_COLLECTION", "pins"),
		StorageBackend:          strings.ToLower(getEnv("STORAGE_BACKEND", StorageBackendFirebase)),
		MinIOEndpoint:           getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:          getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:          getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:             getEnv("MINIO_BUCKET", "pins"),
		MinIOUseSSL:             getBoolEnv("MINIO_USE_SSL", true),
		DataDir:                 dataDir,
		CacheDir:                getEnv("CACHE_DIR", filepath.Join(dataDir, "cache")),
		MediaDir:                getEnv("MEDIA_DIR", filepath.Join(dataDir, "inbox")),
		CacheMaxBytes:           getInt64Env("CACHE_MAX_BYTES", 500<<20),
		CacheMemoryMaxBytes:     getInt64Env("CACHE_MEMORY_MAX_BYTES", 64<<20),
		CacheRetention:          getDurationEnv("CACHE_RETENTION", 7*24*time.Hour),
		CacheSweepInterval:      getDurationEnv("CACHE_SWEEP_INTERVAL", time.Hour),
		FFmpegPath:              getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:             getEnv("FFPROBE_PATH", "ffprobe"),
		NetworkTimeout:          getDurationEnv("NETWORK_TIMEOUT", 5*time.Minute),
		UploadBaseBackoff:       getDurationEnv("UPLOAD_BASE_BACKOFF", 2*time.Second),
		QueuePollInterval:       getDurationEnv("QUEUE_POLL_INTERVAL", 30*time.Second),
		PrefetchEnabled:         getBoolEnv("PREFETCH_ENABLED", false),
		PrefetchConcurrency:     int(getInt64Env("PREFETCH_CONCURRENCY", 2)),
		GeocodingEnabled:        getBoolEnv("GEOCODING_ENABLED", false),
		EngineUserID:            getEnv("ENGINE_USER_ID", ""),
		DeviceID:                getEnv("DEVICE_ID", ""),
		AllowedOrigins:          getList("ALLOWED_ORIGINS", []string{"*"}),
		APIKeys:                 getList("API_KEYS", []string{}),
		RateLimitRPS:            getFloatEnv("RATE_LIMIT_RPS", 10),
		RateLimitBurst:          int(getInt64Env("RATE_LIMIT_BURST", 20)),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "text"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.FirebaseProjectID == "" {
		return fmt.Errorf("FIREBASE_PROJECT_ID is required")
	}
	if c.FirebaseCredentialsJSON == "" && c.FirebaseCredentialsPath == "" {
		return fmt.Errorf("either FIREBASE_CREDENTIALS_JSON or FIREBASE_CREDENTIALS_PATH must be set")
	}
	if c.PinsCollection == "" {
		return fmt.Errorf("PINS_COLLECTION is required")
	}
	switch c.StorageBackend {
	case StorageBackendFirebase:
		if c.FirebaseBucketName == "" {
			return fmt.Errorf("FIREBASE_BUCKET_NAME is required for the firebase storage backend")
		}
	case StorageBackendMinIO:
		if c.MinIOEndpoint == "" || c.MinIOAccessKey == "" || c.MinIOSecretKey == "" || c.MinIOBucket == "" {
			return fmt.Errorf("MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required for the minio storage backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q, got %q", StorageBackendFirebase, StorageBackendMinIO, c.StorageBackend)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.MediaDir == "" {
		return fmt.Errorf("MEDIA_DIR is required")
	}
	if c.CacheMaxBytes <= 0 {
		return fmt.Errorf("CACHE_MAX_BYTES must be positive")
	}
	if c.CacheMemoryMaxBytes < 0 || c.CacheMemoryMaxBytes > c.CacheMaxBytes {
		return fmt.Errorf("CACHE_MEMORY_MAX_BYTES must be between 0 and CACHE_MAX_BYTES")
	}
	if c.CacheRetention <= 0 {
		return fmt.Errorf("CACHE_RETENTION must be positive")
	}
	if c.CacheSweepInterval <= 0 {
		return fmt.Errorf("CACHE_SWEEP_INTERVAL must be positive")
	}
	if c.NetworkTimeout <= 0 {
		return fmt.Errorf("NETWORK_TIMEOUT must be positive")
	}
	if c.UploadBaseBackoff <= 0 {
		return fmt.Errorf("UPLOAD_BASE_BACKOFF must be positive")
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}
	if c.PrefetchConcurrency <= 0 {
		return fmt.Errorf("PREFETCH_CONCURRENCY must be positive")
	}
	if c.EngineUserID == "" {
		return fmt.Errorf("ENGINE_USER_ID is required")
	}
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required (comma-separated list of API keys)")
	}
	return nil
}

// DatabasePath is the SQLite file holding queue, failed store, cache index and pin snapshot.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "engine.db")
}

// TranscodeDir is the scratch directory for compressed intermediates.
func (c *Config) TranscodeDir() string {
	return filepath.Join(c.DataDir, "transcode")
}

// Retrieves an environment variable or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// Retrieves a duration from environment variable or returns a default value.
// It supports both time.Duration format (e.g., "10m", "12h") and integer minutes.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

// Retrieves a comma-separated list from environment variable or returns a default value.
func getList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// Retrieves a boolean from environment variable or returns a default value.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// Retrieves an integer from environment variable or returns a default value.
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// Retrieves a float from environment variable or returns a default value.
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
