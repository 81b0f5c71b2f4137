package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// RestartPolicyFail fails jobs whose worker lease expired.
	RestartPolicyFail = "fail"
	// RestartPolicyAbandon drops them silently and leaves the video where it was.
	RestartPolicyAbandon = "abandon"
)

type Config struct {
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	TranscodeWorkers  int
	CaptionWorkers    int
	DatabaseDriver    string
	DatabaseURL       string
	StorageDir        string
	FFmpegPath        string
	FFprobePath       string
	FFmpegNiceness    int
	MaxRetries        int
	JobTimeout        time.Duration
	LeaseTTL          time.Duration
	DeferDelay        time.Duration
	RecoveryInterval  time.Duration
	RestartPolicy     string
	S3Bucket          string
	S3Region          string
	AWSS3AccessKey    string
	AWSS3SecretKey    string
	S3Endpoint        string
	S3UsePathStyle    bool
	S3Prefix          string
	OrchestratorGroup string
	OrchestratorName  string
}

func Load() *Config {
	envFile := getEnv("VOD_ENV_FILE", ".env")
	// A missing .env is the normal case in containers.
	_ = godotenv.Load(envFile)

	driver := strings.ToLower(getEnv("DB_DRIVER", DriverPostgres))

	var dbURL string
	if driver == DriverSQLite {
		dbURL = getEnv("SQLITE_PATH", "storage/vodpipeline.db")
	} else {
		dbURL = postgresURL()
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "vodpipeline"
	}

	return &Config{
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RedisPrefix:       getEnv("REDIS_PREFIX", "vod:"),
		TranscodeWorkers:  getEnvInt("TRANSCODE_WORKER_COUNT", 1),
		CaptionWorkers:    getEnvInt("CAPTION_WORKER_COUNT", 1),
		DatabaseDriver:    driver,
		DatabaseURL:       dbURL,
		StorageDir:        getEnv("STORAGE_DIR", "storage/videos"),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:       getEnv("FFPROBE_PATH", "ffprobe"),
		FFmpegNiceness:    getEnvInt("FFMPEG_NICENESS", 19),
		MaxRetries:        getEnvInt("JOB_MAX_RETRIES", 0),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", 0),
		LeaseTTL:          getEnvDuration("JOB_LEASE_TTL", 30*time.Second),
		DeferDelay:        getEnvDuration("JOB_DEFER_DELAY", 5*time.Second),
		RecoveryInterval:  getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		RestartPolicy:     strings.ToLower(getEnv("RESTART_POLICY", RestartPolicyFail)),
		S3Bucket:          getEnvWithFallback("S3_BUCKET", "AWS_BUCKET", ""),
		S3Region:          getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey:    getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey:    getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3Prefix:          getEnv("S3_PREFIX", "videos/"),
		OrchestratorGroup: getEnv("PIPELINE_GROUP", "pipeline"),
		OrchestratorName:  getEnv("PIPELINE_CONSUMER", hostname),
	}
}

// Validate reports configuration values the service cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("DB_DRIVER: unsupported value %q", c.DatabaseDriver)
	}
	switch c.RestartPolicy {
	case RestartPolicyFail, RestartPolicyAbandon:
	default:
		return fmt.Errorf("RESTART_POLICY: unsupported value %q", c.RestartPolicy)
	}
	if c.TranscodeWorkers < 1 || c.CaptionWorkers < 1 {
		return fmt.Errorf("worker counts must be positive (transcode=%d caption=%d)", c.TranscodeWorkers, c.CaptionWorkers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("JOB_LEASE_TTL must be positive")
	}
	if c.StorageDir == "" {
		return fmt.Errorf("STORAGE_DIR is required")
	}
	return nil
}

// MirrorEnabled reports whether packaged output is copied to S3.
func (c *Config) MirrorEnabled() bool {
	return c.S3Bucket != ""
}

func postgresURL() string {
	dbHost := getEnv("DB_HOST", "localhost")
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "vodpipeline")
	dbUser := getEnv("DB_USERNAME", "vodpipeline")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq accepts "key=value" connection strings, which avoids
	// URI escaping issues for special characters in passwords.
	parts := []string{
		"host=" + dbHost,
		"port=" + dbPort,
		"dbname=" + dbName,
		"user=" + dbUser,
	}
	if dbPassword != "" {
		parts = append(parts, "password="+dbPassword)
	}
	parts = append(parts, "sslmode="+dbSSLMode)

	if cert := getEnv("DB_SSLCERT", ""); cert != "" {
		parts = append(parts, "sslcert="+cert)
	}
	if key := getEnv("DB_SSLKEY", ""); key != "" {
		parts = append(parts, "sslkey="+key)
	}
	if root := getEnv("DB_SSLROOTCERT", ""); root != "" {
		parts = append(parts, "sslrootcert="+root)
	}
	return strings.Join(parts, " ")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// ApplyPrefix namespaces a redis key.
func ApplyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}
