// Package config holds the engine's deployment configuration. Environment
// variables say where things live (queue database, redis, remote API,
// telemetry); a YAML profile says how the engine should behave (retry
// budgets, cache TTLs, drain tuning, conflict strategies). Blob storage
// reads its own SYNC_BLOB_* variables in pkg/blob.
package config

import (
	"os"
	"strconv"
)

// Config is the environment-derived part of the configuration.
type Config struct {
	LogLevel string

	// Queue persistence. Driver is "sqlite", "postgres" or "memory".
	QueueDriver string
	QueueDSN    string

	// Shared cache tier. An empty address disables tier 2.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Remote API.
	BaseURL   string
	AuthToken string

	// Telemetry. An empty endpoint keeps the no-op provider.
	OTLPEndpoint string
	Environment  string

	// Directory of <kind>.schema.json files for enqueue-time validation.
	// Empty disables validation.
	SchemaDir string

	// Behavior profile selection.
	ProfilesDir string
	ProfileName string
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("SYNC_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("SYNC_QUEUE_DRIVER")
	if driver == "" {
		driver = "sqlite"
	}

	dsn := os.Getenv("SYNC_QUEUE_DSN")
	if dsn == "" {
		dsn = "sync-engine.db"
	}

	redisDB := 0
	if v := os.Getenv("SYNC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	environment := os.Getenv("SYNC_ENVIRONMENT")
	if environment == "" {
		environment = "development"
	}

	profilesDir := os.Getenv("SYNC_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profileName := os.Getenv("SYNC_PROFILE")
	if profileName == "" {
		profileName = "default"
	}

	return &Config{
		LogLevel:      logLevel,
		QueueDriver:   driver,
		QueueDSN:      dsn,
		RedisAddr:     os.Getenv("SYNC_REDIS_ADDR"),
		RedisPassword: os.Getenv("SYNC_REDIS_PASSWORD"),
		RedisDB:       redisDB,
		BaseURL:       os.Getenv("SYNC_BASE_URL"),
		AuthToken:     os.Getenv("SYNC_AUTH_TOKEN"),
		OTLPEndpoint:  os.Getenv("SYNC_OTLP_ENDPOINT"),
		Environment:   environment,
		SchemaDir:     os.Getenv("SYNC_SCHEMA_DIR"),
		ProfilesDir:   profilesDir,
		ProfileName:   profileName,
	}
}
