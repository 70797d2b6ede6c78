// Package config loads stoqscore settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Storage drivers accepted by STOQS_STORAGE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Storage selects and configures the persistent store.
type Storage struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
	// PostgresCopy enables the COPY bulk path for sample loads.
	PostgresCopy bool
}

// Blob configures the archive blob store.
type Blob struct {
	Driver      string
	FSRoot      string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
}

// Config holds all settings, populated from environment variables.
type Config struct {
	Storage Storage
	Blob    Blob

	LogMode  string
	LogLevel string

	LoadBatchSize       int
	AggregateMaxRetries int
	RefCacheSize        int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	batchSize, err := positiveInt("STOQS_LOAD_BATCH_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	retries, err := positiveInt("STOQS_AGGREGATE_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	cacheSize, err := positiveInt("STOQS_REFCACHE_SIZE", 512)
	if err != nil {
		return nil, err
	}
	useCopy, err := boolean("STOQS_POSTGRES_COPY", true)
	if err != nil {
		return nil, err
	}
	pathStyle, err := boolean("STOQS_BLOB_S3_PATH_STYLE", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Storage: Storage{
			Driver:       strings.ToLower(EnvOrDefault("STOQS_STORAGE_DRIVER", DriverSQLite)),
			SQLitePath:   EnvOrDefault("STOQS_SQLITE_PATH", "stoqs.db"),
			PostgresDSN:  os.Getenv("STOQS_POSTGRES_DSN"),
			PostgresCopy: useCopy,
		},
		Blob: Blob{
			Driver:      strings.ToLower(EnvOrDefault("STOQS_BLOB_DRIVER", "fs")),
			FSRoot:      EnvOrDefault("STOQS_BLOB_FS_ROOT", "./blobdata"),
			S3Bucket:    os.Getenv("STOQS_BLOB_S3_BUCKET"),
			S3Region:    EnvOrDefault("STOQS_BLOB_S3_REGION", "us-east-1"),
			S3Endpoint:  os.Getenv("STOQS_BLOB_S3_ENDPOINT"),
			S3PathStyle: pathStyle,
		},
		LogMode:             strings.ToLower(EnvOrDefault("STOQS_LOG_MODE", "dev")),
		LogLevel:            strings.ToLower(EnvOrDefault("STOQS_LOG_LEVEL", "info")),
		LoadBatchSize:       batchSize,
		AggregateMaxRetries: retries,
		RefCacheSize:        cacheSize,
	}

	switch cfg.Storage.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unknown STOQS_STORAGE_DRIVER %q", cfg.Storage.Driver)
	}
	switch cfg.Blob.Driver {
	case "fs", "s3", "memory":
	default:
		return nil, fmt.Errorf("unknown STOQS_BLOB_DRIVER %q", cfg.Blob.Driver)
	}
	if cfg.Blob.Driver == "s3" && cfg.Blob.S3Bucket == "" {
		return nil, errors.New("STOQS_BLOB_S3_BUCKET is required for the s3 blob driver")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid STOQS_LOG_LEVEL %q", cfg.LogLevel)
	}

	return cfg, nil
}

// EnvOrDefault returns the value of key, or fallback when it is unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func positiveInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a positive integer", key, raw)
	}
	return n, nil
}

func boolean(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}
