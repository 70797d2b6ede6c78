package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "stoqs.db", cfg.Storage.SQLitePath)
	assert.Empty(t, cfg.Storage.PostgresDSN)
	assert.True(t, cfg.Storage.PostgresCopy)
	assert.Equal(t, "fs", cfg.Blob.Driver)
	assert.Equal(t, "./blobdata", cfg.Blob.FSRoot)
	assert.Equal(t, "us-east-1", cfg.Blob.S3Region)
	assert.False(t, cfg.Blob.S3PathStyle)
	assert.Equal(t, "dev", cfg.LogMode)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1000, cfg.LoadBatchSize)
	assert.Equal(t, 5, cfg.AggregateMaxRetries)
	assert.Equal(t, 512, cfg.RefCacheSize)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("STOQS_STORAGE_DRIVER", "Postgres")
	t.Setenv("STOQS_POSTGRES_DSN", "postgres://stoqs@db/stoqs")
	t.Setenv("STOQS_POSTGRES_COPY", "false")
	t.Setenv("STOQS_BLOB_DRIVER", "s3")
	t.Setenv("STOQS_BLOB_S3_BUCKET", "archive")
	t.Setenv("STOQS_BLOB_S3_ENDPOINT", "http://minio:9000")
	t.Setenv("STOQS_BLOB_S3_PATH_STYLE", "true")
	t.Setenv("STOQS_LOG_MODE", "prod")
	t.Setenv("STOQS_LOG_LEVEL", "debug")
	t.Setenv("STOQS_LOAD_BATCH_SIZE", "250")
	t.Setenv("STOQS_AGGREGATE_MAX_RETRIES", "9")
	t.Setenv("STOQS_REFCACHE_SIZE", "64")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://stoqs@db/stoqs", cfg.Storage.PostgresDSN)
	assert.False(t, cfg.Storage.PostgresCopy)
	assert.Equal(t, "s3", cfg.Blob.Driver)
	assert.Equal(t, "archive", cfg.Blob.S3Bucket)
	assert.Equal(t, "http://minio:9000", cfg.Blob.S3Endpoint)
	assert.True(t, cfg.Blob.S3PathStyle)
	assert.Equal(t, "prod", cfg.LogMode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.LoadBatchSize)
	assert.Equal(t, 9, cfg.AggregateMaxRetries)
	assert.Equal(t, 64, cfg.RefCacheSize)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"STOQS_STORAGE_DRIVER", "mongo", "STOQS_STORAGE_DRIVER"},
		{"STOQS_BLOB_DRIVER", "gcs", "STOQS_BLOB_DRIVER"},
		{"STOQS_LOAD_BATCH_SIZE", "0", "STOQS_LOAD_BATCH_SIZE"},
		{"STOQS_LOAD_BATCH_SIZE", "many", "STOQS_LOAD_BATCH_SIZE"},
		{"STOQS_AGGREGATE_MAX_RETRIES", "-1", "STOQS_AGGREGATE_MAX_RETRIES"},
		{"STOQS_REFCACHE_SIZE", "x", "STOQS_REFCACHE_SIZE"},
		{"STOQS_POSTGRES_COPY", "perhaps", "STOQS_POSTGRES_COPY"},
		{"STOQS_LOG_LEVEL", "trace", "STOQS_LOG_LEVEL"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_S3RequiresBucket(t *testing.T) {
	t.Setenv("STOQS_BLOB_DRIVER", "s3")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STOQS_BLOB_S3_BUCKET")
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("STOQS_TEST_VALUE", "  ")
	assert.Equal(t, "fallback", EnvOrDefault("STOQS_TEST_VALUE", "fallback"))
	t.Setenv("STOQS_TEST_VALUE", "set")
	assert.Equal(t, "set", EnvOrDefault("STOQS_TEST_VALUE", "fallback"))
}
