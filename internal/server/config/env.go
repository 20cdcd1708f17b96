package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/dmitrijs2005/transferbroker/internal/flagx"
)

const envPrefix = "BROKER_"

// parseEnv overlays BROKER_* environment variables. A dotenv file named by
// -env is loaded first; without the flag a .env in the working directory is
// used when present. Variables already set in the environment win over the
// file. Malformed values panic, as with the other config sources.
func parseEnv(config *Config) {
	if path := flagx.EnvFileFlags(); path != "" {
		if err := godotenv.Load(path); err != nil {
			panic(err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(err)
	}

	envString(&config.EndpointAddrGRPC, "GRPC_ADDR")
	envString(&config.MetricsAddr, "METRICS_ADDR")
	envString(&config.DatabaseDriver, "DATABASE_DRIVER")
	envString(&config.DatabaseDSN, "DATABASE_DSN")
	envString(&config.SecretKey, "SECRET_KEY")
	envString(&config.ScannerActor, "SCANNER_ACTOR")

	envString(&config.BlobBackend, "BLOB_BACKEND")
	envString(&config.S3RootUser, "S3_ROOT_USER")
	envString(&config.S3RootPassword, "S3_ROOT_PASSWORD")
	envString(&config.S3Bucket, "S3_BUCKET")
	envString(&config.S3Region, "S3_REGION")
	envString(&config.S3BaseEndpoint, "S3_BASE_ENDPOINT")
	envString(&config.S3KeyPrefix, "S3_KEY_PREFIX")
	envBool(&config.S3UsePathStyle, "S3_USE_PATH_STYLE")

	envInt(&config.Upload.BlockSize, "UPLOAD_BLOCK_SIZE")
	envInt(&config.Upload.ReadChunkSize, "UPLOAD_READ_CHUNK_SIZE")
	envInt(&config.Upload.Concurrency, "UPLOAD_CONCURRENCY")
	envInt(&config.Upload.CheckpointEvery, "UPLOAD_CHECKPOINT_EVERY")
	envInt(&config.Upload.StageAttempts, "UPLOAD_STAGE_ATTEMPTS")
	envDuration(&config.Upload.StageBackoff, "UPLOAD_STAGE_BACKOFF")
	envDuration(&config.Upload.StageTimeout, "UPLOAD_STAGE_TIMEOUT")

	envDuration(&config.SweepInterval, "SWEEP_INTERVAL")
	envDuration(&config.IdempotencyRetention, "IDEMPOTENCY_RETENTION")
	envInt(&config.IdempotencyCacheSize, "IDEMPOTENCY_CACHE_SIZE")
	envDuration(&config.IdempotencyCacheTTL, "IDEMPOTENCY_CACHE_TTL")

	envBool(&config.DevMode, "DEV")
	envString(&config.SentryDSN, "SENTRY_DSN")
	envDuration(&config.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
}

func envString(dst *string, key string) {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", envPrefix, key, err))
	}
	*dst = n
}

func envBool(dst *bool, key string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", envPrefix, key, err))
	}
	*dst = b
}

func envDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s%s: %w", envPrefix, key, err))
	}
	*dst = d
}
