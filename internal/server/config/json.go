package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/transferbroker/internal/flagx"
	"github.com/dmitrijs2005/transferbroker/internal/server/models"
	"github.com/dmitrijs2005/transferbroker/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration so both "1s" strings and integer nanoseconds are accepted.
// Zero values leave the corresponding setting untouched.
type JsonConfig struct {
	EndpointAddrGRPC string `json:"endpoint_addr_grpc"`
	MetricsAddr      string `json:"metrics_addr"`
	DatabaseDriver   string `json:"database_driver"`
	DatabaseDSN      string `json:"database_dsn"`
	SecretKey        string `json:"secret_key"`
	ScannerActor     string `json:"scanner_actor"`

	BlobBackend    string `json:"blob_backend"`
	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
	S3KeyPrefix    string `json:"s3_key_prefix"`
	S3UsePathStyle *bool  `json:"s3_use_path_style"`

	Upload JsonUpload `json:"upload"`

	SweepInterval        timex.Duration `json:"sweep_interval"`
	IdempotencyRetention timex.Duration `json:"idempotency_retention"`
	IdempotencyCacheSize int            `json:"idempotency_cache_size"`
	IdempotencyCacheTTL  timex.Duration `json:"idempotency_cache_ttl"`

	DevMode         *bool          `json:"dev"`
	SentryDSN       string         `json:"sentry_dsn"`
	ShutdownTimeout timex.Duration `json:"shutdown_timeout"`

	Resources []JsonResource `json:"resources"`
}

type JsonUpload struct {
	BlockSize       int            `json:"block_size"`
	ReadChunkSize   int            `json:"read_chunk_size"`
	Concurrency     int            `json:"concurrency"`
	CheckpointEvery int            `json:"checkpoint_every"`
	StageAttempts   int            `json:"stage_attempts"`
	StageBackoff    timex.Duration `json:"stage_backoff"`
	StageTimeout    timex.Duration `json:"stage_timeout"`
}

// JsonResource describes a resource to seed. A non-empty resources list
// replaces the default one.
type JsonResource struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	PurgePolicy string         `json:"purge_policy"`
	TimeToLive  timex.Duration `json:"time_to_live"`
	GracePeriod timex.Duration `json:"grace_period"`
}

// parseJson loads the file named by -c/-config, if any, over config.
// Unreadable files, invalid JSON and invalid resources panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if err := c.apply(config); err != nil {
		panic(err)
	}
}

func (c *JsonConfig) apply(config *Config) error {
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.MetricsAddr, c.MetricsAddr)
	setString(&config.DatabaseDriver, c.DatabaseDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.ScannerActor, c.ScannerActor)

	setString(&config.BlobBackend, c.BlobBackend)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.S3KeyPrefix, c.S3KeyPrefix)
	if c.S3UsePathStyle != nil {
		config.S3UsePathStyle = *c.S3UsePathStyle
	}

	setInt(&config.Upload.BlockSize, c.Upload.BlockSize)
	setInt(&config.Upload.ReadChunkSize, c.Upload.ReadChunkSize)
	setInt(&config.Upload.Concurrency, c.Upload.Concurrency)
	setInt(&config.Upload.CheckpointEvery, c.Upload.CheckpointEvery)
	setInt(&config.Upload.StageAttempts, c.Upload.StageAttempts)
	if c.Upload.StageBackoff.Duration != 0 {
		config.Upload.StageBackoff = c.Upload.StageBackoff.Duration
	}
	if c.Upload.StageTimeout.Duration != 0 {
		config.Upload.StageTimeout = c.Upload.StageTimeout.Duration
	}

	if c.SweepInterval.Duration != 0 {
		config.SweepInterval = c.SweepInterval.Duration
	}
	if c.IdempotencyRetention.Duration != 0 {
		config.IdempotencyRetention = c.IdempotencyRetention.Duration
	}
	setInt(&config.IdempotencyCacheSize, c.IdempotencyCacheSize)
	if c.IdempotencyCacheTTL.Duration != 0 {
		config.IdempotencyCacheTTL = c.IdempotencyCacheTTL.Duration
	}

	if c.DevMode != nil {
		config.DevMode = *c.DevMode
	}
	setString(&config.SentryDSN, c.SentryDSN)
	if c.ShutdownTimeout.Duration != 0 {
		config.ShutdownTimeout = c.ShutdownTimeout.Duration
	}

	if len(c.Resources) == 0 {
		return nil
	}
	resources := make([]models.Resource, 0, len(c.Resources))
	for _, r := range c.Resources {
		res, err := r.model()
		if err != nil {
			return err
		}
		resources = append(resources, res)
	}
	config.Resources = resources
	return nil
}

func (r JsonResource) model() (models.Resource, error) {
	policy := models.PurgePolicy(r.PurgePolicy)
	switch {
	case r.ID == "":
		return models.Resource{}, fmt.Errorf("resource without id")
	case policy != models.PurgeOnExpiry && policy != models.PurgeAfterConfirmation:
		return models.Resource{}, fmt.Errorf("resource %s: unknown purge policy %q", r.ID, r.PurgePolicy)
	case r.TimeToLive.Duration <= 0:
		return models.Resource{}, fmt.Errorf("resource %s: time_to_live must be positive", r.ID)
	case r.GracePeriod.Duration < 0:
		return models.Resource{}, fmt.Errorf("resource %s: negative grace_period", r.ID)
	}
	return models.Resource{
		ID:          r.ID,
		Name:        r.Name,
		PurgePolicy: policy,
		TimeToLive:  r.TimeToLive.Duration,
		GracePeriod: r.GracePeriod.Duration,
	}, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
