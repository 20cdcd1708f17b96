package server

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore/s3store"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/server/config"
)

func memoryConfig() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	c.DatabaseDriver = config.DriverMemory
	c.BlobBackend = config.BlobMemory
	c.EndpointAddrGRPC = "127.0.0.1:0"
	c.MetricsAddr = "127.0.0.1:0"
	c.ShutdownTimeout = time.Second
	return c
}

func TestNewApp_MemoryBackends(t *testing.T) {
	app, err := NewApp(context.Background(), memoryConfig(), logging.Discard())
	require.NoError(t, err)
	assert.NotNil(t, app.grpc)
	assert.NotNil(t, app.ops)
	assert.Nil(t, app.db)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		app.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop after context cancel")
	}
}

func TestNewApp_MetricsDisabled(t *testing.T) {
	c := memoryConfig()
	c.MetricsAddr = ""

	app, err := NewApp(context.Background(), c, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, app.ops)
}

func TestNewApp_Errors(t *testing.T) {
	origOpen, origS3 := sqlOpen, newS3Client
	t.Cleanup(func() { sqlOpen, newS3Client = origOpen, origS3 })

	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") }
	newS3Client = func(context.Context, s3store.Config) (*s3.Client, error) { return nil, errors.New("no creds") }

	tests := []struct {
		name   string
		modify func(c *config.Config)
		want   string
	}{
		{"unknown driver", func(c *config.Config) { c.DatabaseDriver = "mysql" }, `unknown database driver "mysql"`},
		{"open fails", func(c *config.Config) { c.DatabaseDriver = config.DriverPostgres }, "db init error: no driver"},
		{"unknown backend", func(c *config.Config) { c.BlobBackend = "gcs" }, `unknown blob backend "gcs"`},
		{"s3 fails", func(c *config.Config) { c.BlobBackend = config.BlobS3 }, "s3 init error: no creds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := memoryConfig()
			tt.modify(c)
			_, err := NewApp(context.Background(), c, logging.Discard())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewApp_S3Backend(t *testing.T) {
	orig := newS3Client
	t.Cleanup(func() { newS3Client = orig })

	var got s3store.Config
	newS3Client = func(_ context.Context, cfg s3store.Config) (*s3.Client, error) {
		got = cfg
		return s3.New(s3.Options{Region: cfg.Region}), nil
	}

	c := memoryConfig()
	c.BlobBackend = config.BlobS3
	c.S3KeyPrefix = "tenant-a/"

	_, err := NewApp(context.Background(), c, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, "transfers", got.Bucket)
	assert.Equal(t, "admin", got.AccessKey)
	assert.Equal(t, "tenant-a/", got.KeyPrefix)
	assert.True(t, got.UsePathStyle)
}
