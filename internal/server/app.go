// Package server assembles the broker from its configuration: metadata
// store, blob store, purge machinery, transfer service and the gRPC and ops
// servers, and runs them until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/dmitrijs2005/transferbroker/internal/blobstore"
	"github.com/dmitrijs2005/transferbroker/internal/blobstore/s3store"
	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/scheduler"
	"github.com/dmitrijs2005/transferbroker/internal/server/config"
	"github.com/dmitrijs2005/transferbroker/internal/server/idempotency"
	"github.com/dmitrijs2005/transferbroker/internal/server/ledger"
	"github.com/dmitrijs2005/transferbroker/internal/server/ops"
	"github.com/dmitrijs2005/transferbroker/internal/server/purge"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/transferbroker/internal/server/services"
	"github.com/dmitrijs2005/transferbroker/internal/server/upload"

	gs "github.com/dmitrijs2005/transferbroker/internal/server/grpc"
)

// seams for tests
var (
	sqlOpen     = sql.Open
	newS3Client = s3store.NewClient
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	scheduler *scheduler.TimerScheduler
	sweeper   *purge.Sweeper
	grpc      *gs.GRPCServer
	ops       *ops.Server
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	app := &App{config: c, logger: logger}

	rm, err := app.openRepositories(ctx)
	if err != nil {
		return nil, err
	}
	if err := rm.RunMigrations(ctx); err != nil {
		app.close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i := range c.Resources {
		if err := rm.Resources(rm.Conn()).Upsert(ctx, &c.Resources[i]); err != nil {
			app.close()
			return nil, fmt.Errorf("seed resource %s: %w", c.Resources[i].ID, err)
		}
	}

	store, err := app.openBlobStore(ctx)
	if err != nil {
		app.close()
		return nil, err
	}

	app.scheduler = scheduler.NewTimerScheduler(logger)
	purger := purge.NewPurger(rm, store, app.scheduler, logger)
	app.sweeper = purge.NewSweeper(purger, rm, c.SweepInterval, c.IdempotencyRetention, logger)

	ts := services.NewTransferService(
		rm,
		ledger.New(rm, logger),
		idempotency.NewGuard(rm, c.IdempotencyCacheSize, c.IdempotencyCacheTTL, logger),
		upload.NewEngine(store, c.Upload, logger),
		store,
		purger,
		logger,
	)

	app.grpc, err = gs.NewGRPCServer(c.EndpointAddrGRPC, logger, ts, c.SecretKey, c.ScannerActor)
	if err != nil {
		app.close()
		return nil, err
	}

	if c.MetricsAddr != "" {
		checks := map[string]ops.Check{}
		if app.db != nil {
			checks["database"] = app.db.PingContext
		}
		app.ops = ops.NewServer(c.MetricsAddr, logger, checks, c.ShutdownTimeout)
	}

	return app, nil
}

func (app *App) openRepositories(ctx context.Context) (repomanager.RepositoryManager, error) {
	switch app.config.DatabaseDriver {
	case config.DriverMemory:
		app.logger.Warn(ctx, "using in-memory metadata store; state is lost on restart")
		return repomanager.NewInMemoryRepositoryManager(), nil
	case config.DriverPostgres:
		db, err := sqlOpen("pgx", app.config.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		app.db = db
		return repomanager.NewPostgresRepositoryManager(db)
	default:
		return nil, fmt.Errorf("unknown database driver %q", app.config.DatabaseDriver)
	}
}

func (app *App) openBlobStore(ctx context.Context) (blobstore.Store, error) {
	c := app.config
	switch c.BlobBackend {
	case config.BlobMemory:
		app.logger.Warn(ctx, "using in-memory blob store; content is lost on restart")
		return blobstore.NewMemory(), nil
	case config.BlobS3:
		client, err := newS3Client(ctx, s3store.Config{
			Bucket:       c.S3Bucket,
			Region:       c.S3Region,
			Endpoint:     c.S3BaseEndpoint,
			AccessKey:    c.S3RootUser,
			SecretKey:    c.S3RootPassword,
			KeyPrefix:    c.S3KeyPrefix,
			UsePathStyle: c.S3UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 init error: %w", err)
		}
		return s3store.New(client, c.S3Bucket, c.S3KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", c.BlobBackend)
	}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run blocks until ctx is cancelled, a shutdown signal arrives or a server
// fails. Timers still pending at shutdown are dropped; the sweeper picks
// their transfers up after restart.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.grpc.Run(ctx); err != nil {
			app.logger.Error(ctx, "gRPC server failed", "error", err)
			cancelFunc()
		}
	}()

	if app.ops != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := app.ops.Run(ctx); err != nil {
				app.logger.Error(ctx, "ops server failed", "error", err)
				cancelFunc()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweeper.Run(ctx)
	}()

	wg.Wait()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), app.config.ShutdownTimeout)
	defer cancel()
	if err := app.scheduler.Close(sctx); err != nil {
		app.logger.Warn(sctx, "scheduler close", "error", err)
	}
	app.close()
	app.logger.Info(sctx, "App stopped")
}

func (app *App) close() {
	if app.db != nil {
		_ = app.db.Close()
	}
}
