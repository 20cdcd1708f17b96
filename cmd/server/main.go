package main

import (
	"context"
	"os"

	"github.com/dmitrijs2005/transferbroker/internal/logging"
	"github.com/dmitrijs2005/transferbroker/internal/server"
	"github.com/dmitrijs2005/transferbroker/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()
	logger := logging.New(cfg.DevMode, cfg.SentryDSN)

	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error(ctx, "startup failed", "error", err)
		os.Exit(1)
	}

	app.Run(ctx)
}
