package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dmitrijs2005/transferbroker/internal/client/client"
	"github.com/dmitrijs2005/transferbroker/internal/client/config"
	"github.com/dmitrijs2005/transferbroker/internal/client/models"
	"github.com/dmitrijs2005/transferbroker/internal/client/repositories/history"
)

type App struct {
	config  *config.Config
	client  client.Client
	history history.Repository
	db      *sql.DB
	out     io.Writer
	now     func() time.Time
}

// NewApp opens the local history and connects to the broker. Without a
// configured token the user is asked for one on the terminal.
func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if c.AccessToken == "" {
		tok, err := PromptToken(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		c.AccessToken = tok
	}
	if c.AccessToken == "" {
		return nil, fmt.Errorf("no access token: use -t or %s", config.TokenEnv)
	}

	db, err := client.InitDatabase(ctx, c.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	apiClient, err := client.NewGRPCClient(c.ServerEndpointAddr, c.AccessToken)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &App{
		config:  c,
		client:  apiClient,
		history: history.NewSQLiteRepository(db),
		db:      db,
		out:     os.Stdout,
		now:     time.Now,
	}, nil
}

func (a *App) Close() error {
	err := a.client.Close()
	if a.db != nil {
		if cerr := a.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// unary bounds a single request/response call.
func (a *App) unary(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.config.RequestTimeout)
}

// remember records a transfer in the local history. Failures are reported
// but never fail the command: the broker is the source of truth.
func (a *App) remember(ctx context.Context, e models.HistoryEntry) {
	e.UpdatedAt = a.now().UTC()
	if err := a.history.Upsert(ctx, &e); err != nil {
		fmt.Fprintf(os.Stderr, "warning: history not updated: %v\n", err)
	}
}

// refresh updates the status of an already remembered transfer.
func (a *App) refresh(ctx context.Context, transferID, status string) {
	e, err := a.history.GetByID(ctx, transferID)
	if err != nil {
		return
	}
	e.Status = status
	a.remember(ctx, *e)
}
