package repomanager

import (
	"context"

	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/actors"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/resources"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/statusevents"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/transfers"
)

// RepositoryManager vends repositories bound to a DBTX handle and runs
// callbacks inside a transaction.
type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	// Conn is the non-transactional handle to pass to the repository factories.
	Conn() dbx.DBTX
	WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error

	Transfers(db dbx.DBTX) transfers.Repository
	Actors(db dbx.DBTX) actors.Repository
	StatusEvents(db dbx.DBTX) statusevents.Repository
	Idempotency(db dbx.DBTX) idempotency.Repository
	Resources(db dbx.DBTX) resources.Repository
}
