package repomanager

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/actors"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/memory"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/resources"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/statusevents"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/transfers"
)

// InMemoryRepositoryManager serves every repository from one memory.Store.
// The DBTX arguments are ignored and WithTx offers no rollback. Transactions
// run one at a time, which stands in for the row locks GetForUpdate takes
// in PostgreSQL; fn must not open another transaction.
type InMemoryRepositoryManager struct {
	store *memory.Store
	txMu  sync.Mutex
}

func NewInMemoryRepositoryManager() RepositoryManager {
	return &InMemoryRepositoryManager{store: memory.NewStore()}
}

func (m *InMemoryRepositoryManager) RunMigrations(ctx context.Context) error {
	return nil
}

func (m *InMemoryRepositoryManager) Conn() dbx.DBTX {
	return nil
}

func (m *InMemoryRepositoryManager) WithTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, nil)
}

func (m *InMemoryRepositoryManager) Transfers(dbx.DBTX) transfers.Repository {
	return m.store.Transfers()
}

func (m *InMemoryRepositoryManager) Actors(dbx.DBTX) actors.Repository {
	return m.store.Actors()
}

func (m *InMemoryRepositoryManager) StatusEvents(dbx.DBTX) statusevents.Repository {
	return m.store.StatusEvents()
}

func (m *InMemoryRepositoryManager) Idempotency(dbx.DBTX) idempotency.Repository {
	return m.store.Idempotency()
}

func (m *InMemoryRepositoryManager) Resources(dbx.DBTX) resources.Repository {
	return m.store.Resources()
}
