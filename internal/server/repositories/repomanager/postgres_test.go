package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/transferbroker/internal/dbx"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/actors"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/idempotency"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/resources"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/statusevents"
	"github.com/dmitrijs2005/transferbroker/internal/server/repositories/transfers"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func TestNewPostgresRepositoryManager_ReturnsInterface(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	m, err := NewPostgresRepositoryManager(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Conn() != db {
		t.Fatal("Conn() must return the wrapped db")
	}
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	m := &PostgresRepositoryManager{db: db}

	if _, ok := m.Transfers(db).(*transfers.PostgresRepository); !ok {
		t.Fatal("Transfers() wrong type")
	}
	if _, ok := m.Actors(db).(*actors.PostgresRepository); !ok {
		t.Fatal("Actors() wrong type")
	}
	if _, ok := m.StatusEvents(db).(*statusevents.PostgresRepository); !ok {
		t.Fatal("StatusEvents() wrong type")
	}
	if _, ok := m.Idempotency(db).(*idempotency.PostgresRepository); !ok {
		t.Fatal("Idempotency() wrong type")
	}
	if _, ok := m.Resources(db).(*resources.PostgresRepository); !ok {
		t.Fatal("Resources() wrong type")
	}
}

func TestWithTx_CommitsAndRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer db.Close()
	m := &PostgresRepositoryManager{db: db}

	mock.ExpectBegin()
	mock.ExpectCommit()
	if err := m.WithTx(context.Background(), func(ctx context.Context, tx dbx.DBTX) error { return nil }); err != nil {
		t.Fatalf("WithTx error: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	if err := m.WithTx(context.Background(), func(ctx context.Context, tx dbx.DBTX) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{db: db}
	if err := m.RunMigrations(context.Background()); err != nil {
		t.Fatalf("RunMigrations error: %v", err)
	}
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{db: db}
	if err := m.RunMigrations(context.Background()); err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestInMemoryManager_SharesStore(t *testing.T) {
	m := NewInMemoryRepositoryManager()
	ctx := context.Background()

	if err := m.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	err := m.WithTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		_, err := m.Actors(tx).GetOrCreate(ctx, "alice", "a-1")
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
	a, err := m.Actors(m.Conn()).GetByExternalID(ctx, "alice")
	if err != nil || a.ID != "a-1" {
		t.Fatalf("expected shared store, got %+v %v", a, err)
	}
}
