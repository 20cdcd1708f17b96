package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewPostgresRepository(db), mock, db
}

func TestInsert_NewAndDuplicate(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.Now().UTC()
	q := `(?s)^INSERT\s+INTO\s+idempotency_records\s*\(key,\s*created_at\)\s*VALUES\s*\(\$1,\s*\$2\)\s*ON\s+CONFLICT\s+\(key\)\s+DO\s+NOTHING$`
	mock.ExpectExec(q).WithArgs("k1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("k1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), "k1", at)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	inserted, err = repo.Insert(context.Background(), "k1", at)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: %v %v", inserted, err)
	}
}

func TestInsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`INSERT\s+INTO\s+idempotency_records`).WillReturnError(errors.New("db down"))

	_, err := repo.Insert(context.Background(), "k1", time.Now())
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	before := time.Now().UTC()
	mock.ExpectExec(`^DELETE\s+FROM\s+idempotency_records\s+WHERE\s+created_at\s*<\s*\$1$`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteOlderThan(context.Background(), before)
	if err != nil || n != 3 {
		t.Fatalf("DeleteOlderThan: %d %v", n, err)
	}
}
