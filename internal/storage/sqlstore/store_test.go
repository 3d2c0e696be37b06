package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/coopco/casinobot/internal/storage"
	"github.com/coopco/casinobot/internal/storage/storagetest"
)

func openSQLite(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "nested", "casino.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		return openSQLite(t, WithClock(now))
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}
	storagetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s, err := Open(DriverPostgres, dsn, WithClock(now))
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		ctx := context.Background()
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		for _, table := range []string{"effects", "wallets", "lottery_tickets"} {
			if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	migs, err := s.Migrations(ctx)
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %+v", migs)
	}
	for _, m := range migs {
		if !m.Applied {
			t.Errorf("migration %s not applied", m.Name)
		}
	}
}

func TestMigrationsReportsPending(t *testing.T) {
	s, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	migs, err := s.Migrations(context.Background())
	if err != nil {
		t.Fatalf("Migrations: %v", err)
	}
	for _, m := range migs {
		if m.Applied {
			t.Errorf("migration %s reported applied on a fresh database", m.Name)
		}
	}
}

func TestExtractUp(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"no markers", "CREATE TABLE a (x INT);", "CREATE TABLE a (x INT);"},
		{"up only", "-- +migrate Up\nCREATE TABLE a (x INT);", "CREATE TABLE a (x INT);"},
		{"up and down", "-- +migrate Up\nCREATE TABLE a (x INT);\n-- +migrate Down\nDROP TABLE a;", "CREATE TABLE a (x INT);"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := strings.TrimSpace(extractUp(tc.in)); got != tc.want {
				t.Errorf("extractUp = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestWithSQLitePragmas(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/tmp/a.db", "/tmp/a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"},
		{"/tmp/a.db?mode=rwc", "/tmp/a.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"},
		{"/tmp/a.db?_pragma=busy_timeout(1)", "/tmp/a.db?_pragma=busy_timeout(1)"},
	}
	for _, tc := range tests {
		if got := withSQLitePragmas(tc.in); got != tc.want {
			t.Errorf("withSQLitePragmas(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestWithinTxRollsBackOnStatementError(t *testing.T) {
	s, mock := newMock(t)
	defer s.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO wallets").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		_, err := tx.LockWallet(context.Background(), "alice")
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected wrapped disk full error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxReportsCommitFailure(t *testing.T) {
	s, mock := newMock(t)
	defer s.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM effects WHERE id").WithArgs("e1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := s.WithinTx(context.Background(), func(tx storage.Tx) error {
		return tx.Consume(context.Background(), "e1")
	})
	if err == nil || !strings.Contains(err.Error(), "commit tx") {
		t.Fatalf("expected commit error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBackOnPanic(t *testing.T) {
	s, mock := newMock(t)
	defer s.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate")
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}()
	_ = s.WithinTx(context.Background(), func(storage.Tx) error {
		panic("boom")
	})
}
