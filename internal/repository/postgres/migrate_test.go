package postgres

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func migrationFiles() fstest.MapFS {
	return fstest.MapFS{
		"002_events.sql":  {Data: []byte("CREATE TABLE events (id BIGINT);")},
		"001_sources.sql": {Data: []byte("CREATE TABLE sources (id BIGINT);")},
		"003_empty.sql":   {Data: []byte("  \n")},
		"README.md":       {Data: []byte("not a migration")},
	}
}

func expectTracking(mock sqlmock.Sqlmock, applied ...string) {
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS "schema_migrations"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, v := range applied {
		rows.AddRow(v)
	}
	mock.ExpectQuery(`SELECT version FROM "schema_migrations"`).WillReturnRows(rows)
}

func TestMigrator_PendingSkipsAppliedAndBlank(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectTracking(mock, "001_sources.sql")

	m := NewMigrator(db, migrationFiles(), "schema_migrations", nil)
	pending, err := m.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending() error: %v", err)
	}
	if len(pending) != 1 || pending[0].Version != "002_events.sql" {
		t.Errorf("Pending() = %+v, want only 002_events.sql", pending)
	}
	expectationsMet(t, mock)
}

func TestMigrator_UpAppliesInOrderAndRecords(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectTracking(mock)
	for _, v := range []string{"001_sources.sql", "002_events.sql"} {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`INSERT INTO "schema_migrations"`).
			WithArgs(v).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	applied, err := NewMigrator(db, migrationFiles(), "schema_migrations", nil).Up(context.Background())
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if len(applied) != 2 || applied[0] != "001_sources.sql" || applied[1] != "002_events.sql" {
		t.Errorf("Up() applied = %v", applied)
	}
	expectationsMet(t, mock)
}

func TestMigrator_UpStopsAtFirstFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	expectTracking(mock)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE sources").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := NewMigrator(db, migrationFiles(), "schema_migrations", nil).Up(context.Background())
	if err == nil {
		t.Fatal("Up() error = nil, want failure")
	}
	if len(applied) != 0 {
		t.Errorf("Up() applied = %v, want none", applied)
	}
	expectationsMet(t, mock)
}

func TestMigrator_Tables(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM pg_tables").
		WillReturnRows(sqlmock.NewRows([]string{"tablename"}).AddRow("events").AddRow("sources"))

	got, err := NewMigrator(db, migrationFiles(), "schema_migrations", []string{"sources", "events"}).
		Tables(context.Background())
	if err != nil {
		t.Fatalf("Tables() error: %v", err)
	}
	if len(got) != 2 || got[0] != "events" {
		t.Errorf("Tables() = %v", got)
	}
	expectationsMet(t, mock)
}
