package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestUp_ContainsActivityTables(t *testing.T) {
	scripts, err := Up()
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(scripts) == 0 {
		t.Fatal("expected at least one up migration")
	}

	schema := strings.Join(scripts, "\n")
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS countries",
		"CREATE TABLE IF NOT EXISTS users",
		"CREATE TABLE IF NOT EXISTS events",
		"UNIQUE (city, state_prov, country_name)",
		"UNIQUE (uid)",
		"ON DELETE CASCADE",
	} {
		if !strings.Contains(schema, want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestDown_DropsInDependencyOrder(t *testing.T) {
	scripts, err := Down()
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	schema := strings.Join(scripts, "\n")

	events := strings.Index(schema, "DROP TABLE IF EXISTS events")
	users := strings.Index(schema, "DROP TABLE IF EXISTS users")
	countries := strings.Index(schema, "DROP TABLE IF EXISTS countries")
	if events < 0 || users < 0 || countries < 0 {
		t.Fatalf("down migration missing a table drop:\n%s", schema)
	}
	if !(events < users && users < countries) {
		t.Errorf("tables must be dropped events -> users -> countries:\n%s", schema)
	}
}

func TestApply(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	scripts, err := Up()
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	mock.ExpectBegin()
	for _, script := range scripts {
		mock.ExpectExec(script).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApply_RollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	scripts, err := Up()
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	mock.ExpectBegin()
	mock.ExpectExec(scripts[0]).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err = Apply(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Apply() error = %v, want permission denied", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
