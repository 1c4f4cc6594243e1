package migrate

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestSeedAppliesPendingFilesInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seeds := fstest.MapFS{
		"001_permissions.sql": {Data: []byte("insert into permissions values ('A');")},
		"002_roles.sql": {Data: []byte(`-- roles
insert into roles values ('ADMIN', 'it''s; fine');
insert into role_permissions select 'ADMIN', id from permissions;
`)},
		"README.md": {Data: []byte("ignored")},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewManager(db, nil, seeds)
	mgr.now = func() time.Time { return now }

	mock.ExpectExec(`create table if not exists schema_seeds`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select name from schema_seeds`).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("001_permissions.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`insert into roles values \('ADMIN', 'it''s; fine'\);`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions select 'ADMIN', id from permissions;`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into schema_seeds\(name, applied_at\)`).
		WithArgs("002_roles.sql", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, mgr.Seed(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSeedRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	seeds := fstest.MapFS{"001_bad.sql": {Data: []byte("insert into nowhere values (1);")}}
	mgr := NewManager(db, nil, seeds, WithSeedsTable("wms_seeds"))

	mock.ExpectExec(`create table if not exists wms_seeds`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select name from wms_seeds`).WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec(`insert into nowhere`).WillReturnError(errors.New("relation does not exist"))
	mock.ExpectRollback()

	err = mgr.Seed(context.Background())
	require.ErrorContains(t, err, "apply seed 001_bad.sql")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpWithoutSource(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	err = NewManager(db, nil, nil).Up(context.Background())
	require.ErrorContains(t, err, "no migrations source")
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements(`
-- header; not a statement
insert into t values ('a;b');
update t set v = 'x''y'; select 1`)
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0], "'a;b'")
	require.Contains(t, stmts[1], "'x''y'")
	require.Equal(t, " select 1", stmts[2])
}

func TestCollectSQLSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"b.sql":     {Data: []byte("")},
		"a.sql":     {Data: []byte("")},
		"notes.txt": {Data: []byte("")},
	}
	files, err := collectSQL(fsys, ".sql")
	require.NoError(t, err)
	require.Equal(t, []string{"a.sql", "b.sql"}, files)

	files, err = collectSQL(nil, ".sql")
	require.NoError(t, err)
	require.Empty(t, files)
}
