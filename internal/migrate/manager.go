package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"modernwms.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
	defaultLockTimeout     = 15 * time.Second
)

// Manager applies the schema through golang-migrate and tracks seed files
// in its own bookkeeping table.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	migrationsTable string
	seedsTable      string
	lockTimeout     time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLockTimeout bounds how long Up and Down wait for the advisory lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager. Either file system may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		seeds:           seeds,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		lockTimeout:     defaultLockTimeout,
		logger:          obs.Logger(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status describes the schema version and the seeds already applied.
type Status struct {
	Version uint
	Dirty   bool
	Seeds   []string
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.withMigrator(ctx, func(mg *migrate.Migrate) error {
		err := mg.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema up to date")
			return nil
		}
		return err
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.withMigrator(ctx, func(mg *migrate.Migrate) error {
		err := mg.Steps(-1)
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, migrate.ErrNoChange) {
			return errors.New("no migrations applied")
		}
		return err
	})
}

// Status reports the current schema version and applied seeds.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.withMigrator(ctx, func(mg *migrate.Migrate) error {
		v, dirty, err := mg.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		st.Version, st.Dirty = v, dirty
		return nil
	})
	if err != nil {
		return Status{}, err
	}
	if err := m.ensureSeedsTable(ctx); err != nil {
		return Status{}, err
	}
	st.Seeds, err = m.history(ctx)
	return st, err
}

// Seed applies seed files idempotently, each in its own transaction.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureSeedsTable(ctx); err != nil {
		return err
	}
	executed, err := m.listExecuted(ctx)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.seeds, ".sql")
	if err != nil {
		return err
	}
	for _, name := range files {
		if executed[name] {
			continue
		}
		if err := m.applySeed(ctx, name); err != nil {
			return fmt.Errorf("apply seed %s: %w", name, err)
		}
		m.logger.Info("seed applied", slog.String("name", name))
	}
	return nil
}

func (m *Manager) withMigrator(ctx context.Context, fn func(*migrate.Migrate) error) error {
	if m.migrations == nil {
		return errors.New("migrate: no migrations source")
	}
	src, err := iofs.New(m.migrations, ".")
	if err != nil {
		return fmt.Errorf("open migrations source: %w", err)
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		_ = src.Close()
		return err
	}
	// WithConnection leaves the pool open when the migrator is closed.
	driver, err := postgres.WithConnection(ctx, conn, &postgres.Config{MigrationsTable: m.migrationsTable})
	if err != nil {
		_ = src.Close()
		_ = conn.Close()
		return fmt.Errorf("create database driver: %w", err)
	}
	mg, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = src.Close()
		_ = driver.Close()
		return err
	}
	mg.LockTimeout = m.lockTimeout
	mg.Log = migrateLogger{m.logger}
	defer mg.Close()
	return fn(mg)
}

func (m *Manager) ensureSeedsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		);`, m.seedsTable))
	return err
}

func (m *Manager) applySeed(ctx context.Context, name string) error {
	data, err := fs.ReadFile(m.seeds, name)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(data)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, m.seedsTable),
		name, m.now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) listExecuted(ctx context.Context) (map[string]bool, error) {
	names, err := m.history(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(names))
	for _, name := range names {
		result[name] = true
	}
	return result, nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.seedsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings
// and drops line comments.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var inString bool
	for _, line := range strings.SplitAfter(sql, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			current.WriteRune(r)
			switch r {
			case '\'':
				inString = !inString
			case ';':
				if !inString {
					stmts = append(stmts, current.String())
					current.Reset()
				}
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

// migrateLogger adapts slog to migrate.Logger.
type migrateLogger struct {
	l *slog.Logger
}

func (g migrateLogger) Printf(format string, v ...any) {
	g.l.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (g migrateLogger) Verbose() bool { return false }
