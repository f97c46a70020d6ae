package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sqlite_migrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// defaultMaxConns is the number of permitted active and idle
	// connections. For SQLite, we want single writer, multiple readers.
	defaultMaxConns = 25

	// defaultConnMaxLifetime is the maximum amount of time a connection
	// can be reused for before it is closed.
	defaultConnMaxLifetime = 10 * time.Minute
)

// SqliteConfig holds all the config arguments needed to interact with our
// sqlite DB.
type SqliteConfig struct {
	// SkipMigrations if true, then the schema is not touched on startup.
	SkipMigrations bool

	// DatabaseFileName is the full file path where the database file can
	// be found.
	DatabaseFileName string
}

// SqliteStore is a thin wrapper around a *sql.DB that applies migrations
// from an embedded schema on open. Callers interact with the *sql.DB
// directly via DB() — the registry is a single table with no need for a
// generated query layer.
type SqliteStore struct {
	cfg *SqliteConfig
	log *slog.Logger
	db  *sql.DB
}

// NewSqliteStore attempts to open a new sqlite database based on the passed
// config, applying any pending migrations found in the given schema
// filesystem.
func NewSqliteStore(
	cfg *SqliteConfig, schema Schema, log *slog.Logger,
) (*SqliteStore, error) {

	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(cfg.DatabaseFileName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database "+
			"directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000",
		cfg.DatabaseFileName,
	)

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(defaultMaxConns)
	sqlDB.SetMaxIdleConns(defaultMaxConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := configurePragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &SqliteStore{
		cfg: cfg,
		log: log,
		db:  sqlDB,
	}

	if !cfg.SkipMigrations {
		if err := s.executeMigrations(schema, TargetLatest); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("error executing "+
				"migrations: %w", err)
		}
	}

	return s, nil
}

// DB returns the underlying database handle.
func (s *SqliteStore) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// executeMigrations runs migrations for the sqlite database, using the
// given target to decide how far to migrate.
func (s *SqliteStore) executeMigrations(
	schema Schema, target MigrationTarget, optFuncs ...MigrateOpt,
) error {

	opts := defaultMigrateOptions()
	opts.latestVersion = schema.LatestVersion
	for _, optFunc := range optFuncs {
		optFunc(opts)
	}

	driver, err := sqlite_migrate.WithInstance(
		s.db, &sqlite_migrate.Config{},
	)
	if err != nil {
		return fmt.Errorf("error creating sqlite migration: %w", err)
	}

	return applyMigrations(
		schema.FS, driver, schema.Path, "sqlite", target, opts, s.log,
	)
}

// configurePragmas sets additional SQLite pragmas for optimal performance.
func configurePragmas(db *sql.DB) error {
	pragmas := []string{
		// Synchronous mode: NORMAL provides good durability with
		// better performance than FULL.
		"PRAGMA synchronous = NORMAL",

		// Cache size: negative value is in KiB, 64MB cache.
		"PRAGMA cache_size = -65536",

		// Memory-mapped I/O: 256MB for faster reads.
		"PRAGMA mmap_size = 268435456",

		// Temp store: keep temporary tables in memory.
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma,
				err)
		}
	}

	return nil
}
