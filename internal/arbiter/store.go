package arbiter

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/roasbeef/nursery/internal/db"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// registrySchema describes the arbiter's embedded migrations.
var registrySchema = db.Schema{
	FS:            migrationsFS,
	Path:          "migrations",
	LatestVersion: 1,
}

// Store persists the name registry so a restarted arbiter process can
// rehydrate its last-known-good table instead of starting empty.
type Store struct {
	db *db.SqliteStore
}

// NewStore opens (creating if needed) the registry database at dbPath and
// applies pending migrations.
func NewStore(dbPath string, log *slog.Logger) (*Store, error) {
	sqlite, err := db.NewSqliteStore(&db.SqliteConfig{
		DatabaseFileName: dbPath,
	}, registrySchema, log)
	if err != nil {
		return nil, fmt.Errorf("arbiter: open store: %w", err)
	}

	return &Store{db: sqlite}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes name → (host, port), replacing any previous mapping.
func (s *Store) Upsert(name, host string, port int) error {
	_, err := s.db.DB().Exec(`
		INSERT INTO registry (name, host, port)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			registered_at = CURRENT_TIMESTAMP`,
		name, host, port,
	)
	if err != nil {
		return db.MapSQLError(err)
	}
	return nil
}

// Delete removes name's mapping, a no-op if absent.
func (s *Store) Delete(name string) error {
	_, err := s.db.DB().Exec(
		`DELETE FROM registry WHERE name = ?`, name,
	)
	if err != nil {
		return db.MapSQLError(err)
	}
	return nil
}

// All loads every persisted mapping, for rehydration on startup.
func (s *Store) All() (map[string]Endpoint, error) {
	rows, err := s.db.DB().Query(
		`SELECT name, host, port FROM registry`,
	)
	if err != nil {
		return nil, db.MapSQLError(err)
	}
	defer rows.Close()

	out := make(map[string]Endpoint)
	for rows.Next() {
		var (
			name string
			ep   Endpoint
		)
		if err := rows.Scan(&name, &ep.Host, &ep.Port); err != nil {
			return nil, err
		}
		out[name] = ep
	}
	if err := rows.Err(); err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	return out, nil
}
