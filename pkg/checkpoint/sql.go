package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/crewkit/crewd/pkg/state"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	_ "github.com/mattn/go-sqlite3"    // Register sqlite3 driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Dialects supported by the SQL store.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

// Config holds checkpoint store configuration. URL selects postgres and takes
// precedence; otherwise Path selects a sqlite database file.
type Config struct {
	Path string
	URL  string

	// Connection pool settings. Zero values keep the database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLStore implements Store on database/sql with a sqlite3 or postgres
// backend behind it.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to the configured backend, configures pooling, and applies
// pending migrations.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	dialect, driver, dsn, err := resolveBackend(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, dialect); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

func resolveBackend(cfg Config) (dialect, driver, dsn string, err error) {
	if cfg.URL != "" {
		return DialectPostgres, "pgx", cfg.URL, nil
	}
	if cfg.Path == "" {
		return "", "", "", fmt.Errorf("checkpoint store requires a sqlite path or a postgres URL")
	}
	// WAL keeps readers unblocked during writes; the busy timeout rides out
	// writer contention instead of surfacing SQLITE_BUSY.
	dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
	return DialectSQLite, "sqlite3", dsn, nil
}

// runMigrations applies pending migrations for the active dialect. Migration
// files are embedded into the binary, so production deployments need no
// external files.
func runMigrations(db *sql.DB, dialect string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case DialectPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
	default:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create %s migration driver: %w", dialect, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dialect, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source. m.Close() would also close the database
	// driver, which closes the shared *sql.DB the store keeps using.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// DB returns the underlying pool for health checks and direct queries.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports which backend the store runs on.
func (s *SQLStore) Dialect() string { return s.dialect }

// Close implements Store.
func (s *SQLStore) Close() error { return s.db.Close() }

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, threadID string, step int, st *state.State) error {
	blob, err := st.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	query := s.rebind(`INSERT INTO checkpoints (thread_id, step, created_at, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, step) DO UPDATE SET created_at = excluded.created_at, state = excluded.state`)
	if _, err := s.db.ExecContext(ctx, query, threadID, step, time.Now().UTC(), blob); err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%d: %w", threadID, step, err)
	}
	return nil
}

// Latest implements Store.
func (s *SQLStore) Latest(ctx context.Context, threadID string) (*state.State, int, error) {
	query := s.rebind(`SELECT step, state FROM checkpoints WHERE thread_id = ? ORDER BY step DESC LIMIT 1`)

	var (
		step int
		blob []byte
	)
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&step, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("thread %s: %w", threadID, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load latest checkpoint for %s: %w", threadID, err)
	}

	st, err := state.Decode(blob)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode checkpoint %s/%d: %w", threadID, step, err)
	}
	return st, step, nil
}

// History implements Store. Snapshots come back in ascending step order.
func (s *SQLStore) History(ctx context.Context, threadID string) ([]Snapshot, error) {
	query := s.rebind(`SELECT step, created_at, state FROM checkpoints WHERE thread_id = ? ORDER BY step ASC`)

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", threadID, err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		snap := Snapshot{ThreadID: threadID}
		var blob []byte
		if err := rows.Scan(&snap.Step, &snap.CreatedAt, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		snap.State, err = state.Decode(blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint %s/%d: %w", threadID, snap.Step, err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoint rows: %w", err)
	}
	return snapshots, nil
}

// DeleteOlderThan removes every checkpoint of threads whose newest snapshot
// predates cutoff. A thread either stays whole or goes entirely; histories
// are never trimmed partially.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.rebind(`DELETE FROM checkpoints WHERE thread_id IN (
		SELECT thread_id FROM checkpoints GROUP BY thread_id HAVING MAX(created_at) < ?)`)

	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired checkpoints: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return count, nil
}

// rebind converts ? placeholders to the $N form postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
