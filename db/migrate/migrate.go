// Package migrate applies the embedded database schema with version
// tracking.
//
// Migrations are compiled into the binary, so a deployed monitor always
// carries the schema it expects.
//
// # Usage
//
// Call Run after connecting and before starting the refresh loops:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil {
//	    log.Fatal("migration failed:", err)
//	}
//
// # Migration Files
//
// Files live in migrations/ and are named NNN_descriptive_name.sql. They are
// applied in version order, each in its own transaction. Run holds a
// Postgres advisory lock for its duration, so several monitors starting
// together apply each migration once.
//
// # Version Tracking
//
// Applied versions are recorded in schema_migrations:
//
//	CREATE TABLE schema_migrations (
//	    version INTEGER PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
package migrate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// lockID is the advisory lock key held while migrating.
const lockID int64 = 0x706f7274616c // "portal"

// Record is an applied migration.
type Record struct {
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	AppliedAt time.Time `json:"appliedAt"`
}

// Status reports applied and pending migrations.
type Status struct {
	Applied []Record `json:"applied"`
	Pending []string `json:"pending"`
}

// migration is an embedded migration file.
type migration struct {
	version int
	name    string
	sql     string
}

func (m migration) String() string {
	return fmt.Sprintf("%03d_%s", m.version, m.name)
}

// Run applies every pending migration.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger = logger.With("component", "migrate")

	available, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("reading migration files: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	applied, err := appliedMigrations(ctx, conn)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	pending := pendingMigrations(available, applied)
	if len(pending) == 0 {
		logger.Info("database schema is up to date", "version", latestVersion(applied))
		return nil
	}

	for _, mig := range pending {
		logger.Info("applying migration", "migration", mig.String())

		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.sql); err != nil {
				return fmt.Errorf("executing SQL: %w", err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
				mig.version, mig.name,
			); err != nil {
				return fmt.Errorf("recording migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", mig, err)
		}
	}

	logger.Info("migrations complete",
		"applied", len(pending),
		"version", pending[len(pending)-1].version)
	return nil
}

// GetStatus reports applied and pending migrations without changing
// anything.
func GetStatus(ctx context.Context, pool *pgxpool.Pool) (*Status, error) {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking migrations table: %w", err)
	}

	status := &Status{}
	if exists {
		applied, err := appliedMigrations(ctx, pool)
		if err != nil {
			return nil, err
		}
		status.Applied = applied
	}

	available, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	for _, m := range pendingMigrations(available, status.Applied) {
		status.Pending = append(status.Pending, m.String())
	}
	return status, nil
}

// Rollback forgets the most recent migration. The schema change itself is
// not reverted; this is for development only.
func Rollback(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var version int
	var name string
	err := pool.QueryRow(ctx, `
		DELETE FROM schema_migrations
		WHERE version = (SELECT MAX(version) FROM schema_migrations)
		RETURNING version, name
	`).Scan(&version, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		logger.Info("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing last migration record: %w", err)
	}

	logger.Info("migration record removed (SQL not reverted)", "version", version, "name", name)
	return nil
}

// querier is satisfied by *pgxpool.Pool and *pgxpool.Conn.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func appliedMigrations(ctx context.Context, q querier) ([]Record, error) {
	rows, err := q.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.Version, &r.Name, &r.AppliedAt)
		return r, err
	})
}

func pendingMigrations(available []migration, applied []Record) []migration {
	done := make(map[int]bool, len(applied))
	for _, r := range applied {
		done[r.Version] = true
	}
	var pending []migration
	for _, m := range available {
		if !done[m.version] {
			pending = append(pending, m)
		}
	}
	return pending
}

func latestVersion(applied []Record) int {
	if len(applied) == 0 {
		return 0
	}
	return applied[len(applied)-1].Version
}

// loadMigrations reads the embedded files sorted by version. Duplicate
// versions are an error.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []migration
	seen := make(map[int]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, name, err := parseMigrationFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("duplicate migration version %03d: %s and %s", version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})
	return migrations, nil
}

// parseMigrationFilename splits "NNN_name.sql" into version and name.
func parseMigrationFilename(filename string) (int, string, error) {
	version, name, ok := strings.Cut(strings.TrimSuffix(filename, ".sql"), "_")
	if !ok || name == "" {
		return 0, "", fmt.Errorf("invalid migration filename %s (expected NNN_name.sql)", filename)
	}

	v, err := strconv.Atoi(version)
	if err != nil || v <= 0 {
		return 0, "", fmt.Errorf("invalid version number in migration filename %s", filename)
	}
	return v, name, nil
}
