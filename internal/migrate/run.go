// Package migrate applies the embedded Postgres schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockKey serialises concurrent migrators across exportd instances.
const migrationLockKey int64 = 0x6578706f7274 // "export"

// Status reports which embedded migrations are applied.
type Status struct {
	Applied []string
	Pending []string
}

// Run applies all embedded SQL migrations in version order. It is safe to call
// multiple times and from several processes at once.
func Run(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get migration conn: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err = conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if err = ensureTable(ctx, conn); err != nil {
		return err
	}

	files, err := migrationFiles()
	if err != nil {
		return err
	}
	logger := slog.Default().With("component", "migrations")
	for _, f := range files {
		if applyErr := applyMigration(ctx, conn, logger, f); applyErr != nil {
			return applyErr
		}
	}
	return nil
}

// CurrentStatus lists applied and pending migrations without changing anything.
func CurrentStatus(ctx context.Context, db *sql.DB) (*Status, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("get migration conn: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if err = ensureTable(ctx, conn); err != nil {
		return nil, err
	}
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}
	st := &Status{}
	for _, f := range files {
		exists, existsErr := migrationExists(ctx, conn, version(f))
		if existsErr != nil {
			return nil, existsErr
		}
		if exists {
			st.Applied = append(st.Applied, version(f))
		} else {
			st.Pending = append(st.Pending, version(f))
		}
	}
	return st, nil
}

func ensureTable(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}
	return nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

func version(file string) string {
	return strings.TrimSuffix(file, ".sql")
}

func migrationExists(ctx context.Context, conn *sql.Conn, v string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`
	if err := conn.QueryRowContext(ctx, query, v).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", v, err)
	}
	return exists, nil
}

func applyMigration(ctx context.Context, conn *sql.Conn, logger *slog.Logger, file string) error {
	v := version(file)
	exists, err := migrationExists(ctx, conn, v)
	if err != nil || exists {
		return err
	}

	sqlBytes, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	logger.InfoContext(ctx, "applying migration", "version", v)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			logger.ErrorContext(ctx, "failed to rollback migration", "error", rollbackErr, "migration_file", file)
		}
	}()

	if _, execErr := tx.ExecContext(ctx, string(sqlBytes)); execErr != nil {
		return fmt.Errorf("exec migration %s: %w", file, execErr)
	}
	if _, insErr := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, v); insErr != nil {
		return fmt.Errorf("record migration %s: %w", file, insErr)
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("commit migration %s: %w", file, commitErr)
	}
	return nil
}
