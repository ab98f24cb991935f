package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockID keys the advisory lock held while migrations run, so two
// engine instances starting together do not race on the schema.
const migrationLockID = 0x43555256 // "CURV"

// Migration is one numbered schema change, read from
// {version}_{name}.up.sql and its optional .down.sql sibling.
type Migration struct {
	Version  string
	Name     string
	UpFile   string
	DownFile string
	Checksum string
}

// ListMigrations reads dir and returns its migrations ordered by version.
// An up file without a down file is allowed; a down file without an up file
// is not.
func ListMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	downs := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			version, label, ok := strings.Cut(strings.TrimSuffix(name, ".up.sql"), "_")
			if !ok || version == "" {
				return nil, fmt.Errorf("migration %s: expected {version}_{name}.up.sql", name)
			}
			if prev, dup := byVersion[version]; dup {
				return nil, fmt.Errorf("migration version %s used by %s and %s", version, prev.UpFile, name)
			}
			body, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			sum := sha256.Sum256(body)
			byVersion[version] = &Migration{Version: version, Name: label, UpFile: name, Checksum: hex.EncodeToString(sum[:])}
		case strings.HasSuffix(name, ".down.sql"):
			version, _, _ := strings.Cut(name, "_")
			downs[version] = name
		}
	}

	for version, file := range downs {
		m, ok := byVersion[version]
		if !ok {
			return nil, fmt.Errorf("down migration %s has no up migration", file)
		}
		m.DownFile = file
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies migrations from a directory and records them, with their
// checksums, in public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	dir    string
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, dir: migrationsDir, logger: logger}
}

// Pending returns the up files not yet applied. An applied migration whose
// file changed since is an error.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	todo, err := m.pending(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files := make([]string, len(todo))
	for i, mig := range todo {
		files[i] = mig.UpFile
	}
	return files, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *Migrator) pending(ctx context.Context, q querier) ([]Migration, error) {
	if _, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			rows.Close()
			return nil, err
		}
		applied[v] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	all, err := ListMigrations(m.dir)
	if err != nil {
		return nil, err
	}
	var todo []Migration
	for _, mig := range all {
		sum, done := applied[mig.Version]
		if !done {
			todo = append(todo, mig)
			continue
		}
		if sum != mig.Checksum {
			return nil, fmt.Errorf("migration %s changed after it was applied", mig.UpFile)
		}
	}
	return todo, nil
}

// Up applies every pending migration, each in its own transaction, while
// holding the migration lock.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		todo, err := m.pending(ctx, conn)
		if err != nil {
			return err
		}
		if len(todo) == 0 {
			m.logger.Debug().Msg("schema up to date")
			return nil
		}
		for _, mig := range todo {
			body, err := os.ReadFile(filepath.Join(m.dir, mig.UpFile))
			if err != nil {
				return err
			}
			err = inTx(ctx, conn, func(tx *sql.Tx) error {
				if _, err := tx.ExecContext(ctx, string(body)); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx,
					`INSERT INTO public.schema_migrations (version, filename, checksum) VALUES ($1, $2, $3)`,
					mig.Version, mig.UpFile, mig.Checksum)
				return err
			})
			if err != nil {
				return fmt.Errorf("apply %s: %w", mig.UpFile, err)
			}
			m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applied migration")
		}
		return nil
	})
}

// Down reverts the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		if _, err := m.pending(ctx, conn); err != nil {
			return err
		}

		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		all, err := ListMigrations(m.dir)
		if err != nil {
			return err
		}
		var mig *Migration
		for i := range all {
			if all[i].Version == version {
				mig = &all[i]
			}
		}
		if mig == nil || mig.DownFile == "" {
			return fmt.Errorf("migration %s has no down file", version)
		}

		body, err := os.ReadFile(filepath.Join(m.dir, mig.DownFile))
		if err != nil {
			return err
		}
		err = inTx(ctx, conn, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert %s: %w", mig.DownFile, err)
		}
		m.logger.Info().Str("version", version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on a dedicated connection holding the session advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockID)

	return fn(conn)
}

func inTx(ctx context.Context, conn *sql.Conn, fn func(*sql.Tx) error) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
