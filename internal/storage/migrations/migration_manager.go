// Package migrations applies the versioned record-store schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/modelops/pkg/errors"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema step
type Migration struct {
	Version int    `json:"version"`
	Name    string `json:"name"`
	SQL     string `json:"-"`
}

// MigrationRecord represents an applied migration
type MigrationRecord struct {
	Version   int       `json:"version" db:"version"`
	Name      string    `json:"name" db:"name"`
	AppliedAt time.Time `json:"applied_at" db:"applied_at"`
}

// MigrationStatus represents the status of migrations
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	PendingCount      int                `json:"pending_count"`
	AppliedMigrations []*MigrationRecord `json:"applied_migrations"`
}

// MigrationManager applies embedded migrations against a database/sql handle
type MigrationManager struct {
	db         *sql.DB
	logger     *logrus.Logger
	bind       func(string) string
	migrations []*Migration
}

// NewMigrationManager loads the embedded migrations. bind rewrites "?"
// placeholders for the target dialect.
func NewMigrationManager(db *sql.DB, bind func(string) string, logger *logrus.Logger) (*MigrationManager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if bind == nil {
		bind = func(q string) string { return q }
	}

	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return nil, err
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		bind:       bind,
		migrations: migrations,
	}, nil
}

func loadMigrations(fsys fs.FS) ([]*Migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to read embedded migrations")
	}

	var out []*Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if !ok {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("migration %s lacks a version prefix", name))
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("migration %s has a non-numeric version", name))
		}
		data, err := fs.ReadFile(fsys, path.Join("sql", name))
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to read migration")
		}
		out = append(out, &Migration{Version: version, Name: rest, SQL: string(data)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	for i := 1; i < len(out); i++ {
		if out[i].Version == out[i-1].Version {
			return nil, errors.NewValidationError(errors.CodeInvalidInput, fmt.Sprintf("duplicate migration version %d", out[i].Version))
		}
	}
	return out, nil
}

// ListMigrations returns the known migrations in order
func (m *MigrationManager) ListMigrations() []*Migration {
	return append([]*Migration(nil), m.migrations...)
}

// Migrate applies every pending migration, each in its own transaction
func (m *MigrationManager) Migrate(ctx context.Context) (*MigrationStatus, error) {
	if _, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return nil, errors.NewStorageIOError("sql", "migrate", "schema_migrations", err)
	}

	status, err := m.GetStatus(ctx)
	if err != nil {
		return nil, err
	}

	for _, migration := range m.migrations {
		if migration.Version <= status.CurrentVersion {
			continue
		}

		start := time.Now()
		if err := m.apply(ctx, migration); err != nil {
			m.logger.WithError(err).WithField("version", migration.Version).Error("Migration failed")
			return nil, err
		}

		m.logger.WithFields(logrus.Fields{
			"version":        migration.Version,
			"name":           migration.Name,
			"execution_time": time.Since(start),
		}).Info("Migration completed successfully")
	}

	return m.GetStatus(ctx)
}

func (m *MigrationManager) apply(ctx context.Context, migration *Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageIOError("sql", "migrate", strconv.Itoa(migration.Version), err)
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(migration.SQL) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.NewStorageIOError("sql", "migrate", strconv.Itoa(migration.Version), err)
		}
	}

	if _, err := tx.ExecContext(ctx, m.bind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		migration.Version, migration.Name, time.Now().Unix()); err != nil {
		return errors.NewStorageIOError("sql", "migrate", strconv.Itoa(migration.Version), err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewStorageIOError("sql", "migrate", strconv.Itoa(migration.Version), err)
	}
	return nil
}

// GetStatus reports applied and pending migrations
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.NewStorageIOError("sql", "read", "schema_migrations", err)
	}
	defer rows.Close()

	status := &MigrationStatus{}
	applied := make(map[int]bool)
	for rows.Next() {
		var rec MigrationRecord
		var appliedAt int64
		if err := rows.Scan(&rec.Version, &rec.Name, &appliedAt); err != nil {
			return nil, errors.NewStorageIOError("sql", "read", "schema_migrations", err)
		}
		rec.AppliedAt = time.Unix(appliedAt, 0).UTC()
		status.AppliedMigrations = append(status.AppliedMigrations, &rec)
		applied[rec.Version] = true
		if rec.Version > status.CurrentVersion {
			status.CurrentVersion = rec.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorageIOError("sql", "read", "schema_migrations", err)
	}

	for _, migration := range m.migrations {
		if !applied[migration.Version] {
			status.PendingCount++
		}
	}
	return status, nil
}

// splitStatements breaks a migration file on semicolons; the schema files
// contain no procedural bodies
func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
