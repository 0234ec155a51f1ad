package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/inferloop/modelops/internal/storage/migrations"
	"github.com/inferloop/modelops/pkg/constants"
	"github.com/inferloop/modelops/pkg/errors"
	"github.com/inferloop/modelops/pkg/models"
)

// SQLConfig holds configuration for the SQL record store
type SQLConfig struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	MaxIdleConns    int           `json:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
}

// SQLStore implements interfaces.RecordStore on PostgreSQL (lib/pq) or
// SQLite (modernc.org/sqlite). Records are stored as JSON payload columns
// next to the indexed fields used for filtering.
type SQLStore struct {
	config *SQLConfig
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
	closed bool
}

// NewSQLStore validates config; call Connect before use
func NewSQLStore(config *SQLConfig, logger *logrus.Logger) (*SQLStore, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "SQL store config cannot be nil")
	}
	switch config.Driver {
	case constants.StoreDriverPostgres, constants.StoreDriverSQLite:
	default:
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, fmt.Sprintf("unsupported SQL driver: %q", config.Driver))
	}
	if config.DSN == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "SQL store DSN is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &SQLStore{config: config, logger: logger}, nil
}

// Connect opens the pool, pings it and applies migrations
func (s *SQLStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	dsn := s.config.DSN
	if s.config.Driver == constants.StoreDriverSQLite && !strings.Contains(dsn, "_pragma") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open(s.config.Driver, dsn)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CONNECTION_FAILED", "Failed to open database connection")
	}

	if s.config.Driver == constants.StoreDriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		if s.config.MaxConnections > 0 {
			db.SetMaxOpenConns(s.config.MaxConnections)
		}
		if s.config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(s.config.MaxIdleConns)
		}
		if s.config.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(s.config.ConnMaxLifetime)
		}
	}

	timeout := s.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "PING_FAILED", "Failed to ping database")
	}

	mm, err := migrations.NewMigrationManager(db, s.bindFor(), s.logger)
	if err != nil {
		db.Close()
		return err
	}
	status, err := mm.Migrate(ctx)
	if err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "SCHEMA_INIT_FAILED", "Failed to initialize schema")
	}

	s.db = db

	s.logger.WithFields(logrus.Fields{
		"driver":         s.config.Driver,
		"schema_version": status.CurrentVersion,
	}).Info("Connected to record store")

	return nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.db == nil {
		s.closed = true
		return nil
	}

	err := s.db.Close()
	s.db = nil
	s.closed = true
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "CLOSE_FAILED", "Failed to close database connection")
	}

	s.logger.Info("Record store connection closed")
	return nil
}

// Ping checks that the database still answers
func (s *SQLStore) Ping(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "PING_FAILED", "Failed to ping database")
	}
	return nil
}

func (s *SQLStore) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "record store not connected")
	}
	return s.db, nil
}

func (s *SQLStore) bindFor() func(string) string {
	if s.config.Driver == constants.StoreDriverPostgres {
		return rebindDollar
	}
	return func(q string) string { return q }
}

func (s *SQLStore) bind(q string) string {
	return s.bindFor()(q)
}

// rebindDollar rewrites ? placeholders to $1..$n
func rebindDollar(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *SQLStore) ioErr(op, key string, err error) error {
	return errors.NewStorageIOError(s.config.Driver, op, key, err)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// SaveVersion inserts or replaces a version record
func (s *SQLStore) SaveVersion(ctx context.Context, v *models.ModelVersion) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return s.saveVersion(ctx, db, v)
}

func (s *SQLStore) saveVersion(ctx context.Context, ex execer, v *models.ModelVersion) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to encode version")
	}
	_, err = ex.ExecContext(ctx, s.bind(`INSERT INTO model_versions
    (version_id, model_name, model_type, semantic_version, status, created_at, payload)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (version_id) DO UPDATE SET
    status = excluded.status,
    payload = excluded.payload`),
		v.VersionID, v.ModelName, string(v.ModelType), v.SemanticVersion, string(v.Status), v.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return s.ioErr("save", v.VersionID, err)
	}
	return nil
}

// GetVersion returns a version by id
func (s *SQLStore) GetVersion(ctx context.Context, id string) (*models.ModelVersion, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var v models.ModelVersion
	if err := s.getPayload(ctx, db, `SELECT payload FROM model_versions WHERE version_id = ?`, id, "version", &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVersions returns versions matching filter, newest first
func (s *SQLStore) ListVersions(ctx context.Context, filter models.VersionFilter) ([]*models.ModelVersion, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	where, args := conditions(map[string]string{
		"model_name": filter.ModelName,
		"model_type": string(filter.ModelType),
		"status":     string(filter.Status),
	})
	query := `SELECT payload FROM model_versions` + where + ` ORDER BY created_at DESC, version_id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var out []*models.ModelVersion
	err = s.queryPayloads(ctx, db, query, args, func(data []byte) error {
		var v models.ModelVersion
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	return out, err
}

// SaveExperiment inserts or replaces an experiment record
func (s *SQLStore) SaveExperiment(ctx context.Context, e *models.ABTestExperiment) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return s.saveExperiment(ctx, db, e)
}

func (s *SQLStore) saveExperiment(ctx context.Context, ex execer, e *models.ABTestExperiment) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to encode experiment")
	}
	_, err = ex.ExecContext(ctx, s.bind(`INSERT INTO experiments
    (experiment_id, model_type, status, created_at, payload)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (experiment_id) DO UPDATE SET
    status = excluded.status,
    payload = excluded.payload`),
		e.ExperimentID, string(e.ModelType), string(e.Status), e.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return s.ioErr("save", e.ExperimentID, err)
	}
	return nil
}

// GetExperiment returns an experiment by id
func (s *SQLStore) GetExperiment(ctx context.Context, id string) (*models.ABTestExperiment, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var e models.ABTestExperiment
	if err := s.getPayload(ctx, db, `SELECT payload FROM experiments WHERE experiment_id = ?`, id, "experiment", &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExperiments returns experiments matching filter, newest first
func (s *SQLStore) ListExperiments(ctx context.Context, filter models.ExperimentFilter) ([]*models.ABTestExperiment, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	where, args := conditions(map[string]string{
		"model_type": string(filter.ModelType),
		"status":     string(filter.Status),
	})

	var out []*models.ABTestExperiment
	err = s.queryPayloads(ctx, db, `SELECT payload FROM experiments`+where+` ORDER BY created_at DESC`, args, func(data []byte) error {
		var e models.ABTestExperiment
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

// SaveDeployment inserts or replaces a deployment record
func (s *SQLStore) SaveDeployment(ctx context.Context, d *models.DeploymentRecord) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return s.saveDeployment(ctx, db, d)
}

func (s *SQLStore) saveDeployment(ctx context.Context, ex execer, d *models.DeploymentRecord) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeInternalError, "failed to encode deployment")
	}
	_, err = ex.ExecContext(ctx, s.bind(`INSERT INTO deployments
    (deployment_id, version_id, model_type, status, created_at, payload)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (deployment_id) DO UPDATE SET
    status = excluded.status,
    payload = excluded.payload`),
		d.DeploymentID, d.VersionID, string(d.ModelType), string(d.Status), d.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return s.ioErr("save", d.DeploymentID, err)
	}
	return nil
}

// GetDeployment returns a deployment by id
func (s *SQLStore) GetDeployment(ctx context.Context, id string) (*models.DeploymentRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var d models.DeploymentRecord
	if err := s.getPayload(ctx, db, `SELECT payload FROM deployments WHERE deployment_id = ?`, id, "deployment", &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDeployments returns deployments matching filter, newest first
func (s *SQLStore) ListDeployments(ctx context.Context, filter models.DeploymentFilter) ([]*models.DeploymentRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	where, args := conditions(map[string]string{
		"model_type": string(filter.ModelType),
		"version_id": filter.VersionID,
		"status":     string(filter.Status),
	})

	var out []*models.DeploymentRecord
	err = s.queryPayloads(ctx, db, `SELECT payload FROM deployments`+where+` ORDER BY created_at DESC, deployment_id DESC`, args, func(data []byte) error {
		var d models.DeploymentRecord
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		out = append(out, &d)
		return nil
	})
	return out, err
}

// CommitPromotion moves the pointer and writes the accompanying records in one transaction
func (s *SQLStore) CommitPromotion(ctx context.Context, commit *models.PromotionCommit) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return s.ioErr("commit", string(commit.ModelType), err)
	}
	defer tx.Rollback()

	lockClause := ""
	if s.config.Driver == constants.StoreDriverPostgres {
		lockClause = " FOR UPDATE"
	}

	var current string
	err = tx.QueryRowContext(ctx, s.bind(`SELECT version_id FROM production_pointers WHERE model_type = ?`+lockClause),
		string(commit.ModelType)).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return s.ioErr("commit", string(commit.ModelType), err)
	}
	if current != commit.PreviousVersionID {
		return errors.NewConflictError(errors.CodePointerConflict,
			fmt.Sprintf("production pointer for %s is %q, expected %q", commit.ModelType, current, commit.PreviousVersionID)).
			WithCause(errors.ErrPointerConflict)
	}

	if current != commit.NewVersionID {
		if commit.NewVersionID == "" {
			_, err = tx.ExecContext(ctx, s.bind(`DELETE FROM production_pointers WHERE model_type = ?`), string(commit.ModelType))
		} else {
			_, err = tx.ExecContext(ctx, s.bind(`INSERT INTO production_pointers (model_type, version_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (model_type) DO UPDATE SET
    version_id = excluded.version_id,
    updated_at = excluded.updated_at`),
				string(commit.ModelType), commit.NewVersionID, time.Now().UnixNano())
		}
		if err != nil {
			return s.ioErr("commit", string(commit.ModelType), err)
		}
	}

	for _, v := range commit.Versions {
		if err := s.saveVersion(ctx, tx, v); err != nil {
			return err
		}
	}
	if commit.Deployment != nil {
		if err := s.saveDeployment(ctx, tx, commit.Deployment); err != nil {
			return err
		}
	}
	if commit.Experiment != nil {
		if err := s.saveExperiment(ctx, tx, commit.Experiment); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return s.ioErr("commit", string(commit.ModelType), err)
	}
	return nil
}

// LoadPointers returns the persisted production pointer map
func (s *SQLStore) LoadPointers(ctx context.Context) (map[models.ModelType]string, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT model_type, version_id FROM production_pointers`)
	if err != nil {
		return nil, s.ioErr("read", "production_pointers", err)
	}
	defer rows.Close()

	out := make(map[models.ModelType]string)
	for rows.Next() {
		var modelType, versionID string
		if err := rows.Scan(&modelType, &versionID); err != nil {
			return nil, s.ioErr("read", "production_pointers", err)
		}
		out[models.ModelType(modelType)] = versionID
	}
	if err := rows.Err(); err != nil {
		return nil, s.ioErr("read", "production_pointers", err)
	}
	return out, nil
}

func (s *SQLStore) getPayload(ctx context.Context, q querier, query, id, kind string, dst interface{}) error {
	var payload string
	err := q.QueryRowContext(ctx, s.bind(query), id).Scan(&payload)
	if err == sql.ErrNoRows {
		return errors.NewNotFoundError(kind, id)
	}
	if err != nil {
		return s.ioErr("get", id, err)
	}
	if err := json.Unmarshal([]byte(payload), dst); err != nil {
		return s.ioErr("get", id, err)
	}
	return nil
}

func (s *SQLStore) queryPayloads(ctx context.Context, db *sql.DB, query string, args []interface{}, fn func([]byte) error) error {
	rows, err := db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return s.ioErr("list", "", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return s.ioErr("list", "", err)
		}
		if err := fn([]byte(payload)); err != nil {
			return s.ioErr("list", "", err)
		}
	}
	if err := rows.Err(); err != nil {
		return s.ioErr("list", "", err)
	}
	return nil
}

// conditions renders a WHERE clause for the non-empty columns in a stable order
func conditions(cols map[string]string) (string, []interface{}) {
	names := make([]string, 0, len(cols))
	for name, value := range cols {
		if value != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	args := make([]interface{}, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" = ?")
		args = append(args, cols[name])
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}
