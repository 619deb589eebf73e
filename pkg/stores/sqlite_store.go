package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/yunaamelia/debian-vps-workstation-sub001/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and configures the connection pool. The DSN
// pragmas apply per connection, so every pooled connection runs with WAL
// journaling and foreign keys enforced.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if s.cfg.Path == ":memory:" {
		// Each connection to :memory: gets its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRunStart inserts the run row when execution begins. Batches and
// totals are usually unknown at this point; FinishRun fills them in.
func (s *SQLiteStore) RecordRunStart(ctx context.Context, summary *engine.RunSummary) error {
	batches, err := marshalBatches(summary.Batches)
	if err != nil {
		return fmt.Errorf("failed to encode batches: %w", err)
	}

	state := summary.State
	if state == "" {
		state = engine.StateInit
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO runs (id, state, dry_run, started_at, batches, total, config_digest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		summary.RunID,
		state,
		summary.DryRun,
		summary.StartedAt.UTC(),
		batches,
		summary.Total,
		summary.ConfigDigest,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}

	return nil
}

// FinishRun persists the terminal run state and totals. The write is an
// upsert so a run whose start record was lost still ends up in history.
func (s *SQLiteStore) FinishRun(ctx context.Context, summary *engine.RunSummary) error {
	batches, err := marshalBatches(summary.Batches)
	if err != nil {
		return fmt.Errorf("failed to encode batches: %w", err)
	}

	var errText *string
	if summary.Error != "" {
		errText = &summary.Error
	}

	var completedAt *time.Time
	if !summary.CompletedAt.IsZero() {
		utc := summary.CompletedAt.UTC()
		completedAt = &utc
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO runs (
			id, state, dry_run, started_at, completed_at, duration_ms, batches,
			total, succeeded, failed, skipped, mandatory_failed,
			rolled_back, rollback_failures, config_digest, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			batches = excluded.batches,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			mandatory_failed = excluded.mandatory_failed,
			rolled_back = excluded.rolled_back,
			rollback_failures = excluded.rollback_failures,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		summary.RunID,
		summary.State,
		summary.DryRun,
		summary.StartedAt.UTC(),
		completedAt,
		summary.Duration.Milliseconds(),
		batches,
		summary.Total,
		summary.Succeeded,
		summary.Failed,
		summary.Skipped,
		summary.MandatoryFailed,
		summary.RolledBack,
		summary.RollbackFailures,
		summary.ConfigDigest,
		errText,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}

	return nil
}

// RecordModuleResult upserts one module outcome for a run.
func (s *SQLiteStore) RecordModuleResult(ctx context.Context, runID string, result *engine.Result) error {
	var errText *string
	if result.Error != nil {
		msg := result.Error.Error()
		errText = &msg
	}

	query := `
		INSERT INTO module_results (run_id, module, status, success, stage, error, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, module) DO UPDATE SET
			status = excluded.status,
			success = excluded.success,
			stage = excluded.stage,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		result.Module,
		result.Status,
		result.Success,
		result.Stage,
		errText,
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
		result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record module result: %w", err)
	}

	return nil
}

// RecordEvent appends a timeline event to the run.
func (s *SQLiteStore) RecordEvent(ctx context.Context, runID, eventType, module, message string) error {
	query := `
		INSERT INTO events (run_id, type, module, message, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, runID, eventType, module, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := runSelect + ` WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := runSelect + `
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListModuleResults lists the module outcomes of a run in start order.
func (s *SQLiteStore) ListModuleResults(ctx context.Context, runID string) ([]*ModuleResultRecord, error) {
	query := `
		SELECT run_id, module, status, success, stage, error, started_at, completed_at, duration_ms
		FROM module_results
		WHERE run_id = ?
		ORDER BY started_at ASC, module ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list module results: %w", err)
	}
	defer rows.Close()

	results := []*ModuleResultRecord{}
	for rows.Next() {
		r := &ModuleResultRecord{}
		var durationMS int64
		err := rows.Scan(
			&r.RunID,
			&r.Module,
			&r.Status,
			&r.Success,
			&r.Stage,
			&r.Error,
			&r.StartedAt,
			&r.CompletedAt,
			&durationMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating module results: %w", err)
	}

	return results, nil
}

// ListEvents lists the timeline events of a run in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, type, module, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Type,
			&event.Module,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// DeleteRun deletes a run by ID; module results and events cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// AppendAudit appends a new audit trail entry.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditRecord) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (actor, action, resource, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Actor,
		entry.Action,
		entry.Resource,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAudit lists audit entries with optional filters and pagination.
func (s *SQLiteStore) ListAudit(ctx context.Context, action, actor *string, limit, offset int) ([]*AuditRecord, error) {
	query := `
		SELECT id, actor, action, resource, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditRecord{}
	for rows.Next() {
		entry := &AuditRecord{}
		err := rows.Scan(
			&entry.ID,
			&entry.Actor,
			&entry.Action,
			&entry.Resource,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

const runSelect = `
	SELECT id, state, dry_run, started_at, completed_at, duration_ms, batches,
		total, succeeded, failed, skipped, mandatory_failed,
		rolled_back, rollback_failures, config_digest, error, created_at, updated_at
	FROM runs`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	run := &RunRecord{}
	var batches string
	var durationMS int64

	err := row.Scan(
		&run.ID,
		&run.State,
		&run.DryRun,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&batches,
		&run.Total,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.MandatoryFailed,
		&run.RolledBack,
		&run.RollbackFailures,
		&run.ConfigDigest,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationMS) * time.Millisecond
	run.Batches, err = unmarshalBatches(batches)
	if err != nil {
		return nil, fmt.Errorf("failed to decode batches: %w", err)
	}

	return run, nil
}

func marshalBatches(batches [][]string) (string, error) {
	if len(batches) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(batches)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalBatches(raw string) ([][]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var batches [][]string
	if err := json.Unmarshal([]byte(raw), &batches); err != nil {
		return nil, err
	}
	return batches, nil
}
