package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps converge run history, events and cached facts in a
// single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config configures the SQLite connection pool.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore returns a store for cfg.Path. Init opens it.
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
	// Every connection to :memory: opens a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

const runColumns = `id, node, source, outcome, why_run, resource_count, updated_count,
	started_at, completed_at, error, metadata, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Node,
		&run.Source,
		&run.Outcome,
		&run.WhyRun,
		&run.ResourceCount,
		&run.UpdatedCount,
		timeValue{&run.StartedAt},
		nullTimeValue{&run.CompletedAt},
		&run.Error,
		&run.Metadata,
		timeValue{&run.CreatedAt},
		timeValue{&run.UpdatedAt},
	)
	return run, err
}

// CreateRun records the start of a converge run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.Metadata == "" {
		run.Metadata = "{}"
	}

	query := `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Node,
		run.Source,
		run.Outcome,
		run.WhyRun,
		run.ResourceCount,
		run.UpdatedCount,
		formatTime(run.StartedAt),
		formatTimePtr(run.CompletedAt),
		run.Error,
		run.Metadata,
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns ErrNotFound for unknown IDs.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// CompleteRun records a run's outcome, counters, error and completion time.
func (s *SQLiteStore) CompleteRun(ctx context.Context, run *Run) error {
	if run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	run.UpdatedAt = time.Now()

	query := `
		UPDATE runs
		SET outcome = ?, updated_count = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		run.Outcome,
		run.UpdatedCount,
		run.Error,
		formatTimePtr(run.CompletedAt),
		formatTime(run.UpdatedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return expectRow(result, "run", run.ID)
}

// ListRuns lists runs with pagination, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
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

// DeleteRun deletes a run and, through foreign keys, its results and events
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, "run", id)
}

// SaveResourceResults stores the results of a run in one transaction.
func (s *SQLiteStore) SaveResourceResults(ctx context.Context, runID string, results []*ResourceResult) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `
		INSERT INTO resource_results (
			run_id, seq, resource_type, resource_name, action, provider, state,
			updated, ignored, skip_reason, converged, triggered_by, error, duration_ms, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, r := range results {
		r.RunID = runID
		if r.Converged == "" {
			r.Converged = "[]"
		}
		res, err := tx.ExecContext(ctx, query,
			r.RunID,
			r.Seq,
			r.ResourceType,
			r.ResourceName,
			r.Action,
			r.Provider,
			r.State,
			r.Updated,
			r.Ignored,
			r.SkipReason,
			r.Converged,
			r.Trigger,
			r.Error,
			r.Duration.Milliseconds(),
			formatTime(r.StartedAt),
		)
		if err != nil {
			_ = s.RollbackTx(tx)
			return fmt.Errorf("failed to save result for %s[%s]: %w", r.ResourceType, r.ResourceName, err)
		}
		if r.ID, err = res.LastInsertId(); err != nil {
			_ = s.RollbackTx(tx)
			return fmt.Errorf("failed to get result ID: %w", err)
		}
	}

	if err := s.CommitTx(tx); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}
	return nil
}

// ListResourceResults returns a run's results in execution order
func (s *SQLiteStore) ListResourceResults(ctx context.Context, runID string) ([]*ResourceResult, error) {
	query := `
		SELECT id, run_id, seq, resource_type, resource_name, action, provider, state,
			updated, ignored, skip_reason, converged, triggered_by, error, duration_ms, started_at
		FROM resource_results
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resource results: %w", err)
	}
	defer rows.Close()

	results := []*ResourceResult{}
	for rows.Next() {
		r := &ResourceResult{}
		var durationMS int64
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Seq,
			&r.ResourceType,
			&r.ResourceName,
			&r.Action,
			&r.Provider,
			&r.State,
			&r.Updated,
			&r.Ignored,
			&r.SkipReason,
			&r.Converged,
			&r.Trigger,
			&r.Error,
			&durationMS,
			timeValue{&r.StartedAt},
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource result: %w", err)
		}
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resource results: %w", err)
	}
	return results, nil
}

// AppendEvent stores a sink event and sets its sequence ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (event_id, run_id, type, resource, action, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.EventID,
		event.RunID,
		event.Type,
		event.Resource,
		event.Action,
		event.Level,
		event.Message,
		event.Details,
		formatTime(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination, in the
// order they were appended
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, type, resource, action, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Type,
			&event.Resource,
			&event.Action,
			&event.Level,
			&event.Message,
			&event.Details,
			timeValue{&event.Timestamp},
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

const factColumns = `id, node, namespace, value, ttl, expires_at, created_at, updated_at`

func scanFact(row interface{ Scan(...any) error }) (*Fact, error) {
	fact := &Fact{}
	err := row.Scan(
		&fact.ID,
		&fact.Node,
		&fact.Namespace,
		&fact.Value,
		&fact.TTL,
		nullTimeValue{&fact.ExpiresAt},
		timeValue{&fact.CreatedAt},
		timeValue{&fact.UpdatedAt},
	)
	return fact, err
}

// UpsertFact replaces the fact for (node, namespace).
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	now := time.Now()
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = now
	}
	fact.UpdatedAt = now
	if fact.TTL > 0 && fact.ExpiresAt == nil {
		expires := now.Add(time.Duration(fact.TTL) * time.Second)
		fact.ExpiresAt = &expires
	}

	query := `
		INSERT INTO facts (` + factColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node, namespace) DO UPDATE SET
			value = excluded.value,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.Node,
		fact.Namespace,
		fact.Value,
		fact.TTL,
		formatTimePtr(fact.ExpiresAt),
		formatTime(fact.CreatedAt),
		formatTime(fact.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}
	return nil
}

// GetFact retrieves an unexpired fact by node and namespace
func (s *SQLiteStore) GetFact(ctx context.Context, node, namespace string) (*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE node = ? AND namespace = ? AND (expires_at IS NULL OR expires_at > ?)`

	fact, err := scanFact(s.db.QueryRowContext(ctx, query, node, namespace, formatTime(time.Now())))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact %s/%s: %w", node, namespace, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}
	return fact, nil
}

// ListFacts lists unexpired facts with optional filters and pagination
func (s *SQLiteStore) ListFacts(ctx context.Context, node *string, namespace *string, limit, offset int) ([]*Fact, error) {
	query := `SELECT ` + factColumns + ` FROM facts
		WHERE (? IS NULL OR node = ?)
		  AND (? IS NULL OR namespace = ?)
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY node, namespace
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, node, node, namespace, namespace, formatTime(time.Now()), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}
	return facts, nil
}

// DeleteExpiredFacts prunes facts past their expiry and reports how many.
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	query := `DELETE FROM facts WHERE expires_at IS NOT NULL AND expires_at <= ?`

	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func (s *SQLiteStore) DeleteFact(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}
	return expectRow(result, "fact", id)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
