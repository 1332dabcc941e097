package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/devloop/pkg/telemetry"
	"github.com/openfroyo/devloop/pkg/workflow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists workflow executions, their history, validation runs
// and notification events. It implements workflow.StateStore.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

var _ workflow.StateStore = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithLogger sets the logger used for errors that cannot be returned.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLiteStore) {
		s.logger = logger.With().Str("component", "store").Logger()
	}
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config, opts ...Option) (*SQLiteStore, error) {
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

	s := &SQLiteStore{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

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

// Close closes the database connection
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

// SaveExecution inserts or replaces the snapshot of an execution.
func (s *SQLiteStore) SaveExecution(ctx context.Context, exec *workflow.WorkflowExecution) error {
	snapshot := exec.Clone()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", snapshot.ID, err)
	}

	var repository string
	var iteration int
	if snapshot.Metadata != nil {
		repository = snapshot.Metadata.Repository
		iteration = snapshot.Metadata.CurrentIteration
	}
	var completedAt *time.Time
	if snapshot.CompletedAt != nil {
		t := snapshot.CompletedAt.UTC()
		completedAt = &t
	}

	query := `
		INSERT INTO workflows (
			id, project_id, repository, state, retry_count, current_iteration,
			error_message, result_summary, snapshot, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			retry_count = excluded.retry_count,
			current_iteration = excluded.current_iteration,
			error_message = excluded.error_message,
			result_summary = excluded.result_summary,
			snapshot = excluded.snapshot,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		snapshot.ID,
		snapshot.ProjectID,
		repository,
		string(snapshot.CurrentState),
		snapshot.RetryCount,
		iteration,
		snapshot.ErrorMessage,
		snapshot.ResultSummary,
		string(payload),
		snapshot.StartedAt.UTC(),
		completedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", snapshot.ID, err)
	}
	return nil
}

// AppendTransition appends one history entry of a workflow.
func (s *SQLiteStore) AppendTransition(ctx context.Context, workflowID string, t workflow.StateTransition) error {
	conds, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("failed to encode conditions: %w", err)
	}

	query := `
		INSERT INTO workflow_transitions (workflow_id, from_state, to_state, trigger_name, message, conditions, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		workflowID,
		string(t.FromState),
		string(t.ToState),
		t.Trigger,
		t.Message,
		string(conds),
		t.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transition for %s: %w", workflowID, err)
	}
	return nil
}

// SaveValidationRun stores the outcome of one validation attempt.
func (s *SQLiteStore) SaveValidationRun(ctx context.Context, run workflow.ValidationRun) error {
	if run.Result == nil {
		return fmt.Errorf("validation run for %s has no result", run.WorkflowID)
	}
	payload, err := json.Marshal(run.Result)
	if err != nil {
		return fmt.Errorf("failed to encode validation result: %w", err)
	}
	recordedAt := run.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	query := `
		INSERT INTO validation_runs (
			workflow_id, iteration, attempt, pr_number, status, success, merge_decision, result, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.WorkflowID,
		run.Iteration,
		run.Attempt,
		run.PRNumber,
		string(run.Result.Status),
		run.Result.Success,
		string(run.Result.MergeDecision),
		string(payload),
		recordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save validation run for %s: %w", run.WorkflowID, err)
	}
	return nil
}

// GetExecution loads the latest snapshot of a workflow.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*WorkflowRecord, error) {
	query := `SELECT snapshot, updated_at FROM workflows WHERE id = ?`

	var (
		payload   string
		updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}

	exec, err := decodeExecution(payload)
	if err != nil {
		return nil, err
	}
	return &WorkflowRecord{Execution: exec, UpdatedAt: updatedAt}, nil
}

// ListExecutions lists persisted workflows, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, opts ListOptions) ([]*WorkflowRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if opts.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if len(opts.States) > 0 {
		placeholders := make([]string, len(opts.States))
		for i, st := range opts.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := "SELECT snapshot, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	records := []*WorkflowRecord{}
	for rows.Next() {
		var (
			payload   string
			updatedAt time.Time
		)
		if err := rows.Scan(&payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		exec, err := decodeExecution(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, &WorkflowRecord{Execution: exec, UpdatedAt: updatedAt})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return records, nil
}

func decodeExecution(payload string) (*workflow.WorkflowExecution, error) {
	exec := &workflow.WorkflowExecution{}
	if err := json.Unmarshal([]byte(payload), exec); err != nil {
		return nil, fmt.Errorf("failed to decode workflow snapshot: %w", err)
	}
	if exec.Metadata == nil {
		exec.Metadata = &workflow.Metadata{}
	}
	return exec, nil
}

// ListTransitions returns the persisted history of a workflow in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, workflowID string) ([]*TransitionRecord, error) {
	query := `
		SELECT id, workflow_id, from_state, to_state, trigger_name, message, conditions, occurred_at
		FROM workflow_transitions
		WHERE workflow_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	records := []*TransitionRecord{}
	for rows.Next() {
		var (
			rec        TransitionRecord
			from, to   string
			conditions string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.WorkflowID,
			&from,
			&to,
			&rec.Trigger,
			&rec.Message,
			&conditions,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.FromState = workflow.State(from)
		rec.ToState = workflow.State(to)
		if err := json.Unmarshal([]byte(conditions), &rec.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return records, nil
}

// ListValidationRuns returns the validation attempts of a workflow in order.
func (s *SQLiteStore) ListValidationRuns(ctx context.Context, workflowID string) ([]*ValidationRecord, error) {
	query := `
		SELECT id, workflow_id, iteration, attempt, pr_number, result, recorded_at
		FROM validation_runs
		WHERE workflow_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation runs: %w", err)
	}
	defer rows.Close()

	records := []*ValidationRecord{}
	for rows.Next() {
		var (
			rec     ValidationRecord
			payload string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.WorkflowID,
			&rec.Iteration,
			&rec.Attempt,
			&rec.PRNumber,
			&payload,
			&rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validation run: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Result); err != nil {
			return nil, fmt.Errorf("failed to decode validation result: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating validation runs: %w", err)
	}

	return records, nil
}

// DeleteExecution deletes a workflow together with its history and validation runs.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}

	return nil
}

// PruneFinished deletes terminal workflows that completed before cutoff.
func (s *SQLiteStore) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM workflows
		WHERE state IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(workflow.StateCompleted),
		string(workflow.StateFailed),
		string(workflow.StateCancelled),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune workflows: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// AppendEvent appends a notification event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) (int64, error) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event data: %w", err)
	}

	query := `
		INSERT INTO events (event_id, workflow_id, project_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.WorkflowID,
		event.ProjectID,
		event.Type,
		event.Level,
		event.Message,
		string(data),
		event.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get event ID: %w", err)
	}
	return id, nil
}

// RecordEvent is a telemetry.EventSubscriber that persists every delivered event.
func (s *SQLiteStore) RecordEvent(event telemetry.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.AppendEvent(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("Failed to persist event")
	}
}

// ListEvents retrieves events with optional filters, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, event_id, workflow_id, project_id, type, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR workflow_id = ?)
		  AND (? = '' OR type = ?)
		  AND (? = '' OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		q.WorkflowID, q.WorkflowID,
		q.Type, q.Type,
		q.Level, q.Level,
		limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			event EventRecord
			data  string
		)
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.WorkflowID,
			&event.ProjectID,
			&event.Type,
			&event.Level,
			&event.Message,
			&data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
