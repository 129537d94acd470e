package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// PostgresConfig holds configuration for the Postgres thread store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// PostgresStore persists threads, steps and feedback in Postgres.
type PostgresStore struct {
	db     *sql.DB
	logger *observability.Logger

	stmtCreateThread *sql.Stmt
	stmtGetThread    *sql.Stmt
	stmtListThreads  *sql.Stmt
	stmtDeleteThread *sql.Stmt
	stmtListSteps    *sql.Stmt
	stmtAddFeedback  *sql.Stmt
}

const (
	threadColumns = "id, name, created_at, updated_at"
	stepColumns   = "id, thread_id, parent_id, sequence, step_type, name, input, output, is_error, metadata, started_at, ended_at"
)

// NewPostgresStore opens the database, verifies connectivity, ensures the
// schema, and prepares statements.
func NewPostgresStore(cfg *PostgresConfig, logger *observability.Logger) (*PostgresStore, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db, logger: logger}

	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info(ctx, "thread store connected", "driver", "postgres")
	return store, nil
}

// EnsureSchema creates the threads, steps and feedbacks tables if they do
// not exist. Safe to call repeatedly.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			parent_id TEXT NOT NULL DEFAULT '',
			sequence INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT '',
			is_error BOOLEAN NOT NULL DEFAULT false,
			metadata JSONB NOT NULL DEFAULT '{}',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (thread_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS feedbacks (
			id TEXT PRIMARY KEY,
			for_id TEXT NOT NULL,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			value INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_thread ON steps (thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads (updated_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error

	s.stmtCreateThread, err = s.db.Prepare(`
		INSERT INTO threads (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create thread: %w", err)
	}

	s.stmtGetThread, err = s.db.Prepare(`
		SELECT ` + threadColumns + ` FROM threads WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get thread: %w", err)
	}

	s.stmtListThreads, err = s.db.Prepare(`
		SELECT ` + threadColumns + ` FROM threads ORDER BY updated_at DESC LIMIT $1 OFFSET $2
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list threads: %w", err)
	}

	s.stmtDeleteThread, err = s.db.Prepare(`
		DELETE FROM threads WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete thread: %w", err)
	}

	s.stmtListSteps, err = s.db.Prepare(`
		SELECT ` + stepColumns + ` FROM steps WHERE thread_id = $1 ORDER BY sequence
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list steps: %w", err)
	}

	s.stmtAddFeedback, err = s.db.Prepare(`
		INSERT INTO feedbacks (id, for_id, thread_id, value, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare add feedback: %w", err)
	}

	return nil
}

// Close releases prepared statements and the connection pool.
func (s *PostgresStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateThread, s.stmtGetThread, s.stmtListThreads,
		s.stmtDeleteThread, s.stmtListSteps, s.stmtAddFeedback,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

// CreateThread inserts a new thread row.
func (s *PostgresStore) CreateThread(ctx context.Context, name string) (*models.Thread, error) {
	thread := newThread(name)
	if _, err := s.stmtCreateThread.ExecContext(ctx, thread.ID, thread.Name, thread.CreatedAt, thread.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread loads one thread by id.
func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread := &models.Thread{}
	err := s.stmtGetThread.QueryRowContext(ctx, threadID).Scan(
		&thread.ID, &thread.Name, &thread.CreatedAt, &thread.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns threads ordered by most recent activity.
func (s *PostgresStore) ListThreads(ctx context.Context, limit, offset int) ([]*models.Thread, error) {
	limit, offset = clampList(limit, offset)
	rows, err := s.stmtListThreads.QueryContext(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread := &models.Thread{}
		if err := rows.Scan(&thread.ID, &thread.Name, &thread.CreatedAt, &thread.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

// RenameThread updates the thread name and bumps updated_at.
func (s *PostgresStore) RenameThread(ctx context.Context, threadID, name string) (*models.Thread, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET name = $1, updated_at = $2 WHERE id = $3`,
		name, time.Now().UTC(), threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to rename thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to rename thread: %w", err)
	}
	if affected == 0 {
		return nil, ErrThreadNotFound
	}
	return s.GetThread(ctx, threadID)
}

// DeleteThread removes the thread; steps and feedback cascade.
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	res, err := s.stmtDeleteThread.ExecContext(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if affected == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AppendStep assigns the next sequence under a thread row lock and
// inserts the step. The lock serializes concurrent appends the same way
// the cold tier serializes message saves.
func (s *PostgresStore) AppendStep(ctx context.Context, step *models.Step) (*models.Step, error) {
	if step == nil || step.ThreadID == "" {
		return nil, fmt.Errorf("step thread_id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, step.ThreadID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock thread: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM steps WHERE thread_id = $1`, step.ThreadID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("failed to read max sequence: %w", err)
	}

	stored := *step
	stored.Sequence = int(maxSeq.Int64) + 1
	if stored.ID == "" {
		stored.ID = newStepID()
	}
	now := time.Now().UTC()
	if stored.StartedAt.IsZero() {
		stored.StartedAt = now
	}
	if stored.EndedAt.IsZero() {
		stored.EndedAt = now
	}

	metadata, err := encodeMetadata(stored.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (id, thread_id, parent_id, sequence, step_type, name, input, output, is_error, metadata, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		stored.ID, stored.ThreadID, stored.ParentID, stored.Sequence, string(stored.Type),
		stored.Name, stored.Input, stored.Output, stored.IsError, metadata,
		stored.StartedAt, stored.EndedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = $1 WHERE id = $2`, now, step.ThreadID); err != nil {
		return nil, fmt.Errorf("failed to touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step: %w", err)
	}
	return &stored, nil
}

// Steps returns the thread's steps in sequence order.
func (s *PostgresStore) Steps(ctx context.Context, threadID string) ([]*models.Step, error) {
	rows, err := s.stmtListSteps.QueryContext(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// AddFeedback validates the rating and inserts it. The referenced step
// must exist in the referenced thread.
func (s *PostgresStore) AddFeedback(ctx context.Context, fb *models.Feedback) (*models.Feedback, error) {
	if err := validateFeedback(fb); err != nil {
		return nil, err
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM steps WHERE id = $1 AND thread_id = $2)`,
		fb.ForID, fb.ThreadID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check step: %w", err)
	}
	if !exists {
		return nil, ErrStepNotFound
	}

	stored := *fb
	if stored.ID == "" {
		stored.ID = newStepID()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if _, err := s.stmtAddFeedback.ExecContext(ctx, stored.ID, stored.ForID, stored.ThreadID, stored.Value, stored.Comment, stored.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to add feedback: %w", err)
	}
	return &stored, nil
}

type stepScanner interface {
	Scan(dest ...any) error
}

func scanStep(row stepScanner) (*models.Step, error) {
	step := &models.Step{}
	var stepType string
	var metadata []byte
	err := row.Scan(
		&step.ID, &step.ThreadID, &step.ParentID, &step.Sequence, &stepType,
		&step.Name, &step.Input, &step.Output, &step.IsError, &metadata,
		&step.StartedAt, &step.EndedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}
	step.Type = models.StepType(stepType)
	step.Metadata, err = decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return step, nil
}
