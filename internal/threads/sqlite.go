package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// SQLiteStore persists threads, steps and feedback in an embedded SQLite
// database for single-node deployments. Writes are serialized through a
// store mutex; SQLite allows one writer at a time anyway, and serializing
// in-process avoids SQLITE_BUSY churn.
type SQLiteStore struct {
	db     *sql.DB
	logger *observability.Logger

	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database file and ensures the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, logger *observability.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The connection pool must stay at one for in-memory databases, and a
	// single writer connection sidesteps lock contention for file-backed
	// ones.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info(ctx, "thread store connected", "driver", "sqlite", "path", path)
	return store, nil
}

// EnsureSchema creates the tables if they do not exist. Safe to call
// repeatedly.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
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
			is_error BOOLEAN NOT NULL DEFAULT 0,
			metadata TEXT NOT NULL DEFAULT '{}',
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP NOT NULL,
			UNIQUE (thread_id, sequence)
		)`,
		`CREATE TABLE IF NOT EXISTS feedbacks (
			id TEXT PRIMARY KEY,
			for_id TEXT NOT NULL,
			thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
			value INTEGER NOT NULL,
			comment TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_thread ON steps (thread_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateThread inserts a new thread row.
func (s *SQLiteStore) CreateThread(ctx context.Context, name string) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := newThread(name)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		thread.ID, thread.Name, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread loads one thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	thread := &models.Thread{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM threads WHERE id = ?`, threadID,
	).Scan(&thread.ID, &thread.Name, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns threads ordered by most recent activity.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit, offset int) ([]*models.Thread, error) {
	limit, offset = clampList(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM threads ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
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
func (s *SQLiteStore) RenameThread(ctx context.Context, threadID, name string) (*models.Thread, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), threadID,
	)
	s.mu.Unlock()
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
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, threadID)
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

// AppendStep assigns the next sequence and inserts the step. The store
// mutex serializes appends, so MAX(sequence) cannot race in-process.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *models.Step) (*models.Step, error) {
	if step == nil || step.ThreadID == "" {
		return nil, fmt.Errorf("step thread_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM threads WHERE id = ?)`, step.ThreadID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check thread: %w", err)
	}
	if !exists {
		return nil, ErrThreadNotFound
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM steps WHERE thread_id = ?`, step.ThreadID).Scan(&maxSeq); err != nil {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ThreadID, stored.ParentID, stored.Sequence, string(stored.Type),
		stored.Name, stored.Input, stored.Output, stored.IsError, string(metadata),
		stored.StartedAt, stored.EndedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`, now, step.ThreadID); err != nil {
		return nil, fmt.Errorf("failed to touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit step: %w", err)
	}
	return &stored, nil
}

// Steps returns the thread's steps in sequence order.
func (s *SQLiteStore) Steps(ctx context.Context, threadID string) ([]*models.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE thread_id = ? ORDER BY sequence`, threadID,
	)
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

// AddFeedback validates the rating and inserts it.
func (s *SQLiteStore) AddFeedback(ctx context.Context, fb *models.Feedback) (*models.Feedback, error) {
	if err := validateFeedback(fb); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM steps WHERE id = ? AND thread_id = ?)`,
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedbacks (id, for_id, thread_id, value, comment, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ForID, stored.ThreadID, stored.Value, stored.Comment, stored.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add feedback: %w", err)
	}
	return &stored, nil
}
