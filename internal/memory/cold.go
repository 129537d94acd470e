package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// ColdConfig holds configuration for the Postgres cold tier.
type ColdConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultColdConfig returns default configuration.
func DefaultColdConfig() *ColdConfig {
	return &ColdConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// ColdStore is the durable Postgres tier. It owns the sessions and
// messages tables and is the source of truth for session state.
type ColdStore struct {
	db     *sql.DB
	logger *observability.Logger

	// Prepared statements for the fixed queries
	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtUpdateStatus  *sql.Stmt
	stmtDeleteSession *sql.Stmt
	stmtInsertMessage *sql.Stmt
	stmtMessageCount  *sql.Stmt
}

const sessionColumns = "id, agent_name, user_id, status, metadata, message_count, created_at, updated_at"

// NewColdStore opens the database, verifies connectivity, ensures the
// schema, and prepares statements.
func NewColdStore(cfg *ColdConfig, logger *observability.Logger) (*ColdStore, error) {
	if cfg == nil {
		cfg = DefaultColdConfig()
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
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

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

	store := &ColdStore{db: db, logger: logger}

	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	logger.Info(ctx, "cold tier connected")
	return store, nil
}

// DB exposes the underlying connection for related stores.
func (s *ColdStore) DB() *sql.DB {
	return s.db
}

// EnsureSchema creates the sessions and messages tables if they do not
// exist. Safe to call repeatedly.
func (s *ColdStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			metadata JSONB NOT NULL DEFAULT '{}',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			message_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions (updated_at)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func (s *ColdStore) prepareStatements() error {
	var err error

	s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (id, agent_name, user_id, status, metadata, message_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare create session: %w", err)
	}

	s.stmtGetSession, err = s.db.Prepare(`
		SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get session: %w", err)
	}

	s.stmtUpdateStatus, err = s.db.Prepare(`
		UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare update status: %w", err)
	}

	s.stmtDeleteSession, err = s.db.Prepare(`
		DELETE FROM sessions WHERE id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete session: %w", err)
	}

	s.stmtInsertMessage, err = s.db.Prepare(`
		INSERT INTO messages (id, session_id, sequence, message_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert message: %w", err)
	}

	s.stmtMessageCount, err = s.db.Prepare(`
		SELECT COUNT(*) FROM messages WHERE session_id = $1
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message count: %w", err)
	}

	return nil
}

// Close closes the prepared statements and the connection pool.
func (s *ColdStore) Close() error {
	var errs []error
	for _, stmt := range []*sql.Stmt{
		s.stmtCreateSession,
		s.stmtGetSession,
		s.stmtUpdateStatus,
		s.stmtDeleteSession,
		s.stmtInsertMessage,
		s.stmtMessageCount,
	} {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing store: %v", errs)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *ColdStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := models.ValidateSessionID(session.ID); err != nil {
		return err
	}

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if session.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.stmtCreateSession.ExecContext(ctx,
		session.ID,
		session.AgentName,
		session.UserID,
		string(session.Status),
		metadata,
		session.MessageCount,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session row by id.
func (s *ColdStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	session, err := scanSession(s.stmtGetSession.QueryRowContext(ctx, sessionID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateStatus transitions a session's lifecycle state.
func (s *ColdStore) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	result, err := s.stmtUpdateStatus.ExecContext(ctx, string(status), time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// DeleteSession removes a session row; messages cascade.
func (s *ColdStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	result, err := s.stmtDeleteSession.ExecContext(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// ListSessions retrieves session rows with optional filters, newest
// activity first.
func (s *ColdStore) ListSessions(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	argPos := 1

	where := ""
	appendClause := func(clause string, value interface{}) {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += fmt.Sprintf(clause, argPos)
		args = append(args, value)
		argPos++
	}

	if filter.AgentName != "" {
		appendClause("agent_name = $%d", filter.AgentName)
	}
	if filter.UserID != "" {
		appendClause("user_id = $%d", filter.UserID)
	}
	if filter.Status != "" {
		appendClause("status = $%d", string(filter.Status))
	}

	query += where + " ORDER BY updated_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, limit)
	argPos++

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// SaveMessages appends messages, continuing from the current highest
// sequence. The session row is locked first so concurrent appends cannot
// both read the same MAX(sequence). The session's message_count is
// updated in the same transaction.
func (s *ColdStore) SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return 0, err
	}

	var maxSeq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = $1`,
		sessionID,
	).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}

	if err := s.insertMessages(ctx, tx, sessionID, msgs, maxSeq); err != nil {
		return 0, err
	}

	if err := updateMessageCount(ctx, tx, sessionID, maxSeq+len(msgs)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug(ctx, "saved messages", "session_id", sessionID, "count", len(msgs))
	return len(msgs), nil
}

// ReplaceMessages overwrites the session's stored transcript with the
// given snapshot in one transaction. This is the checkpoint path: delete
// everything, insert the snapshot, set message_count to its length.
func (s *ColdStore) ReplaceMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockSession(ctx, tx, sessionID); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return 0, fmt.Errorf("failed to clear messages: %w", err)
	}

	if err := s.insertMessages(ctx, tx, sessionID, msgs, 0); err != nil {
		return 0, err
	}

	if err := updateMessageCount(ctx, tx, sessionID, len(msgs)); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Debug(ctx, "replaced messages", "session_id", sessionID, "count", len(msgs))
	return len(msgs), nil
}

// LoadMessages reads stored messages ordered by sequence. A positive
// limit caps the page size; offset skips from the start.
func (s *ColdStore) LoadMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Stamped, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	query := `SELECT sequence, payload, created_at FROM messages WHERE session_id = $1 ORDER BY sequence`
	args := []interface{}{sessionID}
	argPos := 2

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, limit)
		argPos++
	}
	if offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var out []models.Stamped
	for rows.Next() {
		var (
			seq       int
			payload   []byte
			createdAt time.Time
		)
		if err := rows.Scan(&seq, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg, err := models.UnmarshalMessage(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode message %d for session %s: %w", seq, sessionID, err)
		}
		out = append(out, models.Stamped{Sequence: seq, CreatedAt: createdAt, Message: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

// MessageCount returns the number of persisted messages for a session.
func (s *ColdStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	var count int
	if err := s.stmtMessageCount.QueryRowContext(ctx, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// ClearMessages deletes all messages for a session but keeps the session
// row, zeroing its message_count.
func (s *ColdStore) ClearMessages(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if err := updateMessageCount(ctx, tx, sessionID, 0); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// StaleSessions returns ids of non-archived sessions with no activity
// since the cutoff, oldest first.
func (s *ColdStore) StaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status <> 'archived' AND updated_at < $1 ORDER BY updated_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale sessions: %w", err)
	}
	return ids, nil
}

func (s *ColdStore) insertMessages(ctx context.Context, tx *sql.Tx, sessionID string, msgs []models.Message, startSeq int) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt := tx.StmtContext(ctx, s.stmtInsertMessage)
	defer stmt.Close()

	now := time.Now().UTC()
	for i, msg := range msgs {
		payload, err := models.MarshalMessage(msg)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			uuid.NewString(),
			sessionID,
			startSeq+i+1,
			string(msg.Type()),
			payload,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message %d: %w", startSeq+i+1, err)
		}
	}
	return nil
}

// lockSession takes a row lock on the session so sequence assignment and
// count updates are serialized across concurrent writers.
func lockSession(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock session: %w", err)
	}
	return nil
}

func updateMessageCount(ctx context.Context, tx *sql.Tx, sessionID string, count int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = $1, updated_at = $2 WHERE id = $3`,
		count, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}
	var (
		status       string
		metadataJSON []byte
	)
	err := row.Scan(
		&session.ID,
		&session.AgentName,
		&session.UserID,
		&status,
		&metadataJSON,
		&session.MessageCount,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = models.SessionStatus(status)
	if len(metadataJSON) > 0 && string(metadataJSON) != "null" {
		if err := json.Unmarshal(metadataJSON, &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return session, nil
}
