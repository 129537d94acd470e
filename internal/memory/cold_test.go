package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/axonhq/axon/pkg/models"
)

func newMockCold(t *testing.T) (*ColdStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &ColdStore{db: db, logger: testLogger()}, mock
}

// prepareInsertMessage installs the message insert statement the way
// prepareStatements does, against an already-set expectation.
func prepareInsertMessage(t *testing.T, store *ColdStore) {
	t.Helper()
	stmt, err := store.db.Prepare(`
		INSERT INTO messages (id, session_id, sequence, message_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtInsertMessage = stmt
}

func sessionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_name", "user_id", "status", "metadata", "message_count", "created_at", "updated_at",
	})
}

func TestColdStore_CreateSession(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name        string
		session     *models.Session
		setupMock   func(sqlmock.Sqlmock)
		wantErr     bool
		errContains string
	}{
		{
			name: "successful create",
			session: &models.Session{
				ID:        "sess-1",
				AgentName: "coder",
				UserID:    "user-1",
				Status:    models.SessionActive,
				Metadata:  map[string]any{"channel": "web"},
				CreatedAt: now,
				UpdatedAt: now,
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO sessions")
				mock.ExpectExec("INSERT INTO sessions").
					WithArgs("sess-1", "coder", "user-1", "active",
						sqlmock.AnyArg(), 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:    "invalid session id",
			session: &models.Session{ID: "nope/../etc", Status: models.SessionActive},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO sessions")
			},
			wantErr:     true,
			errContains: "invalid session id",
		},
		{
			name: "database error",
			session: &models.Session{
				ID: "sess-1", Status: models.SessionActive, CreatedAt: now, UpdatedAt: now,
			},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectPrepare("INSERT INTO sessions")
				mock.ExpectExec("INSERT INTO sessions").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr:     true,
			errContains: "failed to create session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockCold(t)
			tt.setupMock(mock)

			stmt, err := store.db.Prepare(`
				INSERT INTO sessions (id, agent_name, user_id, status, metadata, message_count, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`)
			if err != nil {
				t.Fatalf("failed to prepare statement: %v", err)
			}
			store.stmtCreateSession = stmt

			err = store.CreateSession(context.Background(), tt.session)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestColdStore_GetSession(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	mock.ExpectPrepare("SELECT .+ FROM sessions WHERE id")
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id").
		WithArgs("sess-1").
		WillReturnRows(sessionRows().
			AddRow("sess-1", "coder", "user-1", "active", []byte(`{"channel":"web"}`), 4, now, now))
	mock.ExpectQuery("SELECT .+ FROM sessions WHERE id").
		WithArgs("ghost").
		WillReturnRows(sessionRows())

	stmt, err := store.db.Prepare(`SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetSession = stmt

	session, err := store.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.AgentName != "coder" || session.Status != models.SessionActive {
		t.Errorf("unexpected session %+v", session)
	}
	if session.Metadata["channel"] != "web" {
		t.Errorf("expected metadata decoded, got %v", session.Metadata)
	}
	if session.MessageCount != 4 {
		t.Errorf("expected message count 4, got %d", session.MessageCount)
	}

	_, err = store.GetSession(context.Background(), "ghost")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestColdStore_UpdateStatus(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectPrepare("UPDATE sessions SET status")
	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs("closed", sqlmock.AnyArg(), "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE sessions SET status").
		WithArgs("closed", sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	stmt, err := store.db.Prepare(`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtUpdateStatus = stmt

	if err := store.UpdateStatus(context.Background(), "sess-1", models.SessionClosed); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	err = store.UpdateStatus(context.Background(), "ghost", models.SessionClosed)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestColdStore_SaveMessages(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sess-1"))
	mock.ExpectQuery("COALESCE").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "sess-1", 3, "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "sess-1", 4, "assistant", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET message_count").
		WithArgs(4, sqlmock.AnyArg(), "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prepareInsertMessage(t, store)

	n, err := store.SaveMessages(context.Background(), "sess-1", []models.Message{
		models.NewUserText("hi"),
		models.NewAssistantMessage("hello"),
	})
	if err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 saved, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestColdStore_SaveMessagesSessionMissing(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := store.SaveMessages(context.Background(), "ghost", []models.Message{models.NewUserText("hi")})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestColdStore_ReplaceMessagesOverwrites(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectPrepare("INSERT INTO messages")
	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sess-1"))
	mock.ExpectExec("DELETE FROM messages").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "sess-1", 1, "user", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), "sess-1", 2, "assistant", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE sessions SET message_count").
		WithArgs(2, sqlmock.AnyArg(), "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prepareInsertMessage(t, store)

	n, err := store.ReplaceMessages(context.Background(), "sess-1", []models.Message{
		models.NewUserText("hi"),
		models.NewAssistantMessage("hello"),
	})
	if err != nil {
		t.Fatalf("ReplaceMessages: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 replaced, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestColdStore_LoadMessages(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	rows := sqlmock.NewRows([]string{"sequence", "payload", "created_at"}).
		AddRow(1, []byte(`{"type":"user","content":[{"type":"text","text":"hi"}]}`), now).
		AddRow(2, []byte(`{"type":"assistant","content":[{"type":"text","text":"hello"}],"finish_reason":"stop"}`), now)
	mock.ExpectQuery("FROM messages WHERE session_id").
		WithArgs("sess-1").
		WillReturnRows(rows)

	got, err := store.LoadMessages(context.Background(), "sess-1", 0, 0)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("unexpected sequences %d,%d", got[0].Sequence, got[1].Sequence)
	}
	user, ok := got[0].Message.(*models.UserMessage)
	if !ok || user.PlainText() != "hi" {
		t.Errorf("unexpected first message %#v", got[0].Message)
	}
}

func TestColdStore_LoadMessagesPagination(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	mock.ExpectQuery("FROM messages WHERE session_id").
		WithArgs("sess-1", 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "payload", "created_at"}).
			AddRow(5, []byte(`{"type":"user","content":[{"type":"text","text":"e"}]}`), now).
			AddRow(6, []byte(`{"type":"user","content":[{"type":"text","text":"f"}]}`), now))

	got, err := store.LoadMessages(context.Background(), "sess-1", 2, 4)
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 5 {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestColdStore_LoadMessagesUnknownTypeFails(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	mock.ExpectQuery("FROM messages WHERE session_id").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "payload", "created_at"}).
			AddRow(1, []byte(`{"type":"mystery"}`), now))

	_, err := store.LoadMessages(context.Background(), "sess-1", 0, 0)
	if err == nil {
		t.Fatal("expected decode error")
	}
	var unknown *models.ErrUnknownMessageType
	if !errors.As(err, &unknown) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestColdStore_ListSessions(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	mock.ExpectQuery("FROM sessions ORDER BY updated_at DESC").
		WithArgs(50).
		WillReturnRows(sessionRows().
			AddRow("sess-1", "coder", "user-1", "active", []byte(`{}`), 3, now, now).
			AddRow("sess-2", "coder", "user-2", "closed", []byte(`{}`), 8, now, now))

	sessions, err := store.ListSessions(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
	if sessions[1].Status != models.SessionClosed {
		t.Errorf("unexpected status %s", sessions[1].Status)
	}
}

func TestColdStore_ListSessionsFiltered(t *testing.T) {
	now := time.Now().UTC()
	store, mock := newMockCold(t)

	mock.ExpectQuery("agent_name = .+ AND status = ").
		WithArgs("coder", "active", 10, 20).
		WillReturnRows(sessionRows().
			AddRow("sess-1", "coder", "user-1", "active", []byte(`{}`), 3, now, now))

	sessions, err := store.ListSessions(context.Background(), ListFilter{
		AgentName: "coder",
		Status:    models.SessionActive,
		Limit:     10,
		Offset:    20,
	})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "sess-1" {
		t.Errorf("unexpected result %+v", sessions)
	}
}

func TestColdStore_MessageCount(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectPrepare("SELECT COUNT")
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	stmt, err := store.db.Prepare(`SELECT COUNT(*) FROM messages WHERE session_id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtMessageCount = stmt

	count, err := store.MessageCount(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if count != 7 {
		t.Errorf("expected 7, got %d", count)
	}
}

func TestColdStore_ClearMessages(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec("UPDATE sessions SET message_count").
		WithArgs(0, sqlmock.AnyArg(), "sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ClearMessages(context.Background(), "sess-1"); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestColdStore_ClearMessagesSessionMissing(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM messages").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE sessions SET message_count").
		WithArgs(0, sqlmock.AnyArg(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.ClearMessages(context.Background(), "ghost")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestColdStore_StaleSessions(t *testing.T) {
	store, mock := newMockCold(t)

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	mock.ExpectQuery("SELECT id FROM sessions WHERE status").
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("old-1").AddRow("old-2"))

	ids, err := store.StaleSessions(context.Background(), cutoff, 0)
	if err != nil {
		t.Fatalf("StaleSessions: %v", err)
	}
	if len(ids) != 2 || ids[0] != "old-1" {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestColdStore_DeleteSession(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectPrepare("DELETE FROM sessions")
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM sessions").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	stmt, err := store.db.Prepare(`DELETE FROM sessions WHERE id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtDeleteSession = stmt

	if err := store.DeleteSession(context.Background(), "sess-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	err = store.DeleteSession(context.Background(), "ghost")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestColdStore_EnsureSchema(t *testing.T) {
	store, mock := newMockCold(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS messages").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_messages_session").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_sessions_updated").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
