package threads

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/axonhq/axon/pkg/models"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db, logger: testLogger()}, mock
}

func threadRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at"})
}

func TestPostgresStore_CreateThread(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectPrepare("INSERT INTO threads")
	mock.ExpectExec("INSERT INTO threads").
		WithArgs(sqlmock.AnyArg(), "research", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	stmt, err := store.db.Prepare(`INSERT INTO threads (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtCreateThread = stmt

	thread, err := store.CreateThread(context.Background(), "research")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if thread.ID == "" {
		t.Error("expected a generated thread id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetThreadNotFound(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectPrepare("SELECT (.+) FROM threads WHERE id")
	mock.ExpectQuery("SELECT (.+) FROM threads WHERE id").
		WithArgs("missing").
		WillReturnRows(threadRows())

	stmt, err := store.db.Prepare(`SELECT ` + threadColumns + ` FROM threads WHERE id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtGetThread = stmt

	if _, err := store.GetThread(context.Background(), "missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("GetThread = %v, want ErrThreadNotFound", err)
	}
}

func TestPostgresStore_AppendStep(t *testing.T) {
	store, mock := newMockPostgres(t)
	now := time.Now().UTC()

	tests := []struct {
		name      string
		step      *models.Step
		setupMock func(sqlmock.Sqlmock)
		wantSeq   int
		wantErr   error
	}{
		{
			name: "first step in thread",
			step: &models.Step{ThreadID: "th-1", Type: models.StepUserMessage, Input: "hi"},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT id FROM threads WHERE id (.+) FOR UPDATE").
					WithArgs("th-1").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("th-1"))
				mock.ExpectQuery(`SELECT MAX\(sequence\) FROM steps`).
					WithArgs("th-1").
					WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
				mock.ExpectExec("INSERT INTO steps").
					WithArgs(sqlmock.AnyArg(), "th-1", "", 1, "user_message", "", "hi", "", false,
						sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("UPDATE threads SET updated_at").
					WithArgs(sqlmock.AnyArg(), "th-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantSeq: 1,
		},
		{
			name: "sequence continues after existing steps",
			step: &models.Step{ThreadID: "th-1", Type: models.StepToolResult, Name: "calculator", StartedAt: now, EndedAt: now},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT id FROM threads WHERE id (.+) FOR UPDATE").
					WithArgs("th-1").
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("th-1"))
				mock.ExpectQuery(`SELECT MAX\(sequence\) FROM steps`).
					WithArgs("th-1").
					WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(7))
				mock.ExpectExec("INSERT INTO steps").
					WithArgs(sqlmock.AnyArg(), "th-1", "", 8, "tool_result", "calculator", "", "", false,
						sqlmock.AnyArg(), now, now).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec("UPDATE threads SET updated_at").
					WithArgs(sqlmock.AnyArg(), "th-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			wantSeq: 8,
		},
		{
			name: "unknown thread",
			step: &models.Step{ThreadID: "missing", Type: models.StepUserMessage},
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT id FROM threads WHERE id (.+) FOR UPDATE").
					WithArgs("missing").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectRollback()
			},
			wantErr: ErrThreadNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setupMock(mock)
			stored, err := store.AppendStep(context.Background(), tt.step)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("AppendStep error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AppendStep: %v", err)
			}
			if stored.Sequence != tt.wantSeq {
				t.Errorf("sequence = %d, want %d", stored.Sequence, tt.wantSeq)
			}
			if stored.ID == "" {
				t.Error("expected a generated step id")
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_DeleteThread(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectPrepare("DELETE FROM threads")
	mock.ExpectExec("DELETE FROM threads").
		WithArgs("th-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM threads").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	stmt, err := store.db.Prepare(`DELETE FROM threads WHERE id = $1`)
	if err != nil {
		t.Fatalf("failed to prepare statement: %v", err)
	}
	store.stmtDeleteThread = stmt

	if err := store.DeleteThread(context.Background(), "th-1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if err := store.DeleteThread(context.Background(), "missing"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("DeleteThread = %v, want ErrThreadNotFound", err)
	}
}

func TestPostgresStore_AddFeedbackRejectsUnknownStep(t *testing.T) {
	store, mock := newMockPostgres(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("step-1", "th-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := store.AddFeedback(context.Background(), &models.Feedback{
		ForID: "step-1", ThreadID: "th-1", Value: 1,
	})
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("AddFeedback = %v, want ErrStepNotFound", err)
	}
}

func TestPostgresStore_AddFeedbackRejectsBadValue(t *testing.T) {
	store, _ := newMockPostgres(t)

	_, err := store.AddFeedback(context.Background(), &models.Feedback{
		ForID: "step-1", ThreadID: "th-1", Value: 5,
	})
	if err == nil {
		t.Fatal("expected validation error for value 5")
	}
}
