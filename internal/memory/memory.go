// Package memory implements the tiered session store: a Redis hot tier
// holding the working transcript and a Postgres cold tier that is the
// source of truth.
//
// Writes land in the hot tier and are checkpointed to the cold tier once
// enough uncheckpointed messages accumulate. A checkpoint overwrites the
// cold copy with the hot snapshot, which keeps the two tiers reconciled
// without tracking per-message deltas. Sessions survive hot-tier eviction:
// resuming a session whose keys expired reloads the transcript from the
// cold tier and marks it active again.
package memory

import (
	"context"
	"errors"
	"time"

	"github.com/axonhq/axon/pkg/models"
)

// ErrSessionNotFound is returned when an operation references a session id
// that has no cold tier row.
var ErrSessionNotFound = errors.New("session not found")

// Hot is the working-set tier. Implemented by HotStore.
type Hot interface {
	AddMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
	MessageCount(ctx context.Context, sessionID string) (int, error)
	Exists(ctx context.Context, sessionID string) (bool, error)
	Clear(ctx context.Context, sessionID string) error
	SetMetadata(ctx context.Context, sessionID string, metadata map[string]any) error
	Metadata(ctx context.Context, sessionID string) (map[string]any, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}

// Cold is the durable tier and source of truth. Implemented by ColdStore.
type Cold interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, filter ListFilter) ([]*models.Session, error)
	SaveMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error)
	ReplaceMessages(ctx context.Context, sessionID string, msgs []models.Message) (int, error)
	LoadMessages(ctx context.Context, sessionID string, limit, offset int) ([]models.Stamped, error)
	MessageCount(ctx context.Context, sessionID string) (int, error)
	ClearMessages(ctx context.Context, sessionID string) error
	StaleSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	Close() error
}

// ListFilter narrows ListSessions output. Zero values match everything.
type ListFilter struct {
	AgentName string
	UserID    string
	Status    models.SessionStatus

	// Limit caps the number of rows returned; 0 means the default of 50.
	Limit  int
	Offset int
}
