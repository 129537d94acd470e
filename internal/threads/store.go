// Package threads persists the chat server's conversation tree: threads,
// their ordered steps, and user feedback. Two backends implement the same
// Store contract, Postgres for shared deployments and embedded SQLite for
// single-node ones.
//
// Steps carry a per-thread sequence assigned by the store; within one
// thread sequences are strictly monotonic, so a transcript read back in
// sequence order replays the conversation exactly.
package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/axonhq/axon/pkg/models"
)

// ErrThreadNotFound is returned when an operation references a thread id
// with no row.
var ErrThreadNotFound = errors.New("thread not found")

// ErrStepNotFound is returned when feedback references a step id with no
// row.
var ErrStepNotFound = errors.New("step not found")

// Store is the persistence contract for the chat server.
type Store interface {
	CreateThread(ctx context.Context, name string) (*models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	ListThreads(ctx context.Context, limit, offset int) ([]*models.Thread, error)
	RenameThread(ctx context.Context, threadID, name string) (*models.Thread, error)

	// DeleteThread removes the thread and cascades to its steps and
	// feedback.
	DeleteThread(ctx context.Context, threadID string) error

	// AppendStep assigns the step an id (when empty) and the next
	// sequence in its thread, then persists it. The stored step is
	// returned.
	AppendStep(ctx context.Context, step *models.Step) (*models.Step, error)

	// Steps returns the thread's steps in sequence order.
	Steps(ctx context.Context, threadID string) ([]*models.Step, error)

	AddFeedback(ctx context.Context, fb *models.Feedback) (*models.Feedback, error)

	Close() error
}

const defaultListLimit = 50

// newThread builds a thread row with a fresh id and matching timestamps.
func newThread(name string) *models.Thread {
	now := time.Now().UTC()
	return &models.Thread{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// newStepID returns a sortable step id. ULIDs order by creation time,
// which keeps secondary indexes append-friendly; Make's monotonic
// entropy keeps ids ordered even within one millisecond.
func newStepID() string {
	return ulid.Make().String()
}

// encodeMetadata serializes step metadata for the JSON column. Nil maps
// store as an empty object so scans never see SQL NULL.
func encodeMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode step metadata: %w", err)
	}
	return payload, nil
}

func decodeMetadata(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode step metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

// clampList applies the shared list defaults.
func clampList(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// validateFeedback rejects out-of-range ratings before they reach a
// backend.
func validateFeedback(fb *models.Feedback) error {
	if fb == nil {
		return fmt.Errorf("feedback is required")
	}
	if fb.ForID == "" {
		return fmt.Errorf("feedback for_id is required")
	}
	if fb.Value < -1 || fb.Value > 1 {
		return fmt.Errorf("feedback value must be -1, 0 or 1, got %d", fb.Value)
	}
	return nil
}
