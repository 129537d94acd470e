package agent

import (
	"context"
	"sync"

	"github.com/axonhq/axon/pkg/models"
)

// Memory is the slice of the session store the orchestrator needs: an
// append-only message log per session. The tiered store satisfies it;
// Buffer provides a process-local fallback.
type Memory interface {
	AddMessages(ctx context.Context, sessionID string, msgs []models.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error)
}

// Buffer is an in-process Memory for agents that are not bound to a
// persistent session store. Safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	logs map[string][]models.Message
}

// NewBuffer creates an empty in-process message log.
func NewBuffer() *Buffer {
	return &Buffer{logs: make(map[string][]models.Message)}
}

// AddMessages appends messages to the session's log.
func (b *Buffer) AddMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[sessionID] = append(b.logs[sessionID], msgs...)
	return nil
}

// GetMessages returns the session's log in order. A positive limit
// returns only the most recent limit messages.
func (b *Buffer) GetMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.logs[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]models.Message, len(log))
	copy(out, log)
	return out, nil
}

// Len returns the number of messages held for the session.
func (b *Buffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.logs[sessionID])
}
