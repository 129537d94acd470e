package server

import (
	"context"
	"sync"
	"time"

	"github.com/axonhq/axon/internal/memory"
	"github.com/axonhq/axon/pkg/models"
)

// localSessions is the in-process SessionStore fallback used when no
// memory backend is configured. Transcripts live for the life of the
// process only.
type localSessions struct {
	mu   sync.Mutex
	logs map[string][]models.Message
	meta map[string]*models.Session
}

func newLocalSessions() *localSessions {
	return &localSessions{
		logs: make(map[string][]models.Message),
		meta: make(map[string]*models.Session),
	}
}

func (l *localSessions) CreateSessionWithID(_ context.Context, sessionID, agentName, userID string, metadata map[string]any) (*models.Session, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	session := &models.Session{
		ID:        sessionID,
		AgentName: agentName,
		UserID:    userID,
		Status:    models.SessionActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.meta[sessionID] = session
	return session, nil
}

func (l *localSessions) ResumeSession(_ context.Context, sessionID string) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session, ok := l.meta[sessionID]
	if !ok {
		return nil, memory.ErrSessionNotFound
	}
	session.MessageCount = len(l.logs[sessionID])
	return session, nil
}

func (l *localSessions) AddMessages(_ context.Context, sessionID string, msgs []models.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs[sessionID] = append(l.logs[sessionID], msgs...)
	return nil
}

func (l *localSessions) GetMessages(_ context.Context, sessionID string, limit int) ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.logs[sessionID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]models.Message, len(log))
	copy(out, log)
	return out, nil
}

func (l *localSessions) MessageCount(_ context.Context, sessionID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs[sessionID]), nil
}
