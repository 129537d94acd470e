package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// TieredStore orchestrates the hot and cold tiers. The hot tier serves
// reads and absorbs writes; the cold tier is the source of truth and is
// reconciled by checkpointing. hot may be nil, in which case every
// operation goes straight to the cold tier.
type TieredStore struct {
	hot     Hot
	cold    Cold
	logger  *observability.Logger
	metrics *observability.Metrics

	// threshold is the dirty message count that triggers an automatic
	// checkpoint; 0 disables it.
	threshold int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	dirty map[string]*dirtyState
}

// dirtyState tracks messages appended since the last checkpoint.
type dirtyState struct {
	count int
	since time.Time
}

// TieredOption configures a TieredStore.
type TieredOption func(*TieredStore)

// WithCheckpointThreshold sets the dirty message count that triggers an
// automatic checkpoint. 0 disables automatic checkpointing.
func WithCheckpointThreshold(n int) TieredOption {
	return func(t *TieredStore) {
		t.threshold = n
	}
}

// WithMetrics attaches session metrics.
func WithMetrics(m *observability.Metrics) TieredOption {
	return func(t *TieredStore) {
		t.metrics = m
	}
}

// NewTieredStore builds a store over the given tiers. hot may be nil for
// a cold-only deployment.
func NewTieredStore(hot Hot, cold Cold, logger *observability.Logger, opts ...TieredOption) *TieredStore {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	t := &TieredStore{
		hot:       hot,
		cold:      cold,
		logger:    logger,
		threshold: 50,
		locks:     make(map[string]*sync.Mutex),
		dirty:     make(map[string]*dirtyState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Close releases both tiers.
func (t *TieredStore) Close() error {
	var errs []error
	if t.hot != nil {
		if err := t.hot.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.cold.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CreateSession creates a session with a generated id.
func (t *TieredStore) CreateSession(ctx context.Context, agentName, userID string, metadata map[string]any) (*models.Session, error) {
	return t.CreateSessionWithID(ctx, uuid.NewString(), agentName, userID, metadata)
}

// CreateSessionWithID creates a session under a caller-chosen id. The
// cold row is written first; hot metadata is a mirror and its failure
// does not fail the create.
func (t *TieredStore) CreateSessionWithID(ctx context.Context, sessionID, agentName, userID string, metadata map[string]any) (*models.Session, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

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

	if err := t.cold.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if t.hot != nil {
		if err := t.hot.SetMetadata(ctx, sessionID, mirrorMetadata(session)); err != nil {
			t.logger.Warn(ctx, "failed to mirror session metadata to hot tier",
				"session_id", sessionID, "error", err)
		} else {
			session.IsHot = true
		}
	}

	t.mu.Lock()
	t.dirty[sessionID] = &dirtyState{}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordSessionOp("create", "cold")
		t.metrics.TrackActiveSession(agentName, 1)
	}
	t.logger.Info(ctx, "session created", "session_id", sessionID, "agent", agentName)
	return session, nil
}

// ResumeSession returns a session ready for appends. If the session is
// still hot it is served as-is; otherwise the transcript is reloaded from
// the cold tier and the session is marked active again.
func (t *TieredStore) ResumeSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	if t.hot != nil {
		hot, err := t.hot.Exists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if hot {
			if t.metrics != nil {
				t.metrics.RecordHotRead(true)
			}
			meta, err := t.hot.Metadata(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			count, err := t.hot.MessageCount(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			t.logger.Info(ctx, "resumed hot session", "session_id", sessionID, "messages", count)
			return &models.Session{
				ID:           sessionID,
				AgentName:    metaString(meta, "agent_name"),
				UserID:       metaString(meta, "user_id"),
				Status:       models.SessionActive,
				Metadata:     meta,
				MessageCount: count,
				IsHot:        true,
			}, nil
		}
		if t.metrics != nil {
			t.metrics.RecordHotRead(false)
		}
	}

	session, err := t.cold.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	stamped, err := t.cold.LoadMessages(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}

	wasActive := session.Status == models.SessionActive
	if t.hot != nil {
		if len(stamped) > 0 {
			msgs := make([]models.Message, len(stamped))
			for i, st := range stamped {
				msgs[i] = st.Message
			}
			if err := t.hot.AddMessages(ctx, sessionID, msgs); err != nil {
				return nil, err
			}
		}
		session.Status = models.SessionActive
		if err := t.hot.SetMetadata(ctx, sessionID, mirrorMetadata(session)); err != nil {
			t.logger.Warn(ctx, "failed to mirror session metadata to hot tier",
				"session_id", sessionID, "error", err)
		}
	}

	if err := t.cold.UpdateStatus(ctx, sessionID, models.SessionActive); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.dirty[sessionID] = &dirtyState{}
	t.mu.Unlock()

	if t.metrics != nil && !wasActive {
		t.metrics.TrackActiveSession(session.AgentName, 1)
	}

	session.Status = models.SessionActive
	session.MessageCount = len(stamped)
	session.IsHot = t.hot != nil
	t.logger.Info(ctx, "resumed cold session", "session_id", sessionID, "messages", len(stamped))
	return session, nil
}

// AddMessage appends one message to the session.
func (t *TieredStore) AddMessage(ctx context.Context, sessionID string, msg models.Message) error {
	return t.AddMessages(ctx, sessionID, []models.Message{msg})
}

// AddMessages appends messages to the hot tier and checkpoints when the
// dirty count reaches the threshold. With no hot tier the messages go
// straight to the cold tier.
func (t *TieredStore) AddMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if t.hot == nil {
		if _, err := t.cold.SaveMessages(ctx, sessionID, msgs); err != nil {
			return err
		}
		if t.metrics != nil {
			t.metrics.RecordSessionOp("append", "cold")
		}
		return nil
	}

	if err := t.hot.AddMessages(ctx, sessionID, msgs); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.RecordSessionOp("append", "hot")
	}

	dirty := t.markDirty(sessionID, len(msgs))
	if t.threshold > 0 && dirty >= t.threshold {
		t.logger.Debug(ctx, "auto checkpoint triggered", "session_id", sessionID, "dirty", dirty)
		if _, err := t.Checkpoint(ctx, sessionID); err != nil {
			return fmt.Errorf("auto checkpoint failed: %w", err)
		}
	}
	return nil
}

// GetMessages returns the last limit messages (all when limit <= 0),
// served from the hot tier when present.
func (t *TieredStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	if t.hot != nil {
		hot, err := t.hot.Exists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if hot {
			if t.metrics != nil {
				t.metrics.RecordHotRead(true)
			}
			return t.hot.Messages(ctx, sessionID, limit)
		}
		if t.metrics != nil {
			t.metrics.RecordHotRead(false)
		}
	}

	offset := 0
	if limit > 0 {
		count, err := t.cold.MessageCount(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if count > limit {
			offset = count - limit
		}
	}
	stamped, err := t.cold.LoadMessages(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	msgs := make([]models.Message, len(stamped))
	for i, st := range stamped {
		msgs[i] = st.Message
	}
	return msgs, nil
}

// MessageCount returns the current message count, preferring the hot tier.
func (t *TieredStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	if t.hot != nil {
		hot, err := t.hot.Exists(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		if hot {
			return t.hot.MessageCount(ctx, sessionID)
		}
	}
	return t.cold.MessageCount(ctx, sessionID)
}

// Checkpoint flushes the hot transcript to the cold tier, overwriting the
// stored copy. Runs under the per-session lock so concurrent checkpoints
// cannot interleave. Returns the number of messages persisted.
func (t *TieredStore) Checkpoint(ctx context.Context, sessionID string) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	if t.hot == nil {
		return 0, nil
	}

	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	msgs, err := t.hot.Messages(ctx, sessionID, 0)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		t.resetDirty(sessionID)
		return 0, nil
	}

	saved, err := t.cold.ReplaceMessages(ctx, sessionID, msgs)
	if err != nil {
		return 0, err
	}
	t.resetDirty(sessionID)

	if t.metrics != nil {
		t.metrics.RecordSessionOp("checkpoint", "cold")
	}
	t.logger.Info(ctx, "session checkpointed", "session_id", sessionID, "messages", saved)
	return saved, nil
}

// CloseSession checkpoints, marks the cold row closed, and drops the hot
// tier keys.
func (t *TieredStore) CloseSession(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	if _, err := t.Checkpoint(ctx, sessionID); err != nil {
		return err
	}

	session, err := t.cold.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := t.cold.UpdateStatus(ctx, sessionID, models.SessionClosed); err != nil {
		return err
	}

	if t.hot != nil {
		if err := t.hot.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
	}

	t.mu.Lock()
	delete(t.dirty, sessionID)
	t.mu.Unlock()

	if t.metrics != nil && session.Status == models.SessionActive {
		t.metrics.TrackActiveSession(session.AgentName, -1)
	}
	t.logger.Info(ctx, "session closed", "session_id", sessionID)
	return nil
}

// ArchiveSession marks an idle session archived and evicts its hot keys.
// The transcript stays in the cold tier.
func (t *TieredStore) ArchiveSession(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	session, err := t.cold.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := t.cold.UpdateStatus(ctx, sessionID, models.SessionArchived); err != nil {
		return err
	}
	if t.hot != nil {
		if err := t.hot.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
	}

	t.mu.Lock()
	delete(t.dirty, sessionID)
	t.mu.Unlock()

	if t.metrics != nil && session.Status == models.SessionActive {
		t.metrics.TrackActiveSession(session.AgentName, -1)
	}
	t.logger.Info(ctx, "session archived", "session_id", sessionID)
	return nil
}

// DeleteSession removes the session from both tiers and drops its lock.
// Deleting a session that is already gone is not an error.
func (t *TieredStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	var agentName string
	wasActive := false
	if session, err := t.cold.GetSession(ctx, sessionID); err == nil {
		agentName = session.AgentName
		wasActive = session.Status == models.SessionActive
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	if t.hot != nil {
		if err := t.hot.DeleteSession(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := t.cold.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	t.mu.Lock()
	delete(t.dirty, sessionID)
	delete(t.locks, sessionID)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.RecordSessionOp("delete", "cold")
		if wasActive {
			t.metrics.TrackActiveSession(agentName, -1)
		}
	}
	t.logger.Info(ctx, "session deleted", "session_id", sessionID)
	return nil
}

// GetSession returns the cold tier view of a session, overlaid with live
// hot tier state when the session is hot.
func (t *TieredStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := t.cold.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if t.hot != nil {
		hot, err := t.hot.Exists(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if hot {
			session.IsHot = true
			count, err := t.hot.MessageCount(ctx, sessionID)
			if err != nil {
				return nil, err
			}
			session.MessageCount = count
		}
	}
	return session, nil
}

// ListSessions queries the cold tier and stamps each result with its hot
// tier presence.
func (t *TieredStore) ListSessions(ctx context.Context, filter ListFilter) ([]*models.Session, error) {
	sessions, err := t.cold.ListSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if t.hot != nil {
		for _, session := range sessions {
			hot, err := t.hot.Exists(ctx, session.ID)
			if err != nil {
				return nil, err
			}
			session.IsHot = hot
		}
	}
	return sessions, nil
}

// ClearMessages drops the transcript in both tiers but keeps the session.
func (t *TieredStore) ClearMessages(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}

	lock := t.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if t.hot != nil {
		if err := t.hot.Clear(ctx, sessionID); err != nil {
			return err
		}
	}
	if err := t.cold.ClearMessages(ctx, sessionID); err != nil {
		return err
	}
	t.resetDirty(sessionID)
	return nil
}

// DirtyCount returns the number of messages appended since the last
// checkpoint for a session.
func (t *TieredStore) DirtyCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.dirty[sessionID]; ok {
		return state.count
	}
	return 0
}

// DirtySessions returns session ids with uncheckpointed messages whose
// first dirty append is at least minAge old. minAge 0 returns all dirty
// sessions.
func (t *TieredStore) DirtySessions(minAge time.Duration) []string {
	cutoff := time.Now().Add(-minAge)
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, state := range t.dirty {
		if state.count > 0 && !state.since.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (t *TieredStore) sessionLock(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[sessionID] = lock
	}
	return lock
}

func (t *TieredStore) markDirty(sessionID string, n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.dirty[sessionID]
	if !ok {
		state = &dirtyState{}
		t.dirty[sessionID] = state
	}
	if state.count == 0 {
		state.since = time.Now()
	}
	state.count += n
	return state.count
}

func (t *TieredStore) resetDirty(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if state, ok := t.dirty[sessionID]; ok {
		state.count = 0
		state.since = time.Time{}
	}
}

// mirrorMetadata builds the hot tier metadata mirror: user metadata plus
// the reserved session fields.
func mirrorMetadata(session *models.Session) map[string]any {
	meta := make(map[string]any, len(session.Metadata)+4)
	for k, v := range session.Metadata {
		meta[k] = v
	}
	meta["agent_name"] = session.AgentName
	meta["user_id"] = session.UserID
	meta["status"] = string(models.SessionActive)
	if !session.CreatedAt.IsZero() {
		meta["created_at"] = session.CreatedAt.Format(time.RFC3339)
	}
	return meta
}

func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
