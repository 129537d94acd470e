package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axonhq/axon/internal/observability"
	"github.com/axonhq/axon/pkg/models"
)

// HotConfig holds configuration for the Redis hot tier.
type HotConfig struct {
	// URL is a redis connection URL (redis://host:port/db).
	URL string

	// KeyPrefix namespaces all keys written by this store.
	KeyPrefix string

	// TTL is applied to session keys on every write; 0 disables expiry.
	TTL time.Duration

	// MaxMessages caps the transcript length per session; older entries
	// are trimmed on write. 0 disables trimming.
	MaxMessages int

	ConnectTimeout time.Duration
}

// DefaultHotConfig returns default configuration.
func DefaultHotConfig() *HotConfig {
	return &HotConfig{
		URL:            "redis://localhost:6379/0",
		KeyPrefix:      "axon",
		TTL:            time.Hour,
		MaxMessages:    200,
		ConnectTimeout: 10 * time.Second,
	}
}

// HotStore is the Redis-backed working transcript for active sessions.
//
// Each session owns two keys: an ordered list of serialized messages and a
// hash of session metadata. Every message write runs in a MULTI/EXEC
// pipeline that appends, trims to MaxMessages, and refreshes the TTL on
// both keys so neither can outlive the other.
type HotStore struct {
	client *redis.Client
	logger *observability.Logger

	prefix string
	ttl    time.Duration
	max    int
}

// NewHotStore connects to Redis and verifies the connection.
func NewHotStore(cfg *HotConfig, logger *observability.Logger) (*HotStore, error) {
	if cfg == nil {
		cfg = DefaultHotConfig()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info(ctx, "hot tier connected", "addr", opts.Addr, "db", opts.DB)
	return NewHotStoreWithClient(client, cfg, logger), nil
}

// NewHotStoreWithClient wraps an existing Redis client. The caller owns
// connectivity checks.
func NewHotStoreWithClient(client *redis.Client, cfg *HotConfig, logger *observability.Logger) *HotStore {
	if cfg == nil {
		cfg = DefaultHotConfig()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "axon"
	}
	return &HotStore{
		client: client,
		logger: logger,
		prefix: prefix,
		ttl:    cfg.TTL,
		max:    cfg.MaxMessages,
	}
}

// Close releases the underlying connection pool.
func (h *HotStore) Close() error {
	return h.client.Close()
}

func (h *HotStore) msgKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:messages", h.prefix, sessionID)
}

func (h *HotStore) metaKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:meta", h.prefix, sessionID)
}

// AddMessage appends one message to the session transcript.
func (h *HotStore) AddMessage(ctx context.Context, sessionID string, msg models.Message) error {
	return h.AddMessages(ctx, sessionID, []models.Message{msg})
}

// AddMessages appends messages in a single transactional pipeline that
// also trims the list and refreshes the TTL on both session keys.
func (h *HotStore) AddMessages(ctx context.Context, sessionID string, msgs []models.Message) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := models.MarshalMessage(msg)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := h.msgKey(sessionID)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if h.max > 0 {
			pipe.LTrim(ctx, key, int64(-h.max), -1)
		}
		if h.ttl > 0 {
			pipe.Expire(ctx, key, h.ttl)
			pipe.Expire(ctx, h.metaKey(sessionID), h.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

// Messages returns the session transcript in order. A positive limit
// returns only the last limit entries.
func (h *HotStore) Messages(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := h.client.LRange(ctx, h.msgKey(sessionID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	msgs := make([]models.Message, 0, len(raw))
	for i, item := range raw {
		msg, err := models.UnmarshalMessage([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("failed to decode hot message %d for session %s: %w", i, sessionID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// MessageCount returns the number of messages currently in the hot tier.
func (h *HotStore) MessageCount(ctx context.Context, sessionID string) (int, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	n, err := h.client.LLen(ctx, h.msgKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

// Exists reports whether the session has any hot tier state.
func (h *HotStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return false, err
	}
	n, err := h.client.Exists(ctx, h.msgKey(sessionID), h.metaKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return n > 0, nil
}

// Clear deletes the session transcript but keeps the metadata hash.
func (h *HotStore) Clear(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := h.client.Del(ctx, h.msgKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return nil
}

// SetMetadata stores session metadata as a hash. Non-string values are
// JSON encoded.
func (h *HotStore) SetMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}

	flat := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if s, ok := v.(string); ok {
			flat[k] = s
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode metadata field %q: %w", k, err)
		}
		flat[k] = string(data)
	}

	key := h.metaKey(sessionID)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, flat)
		if h.ttl > 0 {
			pipe.Expire(ctx, key, h.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}
	return nil
}

// Metadata returns the session metadata hash. Values that decode as JSON
// are returned decoded; everything else comes back as a string.
func (h *HotStore) Metadata(ctx context.Context, sessionID string) (map[string]any, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	raw, err := h.client.HGetAll(ctx, h.metaKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

// RefreshTTL resets the expiry on both session keys.
func (h *HotStore) RefreshTTL(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if h.ttl <= 0 {
		return nil
	}
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Expire(ctx, h.msgKey(sessionID), h.ttl)
		pipe.Expire(ctx, h.metaKey(sessionID), h.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh ttl: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of the transcript key. Redis reports
// -1s for keys without expiry and -2s for missing keys.
func (h *HotStore) TTL(ctx context.Context, sessionID string) (time.Duration, error) {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return 0, err
	}
	d, err := h.client.TTL(ctx, h.msgKey(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read ttl: %w", err)
	}
	return d, nil
}

// DeleteSession removes both session keys.
func (h *HotStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := models.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := h.client.Del(ctx, h.msgKey(sessionID), h.metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session keys: %w", err)
	}
	return nil
}
