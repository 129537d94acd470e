package models

import (
	"fmt"
	"regexp"
	"time"
)

// SessionStatus tracks the lifecycle of a conversation session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

// Session is the durable record of one conversation.
type Session struct {
	ID           string         `json:"id"`
	AgentName    string         `json:"agent_name"`
	UserID       string         `json:"user_id,omitempty"`
	Status       SessionStatus  `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// IsHot reports whether the session was served from the hot tier.
	// Transient; not persisted.
	IsHot bool `json:"is_hot,omitempty"`
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID rejects ids that could not be used safely as store key
// components. Accepted ids match [A-Za-z0-9_-], length 1..128.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id %q: must match [A-Za-z0-9_-]{1,128}", id)
	}
	return nil
}
