package models

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownMessageType is returned when a payload carries a type tag
// outside the closed variant set. Decoding fails rather than guessing.
type ErrUnknownMessageType struct {
	Tag string
}

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type %q (expected one of system, user, assistant, tool_call, tool_result)", e.Tag)
}

var messageFactories = map[MessageType]func() Message{
	MessageTypeSystem:     func() Message { return &SystemMessage{} },
	MessageTypeUser:       func() Message { return &UserMessage{} },
	MessageTypeAssistant:  func() Message { return &AssistantMessage{} },
	MessageTypeToolCall:   func() Message { return &ToolCallMessage{} },
	MessageTypeToolResult: func() Message { return &ToolResultMessage{} },
}

// MarshalMessage encodes a message variant with its type tag. The tag field
// is stamped from the variant's Type() so a zero-constructed struct still
// round-trips.
func MarshalMessage(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("cannot marshal nil message")
	}
	stampTag(m)
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Type(), err)
	}
	return data, nil
}

// UnmarshalMessage decodes a tagged payload into its concrete variant.
// Unknown tags return ErrUnknownMessageType.
func UnmarshalMessage(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode message envelope: %w", err)
	}
	factory, ok := messageFactories[MessageType(head.Type)]
	if !ok {
		return nil, &ErrUnknownMessageType{Tag: head.Type}
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", head.Type, err)
	}
	stampTag(msg)
	return msg, nil
}

func stampTag(m Message) {
	switch v := m.(type) {
	case *SystemMessage:
		v.Tag = MessageTypeSystem
	case *UserMessage:
		v.Tag = MessageTypeUser
	case *AssistantMessage:
		v.Tag = MessageTypeAssistant
	case *ToolCallMessage:
		v.Tag = MessageTypeToolCall
	case *ToolResultMessage:
		v.Tag = MessageTypeToolResult
	}
}
