package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType discriminates the agent message union.
type MessageType string

const (
	// MessageRequest asks an agent to perform work.
	MessageRequest MessageType = "request"
	// MessageResponse carries an agent's answer.
	MessageResponse MessageType = "response"
	// MessageHandoff passes intermediate output to the next agent in a chain.
	MessageHandoff MessageType = "handoff"
	// MessageBroadcast fans the same content out to several agents.
	MessageBroadcast MessageType = "broadcast"
	// MessageError reports a failed step inside a conversation.
	MessageError MessageType = "error"
)

// Valid reports whether t is a known message variant.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRequest, MessageResponse, MessageHandoff, MessageBroadcast, MessageError:
		return true
	}
	return false
}

// AgentMessage is one entry in a multi-agent conversation transcript.
// IDs are ULIDs so transcripts sort by creation order.
type AgentMessage struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	From           string            `json:"from"`
	To             string            `json:"to,omitempty"`
	Type           MessageType       `json:"message_type"`
	Content        string            `json:"content"`
	Confidence     float64           `json:"confidence,omitempty"`
	Iteration      int               `json:"iteration,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// UnmarshalJSON rejects unknown message variants instead of defaulting them.
func (m *AgentMessage) UnmarshalJSON(b []byte) error {
	type plain AgentMessage
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if !p.Type.Valid() {
		return fmt.Errorf("message_type %q: %w", p.Type, ErrInvalidArgument)
	}
	*m = AgentMessage(p)
	return nil
}
