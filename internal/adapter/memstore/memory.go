package memstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// InMemoryStore is the test double for domain.MemoryStore. It is also a
// usable backend for throwaway runs (AGENT_MEMORY_BACKEND=memory).
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]domain.AgentMessage
	events        []domain.TelemetryEvent
	closed        bool

	// FailStores makes StoreMessage fail, for exercising telemetry and
	// error paths in tests.
	FailStores bool
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{conversations: make(map[string][]domain.AgentMessage)}
}

func (s *InMemoryStore) StoreMessage(_ domain.Context, m domain.AgentMessage) error {
	if s.FailStores {
		return fmt.Errorf("memory store unavailable: %w", domain.ErrInternal)
	}
	if m.ConversationID == "" {
		return fmt.Errorf("conversation id required: %w", domain.ErrInvalidArgument)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("message_type %q: %w", m.Type, domain.ErrInvalidArgument)
	}
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed: %w", domain.ErrInternal)
	}
	s.conversations[m.ConversationID] = append(s.conversations[m.ConversationID], m)
	return nil
}

func (s *InMemoryStore) Conversation(_ domain.Context, conversationID string, limit int) ([]domain.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.conversations[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]domain.AgentMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) ClearConversation(_ domain.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}

func (s *InMemoryStore) RecordEvent(_ domain.Context, e domain.TelemetryEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed: %w", domain.ErrInternal)
	}
	s.events = append(s.events, e)
	return nil
}

// Events returns recorded telemetry, optionally filtered by conversation.
func (s *InMemoryStore) Events(conversationID string) []domain.TelemetryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if conversationID == "" {
		out := make([]domain.TelemetryEvent, len(s.events))
		copy(out, s.events)
		return out
	}
	var out []domain.TelemetryEvent
	for _, e := range s.events {
		if e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	return out
}

func (s *InMemoryStore) Ping(_ domain.Context) error { return nil }

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ domain.MemoryStore = (*InMemoryStore)(nil)
