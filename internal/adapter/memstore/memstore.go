// Package memstore provides the conversation memory backends selected by
// AGENT_MEMORY_BACKEND: a sqlite store for durable single-node setups, a
// plain-file store for constrained environments, and an in-memory store
// backing unit tests.
package memstore

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

// Open returns the memory store for the configured backend. dir is created
// when missing.
func Open(backend, dir string) (domain.MemoryStore, error) {
	switch backend {
	case "sqlite", "":
		return OpenSQLite(dir)
	case "file":
		return OpenFile(dir)
	case "memory":
		return NewInMemory(), nil
	default:
		return nil, fmt.Errorf("memory backend %q: %w", backend, domain.ErrInvalidArgument)
	}
}

// safeName maps a conversation ID onto a filesystem-safe token so IDs can
// never escape the store directory.
func safeName(conversationID string) string {
	var b strings.Builder
	b.Grow(len(conversationID))
	for _, r := range conversationID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
