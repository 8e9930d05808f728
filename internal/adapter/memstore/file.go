package memstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const eventsFile = "events.jsonl"

// FileStore keeps one JSON-lines file per conversation plus a shared
// events.jsonl. Append handles stay open for the store's lifetime and are
// fsynced on Close.
type FileStore struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// OpenFile opens the file-backed store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &FileStore{dir: dir, files: make(map[string]*os.File)}, nil
}

func (s *FileStore) handle(name string) (*os.File, error) {
	if f, ok := s.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memory file %s: %w", name, err)
	}
	s.files[name] = f
	return f, nil
}

func (s *FileStore) appendLine(name string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode memory record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.handle(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append memory record: %w", err)
	}
	return nil
}

// StoreMessage appends the message to <conversation>.jsonl.
func (s *FileStore) StoreMessage(_ domain.Context, m domain.AgentMessage) error {
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
	return s.appendLine(safeName(m.ConversationID)+".jsonl", m)
}

// Conversation reads the transcript and returns the trailing window in
// chronological order. limit <= 0 returns everything.
func (s *FileStore) Conversation(_ domain.Context, conversationID string, limit int) ([]domain.AgentMessage, error) {
	path := filepath.Join(s.dir, safeName(conversationID)+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open conversation file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var msgs []domain.AgentMessage
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var m domain.AgentMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode conversation line: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read conversation file: %w", err)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// ClearConversation removes the transcript file.
func (s *FileStore) ClearConversation(_ domain.Context, conversationID string) error {
	name := safeName(conversationID) + ".jsonl"
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[name]; ok {
		_ = f.Close()
		delete(s.files, name)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove conversation file: %w", err)
	}
	return nil
}

// RecordEvent appends the event to events.jsonl.
func (s *FileStore) RecordEvent(_ domain.Context, e domain.TelemetryEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.appendLine(eventsFile, e)
}

// Ping verifies the store directory is still writable.
func (s *FileStore) Ping(_ domain.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("memory dir unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("memory path %s is not a directory", s.dir)
	}
	return nil
}

// Close fsyncs and closes every open handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for name, f := range s.files {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sync %s: %w", name, err)
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
		delete(s.files, name)
	}
	return firstErr
}

var _ domain.MemoryStore = (*FileStore)(nil)
