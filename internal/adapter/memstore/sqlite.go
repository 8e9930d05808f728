package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/agent-orchestrator/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL,
	content TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	iteration INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id, id);
`

// SQLiteStore persists conversations and telemetry in a single sqlite file
// running in WAL mode.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (creating if needed) the store under dir.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		filepath.Join(dir, "agent_memory.db"))
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory store: %w", err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply memory schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type messageRow struct {
	ID             string  `db:"id"`
	ConversationID string  `db:"conversation_id"`
	FromAgent      string  `db:"from_agent"`
	ToAgent        string  `db:"to_agent"`
	MessageType    string  `db:"message_type"`
	Content        string  `db:"content"`
	Confidence     float64 `db:"confidence"`
	Iteration      int     `db:"iteration"`
	Metadata       string  `db:"metadata"`
	CreatedAt      string  `db:"created_at"`
}

func (r messageRow) toMessage() (domain.AgentMessage, error) {
	m := domain.AgentMessage{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		From:           r.FromAgent,
		To:             r.ToAgent,
		Type:           domain.MessageType(r.MessageType),
		Content:        r.Content,
		Confidence:     r.Confidence,
		Iteration:      r.Iteration,
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &m.Metadata); err != nil {
			return m, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return m, fmt.Errorf("decode message timestamp: %w", err)
	}
	m.CreatedAt = ts
	return m, nil
}

// StoreMessage appends one transcript entry. Missing IDs and timestamps are
// filled so callers can stay terse.
func (s *SQLiteStore) StoreMessage(ctx domain.Context, m domain.AgentMessage) error {
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
	meta := ""
	if len(m.Metadata) > 0 {
		raw, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("encode message metadata: %w", err)
		}
		meta = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, from_agent, to_agent, message_type, content, confidence, iteration, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.From, m.To, string(m.Type), m.Content,
		m.Confidence, m.Iteration, meta, m.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// Conversation returns up to limit most recent messages in chronological
// order. limit <= 0 returns the whole transcript.
func (s *SQLiteStore) Conversation(ctx domain.Context, conversationID string, limit int) ([]domain.AgentMessage, error) {
	var rows []messageRow
	var err error
	if limit > 0 {
		// ULID ids sort by creation, so the window is the id-descending head.
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM (
				SELECT id, conversation_id, from_agent, to_agent, message_type, content, confidence, iteration, metadata, created_at
				FROM messages WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, conversationID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT id, conversation_id, from_agent, to_agent, message_type, content, confidence, iteration, metadata, created_at
			 FROM messages WHERE conversation_id = ? ORDER BY id ASC`, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	msgs := make([]domain.AgentMessage, 0, len(rows))
	for _, r := range rows {
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// ClearConversation drops every message of the conversation.
func (s *SQLiteStore) ClearConversation(ctx domain.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// RecordEvent stores one telemetry event.
func (s *SQLiteStore) RecordEvent(ctx domain.Context, e domain.TelemetryEvent) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := ""
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, kind, conversation_id, agent_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.ConversationID, e.AgentID, payload,
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Events returns telemetry for a conversation in id order, for inspection
// and tests.
func (s *SQLiteStore) Events(ctx domain.Context, conversationID string) ([]domain.TelemetryEvent, error) {
	type eventRow struct {
		ID             string `db:"id"`
		Kind           string `db:"kind"`
		ConversationID string `db:"conversation_id"`
		AgentID        string `db:"agent_id"`
		Payload        string `db:"payload"`
		CreatedAt      string `db:"created_at"`
	}
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, kind, conversation_id, agent_id, payload, created_at
		 FROM events WHERE conversation_id = ? ORDER BY id ASC`, conversationID); err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	events := make([]domain.TelemetryEvent, 0, len(rows))
	for _, r := range rows {
		e := domain.TelemetryEvent{ID: r.ID, Kind: r.Kind, ConversationID: r.ConversationID, AgentID: r.AgentID}
		if r.Payload != "" {
			if err := json.Unmarshal([]byte(r.Payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode event timestamp: %w", err)
		}
		e.CreatedAt = ts
		events = append(events, e)
	}
	return events, nil
}

// Ping verifies the underlying database is reachable. Used by readiness.
func (s *SQLiteStore) Ping(ctx domain.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes and closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close memory store: %w", err)
	}
	return nil
}

var _ domain.MemoryStore = (*SQLiteStore)(nil)
