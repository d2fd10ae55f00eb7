// Package sqlite is the Repository implementation used outside of
// tests: a single-file (or in-memory) SQLite database accessed through
// database/sql, with a pure-Go driver so the module needs no cgo.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/manthya/agentorch/internal/memory"
	"github.com/manthya/agentorch/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	last_summarized_seq INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sequence_number INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT NOT NULL DEFAULT '[]',
	tool_call_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	model TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	finish_reason TEXT NOT NULL DEFAULT '',
	embedding TEXT,
	attachments TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME NOT NULL,
	UNIQUE(conversation_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sequence_number);

CREATE TABLE IF NOT EXISTS user_memories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	context TEXT NOT NULL DEFAULT '{}',
	last_accessed DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_memories_user ON user_memories(user_id);
`

// Store is a SQLite-backed internal/repository.Repository.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at dsn ("" or ":memory:" for an
// ephemeral in-process database) and applies the schema.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent turns

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID: uuid.NewString(), UserID: userID, Title: title,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, title, summary, last_summarized_seq, created_at, updated_at)
		 VALUES (?, ?, ?, '', 0, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, summary, last_summarized_seq, created_at, updated_at
		 FROM conversations WHERE id = ?`, id)

	var conv models.Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Summary, &conv.LastSummarizedSeq,
		&conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sequence_number, role, content, tool_calls, tool_call_id,
		        prompt_tokens, completion_tokens, model, latency_ms, finish_reason, embedding, attachments, created_at
		 FROM (
		   SELECT * FROM messages WHERE conversation_id = ? ORDER BY sequence_number DESC LIMIT ?
		 ) ORDER BY sequence_number ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	var nextSeq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = ?`, msg.ConversationID)
	if err := row.Scan(&nextSeq); err != nil {
		return nil, fmt.Errorf("next sequence: %w", err)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SequenceNumber = nextSeq
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	var embedding *string
	if len(msg.Embedding) > 0 {
		raw, err := json.Marshal(msg.Embedding)
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
		s := string(raw)
		embedding = &s
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sequence_number, role, content, tool_calls, tool_call_id,
		                       prompt_tokens, completion_tokens, model, latency_ms, finish_reason, embedding, attachments, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SequenceNumber, string(msg.Role), msg.Content, string(toolCalls), msg.ToolCallID,
		msg.PromptTokens, msg.CompletionTokens, msg.Model, msg.LatencyMS, msg.FinishReason, embedding, string(attachments), msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), msg.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("add message: %w", err)
	}
	return &msg, nil
}

func (s *Store) UpdateMessageEmbedding(ctx context.Context, messageID string, vector []float32) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET embedding = ? WHERE id = ?`, string(raw), messageID)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

// SearchSimilar scores every embedded message belonging to userID's
// conversations against vector in-process and
// returns the top `limit` at or above minSimilarity, highest first.
func (s *Store) SearchSimilar(ctx context.Context, userID string, vector []float32, limit int, minSimilarity float64) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.conversation_id, m.sequence_number, m.role, m.content, m.tool_calls, m.tool_call_id,
		        m.prompt_tokens, m.completion_tokens, m.model, m.latency_ms, m.finish_reason, m.embedding, m.attachments, m.created_at
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.user_id = ? AND m.embedding IS NOT NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}
	defer rows.Close()

	type scored struct {
		msg   models.Message
		score float64
	}
	var candidates []scored
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		score := memory.CosineSimilarity(vector, msg.Embedding)
		if score >= minSimilarity {
			candidates = append(candidates, scored{msg: msg, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]models.Message, len(candidates))
	for i, c := range candidates {
		out[i] = c.msg
	}
	return out, nil
}

func (s *Store) UpdateSummary(ctx context.Context, conversationID, summary string, lastSummarizedSeq int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET summary = ?, last_summarized_seq = ?, updated_at = ? WHERE id = ?`,
		summary, lastSummarizedSeq, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, conversationID string) (string, int, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT summary, last_summarized_seq FROM conversations WHERE id = ?`, conversationID)
	var summary string
	var lastSeq int
	if err := row.Scan(&summary, &lastSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("get summary: %w", err)
	}
	return summary, lastSeq, summary != "", nil
}

func (s *Store) GetUserMemories(ctx context.Context, userID string) ([]models.MemoryFact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, context, last_accessed FROM user_memories WHERE user_id = ? ORDER BY last_accessed DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("get user memories: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryFact
	for rows.Next() {
		var f models.MemoryFact
		var contextRaw string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Content, &contextRaw, &f.LastAccessed); err != nil {
			return nil, fmt.Errorf("scan user memory: %w", err)
		}
		if contextRaw != "" {
			if err := json.Unmarshal([]byte(contextRaw), &f.Context); err != nil {
				return nil, fmt.Errorf("unmarshal memory context: %w", err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddUserMemory is a small extra write path the Repository interface
// doesn't need (facts are written out-of-band) but that any concrete
// store must expose for something to populate the table.
func (s *Store) AddUserMemory(ctx context.Context, fact models.MemoryFact) error {
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.LastAccessed.IsZero() {
		fact.LastAccessed = time.Now().UTC()
	}
	contextRaw, err := json.Marshal(fact.Context)
	if err != nil {
		return fmt.Errorf("marshal memory context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_memories (id, user_id, content, context, last_accessed) VALUES (?, ?, ?, ?, ?)`,
		fact.ID, fact.UserID, fact.Content, string(contextRaw), fact.LastAccessed)
	if err != nil {
		return fmt.Errorf("add user memory: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(rows rowScanner) (models.Message, error) {
	var msg models.Message
	var role string
	var toolCalls, attachments string
	var embedding sql.NullString

	if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SequenceNumber, &role, &msg.Content, &toolCalls, &msg.ToolCallID,
		&msg.PromptTokens, &msg.CompletionTokens, &msg.Model, &msg.LatencyMS, &msg.FinishReason, &embedding, &attachments, &msg.CreatedAt); err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)

	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	if embedding.Valid && embedding.String != "" {
		if err := json.Unmarshal([]byte(embedding.String), &msg.Embedding); err != nil {
			return models.Message{}, fmt.Errorf("unmarshal embedding: %w", err)
		}
	}
	return msg, nil
}
