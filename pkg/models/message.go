// Package models defines the entities shared across the orchestrator:
// conversations, messages, tool calls, memory facts, and tool descriptors.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Conversation is a single chat thread owned by a user.
type Conversation struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Title             string    `json:"title,omitempty"`
	Summary           string    `json:"summary,omitempty"`
	LastSummarizedSeq int       `json:"last_summarized_seq"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is one turn's worth of content in a conversation. Messages are
// append-only and ordered by SequenceNumber within a Conversation.
type Message struct {
	ID               string       `json:"id"`
	ConversationID   string       `json:"conversation_id"`
	Role             Role         `json:"role"`
	Content          string       `json:"content"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID       string       `json:"tool_call_id,omitempty"`
	SequenceNumber   int          `json:"sequence_number"`
	PromptTokens     int          `json:"prompt_tokens,omitempty"`
	CompletionTokens int          `json:"completion_tokens,omitempty"`
	Model            string       `json:"model,omitempty"`
	LatencyMS        int64        `json:"latency_ms,omitempty"`
	FinishReason     string       `json:"finish_reason,omitempty"`
	Embedding        []float32    `json:"embedding,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Attachment represents a file or media attachment on a message. Data
// carries the base64 payload for image attachments so provider adapters
// can forward it to the underlying API.
type Attachment struct {
	ID            string `json:"id"`
	Type          string `json:"type"` // image, audio, video, document
	URL           string `json:"url"`
	MimeType      string `json:"mime_type,omitempty"`
	Data          string `json:"data,omitempty"`
	Transcription string `json:"transcription,omitempty"`
}

// ToolCall is an LLM's request to execute a tool, carried on an assistant
// message.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// MemoryFact is a durable per-user fact written out-of-band and read on
// every turn by the Memory Composer.
type MemoryFact struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	Context      map[string]any `json:"context,omitempty"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// ToolOrigin distinguishes a locally-implemented tool from one discovered
// from a remote tool server.
type ToolOrigin string

const (
	ToolOriginLocal  ToolOrigin = "local"
	ToolOriginRemote ToolOrigin = "remote"
)

// ToolDescriptor is the registry's view of a callable tool: enough to
// present to an LLM and enough to route a call to its implementation.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Origin      ToolOrigin     `json:"origin"`
	Source      string         `json:"source,omitempty"`   // remote server name; empty for local
	Category    string         `json:"category,omitempty"` // upper-cased; "GENERAL" for local tools
}
