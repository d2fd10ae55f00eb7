package models

// Usage carries token accounting for one LLM call. Fields are
// always present; zero means "unknown", never "omitted".
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add returns the sum of u and the usage of a subsequent round; u itself
// is not modified.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
	}
}

// ResponseChunk is one element of the caller-facing streaming contract.
// A turn produces a finite sequence of chunks; callers must stop
// consuming after the first Done=true chunk.
type ResponseChunk struct {
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content,omitempty"`
	Status         string      `json:"status,omitempty"`
	ToolCalls      []ToolCall  `json:"tool_calls,omitempty"`
	Usage          *Usage      `json:"usage,omitempty"`
	Error          *ChunkError `json:"error,omitempty"`
	Done           bool        `json:"done"`
}

// ChunkError is the single-chunk error shape for a terminated-by-error
// turn; no further chunks follow it.
type ChunkError struct {
	Category string `json:"category"` // provider_unavailable, bad_request, internal
	Detail   string `json:"detail"`
}
