// Package provider implements the provider adapter: a uniform
// Complete/Stream interface over heterogeneous LLM backends, including
// best-effort recovery of tool calls a backend only emitted as plain
// text.
package provider

import (
	"context"
	"time"

	"github.com/manthya/agentorch/pkg/models"
)

// Message is one entry of a completion request's conversation history.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolCallID  string
	Attachments []models.Attachment
}

// Request bundles everything a Provider needs to produce a completion.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec
}

// ToolSpec is the subset of models.ToolDescriptor a provider needs to
// advertise a callable tool to the underlying LLM API.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Chunk is one element of a Stream. The sequence is finite and
// terminates either with Done=true or, on failure, with a chunk carrying
// Err; Usage is only ever populated on the Done=true chunk.
type Chunk struct {
	TextDelta      string
	ToolCallDeltas []models.ToolCall
	Usage          *models.Usage
	Done           bool
	Err            error
}

// CompleteResult is the non-streaming Complete() return value.
type CompleteResult struct {
	Message   Message
	Usage     models.Usage
	LatencyMS int64
}

// Provider is the uniform LLM backend interface.
type Provider interface {
	// Complete performs one non-streaming completion.
	Complete(ctx context.Context, req Request) (*CompleteResult, error)
	// Stream performs one streaming completion; the returned channel is
	// closed after the terminal chunk (Done=true, or one carrying Err) is
	// sent.
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	// HealthCheck reports whether the backend currently appears reachable.
	HealthCheck(ctx context.Context) bool
	// Name identifies the provider for logging/metrics.
	Name() string
}

// drainStream collects a Stream into a single CompleteResult, letting an
// adapter implement Complete in terms of its Stream path instead of
// maintaining two SDK call sites.
func drainStream(ctx context.Context, p Provider, req Request) (*CompleteResult, error) {
	start := time.Now()
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var msg Message
	msg.Role = models.RoleAssistant
	var text string
	toolByID := map[string]models.ToolCall{}
	var order []string
	var usage models.Usage

	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		text += chunk.TextDelta
		for _, tc := range chunk.ToolCallDeltas {
			if _, seen := toolByID[tc.ID]; !seen {
				order = append(order, tc.ID)
			}
			toolByID[tc.ID] = tc
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	msg.Content = text
	for _, id := range order {
		msg.ToolCalls = append(msg.ToolCalls, toolByID[id])
	}

	return &CompleteResult{
		Message:   msg,
		Usage:     usage,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
