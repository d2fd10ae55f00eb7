package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI is a Provider backed by the Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI builds an OpenAI provider. apiKey must be non-empty.
func NewOpenAI(apiKey, defaultModel string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, orcherr.New(orcherr.InvalidRequest, "openai: API key is required", nil)
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAI{
		client:       openai.NewClient(apiKey),
		defaultModel: defaultModel,
		maxRetries:   3,
		retryDelay:   time.Second,
	}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) HealthCheck(ctx context.Context) bool {
	_, err := p.client.ListModels(ctx)
	return err == nil
}

func (p *OpenAI) model(req Request) string {
	if req.Model == "" {
		return p.defaultModel
	}
	return req.Model
}

func (p *OpenAI) toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		if parts := imageParts(m); len(parts) > 0 {
			cm.Content = ""
			if m.Content != "" {
				parts = append([]openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Content}}, parts...)
			}
			cm.MultiContent = parts
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

// imageParts converts a message's image attachments to data-URL content
// parts, the Chat Completions form of a base64 image payload.
func imageParts(m Message) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, a := range m.Attachments {
		if a.Type != "image" || a.Data == "" {
			continue
		}
		mediaType := a.MimeType
		if mediaType == "" {
			mediaType = "image/png"
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mediaType, a.Data)},
		})
	}
	return parts
}

func (p *OpenAI) toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAI) Complete(ctx context.Context, req Request) (*CompleteResult, error) {
	return drainStream(ctx, p, req)
}

// Stream issues a streaming chat completion, retrying transient failures
// (429/5xx/timeouts) with a linear backoff before the stream opens. Once
// opened, stream-level errors are surfaced without retry — the caller
// already has partial content it cannot safely replay.
func (p *OpenAI) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model(req),
		Messages:    p.toOpenAIMessages(req.Messages),
		Temperature: float32(req.Temperature),
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.toOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableOpenAIError(lastErr) {
			return nil, orcherr.New(orcherr.ProviderUnavailable, "openai request failed", lastErr)
		}
	}
	if lastErr != nil {
		return nil, orcherr.New(orcherr.ProviderUnavailable, "openai: max retries exceeded", lastErr)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		toolByIndex := map[int]*models.ToolCall{}
		var order []int
		var usage models.Usage

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				out <- Chunk{Err: orcherr.New(orcherr.ProviderProtocol, "openai stream error", err)}
				return
			}
			if resp.Usage != nil {
				usage.PromptTokens = resp.Usage.PromptTokens
				usage.CompletionTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				out <- Chunk{TextDelta: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := toolByIndex[idx]
				if !ok {
					existing = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name}
					toolByIndex[idx] = existing
					order = append(order, idx)
				}
				existing.Arguments = append(existing.Arguments, []byte(tc.Function.Arguments)...)
			}
		}

		var deltas []models.ToolCall
		for _, idx := range order {
			tc := *toolByIndex[idx]
			if len(tc.Arguments) == 0 {
				tc.Arguments = json.RawMessage("{}")
			}
			deltas = append(deltas, tc)
		}
		if len(deltas) > 0 {
			out <- Chunk{ToolCallDeltas: deltas}
		}
		out <- Chunk{Done: true, Usage: &usage}
	}()
	return out, nil
}

func isRetryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
