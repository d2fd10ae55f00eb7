package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
)

// AnthropicConfig configures an Anthropic-backed Provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

func (c *AnthropicConfig) sanitize() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.DefaultModel == "" {
		c.DefaultModel = "claude-sonnet-4-20250514"
	}
}

// Anthropic is a Provider backed by Anthropic's Messages API. Transient
// failures (rate limits, 5xx, timeouts, connection resets) are retried
// with exponential backoff; anything else is surfaced immediately as
// ProviderUnavailable or ProviderProtocol.
type Anthropic struct {
	client anthropic.Client
	cfg    AnthropicConfig
}

// NewAnthropic builds an Anthropic provider from config.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, orcherr.New(orcherr.InvalidRequest, "anthropic: API key is required", nil)
	}
	cfg.sanitize()

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) HealthCheck(ctx context.Context) bool {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	return err == nil
}

func (p *Anthropic) model(req Request) string {
	if req.Model == "" {
		return p.cfg.DefaultModel
	}
	return req.Model
}

func (p *Anthropic) maxTokens(req Request) int64 {
	if req.MaxTokens <= 0 {
		return 4096
	}
	return int64(req.MaxTokens)
}

func (p *Anthropic) buildParams(req Request) (anthropic.MessageNewParams, error) {
	var system string
	var msgs []anthropic.MessageParam

	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Role == models.RoleTool {
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		} else if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, a := range m.Attachments {
			if a.Type == "image" && a.Data != "" {
				mediaType := a.MimeType
				if mediaType == "" {
					mediaType = "image/png"
				}
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, a.Data))
			}
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: invalid tool call arguments: %w", err)
				}
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req)),
		Messages:  msgs,
		MaxTokens: p.maxTokens(req),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		for _, t := range req.Tools {
			params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(
				anthropic.ToolInputSchemaParam{Properties: t.Parameters["properties"]},
				t.Name,
			))
		}
	}
	return params, nil
}

func (p *Anthropic) Complete(ctx context.Context, req Request) (*CompleteResult, error) {
	return drainStream(ctx, p, req)
}

func (p *Anthropic) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, orcherr.New(orcherr.ProviderProtocol, "build request", err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)

		var stream *anthropicStream
		var lastErr error
		for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
			stream, lastErr = p.openStream(ctx, params)
			if lastErr == nil {
				break
			}
			if !isRetryableAnthropicError(lastErr) {
				out <- Chunk{Err: orcherr.New(orcherr.ProviderUnavailable, "anthropic request failed", lastErr)}
				return
			}
			if attempt == p.cfg.MaxRetries {
				break
			}
			backoff := p.cfg.RetryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}
		if lastErr != nil {
			out <- Chunk{Err: orcherr.New(orcherr.ProviderUnavailable, "anthropic: max retries exceeded", lastErr)}
			return
		}

		stream.drainInto(out)
	}()
	return out, nil
}

// anthropicStream wraps the SDK's SSE stream so the retry loop above can
// treat "open the stream" and "consume events" as distinct steps.
type anthropicStream struct {
	raw *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

func (p *Anthropic) openStream(ctx context.Context, params anthropic.MessageNewParams) (*anthropicStream, error) {
	s := p.client.Messages.NewStreaming(ctx, params)
	// NewStreaming issues the HTTP request up front; a failed request
	// (connection error, non-2xx status) is already reported by Err.
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &anthropicStream{raw: s}, nil
}

func (s *anthropicStream) drainInto(out chan<- Chunk) {
	var currentTool *models.ToolCall
	var toolInput strings.Builder
	var usage models.Usage

	for s.raw.Next() {
		event := s.raw.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.PromptTokens = int(ms.Message.Usage.InputTokens)

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			if cb.Type == "tool_use" {
				tu := cb.AsToolUse()
				currentTool = &models.ToolCall{ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- Chunk{TextDelta: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentTool != nil {
				currentTool.Arguments = []byte(toolInput.String())
				out <- Chunk{ToolCallDeltas: []models.ToolCall{*currentTool}}
				currentTool = nil
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(md.Usage.OutputTokens)
			}
		}
	}

	if err := s.raw.Err(); err != nil {
		out <- Chunk{Err: orcherr.New(orcherr.ProviderProtocol, "anthropic stream error", err)}
		return
	}
	out <- Chunk{Done: true, Usage: &usage}
}

func isRetryableAnthropicError(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate_limit", "429", "too many requests", "timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host", "internal server error", "bad gateway", "service unavailable"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
