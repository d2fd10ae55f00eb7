package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.InvalidRequest, kind)
}

func TestAnthropicConfigSanitizeDefaults(t *testing.T) {
	cfg := AnthropicConfig{APIKey: "sk-ant-test"}
	cfg.sanitize()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.NotZero(t, cfg.RetryDelay)
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.DefaultModel)
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	_, err := NewOpenAI("", "")
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.InvalidRequest, kind)
}

func TestOpenAIDefaultModel(t *testing.T) {
	p, err := NewOpenAI("sk-test", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.model(Request{}))
	assert.Equal(t, "gpt-4-turbo", p.model(Request{Model: "gpt-4-turbo"}))
}

func TestIsRetryableOpenAIError(t *testing.T) {
	assert.True(t, isRetryableOpenAIError(errors.New("rate limit exceeded")))
	assert.True(t, isRetryableOpenAIError(errors.New("connection reset by peer")))
	assert.False(t, isRetryableOpenAIError(errors.New("invalid api key")))
}

type stubProvider struct {
	chunks []Chunk
}

func (s *stubProvider) Name() string                     { return "stub" }
func (s *stubProvider) HealthCheck(context.Context) bool { return true }
func (s *stubProvider) Complete(ctx context.Context, req Request) (*CompleteResult, error) {
	return drainStream(ctx, s, req)
}
func (s *stubProvider) Stream(context.Context, Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestDrainStreamAccumulatesTextAndUsage(t *testing.T) {
	p := &stubProvider{chunks: []Chunk{
		{TextDelta: "hel"},
		{TextDelta: "lo"},
		{Done: true, Usage: &models.Usage{PromptTokens: 5, CompletionTokens: 2}},
	}}
	res, err := p.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Message.Content)
	assert.Equal(t, 5, res.Usage.PromptTokens)
	assert.Equal(t, 2, res.Usage.CompletionTokens)
}

func TestDrainStreamPropagatesChunkError(t *testing.T) {
	boom := errors.New("boom")
	p := &stubProvider{chunks: []Chunk{{Err: boom}}}
	_, err := p.Complete(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
}

func TestDrainStreamDedupesToolCallsByID(t *testing.T) {
	p := &stubProvider{chunks: []Chunk{
		{ToolCallDeltas: []models.ToolCall{{ID: "1", Name: "search", Arguments: []byte(`{"q":"a"}`)}}},
		{ToolCallDeltas: []models.ToolCall{{ID: "1", Name: "search", Arguments: []byte(`{"q":"ab"}`)}}},
		{Done: true},
	}}
	res, err := p.Complete(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, res.Message.ToolCalls, 1)
	assert.JSONEq(t, `{"q":"ab"}`, string(res.Message.ToolCalls[0].Arguments))
}
