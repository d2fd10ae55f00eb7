package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/manthya/agentorch/internal/cache"
	"github.com/manthya/agentorch/internal/classifier"
	"github.com/manthya/agentorch/internal/executor"
	"github.com/manthya/agentorch/internal/memory"
	"github.com/manthya/agentorch/internal/metrics"
	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/internal/toolregistry"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

// fakeRepo is an in-memory Repository covering exactly what the
// orchestrator's turn pipeline exercises.
type fakeRepo struct {
	mu                sync.Mutex
	conv              *models.Conversation
	messages          []models.Message
	seq               int
	summary           string
	lastSummarizedSeq int
	memories          []models.MemoryFact
	embedded          map[string][]float32
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		conv:     &models.Conversation{ID: "conv1", UserID: "user1"},
		embedded: map[string][]float32{},
	}
}

func (r *fakeRepo) CreateConversation(ctx context.Context, userID, title string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conv = &models.Conversation{ID: "conv1", UserID: userID, Title: title}
	return r.conv, nil
}

func (r *fakeRepo) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conv != nil && r.conv.ID == id {
		return r.conv, nil
	}
	return nil, nil
}

func (r *fakeRepo) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit >= len(r.messages) {
		return append([]models.Message{}, r.messages...), nil
	}
	return append([]models.Message{}, r.messages[len(r.messages)-limit:]...), nil
}

func (r *fakeRepo) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	msg.SequenceNumber = r.seq
	msg.ID = "msg" + string(rune('0'+r.seq))
	r.messages = append(r.messages, msg)
	stored := r.messages[len(r.messages)-1]
	return &stored, nil
}

func (r *fakeRepo) UpdateMessageEmbedding(ctx context.Context, messageID string, vector []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embedded[messageID] = vector
	return nil
}

func (r *fakeRepo) SearchSimilar(ctx context.Context, userID string, vector []float32, limit int, minSimilarity float64) ([]models.Message, error) {
	return nil, nil
}

func (r *fakeRepo) UpdateSummary(ctx context.Context, conversationID, summary string, lastSummarizedSeq int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = summary
	r.lastSummarizedSeq = lastSummarizedSeq
	return nil
}

func (r *fakeRepo) GetSummary(ctx context.Context, conversationID string) (string, int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summary == "" {
		return "", 0, false, nil
	}
	return r.summary, r.lastSummarizedSeq, true, nil
}

func (r *fakeRepo) GetUserMemories(ctx context.Context, userID string) ([]models.MemoryFact, error) {
	return r.memories, nil
}

// fakeEmbedder always succeeds with a fixed vector.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

// scriptedProvider returns fixed chunk scripts for Stream, in call order.
type scriptedProvider struct {
	streamScripts [][]provider.Chunk
	call          int
}

func (p *scriptedProvider) Name() string                     { return "scripted" }
func (p *scriptedProvider) HealthCheck(context.Context) bool { return true }
func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (*provider.CompleteResult, error) {
	return &provider.CompleteResult{Message: provider.Message{Content: "INTENT: GENERAL\nCOMPLEXITY: SIMPLE"}}, nil
}
func (p *scriptedProvider) Stream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	idx := p.call
	p.call++
	script := p.streamScripts[idx]
	ch := make(chan provider.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestOrchestrator(t *testing.T, repo *fakeRepo, chatLLM *scriptedProvider) *Orchestrator {
	t.Helper()
	return newTestOrchestratorWithRegistry(t, repo, chatLLM, toolregistry.New())
}

func newTestOrchestratorWithRegistry(t *testing.T, repo *fakeRepo, chatLLM *scriptedProvider, registry *toolregistry.Registry) *Orchestrator {
	t.Helper()
	log := zerolog.Nop()

	clf := classifier.New(classifyClient{})
	planner := classifier.NewPlanner(classifyClient{})

	composer := memory.NewComposer(repo, fakeEmbedder{}, chatLLM, cache.NewMemoryCache(),
		map[string]string{"GENERAL:no_tools": "You are a helpful assistant."}, log)
	exec := executor.New(chatLLM, registry)
	m := metrics.New()
	tracer := otel.Tracer("orchestrator-test")

	return New(repo, composer, clf, planner, registry, chatLLM, exec, m, tracer, "", log)
}

// classifyClient always classifies as GENERAL/SIMPLE, so every turn in
// these tests takes the SIMPLE dispatch path.
type classifyClient struct{}

func (classifyClient) Name() string                     { return "classify" }
func (classifyClient) HealthCheck(context.Context) bool { return true }
func (classifyClient) Complete(ctx context.Context, req provider.Request) (*provider.CompleteResult, error) {
	return &provider.CompleteResult{Message: provider.Message{Content: "INTENT: GENERAL\nCOMPLEXITY: SIMPLE"}}, nil
}
func (classifyClient) Stream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	return nil, nil
}

func drainChunkChan(ch <-chan models.ResponseChunk) []models.ResponseChunk {
	var out []models.ResponseChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestHandleTurnSimpleGreetingNoTools(t *testing.T) {
	repo := newFakeRepo()
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{{TextDelta: "Hello there!"}, {Done: true, Usage: &models.Usage{PromptTokens: 3, CompletionTokens: 2}}},
	}}
	o := newTestOrchestrator(t, repo, chatLLM)

	chunks := drainChunkChan(o.HandleTurn(context.Background(), Turn{
		ConversationID: "conv1", UserID: "user1", Content: "hi",
	}))

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "Hello there!", last.Content)
	assert.Nil(t, last.Error)
}

func TestHandleTurnUnknownConversationIsInvalidRequest(t *testing.T) {
	repo := newFakeRepo()
	chatLLM := &scriptedProvider{}
	o := newTestOrchestrator(t, repo, chatLLM)

	chunks := drainChunkChan(o.HandleTurn(context.Background(), Turn{
		ConversationID: "does-not-exist", UserID: "user1", Content: "hi",
	}))

	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Error)
	assert.Equal(t, "bad_request", chunks[0].Error.Category)
	assert.False(t, chunks[0].Done, "an error-terminated stream carries no done=true chunk")
}

func TestHandleTurnPersistsUserAndAssistantMessages(t *testing.T) {
	repo := newFakeRepo()
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{{TextDelta: "ok"}, {Done: true}},
	}}
	o := newTestOrchestrator(t, repo, chatLLM)

	drainChunkChan(o.HandleTurn(context.Background(), Turn{ConversationID: "conv1", UserID: "user1", Content: "hi"}))

	require.Len(t, repo.messages, 2)
	assert.Equal(t, models.RoleUser, repo.messages[0].Role)
	assert.Equal(t, models.RoleAssistant, repo.messages[1].Role)
	assert.Equal(t, "ok", repo.messages[1].Content)
}

func TestHandleTurnIdempotentOnRepeatedUserMessage(t *testing.T) {
	repo := newFakeRepo()
	repo.messages = []models.Message{{ID: "msg1", Role: models.RoleUser, Content: "hi", SequenceNumber: 1}}
	repo.seq = 1
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{{TextDelta: "ok"}, {Done: true}},
	}}
	o := newTestOrchestrator(t, repo, chatLLM)

	drainChunkChan(o.HandleTurn(context.Background(), Turn{ConversationID: "conv1", UserID: "user1", Content: "hi"}))

	// Only the assistant reply should have been appended; the identical
	// leading user message must not be duplicated.
	require.Len(t, repo.messages, 2)
	assert.Equal(t, models.RoleAssistant, repo.messages[1].Role)
}

func TestHandleTurnOneShotToolCallPersistsFullSequence(t *testing.T) {
	repo := newFakeRepo()
	registry := toolregistry.New()
	require.NoError(t, registry.Register(toolregistry.LocalTool{
		Name: "list_directory", Description: "lists files",
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "main.go\nREADME.md", nil
		},
	}))
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{
			{ToolCallDeltas: []models.ToolCall{{ID: "call1", Name: "list_directory", Arguments: json.RawMessage(`{}`)}}},
			{Done: true, Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 4}},
		},
		{{TextDelta: "The directory contains main.go and README.md."}, {Done: true, Usage: &models.Usage{PromptTokens: 20, CompletionTokens: 9}}},
	}}
	o := newTestOrchestratorWithRegistry(t, repo, chatLLM, registry)

	chunks := drainChunkChan(o.HandleTurn(context.Background(), Turn{
		ConversationID: "conv1", UserID: "user1", Content: "List the files in the current directory",
	}))

	var sawExecuting bool
	for _, c := range chunks {
		if c.Status != "" {
			sawExecuting = sawExecuting || c.Status == "Executing list_directory..."
		}
	}
	assert.True(t, sawExecuting)
	last := chunks[len(chunks)-1]
	require.True(t, last.Done)
	assert.Contains(t, last.Content, "main.go")

	// user, assistant-with-tool-calls, tool result, final assistant.
	require.Len(t, repo.messages, 4)
	assert.Equal(t, models.RoleUser, repo.messages[0].Role)
	assert.Equal(t, models.RoleAssistant, repo.messages[1].Role)
	require.Len(t, repo.messages[1].ToolCalls, 1)
	assert.Equal(t, models.RoleTool, repo.messages[2].Role)
	assert.Equal(t, "call1", repo.messages[2].ToolCallID)
	assert.Contains(t, repo.messages[2].Content, "main.go")
	assert.Equal(t, models.RoleAssistant, repo.messages[3].Role)
	assert.Empty(t, repo.messages[3].ToolCalls)
}

func TestHandleTurnToolFailureIsRecovered(t *testing.T) {
	repo := newFakeRepo()
	registry := toolregistry.New()
	require.NoError(t, registry.Register(toolregistry.LocalTool{
		Name: "git_status", Description: "shows status",
		Run: func(context.Context, json.RawMessage) (string, error) {
			return "", assertErr("timed out")
		},
	}))
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{
			{ToolCallDeltas: []models.ToolCall{{ID: "call1", Name: "git_status", Arguments: json.RawMessage(`{}`)}}},
			{Done: true},
		},
		{{TextDelta: "I could not check the status."}, {Done: true}},
	}}
	o := newTestOrchestratorWithRegistry(t, repo, chatLLM, registry)

	chunks := drainChunkChan(o.HandleTurn(context.Background(), Turn{
		ConversationID: "conv1", UserID: "user1", Content: "check git status",
	}))

	last := chunks[len(chunks)-1]
	assert.True(t, last.Done, "a recovered tool failure still ends with a terminal chunk")
	for _, c := range chunks {
		assert.Nil(t, c.Error)
	}

	require.Len(t, repo.messages, 4)
	assert.Equal(t, models.RoleTool, repo.messages[2].Role)
	assert.True(t, strings.HasPrefix(repo.messages[2].Content, "Error executing git_status:"),
		"got %q", repo.messages[2].Content)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestHandleTurnInjectsAudioTranscription(t *testing.T) {
	repo := newFakeRepo()
	chatLLM := &scriptedProvider{streamScripts: [][]provider.Chunk{
		{{TextDelta: "got it"}, {Done: true}},
	}}
	o := newTestOrchestrator(t, repo, chatLLM)

	drainChunkChan(o.HandleTurn(context.Background(), Turn{
		ConversationID: "conv1", UserID: "user1", Content: "what did I say?",
		Attachments: []models.Attachment{{Type: "audio", Transcription: "buy more coffee"}},
	}))

	require.NotEmpty(t, repo.messages)
	assert.Contains(t, repo.messages[0].Content, "buy more coffee")
}
