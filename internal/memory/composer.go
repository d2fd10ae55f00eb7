// Package memory implements the memory composer: per-turn context
// assembly from a sliding message window, durable user facts,
// embedding-based semantic recall, and a running conversation summary.
package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/manthya/agentorch/internal/cache"
	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/internal/repository"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/rs/zerolog"
)

const (
	windowSize          = 50
	recallTopK          = 3
	recallMinSimilarity = 0.7
	compositionTTL      = time.Hour
	summarizeGap        = 20
	summarizeFetchCap   = 100
)

// Embedder produces a fixed-dimensionality embedding vector for text.
// Kept separate from provider.Provider since a backend may use a
// dedicated embeddings model/endpoint rather than its chat model.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Composer assembles per-turn context and drives summarization.
type Composer struct {
	repo     repository.Repository
	embedder Embedder
	llm      provider.Provider
	cache    cache.Cache
	log      zerolog.Logger

	// taskPrompts is keyed by (intent, "tools"|"no_tools").
	taskPrompts map[string]string
}

// NewComposer builds a Composer. taskPrompts maps "INTENT:tools" and
// "INTENT:no_tools" to the task prompt fragment chosen in step 1 of
// composition; a "GENERAL:*" entry is used as the fallback.
func NewComposer(repo repository.Repository, embedder Embedder, llm provider.Provider, c cache.Cache, taskPrompts map[string]string, log zerolog.Logger) *Composer {
	return &Composer{repo: repo, embedder: embedder, llm: llm, cache: c, taskPrompts: taskPrompts, log: log}
}

// Context is the composed per-turn input to the classifier/executor: a
// system prompt prefix and the sliding message window with that prompt
// installed at position 0.
type Context struct {
	SystemPrompt string
	Messages     []models.Message
}

// cachedFragments holds the three expensive-to-build prompt fragments.
// The task prompt is deliberately excluded: it varies per (intent,
// tools-available) while the cache key is conversation-scoped.
type cachedFragments struct {
	UserFacts string `json:"user_facts"`
	Recall    string `json:"recall"`
	Summary   string `json:"summary"`
}

// Compose builds the per-turn Context for conversationID/userID, given
// the latest user text and whether any tools are currently in scope
// (selects the task-prompt variant).
func (c *Composer) Compose(ctx context.Context, conversationID, userID, intentCategory, latestUserText string, toolsAvailable bool) (*Context, error) {
	key := fmt.Sprintf("conversation:%s:context", conversationID)

	var frags cachedFragments
	ok, _ := cache.GetJSON(ctx, c.cache, key, &frags)
	if !ok {
		built, err := c.buildFragments(ctx, conversationID, userID, latestUserText)
		if err != nil {
			return nil, err
		}
		frags = *built
		_ = cache.SetJSON(ctx, c.cache, key, frags, compositionTTL)
	}

	window, err := c.repo.RecentMessages(ctx, conversationID, windowSize)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString(c.taskPrompt(intentCategory, toolsAvailable))
	if frags.UserFacts != "" {
		b.WriteString("\n\n")
		b.WriteString(frags.UserFacts)
	}
	if frags.Recall != "" {
		b.WriteString("\n\n")
		b.WriteString(frags.Recall)
	}
	if frags.Summary != "" {
		b.WriteString("\n\n")
		b.WriteString(frags.Summary)
	}

	return &Context{SystemPrompt: b.String(), Messages: installSystemPrompt(window, b.String())}, nil
}

func installSystemPrompt(window []models.Message, prompt string) []models.Message {
	sysMsg := models.Message{Role: models.RoleSystem, Content: prompt}
	if len(window) > 0 && window[0].Role == models.RoleSystem {
		out := make([]models.Message, len(window))
		copy(out, window)
		out[0] = sysMsg
		return out
	}
	return append([]models.Message{sysMsg}, window...)
}

func (c *Composer) buildFragments(ctx context.Context, conversationID, userID, latestUserText string) (*cachedFragments, error) {
	frags := &cachedFragments{}

	facts, err := c.repo.GetUserMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(facts) > 0 {
		var b strings.Builder
		b.WriteString("User facts:")
		for _, f := range facts {
			b.WriteString("\n- ")
			b.WriteString(f.Content)
		}
		frags.UserFacts = b.String()
	}

	if recall := c.semanticRecall(ctx, userID, latestUserText); recall != "" {
		frags.Recall = recall
	}

	if summary, _, ok, err := c.repo.GetSummary(ctx, conversationID); err == nil && ok && summary != "" {
		frags.Summary = "Conversation summary so far: " + summary
	}

	return frags, nil
}

func (c *Composer) taskPrompt(intentCategory string, toolsAvailable bool) string {
	suffix := "no_tools"
	if toolsAvailable {
		suffix = "tools"
	}
	if p, ok := c.taskPrompts[intentCategory+":"+suffix]; ok {
		return p
	}
	if p, ok := c.taskPrompts["GENERAL:"+suffix]; ok {
		return p
	}
	return "You are a helpful assistant."
}

// EmbedForBackground exposes the composer's embedder to callers that
// need a standalone vector outside of Compose's recall step, such as the
// orchestrator's post-turn background embedding.
func (c *Composer) EmbedForBackground(ctx context.Context, text string) ([]float32, error) {
	return c.embedder.Embed(ctx, text)
}

// semanticRecall returns the formatted recall fragment, or "" if
// embedding generation failed (omitted silently) or no prior
// message cleared the similarity threshold.
func (c *Composer) semanticRecall(ctx context.Context, userID, latestUserText string) string {
	vector, err := c.embedder.Embed(ctx, latestUserText)
	if err != nil {
		c.log.Warn().Err(err).Msg("embedding failed, semantic recall omitted")
		return ""
	}

	matches, err := c.repo.SearchSimilar(ctx, userID, vector, recallTopK, recallMinSimilarity)
	if err != nil || len(matches) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant earlier context:")
	for _, m := range matches {
		b.WriteString("\n- ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// ShouldSummarize reports whether the conversation has accumulated
// enough unsummarized messages to warrant a summarization pass.
func ShouldSummarize(latestSeq, lastSummarizedSeq int) bool {
	return latestSeq-lastSummarizedSeq >= summarizeGap
}

// Summarize fetches min(gap, 100) recent messages and produces (or
// merges into) the conversation's running summary. Failures are logged
// and never returned to the caller — summarization must never block a
// turn.
func (c *Composer) Summarize(ctx context.Context, conversationID string, latestSeq, lastSummarizedSeq int) {
	gap := latestSeq - lastSummarizedSeq
	if gap > summarizeFetchCap {
		gap = summarizeFetchCap
	}
	if gap <= 0 {
		return
	}

	recent, err := c.repo.RecentMessages(ctx, conversationID, gap)
	if err != nil {
		c.log.Warn().Err(err).Msg("summarization: fetch recent messages failed")
		return
	}

	existingSummary, _, hasExisting, err := c.repo.GetSummary(ctx, conversationID)
	if err != nil {
		c.log.Warn().Err(err).Msg("summarization: fetch existing summary failed")
		return
	}

	transcript := renderTranscript(recent)
	newSummary, err := c.callSummarizer(ctx, transcript, 200,
		"Summarize the following conversation excerpt concisely.")
	if err != nil {
		c.log.Warn().Err(err).Msg("summarization: summary call failed")
		return
	}

	final := newSummary
	if hasExisting && existingSummary != "" {
		merged, err := c.callSummarizer(ctx, existingSummary+"\n\n---\n\n"+newSummary, 300,
			"Merge these two summaries of the same ongoing conversation into one consolidated summary.")
		if err != nil {
			c.log.Warn().Err(err).Msg("summarization: merge call failed")
			return
		}
		final = merged
	}

	if err := c.repo.UpdateSummary(ctx, conversationID, final, latestSeq); err != nil {
		c.log.Warn().Err(err).Msg("summarization: write back failed")
	}
}

func (c *Composer) callSummarizer(ctx context.Context, text string, maxTokens int, instruction string) (string, error) {
	res, err := c.llm.Complete(ctx, provider.Request{
		Temperature: 0,
		MaxTokens:   maxTokens,
		Messages: []provider.Message{
			{Role: models.RoleSystem, Content: instruction},
			{Role: models.RoleUser, Content: text},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Message.Content), nil
}

func renderTranscript(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// CosineSimilarity is exported for repository implementations (e.g.
// internal/storage/sqlite) that do in-process similarity scoring rather
// than delegating to a vector-native store.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
