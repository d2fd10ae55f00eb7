// Package orchestrator implements the top-level turn state machine:
// the nine-step pipeline from persisting the inbound user message
// through dispatch, persistence, and metrics recording.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/manthya/agentorch/internal/classifier"
	"github.com/manthya/agentorch/internal/executor"
	"github.com/manthya/agentorch/internal/memory"
	"github.com/manthya/agentorch/internal/metrics"
	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/internal/repository"
	"github.com/manthya/agentorch/internal/toolregistry"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Turn is the orchestrator's input for one conversational round.
type Turn struct {
	ConversationID string // empty creates a new conversation
	UserID         string
	Content        string
	Attachments    []models.Attachment
	Model          string
	Temperature    float64
	MaxTokens      int
}

// Orchestrator wires the provider adapter, tool registry, memory
// composer, classifier/planner, and agentic executor into the turn
// pipeline.
type Orchestrator struct {
	repo       repository.Repository
	memory     *memory.Composer
	classifier *classifier.Classifier
	planner    *classifier.Planner
	registry   *toolregistry.Registry
	llm        provider.Provider
	exec       *executor.Executor
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	log        zerolog.Logger

	visionModel string
}

// New builds an Orchestrator.
func New(repo repository.Repository, composer *memory.Composer, clf *classifier.Classifier, planner *classifier.Planner,
	registry *toolregistry.Registry, llm provider.Provider, exec *executor.Executor, m *metrics.Metrics,
	tracer trace.Tracer, visionModel string, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		repo: repo, memory: composer, classifier: clf, planner: planner, registry: registry,
		llm: llm, exec: exec, metrics: m, tracer: tracer, visionModel: visionModel, log: log,
	}
	if exec != nil {
		exec.OnToolExecuted(o.observeTool)
	}
	return o
}

// HandleTurn runs the nine-step pipeline and streams ResponseChunks to
// the caller. The returned channel is closed after its terminal chunk.
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) <-chan models.ResponseChunk {
	out := make(chan models.ResponseChunk)

	go func() {
		defer close(out)

		ctx, span := o.tracer.Start(ctx, "orchestrator.turn")
		defer span.End()
		start := time.Now()

		conv, err := o.resolveConversation(ctx, turn)
		if err != nil {
			o.emitError(out, turn.ConversationID, err)
			return
		}

		// Step 1: persist the user message (idempotent on an identical
		// last user message).
		effectiveContent := o.injectTranscription(turn.Content, turn.Attachments)
		userMsg, err := o.persistUserMessage(ctx, conv.ID, effectiveContent, turn.Attachments)
		if err != nil {
			o.emitError(out, conv.ID, orcherr.New(orcherr.RepositoryFailed, "persist user message", err))
			return
		}

		// Step 2: attachments switch the effective model.
		model := turn.Model
		if hasImageAttachment(turn.Attachments) && o.visionModel != "" {
			model = o.visionModel
		}

		// Step 3: memory context is loaded in step 6 below, once the
		// classified intent that selects the task prompt is known.
		hasAttachment := len(turn.Attachments) > 0

		// Step 4: classify (needs registry categories first).
		categories := o.categoryDescriptions()
		result, err := o.classifier.Classify(ctx, categories, effectiveContent, hasAttachment)
		if err != nil {
			if _, tagged := orcherr.As(err); !tagged {
				err = orcherr.New(orcherr.ProviderUnavailable, "classification failed", err)
			}
			o.emitError(out, conv.ID, err)
			return
		}

		// Step 5: select tools.
		agentic := result.Complexity == classifier.Complex
		toolScope := o.registry.FilterForQuery(result.Intent, effectiveContent, agentic)

		// COMPLEX with zero tools in scope downgrades to SIMPLE
		// before planning; a plan with nothing to call is useless.
		if agentic && len(toolScope) == 0 {
			agentic = false
		}

		if o.metrics != nil {
			o.metrics.Classifications.WithLabelValues(result.Intent, string(result.Complexity)).Inc()
		}

		// Step 6: compose the system prompt.
		memCtx, err := o.memory.Compose(ctx, conv.ID, turn.UserID, result.Intent, effectiveContent, len(toolScope) > 0)
		if err != nil {
			o.emitError(out, conv.ID, orcherr.New(orcherr.RepositoryFailed, "compose memory context", err))
			return
		}

		// Step 7: dispatch.
		var finalContent string
		var finalUsage models.Usage
		if agentic {
			var completed bool
			finalContent, finalUsage, completed = o.dispatchComplex(ctx, conv.ID, model, memCtx, toolScope, effectiveContent, result.Intent, out)
			if !completed {
				// The executor already emitted the error chunk; nothing
				// assistant-side gets persisted for a failed turn.
				return
			}
		} else {
			finalContent, finalUsage, err = o.dispatchSimple(ctx, conv.ID, model, turn.Temperature, turn.MaxTokens, memCtx, toolScope, out)
			if err != nil {
				o.emitError(out, conv.ID, err)
				return
			}
		}

		// Step 8: persist the final assistant message, schedule
		// background embedding, run inline summarization if due.
		assistantMsg := models.Message{
			ConversationID:   conv.ID,
			Role:             models.RoleAssistant,
			Content:          finalContent,
			Model:            model,
			PromptTokens:     finalUsage.PromptTokens,
			CompletionTokens: finalUsage.CompletionTokens,
			LatencyMS:        time.Since(start).Milliseconds(),
		}
		persisted, err := o.repo.AddMessage(ctx, assistantMsg)
		if err != nil {
			o.emitError(out, conv.ID, orcherr.New(orcherr.RepositoryFailed, "persist assistant message", err))
			return
		}

		go o.embedInBackground(context.WithoutCancel(ctx), userMsg)
		go o.embedInBackground(context.WithoutCancel(ctx), persisted)

		if memory.ShouldSummarize(persisted.SequenceNumber, conv.LastSummarizedSeq) {
			o.memory.Summarize(ctx, conv.ID, persisted.SequenceNumber, conv.LastSummarizedSeq)
		}

		// Step 9: record metrics.
		if o.metrics != nil {
			o.metrics.TurnDuration.WithLabelValues(result.Intent).Observe(time.Since(start).Seconds())
		}
	}()

	return out
}

func (o *Orchestrator) resolveConversation(ctx context.Context, turn Turn) (*models.Conversation, error) {
	if turn.ConversationID == "" {
		return o.repo.CreateConversation(ctx, turn.UserID, "")
	}
	conv, err := o.repo.GetConversation(ctx, turn.ConversationID)
	if err != nil {
		return nil, orcherr.New(orcherr.RepositoryFailed, "load conversation", err)
	}
	if conv == nil {
		// An unresolvable conversation id is an InvalidRequest, not
		// a silent new conversation under the supplied id.
		return nil, orcherr.New(orcherr.InvalidRequest, "unknown conversation: "+turn.ConversationID, nil)
	}
	return conv, nil
}

func (o *Orchestrator) persistUserMessage(ctx context.Context, conversationID, content string, attachments []models.Attachment) (*models.Message, error) {
	recent, err := o.repo.RecentMessages(ctx, conversationID, 1)
	if err == nil && len(recent) == 1 && recent[0].Role == models.RoleUser && recent[0].Content == content {
		return &recent[0], nil
	}
	return o.repo.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		Attachments:    attachments,
	})
}

func hasImageAttachment(attachments []models.Attachment) bool {
	for _, a := range attachments {
		if a.Type == "image" {
			return true
		}
	}
	return false
}

// injectTranscription prepends "[Audio transcription]: <text>" once for
// any audio/video attachment carrying a transcription.
func (o *Orchestrator) injectTranscription(content string, attachments []models.Attachment) string {
	for _, a := range attachments {
		if (a.Type == "audio" || a.Type == "video") && a.Transcription != "" {
			return fmt.Sprintf("[Audio transcription]: %s\n\n%s", a.Transcription, content)
		}
	}
	return content
}

// categoryDescriptions builds the classifier prompt's category list from
// whatever the registry currently holds. The well-known categories get a
// tailored description; dynamically discovered ones fall back to a
// generic line.
func (o *Orchestrator) categoryDescriptions() []classifier.CategoryDescription {
	cats := o.registry.Categories()
	out := make([]classifier.CategoryDescription, len(cats))
	for i, c := range cats {
		var desc string
		switch c {
		case "GIT":
			desc = "Version control, commits, branches, diffs, blame."
		case "FILESYSTEM":
			desc = "Reading/writing files, listing directories, searching files."
		case "FETCH":
			desc = "Web requests, URLs, downloading content from the internet."
		case toolregistry.CategoryGeneral:
			desc = "General knowledge, coding advice, greetings, math, explanations."
		default:
			desc = fmt.Sprintf("Tools for %s operations.", strings.ToLower(c))
		}
		out[i] = classifier.CategoryDescription{Name: c, Description: desc}
	}
	return out
}

func (o *Orchestrator) embedInBackground(ctx context.Context, msg *models.Message) {
	// Embedding generation itself lives behind memory.Embedder, reached
	// through the composer; the orchestrator only needs to schedule and
	// persist it. Failure is logged and otherwise invisible since this
	// task is detached from the turn's lifetime.
	vector, err := o.memory.EmbedForBackground(ctx, msg.Content)
	if err != nil {
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("background embedding failed")
		return
	}
	if err := o.repo.UpdateMessageEmbedding(ctx, msg.ID, vector); err != nil {
		o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("embedding write-back failed")
	}
}
