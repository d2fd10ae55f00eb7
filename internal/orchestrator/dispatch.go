package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manthya/agentorch/internal/memory"
	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/pkg/models"
)

// dispatchSimple handles a SIMPLE turn: one streamed
// call with the selected tools attached, at most one round of sequential
// tool execution, then a synthesis call with tools withheld so the model
// must answer in prose.
func (o *Orchestrator) dispatchSimple(ctx context.Context, conversationID, model string, temperature float64, maxTokens int,
	memCtx *memory.Context, toolScope []models.ToolDescriptor, out chan<- models.ResponseChunk) (string, models.Usage, error) {

	messages := toProviderMessages(memCtx.Messages)

	chunks, err := o.llm.Stream(ctx, provider.Request{
		Model: model, Messages: messages, Temperature: temperature, MaxTokens: maxTokens, Tools: toToolSpecs(toolScope),
	})
	if err != nil {
		return "", models.Usage{}, orcherr.New(orcherr.ProviderUnavailable, "stream failed", err)
	}

	text, calls, usage, err := drainChunks(chunks)
	if err != nil {
		return "", models.Usage{}, orcherr.New(orcherr.ProviderUnavailable, "stream failed", err)
	}

	if len(calls) == 0 {
		out <- models.ResponseChunk{ConversationID: conversationID, Content: text, Usage: &usage, Done: true}
		return text, usage, nil
	}

	// Persist the tool-calling assistant message before execution so the
	// role=tool messages that follow always have their antecedent on disk.
	if _, err := o.repo.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        text,
		ToolCalls:      calls,
	}); err != nil {
		return "", usage, orcherr.New(orcherr.RepositoryFailed, "persist tool-calling assistant message", err)
	}

	messages = append(messages, provider.Message{Role: models.RoleAssistant, Content: text, ToolCalls: calls})
	for _, tc := range calls {
		out <- models.ResponseChunk{ConversationID: conversationID, Status: fmt.Sprintf("Executing %s...", tc.Name)}

		result, execErr := o.executeTool(ctx, tc)
		status := fmt.Sprintf("%s done", tc.Name)
		if execErr != nil {
			result = fmt.Sprintf("Error executing %s: %s", tc.Name, execErr.Error())
			status = fmt.Sprintf("%s failed", tc.Name)
		}
		out <- models.ResponseChunk{ConversationID: conversationID, Status: status}

		if _, err := o.repo.AddMessage(ctx, models.Message{
			ConversationID: conversationID,
			Role:           models.RoleTool,
			Content:        result,
			ToolCallID:     tc.ID,
		}); err != nil {
			return "", usage, orcherr.New(orcherr.RepositoryFailed, "persist tool result message", err)
		}

		messages = append(messages, provider.Message{Role: models.RoleTool, Content: result, ToolCallID: tc.ID})
	}

	synthChunks, err := o.llm.Stream(ctx, provider.Request{Model: model, Messages: messages, Temperature: temperature, MaxTokens: maxTokens})
	if err != nil {
		return "", usage, orcherr.New(orcherr.ProviderUnavailable, "synthesis stream failed", err)
	}
	finalText, _, finalUsage, err := drainChunks(synthChunks)
	if err != nil {
		return "", usage, orcherr.New(orcherr.ProviderUnavailable, "synthesis stream failed", err)
	}

	total := usage.Add(finalUsage)
	out <- models.ResponseChunk{ConversationID: conversationID, Content: finalText, Usage: &total, Done: true}
	return finalText, total, nil
}

// dispatchComplex handles a COMPLEX turn: plan, then hand off to the
// Agentic Executor, forwarding every chunk it produces verbatim.
// completed is false when the executor ended with an error chunk instead
// of a terminal Done chunk; the caller must not persist an assistant
// message in that case.
func (o *Orchestrator) dispatchComplex(ctx context.Context, conversationID, model string, memCtx *memory.Context,
	toolScope []models.ToolDescriptor, query, intentCategory string, out chan<- models.ResponseChunk) (content string, usage models.Usage, completed bool) {

	toolNames := make([]string, len(toolScope))
	for i, t := range toolScope {
		toolNames[i] = t.Name
	}

	plan, err := o.planner.Plan(ctx, query, toolNames)
	if err != nil {
		plan = []string{"Analyze the request and provide a comprehensive answer"}
	}

	messages := toProviderMessages(memCtx.Messages)

	for chunk := range o.exec.Run(ctx, conversationID, model, messages, plan, toolScope, intentCategory) {
		out <- chunk
		if chunk.Done {
			completed = true
			content = chunk.Content
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
		}
	}
	return content, usage, completed
}

func (o *Orchestrator) executeTool(ctx context.Context, tc models.ToolCall) (string, error) {
	resolved, err := o.registry.Resolve(tc.Name)
	if err != nil {
		o.observeTool(tc.Name, 0, err)
		return "", err
	}
	args := tc.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	start := time.Now()
	result, err := resolved.Execute(ctx, args)
	o.observeTool(tc.Name, time.Since(start), err)
	return result, err
}

// observeTool records one tool execution's duration and outcome. It
// also serves as the executor's observation callback for COMPLEX turns.
func (o *Orchestrator) observeTool(name string, duration time.Duration, err error) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if kind, ok := orcherr.KindOf(err); ok {
			outcome = string(kind)
		}
	}
	o.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
	o.metrics.ToolDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func toProviderMessages(msgs []models.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{
			Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls,
			ToolCallID: m.ToolCallID, Attachments: m.Attachments,
		}
	}
	return out
}

func toToolSpecs(descs []models.ToolDescriptor) []provider.ToolSpec {
	out := make([]provider.ToolSpec, len(descs))
	for i, d := range descs {
		out[i] = provider.ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

func drainChunks(chunks <-chan provider.Chunk) (string, []models.ToolCall, models.Usage, error) {
	var text strings.Builder
	toolByID := map[string]models.ToolCall{}
	var order []string
	var usage models.Usage

	for c := range chunks {
		if c.Err != nil {
			return "", nil, usage, c.Err
		}
		text.WriteString(c.TextDelta)
		for _, tc := range c.ToolCallDeltas {
			if _, seen := toolByID[tc.ID]; !seen {
				order = append(order, tc.ID)
			}
			toolByID[tc.ID] = tc
		}
		if c.Usage != nil {
			usage = *c.Usage
		}
	}

	calls := make([]models.ToolCall, 0, len(order))
	for _, id := range order {
		calls = append(calls, toolByID[id])
	}

	content := text.String()
	if len(calls) == 0 {
		if remaining, shim := provider.ExtractTextToolCalls(content); len(shim) > 0 {
			content, calls = remaining, shim
		}
	}

	return content, calls, usage, nil
}

// emitError reports a single error chunk and ends the stream. Done is deliberately left false: an error-terminated
// stream carries no done=true chunk at all, only the error chunk.
func (o *Orchestrator) emitError(out chan<- models.ResponseChunk, conversationID string, err error) {
	category := "internal"
	if e, ok := orcherr.As(err); ok {
		category = e.Kind.ChunkCategory()
	}
	out <- models.ResponseChunk{ConversationID: conversationID, Error: &models.ChunkError{Category: category, Detail: err.Error()}}
}
