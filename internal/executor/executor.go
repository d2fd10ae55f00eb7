// Package executor implements the agentic executor: a Plan+ReAct loop
// bounded by a round cap and a wall-clock timeout.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/internal/toolregistry"
	"github.com/manthya/agentorch/pkg/models"
)

const (
	maxRounds  = 8
	maxRuntime = 300 * time.Second
)

// ObserveFunc receives one callback per tool execution, for metrics.
type ObserveFunc func(name string, duration time.Duration, err error)

// Executor runs a plan as a ReAct loop.
type Executor struct {
	llm      provider.Provider
	registry *toolregistry.Registry
	observe  ObserveFunc
}

// New builds an Executor.
func New(llm provider.Provider, registry *toolregistry.Registry) *Executor {
	return &Executor{llm: llm, registry: registry}
}

// OnToolExecuted installs an observation callback invoked after every
// tool execution. Must be called before Run.
func (e *Executor) OnToolExecuted(fn ObserveFunc) { e.observe = fn }

// Run executes plan against messages (already carrying the composed
// system prompt and conversation window) and streams ResponseChunks.
// toolScope is the initial set of tools attached to the model; it may
// grow mid-loop up to the 8-tool cap.
func (e *Executor) Run(ctx context.Context, conversationID, model string, messages []provider.Message, plan []string, toolScope []models.ToolDescriptor, intentCategory string) <-chan models.ResponseChunk {
	out := make(chan models.ResponseChunk)

	go func() {
		defer close(out)

		deadline := time.Now().Add(maxRuntime)
		roundCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		emitPlan(out, conversationID, plan)
		working := append(append([]provider.Message{}, messages...), preambleMessages(plan, toolScope)...)

		step := 1
		var totalUsage models.Usage

		for round := 1; round <= maxRounds; round++ {
			if time.Now().After(deadline) {
				break
			}

			text, toolCalls, usage, err := e.runRound(roundCtx, model, working, toolScope)
			totalUsage = totalUsage.Add(usage)
			if err != nil {
				if roundCtx.Err() != nil && ctx.Err() == nil {
					break // wall-clock cap hit mid-round: go to the synthesis round
				}
				out <- models.ResponseChunk{ConversationID: conversationID, Error: chunkError(err)}
				return
			}

			if len(toolCalls) == 0 {
				out <- models.ResponseChunk{ConversationID: conversationID, Content: text, Usage: &totalUsage, Done: true}
				return
			}

			assistantMsg := provider.Message{Role: models.RoleAssistant, Content: text, ToolCalls: toolCalls}
			working = append(working, assistantMsg)

			for _, tc := range toolCalls {
				out <- models.ResponseChunk{ConversationID: conversationID,
					Status: fmt.Sprintf("Step %d/%d: Calling %s...", step, len(plan), tc.Name)}

				result, execErr := e.execute(roundCtx, tc)
				status := fmt.Sprintf("Step %d/%d: %s done", step, len(plan), tc.Name)
				if execErr != nil {
					result = fmt.Sprintf("Error executing %s: %s", tc.Name, execErr.Error())
				}
				out <- models.ResponseChunk{ConversationID: conversationID, Status: status}

				working = append(working, provider.Message{Role: models.RoleTool, Content: result, ToolCallID: tc.ID})
			}

			toolScope = e.expandScope(toolScope, text, intentCategory)
			step++
			if step > len(plan) {
				working = append(working, provider.Message{Role: models.RoleUser,
					Content: "All planned steps are complete. Synthesize a final answer with no further tool calls."})
			} else {
				working = append(working, provider.Message{Role: models.RoleUser,
					Content: fmt.Sprintf("Proceed with step %d: %s", step, plan[step-1])})
			}
		}

		// Cap or timeout reached: one final synthesis round with no tools,
		// on the caller's context since the loop deadline may have passed.
		text, _, usage, err := e.runRound(ctx, model, working, nil)
		totalUsage = totalUsage.Add(usage)
		if err != nil {
			out <- models.ResponseChunk{ConversationID: conversationID, Error: chunkError(err)}
			return
		}
		out <- models.ResponseChunk{ConversationID: conversationID, Content: text, Usage: &totalUsage, Done: true}
	}()

	return out
}

// chunkError maps an LLM-round error to the caller-facing error chunk.
// Untagged errors default to provider_unavailable since every error here
// originates from a provider call.
func chunkError(err error) *models.ChunkError {
	category := string(orcherr.ProviderUnavailable)
	if e, ok := orcherr.As(err); ok {
		category = e.Kind.ChunkCategory()
	}
	return &models.ChunkError{Category: category, Detail: err.Error()}
}

func emitPlan(out chan<- models.ResponseChunk, conversationID string, plan []string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan (%d steps):\n", len(plan))
	for i, step := range plan {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}
	out <- models.ResponseChunk{ConversationID: conversationID, Status: b.String()}
}

func preambleMessages(plan []string, toolScope []models.ToolDescriptor) []provider.Message {
	names := make([]string, len(toolScope))
	for i, t := range toolScope {
		names[i] = t.Name
	}
	var planText strings.Builder
	for i, step := range plan {
		fmt.Fprintf(&planText, "%d. %s\n", i+1, step)
	}
	sysPrompt := fmt.Sprintf(
		"You are executing the following plan:\n%s\nAllowed tools: %s\nYou have at most %d rounds to finish.",
		planText.String(), strings.Join(names, ", "), maxRounds)

	return []provider.Message{
		{Role: models.RoleSystem, Content: sysPrompt},
		{Role: models.RoleUser, Content: fmt.Sprintf("Begin with step 1: %s. Call a tool if needed, or answer directly if you already can.", firstOr(plan))},
	}
}

func firstOr(plan []string) string {
	if len(plan) == 0 {
		return "answer the request"
	}
	return plan[0]
}

func (e *Executor) runRound(ctx context.Context, model string, messages []provider.Message, toolScope []models.ToolDescriptor) (string, []models.ToolCall, models.Usage, error) {
	tools := make([]provider.ToolSpec, len(toolScope))
	for i, t := range toolScope {
		tools[i] = provider.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}

	chunks, err := e.llm.Stream(ctx, provider.Request{Model: model, Messages: messages, Tools: tools})
	if err != nil {
		return "", nil, models.Usage{}, err
	}

	var text strings.Builder
	toolByID := map[string]models.ToolCall{}
	var order []string
	var usage models.Usage

	for chunk := range chunks {
		if chunk.Err != nil {
			return "", nil, usage, chunk.Err
		}
		text.WriteString(chunk.TextDelta)
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

	calls := make([]models.ToolCall, 0, len(order))
	for _, id := range order {
		calls = append(calls, toolByID[id])
	}

	content := text.String()
	if len(calls) == 0 {
		if remaining, shimCalls := provider.ExtractTextToolCalls(content); len(shimCalls) > 0 {
			content, calls = remaining, shimCalls
		}
	}

	return content, calls, usage, nil
}

func (e *Executor) execute(ctx context.Context, tc models.ToolCall) (string, error) {
	resolved, err := e.registry.Resolve(tc.Name)
	if err != nil {
		if e.observe != nil {
			e.observe(tc.Name, 0, err)
		}
		return "", err
	}
	args := tc.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	start := time.Now()
	result, err := resolved.Execute(ctx, args)
	if e.observe != nil {
		e.observe(tc.Name, time.Since(start), err)
	}
	return result, err
}

// expandScope inspects the accumulated text for mentions of category
// keywords not currently represented in the attached tool list and adds
// tools from those categories, subject to the 8-tool cap.
func (e *Executor) expandScope(scope []models.ToolDescriptor, text, intentCategory string) []models.ToolDescriptor {
	if len(scope) >= 8 {
		return scope
	}

	present := map[string]bool{strings.ToUpper(intentCategory): true}
	for _, t := range scope {
		present[strings.ToUpper(t.Category)] = true
	}

	lowerText := strings.ToLower(text)
	seen := make(map[string]bool, len(scope))
	for _, t := range scope {
		seen[t.Name] = true
	}

	out := append([]models.ToolDescriptor{}, scope...)
	for _, cat := range e.registry.Categories() {
		if present[strings.ToUpper(cat)] {
			continue
		}
		if !strings.Contains(lowerText, strings.ToLower(cat)) {
			continue
		}
		for _, d := range e.registry.ByCategory(cat) {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
			if len(out) >= 8 {
				return out
			}
		}
	}
	return out
}
