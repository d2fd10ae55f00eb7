// Package classifier implements the classifier and planner: a single
// intent/complexity classification call per turn, and an on-demand
// planner for complex turns.
package classifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/manthya/agentorch/internal/provider"
	"github.com/manthya/agentorch/pkg/models"
)

// Complexity is the classifier's dispatch decision.
type Complexity string

const (
	Simple  Complexity = "SIMPLE"
	Complex Complexity = "COMPLEX"
)

const defaultCategory = "GENERAL"

// Result is the classifier's two-line output, parsed.
type Result struct {
	Intent     string
	Complexity Complexity
}

// Classifier issues one classification LLM call per turn.
type Classifier struct {
	llm provider.Provider
}

// New builds a Classifier.
func New(llm provider.Provider) *Classifier {
	return &Classifier{llm: llm}
}

// Classify returns (GENERAL, SIMPLE) immediately when hasAttachment is
// true, otherwise issues one LLM call.
func (c *Classifier) Classify(ctx context.Context, categories []CategoryDescription, query string, hasAttachment bool) (Result, error) {
	if hasAttachment {
		return Result{Intent: defaultCategory, Complexity: Simple}, nil
	}

	res, err := c.llm.Complete(ctx, provider.Request{
		Temperature: 0,
		MaxTokens:   64,
		Messages: []provider.Message{
			{Role: models.RoleSystem, Content: buildClassifierPrompt(categories)},
			{Role: models.RoleUser, Content: query},
		},
	})
	if err != nil {
		return Result{}, err
	}
	return parseClassification(res.Message.Content, categoryNames(categories)), nil
}

// CategoryDescription is one entry of the registry's current categories,
// with a short human-readable description for the classifier prompt.
type CategoryDescription struct {
	Name        string
	Description string
}

func categoryNames(cats []CategoryDescription) []string {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return names
}

func buildClassifierPrompt(categories []CategoryDescription) string {
	var b strings.Builder
	b.WriteString("Classify the user's request.\n\nAvailable categories:\n")
	for _, c := range categories {
		fmt.Fprintf(&b, "- %s: %s\n", c.Name, c.Description)
	}
	b.WriteString("\nSIMPLE: answerable in one LLM round, with at most one round of tool use.\n")
	b.WriteString("COMPLEX: requires multiple tool calls or steps of reasoning in sequence.\n\n")
	b.WriteString("Respond with exactly two lines:\nINTENT: <CATEGORY>\nCOMPLEXITY: <SIMPLE|COMPLEX>\n")
	return b.String()
}

// parseClassification scans each line of text for "INTENT"/"COMPLEXITY"
// keys and a matching category/complexity token. Matching prefers longer
// category names before shorter substrings so e.g. FILESYSTEM is matched
// before FILE. Unmatched fields default to GENERAL/SIMPLE.
func parseClassification(text string, categories []string) Result {
	sorted := append([]string(nil), categories...)
	sorted = append(sorted, defaultCategory)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	result := Result{Intent: defaultCategory, Complexity: Simple}

	for _, line := range strings.Split(text, "\n") {
		upper := strings.ToUpper(line)
		switch {
		case strings.Contains(upper, "INTENT"):
			for _, cat := range sorted {
				if strings.Contains(upper, strings.ToUpper(cat)) {
					result.Intent = cat
					break
				}
			}
		case strings.Contains(upper, "COMPLEXITY"):
			// Drop the key itself first: "COMPLEXITY" contains "COMPLEX".
			value := strings.Replace(upper, "COMPLEXITY", "", 1)
			if strings.Contains(value, "COMPLEX") {
				result.Complexity = Complex
			} else if strings.Contains(value, "SIMPLE") {
				result.Complexity = Simple
			}
		}
	}

	return result
}

// Planner produces a numbered step plan for COMPLEX turns.
type Planner struct {
	llm provider.Provider
}

// NewPlanner builds a Planner.
func NewPlanner(llm provider.Provider) *Planner {
	return &Planner{llm: llm}
}

const (
	minSteps = 3
	maxSteps = 6
)

var numberedLine = regexp.MustCompile(`^\s*\d+[.)]\s*`)

// Plan asks the provider for a 3-6 step numbered plan for query, given
// the tool names currently in scope. Empty output falls back to a
// single synthetic step.
func (p *Planner) Plan(ctx context.Context, query string, toolNames []string) ([]string, error) {
	res, err := p.llm.Complete(ctx, provider.Request{
		Temperature: 0.2,
		MaxTokens:   512,
		Messages: []provider.Message{
			{Role: models.RoleSystem, Content: plannerPrompt(toolNames)},
			{Role: models.RoleUser, Content: query},
		},
	})
	if err != nil {
		return nil, err
	}

	steps := parsePlan(res.Message.Content)
	if len(steps) == 0 {
		return []string{"Analyze the request and provide a comprehensive answer"}, nil
	}
	if len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps, nil
}

func plannerPrompt(toolNames []string) string {
	return fmt.Sprintf("Produce a numbered list of %d-%d concrete steps to answer the request, "+
		"using these available tools where helpful: %s", minSteps, maxSteps, strings.Join(toolNames, ", "))
}

func parsePlan(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !numberedLine.MatchString(trimmed) {
			continue
		}
		step := strings.TrimSpace(numberedLine.ReplaceAllString(trimmed, ""))
		if step != "" {
			steps = append(steps, step)
		}
	}
	return steps
}
