package provider

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/manthya/agentorch/pkg/models"
)

// codeFence matches a ```json ... ``` or bare ``` ... ``` block.
var codeFence = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// textToolCall is the shape a provider without native tool-call support
// still emits: a bare or fenced JSON object naming the tool to call,
// optionally wrapped under a "function" key.
type textToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// ExtractTextToolCalls is a legacy-compatibility shim: a best-effort
// recovery of a tool call a backend only emitted as plain text (bare or
// fenced JSON), for providers/models that do not support native tool
// calling. It returns the content with any recognized
// tool-call JSON stripped out, plus any calls it found. A freshly minted
// ID is synthesized for each, since the text form carries none.
//
// This is deliberately permissive rather than a full grammar: a single
// candidate JSON object per message, tolerant of surrounding whitespace
// and a markdown fence.
func ExtractTextToolCalls(content string) (remaining string, calls []models.ToolCall) {
	candidate := strings.TrimSpace(content)
	consumedWhole := false

	if m := codeFence.FindStringSubmatchIndex(candidate); m != nil {
		candidate = candidate[m[2]:m[3]]
	} else if strings.HasPrefix(candidate, "{") && strings.HasSuffix(candidate, "}") {
		consumedWhole = true
	} else {
		return content, nil
	}

	var parsed textToolCall
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		return content, nil
	}

	name := parsed.Name
	args := parsed.Arguments
	if parsed.Function != nil {
		name = parsed.Function.Name
		args = parsed.Function.Arguments
	}
	if name == "" {
		return content, nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	call := models.ToolCall{ID: "shim-" + uuid.NewString(), Name: name, Arguments: args}
	if consumedWhole {
		return "", []models.ToolCall{call}
	}

	// Strip the matched fenced block, leave any surrounding prose.
	loc := codeFence.FindStringIndex(content)
	if loc == nil {
		return content, []models.ToolCall{call}
	}
	remaining = strings.TrimSpace(content[:loc[0]] + content[loc[1]:])
	return remaining, []models.ToolCall{call}
}
