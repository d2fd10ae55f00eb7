package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextToolCallsBareJSON(t *testing.T) {
	remaining, calls := ExtractTextToolCalls(`{"name": "search", "arguments": {"q": "weather"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"weather"}`, string(calls[0].Arguments))
	assert.Empty(t, remaining)
	assert.NotEmpty(t, calls[0].ID)
}

func TestExtractTextToolCallsFencedWithProse(t *testing.T) {
	content := "Let me check that for you.\n```json\n{\"name\": \"search\", \"arguments\": {\"q\": \"x\"}}\n```"
	remaining, calls := ExtractTextToolCalls(content)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "Let me check that for you.", remaining)
}

func TestExtractTextToolCallsFunctionWrapper(t *testing.T) {
	_, calls := ExtractTextToolCalls(`{"function": {"name": "lookup", "arguments": {"id": 1}}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "lookup", calls[0].Name)
	assert.JSONEq(t, `{"id":1}`, string(calls[0].Arguments))
}

func TestExtractTextToolCallsNoMatchReturnsUnchanged(t *testing.T) {
	remaining, calls := ExtractTextToolCalls("just a normal reply")
	assert.Nil(t, calls)
	assert.Equal(t, "just a normal reply", remaining)
}

func TestExtractTextToolCallsMissingNameIgnored(t *testing.T) {
	remaining, calls := ExtractTextToolCalls(`{"arguments": {"q": "x"}}`)
	assert.Nil(t, calls)
	assert.Equal(t, `{"arguments": {"q": "x"}}`, remaining)
}

func TestExtractTextToolCallsDefaultsEmptyArguments(t *testing.T) {
	_, calls := ExtractTextToolCalls(`{"name": "ping"}`)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{}`, string(calls[0].Arguments))
}
