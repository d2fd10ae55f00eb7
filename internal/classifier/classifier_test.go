package classifier

import (
	"context"
	"testing"

	"github.com/manthya/agentorch/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct{ reply string }

func (f *fakeLLM) Name() string                     { return "fake" }
func (f *fakeLLM) HealthCheck(context.Context) bool { return true }
func (f *fakeLLM) Stream(context.Context, provider.Request) (<-chan provider.Chunk, error) {
	return nil, nil
}
func (f *fakeLLM) Complete(context.Context, provider.Request) (*provider.CompleteResult, error) {
	return &provider.CompleteResult{Message: provider.Message{Content: f.reply}}, nil
}

var cats = []CategoryDescription{
	{Name: "FILESYSTEM", Description: "read/write files"},
	{Name: "FILE", Description: "legacy alias"},
	{Name: "GIT", Description: "version control"},
}

func TestClassifyBypassesOnAttachment(t *testing.T) {
	c := New(&fakeLLM{reply: "INTENT: GIT\nCOMPLEXITY: COMPLEX"})
	res, err := c.Classify(context.Background(), cats, "ignored", true)
	require.NoError(t, err)
	assert.Equal(t, Result{Intent: "GENERAL", Complexity: Simple}, res)
}

func TestClassifyParsesBothLines(t *testing.T) {
	c := New(&fakeLLM{reply: "INTENT: GIT\nCOMPLEXITY: COMPLEX"})
	res, err := c.Classify(context.Background(), cats, "diff my repo", false)
	require.NoError(t, err)
	assert.Equal(t, "GIT", res.Intent)
	assert.Equal(t, Complex, res.Complexity)
}

func TestClassifyPrefersLongerCategoryName(t *testing.T) {
	c := New(&fakeLLM{reply: "INTENT: FILESYSTEM access needed\nCOMPLEXITY: SIMPLE"})
	res, err := c.Classify(context.Background(), cats, "q", false)
	require.NoError(t, err)
	assert.Equal(t, "FILESYSTEM", res.Intent, "FILESYSTEM must win over the FILE substring")
}

func TestClassifyDefaultsOnNoMatch(t *testing.T) {
	c := New(&fakeLLM{reply: "not structured at all"})
	res, err := c.Classify(context.Background(), cats, "q", false)
	require.NoError(t, err)
	assert.Equal(t, "GENERAL", res.Intent)
	assert.Equal(t, Simple, res.Complexity)
}

func TestPlanParsesNumberedStepsAndStripsPrefixes(t *testing.T) {
	p := NewPlanner(&fakeLLM{reply: "1. Look up the file\n2) Summarize it\n10. Report back"})
	steps, err := p.Plan(context.Background(), "q", []string{"read_file"})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "Look up the file", steps[0])
	assert.Equal(t, "Summarize it", steps[1])
	assert.Equal(t, "Report back", steps[2])
}

func TestPlanFallsBackOnEmptyOutput(t *testing.T) {
	p := NewPlanner(&fakeLLM{reply: "no numbered steps here"})
	steps, err := p.Plan(context.Background(), "q", nil)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0], "comprehensive answer")
}

func TestPlanCapsAtSixSteps(t *testing.T) {
	reply := ""
	for i := 1; i <= 9; i++ {
		reply += "1. step\n"
	}
	p := NewPlanner(&fakeLLM{reply: reply})
	steps, err := p.Plan(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Len(t, steps, 6)
}
