package toolregistry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) LocalTool {
	return LocalTool{
		Name:        name,
		Description: "echoes its input",
		Parameters:  map[string]any{"type": "object"},
		Run: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoTool("ping")))
	err := r.Register(echoTool("ping"))
	require.Error(t, err)
}

func TestResolveLocalFirst(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoTool("ping")))

	resolved, err := r.Resolve("ping")
	require.NoError(t, err)
	assert.Equal(t, models.ToolOriginLocal, resolved.Descriptor.Origin)
	assert.Equal(t, CategoryGeneral, resolved.Descriptor.Category)

	out, err := resolved.Execute(context.Background(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, out)
}

func TestResolveUnknownToolReturnsToolUnknown(t *testing.T) {
	r := New()
	_, err := r.Resolve("missing")
	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.ToolUnknown, kind)
}

type fakeRemote struct {
	name, category string
	tools          []models.ToolDescriptor
	listErr        error
}

func (f *fakeRemote) SourceName() string { return f.name }
func (f *fakeRemote) Category() string   { return f.category }
func (f *fakeRemote) ListTools(context.Context) ([]models.ToolDescriptor, error) {
	return f.tools, f.listErr
}
func (f *fakeRemote) CallTool(_ context.Context, name string, args json.RawMessage) (string, error) {
	return "remote:" + name, nil
}

func TestRefreshPopulatesRemoteToolsAndCategories(t *testing.T) {
	r := New()
	fs := &fakeRemote{name: "fs-server", category: "filesystem", tools: []models.ToolDescriptor{
		{Name: "read_file"}, {Name: "write_file"},
	}}
	r.RegisterRemoteSource(fs)

	errs := r.Refresh(context.Background())
	assert.Empty(t, errs)

	cats := r.Categories()
	assert.Contains(t, cats, "GENERAL")
	assert.Contains(t, cats, "FILESYSTEM")

	descs := r.ByCategory("FILESYSTEM")
	require.Len(t, descs, 2)

	resolved, err := r.Resolve("read_file")
	require.NoError(t, err)
	out, err := resolved.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "remote:read_file", out)
}

func TestRefreshRecordsPerSourceErrorWithoutAbortingOthers(t *testing.T) {
	r := New()
	bad := &fakeRemote{name: "bad", category: "vcs", listErr: assertErr("down")}
	good := &fakeRemote{name: "good", category: "network", tools: []models.ToolDescriptor{{Name: "fetch_url"}}}
	r.RegisterRemoteSource(bad)
	r.RegisterRemoteSource(good)

	errs := r.Refresh(context.Background())
	require.Len(t, errs, 1)
	assert.Error(t, errs["bad"])

	assert.Len(t, r.ByCategory("NETWORK"), 1)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func TestFilterForQueryIncludesIntentAndMatchedCategories(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(echoTool("ping")))
	fs := &fakeRemote{name: "fs", category: "filesystem", tools: []models.ToolDescriptor{
		{Name: "read_file"}, {Name: "write_file"},
	}}
	vcs := &fakeRemote{name: "vcs", category: "git", tools: []models.ToolDescriptor{{Name: "diff"}}}
	r.RegisterRemoteSource(fs)
	r.RegisterRemoteSource(vcs)
	r.Refresh(context.Background())

	out := r.FilterForQuery("GENERAL", "please read this file and show a diff", false)
	names := map[string]bool{}
	for _, d := range out {
		names[d.Name] = true
	}
	assert.True(t, names["ping"], "intent category always included")
	assert.True(t, names["read_file"] || names["write_file"], "filesystem category matched by 'read' keyword")
	assert.True(t, names["diff"], "git category pulled in by a distinctive keyword in the query")
}

func TestFilterForQueryCapsByMode(t *testing.T) {
	r := New()
	var tools []models.ToolDescriptor
	for i := 0; i < 10; i++ {
		tools = append(tools, models.ToolDescriptor{Name: "t" + string(rune('a'+i))})
	}
	fs := &fakeRemote{name: "fs", category: "filesystem", tools: tools}
	r.RegisterRemoteSource(fs)
	r.Refresh(context.Background())

	oneShot := r.FilterForQuery("FILESYSTEM", "", false)
	agentic := r.FilterForQuery("FILESYSTEM", "", true)
	assert.Len(t, oneShot, 5)
	assert.Len(t, agentic, 8)
}
