// Package toolregistry implements the tool registry: the union of
// in-process local tools and tools discovered from external tool
// servers, queryable by category and keyword.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CategoryGeneral is the always-present category that holds every local tool.
const CategoryGeneral = "GENERAL"

// oneShotCap and agenticCap are FilterForQuery's truncation limits for
// the two dispatch modes.
const (
	oneShotCap = 5
	agenticCap = 8
)

// LocalFunc implements a local tool's execution.
type LocalFunc func(ctx context.Context, args json.RawMessage) (string, error)

// LocalTool is a tool defined in-process.
type LocalTool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         LocalFunc
}

// RemoteSource is an external tool server the registry can query and
// dispatch calls to. internal/toolserver's Client satisfies this.
type RemoteSource interface {
	SourceName() string
	Category() string
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error)
}

// Registry is the thread-safe union of local and remote tools.
type Registry struct {
	mu      sync.RWMutex
	local   map[string]*LocalTool
	remotes map[string]RemoteSource            // source name -> client
	byName  map[string]string                  // remote tool name -> source name
	cache   map[string][]models.ToolDescriptor // source name -> last Refresh() result
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		local:   make(map[string]*LocalTool),
		remotes: make(map[string]RemoteSource),
		byName:  make(map[string]string),
		cache:   make(map[string][]models.ToolDescriptor),
	}
}

// Register adds a local tool. A duplicate name is rejected.
func (r *Registry) Register(tool LocalTool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.local[tool.Name]; exists {
		return fmt.Errorf("toolregistry: duplicate local tool %q", tool.Name)
	}
	if tool.Parameters != nil {
		if err := validateSchema(tool.Parameters); err != nil {
			return fmt.Errorf("toolregistry: invalid parameter schema for %q: %w", tool.Name, err)
		}
	}
	cp := tool
	r.local[tool.Name] = &cp
	return nil
}

// RegisterRemoteSource adds a tool server. It does not contact it yet —
// Refresh() performs discovery.
func (r *Registry) RegisterRemoteSource(source RemoteSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[source.SourceName()] = source
}

// Refresh asks every remote source for its tool list and atomically
// replaces the remote tool cache. Per-source errors are returned in the
// errs map but never abort the refresh of other sources; a source whose
// listing failed has no tools until a later Refresh succeeds for it.
func (r *Registry) Refresh(ctx context.Context) (errs map[string]error) {
	r.mu.RLock()
	sources := make([]RemoteSource, 0, len(r.remotes))
	for _, s := range r.remotes {
		sources = append(sources, s)
	}
	r.mu.RUnlock()

	errs = make(map[string]error)
	newCache := make(map[string][]models.ToolDescriptor, len(sources))
	newByName := make(map[string]string)

	for _, s := range sources {
		descriptors, err := s.ListTools(ctx)
		if err != nil {
			errs[s.SourceName()] = err
			continue
		}
		cat := strings.ToUpper(s.Category())
		for i := range descriptors {
			descriptors[i].Origin = models.ToolOriginRemote
			descriptors[i].Source = s.SourceName()
			descriptors[i].Category = cat
			newByName[descriptors[i].Name] = s.SourceName()
		}
		newCache[s.SourceName()] = descriptors
	}

	r.mu.Lock()
	r.cache = newCache
	r.byName = newByName
	r.mu.Unlock()

	return errs
}

// ResolvedTool is a name resolved to either a local runner or a remote
// source capable of executing it.
type ResolvedTool struct {
	Descriptor models.ToolDescriptor
	Local      *LocalTool
	Remote     RemoteSource
}

// Resolve looks a tool up by name, local-first.
func (r *Registry) Resolve(name string) (*ResolvedTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t, ok := r.local[name]; ok {
		return &ResolvedTool{
			Descriptor: models.ToolDescriptor{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
				Origin: models.ToolOriginLocal, Category: CategoryGeneral,
			},
			Local: t,
		}, nil
	}

	if sourceName, ok := r.byName[name]; ok {
		source := r.remotes[sourceName]
		for _, d := range r.cache[sourceName] {
			if d.Name == name {
				return &ResolvedTool{Descriptor: d, Remote: source}, nil
			}
		}
	}

	return nil, orcherr.New(orcherr.ToolUnknown, "unknown tool: "+name, nil)
}

// Execute runs a resolved tool, local or remote. Remote errors are left
// untagged here — internal/toolserver's client attaches the Tool* kinds.
func (rt *ResolvedTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if rt.Local != nil {
		return rt.Local.Run(ctx, args)
	}
	return rt.Remote.CallTool(ctx, rt.Descriptor.Name, args)
}

// Categories returns GENERAL plus one upper-cased category per registered
// remote source, in sorted order so downstream selection (FilterForQuery,
// the classifier prompt) is deterministic across runs.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rest []string
	for _, s := range r.remotes {
		rest = append(rest, strings.ToUpper(s.Category()))
	}
	sort.Strings(rest)
	return append([]string{CategoryGeneral}, rest...)
}

// ByCategory returns GENERAL's locals when asked for GENERAL, otherwise
// every remote tool whose source's category matches.
func (r *Registry) ByCategory(cat string) []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cat = strings.ToUpper(cat)
	if cat == CategoryGeneral {
		names := make([]string, 0, len(r.local))
		for name := range r.local {
			names = append(names, name)
		}
		sort.Strings(names)
		out := make([]models.ToolDescriptor, 0, len(names))
		for _, name := range names {
			t := r.local[name]
			out = append(out, models.ToolDescriptor{
				Name: t.Name, Description: t.Description, Parameters: t.Parameters,
				Origin: models.ToolOriginLocal, Category: CategoryGeneral,
			})
		}
		return out
	}

	sourceNames := make([]string, 0, len(r.remotes))
	for name := range r.remotes {
		sourceNames = append(sourceNames, name)
	}
	sort.Strings(sourceNames)

	var out []models.ToolDescriptor
	for _, sourceName := range sourceNames {
		if strings.ToUpper(r.remotes[sourceName].Category()) != cat {
			continue
		}
		out = append(out, r.cache[sourceName]...)
	}
	return out
}

// distinctiveKeywords are the query tokens that pull in an otherwise
// unrelated category.
var distinctiveKeywords = []string{"read", "write", "search", "fetch", "commit", "diff", "branch"}

// FilterForQuery selects tools deterministically: start with the
// intent's category, additively pull in other categories named or
// keyword-matched in the query, dedup preserving first-seen order, then
// truncate to the mode's cap.
func (r *Registry) FilterForQuery(intentCategory, query string, agentic bool) []models.ToolDescriptor {
	max := oneShotCap
	if agentic {
		max = agenticCap
	}

	lowerQuery := strings.ToLower(query)
	seen := make(map[string]bool)
	var out []models.ToolDescriptor

	add := func(descs []models.ToolDescriptor) {
		for _, d := range descs {
			if seen[d.Name] {
				continue
			}
			seen[d.Name] = true
			out = append(out, d)
		}
	}

	add(r.ByCategory(intentCategory))

	for _, cat := range r.Categories() {
		if strings.EqualFold(cat, intentCategory) {
			continue
		}
		matched := strings.Contains(lowerQuery, strings.ToLower(cat))
		if !matched {
			for _, kw := range distinctiveKeywords {
				if strings.Contains(lowerQuery, kw) {
					matched = true
					break
				}
			}
		}
		if matched {
			add(r.ByCategory(cat))
		}
	}

	if len(out) > max {
		out = out[:max]
	}
	return out
}

func validateSchema(schema map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return err
	}
	_, err = c.Compile("schema.json")
	return err
}
