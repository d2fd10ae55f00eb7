// Package toolserver implements the tool server client: one external
// tool server per instance, supervised as a child process and
// spoken to over a line-framed JSON-RPC-like stdio protocol.
package toolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthya/agentorch/internal/cache"
	"github.com/manthya/agentorch/internal/orcherr"
	"github.com/manthya/agentorch/pkg/models"
	"github.com/rs/zerolog"
)

const (
	discoveryTTL    = 30 * time.Minute
	defaultCallTTL  = 60 * time.Second
	filesystemTTL   = 120 * time.Second
	vcsTTL          = 60 * time.Second
	fetchTTL        = 300 * time.Second
	maxResultBytes  = 32 << 10
	defaultCallWait = 30 * time.Second
)

// Config describes how to launch and categorize a tool server.
type Config struct {
	Name        string // source name, used in cache keys and tool descriptors
	Category    string // upper-cased in Category()
	Command     string
	Args        []string
	Env         map[string]string
	WorkDir     string
	CallTimeout time.Duration
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client supervises one tool server subprocess. Calls are serialized —
// one in-flight frame at a time on the single stdio pair.
type Client struct {
	cfg   Config
	cache cache.Cache
	log   zerolog.Logger

	mu      sync.Mutex // serializes Call, guards the fields below
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	pendingMu sync.Mutex
	pending   map[int64]chan response
	nextID    atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New constructs a Client. Connect must be called before use.
func New(cfg Config, c cache.Cache, logger zerolog.Logger) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallWait
	}
	return &Client{
		cfg:     cfg,
		cache:   c,
		log:     logger.With().Str("tool_server", cfg.Name).Logger(),
		pending: make(map[int64]chan response),
	}
}

func (c *Client) SourceName() string { return c.cfg.Name }
func (c *Client) Category() string   { return strings.ToUpper(c.cfg.Category) }

// Connect spawns the subprocess and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}
	if c.cfg.Command == "" {
		return orcherr.New(orcherr.ToolCrash, "tool server command is empty", nil)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Command, c.cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return orcherr.New(orcherr.ToolCrash, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return orcherr.New(orcherr.ToolCrash, "stdout pipe", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return orcherr.New(orcherr.ToolCrash, "start tool server process", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.scanner = bufio.NewScanner(stdout)
	c.scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	c.stopCh = make(chan struct{})
	c.connected.Store(true)

	c.wg.Add(1)
	go c.readLoop()
	if stderr != nil {
		c.wg.Add(1)
		go c.logStderr(stderr)
	}

	if _, err := c.callLocked(ctx, "initialize", nil); err != nil {
		c.closeLocked()
		return orcherr.New(orcherr.ToolProtocol, "initialize handshake failed", err)
	}
	return nil
}

// Close terminates the subprocess. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.connected.Store(false)

	for c.scanner.Scan() {
		line := c.scanner.Text()
		if line == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			c.log.Warn().Err(err).Msg("malformed tool server frame")
			continue
		}
		c.pendingMu.Lock()
		if ch, ok := c.pending[resp.ID]; ok {
			delete(c.pending, resp.ID)
			select {
			case ch <- resp:
			default:
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) logStderr(r io.ReadCloser) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-c.stopCh:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			c.log.Debug().Str("stderr", line).Msg("tool server output")
		}
	}
}

// callLocked sends one frame and waits for its matching response. Caller
// must hold c.mu, ensuring at most one frame is in flight at a time.
func (c *Client) callLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, orcherr.New(orcherr.ToolProtocol, "marshal request params", err)
		}
		req.Params = raw
	}

	ch := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, orcherr.New(orcherr.ToolProtocol, "marshal request", err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, orcherr.New(orcherr.ToolCrash, "write request", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, orcherr.New(orcherr.ToolError, resp.Error.Message, nil)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, orcherr.New(orcherr.ToolTimeout, "tool call cancelled", ctx.Err())
	case <-time.After(c.cfg.CallTimeout):
		return nil, orcherr.New(orcherr.ToolTimeout, "tool call timed out", nil)
	case <-c.stopCh:
		return nil, orcherr.New(orcherr.ToolCrash, "tool server closed", nil)
	}
}

// call wraps callLocked with the lock and a single transparent reconnect
// attempt on failure.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected.Load() {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	result, err := c.callLocked(ctx, method, params)
	if err == nil {
		return result, nil
	}
	if kind, ok := orcherr.KindOf(err); ok && kind == orcherr.ToolTimeout {
		return nil, err
	}

	c.closeLocked()
	if reErr := c.connectLocked(ctx); reErr != nil {
		return nil, orcherr.New(orcherr.ToolCrash, "tool server reconnect failed", reErr)
	}
	return c.callLocked(ctx, method, params)
}

// ListTools returns the server's tool descriptors, cached for 30 minutes.
func (c *Client) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	key := "toolserver:" + c.cfg.Name + ":tools"
	var cached []models.ToolDescriptor
	if ok, _ := cache.GetJSON(ctx, c.cache, key, &cached); ok {
		return cached, nil
	}

	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var rawTools []struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &rawTools); err != nil {
		return nil, orcherr.New(orcherr.ToolProtocol, "malformed tools/list response", err)
	}
	tools := make([]models.ToolDescriptor, len(rawTools))
	for i, t := range rawTools {
		tools[i] = models.ToolDescriptor{Name: t.Name, Description: t.Description, Parameters: t.InputSchema}
	}

	_ = cache.SetJSON(ctx, c.cache, key, tools, discoveryTTL)
	return tools, nil
}

// CallTool invokes a tool and returns its text result, truncating
// oversized output before it re-enters the model's context.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	key := "toolserver:" + c.cfg.Name + ":call:" + name + ":" + canonicalHash(arguments)
	var cached string
	if ok, _ := cache.GetJSON(ctx, c.cache, key, &cached); ok {
		return cached, nil
	}

	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": json.RawMessage(arguments)})
	if err != nil {
		return "", err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", orcherr.New(orcherr.ToolProtocol, "malformed tools/call response", err)
	}

	texts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		texts = append(texts, block.Text)
	}
	text := truncate(strings.Join(texts, "\n"))
	_ = cache.SetJSON(ctx, c.cache, key, text, ttlForCategory(c.Category()))
	return text, nil
}

func ttlForCategory(cat string) time.Duration {
	switch strings.ToUpper(cat) {
	case "FILESYSTEM":
		return filesystemTTL
	case "GIT", "VCS", "VERSION_CONTROL":
		return vcsTTL
	case "NETWORK", "FETCH", "WEB":
		return fetchTTL
	default:
		return defaultCallTTL
	}
}

func truncate(content string) string {
	if len(content) <= maxResultBytes {
		return content
	}
	omitted := len(content) - maxResultBytes
	return fmt.Sprintf("%s... [truncated, %d bytes omitted]", content[:maxResultBytes], omitted)
}

// canonicalHash serializes arguments with keys sorted so equivalent
// invocations (differing only in key order) hit the same cache entry.
func canonicalHash(arguments json.RawMessage) string {
	var generic any
	if err := json.Unmarshal(arguments, &generic); err != nil {
		return fmt.Sprintf("%x", arguments)
	}
	canonical, _ := json.Marshal(sortKeys(generic))
	sum := 2166136261
	for _, b := range canonical {
		sum = (sum ^ int(b)) * 16777619
	}
	return fmt.Sprintf("%x", uint32(sum))
}

func sortKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortKeys(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeys(e)
		}
		return out
	default:
		return v
	}
}
