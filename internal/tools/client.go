// Package tools connects a device's configured tool backends over the
// Model Context Protocol and fans tool calls out to them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/tlswarn"
	"github.com/nupi-ai/voxgate/internal/validate"
	"github.com/nupi-ai/voxgate/internal/version"
)

// Diagnostic strings returned in place of tool output.
const (
	NoResult        = "No result"
	NotConnected    = "MCP server not connected"
	callErrorPrefix = "Error calling MCP tool: "
	listErrorPrefix = "Error listing MCP tools: "
)

var ErrServerNotFound = errors.New("tools: server not found")

// Backend is one connected tool backend.
type Backend interface {
	Name() string
	Kind() device.BackendKind
	Connected() bool
	// ListTools and CallTool never fail: errors are rendered as a single
	// diagnostic fragment because the result is handed to the model as text.
	ListTools(ctx context.Context) []string
	CallTool(ctx context.Context, tool string, input any) []string
	Close() error
}

// ClientFactory creates an unstarted MCP client for a descriptor.
type ClientFactory func(ctx context.Context, desc device.ToolBackend) (*client.Client, error)

// NewMCPClient creates the transport-specific MCP client for desc. Stdio
// clients spawn their subprocess immediately.
func NewMCPClient(_ context.Context, desc device.ToolBackend) (*client.Client, error) {
	switch desc.Kind {
	case device.BackendStdio:
		if strings.TrimSpace(desc.Command) == "" {
			return nil, fmt.Errorf("tools: %s: stdio backend requires a command", desc.Name)
		}
		return client.NewStdioMCPClient(desc.Command, buildEnv(desc.Env), desc.Args...)
	case device.BackendSSE:
		if err := checkRemoteURL(desc); err != nil {
			return nil, err
		}
		return client.NewSSEMCPClient(desc.URL, transport.WithHeaders(desc.Headers))
	case device.BackendHTTP:
		if err := checkRemoteURL(desc); err != nil {
			return nil, err
		}
		return client.NewStreamableHttpClient(desc.URL, transport.WithHTTPHeaders(desc.Headers))
	default:
		return nil, fmt.Errorf("tools: %s: unsupported connection type %q", desc.Name, desc.Kind)
	}
}

func checkRemoteURL(desc device.ToolBackend) error {
	if err := validate.HTTPURL(desc.URL); err != nil {
		return fmt.Errorf("tools: %s: %s backend: %w", desc.Name, desc.Kind, err)
	}
	if validate.PlaintextRemote(desc.URL) {
		tlswarn.LogPlaintext("tool backend "+desc.Name, desc.URL)
	}
	return nil
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// mcpBackend adapts an mcp-go client to Backend.
type mcpBackend struct {
	desc device.ToolBackend

	mu        sync.RWMutex
	client    *client.Client
	connected bool
}

// Connect builds, starts and initialises an MCP client for desc. ctx bounds
// the handshake only; the transport lives until the backend is closed.
// Anything opened by a failed attempt is closed before returning.
func Connect(ctx context.Context, desc device.ToolBackend, factory ClientFactory) (Backend, error) {
	if factory == nil {
		factory = NewMCPClient
	}

	c, err := factory(ctx, desc)
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	// SSE keeps its event stream on the Start context. Start skips
	// transports that are already running (stdio).
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("tools: %s: start transport: %w", desc.Name, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "voxgate",
		Version: version.String(),
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		return nil, fmt.Errorf("tools: %s: initialize: %w", desc.Name, err)
	}

	ok = true
	return &mcpBackend{desc: desc, client: c, connected: true}, nil
}

func (b *mcpBackend) Name() string { return b.desc.Name }

func (b *mcpBackend) Kind() device.BackendKind { return b.desc.Kind }

func (b *mcpBackend) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// ListTools renders each advertised tool as "name: description".
func (b *mcpBackend) ListTools(ctx context.Context) []string {
	b.mu.RLock()
	c, connected := b.client, b.connected
	b.mu.RUnlock()
	if !connected {
		return []string{NotConnected}
	}

	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return []string{listErrorPrefix + err.Error()}
	}
	if len(res.Tools) == 0 {
		return []string{NoResult}
	}
	out := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		if tool.Description == "" {
			out = append(out, tool.Name)
			continue
		}
		out = append(out, tool.Name+": "+tool.Description)
	}
	return out
}

func (b *mcpBackend) CallTool(ctx context.Context, tool string, input any) []string {
	b.mu.RLock()
	c, connected := b.client, b.connected
	b.mu.RUnlock()
	if !connected {
		return []string{NotConnected}
	}

	args, err := NormalizeInput(input)
	if err != nil {
		return []string{callErrorPrefix + err.Error()}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return []string{callErrorPrefix + err.Error()}
	}
	return flattenContent(res.Content)
}

func (b *mcpBackend) Close() error {
	b.mu.Lock()
	c := b.client
	b.client = nil
	b.connected = false
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

// NormalizeInput turns the model's tool input into call arguments. JSON
// strings are decoded, and when a "query" key is present only that key is
// forwarded.
func NormalizeInput(input any) (map[string]any, error) {
	var args map[string]any
	switch v := input.(type) {
	case nil:
		return map[string]any{}, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(v), &args); err != nil {
			return nil, fmt.Errorf("decode tool input: %w", err)
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &args); err != nil {
			return nil, fmt.Errorf("decode tool input: %w", err)
		}
	case map[string]any:
		args = v
	default:
		return nil, fmt.Errorf("unsupported tool input %T", input)
	}

	if args == nil {
		args = map[string]any{}
	}
	if q, ok := args["query"]; ok {
		return map[string]any{"query": q}, nil
	}
	return args, nil
}

func flattenContent(contents []mcp.Content) []string {
	var parts []string
	for _, content := range contents {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			data, err := json.Marshal(content)
			if err != nil {
				parts = append(parts, fmt.Sprintf("%v", content))
				continue
			}
			parts = append(parts, string(data))
		}
	}
	if len(parts) == 0 {
		return []string{NoResult}
	}
	return parts
}
