package tools

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nupi-ai/voxgate/internal/device"
)

func newEchoServer() *server.MCPServer {
	s := server.NewMCPServer("echo", "1.0.0", server.WithToolCapabilities(true))
	s.AddTool(
		mcp.NewTool("search",
			mcp.WithDescription("echo the query"),
			mcp.WithString("query", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("echo: " + req.GetString("query", "")), nil
		},
	)
	s.AddTool(
		mcp.NewTool("empty", mcp.WithDescription("returns nothing")),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{}, nil
		},
	)
	return s
}

func inProcessFactory(srv *server.MCPServer) ClientFactory {
	return func(ctx context.Context, desc device.ToolBackend) (*client.Client, error) {
		return client.NewInProcessClient(srv)
	}
}

func connectEcho(t *testing.T) Backend {
	t.Helper()
	desc := device.ToolBackend{Name: "echo", Kind: device.BackendHTTP, URL: "inprocess://echo"}
	backend, err := Connect(context.Background(), desc, inProcessFactory(newEchoServer()))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend
}

func TestConnectListsTools(t *testing.T) {
	backend := connectEcho(t)

	if !backend.Connected() {
		t.Fatalf("expected backend to be connected")
	}
	got := backend.ListTools(context.Background())
	if !slices.Contains(got, "search: echo the query") || !slices.Contains(got, "empty: returns nothing") {
		t.Fatalf("unexpected tools: %v", got)
	}
}

func TestCallToolDecodesJSONStringInput(t *testing.T) {
	backend := connectEcho(t)

	got := backend.CallTool(context.Background(), "search", `{"query":"weather in Paris","extra":1}`)
	if len(got) != 1 || got[0] != "echo: weather in Paris" {
		t.Fatalf("unexpected result: %v", got)
	}
}

func TestCallToolEmptyResult(t *testing.T) {
	backend := connectEcho(t)

	got := backend.CallTool(context.Background(), "empty", nil)
	if len(got) != 1 || got[0] != NoResult {
		t.Fatalf("expected %q, got %v", NoResult, got)
	}
}

func TestCallToolUnknownToolReturnsDiagnostic(t *testing.T) {
	backend := connectEcho(t)

	got := backend.CallTool(context.Background(), "missing", map[string]any{})
	if len(got) != 1 || !strings.HasPrefix(got[0], callErrorPrefix) {
		t.Fatalf("expected diagnostic, got %v", got)
	}
}

func TestCallToolAfterClose(t *testing.T) {
	backend := connectEcho(t)
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if backend.Connected() {
		t.Fatalf("expected disconnected backend")
	}

	got := backend.CallTool(context.Background(), "search", `{"query":"x"}`)
	if len(got) != 1 || got[0] != NotConnected {
		t.Fatalf("expected %q, got %v", NotConnected, got)
	}
	if got := backend.ListTools(context.Background()); len(got) != 1 || got[0] != NotConnected {
		t.Fatalf("expected %q from ListTools, got %v", NotConnected, got)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewMCPClientValidatesDescriptor(t *testing.T) {
	t.Parallel()

	cases := []device.ToolBackend{
		{Name: "a", Kind: device.BackendStdio},
		{Name: "b", Kind: device.BackendSSE},
		{Name: "c", Kind: device.BackendHTTP},
		{Name: "d", Kind: "websocket", URL: "ws://x"},
		{Name: "e", Kind: device.BackendSSE, URL: "file:///tmp/sock"},
		{Name: "f", Kind: device.BackendHTTP, URL: "tools.local/mcp"},
	}
	for _, desc := range cases {
		if _, err := NewMCPClient(context.Background(), desc); err == nil {
			t.Fatalf("expected error for %+v", desc)
		}
	}
}

func TestNormalizeInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input any
		want  map[string]any
	}{
		{"nil", nil, map[string]any{}},
		{"blank string", "  ", map[string]any{}},
		{"query only kept", `{"query":"q","limit":3}`, map[string]any{"query": "q"}},
		{"passthrough", `{"city":"Rome"}`, map[string]any{"city": "Rome"}},
		{"raw", json.RawMessage(`{"query":"r"}`), map[string]any{"query": "r"}},
		{"map", map[string]any{"a": "b"}, map[string]any{"a": "b"}},
	}
	for _, tc := range cases {
		got, err := NormalizeInput(tc.input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
			}
		}
	}

	if _, err := NormalizeInput("{not json"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := NormalizeInput(42); err == nil {
		t.Fatalf("expected unsupported type error")
	}
}
