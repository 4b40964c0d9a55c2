package kit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testImpl = &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}

func toolSession(t *testing.T, register func(*mcp.Server)) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testImpl, nil)
	register(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func TestRegisterMCPToolRoundTrip(t *testing.T) {
	// WHAT: A registered endpoint receives decoded arguments and its response
	// comes back as JSON text content.
	// WHY: Every stallkeep MCP tool goes through this helper.
	type req struct {
		Name string `json:"name"`
	}
	session := toolSession(t, func(srv *mcp.Server) {
		tool := &mcp.Tool{
			Name:        "echo",
			Description: "echo a name",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
			},
		}
		endpoint := func(ctx context.Context, r any) (any, error) {
			if GetTransport(ctx) != "mcp" {
				return nil, errors.New("transport not tagged mcp")
			}
			return map[string]string{"hello": r.(*req).Name}, nil
		}
		decode := func(r *mcp.CallToolRequest) (*MCPDecodeResult, error) {
			var out req
			if err := json.Unmarshal(r.Params.Arguments, &out); err != nil {
				return nil, err
			}
			return &MCPDecodeResult{Request: &out}, nil
		}
		RegisterMCPTool(srv, tool, endpoint, decode)
	})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"name": "mira"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("tool error: %v", err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatal("expected TextContent")
	}
	var resp map[string]string
	if err := json.Unmarshal([]byte(tc.Text), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["hello"] != "mira" {
		t.Fatalf("response: got %q", resp["hello"])
	}
}

func TestRegisterMCPToolEndpointError(t *testing.T) {
	// WHAT: Endpoint errors surface as tool errors, not transport errors.
	// WHY: A failing scrape must not kill the whole MCP session.
	session := toolSession(t, func(srv *mcp.Server) {
		tool := &mcp.Tool{
			Name:        "boom",
			Description: "always fails",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		}
		endpoint := func(ctx context.Context, r any) (any, error) {
			return nil, errors.New("kaput")
		}
		decode := func(r *mcp.CallToolRequest) (*MCPDecodeResult, error) {
			return &MCPDecodeResult{Request: struct{}{}}, nil
		}
		RegisterMCPTool(srv, tool, endpoint, decode)
	})

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "boom",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool transport error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}
