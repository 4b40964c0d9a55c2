package session

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kervalen/stallkeep/kit"
)

// RegisterMCP registers the session status tool on an MCP server.
func RegisterMCP(srv *mcp.Server, store *Store) {
	tool := &mcp.Tool{
		Name:        "stallkeep_session_status",
		Description: "Report the derived health of a stored session: connected, needs reconnect, cookie count, expiry.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"accountId": map[string]any{"type": "string", "description": "Marketplace account identifier"},
				"platform":  map[string]any{"type": "string", "description": "Registered platform name"},
			},
			"required": []string{"accountId", "platform"},
		},
	}

	type statusReq struct {
		AccountID string `json:"accountId"`
		Platform  string `json:"platform"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*statusReq)
		return store.GetStatus(ctx, r.AccountID, r.Platform)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r statusReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
