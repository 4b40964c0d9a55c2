package scrape

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kervalen/stallkeep/kit"
)

// RegisterMCP registers the scrape tool on an MCP server.
func RegisterMCP(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_scrape",
		Description: "Scrape and score marketplace listings using a stored session. Fails with a reconnect reason when the session is unusable.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"accountId":         map[string]any{"type": "string", "description": "Marketplace account identifier"},
				"platform":          map[string]any{"type": "string", "description": "Registered platform name"},
				"maxPages":          map[string]any{"type": "integer", "description": "Listing pages to walk (capped)"},
				"useAIScoring":      map[string]any{"type": "boolean", "description": "Blend AI-assessed signals into scores"},
				"parallelScoring":   map[string]any{"type": "boolean", "description": "Score batches with a bounded worker pool"},
				"minScoreThreshold": map[string]any{"type": "number", "description": "Drop products scoring below this"},
			},
			"required": []string{"accountId", "platform"},
		},
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*Request)
		return svc.Run(ctx, *r)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r Request
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &r,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithAccountID(ctx, r.AccountID)
			},
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
