package scoring

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kervalen/stallkeep/kit"
)

// RegisterMCP registers the ad-hoc scoring tool on an MCP server. It lets
// a caller score products they already have without running a scrape.
func RegisterMCP(srv *mcp.Server, engine *Engine) {
	tool := &mcp.Tool{
		Name:        "stallkeep_score",
		Description: "Score a list of products (name, price, commission, popularity). Returns them sorted by score with grades and tags.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"products": map[string]any{
					"type":        "array",
					"description": "Products to score",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"name":       map[string]any{"type": "string"},
							"price":      map[string]any{"type": "number"},
							"commission": map[string]any{"type": "number"},
							"popularity": map[string]any{"type": "number"},
							"category":   map[string]any{"type": "string"},
						},
						"required": []string{"name", "price"},
					},
				},
				"useAI":    map[string]any{"type": "boolean", "description": "Blend AI-assessed signals into scores"},
				"parallel": map[string]any{"type": "boolean", "description": "Score with a bounded worker pool"},
			},
			"required": []string{"products"},
		},
	}

	type scoreReq struct {
		Products []Product `json:"products"`
		UseAI    bool      `json:"useAI"`
		Parallel bool      `json:"parallel"`
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*scoreReq)
		scored := engine.BatchScore(ctx, r.Products, BatchOptions{UseAI: r.UseAI, Parallel: r.Parallel})
		return map[string]any{
			"products": scored,
			"count":    len(scored),
		}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r scoreReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
