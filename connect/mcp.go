package connect

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kervalen/stallkeep/kit"
)

// RegisterMCP registers the connect flow tools on an MCP server.
func RegisterMCP(srv *mcp.Server, svc *Service) {
	registerStartTool(srv, svc)
	registerCompleteTool(srv, svc)
	registerStatusTool(srv, svc)
	registerTokenTool(srv, svc)
	registerUploadTool(srv, svc)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- connect_start ---

type startReq struct {
	AccountID string `json:"accountId"`
	Platform  string `json:"platform"`
}

func registerStartTool(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_connect_start",
		Description: "Open a visible browser at the marketplace login page and begin a connect session.",
		InputSchema: inputSchema(map[string]any{
			"accountId": map[string]any{"type": "string", "description": "Marketplace account identifier"},
			"platform":  map[string]any{"type": "string", "description": "Registered platform name"},
		}, []string{"accountId", "platform"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*startReq)
		return svc.Start(ctx, r.AccountID, r.Platform)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r startReq
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

// --- connect_complete ---

type completeReq struct {
	ConnectSessionID string `json:"connectSessionId"`
}

func registerCompleteTool(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_connect_complete",
		Description: "Capture and persist the session after the human finished logging in. Non-terminal if login is not detected yet.",
		InputSchema: inputSchema(map[string]any{
			"connectSessionId": map[string]any{"type": "string", "description": "ID returned by stallkeep_connect_start"},
		}, []string{"connectSessionId"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*completeReq)
		return svc.Complete(ctx, r.ConnectSessionID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r completeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- connect_status ---

func registerStatusTool(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_connect_status",
		Description: "Check whether a live connect session's login has completed, without side effects.",
		InputSchema: inputSchema(map[string]any{
			"connectSessionId": map[string]any{"type": "string", "description": "ID returned by stallkeep_connect_start"},
		}, []string{"connectSessionId"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*completeReq)
		return svc.Status(ctx, r.ConnectSessionID)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r completeReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- connect_token ---

func registerTokenTool(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_connect_token",
		Description: "Issue a single-use short-lived token for uploading an externally captured session.",
		InputSchema: inputSchema(map[string]any{
			"accountId": map[string]any{"type": "string", "description": "Marketplace account identifier"},
			"platform":  map[string]any{"type": "string", "description": "Registered platform name"},
		}, []string{"accountId", "platform"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*startReq)
		return svc.GenerateToken(ctx, r.AccountID, r.Platform)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r startReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- connect_upload ---

type uploadReq struct {
	Token        string          `json:"token"`
	StorageState json.RawMessage `json:"storageState"`
	Fingerprint  string          `json:"fingerprint,omitempty"`
}

func registerUploadTool(srv *mcp.Server, svc *Service) {
	tool := &mcp.Tool{
		Name:        "stallkeep_connect_upload",
		Description: "Upload a captured storage state under a connect token, activating the session.",
		InputSchema: inputSchema(map[string]any{
			"token":        map[string]any{"type": "string", "description": "Token from stallkeep_connect_token"},
			"storageState": map[string]any{"type": "object", "description": "Captured cookies and localStorage"},
			"fingerprint":  map[string]any{"type": "string", "description": "Optional client-side session fingerprint"},
		}, []string{"token", "storageState"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*uploadReq)
		return svc.UploadStorageState(ctx, r.Token, r.StorageState, r.Fingerprint)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r uploadReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
