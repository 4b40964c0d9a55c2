// Package kit provides transport glue shared by stallkeep's HTTP and MCP
// surfaces: a generic endpoint shape, request-scoped context keys, and the
// MCP tool registration helper.
package kit

import "context"

// Endpoint is the transport-agnostic handler shape: a typed request in,
// a serialisable response out.
type Endpoint func(ctx context.Context, req any) (any, error)

type contextKey string

const (
	// AccountIDKey carries the marketplace account ID of the current request.
	AccountIDKey contextKey = "kit_account_id"
	// RequestIDKey carries the per-request ID assigned at the transport edge.
	RequestIDKey contextKey = "kit_request_id"
	// TransportKey names the transport the request arrived on: "http", "mcp".
	TransportKey contextKey = "kit_transport"
)

func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AccountIDKey, id)
}

func GetAccountID(ctx context.Context) string {
	v, _ := ctx.Value(AccountIDKey).(string)
	return v
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}
