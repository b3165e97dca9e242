// Package kit provides small transport-neutral helpers shared by the HTTP
// control plane and the MCP tool surface: a request-scoped trace ID
// threaded through context, and a generic bridge from a plain
// (context, request) -> (response, error) endpoint to an MCP tool.
package kit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey string

// TraceIDKey is the context key for the per-request trace ID.
const TraceIDKey contextKey = "kit_trace_id"

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// GetTraceID retrieves the trace ID attached by WithTraceID, or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// Endpoint is a transport-neutral request handler.
type Endpoint func(ctx context.Context, req any) (any, error)

// clientError marks an endpoint failure caused by the caller's request
// (bad input, unknown ID) rather than an internal fault. RegisterMCPTool
// reports it to the caller without logging it as a server-side error.
type clientError struct{ err error }

func (e clientError) Error() string { return e.err.Error() }
func (e clientError) Unwrap() error { return e.err }

// AsClientError wraps err so RegisterMCPTool treats it as a caller mistake
// instead of an internal failure worth logging.
func AsClientError(err error) error {
	if err == nil {
		return nil
	}
	return clientError{err}
}

// MCPDecodeResult holds a decoded MCP tool request and optional context
// enrichment applied before the endpoint runs.
type MCPDecodeResult struct {
	Request   any
	EnrichCtx func(context.Context) context.Context
}

// RegisterMCPTool registers endpoint as an MCP tool on srv. decode extracts
// a typed request from the tool call's raw JSON arguments.
func RegisterMCPTool(srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, decode func(*mcp.CallToolRequest) (*MCPDecodeResult, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		if decoded.EnrichCtx != nil {
			ctx = decoded.EnrichCtx(ctx)
		}

		resp, err := endpoint(ctx, decoded.Request)
		if err != nil {
			var ce clientError
			if !errors.As(err, &ce) {
				slog.Default().ErrorContext(ctx, "mcp tool failed", "tool", tool.Name, "trace_id", GetTraceID(ctx), "error", err)
			}
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// InputSchema builds a JSON schema object for an MCP tool's arguments.
func InputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
