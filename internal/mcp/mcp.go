// Package mcp exposes the control plane's create/get/delete operations as
// MCP tools, giving every service method both an HTTP and an MCP surface.
// It calls the same internal/control.Service the HTTP handlers use, so the
// two transports never diverge in behavior.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/navincodesalot/cf-ai-terascout/internal/control"
	"github.com/navincodesalot/cf-ai-terascout/internal/kit"
)

// Register registers terascout's scout-management tools on srv.
func Register(srv *mcp.Server, svc *control.Service) {
	registerCreateScout(srv, svc)
	registerGetScout(srv, svc)
	registerDeleteScout(srv, svc)
}

func registerCreateScout(srv *mcp.Server, svc *control.Service) {
	type req struct {
		Query     string `json:"query"`
		Email     string `json:"email"`
		ExpiresAt string `json:"expiresAt,omitempty"`
	}

	tool := &mcp.Tool{
		Name:        "terascout_create_scout",
		Description: "Create a new scout that monitors a web news source for a query and emails on new events",
		InputSchema: kit.InputSchema(map[string]any{
			"query":     map[string]any{"type": "string", "description": "Natural-language topic to monitor"},
			"email":     map[string]any{"type": "string", "description": "Destination email address"},
			"expiresAt": map[string]any{"type": "string", "description": "Optional ISO-8601 expiration timestamp"},
		}, []string{"query", "email"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		creq := control.CreateScoutRequest{Query: p.Query, Email: p.Email}
		if p.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, p.ExpiresAt)
			if err != nil {
				return nil, kit.AsClientError(err)
			}
			creq.ExpiresAt = &t
		}
		result, err := svc.CreateScout(ctx, creq)
		if err != nil {
			if errors.Is(err, control.ErrValidation) {
				return nil, kit.AsClientError(err)
			}
			return nil, err
		}
		return result, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func registerGetScout(srv *mcp.Server, svc *control.Service) {
	type req struct {
		ScoutID string `json:"scoutId"`
	}

	tool := &mcp.Tool{
		Name:        "terascout_get_scout",
		Description: "Read a scout's configuration and detected event log",
		InputSchema: kit.InputSchema(map[string]any{
			"scoutId": map[string]any{"type": "string", "description": "Scout ID"},
		}, []string{"scoutId"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		result, err := svc.GetScout(ctx, p.ScoutID)
		if err != nil {
			if errors.Is(err, control.ErrNotFound) {
				return nil, kit.AsClientError(err)
			}
			return nil, err
		}
		return result, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func registerDeleteScout(srv *mcp.Server, svc *control.Service) {
	type req struct {
		ScoutID string `json:"scoutId"`
	}

	tool := &mcp.Tool{
		Name:        "terascout_delete_scout",
		Description: "Terminate a scout's engine and wipe its state",
		InputSchema: kit.InputSchema(map[string]any{
			"scoutId": map[string]any{"type": "string", "description": "Scout ID"},
		}, []string{"scoutId"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		svc.DeleteScout(ctx, p.ScoutID)
		return map[string]any{"ok": true, "scoutId": p.ScoutID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
