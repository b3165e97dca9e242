package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/navincodesalot/cf-ai-terascout/internal/catalog"
	"github.com/navincodesalot/cf-ai-terascout/internal/control"
	"github.com/navincodesalot/cf-ai-terascout/internal/dbopen"
	"github.com/navincodesalot/cf-ai-terascout/internal/engine"
	"github.com/navincodesalot/cf-ai-terascout/internal/llmclient"
	_ "modernc.org/sqlite"
)

var testMCPImpl = &mcp.Implementation{Name: "terascout-test", Version: "0.1.0"}

type fakeExtractor struct{}

func (fakeExtractor) ExtractQuery(ctx context.Context, query string) (llmclient.ExtractedQuery, error) {
	return llmclient.ExtractedQuery{Phrase: query, Window: llmclient.Window7Days}, nil
}

type fakeManager struct{}

func (fakeManager) Spawn(ctx context.Context, ref engine.ScoutRef) error { return nil }
func (fakeManager) Terminate(scoutID string)                            {}

func testService(t *testing.T) *control.Service {
	t.Helper()
	catDB := dbopen.OpenMemory(t)
	if err := catalog.ApplySchema(catDB); err != nil {
		t.Fatalf("catalog schema: %v", err)
	}
	cat := catalog.New(catDB, t.TempDir())

	// The service closes every handle it opens, so each call opens a fresh
	// handle on the scout's file under the catalog's temp data dir.
	openDB := func(path string) (*sql.DB, error) {
		return dbopen.Open(path, dbopen.WithMkdirAll())
	}

	return control.New(cat, fakeManager{}, fakeExtractor{}, nil, openDB, control.Options{DefaultLifetimeHours: 72, MaxLifetimeHours: 168}, nil)
}

func mcpSession(t *testing.T, svc *control.Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	Register(srv, svc)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func mcpCallToolExpectError(t *testing.T, session *mcp.ClientSession, name string, args any) error {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result.GetError()
}

func TestMCP_CreateGetDeleteScout(t *testing.T) {
	svc := testService(t)
	session := mcpSession(t, svc)

	createText := mcpCallTool(t, session, "terascout_create_scout", map[string]any{
		"query": "nvidia gpu drops",
		"email": "u@e.com",
	})
	var created control.CreateScoutResult
	if err := json.Unmarshal([]byte(createText), &created); err != nil {
		t.Fatalf("unmarshal create result: %v", err)
	}
	if created.ScoutID == "" {
		t.Fatal("expected non-empty scoutId")
	}

	getText := mcpCallTool(t, session, "terascout_get_scout", map[string]any{"scoutId": created.ScoutID})
	var got control.GetScoutResult
	if err := json.Unmarshal([]byte(getText), &got); err != nil {
		t.Fatalf("unmarshal get result: %v", err)
	}
	if got.Config == nil || got.Config.Query != "nvidia gpu drops" {
		t.Errorf("got config %+v", got.Config)
	}

	deleteText := mcpCallTool(t, session, "terascout_delete_scout", map[string]any{"scoutId": created.ScoutID})
	var deleted map[string]any
	if err := json.Unmarshal([]byte(deleteText), &deleted); err != nil {
		t.Fatalf("unmarshal delete result: %v", err)
	}
	if ok, _ := deleted["ok"].(bool); !ok {
		t.Error("expected ok=true")
	}

	err := mcpCallToolExpectError(t, session, "terascout_get_scout", map[string]any{"scoutId": created.ScoutID})
	if err == nil {
		t.Fatal("expected an error getting a deleted scout")
	}
}

func TestMCP_CreateScoutValidationError(t *testing.T) {
	svc := testService(t)
	session := mcpSession(t, svc)

	err := mcpCallToolExpectError(t, session, "terascout_create_scout", map[string]any{
		"query": "",
		"email": "u@e.com",
	})
	if err == nil {
		t.Fatal("expected a validation error for empty query")
	}
}
