package mcptools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type memoryClient struct {
	mu        sync.Mutex
	creates   int
	notebooks map[string][]notebook.Source
	createErr error
}

func (c *memoryClient) CreateNotebook(_ context.Context, title string) (notebook.NotebookInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return notebook.NotebookInfo{}, c.createErr
	}
	c.creates++
	id := fmt.Sprintf("nb_%d", c.creates)
	c.notebooks[id] = nil
	return notebook.NotebookInfo{ID: id, Title: title}, nil
}

func (c *memoryClient) GetNotebook(_ context.Context, id string) (notebook.NotebookInfo, error) {
	return notebook.NotebookInfo{ID: id}, nil
}

func (c *memoryClient) ListNotebooks(context.Context) ([]notebook.NotebookInfo, error) {
	return nil, nil
}

func (c *memoryClient) DeleteNotebook(context.Context, string) error {
	return nil
}

func (c *memoryClient) AddSource(_ context.Context, id string, source notebook.Source) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notebooks[id] = append(c.notebooks[id], source)
	return fmt.Sprintf("src_%d", len(c.notebooks[id])), nil
}

func (c *memoryClient) Ask(_ context.Context, id string, q notebook.Question) (notebook.Answer, error) {
	return notebook.Answer{Text: "You played the Italian Game.", ConversationID: "conv_7", SourcesUsed: []string{"src_1"}}, nil
}

func (c *memoryClient) Generate(_ context.Context, id string, req notebook.GenerateRequest) (notebook.Artifact, error) {
	return notebook.Artifact{ID: "art_1", Kind: req.Kind}, nil
}

func newTestService(t *testing.T) (*notebook.Service, *memoryClient) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := &memoryClient{notebooks: map[string][]notebook.Source{}}
	manager, err := notebook.NewManager(notebook.ManagerOptions{
		Store:  notebook.NewInMemoryMappingStore(),
		Client: client,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return notebook.NewService(manager, client, nil, logger), client
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestToolDefinitions(t *testing.T) {
	service, _ := newTestService(t)
	defs := []struct {
		name     string
		tool     mcp.Tool
		required []string
	}{
		{"notebook_resolve", NewResolveTool(service).Definition(), []string{"user_id"}},
		{"notebook_add_source", NewAddSourceTool(service).Definition(), []string{"user_id", "kind", "content"}},
		{"notebook_add_chess_game", NewAddChessGameTool(service).Definition(), []string{"user_id", "pgn"}},
		{"notebook_save_note", NewSaveNoteTool(service).Definition(), []string{"user_id", "content"}},
		{"notebook_ask", NewAskTool(service).Definition(), []string{"user_id", "question"}},
	}
	for _, d := range defs {
		if d.tool.Name != d.name {
			t.Errorf("tool name = %q, want %q", d.tool.Name, d.name)
		}
		for _, field := range d.required {
			found := false
			for _, r := range d.tool.InputSchema.Required {
				if r == field {
					found = true
				}
			}
			if !found {
				t.Errorf("%s: %q should be required", d.name, field)
			}
		}
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	service, _ := newTestService(t)
	if s := NewServer(service, "test"); s == nil {
		t.Fatal("expected an MCP server")
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func TestChessGameThenAsk(t *testing.T) {
	service, client := newTestService(t)
	ctx := context.Background()

	res, err := NewAddChessGameTool(service).Handle(ctx, makeReq(map[string]interface{}{
		"user_id": "alice",
		"pgn":     "1. e4 e5 2. Nf3 Nc6 3. Bc4",
		"title":   "Italian Game",
	}))
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "new notebook created") {
		t.Errorf("expected creation note, got %q", resultText(res))
	}
	if client.creates != 1 {
		t.Errorf("creates = %d, want 1", client.creates)
	}

	res, err = NewAskTool(service).Handle(ctx, makeReq(map[string]interface{}{
		"user_id":  "alice",
		"question": "What opening did I play?",
	}))
	if err != nil || res.IsError {
		t.Fatalf("ask failed: %v %s", err, resultText(res))
	}
	text := resultText(res)
	if !strings.Contains(text, "Italian Game") || !strings.Contains(text, "conversation: conv_7") {
		t.Errorf("unexpected answer: %q", text)
	}
	if client.creates != 1 {
		t.Errorf("ask should reuse the notebook, creates = %d", client.creates)
	}
}

func TestResolveAndSaveNote(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	res, _ := NewSaveNoteTool(service).Handle(ctx, makeReq(map[string]interface{}{
		"user_id":       "bob",
		"content":       "Develop knights before bishops.",
		"notebook_name": "Bob's notes",
	}))
	if res.IsError {
		t.Fatalf("save note failed: %s", resultText(res))
	}

	res, _ = NewResolveTool(service).Handle(ctx, makeReq(map[string]interface{}{"user_id": "BOB"}))
	text := resultText(res)
	if res.IsError || !strings.Contains(text, `"Bob's notes"`) || strings.Contains(text, "new notebook created") {
		t.Errorf("expected existing notebook, got %q", text)
	}
}

func TestHandlersRejectMissingArguments(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()
	cases := []struct {
		name   string
		handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
		args   map[string]interface{}
		want   string
	}{
		{"resolve", NewResolveTool(service).Handle, map[string]interface{}{}, "'user_id' is required"},
		{"chess", NewAddChessGameTool(service).Handle, map[string]interface{}{"user_id": "a"}, "'pgn' is required"},
		{"ask", NewAskTool(service).Handle, map[string]interface{}{"user_id": "a"}, "'question' is required"},
		{"source", NewAddSourceTool(service).Handle, map[string]interface{}{"user_id": "a", "kind": "pdf", "content": "x"}, "Check the arguments"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.handle(ctx, makeReq(tc.args))
			if err != nil {
				t.Fatalf("unexpected protocol error: %v", err)
			}
			if !res.IsError || !strings.Contains(resultText(res), tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, resultText(res))
			}
		})
	}
}

func TestUnavailableGatewayIsToolError(t *testing.T) {
	service, client := newTestService(t)
	client.createErr = &notebook.ExternalError{Op: "create_notebook", StatusCode: 503, Temporary: true}

	res, err := NewResolveTool(service).Handle(context.Background(), makeReq(map[string]interface{}{"user_id": "carol"}))
	if err != nil {
		t.Fatalf("unexpected protocol error: %v", err)
	}
	if !res.IsError || !strings.Contains(resultText(res), "retry shortly") {
		t.Errorf("expected retry hint, got %q", resultText(res))
	}
}
