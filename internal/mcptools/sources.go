package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

// AddSourceTool handles the notebook_add_source MCP tool.
type AddSourceTool struct {
	service *notebook.Service
}

func NewAddSourceTool(service *notebook.Service) *AddSourceTool {
	return &AddSourceTool{service: service}
}

func (t *AddSourceTool) Definition() mcp.Tool {
	return mcp.NewTool("notebook_add_source",
		mcp.WithDescription("Add a web page, YouTube video or pasted text to the user's notebook."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Platform user identifier")),
		mcp.WithString("kind",
			mcp.Required(),
			mcp.Enum(string(notebook.SourceURL), string(notebook.SourceText), string(notebook.SourceYouTube)),
			mcp.Description("Source kind: url, youtube or text"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The URL for url/youtube sources, or the text itself"),
		),
		mcp.WithString("title", mcp.Description("Title; required for text sources")),
	)
}

func (t *AddSourceTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	source := notebook.Source{
		Kind:    notebook.SourceKind(req.GetString("kind", "")),
		Title:   req.GetString("title", ""),
		Content: req.GetString("content", ""),
	}
	result, err := t.service.AddSource(ctx, userID, source)
	if err != nil {
		return toolError("add source", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Added %s source %s to notebook %s%s.", source.Kind, result.SourceID, result.NotebookID, createdNote(result.NotebookCreated),
	)), nil
}

// AddChessGameTool handles the notebook_add_chess_game MCP tool.
type AddChessGameTool struct {
	service *notebook.Service
}

func NewAddChessGameTool(service *notebook.Service) *AddChessGameTool {
	return &AddChessGameTool{service: service}
}

func (t *AddChessGameTool) Definition() mcp.Tool {
	return mcp.NewTool("notebook_add_chess_game",
		mcp.WithDescription(
			"Store a chess game in the user's notebook so later questions can reference it. "+
				"The PGN is kept verbatim alongside the optional analysis.",
		),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Platform user identifier")),
		mcp.WithString("pgn", mcp.Required(), mcp.Description("Game in PGN notation")),
		mcp.WithString("title", mcp.Description("Game title, e.g. players and event")),
		mcp.WithString("analysis", mcp.Description("Free-text analysis of the game")),
	)
}

func (t *AddChessGameTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	pgn := req.GetString("pgn", "")
	if pgn == "" {
		return mcp.NewToolResultError("'pgn' is required"), nil
	}
	game := notebook.ChessGame{
		PGN:      pgn,
		Title:    req.GetString("title", ""),
		Analysis: req.GetString("analysis", ""),
	}
	result, err := t.service.AddChessGame(ctx, userID, game)
	if err != nil {
		return toolError("add chess game", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Stored chess game as source %s in notebook %s%s.", result.SourceID, result.NotebookID, createdNote(result.NotebookCreated),
	)), nil
}

// SaveNoteTool handles the notebook_save_note MCP tool.
type SaveNoteTool struct {
	service *notebook.Service
}

func NewSaveNoteTool(service *notebook.Service) *SaveNoteTool {
	return &SaveNoteTool{service: service}
}

func (t *SaveNoteTool) Definition() mcp.Tool {
	return mcp.NewTool("notebook_save_note",
		mcp.WithDescription("Save a text note to the user's notebook."),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Platform user identifier")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Note text")),
		mcp.WithString("title", mcp.Description("Note title (default: Pasted Text)")),
		mcp.WithString("notebook_name", mcp.Description("Notebook title, used only if the notebook has to be created")),
	)
}

func (t *SaveNoteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	note := notebook.Note{
		Content:      req.GetString("content", ""),
		Title:        req.GetString("title", ""),
		NotebookName: req.GetString("notebook_name", ""),
	}
	result, err := t.service.SaveNote(ctx, userID, note)
	if err != nil {
		return toolError("save note", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Saved note as source %s in notebook %s%s.", result.SourceID, result.NotebookID, createdNote(result.NotebookCreated),
	)), nil
}
