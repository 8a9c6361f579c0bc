// Package mcptools exposes the notebook façade as MCP tools, so assistants
// can store chess games and ask questions against a user's notebook.
package mcptools

import (
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

const instructions = "Each platform user owns exactly one notebook, created on first use. " +
	"Pass the same user_id to every tool; notebooks are never shared between users."

// NewServer registers every notebook tool on a fresh MCP server.
func NewServer(service *notebook.Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"notebookrelay",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	resolveTool := NewResolveTool(service)
	s.AddTool(resolveTool.Definition(), resolveTool.Handle)

	addSourceTool := NewAddSourceTool(service)
	s.AddTool(addSourceTool.Definition(), addSourceTool.Handle)

	chessTool := NewAddChessGameTool(service)
	s.AddTool(chessTool.Definition(), chessTool.Handle)

	noteTool := NewSaveNoteTool(service)
	s.AddTool(noteTool.Definition(), noteTool.Handle)

	askTool := NewAskTool(service)
	s.AddTool(askTool.Definition(), askTool.Handle)

	return s
}

// toolError turns a façade failure into a tool-level error the assistant can
// act on. Protocol errors are reserved for transport problems.
func toolError(action string, err error) *mcp.CallToolResult {
	hint := ""
	switch {
	case errors.Is(err, notebook.ErrInvalidInput):
		hint = " Check the arguments and try again."
	case errors.Is(err, notebook.ErrSessionExpired):
		hint = " The notebook session has expired; an operator must sign in again."
	case errors.Is(err, notebook.ErrExternalUnavailable), errors.Is(err, notebook.ErrCreationTimeout):
		hint = " The notebook service is temporarily unavailable; retry shortly."
	case errors.Is(err, notebook.ErrConflict):
		hint = " The notebook is being changed by another request; retry shortly."
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v.%s", action, err, hint))
}

func createdNote(created bool) string {
	if created {
		return " (new notebook created)"
	}
	return ""
}
