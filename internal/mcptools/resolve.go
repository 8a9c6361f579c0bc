package mcptools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

// ResolveTool handles the notebook_resolve MCP tool.
type ResolveTool struct {
	service *notebook.Service
}

func NewResolveTool(service *notebook.Service) *ResolveTool {
	return &ResolveTool{service: service}
}

func (t *ResolveTool) Definition() mcp.Tool {
	return mcp.NewTool("notebook_resolve",
		mcp.WithDescription(
			"Return the user's notebook, creating it on first use. Safe to call repeatedly: "+
				"the same user always gets the same notebook.",
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Platform user identifier"),
		),
		mcp.WithString("notebook_name",
			mcp.Description("Title used only if the notebook has to be created"),
		),
	)
}

func (t *ResolveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	var opts []notebook.ResolveOption
	if name := req.GetString("notebook_name", ""); name != "" {
		opts = append(opts, notebook.WithDisplayName(name))
	}
	res, err := t.service.Manager().Resolve(ctx, userID, opts...)
	if err != nil {
		return toolError("resolve notebook", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Notebook %s (%q) for %s is %s%s.",
		res.Mapping.NotebookID, res.Mapping.DisplayName, res.Mapping.UserID, res.Mapping.Status, createdNote(res.Created),
	)), nil
}
