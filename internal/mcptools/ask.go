package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentworkforce/notebookrelay/internal/notebook"
)

// AskTool handles the notebook_ask MCP tool.
type AskTool struct {
	service *notebook.Service
}

func NewAskTool(service *notebook.Service) *AskTool {
	return &AskTool{service: service}
}

func (t *AskTool) Definition() mcp.Tool {
	return mcp.NewTool("notebook_ask",
		mcp.WithDescription(
			"Ask a question grounded in the sources of the user's notebook. "+
				"Set language to get the answer in that language (en or es).",
		),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Platform user identifier")),
		mcp.WithString("question", mcp.Required(), mcp.Description("The question to ask")),
		mcp.WithString("conversation_id", mcp.Description("Continue an earlier conversation")),
		mcp.WithString("language", mcp.Description("Response language code, e.g. es")),
	)
}

func (t *AskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("'user_id' is required"), nil
	}
	question := req.GetString("question", "")
	if question == "" {
		return mcp.NewToolResultError("'question' is required"), nil
	}
	result, err := t.service.Ask(ctx, userID, notebook.Question{
		Text:           question,
		ConversationID: req.GetString("conversation_id", ""),
		Language:       req.GetString("language", ""),
	})
	if err != nil {
		return toolError("ask", err), nil
	}

	var b strings.Builder
	b.WriteString(result.Text)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "notebook: %s", result.NotebookID)
	if result.ConversationID != "" {
		fmt.Fprintf(&b, " | conversation: %s", result.ConversationID)
	}
	if len(result.SourcesUsed) > 0 {
		fmt.Fprintf(&b, " | sources: %s", strings.Join(result.SourcesUsed, ", "))
	}
	if result.Translated {
		b.WriteString(" | translated")
	}
	return mcp.NewToolResultText(b.String()), nil
}
