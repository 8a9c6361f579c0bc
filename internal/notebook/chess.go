package notebook

import (
	"fmt"
	"strings"
)

// ChessGame is a game submitted for study. PGN is required.
type ChessGame struct {
	PGN      string `json:"pgn"`
	Title    string `json:"title,omitempty"`
	Analysis string `json:"analysis,omitempty"`
}

func (g ChessGame) Validate() error {
	if strings.TrimSpace(g.PGN) == "" {
		return fmt.Errorf("%w: pgn is required", ErrInvalidInput)
	}
	return nil
}

// Source flattens the game into a markdown text source.
func (g ChessGame) Source() Source {
	heading := strings.TrimSpace(g.Title)
	if heading == "" {
		heading = "Game Analysis"
	}
	title := strings.TrimSpace(g.Title)
	if title == "" {
		title = "Chess Game"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Chess Game: %s\n\n", heading)
	b.WriteString("## PGN Notation\n```\n")
	b.WriteString(strings.TrimSpace(g.PGN))
	b.WriteString("\n```\n")
	if analysis := strings.TrimSpace(g.Analysis); analysis != "" {
		b.WriteString("\n## Analysis\n")
		b.WriteString(analysis)
		b.WriteString("\n")
	}
	return Source{Kind: SourceText, Title: title, Content: b.String()}
}

// Note is free-form text saved into the user's notebook.
type Note struct {
	Content      string `json:"content"`
	Title        string `json:"title,omitempty"`
	NotebookName string `json:"notebookName,omitempty"`
}

func (n Note) Source() Source {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		title = "Pasted Text"
	}
	return Source{Kind: SourceText, Title: title, Content: n.Content}
}
