package notebook

import (
	"errors"
	"strings"
	"testing"
)

func TestChessGameSourceFormatsMarkdown(t *testing.T) {
	game := ChessGame{
		PGN:      "1. e4 e5 2. Nf3 Nc6 3. Bc4",
		Title:    "Italian practice",
		Analysis: "White develops quickly.",
	}
	source := game.Source()
	if source.Kind != SourceText || source.Title != "Italian practice" {
		t.Fatalf("unexpected source header: %+v", source)
	}
	want := "# Chess Game: Italian practice\n\n## PGN Notation\n```\n1. e4 e5 2. Nf3 Nc6 3. Bc4\n```\n\n## Analysis\nWhite develops quickly.\n"
	if source.Content != want {
		t.Fatalf("unexpected content:\n%s", source.Content)
	}
}

func TestChessGameDefaultsAndValidation(t *testing.T) {
	source := ChessGame{PGN: "1. d4 d5"}.Source()
	if source.Title != "Chess Game" || !strings.HasPrefix(source.Content, "# Chess Game: Game Analysis") {
		t.Fatalf("unexpected defaults: %+v", source)
	}
	if strings.Contains(source.Content, "## Analysis") {
		t.Fatalf("analysis section should be omitted when empty")
	}
	if err := (ChessGame{PGN: "  "}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty pgn, got %v", err)
	}
}

func TestSourceValidate(t *testing.T) {
	valid := []Source{
		{Kind: SourceURL, Content: "https://lichess.org/study/abc"},
		{Kind: SourceYouTube, Content: "https://www.youtube.com/watch?v=x"},
		{Kind: SourceText, Title: "Notes", Content: "body"},
	}
	for _, s := range valid {
		if err := s.Validate(); err != nil {
			t.Fatalf("expected %+v to be valid, got %v", s, err)
		}
	}
	invalid := []Source{
		{Kind: SourceURL, Content: "not a url"},
		{Kind: SourceText, Content: "missing title"},
		{Kind: "pdf", Content: "x"},
		{Kind: SourceText, Title: "t", Content: " "},
	}
	for _, s := range invalid {
		if err := s.Validate(); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected %+v to be invalid, got %v", s, err)
		}
	}
}

func TestGlossarySource(t *testing.T) {
	source, err := GlossarySource("ES")
	if err != nil {
		t.Fatalf("glossary failed: %v", err)
	}
	if source.Title != GlossaryTitle || !strings.Contains(source.Content, "| knight | caballo |") {
		t.Fatalf("unexpected glossary source: %s", source.Title)
	}
	if _, err := GlossarySource("fr"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected unsupported language to be rejected, got %v", err)
	}
}
