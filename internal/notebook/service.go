package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// LanguageGuard steers the answer language of a question and checks the
// answer afterwards.
type LanguageGuard interface {
	Instruct(question, language string) string
	Enforce(ctx context.Context, userID, question, answer, language string) (string, bool)
}

// Service is the content and query façade. Every operation resolves the
// user's notebook first, creating it if needed, then delegates to the
// client. It never writes to the mapping store itself.
type Service struct {
	manager *Manager
	client  Client
	guard   LanguageGuard
	logger  *slog.Logger
}

func NewService(manager *Manager, client Client, guard LanguageGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{manager: manager, client: client, guard: guard, logger: logger}
}

func (s *Service) Manager() *Manager {
	return s.manager
}

type SourceResult struct {
	NotebookID      string `json:"notebookId"`
	SourceID        string `json:"sourceId,omitempty"`
	NotebookCreated bool   `json:"notebookCreated"`
}

func (s *Service) AddSource(ctx context.Context, userID string, source Source) (SourceResult, error) {
	if err := source.Validate(); err != nil {
		return SourceResult{}, err
	}
	return s.addSource(ctx, userID, source)
}

func (s *Service) addSource(ctx context.Context, userID string, source Source, opts ...ResolveOption) (SourceResult, error) {
	res, err := s.manager.Resolve(ctx, userID, opts...)
	if err != nil {
		return SourceResult{}, err
	}
	sourceID, err := s.client.AddSource(ctx, res.Mapping.NotebookID, source)
	if err != nil {
		return SourceResult{NotebookID: res.Mapping.NotebookID, NotebookCreated: res.Created},
			fmt.Errorf("add %s source for %s: %w", source.Kind, res.Mapping.UserID, err)
	}
	s.logger.Info("source added",
		"user_id", res.Mapping.UserID, "notebook_id", res.Mapping.NotebookID, "kind", string(source.Kind), "source_id", sourceID)
	return SourceResult{NotebookID: res.Mapping.NotebookID, SourceID: sourceID, NotebookCreated: res.Created}, nil
}

func (s *Service) AddChessGame(ctx context.Context, userID string, game ChessGame) (SourceResult, error) {
	if err := game.Validate(); err != nil {
		return SourceResult{}, err
	}
	return s.addSource(ctx, userID, game.Source())
}

// SaveNote adds a text note. NotebookName only takes effect when the note
// causes the notebook to be created.
func (s *Service) SaveNote(ctx context.Context, userID string, note Note) (SourceResult, error) {
	if strings.TrimSpace(note.Content) == "" {
		return SourceResult{}, fmt.Errorf("%w: note content is required", ErrInvalidInput)
	}
	var opts []ResolveOption
	if name := strings.TrimSpace(note.NotebookName); name != "" {
		opts = append(opts, WithDisplayName(name))
	}
	return s.addSource(ctx, userID, note.Source(), opts...)
}

// AddGlossary adds the chess terminology glossary for language.
func (s *Service) AddGlossary(ctx context.Context, userID, language string) (SourceResult, error) {
	source, err := GlossarySource(language)
	if err != nil {
		return SourceResult{}, err
	}
	return s.addSource(ctx, userID, source)
}

type AskResult struct {
	Answer
	NotebookID string `json:"notebookId"`
	Language   string `json:"language,omitempty"`
}

// Ask queries the user's notebook. A non-English Language is requested in
// the prompt and verified on the answer.
func (s *Service) Ask(ctx context.Context, userID string, question Question) (AskResult, error) {
	original := strings.TrimSpace(question.Text)
	if original == "" {
		return AskResult{}, fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	res, err := s.manager.Resolve(ctx, userID)
	if err != nil {
		return AskResult{}, err
	}
	language := strings.TrimSpace(question.Language)
	sent := question
	sent.Text = original
	if s.guard != nil && language != "" {
		sent.Text = s.guard.Instruct(original, language)
	}
	answer, err := s.client.Ask(ctx, res.Mapping.NotebookID, sent)
	if err != nil {
		return AskResult{}, fmt.Errorf("ask notebook for %s: %w", res.Mapping.UserID, err)
	}
	if answer.ConversationID == "" {
		answer.ConversationID = question.ConversationID
	}
	if s.guard != nil && language != "" {
		answer.Text, answer.Translated = s.guard.Enforce(ctx, res.Mapping.UserID, original, answer.Text, language)
	}
	return AskResult{Answer: answer, NotebookID: res.Mapping.NotebookID, Language: language}, nil
}

func (s *Service) Generate(ctx context.Context, userID string, req GenerateRequest) (Artifact, error) {
	if !req.Kind.Valid() {
		return Artifact{}, fmt.Errorf("%w: unknown content type %q", ErrInvalidInput, req.Kind)
	}
	res, err := s.manager.Resolve(ctx, userID)
	if err != nil {
		return Artifact{}, err
	}
	artifact, err := s.client.Generate(ctx, res.Mapping.NotebookID, req)
	if err != nil {
		return Artifact{}, fmt.Errorf("generate %s for %s: %w", req.Kind, res.Mapping.UserID, err)
	}
	if artifact.Kind == "" {
		artifact.Kind = req.Kind
	}
	if artifact.Status == "" {
		artifact.Status = "processing"
	}
	return artifact, nil
}

// RemoteNotebooks lists every notebook in the external account, including
// ones this service did not create.
func (s *Service) RemoteNotebooks(ctx context.Context) ([]NotebookInfo, error) {
	return s.client.ListNotebooks(ctx)
}

// CheckAuth reports whether the external session currently works.
func (s *Service) CheckAuth(ctx context.Context) error {
	if _, err := s.client.ListNotebooks(ctx); err != nil {
		return fmt.Errorf("check external session: %w", err)
	}
	return nil
}
