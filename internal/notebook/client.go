package notebook

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Client is the capability set this service needs from the external notebook
// product. Implementations classify failures with ExternalError and perform
// their own retries; callers above the client never retry.
type Client interface {
	CreateNotebook(ctx context.Context, title string) (NotebookInfo, error)
	GetNotebook(ctx context.Context, notebookID string) (NotebookInfo, error)
	ListNotebooks(ctx context.Context) ([]NotebookInfo, error)
	// DeleteNotebook succeeds when the notebook is already gone.
	DeleteNotebook(ctx context.Context, notebookID string) error
	AddSource(ctx context.Context, notebookID string, source Source) (string, error)
	Ask(ctx context.Context, notebookID string, question Question) (Answer, error)
	Generate(ctx context.Context, notebookID string, req GenerateRequest) (Artifact, error)
}

type NotebookInfo struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	SourceCount int       `json:"sourceCount"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

type SourceKind string

const (
	SourceURL     SourceKind = "url"
	SourceText    SourceKind = "text"
	SourceYouTube SourceKind = "youtube"
)

// Source is content added to a notebook. Content holds the URL for url and
// youtube sources and the body for text sources.
type Source struct {
	Kind    SourceKind `json:"kind"`
	Title   string     `json:"title,omitempty"`
	Content string     `json:"content"`
}

func (s Source) Validate() error {
	content := strings.TrimSpace(s.Content)
	if content == "" {
		return fmt.Errorf("%w: source content is required", ErrInvalidInput)
	}
	switch s.Kind {
	case SourceText:
		if strings.TrimSpace(s.Title) == "" {
			return fmt.Errorf("%w: text sources need a title", ErrInvalidInput)
		}
		return nil
	case SourceURL, SourceYouTube:
		parsed, err := url.Parse(content)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("%w: %s source must be an http(s) url", ErrInvalidInput, s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidInput, s.Kind)
	}
}

type Question struct {
	Text           string   `json:"text"`
	ConversationID string   `json:"conversationId,omitempty"`
	SourceIDs      []string `json:"sourceIds,omitempty"`
	// Language is the requested response language ("en", "es"). It is
	// applied by the service and not sent to the gateway.
	Language string `json:"-"`
}

type Answer struct {
	Text           string   `json:"text"`
	ConversationID string   `json:"conversationId,omitempty"`
	SourcesUsed    []string `json:"sourcesUsed,omitempty"`
	Translated     bool     `json:"translated,omitempty"`
}

type ArtifactKind string

const (
	ArtifactPodcast ArtifactKind = "podcast"
	ArtifactQuiz    ArtifactKind = "quiz"
)

func (k ArtifactKind) Valid() bool {
	return k == ArtifactPodcast || k == ArtifactQuiz
}

type GenerateRequest struct {
	Kind     ArtifactKind `json:"kind"`
	Topic    string       `json:"topic,omitempty"`
	Language string       `json:"language,omitempty"`
}

type Artifact struct {
	ID      string       `json:"id"`
	Kind    ArtifactKind `json:"kind"`
	Status  string       `json:"status"`
	Content string       `json:"content,omitempty"`
	URL     string       `json:"url,omitempty"`
}
