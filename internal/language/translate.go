package language

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Translator calls the translation service. Failures never surface: the
// original text is returned so the user still gets an answer.
type Translator struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

type translateRequest struct {
	Text        string `json:"text"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	UseGlossary bool   `json:"use_glossary"`
}

type translateResponse struct {
	Translated string `json:"translated"`
}

func NewTranslator(baseURL string, httpClient *http.Client, logger *slog.Logger) *Translator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Translate returns the translation and whether one was applied.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (string, bool) {
	if t == nil || t.baseURL == "" || source == target || strings.TrimSpace(text) == "" {
		return text, false
	}
	translated, err := t.translate(ctx, text, source, target)
	if err != nil {
		t.logger.Warn("fallback translation failed",
			"source_lang", source, "target_lang", target, "text_length", len(text), "error", err)
		return text, false
	}
	return translated, true
}

func (t *Translator) translate(ctx context.Context, text, source, target string) (string, error) {
	body, err := json.Marshal(translateRequest{Text: text, Source: source, Target: target, UseGlossary: true})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("translation service status=%d", resp.StatusCode)
	}
	var parsed translateResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", err
	}
	if strings.TrimSpace(parsed.Translated) == "" {
		return "", fmt.Errorf("translation service returned empty text")
	}
	return parsed.Translated, nil
}
