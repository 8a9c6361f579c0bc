package language

import (
	"context"
	"log/slog"
)

// Guard steers and checks answer language around a notebook question.
type Guard struct {
	detector   *Detector
	translator *Translator
	logger     *slog.Logger
}

func NewGuard(detector *Detector, translator *Translator, logger *slog.Logger) *Guard {
	if detector == nil {
		detector = NewDetector()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{detector: detector, translator: translator, logger: logger}
}

// Instruct returns the question to send for an answer in language.
func (g *Guard) Instruct(question, language string) string {
	language = Normalize(language)
	if language == English {
		return question
	}
	asked, _ := g.detector.Detect(question)
	return BuildPrompt(question, language, asked)
}

// Enforce checks answer against language and translates it when the
// notebook replied in the wrong one. The bool reports a translation.
func (g *Guard) Enforce(ctx context.Context, userID, question, answer, language string) (string, bool) {
	language = Normalize(language)
	ok, detected := g.detector.Matches(answer, language)
	if ok {
		return answer, false
	}
	g.logger.Warn("answer in wrong language",
		"user_id", userID,
		"expected_lang", language,
		"detected_lang", detected,
		"question_preview", preview(question),
		"response_preview", preview(answer),
	)
	return g.translator.Translate(ctx, answer, detected, language)
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > 100 {
		return string(runes[:100])
	}
	return text
}
