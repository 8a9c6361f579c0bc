// Package language keeps answers in the language the user asked for: it
// instructs the notebook before the question, checks the answer afterwards,
// and falls back to machine translation when the instruction was ignored.
package language

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
)

const (
	English = "en"
	Spanish = "es"
	Unknown = "unknown"

	minDetectableLength   = 20
	minRelativeDistance   = 0.25
	minAcceptedConfidence = 0.5
)

// Chess notation reads the same in every language, so it is removed before
// detection.
var notationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[KQRBN]?[a-h]?[1-8]?x?[a-h][1-8][+#=]?[QRBN]?\b`),
	regexp.MustCompile(`\bO-O(-O)?\b`),
	regexp.MustCompile(`\b\d+\.\s*`),
	regexp.MustCompile(`\b[A-E]\d{2}\b`),
}

var whitespace = regexp.MustCompile(`\s+`)

func StripNotation(text string) string {
	cleaned := text
	for _, pattern := range notationPatterns {
		cleaned = pattern.ReplaceAllString(cleaned, " ")
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))
}

// Detector distinguishes English from Spanish. The underlying models are
// loaded on first use.
type Detector struct {
	once     sync.Once
	detector lingua.LanguageDetector
}

func NewDetector() *Detector {
	return &Detector{}
}

func (d *Detector) model() lingua.LanguageDetector {
	d.once.Do(func() {
		d.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.Spanish).
			WithMinimumRelativeDistance(minRelativeDistance).
			Build()
	})
	return d.detector
}

// Detect returns "en", "es" or "unknown" with a confidence in [0,1]. Text
// shorter than 20 characters once notation is stripped is always unknown.
func (d *Detector) Detect(text string) (string, float64) {
	cleaned := StripNotation(text)
	if utf8.RuneCountInString(cleaned) < minDetectableLength {
		return Unknown, 0
	}
	detector := d.model()
	lang, ok := detector.DetectLanguageOf(cleaned)
	if !ok {
		return Unknown, 0
	}
	switch lang {
	case lingua.English:
		return English, detector.ComputeLanguageConfidence(cleaned, lingua.English)
	case lingua.Spanish:
		return Spanish, detector.ComputeLanguageConfidence(cleaned, lingua.Spanish)
	default:
		return Unknown, 0
	}
}

// Matches reports whether text is acceptably in expected. English answers
// and undetectable text always pass.
func (d *Detector) Matches(text, expected string) (bool, string) {
	if Normalize(expected) == English {
		return true, English
	}
	detected, confidence := d.Detect(text)
	if detected == Unknown {
		return true, detected
	}
	return detected == Normalize(expected) && confidence > minAcceptedConfidence, detected
}

// Normalize maps common spellings to a language code, defaulting to English.
func Normalize(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "es", "spa", "spanish", "español", "espanol":
		return Spanish
	case "", "en", "eng", "english":
		return English
	default:
		return strings.ToLower(strings.TrimSpace(code))
	}
}
