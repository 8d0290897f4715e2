package moderation

import (
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

// MinDetectRunes is the shortest text the built-in detector will attempt to
// classify. Shorter texts are reported as undetected.
const MinDetectRunes = 20

// LanguageDetector returns the ISO 639-1 code of text. ok is false when the
// language could not be determined with confidence.
type LanguageDetector interface {
	Detect(text string) (code string, ok bool)
}

// WhatlangDetector detects languages with trigram statistics.
type WhatlangDetector struct {
	MinRunes int
}

// Detect implements LanguageDetector.
func (d WhatlangDetector) Detect(text string) (string, bool) {
	minRunes := d.MinRunes
	if minRunes <= 0 {
		minRunes = MinDetectRunes
	}
	if utf8.RuneCountInString(text) < minRunes {
		return "", false
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "", false
	}
	code := info.Lang.Iso6391()
	return code, code != ""
}
