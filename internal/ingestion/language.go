package ingestion

import (
	"fmt"
	"strings"

	"github.com/pemistahl/lingua-go"
)

const languageSampleRunes = 1000

var isoCodes = map[string]lingua.IsoCode639_1{
	"az": lingua.AZ,
	"de": lingua.DE,
	"en": lingua.EN,
	"es": lingua.ES,
	"fr": lingua.FR,
	"ru": lingua.RU,
	"tr": lingua.TR,
}

// LanguageDetector picks the most likely of the supported languages for a
// text and falls back to a default when unsure.
type LanguageDetector struct {
	detector        lingua.LanguageDetector
	single          string
	defaultLanguage string
	minConfidence   float64
}

func NewLanguageDetector(supported []string, defaultLanguage string, minConfidence float64) (*LanguageDetector, error) {
	defaultLanguage = strings.ToLower(strings.TrimSpace(defaultLanguage))

	codes := make([]lingua.IsoCode639_1, 0, len(supported))
	seen := make(map[string]bool)
	for _, lang := range supported {
		lang = strings.ToLower(strings.TrimSpace(lang))
		if lang == "" || seen[lang] {
			continue
		}
		code, ok := isoCodes[lang]
		if !ok {
			return nil, fmt.Errorf("unsupported language code %q", lang)
		}
		seen[lang] = true
		codes = append(codes, code)
	}
	if !seen[defaultLanguage] {
		return nil, fmt.Errorf("default language %q is not supported", defaultLanguage)
	}

	d := &LanguageDetector{defaultLanguage: defaultLanguage, minConfidence: minConfidence}
	// lingua needs at least two candidates.
	if len(codes) == 1 {
		d.single = defaultLanguage
		return d, nil
	}
	d.detector = lingua.NewLanguageDetectorBuilder().FromIsoCodes639_1(codes...).Build()
	return d, nil
}

func (d *LanguageDetector) Default() string {
	return d.defaultLanguage
}

// Detect returns the language of text, or the default language.
func (d *LanguageDetector) Detect(text string) string {
	return d.DetectWithFallback(text, d.defaultLanguage)
}

// DetectWithFallback returns the language of text, or fallback when the text
// is empty or no language is confident enough.
func (d *LanguageDetector) DetectWithFallback(text, fallback string) string {
	if d.single != "" {
		return d.single
	}

	sample := strings.TrimSpace(firstRunes(text, languageSampleRunes))
	if sample == "" {
		return fallback
	}

	values := d.detector.ComputeLanguageConfidenceValues(sample)
	if len(values) == 0 || values[0].Value() < d.minConfidence {
		return fallback
	}
	return strings.ToLower(values[0].Language().IsoCode639_1().String())
}

func firstRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
