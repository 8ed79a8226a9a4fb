package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/apperr"
	"github.com/docchat/backend/pkg/logger"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

// Page is the text of one page; Number starts at 1.
type Page struct {
	Number int
	Text   string
}

type Extraction struct {
	Pages     []Page
	PageCount int
	Language  string
}

type Extractor struct {
	detector *LanguageDetector
}

func NewExtractor(detector *LanguageDetector) *Extractor {
	return &Extractor{detector: detector}
}

// SupportedExtension reports whether filename has a type the extractor reads.
func SupportedExtension(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".html", ".htm":
		return true
	default:
		return false
	}
}

// Extract returns every page of the document in order, including pages
// without text, and the detected document language.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename string) (*Extraction, error) {
	if len(data) == 0 {
		return nil, apperr.New(apperr.KindExtraction, "document is empty")
	}

	var pages []Page
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		pages, err = extractPDF(ctx, data)
	case ".html", ".htm":
		pages, err = extractHTML(data)
	default:
		return nil, apperr.New(apperr.KindExtraction, fmt.Sprintf("unsupported file type %q", filepath.Ext(filename)))
	}
	if err != nil {
		return nil, err
	}

	var all strings.Builder
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		if all.Len() > 0 {
			all.WriteByte(' ')
		}
		all.WriteString(p.Text)
		if all.Len() >= 4*languageSampleRunes {
			break
		}
	}
	if all.Len() == 0 {
		return nil, apperr.New(apperr.KindExtraction, "no extractable text found")
	}

	language := e.detector.Detect(all.String())

	logger.Debug("Document extracted",
		zap.String("filename", filename),
		zap.Int("pages", len(pages)),
		zap.String("language", language),
	)

	return &Extraction{Pages: pages, PageCount: len(pages), Language: language}, nil
}

func extractPDF(ctx context.Context, data []byte) (pages []Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = apperr.New(apperr.KindExtraction, fmt.Sprintf("malformed PDF: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExtraction, "failed to open PDF", err)
	}

	numPages := reader.NumPage()
	if numPages == 0 {
		return nil, apperr.New(apperr.KindExtraction, "PDF has no pages")
	}

	pages = make([]Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		text := ""
		if !page.V.IsNull() {
			raw, err := page.GetPlainText(nil)
			if err != nil {
				logger.Warn("Failed to read PDF page", zap.Int("page", i), zap.Error(err))
			} else {
				text = normalizeText(raw)
			}
		}
		pages = append(pages, Page{Number: i, Text: text})
	}
	return pages, nil
}

func extractHTML(data []byte) ([]Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExtraction, "failed to parse HTML", err)
	}

	doc.Find("script, style, nav, footer, header, aside, noscript").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	var parts []string
	collectText(doc.Find("body"), &parts)
	return []Page{{Number: 1, Text: normalizeText(strings.Join(parts, " "))}}, nil
}

// collectText appends the text nodes under s in document order. Selection.Text
// concatenates sibling elements without a separator, which glues the words of
// adjacent blocks together.
func collectText(s *goquery.Selection, parts *[]string) {
	s.Contents().Each(func(_ int, node *goquery.Selection) {
		switch goquery.NodeName(node) {
		case "#text":
			if text := strings.TrimSpace(node.Text()); text != "" {
				*parts = append(*parts, text)
			}
		case "#comment":
		default:
			collectText(node, parts)
		}
	})
}

func normalizeText(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}
