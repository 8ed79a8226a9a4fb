package ingestion

import (
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/docchat/backend/pkg/logger"
)

// Chunk is a window of words taken from a single page.
type Chunk struct {
	Text       string
	PageNumber int
	ChunkIndex int
	Language   string
}

// Chunker packs sentences into overlapping word windows. Windows never cross
// a page boundary.
type Chunker struct {
	size     int
	overlap  int
	minSize  int
	detector *LanguageDetector
}

// NewChunker builds a chunker with windows of size words overlapping by the
// given fraction of a window.
func NewChunker(size int, overlap float64, minSize int, detector *LanguageDetector) *Chunker {
	if size <= 0 {
		size = 200
	}
	overlapWords := int(float64(size) * overlap)
	if overlapWords < 0 || overlapWords >= size {
		overlapWords = 0
	}
	return &Chunker{size: size, overlap: overlapWords, minSize: minSize, detector: detector}
}

// Chunk splits pages into chunks numbered from 0 across the whole document.
// Each chunk gets its own detected language, with docLanguage as fallback.
func (c *Chunker) Chunk(pages []Page, docLanguage string) []Chunk {
	var chunks []Chunk
	for _, page := range pages {
		for _, text := range c.chunkPage(page.Text) {
			chunks = append(chunks, Chunk{
				Text:       text,
				PageNumber: page.Number,
				ChunkIndex: len(chunks),
				Language:   c.detector.DetectWithFallback(text, docLanguage),
			})
		}
	}
	return chunks
}

func (c *Chunker) chunkPage(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if len(words) <= max(c.minSize, c.size) {
		return []string{strings.Join(words, " ")}
	}

	// A sentence plus the carried overlap must fit in one window.
	step := c.size - c.overlap

	var windows []string
	var window []string
	fresh := 0
	for _, sentence := range c.sentences(text) {
		for _, piece := range splitWords(sentence, step) {
			if len(window)+len(piece) > c.size && fresh > 0 {
				windows = append(windows, strings.Join(window, " "))
				tail := window[len(window)-min(c.overlap, len(window)):]
				window = append([]string(nil), tail...)
				fresh = 0
			}
			window = append(window, piece...)
			fresh += len(piece)
		}
	}
	if fresh > 0 {
		windows = append(windows, strings.Join(window, " "))
	}
	return windows
}

func (c *Chunker) sentences(text string) [][]string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		logger.Warn("Sentence segmentation failed, using whole page", zap.Error(err))
		return [][]string{strings.Fields(text)}
	}

	var out [][]string
	for _, s := range doc.Sentences() {
		if words := strings.Fields(s.Text); len(words) > 0 {
			out = append(out, words)
		}
	}
	if len(out) == 0 {
		out = [][]string{strings.Fields(text)}
	}
	return out
}

func splitWords(words []string, n int) [][]string {
	if len(words) <= n {
		return [][]string{words}
	}
	var pieces [][]string
	for start := 0; start < len(words); start += n {
		pieces = append(pieces, words[start:min(start+n, len(words))])
	}
	return pieces
}
