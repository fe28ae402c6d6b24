package postprocessors

import (
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.Chunker = (*Chunker)(nil)

// breakWindow is how far back from the hard limit a chunk may end early.
const breakWindow = 100

// ChunkConfig configures the chunker behavior.
// Sizes are counted in characters (runes).
type ChunkConfig struct {
	// MaxChunkSize is the maximum characters per chunk
	MaxChunkSize int

	// Overlap is the character overlap between consecutive chunks of a page
	Overlap int

	// PreserveSentences tries to break at sentence boundaries
	PreserveSentences bool

	// PreserveParagraphs tries to break at paragraph boundaries
	PreserveParagraphs bool
}

// DefaultChunkConfig returns sensible defaults.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize:       1000,
		Overlap:            200,
		PreserveSentences:  true,
		PreserveParagraphs: true,
	}
}

// Chunker splits pages into overlapping chunks. Chunks never span pages,
// so each one carries exactly one page number.
type Chunker struct {
	config ChunkConfig
}

// NewChunker creates a new chunker with the given config.
func NewChunker(config ChunkConfig) *Chunker {
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = DefaultChunkConfig().MaxChunkSize
	}
	if config.Overlap < 0 || config.Overlap >= config.MaxChunkSize {
		config.Overlap = 0
	}
	return &Chunker{config: config}
}

// Chunk splits units in order. ChunkIndex runs from 0 across the document.
func (c *Chunker) Chunk(units []domain.TextUnit) []domain.Chunk {
	var result []domain.Chunk
	position := 0

	for _, unit := range units {
		for _, text := range c.splitContent(unit.Text) {
			result = append(result, domain.Chunk{
				Text: text,
				Metadata: domain.ChunkMetadata{
					SourceID:   unit.SourceID,
					PageNumber: unit.PageNumber,
					ChunkIndex: position,
				},
			})
			position++
		}
	}

	return result
}

// Config returns the active configuration.
func (c *Chunker) Config() ChunkConfig {
	return c.config
}

// splitContent splits content into overlapping pieces.
func (c *Chunker) splitContent(content string) []string {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	runes := []rune(content)
	if len(runes) <= c.config.MaxChunkSize {
		return []string{content}
	}

	var pieces []string
	start := 0

	for start < len(runes) {
		end := start + c.config.MaxChunkSize
		if end > len(runes) {
			end = len(runes)
		}

		// Try to find a good break point
		if end < len(runes) && (c.config.PreserveSentences || c.config.PreserveParagraphs) {
			if breakPoint := c.findBreakPoint(runes, start, end); breakPoint > start {
				end = breakPoint
			}
		}

		pieces = append(pieces, string(runes[start:end]))

		if end >= len(runes) {
			break
		}

		// Move start with overlap, ensuring we always advance
		nextStart := end - c.config.Overlap
		if nextStart <= start {
			nextStart = start + 1
		}
		start = nextStart
	}

	return pieces
}

// findBreakPoint returns a rune offset in (start, maxEnd] to end the chunk at.
func (c *Chunker) findBreakPoint(runes []rune, start, maxEnd int) int {
	searchStart := maxEnd - breakWindow
	if searchStart < start {
		searchStart = start
	}

	window := string(runes[searchStart:maxEnd])
	at := func(byteIdx int) int {
		return searchStart + utf8.RuneCountInString(window[:byteIdx])
	}

	// Paragraph boundary (double newline)
	if c.config.PreserveParagraphs {
		if idx := strings.LastIndex(window, "\n\n"); idx != -1 {
			return at(idx + 2)
		}
	}

	// Sentence boundary
	if c.config.PreserveSentences {
		bestIdx := -1
		for _, ender := range []string{". ", "! ", "? ", ".\n", "!\n", "?\n"} {
			if idx := strings.LastIndex(window, ender); idx != -1 && idx+len(ender) > bestIdx {
				bestIdx = idx + len(ender)
			}
		}
		if bestIdx > 0 {
			return at(bestIdx)
		}
	}

	// Word boundary
	if idx := strings.LastIndex(window, " "); idx != -1 {
		return at(idx + 1)
	}

	return maxEnd
}
