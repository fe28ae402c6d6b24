// Package loader turns stored uploads into page-tagged text.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DocumentLoader = (*Loader)(nil)

const formFeed = "\f"

// Loader picks an extractor by MIME type and splits its output into pages.
type Loader struct {
	registry driven.ExtractorRegistry
	logger   *slog.Logger
}

// New creates a loader backed by registry.
func New(registry driven.ExtractorRegistry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{registry: registry, logger: logger}
}

// Load returns one TextUnit per non-blank page. Page numbers are 1-based
// and keep their position even when blank pages are dropped.
func (l *Loader) Load(ctx context.Context, path string, sourceID string) ([]domain.TextUnit, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, statError(path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", domain.ErrSourceMissing, path)
	}
	if info.Size() == 0 {
		l.logger.Debug("empty source file", "path", path)
		return nil, nil
	}

	mimeType, err := detectMIMEType(path)
	if err != nil {
		return nil, statError(path, err)
	}
	extractor := l.registry.Get(mimeType)
	if extractor == nil {
		return nil, fmt.Errorf("%w: no extractor for %s", domain.ErrSourceMissing, mimeType)
	}

	text, err := extractor.Extract(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, statError(path, err)
		}
		return nil, err
	}

	units := SplitPages(text, sourceID)
	l.logger.Debug("document loaded", "path", path, "mime_type", mimeType, "pages", len(units))
	return units, nil
}

// SplitPages splits text on form feeds, normalises line endings and drops
// blank pages.
func SplitPages(text string, sourceID string) []domain.TextUnit {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var units []domain.TextUnit
	for i, page := range strings.Split(text, formFeed) {
		page = strings.TrimSpace(page)
		if page == "" {
			continue
		}
		units = append(units, domain.TextUnit{
			Text:       page,
			PageNumber: i + 1,
			SourceID:   sourceID,
		})
	}
	return units
}

func statError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %s: %v", domain.ErrSourceMissing, path, err)
	}
	return fmt.Errorf("read %s: %w", path, err)
}

// detectMIMEType uses the extension first and falls back to content sniffing.
func detectMIMEType(path string) (string, error) {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}
