package loader

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// PDFExtractor shells out to poppler's pdftotext, which separates pages
// with form feeds.
type PDFExtractor struct {
	runner driven.CommandRunner
	binary string
}

// NewPDFExtractor creates a PDF extractor. An empty binary means "pdftotext" on PATH.
func NewPDFExtractor(runner driven.CommandRunner, binary string) *PDFExtractor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if binary == "" {
		binary = "pdftotext"
	}
	return &PDFExtractor{runner: runner, binary: binary}
}

func (e *PDFExtractor) Extract(ctx context.Context, path string) (string, error) {
	out, err := e.runner.Run(ctx, e.binary, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s not installed (%s)", domain.ErrNotConfigured, e.binary, InstallInstructions())
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: pdftotext exited with %d: %s", domain.ErrSourceMissing, exitErr.ExitCode(), exitErr.Stderr)
		}
		return "", err
	}
	return string(out), nil
}

func (e *PDFExtractor) SupportedTypes() []string {
	return []string{"application/pdf"}
}

func (e *PDFExtractor) Priority() int {
	return 50
}

// InstallInstructions explains how to get pdftotext.
func InstallInstructions() string {
	return "install poppler: brew install poppler | apt install poppler-utils"
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
