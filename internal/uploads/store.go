// Package uploads stores submitted documents where the workers read them.
package uploads

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store copies src into dir under a unique name and returns the queue
// payload describing the stored file. The directory is created if needed.
func Store(dir string, src io.Reader, originalName string) (domain.JobPayload, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.JobPayload{}, fmt.Errorf("create upload dir: %w", err)
	}

	name := UniqueName(originalName)
	path := filepath.Join(dir, name)

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return domain.JobPayload{}, fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return domain.JobPayload{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return domain.JobPayload{}, fmt.Errorf("close %s: %w", path, err)
	}

	return domain.JobPayload{
		Filename:     name,
		OriginalName: originalName,
		Destination:  dir,
		Path:         path,
	}, nil
}

// StoreFile copies the file at path into dir, see Store.
func StoreFile(dir, path string) (domain.JobPayload, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.JobPayload{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return domain.JobPayload{}, err
	}
	if info.IsDir() {
		return domain.JobPayload{}, fmt.Errorf("%w: %s is a directory", domain.ErrInvalidInput, path)
	}
	return Store(dir, f, filepath.Base(path))
}

// UniqueName prefixes a sanitised base name with the time and a random tag.
func UniqueName(originalName string) string {
	base := unsafeName.ReplaceAllString(filepath.Base(originalName), "_")
	if base == "" || base == "." || base == ".." || base == "_" {
		base = "upload"
	}
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + domain.GenerateID()[:8] + "-" + base
}
