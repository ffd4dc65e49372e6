package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// PortfolioWriter saves generated content to a markdown file.
type PortfolioWriter struct {
	path   string
	logger *slog.Logger
}

// NewPortfolioWriter creates a writer targeting path.
func NewPortfolioWriter(path string) *PortfolioWriter {
	return &PortfolioWriter{path: path, logger: slog.Default()}
}

// Write saves content to the configured file and returns the path written.
func (w *PortfolioWriter) Write(content string) (string, error) {
	if dir := filepath.Dir(w.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	if err := os.WriteFile(w.path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write portfolio entry: %w", err)
	}

	w.logger.Info("Portfolio entry saved", "file", w.path, "bytes", len(content))
	return w.path, nil
}
