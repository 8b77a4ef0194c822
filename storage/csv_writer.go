package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"banggood-pipeline/models"
)

var rejectHeader = []string{
	"run_id", "product_id", "title", "raw_price", "raw_rating", "raw_review_count",
	"url", "code", "reason", "scraped_at",
}

// RejectsCSVWriter appends rejected raw listings to a CSV audit file.
// It is safe for concurrent use.
type RejectsCSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewRejectsCSVWriter opens (or creates) the CSV file at the given path in
// append mode. The header row is written only when the file is new.
// Intermediate directories are created automatically.
func NewRejectsCSVWriter(path string) (*RejectsCSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(rejectHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &RejectsCSVWriter{file: f, writer: w}, nil
}

// WriteRejected appends one row per rejection.
func (c *RejectsCSVWriter) WriteRejected(runID string, rejected []models.Rejection) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range rejected {
		var code, reason string
		if r.Err != nil {
			code, reason = string(r.Err.Code), r.Err.Reason
		}
		row := []string{
			runID,
			r.Raw.ProductID,
			r.Raw.Title,
			r.Raw.Price,
			r.Raw.Rating,
			r.Raw.ReviewCount,
			r.Raw.URL,
			code,
			reason,
			r.Raw.ScrapedAt.UTC().Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *RejectsCSVWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writer.Flush()
	return c.file.Close()
}
