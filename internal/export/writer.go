package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/restrike/restrike-vta/internal/pathgen"
)

// Writer defines the interface for report output writers
type Writer interface {
	Write(r *Report) error
	Close() error
}

func marshal(r *Report, format string) ([]byte, error) {
	var data []byte
	var err error
	if format == "ndjson" {
		data, err = json.Marshal(r)
	} else {
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}
	return append(data, '\n'), nil
}

// StreamWriter writes reports to an io.Writer, typically stdout
type StreamWriter struct {
	out    io.Writer
	format string // "json" or "ndjson"
	mu     sync.Mutex
}

// NewStreamWriter creates a new stream writer
func NewStreamWriter(out io.Writer, format string) *StreamWriter {
	return &StreamWriter{
		out:    out,
		format: format,
	}
}

// Write writes one report
func (w *StreamWriter) Write(r *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := marshal(r, w.format)
	if err != nil {
		return err
	}
	_, err = w.out.Write(data)
	return err
}

// Close is a no-op for stream writer
func (w *StreamWriter) Close() error {
	return nil
}

// FileWriter writes each report to its own file in a directory
type FileWriter struct {
	dir    string
	format string
	mu     sync.Mutex
}

// NewFileWriter creates a new file writer
func NewFileWriter(dir string, format string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	return &FileWriter{
		dir:    dir,
		format: format,
	}, nil
}

// Filename is the file a report is written to.
func Filename(r *Report) string {
	return fmt.Sprintf("match_%s_%s.json", pathgen.Sanitize(r.MatchID), r.ExportID)
}

// Write writes one report file
func (w *FileWriter) Write(r *Report) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := marshal(r, w.format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.dir, Filename(r)), data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// Close is a no-op for file writer
func (w *FileWriter) Close() error {
	return nil
}

// MultiWriter writes to multiple destinations
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a writer that writes to multiple destinations
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write writes to all underlying writers
func (w *MultiWriter) Write(r *Report) error {
	for _, writer := range w.writers {
		if err := writer.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all underlying writers
func (w *MultiWriter) Close() error {
	for _, writer := range w.writers {
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return nil
}
