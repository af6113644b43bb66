// Package recorder captures raw PSS datagrams to NDJSON and replays them
// to a UDP target with their original spacing.
package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restrike/restrike-vta/internal/ingest"
)

// Entry is one captured datagram.
type Entry struct {
	Run       string    `json:"run"`
	Timestamp time.Time `json:"ts"`
	Source    string    `json:"source,omitempty"`
	Payload   string    `json:"payload"`
}

// Recorder writes datagrams to an NDJSON file
type Recorder struct {
	run    string
	file   *os.File
	writer *bufio.Writer
	enc    *json.Encoder
	count  int
	mu     sync.Mutex
}

// NewRecorder creates a new recorder. Every entry carries a fresh run id.
func NewRecorder(filename string) (*Recorder, error) {
	file, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	w := bufio.NewWriter(file)
	return &Recorder{
		run:    uuid.NewString(),
		file:   file,
		writer: w,
		enc:    json.NewEncoder(w),
	}, nil
}

// Run returns the capture run id.
func (r *Recorder) Run() string { return r.run }

// Count returns the number of entries written.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Record writes one datagram as a JSON line
func (r *Recorder) Record(d ingest.Datagram) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enc.Encode(Entry{
		Run:       r.run,
		Timestamp: d.ReceivedAt,
		Source:    d.Source,
		Payload:   string(d.Payload),
	}); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	r.count++
	return nil
}

// RecordFromChannel reads datagrams from a channel and records them
func (r *Recorder) RecordFromChannel(ctx context.Context, in <-chan ingest.Datagram, onEntry func()) error {
	for {
		select {
		case <-ctx.Done():
			return r.Close()
		case d, ok := <-in:
			if !ok {
				return r.Close()
			}
			if err := r.Record(d); err != nil {
				return err
			}
			if onEntry != nil {
				onEntry()
			}
		}
	}
}

// Flush flushes the buffer to disk
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer.Flush()
}

// Close flushes and closes the recorder
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writer.Flush(); err != nil {
		r.file.Close()
		return fmt.Errorf("failed to flush buffer: %w", err)
	}

	if err := r.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	return nil
}
