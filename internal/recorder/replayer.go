package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// maxLine bounds one NDJSON line; PSS datagrams are far smaller.
const maxLine = 1 << 20

// Replayer reads and replays entries from an NDJSON capture
type Replayer struct {
	filename   string
	speed      float64
	loop       bool
	entryCount int
	firstEntry *Entry
	loaded     bool
}

// NewReplayer creates a new replayer. A speed <= 0 is treated as 1.
func NewReplayer(filename string, speed float64, loop bool) *Replayer {
	if speed <= 0 {
		speed = 1
	}
	return &Replayer{
		filename: filename,
		speed:    speed,
		loop:     loop,
	}
}

func newScanner(f *os.File) *bufio.Scanner {
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return s
}

// loadMetadata reads the file once to cache count and first entry
func (r *Replayer) loadMetadata() error {
	if r.loaded {
		return nil
	}

	file, err := os.Open(r.filename)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer file.Close()

	scanner := newScanner(file)
	r.entryCount = 0

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		r.entryCount++
		if r.entryCount == 1 {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				return fmt.Errorf("failed to parse first entry: %w", err)
			}
			r.firstEntry = &e
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}

	r.loaded = true
	return nil
}

// Replay reads entries and sends them to output, spaced by their original
// inter-arrival time divided by speed.
func (r *Replayer) Replay(ctx context.Context, output chan<- Entry) error {
	for {
		if err := r.replayOnce(ctx, output); err != nil {
			return err
		}

		if !r.loop {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (r *Replayer) replayOnce(ctx context.Context, output chan<- Entry) error {
	file, err := os.Open(r.filename)
	if err != nil {
		return fmt.Errorf("failed to open capture file: %w", err)
	}
	defer file.Close()

	scanner := newScanner(file)
	var last time.Time
	lineNum, sent := 0, 0

	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return fmt.Errorf("failed to parse entry at line %d: %w", lineNum, err)
		}

		if sent > 0 {
			delay := time.Duration(float64(e.Timestamp.Sub(last)) / r.speed)
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
		}
		last = e.Timestamp

		select {
		case <-ctx.Done():
			return ctx.Err()
		case output <- e:
		}
		sent++
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}

	return nil
}

// CountEntries returns the number of entries in the capture
func (r *Replayer) CountEntries() (int, error) {
	if err := r.loadMetadata(); err != nil {
		return 0, err
	}
	return r.entryCount, nil
}

// FirstEntry returns the first entry in the capture
func (r *Replayer) FirstEntry() (*Entry, error) {
	if err := r.loadMetadata(); err != nil {
		return nil, err
	}
	if r.firstEntry == nil {
		return nil, fmt.Errorf("capture file is empty")
	}
	return r.firstEntry, nil
}

// SendUDP writes each entry's payload as one datagram to target until in
// closes or ctx ends. It returns the number of datagrams sent.
func SendUDP(ctx context.Context, target string, in <-chan Entry) (int, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", target)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, nil
		case e, ok := <-in:
			if !ok {
				return sent, nil
			}
			if _, err := conn.Write([]byte(e.Payload)); err != nil {
				return sent, fmt.Errorf("send to %s: %w", target, err)
			}
			sent++
		}
	}
}
