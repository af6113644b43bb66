// Package encoding turns decoded PSS events into export records.
package encoding

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/restrike/restrike-vta/internal/pss"
)

// Format represents the encoding format
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

// ParseFormat accepts json, protobuf or proto.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto":
		return FormatProtobuf, nil
	}
	return "", fmt.Errorf("unknown format %q (want json or protobuf)", s)
}

// Record is the flat export form of one event: the header plus the
// variant's own fields.
type Record struct {
	Kind       pss.Kind       `json:"kind"`
	Seq        uint64         `json:"seq"`
	ReceivedAt time.Time      `json:"received_at"`
	Source     string         `json:"source,omitempty"`
	Stream     string         `json:"stream"`
	Line       string         `json:"line"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var headerKeys = []string{"seq", "received_at", "source", "stream", "line"}

// NewRecord flattens ev.
func NewRecord(ev pss.Event) (Record, error) {
	h := ev.Meta()
	rec := Record{
		Kind:       ev.Kind(),
		Seq:        h.Seq,
		ReceivedAt: h.ReceivedAt,
		Source:     h.Source,
		Stream:     h.Stream,
		Line:       h.Line,
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s event: %w", ev.Kind(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, fmt.Errorf("flatten %s event: %w", ev.Kind(), err)
	}
	for _, k := range headerKeys {
		delete(fields, k)
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	return rec, nil
}

// Encoder encodes records to bytes
type Encoder interface {
	Encode(rec Record) ([]byte, error)
	ContentType() string
}

// JSONEncoder encodes records as one JSON object each
type JSONEncoder struct{}

func NewJSONEncoder() *JSONEncoder {
	return &JSONEncoder{}
}

func (e *JSONEncoder) Encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func (e *JSONEncoder) ContentType() string {
	return "application/json"
}

// NewEncoder creates an encoder for the given format
func NewEncoder(format Format) Encoder {
	switch format {
	case FormatProtobuf:
		return NewProtobufEncoder(true)
	default:
		return NewJSONEncoder()
	}
}
