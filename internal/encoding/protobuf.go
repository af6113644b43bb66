package encoding

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/restrike/restrike-vta/internal/pss"
)

// ProtobufEncoder encodes records as google.protobuf.Struct messages.
// When Delimited is set each message carries a varint length prefix so
// that a stream of records can be split again.
type ProtobufEncoder struct {
	Delimited bool
}

func NewProtobufEncoder(delimited bool) *ProtobufEncoder {
	return &ProtobufEncoder{Delimited: delimited}
}

func (e *ProtobufEncoder) Encode(rec Record) ([]byte, error) {
	pb, err := recordToStruct(rec)
	if err != nil {
		return nil, err
	}
	msg, err := proto.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("marshal record seq=%d: %w", rec.Seq, err)
	}
	if !e.Delimited {
		return msg, nil
	}
	out := protowire.AppendVarint(make([]byte, 0, len(msg)+4), uint64(len(msg)))
	return append(out, msg...), nil
}

func (e *ProtobufEncoder) ContentType() string {
	return "application/x-protobuf"
}

func recordToStruct(rec Record) (*structpb.Struct, error) {
	m := map[string]any{
		"kind":        string(rec.Kind),
		"seq":         float64(rec.Seq),
		"received_at": rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"stream":      rec.Stream,
		"line":        rec.Line,
	}
	if rec.Source != "" {
		m["source"] = rec.Source
	}
	if len(rec.Fields) > 0 {
		m["fields"] = rec.Fields
	}
	pb, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert record seq=%d: %w", rec.Seq, err)
	}
	return pb, nil
}

// DecodeProtobuf reads one undelimited message back into a Record.
func DecodeProtobuf(data []byte) (Record, error) {
	var pb structpb.Struct
	if err := proto.Unmarshal(data, &pb); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	m := pb.AsMap()

	rec := Record{}
	if v, ok := m["kind"].(string); ok {
		rec.Kind = pss.Kind(v)
	}
	if v, ok := m["seq"].(float64); ok {
		rec.Seq = uint64(v)
	}
	if v, ok := m["received_at"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Record{}, fmt.Errorf("parse received_at: %w", err)
		}
		rec.ReceivedAt = ts
	}
	rec.Source, _ = m["source"].(string)
	rec.Stream, _ = m["stream"].(string)
	rec.Line, _ = m["line"].(string)
	if v, ok := m["fields"].(map[string]any); ok {
		rec.Fields = v
	}
	return rec, nil
}

// SplitDelimited splits a buffer of length-prefixed messages.
func SplitDelimited(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		n, l := protowire.ConsumeVarint(buf)
		if l < 0 {
			return nil, fmt.Errorf("bad length prefix: %w", protowire.ParseError(l))
		}
		buf = buf[l:]
		if uint64(len(buf)) < n {
			return nil, fmt.Errorf("truncated message: want %d bytes, have %d", n, len(buf))
		}
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out, nil
}
