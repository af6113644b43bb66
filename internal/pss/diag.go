package pss

import "fmt"

// DiagKind classifies a Diagnostic.
type DiagKind string

const (
	DiagUnknownStream     DiagKind = "UnknownStream"
	DiagMissingField      DiagKind = "MissingField"
	DiagInvalidValue      DiagKind = "InvalidValue"
	DiagUnparseable       DiagKind = "Unparseable"
	DiagTruncated         DiagKind = "Truncated"
	DiagOutOfOrder        DiagKind = "OutOfOrder"
	DiagWarningsDecreased DiagKind = "WarningsDecreased"
	DiagScoreClamped      DiagKind = "ScoreClamped"
	DiagSchemaMismatch    DiagKind = "SchemaMismatch"
)

// Diagnostic is a non-fatal finding from decoding or folding.
type Diagnostic struct {
	Kind    DiagKind `json:"kind"`
	Stream  string   `json:"stream,omitempty"`
	Field   string   `json:"field,omitempty"`
	Message string   `json:"message"`
	Line    string   `json:"line,omitempty"`
	Seq     uint64   `json:"seq,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Stream != "" {
		return fmt.Sprintf("%s [%s]: %s", d.Kind, d.Stream, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}
