package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/encoding"
	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/recorder"
)

var (
	decodeSchema string
	decodeIn     string
	decodeFormat string
	decodePolicy string
	decodeStrict bool
)

var decodeCmd = &cobra.Command{
	Use:   "decode [datagram...]",
	Short: "Decode PSS datagrams offline",
	Long: `Decodes PSS datagrams given as arguments or read from a file, one per
line. Capture files written by 'restrike capture' are accepted as-is.

Events are written to stdout as JSON lines or as a varint-delimited
protobuf stream; diagnostics go to stderr.

Examples:
  restrike decode 'POINTS;1;body' 'WARNINGS;1;0'
  restrike decode --schema pss_v2.4.yaml --in match.ndjson
  restrike decode --in match.ndjson --format protobuf > match.pb`,
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().StringVar(&decodeSchema, "schema", "", "Schema file (built-in v2.3 when empty)")
	decodeCmd.Flags().StringVar(&decodeIn, "in", "", "Read datagrams from file ('-' for stdin)")
	decodeCmd.Flags().StringVar(&decodeFormat, "format", "json", "Output format: json|protobuf")
	decodeCmd.Flags().StringVar(&decodePolicy, "unknown-fields", "", "Override the schema's unknown stream policy: ignore|warn|error")
	decodeCmd.Flags().BoolVar(&decodeStrict, "strict", false, "Exit non-zero when any diagnostic is reported")
}

type decodeSummary struct {
	Datagrams   int
	Events      int
	Diagnostics int
}

func runDecode(cmd *cobra.Command, args []string) error {
	schema, err := loadSchemaFlag(decodeSchema)
	if err != nil {
		return err
	}
	if decodePolicy != "" {
		p, err := pss.ParsePolicy(decodePolicy)
		if err != nil {
			return err
		}
		schema = schema.WithPolicy(p)
	}
	format, err := encoding.ParseFormat(decodeFormat)
	if err != nil {
		return err
	}

	var entries []recorder.Entry
	switch {
	case decodeIn != "" && len(args) > 0:
		return fmt.Errorf("give datagrams as arguments or --in, not both")
	case decodeIn != "":
		if entries, err = readDatagramFile(decodeIn); err != nil {
			return err
		}
	case len(args) > 0:
		for _, a := range args {
			entries = append(entries, recorder.Entry{Payload: a})
		}
	default:
		return fmt.Errorf("no datagrams: pass them as arguments or use --in")
	}

	sum, err := decodeEntries(cmd.OutOrStdout(), cmd.ErrOrStderr(), schema, entries, encoding.NewEncoder(format))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%d datagrams, %d events, %d diagnostics\n", sum.Datagrams, sum.Events, sum.Diagnostics)
	if decodeStrict && sum.Diagnostics > 0 {
		return fmt.Errorf("%d diagnostics reported", sum.Diagnostics)
	}
	return nil
}

// decodeEntries decodes every entry in order, numbering events from 1.
// Entries without a timestamp are stamped with the current time.
func decodeEntries(out, diagOut io.Writer, schema *pss.Schema, entries []recorder.Entry, enc encoding.Encoder) (decodeSummary, error) {
	var sum decodeSummary
	var seq uint64
	for _, e := range entries {
		sum.Datagrams++
		at := e.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		events, diags := pss.Decode(schema, []byte(e.Payload))
		for _, d := range diags {
			sum.Diagnostics++
			fmt.Fprintf(diagOut, "datagram %d: %s\n", sum.Datagrams, d)
		}
		for _, ev := range events {
			seq++
			pss.Stamp(ev, seq, at, e.Source)
			rec, err := encoding.NewRecord(ev)
			if err != nil {
				return sum, err
			}
			b, err := enc.Encode(rec)
			if err != nil {
				return sum, fmt.Errorf("encode event %d: %w", seq, err)
			}
			if _, isJSON := enc.(*encoding.JSONEncoder); isJSON {
				b = append(b, '\n')
			}
			if _, err := out.Write(b); err != nil {
				return sum, err
			}
			sum.Events++
		}
	}
	return sum, nil
}
