package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/export"
	"github.com/restrike/restrike-vta/internal/orchestrator"
)

var (
	exportMatch  string
	exportOut    string
	exportFormat string
	exportStdout bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the stored events and recording path of a match",
	Long: `Builds a match report from the database: every stored PSS event
re-decoded under the configured schema, the final match state and the
recording path OBS was given. The report goes to stdout, or to one file
per match under --out.

Examples:
  restrike export --match M-101
  restrike export --match M-101 --out ./exports --format ndjson
  restrike export --match M-101 --out ./exports --stdout`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportMatch, "match", "", "Match id (required)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Directory to write the report (stdout if not set)")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json|ndjson")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false, "Also print the report when writing to --out")
	exportCmd.MarkFlagRequired("match")
}

func runExport(cmd *cobra.Command, args []string) error {
	exportFormat = strings.ToLower(strings.TrimSpace(exportFormat))
	if exportFormat != "json" && exportFormat != "ndjson" {
		return fmt.Errorf("invalid --format %q (expected: json|ndjson)", exportFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	schema, err := orchestrator.LoadSchema(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := export.Build(cmd.Context(), st, schema, exportMatch, time.Now())
	if err != nil {
		return err
	}

	var w export.Writer
	if exportOut == "" {
		w = export.NewStreamWriter(cmd.OutOrStdout(), exportFormat)
	} else {
		fw, err := export.NewFileWriter(exportOut, exportFormat)
		if err != nil {
			return err
		}
		w = fw
		if exportStdout {
			w = export.NewMultiWriter(fw, export.NewStreamWriter(cmd.OutOrStdout(), exportFormat))
		}
	}
	defer w.Close()
	if err := w.Write(report); err != nil {
		return err
	}
	if exportOut != "" && !exportStdout {
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d events of %s to %s\n", len(report.Events), exportMatch, export.Filename(report))
	}
	return nil
}
