package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/ingest"
	"github.com/restrike/restrike-vta/internal/journal"
	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/orchestrator"
	"github.com/restrike/restrike-vta/internal/pss"
	"github.com/restrike/restrike-vta/internal/recorder"
)

var (
	captureOut      string
	capturePort     int
	captureDuration time.Duration
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record raw PSS datagrams to a file",
	Long: `Binds the PSS UDP socket with the configured interface selection and
writes every datagram to an NDJSON capture file. The capture can be fed
back with 'restrike replay' or decoded with 'restrike decode --in'.

Examples:
  restrike capture --out final.ndjson
  restrike capture --out test.ndjson --port 6001 --duration 10m`,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVar(&captureOut, "out", "", "Output file (required)")
	captureCmd.Flags().IntVar(&capturePort, "port", 0, "Override the configured UDP port")
	captureCmd.Flags().DurationVar(&captureDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	captureCmd.MarkFlagRequired("out")
}

func runCapture(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if capturePort > 0 {
		cfg.UDP.Port = capturePort
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	schema, err := orchestrator.LoadSchema(cfg)
	if err != nil {
		return err
	}

	rec, err := recorder.NewRecorder(captureOut)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if captureDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureDuration)
		defer cancel()
	}

	datagrams := make(chan ingest.Datagram, 256)
	events := journal.New[pss.Event](cfg.Journal.Capacity)
	l := ingest.NewListener(pss.NewHolder(schema), events,
		ingest.WithLogger(log.Named("udp")),
		ingest.WithDatagramHook(func(d ingest.Datagram) {
			select {
			case datagrams <- d:
			default:
				log.Warn(ctx, "capture backlog full, datagram dropped", logger.String("source", d.Source))
			}
		}))
	if err := l.Start(ctx, orchestrator.IngestConfig(cfg.UDP)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Capture Session Started\n\n")
	fmt.Fprintf(out, "Listening:  %s\n", l.Status().Addr)
	fmt.Fprintf(out, "Output:     %s\n", captureOut)
	fmt.Fprintf(out, "Run:        %s\n\n", rec.Run())

	progress := func() {
		if n := rec.Count(); n%100 == 0 {
			if err := rec.Flush(); err != nil {
				log.Warn(ctx, "capture flush failed", logger.Error(err))
			}
			fmt.Fprintf(out, "\rCaptured %d datagrams...", n)
		}
	}
	// RecordFromChannel flushes and closes the file when ctx ends.
	err = rec.RecordFromChannel(ctx, datagrams, progress)
	l.Stop()
	if err != nil {
		return fmt.Errorf("capture error: %w", err)
	}

	stats := l.Stats()
	fmt.Fprintf(out, "\n\nCapture complete: %d datagrams (%d parsed, %d with errors) -> %s\n",
		rec.Count(), stats.PacketsParsed, stats.ParseErrors, captureOut)
	return nil
}
