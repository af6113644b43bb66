package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/recorder"
)

var (
	replayIn     string
	replayTarget string
	replaySpeed  float64
	replayLoop   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a capture file to a UDP target",
	Long: `Re-sends the datagrams of a capture file with their original spacing,
scaled by --speed. Without --target the datagrams go to the configured
UDP port on 127.0.0.1.

Examples:
  restrike replay --in final.ndjson
  restrike replay --in test.ndjson --target 10.0.0.5:6000 --speed 4 --loop`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayIn, "in", "", "Capture file to replay (required)")
	replayCmd.Flags().StringVar(&replayTarget, "target", "", "Destination host:port")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1.0, "Playback speed multiplier")
	replayCmd.Flags().BoolVar(&replayLoop, "loop", false, "Loop playback continuously")
	replayCmd.MarkFlagRequired("in")
}

func runReplay(cmd *cobra.Command, args []string) error {
	target := replayTarget
	if target == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		target = cfg.UDP.ListenAddr("127.0.0.1")
	}

	rep := recorder.NewReplayer(replayIn, replaySpeed, replayLoop)
	count, err := rep.CountEntries()
	if err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}
	first, err := rep.FirstEntry()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Replay Session Started\n\n")
	fmt.Fprintf(out, "File:       %s\n", replayIn)
	fmt.Fprintf(out, "Run:        %s\n", first.Run)
	fmt.Fprintf(out, "Datagrams:  %d\n", count)
	fmt.Fprintf(out, "Target:     %s\n", target)
	fmt.Fprintf(out, "Speed:      %.1fx\n", replaySpeed)
	fmt.Fprintf(out, "Loop:       %v\n\n", replayLoop)

	entries := make(chan recorder.Entry, 64)
	type sendResult struct {
		sent int
		err  error
	}
	done := make(chan sendResult, 1)
	go func() {
		n, err := recorder.SendUDP(ctx, target, entries)
		if err != nil {
			cancel()
		}
		done <- sendResult{n, err}
	}()

	replayErr := rep.Replay(ctx, entries)
	close(entries)
	res := <-done

	if res.err != nil {
		return res.err
	}
	if replayErr != nil && replayErr != context.Canceled {
		return fmt.Errorf("replay error: %w", replayErr)
	}
	fmt.Fprintf(out, "Replay complete: %d datagrams sent\n", res.sent)
	return nil
}
