package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/logger"
	"github.com/restrike/restrike-vta/internal/orchestrator"
	"github.com/restrike/restrike-vta/internal/statusapi"
)

var serveAPIAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the PSS listener and drive OBS",
	Long: `Binds the PSS UDP listener, connects every enabled OBS instance and
programs the recording path for each new match.

Exits non-zero when the schema cannot be loaded or the UDP socket cannot
be bound.

Examples:
  restrike serve --config restrike.yaml
  RESTRIKE_UDP__PORT=6001 restrike serve --api-addr 127.0.0.1:9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAPIAddr, "api-addr", "", "Enable the status API on this address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAPIAddr != "" {
		cfg.API.Enabled = true
		cfg.API.Addr = serveAPIAddr
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	orc, err := orchestrator.New(cfg, orchestrator.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		api := statusapi.New(cfg.API.Addr, orc,
			statusapi.WithLogger(log.Named("api")),
			statusapi.WithMetrics(orc.Metrics().Handler()))
		go func() { apiErr <- api.Start(ctx) }()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- orc.Run(ctx) }()

	select {
	case err := <-runErr:
		stop()
		return err
	case err := <-apiErr:
		if err != nil {
			log.Error(ctx, "status API stopped", logger.Error(err))
			stop()
			<-runErr
			return err
		}
		return <-runErr
	}
}
