package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/restrike/restrike-vta/internal/config"
	"github.com/restrike/restrike-vta/internal/fleet"
	"github.com/restrike/restrike-vta/internal/obs"
	"github.com/restrike/restrike-vta/internal/store"
)

var (
	obsHost     string
	obsPort     int
	obsPassword string
	obsTimeout  time.Duration
	obsJSON     bool

	obsAddDisabled  bool
	obsAddNoRetry   bool
	obsAddRetryWait int
	obsAddRetryMax  int
)

var obsCmd = &cobra.Command{
	Use:   "obs",
	Short: "Talk to one OBS instance or edit the connection registry",
	Long: `Direct commands (status, scene, record) open a one-off OBS WebSocket
session to --host/--port. Registry commands (list, add, remove) edit the
connections stored in the database that 'restrike serve' reads at start.`,
}

var obsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show version, scene, output and performance of an OBS instance",
	Args:  cobra.NoArgs,
	RunE:  runOBSStatus,
}

var obsSceneCmd = &cobra.Command{
	Use:   "scene [name]",
	Short: "List scenes, or switch the program scene to name",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOBSScene,
}

var obsRecordCmd = &cobra.Command{
	Use:       "record start|stop|toggle|status",
	Short:     "Control recording",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"start", "stop", "toggle", "status"},
	RunE:      runOBSRecord,
}

var obsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered OBS connections in role order",
	Args:  cobra.NoArgs,
	RunE:  runOBSList,
}

var obsAddCmd = &cobra.Command{
	Use:   "add name",
	Short: "Register or update an OBS connection",
	Long: `Registers an OBS connection using --host, --port and --password. An
existing connection keeps its position. The first registered connection
records; the second streams.

Examples:
  restrike obs add rec --host 10.0.0.20 --password secret
  restrike obs add stream --host 10.0.0.21 --port 4456`,
	Args: cobra.ExactArgs(1),
	RunE: runOBSAdd,
}

var obsRemoveCmd = &cobra.Command{
	Use:   "remove name",
	Short: "Remove an OBS connection from the registry",
	Args:  cobra.ExactArgs(1),
	RunE:  runOBSRemove,
}

func init() {
	obsCmd.PersistentFlags().StringVar(&obsHost, "host", "localhost", "OBS host")
	obsCmd.PersistentFlags().IntVar(&obsPort, "port", config.DefaultOBSPort, "OBS WebSocket port")
	obsCmd.PersistentFlags().StringVar(&obsPassword, "password", "", "OBS WebSocket password")
	obsCmd.PersistentFlags().DurationVar(&obsTimeout, "timeout", 10*time.Second, "Connect and request timeout")
	obsCmd.PersistentFlags().BoolVar(&obsJSON, "json", false, "Print JSON")

	obsAddCmd.Flags().BoolVar(&obsAddDisabled, "disabled", false, "Register without connecting at start")
	obsAddCmd.Flags().BoolVar(&obsAddNoRetry, "no-reconnect", false, "Disable automatic reconnection")
	obsAddCmd.Flags().IntVar(&obsAddRetryWait, "reconnect-delay", config.DefaultReconnectDelaySeconds, "Seconds between reconnection attempts")
	obsAddCmd.Flags().IntVar(&obsAddRetryMax, "reconnect-attempts", config.DefaultMaxReconnectAttempts, "Reconnection attempts before giving up")

	obsCmd.AddCommand(obsStatusCmd, obsSceneCmd, obsRecordCmd, obsListCmd, obsAddCmd, obsRemoveCmd)
}

// dialOBS opens a session with the direct-command flags. The caller
// disconnects.
func dialOBS(ctx context.Context) (*obs.Client, error) {
	c := obs.NewClient(obs.Config{
		Name:           "cli",
		Host:           obsHost,
		Port:           obsPort,
		Password:       obsPassword,
		ConnectTimeout: obsTimeout,
		RequestTimeout: obsTimeout,
	})
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func withOBS(fn func(ctx context.Context, c *obs.Client) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c, err := dialOBS(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()
	return fn(ctx, c)
}

type obsStatusView struct {
	Version obs.Version      `json:"version"`
	Scene   string           `json:"scene"`
	Record  obs.RecordStatus `json:"record"`
	Stream  obs.StreamStatus `json:"stream"`
	Stats   obs.Stats        `json:"stats"`
}

func runOBSStatus(cmd *cobra.Command, args []string) error {
	return withOBS(func(ctx context.Context, c *obs.Client) error {
		var v obsStatusView
		var err error
		if v.Version, err = c.Version(ctx); err != nil {
			return err
		}
		if v.Scene, err = c.CurrentProgramScene(ctx); err != nil {
			return err
		}
		if v.Record, err = c.RecordStatus(ctx); err != nil {
			return err
		}
		if v.Stream, err = c.StreamStatus(ctx); err != nil {
			return err
		}
		if v.Stats, err = c.Stats(ctx); err != nil {
			return err
		}
		if obsJSON {
			return printJSON(cmd.OutOrStdout(), v)
		}
		v.Version.AvailableRequests = nil
		t := newTable(cmd.OutOrStdout())
		t.row("OBS", v.Version.OBSVersion)
		t.row("WebSocket", fmt.Sprintf("%s (rpc %d)", v.Version.OBSWebSocketVersion, c.NegotiatedRPCVersion()))
		t.row("Platform", v.Version.PlatformDescription)
		t.row("Scene", v.Scene)
		t.row("Recording", outputState(v.Record.OutputActive, v.Record.OutputPaused, v.Record.OutputTimecode))
		t.row("Streaming", outputState(v.Stream.OutputActive, false, v.Stream.OutputTimecode))
		t.row("CPU", fmt.Sprintf("%.1f%%", v.Stats.CPUUsage))
		t.row("Memory", fmt.Sprintf("%.0f MB", v.Stats.MemoryUsage))
		t.row("Disk free", fmt.Sprintf("%.0f MB", v.Stats.AvailableDiskSpace))
		t.row("FPS", fmt.Sprintf("%.1f", v.Stats.ActiveFPS))
		return t.flush()
	})
}

func runOBSScene(cmd *cobra.Command, args []string) error {
	return withOBS(func(ctx context.Context, c *obs.Client) error {
		if len(args) == 1 {
			if err := c.SetCurrentProgramScene(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Program scene: %s\n", args[0])
			return nil
		}
		list, err := c.SceneList(ctx)
		if err != nil {
			return err
		}
		if obsJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, s := range list.Scenes {
			marker := " "
			if s.SceneName == list.CurrentProgramSceneName {
				marker = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, s.SceneName)
		}
		return nil
	})
}

func runOBSRecord(cmd *cobra.Command, args []string) error {
	action := strings.ToLower(args[0])
	return withOBS(func(ctx context.Context, c *obs.Client) error {
		out := cmd.OutOrStdout()
		switch action {
		case "start":
			if err := c.StartRecord(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Recording started")
		case "stop":
			path, err := c.StopRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Recording stopped: %s\n", path)
		case "toggle":
			active, err := c.ToggleRecord(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Recording active: %v\n", active)
		case "status":
			st, err := c.RecordStatus(ctx)
			if err != nil {
				return err
			}
			if obsJSON {
				return printJSON(out, st)
			}
			fmt.Fprintln(out, outputState(st.OutputActive, st.OutputPaused, st.OutputTimecode))
		default:
			return fmt.Errorf("unknown record action %q (expected start|stop|toggle|status)", action)
		}
		return nil
	})
}

func outputState(active, paused bool, timecode string) string {
	switch {
	case paused:
		return "paused at " + timecode
	case active:
		return "active " + timecode
	}
	return "inactive"
}

// openStore opens the configured database. Registry commands need one.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("no database configured (set store.path or RESTRIKE_STORE__PATH)")
	}
	return store.Open(cfg.Store.Path)
}

func loadStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func runOBSList(cmd *cobra.Command, args []string) error {
	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()
	conns, err := st.Connections(cmd.Context())
	if err != nil {
		return err
	}
	if obsJSON {
		for i := range conns {
			conns[i].Password = ""
		}
		return printJSON(cmd.OutOrStdout(), conns)
	}
	if len(conns) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No OBS connections registered")
		return nil
	}
	t := newTable(cmd.OutOrStdout())
	t.row("NAME", "ROLE", "ADDRESS", "ENABLED", "RECONNECT")
	for i, c := range conns {
		reconnect := "off"
		if c.AutoReconnect {
			reconnect = fmt.Sprintf("%ds x%d", c.ReconnectDelaySeconds, c.MaxReconnectAttempts)
		}
		t.row(c.Name, orDash(string(fleet.RoleAt(i, len(conns)))), fmt.Sprintf("%s:%d", c.Host, c.Port), fmt.Sprint(c.Enabled), reconnect)
	}
	return t.flush()
}

func runOBSAdd(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	if name == "" {
		return fmt.Errorf("connection name must not be empty")
	}
	c := config.OBSConnection{
		Name:                  name,
		Host:                  obsHost,
		Port:                  obsPort,
		Password:              obsPassword,
		Enabled:               !obsAddDisabled,
		TimeoutSeconds:        int(obsTimeout / time.Second),
		AutoReconnect:         !obsAddNoRetry,
		ReconnectDelaySeconds: obsAddRetryWait,
		MaxReconnectAttempts:  obsAddRetryMax,
	}
	c.ApplyConnectionDefaults()

	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.UpsertConnection(cmd.Context(), store.Connection{
		Name:                  c.Name,
		Host:                  c.Host,
		Port:                  c.Port,
		Password:              c.Password,
		Enabled:               c.Enabled,
		TimeoutSeconds:        c.TimeoutSeconds,
		AutoReconnect:         c.AutoReconnect,
		ReconnectDelaySeconds: c.ReconnectDelaySeconds,
		MaxReconnectAttempts:  c.MaxReconnectAttempts,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s:%d)\n", c.Name, c.Host, c.Port)
	return nil
}

func runOBSRemove(cmd *cobra.Command, args []string) error {
	st, err := loadStore()
	if err != nil {
		return err
	}
	defer st.Close()
	removed, err := st.DeleteConnection(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !removed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s was not registered\n", args[0])
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}
