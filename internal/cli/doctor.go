package cli

import (
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/restrike/restrike-vta/internal/config"
	"github.com/restrike/restrike-vta/internal/ingest"
	"github.com/restrike/restrike-vta/internal/orchestrator"
	"github.com/restrike/restrike-vta/internal/store"
)

var doctorShowConfig bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the environment before a competition day",
	Long: `Validates the configuration, lists the network interfaces and the
address the PSS listener would bind, checks that the UDP port is free,
loads the protocol schema and opens the database.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorShowConfig, "show-config", false, "Print the effective configuration as YAML")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "restrike environment check")
	fmt.Fprintf(out, "Go Version:        %s\n", runtime.Version())
	fmt.Fprintf(out, "OS/Arch:           %s/%s\n\n", runtime.GOOS, runtime.GOARCH)

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(out, "FAIL configuration: %v\n", err)
		return err
	}
	fmt.Fprintln(out, "ok   configuration loaded")
	if doctorShowConfig {
		if err := dumpConfig(out, cfg); err != nil {
			return err
		}
	}

	failed := 0
	check := func(ok bool, format string, a ...any) {
		status := "ok  "
		if !ok {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(out, "%s %s\n", status, fmt.Sprintf(format, a...))
	}

	schema, err := orchestrator.LoadSchema(cfg)
	if err != nil {
		check(false, "schema: %v", err)
	} else {
		check(true, "schema %s (%d streams, unknown streams: %s)", schema.Version, len(schema.StreamIDs()), schema.UnknownFields)
	}

	fmt.Fprintln(out, "\nNetwork interfaces:")
	lister := ingest.SystemInterfaces{}
	ifs, err := lister.Interfaces()
	if err != nil {
		check(false, "list interfaces: %v", err)
	}
	t := newTable(out)
	t.row("  NAME", "TYPE", "UP", "ADDRESSES")
	for _, iface := range ifs {
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.String())
		}
		t.row("  "+iface.Name, string(iface.Type), fmt.Sprint(iface.Up), orDash(strings.Join(addrs, ", ")))
	}
	t.flush()
	fmt.Fprintln(out)

	ip, err := ingest.SelectBindAddress(lister, orchestrator.IngestConfig(cfg.UDP).Network)
	if err != nil {
		check(false, "bind address: %v", err)
	} else {
		addr := cfg.UDP.ListenAddr(ip.String())
		check(true, "PSS listener would bind %s", addr)
		check(udpPortFree(addr), "UDP %s is free", addr)
	}

	if cfg.API.Enabled {
		check(tcpPortFree(cfg.API.Addr), "status API address %s is free", cfg.API.Addr)
	}

	if cfg.Store.Path == "" {
		fmt.Fprintln(out, "-    database disabled (store.path empty)")
	} else if st, err := store.Open(cfg.Store.Path); err != nil {
		check(false, "database %s: %v", cfg.Store.Path, err)
	} else {
		v, verr := st.Version()
		check(verr == nil, "database %s (schema version %d)", cfg.Store.Path, v)
		st.Close()
	}

	if n := len(cfg.OBS.Connections); n > 0 {
		fmt.Fprintf(out, "-    %d OBS connection(s) in config; the database registry takes precedence when not empty\n", n)
	}

	fmt.Fprintln(out)
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Fprintln(out, "Environment check complete")
	return nil
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	redacted := *cfg
	redacted.OBS.Connections = append([]config.OBSConnection(nil), cfg.OBS.Connections...)
	for i := range redacted.OBS.Connections {
		if redacted.OBS.Connections[i].Password != "" {
			redacted.OBS.Connections[i].Password = "********"
		}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(redacted); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

func udpPortFree(addr string) bool {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return false
	}
	pc.Close()
	return true
}

func tcpPortFree(addr string) bool {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	l.Close()
	return true
}
