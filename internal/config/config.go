// Package config defines process configuration and its defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/restrike/restrike-vta/internal/apperr"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	UDP        UDPConfig        `koanf:"udp" yaml:"udp"`
	Schema     SchemaConfig     `koanf:"schema" yaml:"schema"`
	OBS        OBSConfig        `koanf:"obs" yaml:"obs"`
	Paths      PathsConfig      `koanf:"paths" yaml:"paths"`
	Tournament TournamentConfig `koanf:"tournament" yaml:"tournament"`
	Store      StoreConfig      `koanf:"store" yaml:"store"`
	API        APIConfig        `koanf:"api" yaml:"api"`
	Journal    JournalConfig    `koanf:"journal" yaml:"journal"`
}

// UDPConfig configures the PSS listener and its interface selection.
type UDPConfig struct {
	Port                int    `koanf:"port" yaml:"port"`
	BufferSize          int    `koanf:"buffer_size" yaml:"buffer_size"`
	MaxPacketSize       int    `koanf:"max_packet_size" yaml:"max_packet_size"`
	ReadTimeoutMS       int    `koanf:"read_timeout_ms" yaml:"read_timeout_ms"`
	AutoDetect          bool   `koanf:"auto_detect" yaml:"auto_detect"`
	PreferredType       string `koanf:"preferred_type" yaml:"preferred_type"`
	FallbackToLocalhost bool   `koanf:"fallback_to_localhost" yaml:"fallback_to_localhost"`
	SelectedInterface   string `koanf:"selected_interface" yaml:"selected_interface"`
}

// SchemaConfig points at the protocol schema file. An empty path selects
// the built-in v2.3 schema.
type SchemaConfig struct {
	Path          string `koanf:"path" yaml:"path"`
	UnknownFields string `koanf:"unknown_fields" yaml:"unknown_fields"`
}

// OBSConnection is one entry of the connections registry.
type OBSConnection struct {
	Name                  string `koanf:"name" yaml:"name"`
	Host                  string `koanf:"host" yaml:"host"`
	Port                  int    `koanf:"port" yaml:"port"`
	Password              string `koanf:"password" yaml:"password,omitempty"`
	Enabled               bool   `koanf:"enabled" yaml:"enabled"`
	TimeoutSeconds        int    `koanf:"timeout_seconds" yaml:"timeout_seconds"`
	AutoReconnect         bool   `koanf:"auto_reconnect" yaml:"auto_reconnect"`
	ReconnectDelaySeconds int    `koanf:"reconnect_delay_seconds" yaml:"reconnect_delay_seconds"`
	MaxReconnectAttempts  int    `koanf:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
}

// OBSConfig lists the OBS instances the fleet manages, in role order.
type OBSConfig struct {
	Connections           []OBSConnection `koanf:"connections" yaml:"connections"`
	RequestTimeoutSeconds int             `koanf:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// PathsConfig drives recording path generation.
type PathsConfig struct {
	VideosRoot            string `koanf:"videos_root" yaml:"videos_root"`
	DefaultFormat         string `koanf:"default_format" yaml:"default_format"`
	IncludeMinutesSeconds bool   `koanf:"include_minutes_seconds" yaml:"include_minutes_seconds"`
}

// TournamentConfig seeds the tournament/day pair when the store has none.
type TournamentConfig struct {
	Name string `koanf:"name" yaml:"name"`
	Day  string `koanf:"day" yaml:"day"`
}

// StoreConfig locates the SQLite database. Empty disables persistence.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path"`
}

// APIConfig configures the local status HTTP surface.
type APIConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"`
	Addr    string `koanf:"addr" yaml:"addr"`
}

// JournalConfig bounds the in-memory event journals.
type JournalConfig struct {
	Capacity         int `koanf:"capacity" yaml:"capacity"`
	SubscriberBuffer int `koanf:"subscriber_buffer" yaml:"subscriber_buffer"`
}

// Default values.
const (
	DefaultUDPPort               = 6000
	DefaultBufferSize            = 8192
	DefaultReadTimeoutMS         = 250
	DefaultOBSPort               = 4455
	DefaultOBSTimeoutSeconds     = 30
	DefaultRequestTimeoutSeconds = 10
	DefaultReconnectDelaySeconds = 5
	DefaultMaxReconnectAttempts  = 5
	DefaultJournalCapacity       = 100
	DefaultSubscriberBuffer      = 64
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel: "info",
		UDP: UDPConfig{
			Port:                DefaultUDPPort,
			BufferSize:          DefaultBufferSize,
			MaxPacketSize:       DefaultBufferSize,
			ReadTimeoutMS:       DefaultReadTimeoutMS,
			AutoDetect:          true,
			PreferredType:       "ethernet",
			FallbackToLocalhost: true,
		},
		Schema: SchemaConfig{UnknownFields: "warn"},
		OBS: OBSConfig{
			RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
		},
		Paths: PathsConfig{
			VideosRoot:            "Videos",
			DefaultFormat:         "mp4",
			IncludeMinutesSeconds: true,
		},
		API: APIConfig{Addr: "127.0.0.1:8765"},
		Journal: JournalConfig{
			Capacity:         DefaultJournalCapacity,
			SubscriberBuffer: DefaultSubscriberBuffer,
		},
	}
}

// ApplyConnectionDefaults fills zero-valued connection fields.
func (c *OBSConnection) ApplyConnectionDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultOBSPort
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultOBSTimeoutSeconds
	}
	if c.ReconnectDelaySeconds <= 0 {
		c.ReconnectDelaySeconds = DefaultReconnectDelaySeconds
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

// Validate checks user-supplied values. Errors are of kind Config.
func (c *Config) Validate() error {
	const op = "validate config"
	if c.UDP.Port < 0 || c.UDP.Port > 65535 {
		return apperr.Errorf(apperr.KindConfig, op, "udp.port %d out of range", c.UDP.Port)
	}
	if c.UDP.BufferSize <= 0 {
		return apperr.Errorf(apperr.KindConfig, op, "udp.buffer_size must be positive")
	}
	switch strings.ToLower(c.UDP.PreferredType) {
	case "ethernet", "wifi", "any":
	default:
		return apperr.Errorf(apperr.KindConfig, op, "udp.preferred_type %q (expected ethernet|wifi|any)", c.UDP.PreferredType)
	}
	if !c.UDP.AutoDetect && strings.TrimSpace(c.UDP.SelectedInterface) == "" {
		return apperr.Errorf(apperr.KindConfig, op, "udp.selected_interface is required when auto_detect is false")
	}
	switch strings.ToLower(c.Schema.UnknownFields) {
	case "ignore", "warn", "error":
	default:
		return apperr.Errorf(apperr.KindConfig, op, "schema.unknown_fields %q (expected ignore|warn|error)", c.Schema.UnknownFields)
	}
	seen := make(map[string]struct{}, len(c.OBS.Connections))
	for i := range c.OBS.Connections {
		conn := &c.OBS.Connections[i]
		if strings.TrimSpace(conn.Name) == "" {
			return apperr.Errorf(apperr.KindConfig, op, "obs.connections[%d].name is required", i)
		}
		if _, dup := seen[conn.Name]; dup {
			return apperr.Errorf(apperr.KindConfig, op, "duplicate obs connection name %q", conn.Name)
		}
		seen[conn.Name] = struct{}{}
		conn.ApplyConnectionDefaults()
		if conn.Port <= 0 || conn.Port > 65535 {
			return apperr.Errorf(apperr.KindConfig, op, "obs connection %q port %d out of range", conn.Name, conn.Port)
		}
	}
	if c.OBS.RequestTimeoutSeconds <= 0 {
		c.OBS.RequestTimeoutSeconds = DefaultRequestTimeoutSeconds
	}
	if c.Paths.DefaultFormat == "" {
		return apperr.Errorf(apperr.KindConfig, op, "paths.default_format must not be empty")
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = DefaultJournalCapacity
	}
	if c.Journal.SubscriberBuffer <= 0 {
		c.Journal.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return nil
}

// ListenAddr returns host:port for the given bind IP.
func (u UDPConfig) ListenAddr(ip string) string {
	return fmt.Sprintf("%s:%d", ip, u.Port)
}
