// Package config manages endoor daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete endoor configuration.
type Config struct {
	// Inside is the name of the client-facing interface. The literal
	// value "null" disables capture on the inside port (testing aid
	// inherited from the operational tooling).
	Inside string `koanf:"inside"`

	// Outside is the name of the router-facing interface.
	Outside string `koanf:"outside"`

	// Tunnel is the requested TUN device name. Empty lets the kernel
	// assign one (tunN).
	Tunnel string `koanf:"tunnel"`

	// RouterMAC optionally pins the router hardware address. When set,
	// the maintainer never overrides it.
	RouterMAC string `koanf:"router_mac"`

	// PcapFile is an optional path; when set, all frames received on
	// the outside and inside ports are appended to this capture file.
	// Tunnel reads are not captured.
	PcapFile string `koanf:"pcap_file"`

	// AddrMaxAge is the maximum age of learned addresses. Zero disables
	// expiry.
	AddrMaxAge time.Duration `koanf:"addr_max_age"`

	Tables  TablesConfig  `koanf:"tables"`
	API     APIConfig     `koanf:"api"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// TablesConfig sizes the fixed-capacity tables.
type TablesConfig struct {
	// MACSize is the capacity of the outer address table and of each
	// per-MAC protocol address table.
	MACSize int `koanf:"mac_size"`

	// StateSize is the capacity of the shared connection state table.
	StateSize int `koanf:"state_size"`
}

// APIConfig holds the status HTTP endpoint configuration.
type APIConfig struct {
	// Addr is the HTTP listen address for the status API (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RouterHWAddr parses RouterMAC as a hardware address. Returns a nil
// address when no pin is configured.
func (c *Config) RouterHWAddr() (net.HardwareAddr, error) {
	if c.RouterMAC == "" {
		return nil, nil
	}
	hw, err := net.ParseMAC(c.RouterMAC)
	if err != nil {
		return nil, fmt.Errorf("parse router_mac %q: %w", c.RouterMAC, err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("router_mac %q: %w", c.RouterMAC, ErrInvalidRouterMAC)
	}
	return hw, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The table sizes and the 120 s address age match the long-standing
// operational defaults of the bridge: 1024 MAC entries suffice for a
// single access segment, and 16384 states cover a busy client without
// eviction pressure.
func DefaultConfig() *Config {
	return &Config{
		Inside:     "eth1",
		Outside:    "eth0",
		AddrMaxAge: 120 * time.Second,
		Tables: TablesConfig{
			MACSize:   1024,
			StateSize: 16384,
		},
		API: APIConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for endoor configuration.
// Variables are named ENDOOR_<section>_<key>, e.g., ENDOOR_API_ADDR.
const envPrefix = "ENDOOR_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ENDOOR_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ENDOOR_INSIDE       -> inside
//	ENDOOR_OUTSIDE      -> outside
//	ENDOOR_API_ADDR     -> api.addr
//	ENDOOR_METRICS_ADDR -> metrics.addr
//	ENDOOR_LOG_LEVEL    -> log.level
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// ENDOOR_API_ADDR -> api.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ENDOOR_API_ADDR -> api.addr.
// Strips the ENDOOR_ prefix, lowercases, and replaces _ with .
//
// Keys whose YAML names contain an underscore (router_mac, pcap_file,
// addr_max_age, mac_size, state_size) are fixed up explicitly since the
// generic mapping would split them.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)

	switch s {
	case "router_mac", "pcap_file", "addr_max_age":
		return s
	case "tables_mac_size":
		return "tables.mac_size"
	case "tables_state_size":
		return "tables.state_size"
	}

	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"inside":            defaults.Inside,
		"outside":           defaults.Outside,
		"tunnel":            defaults.Tunnel,
		"router_mac":        defaults.RouterMAC,
		"pcap_file":         defaults.PcapFile,
		"addr_max_age":      defaults.AddrMaxAge.String(),
		"tables.mac_size":   defaults.Tables.MACSize,
		"tables.state_size": defaults.Tables.StateSize,
		"api.addr":          defaults.API.Addr,
		"metrics.addr":      defaults.Metrics.Addr,
		"metrics.path":      defaults.Metrics.Path,
		"log.level":         defaults.Log.Level,
		"log.format":        defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyInside indicates the inside interface name is empty.
	ErrEmptyInside = errors.New("inside interface must not be empty")

	// ErrEmptyOutside indicates the outside interface name is empty.
	ErrEmptyOutside = errors.New("outside interface must not be empty")

	// ErrSameInterface indicates inside and outside name the same interface.
	ErrSameInterface = errors.New("inside and outside must be distinct interfaces")

	// ErrEmptyAPIAddr indicates the status API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidMACSize indicates a non-positive address table capacity.
	ErrInvalidMACSize = errors.New("tables.mac_size must be >= 1")

	// ErrInvalidStateSize indicates a non-positive state table capacity.
	ErrInvalidStateSize = errors.New("tables.state_size must be >= 1")

	// ErrNegativeMaxAge indicates a negative address max age.
	ErrNegativeMaxAge = errors.New("addr_max_age must be >= 0")

	// ErrInvalidRouterMAC indicates router_mac is not a 48-bit address.
	ErrInvalidRouterMAC = errors.New("router_mac must be a 48-bit hardware address")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Inside == "" {
		return ErrEmptyInside
	}

	if cfg.Outside == "" {
		return ErrEmptyOutside
	}

	if cfg.Inside == cfg.Outside {
		return fmt.Errorf("%q: %w", cfg.Inside, ErrSameInterface)
	}

	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	if cfg.Tables.MACSize < 1 {
		return ErrInvalidMACSize
	}

	if cfg.Tables.StateSize < 1 {
		return ErrInvalidStateSize
	}

	if cfg.AddrMaxAge < 0 {
		return ErrNegativeMaxAge
	}

	if _, err := cfg.RouterHWAddr(); err != nil {
		return err
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
