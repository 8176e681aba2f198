// Package config manages tagauthd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
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

// Config holds the complete tagauthd configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Server  ServerConfig  `koanf:"server"`
	Creds   CredsConfig   `koanf:"creds"`
	UIDs    UIDsConfig    `koanf:"uids"`
	Lock    LockConfig    `koanf:"lock"`
	Readers ReadersConfig `koanf:"readers"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
// An empty Addr disables the endpoint entirely.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// ServerConfig holds the unix-socket client server configuration.
type ServerConfig struct {
	// SocketPath is the filesystem path of the listening unix socket.
	SocketPath string `koanf:"socket_path"`

	// MaxConnections caps concurrent client connections; newcomers past
	// the cap are closed immediately.
	MaxConnections int `koanf:"max_connections"`

	// MaxAuthRequestWait caps the wait duration a client may request.
	MaxAuthRequestWait time.Duration `koanf:"max_auth_request_wait"`

	// ClientForceCloseSocketTimeout is how long an idle client connection
	// (no request in flight) is tolerated before the server closes it.
	ClientForceCloseSocketTimeout time.Duration `koanf:"client_force_close_socket_timeout"`

	// RemoteShellProcessNames lists process names that mark a client as
	// remote: a client whose parent chain contains one of these is denied.
	RemoteShellProcessNames []string `koanf:"remote_shell_process_names"`
}

// CredsConfig holds the credential file configuration.
type CredsConfig struct {
	// File is the path of the hashed-UIDs JSON file.
	File string `koanf:"file"`
}

// UIDsConfig holds UID post-processing configuration.
type UIDsConfig struct {
	// Translation rewrites reader-reported UIDs before merging. Keys and
	// values are normalized uppercase hex strings.
	Translation map[string]string `koanf:"translation"`
}

// LockConfig holds the session-lock observer configuration.
type LockConfig struct {
	// Enabled turns on the login1 LockSessions call when the active set
	// transitions from empty to non-empty.
	Enabled bool `koanf:"enabled"`
}

// ReadersConfig holds the per-backend reader configuration.
type ReadersConfig struct {
	PCSC   PCSCReaderConfig   `koanf:"pcsc"`
	Serial SerialReaderConfig `koanf:"serial"`
	HID    HIDReaderConfig    `koanf:"hid"`
	PM3    PM3ReaderConfig    `koanf:"pm3"`
	HTTP   HTTPReaderConfig   `koanf:"http"`
	TCP    TCPReaderConfig    `koanf:"tcp"`
}

// PCSCReaderConfig configures the polled PC/SC reader backend.
type PCSCReaderConfig struct {
	Enabled bool `koanf:"enabled"`
	// ReadEvery is the polling period.
	ReadEvery time.Duration `koanf:"read_every"`
}

// SerialReaderConfig configures the repeating serial reader backend.
type SerialReaderConfig struct {
	Enabled bool   `koanf:"enabled"`
	DevFile string `koanf:"dev_file"`
	// Baudrate is the serial line speed (e.g., 9600, 115200).
	Baudrate  int           `koanf:"baudrate"`
	ReadEvery time.Duration `koanf:"read_every"`
	// InactiveTimeout is how long after the last report a UID stays in
	// the backend's snapshot.
	InactiveTimeout time.Duration `koanf:"inactive_timeout"`
}

// HIDReaderConfig configures the keyboard-wedge reader backend.
type HIDReaderConfig struct {
	Enabled   bool          `koanf:"enabled"`
	DevFile   string        `koanf:"dev_file"`
	ReadEvery time.Duration `koanf:"read_every"`
	// StaysActive is the synthetic presence window after a one-shot read.
	StaysActive time.Duration `koanf:"stays_active"`
}

// PM3ReaderConfig configures the Proxmark3 CLI reader backend.
type PM3ReaderConfig struct {
	Enabled bool `koanf:"enabled"`
	// Client is the proxmark3 client binary path.
	Client    string        `koanf:"client"`
	DevFile   string        `koanf:"dev_file"`
	ReadEvery time.Duration `koanf:"read_every"`
	// CommTimeout is the silence threshold after which the client process
	// is presumed wedged and gets killed and respawned.
	CommTimeout time.Duration `koanf:"comm_timeout"`

	ReadISO14443A bool `koanf:"read_iso14443a"`
	ReadEM410X    bool `koanf:"read_em410x"`
	ReadIndala    bool `koanf:"read_indala"`
	ReadFDX       bool `koanf:"read_fdx"`
	ReadISO15693  bool `koanf:"read_iso15693"`
}

// HTTPReaderConfig configures the HTTP push source backend.
type HTTPReaderConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Addr            string        `koanf:"addr"`
	ReadEvery       time.Duration `koanf:"read_every"`
	InactiveTimeout time.Duration `koanf:"inactive_timeout"`
}

// TCPReaderConfig configures the TCP client source backend.
type TCPReaderConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Addr            string        `koanf:"addr"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	Keepalive       time.Duration `koanf:"keepalive"`
	ReadEvery       time.Duration `koanf:"read_every"`
	InactiveTimeout time.Duration `koanf:"inactive_timeout"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// Only the PC/SC backend is enabled by default: it is the one backend
// that degrades gracefully when no hardware is present (the PC/SC daemon
// simply reports zero readers).
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Server: ServerConfig{
			SocketPath:                    "/run/tagauthd/tagauthd.socket",
			MaxConnections:                10,
			MaxAuthRequestWait:            60 * time.Second,
			ClientForceCloseSocketTimeout: 60 * time.Second,
			RemoteShellProcessNames:       []string{"sshd", "telnetd"},
		},
		Creds: CredsConfig{
			File: "/etc/tagauthd/encrypted_uids",
		},
		UIDs: UIDsConfig{
			Translation: map[string]string{},
		},
		Lock: LockConfig{
			Enabled: false,
		},
		Readers: ReadersConfig{
			PCSC: PCSCReaderConfig{
				Enabled:   true,
				ReadEvery: 200 * time.Millisecond,
			},
			Serial: SerialReaderConfig{
				DevFile:         "/dev/ttyUSB0",
				Baudrate:        9600,
				ReadEvery:       200 * time.Millisecond,
				InactiveTimeout: 1 * time.Second,
			},
			HID: HIDReaderConfig{
				ReadEvery:   200 * time.Millisecond,
				StaysActive: 1 * time.Second,
			},
			PM3: PM3ReaderConfig{
				Client:        "/usr/local/bin/proxmark3",
				DevFile:       "/dev/ttyACM0",
				ReadEvery:     200 * time.Millisecond,
				CommTimeout:   2 * time.Second,
				ReadISO14443A: true,
			},
			HTTP: HTTPReaderConfig{
				Addr:            "localhost:30080",
				ReadEvery:       200 * time.Millisecond,
				InactiveTimeout: 1 * time.Second,
			},
			TCP: TCPReaderConfig{
				ConnectTimeout:  5 * time.Second,
				Keepalive:       5 * time.Second,
				ReadEvery:       200 * time.Millisecond,
				InactiveTimeout: 1 * time.Second,
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for tagauthd configuration.
// Variables are named TAGAUTHD_<section>_<key>, e.g., TAGAUTHD_LOG_LEVEL.
const envPrefix = "TAGAUTHD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TAGAUTHD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	TAGAUTHD_LOG_LEVEL           -> log.level
//	TAGAUTHD_METRICS_ADDR        -> metrics.addr
//	TAGAUTHD_SERVER_SOCKET_PATH  -> server.socket_path
//	TAGAUTHD_CREDS_FILE          -> creds.file
//
// Uses koanf/v2 with file + env providers and YAML parser. Any load or
// validation error is fatal to the caller; the daemon never starts on a
// broken configuration.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// TAGAUTHD_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
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

// envKeyMapper transforms TAGAUTHD_LOG_LEVEL -> log.level.
// Strips the TAGAUTHD_ prefix, lowercases, and replaces _ with .
//
// Keys containing underscores themselves (socket_path, read_every, ...)
// cannot be addressed this way; use the YAML file for those.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":      defaults.Log.Level,
		"log.format":     defaults.Log.Format,
		"metrics.addr":   defaults.Metrics.Addr,
		"metrics.path":   defaults.Metrics.Path,
		"creds.file":     defaults.Creds.File,
		"lock.enabled":   defaults.Lock.Enabled,
		"uids.translation": defaults.UIDs.Translation,

		"server.socket_path":                       defaults.Server.SocketPath,
		"server.max_connections":                   defaults.Server.MaxConnections,
		"server.max_auth_request_wait":             defaults.Server.MaxAuthRequestWait.String(),
		"server.client_force_close_socket_timeout": defaults.Server.ClientForceCloseSocketTimeout.String(),
		"server.remote_shell_process_names":        defaults.Server.RemoteShellProcessNames,

		"readers.pcsc.enabled":    defaults.Readers.PCSC.Enabled,
		"readers.pcsc.read_every": defaults.Readers.PCSC.ReadEvery.String(),

		"readers.serial.enabled":          defaults.Readers.Serial.Enabled,
		"readers.serial.dev_file":         defaults.Readers.Serial.DevFile,
		"readers.serial.baudrate":         defaults.Readers.Serial.Baudrate,
		"readers.serial.read_every":       defaults.Readers.Serial.ReadEvery.String(),
		"readers.serial.inactive_timeout": defaults.Readers.Serial.InactiveTimeout.String(),

		"readers.hid.enabled":      defaults.Readers.HID.Enabled,
		"readers.hid.dev_file":     defaults.Readers.HID.DevFile,
		"readers.hid.read_every":   defaults.Readers.HID.ReadEvery.String(),
		"readers.hid.stays_active": defaults.Readers.HID.StaysActive.String(),

		"readers.pm3.enabled":        defaults.Readers.PM3.Enabled,
		"readers.pm3.client":         defaults.Readers.PM3.Client,
		"readers.pm3.dev_file":       defaults.Readers.PM3.DevFile,
		"readers.pm3.read_every":     defaults.Readers.PM3.ReadEvery.String(),
		"readers.pm3.comm_timeout":   defaults.Readers.PM3.CommTimeout.String(),
		"readers.pm3.read_iso14443a": defaults.Readers.PM3.ReadISO14443A,
		"readers.pm3.read_em410x":    defaults.Readers.PM3.ReadEM410X,
		"readers.pm3.read_indala":    defaults.Readers.PM3.ReadIndala,
		"readers.pm3.read_fdx":       defaults.Readers.PM3.ReadFDX,
		"readers.pm3.read_iso15693":  defaults.Readers.PM3.ReadISO15693,

		"readers.http.enabled":          defaults.Readers.HTTP.Enabled,
		"readers.http.addr":             defaults.Readers.HTTP.Addr,
		"readers.http.read_every":       defaults.Readers.HTTP.ReadEvery.String(),
		"readers.http.inactive_timeout": defaults.Readers.HTTP.InactiveTimeout.String(),

		"readers.tcp.enabled":          defaults.Readers.TCP.Enabled,
		"readers.tcp.addr":             defaults.Readers.TCP.Addr,
		"readers.tcp.connect_timeout":  defaults.Readers.TCP.ConnectTimeout.String(),
		"readers.tcp.keepalive":        defaults.Readers.TCP.Keepalive.String(),
		"readers.tcp.read_every":       defaults.Readers.TCP.ReadEvery.String(),
		"readers.tcp.inactive_timeout": defaults.Readers.TCP.InactiveTimeout.String(),
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
	// ErrEmptySocketPath indicates the server socket path is empty.
	ErrEmptySocketPath = errors.New("server.socket_path must not be empty")

	// ErrInvalidMaxConnections indicates a non-positive connection cap.
	ErrInvalidMaxConnections = errors.New("server.max_connections must be >= 1")

	// ErrInvalidMaxAuthWait indicates a non-positive request wait cap.
	ErrInvalidMaxAuthWait = errors.New("server.max_auth_request_wait must be > 0")

	// ErrInvalidForceCloseTimeout indicates a non-positive idle-close timeout.
	ErrInvalidForceCloseTimeout = errors.New("server.client_force_close_socket_timeout must be > 0")

	// ErrEmptyCredsFile indicates the credential file path is empty.
	ErrEmptyCredsFile = errors.New("creds.file must not be empty")

	// ErrInvalidReadEvery indicates a reader polling period is non-positive.
	ErrInvalidReadEvery = errors.New("read_every must be > 0")

	// ErrEmptyReaderDevice indicates an enabled device reader has no device path.
	ErrEmptyReaderDevice = errors.New("dev_file must not be empty for an enabled reader")

	// ErrEmptyReaderAddr indicates an enabled network reader has no address.
	ErrEmptyReaderAddr = errors.New("addr must not be empty for an enabled reader")

	// ErrInvalidBaudrate indicates an unsupported serial baudrate.
	ErrInvalidBaudrate = errors.New("baudrate is not a supported serial speed")
)

// ValidBaudrates lists the serial speeds with a termios constant.
var ValidBaudrates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.SocketPath == "" {
		return ErrEmptySocketPath
	}

	if cfg.Server.MaxConnections < 1 {
		return ErrInvalidMaxConnections
	}

	if cfg.Server.MaxAuthRequestWait <= 0 {
		return ErrInvalidMaxAuthWait
	}

	if cfg.Server.ClientForceCloseSocketTimeout <= 0 {
		return ErrInvalidForceCloseTimeout
	}

	if cfg.Creds.File == "" {
		return ErrEmptyCredsFile
	}

	return validateReaders(&cfg.Readers)
}

// validateReaders checks each enabled reader backend for correctness.
// Disabled backends are left alone so a config can carry inert stanzas.
func validateReaders(r *ReadersConfig) error {
	type backend struct {
		name      string
		enabled   bool
		readEvery time.Duration
	}

	backends := []backend{
		{name: "pcsc", enabled: r.PCSC.Enabled, readEvery: r.PCSC.ReadEvery},
		{name: "serial", enabled: r.Serial.Enabled, readEvery: r.Serial.ReadEvery},
		{name: "hid", enabled: r.HID.Enabled, readEvery: r.HID.ReadEvery},
		{name: "pm3", enabled: r.PM3.Enabled, readEvery: r.PM3.ReadEvery},
		{name: "http", enabled: r.HTTP.Enabled, readEvery: r.HTTP.ReadEvery},
		{name: "tcp", enabled: r.TCP.Enabled, readEvery: r.TCP.ReadEvery},
	}

	for _, b := range backends {
		if b.enabled && b.readEvery <= 0 {
			return fmt.Errorf("readers.%s: %w", b.name, ErrInvalidReadEvery)
		}
	}

	if r.Serial.Enabled {
		if r.Serial.DevFile == "" {
			return fmt.Errorf("readers.serial: %w", ErrEmptyReaderDevice)
		}

		if !ValidBaudrates[r.Serial.Baudrate] {
			return fmt.Errorf("readers.serial baudrate %d: %w", r.Serial.Baudrate, ErrInvalidBaudrate)
		}
	}

	if r.HID.Enabled && r.HID.DevFile == "" {
		return fmt.Errorf("readers.hid: %w", ErrEmptyReaderDevice)
	}

	if r.PM3.Enabled && r.PM3.DevFile == "" {
		return fmt.Errorf("readers.pm3: %w", ErrEmptyReaderDevice)
	}

	if r.HTTP.Enabled && r.HTTP.Addr == "" {
		return fmt.Errorf("readers.http: %w", ErrEmptyReaderAddr)
	}

	if r.TCP.Enabled && r.TCP.Addr == "" {
		return fmt.Errorf("readers.tcp: %w", ErrEmptyReaderAddr)
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
