// Package config builds the engine-wide, immutable configuration record (§6)
// from defaults, an optional TOML file, and CLI flags, with flags winning.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the immutable set of tunables the connection engine is built
// with. Once constructed via LoadFile, ParseFlags or New, a Config is never mutated —
// callers needing different values construct a new Config.
type Config struct {
	// TCPBufferSize is the size of the buffer each socket read (background
	// reader and direct-ack reads) is made into. The engine does not set
	// the sockets' kernel send/receive buffer sizes, and bufpool keeps its
	// own fixed size classes.
	TCPBufferSize int
	// SmallBufferSize is validated and copied into each connection's
	// dependencies; no read or allocation path uses it.
	SmallBufferSize int

	// MemberTimeout is validated and carried on the record; the engine
	// does not read it.
	MemberTimeout time.Duration
	// P2PConnectTimeout bounds dial time when establishing a new outbound
	// connection to a peer.
	P2PConnectTimeout time.Duration
	// HandshakeTimeout bounds the full handshake exchange (§4.2). Default
	// mirrors Geode's 59 second member-timeout-derived default.
	HandshakeTimeout time.Duration

	// MaxConnectionSenders bounds concurrent senders per connection (§4.4).
	MaxConnectionSenders int

	// AsyncDistributionTimeout, when positive, makes the acceptor advertise
	// async parameters in its handshake reply, and initiators copy it into
	// the connection's dependencies. The writer does not read it: a send
	// switches to the async queue only under the ForceAsyncQueue hook or
	// while a pusher is already running, never after a timed stall.
	AsyncDistributionTimeout time.Duration
	// AsyncQueueTimeout bounds how long a message may sit unflushed in the
	// async queue before the connection is torn down.
	AsyncQueueTimeout time.Duration
	// AsyncMaxQueueSize bounds the async queue's byte size before new
	// enqueues trigger slow-receiver disconnection.
	AsyncMaxQueueSize int64

	// AckWaitThreshold is how long a direct-ack may go unanswered before a
	// warning is logged and the stats sink is notified (§4.7).
	AckWaitThreshold time.Duration
	// AckSevereAlertThreshold is added on top of AckWaitThreshold before
	// the severe alert fires: an error log, the severe-alert stat, and a
	// reset of the send group's sibling monitors. Member suspicion happens
	// at the AckWaitThreshold warning, not here.
	AckSevereAlertThreshold time.Duration

	// EnableNetworkPartitionDetection gates whether the ack-wait warning
	// calls suspectMember and a slow-receiver disconnect calls
	// requestMemberRemoval; when false both are skipped.
	EnableNetworkPartitionDetection bool

	// UseSSL wraps accepted and dialed sockets in the TLS I/O filter.
	UseSSL bool

	// ReconnectWaitTime is validated and carried on the record; the engine
	// has no reconnect loop and does not read it.
	ReconnectWaitTime time.Duration

	// IdleTimeout is how long a connection may sit with no traffic before
	// the idle reaper closes it (§4.8).
	IdleTimeout time.Duration

	ListenAddr string
	LogLevel   string
}

// TestHooks carries test-only knobs that must never live on the production
// Config record (Design Notes §9.a): they flip internal code paths that a
// production operator should never be able to toggle via flag or file.
type TestHooks struct {
	// ForceAsyncQueue routes every outbound write through the async queue,
	// bypassing the normal sync-write fast path (§8 scenario 4). engine.New
	// takes no TestHooks value; connections read the same knob from
	// conn.Deps.ForceAsyncQueue.
	ForceAsyncQueue bool
}

// defaults mirrors Geode's tcp.Connection / TCPConduit constants.
func defaults() Config {
	return Config{
		TCPBufferSize:                   65536,
		SmallBufferSize:                 4096,
		MemberTimeout:                   10 * time.Second,
		P2PConnectTimeout:               5 * time.Second,
		HandshakeTimeout:                59 * time.Second,
		MaxConnectionSenders:            8,
		AsyncDistributionTimeout:        0,
		AsyncQueueTimeout:               60 * time.Second,
		AsyncMaxQueueSize:               64 * 1024 * 1024,
		AckWaitThreshold:                15 * time.Second,
		AckSevereAlertThreshold:         45 * time.Second,
		EnableNetworkPartitionDetection: false,
		UseSSL:                          false,
		ReconnectWaitTime:               2 * time.Second,
		IdleTimeout:                     120 * time.Second,
		ListenAddr:                      ":7070",
		LogLevel:                        "info",
	}
}

// fileConfig mirrors Config's fields using TOML-friendly names and pointer
// fields so we can tell "absent from file" apart from "zero value".
type fileConfig struct {
	TCPBufferSize                   *int    `toml:"tcp_buffer_size"`
	SmallBufferSize                 *int    `toml:"small_buffer_size"`
	MemberTimeoutMs                 *int64  `toml:"member_timeout_ms"`
	P2PConnectTimeoutMs             *int64  `toml:"p2p_connect_timeout_ms"`
	HandshakeTimeoutMs              *int64  `toml:"handshake_timeout_ms"`
	MaxConnectionSenders            *int    `toml:"max_connection_senders"`
	AsyncDistributionTimeoutMs      *int64  `toml:"async_distribution_timeout_ms"`
	AsyncQueueTimeoutMs             *int64  `toml:"async_queue_timeout_ms"`
	AsyncMaxQueueSize               *int64  `toml:"async_max_queue_size"`
	AckWaitThresholdMs              *int64  `toml:"ack_wait_threshold_ms"`
	AckSevereAlertThresholdMs       *int64  `toml:"ack_severe_alert_threshold_ms"`
	EnableNetworkPartitionDetection *bool   `toml:"enable_network_partition_detection"`
	UseSSL                          *bool   `toml:"use_ssl"`
	ReconnectWaitTimeMs             *int64  `toml:"reconnect_wait_time_ms"`
	IdleTimeoutMs                   *int64  `toml:"idle_timeout_ms"`
	ListenAddr                      *string `toml:"listen_addr"`
	LogLevel                        *string `toml:"log_level"`
}

// LoadFile reads a TOML config file and overlays it on top of defaults.
// A missing file is not an error — callers typically pass an optional
// -config flag and should fall back to defaults silently.
func LoadFile(path string) (Config, error) {
	cfg := defaults()
	if path == "" {
		return cfg, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyFile(&cfg, &fc)
	return cfg, nil
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.TCPBufferSize != nil {
		cfg.TCPBufferSize = *fc.TCPBufferSize
	}
	if fc.SmallBufferSize != nil {
		cfg.SmallBufferSize = *fc.SmallBufferSize
	}
	if fc.MemberTimeoutMs != nil {
		cfg.MemberTimeout = time.Duration(*fc.MemberTimeoutMs) * time.Millisecond
	}
	if fc.P2PConnectTimeoutMs != nil {
		cfg.P2PConnectTimeout = time.Duration(*fc.P2PConnectTimeoutMs) * time.Millisecond
	}
	if fc.HandshakeTimeoutMs != nil {
		cfg.HandshakeTimeout = time.Duration(*fc.HandshakeTimeoutMs) * time.Millisecond
	}
	if fc.MaxConnectionSenders != nil {
		cfg.MaxConnectionSenders = *fc.MaxConnectionSenders
	}
	if fc.AsyncDistributionTimeoutMs != nil {
		cfg.AsyncDistributionTimeout = time.Duration(*fc.AsyncDistributionTimeoutMs) * time.Millisecond
	}
	if fc.AsyncQueueTimeoutMs != nil {
		cfg.AsyncQueueTimeout = time.Duration(*fc.AsyncQueueTimeoutMs) * time.Millisecond
	}
	if fc.AsyncMaxQueueSize != nil {
		cfg.AsyncMaxQueueSize = *fc.AsyncMaxQueueSize
	}
	if fc.AckWaitThresholdMs != nil {
		cfg.AckWaitThreshold = time.Duration(*fc.AckWaitThresholdMs) * time.Millisecond
	}
	if fc.AckSevereAlertThresholdMs != nil {
		cfg.AckSevereAlertThreshold = time.Duration(*fc.AckSevereAlertThresholdMs) * time.Millisecond
	}
	if fc.EnableNetworkPartitionDetection != nil {
		cfg.EnableNetworkPartitionDetection = *fc.EnableNetworkPartitionDetection
	}
	if fc.UseSSL != nil {
		cfg.UseSSL = *fc.UseSSL
	}
	if fc.ReconnectWaitTimeMs != nil {
		cfg.ReconnectWaitTime = time.Duration(*fc.ReconnectWaitTimeMs) * time.Millisecond
	}
	if fc.IdleTimeoutMs != nil {
		cfg.IdleTimeout = time.Duration(*fc.IdleTimeoutMs) * time.Millisecond
	}
	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
}

// ParseFlags registers the engine's flags on fs, parses args against a
// config file base (if -config is set), and returns the final Config —
// flags win over file values, which win over defaults.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	var configPath string
	fs.StringVar(&configPath, "config", "", "path to a TOML config file")

	base := defaults()
	listenAddr := fs.String("listen", "", "TCP listen address (e.g. :7070)")
	logLevel := fs.String("log-level", "", "log level: debug|info|warn|error")
	useSSL := fs.Bool("use-ssl", false, "wrap connections in TLS")
	maxSenders := fs.Int("max-connection-senders", 0, "max concurrent senders per connection")
	ackWaitMs := fs.Int64("ack-wait-threshold-ms", 0, "ack wait threshold in milliseconds")
	ackSevereMs := fs.Int64("ack-severe-alert-threshold-ms", 0, "ack severe alert threshold in milliseconds")

	if err := fs.Parse(args); err != nil {
		return base, err
	}

	cfg := base
	if configPath != "" {
		fromFile, err := LoadFile(configPath)
		if err != nil {
			return base, err
		}
		cfg = fromFile
	}

	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *useSSL {
		cfg.UseSSL = true
	}
	if *maxSenders > 0 {
		cfg.MaxConnectionSenders = *maxSenders
	}
	if *ackWaitMs > 0 {
		cfg.AckWaitThreshold = time.Duration(*ackWaitMs) * time.Millisecond
	}
	if *ackSevereMs > 0 {
		cfg.AckSevereAlertThreshold = time.Duration(*ackSevereMs) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

// Validate rejects nonsensical tunables before the engine is built.
func (c Config) Validate() error {
	if c.TCPBufferSize <= 0 {
		return errors.New("config: tcp_buffer_size must be positive")
	}
	if c.SmallBufferSize <= 0 || c.SmallBufferSize > c.TCPBufferSize {
		return errors.New("config: small_buffer_size must be positive and <= tcp_buffer_size")
	}
	if c.MaxConnectionSenders <= 0 {
		return errors.New("config: max_connection_senders must be positive")
	}
	if c.AckSevereAlertThreshold < 0 {
		return errors.New("config: ack_severe_alert_threshold_ms must be non-negative")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return nil
}

// New returns the default Config, useful for tests and library embedders
// that don't want flag parsing.
func New() Config { return defaults() }
