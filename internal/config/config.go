// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// Name is a human-readable server identifier used in logs and analytics.
	Name string `mapstructure:"name"`
	// ID is the numeric server identifier embedded in play session ids.
	ID uint8 `mapstructure:"id"`
	// MaxConnections is the accept-time cap on concurrent connections
	// across all transports. Excess connections receive a ServerFull
	// reject and are closed without a session ever being created.
	MaxConnections int `mapstructure:"max_connections"`
}

// TCPConfig holds TCP listener settings.
type TCPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// WriteTimeout is the per-write deadline for TCP connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TCPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// UDPConfig holds UDP listener settings.
type UDPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	// ReadBufferSize is the socket receive buffer requested from the kernel.
	ReadBufferSize int `mapstructure:"read_buffer_size"`
}

// Addr returns the "host:port" listen address.
func (u UDPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// QUICConfig holds the optional QUIC listener settings. Certificate
// material is supplied externally via file paths.
type QUICConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// Addr returns the "host:port" listen address.
func (q QUICConfig) Addr() string {
	return fmt.Sprintf("%s:%d", q.Host, q.Port)
}

// TransportConfig groups the per-transport listener settings.
type TransportConfig struct {
	TCP  TCPConfig  `mapstructure:"tcp"`
	UDP  UDPConfig  `mapstructure:"udp"`
	QUIC QUICConfig `mapstructure:"quic"`
}

// ProtocolConfig holds wire-format limits.
type ProtocolConfig struct {
	// MaxPacketSize is the maximum accepted payload length in bytes.
	// Decoding a header that declares a larger length fails with
	// PacketTooLarge.
	MaxPacketSize uint32 `mapstructure:"max_packet_size"`
}

// SessionConfig holds per-session lifecycle settings.
type SessionConfig struct {
	// AuthTimeout is how long a session may remain in Authenticating
	// before it is torn down with AuthFailed.
	AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	// IdleTimeout is how long a session may go without a valid packet
	// or keepalive before it is torn down with IdleTimeout.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// FlushTimeout bounds how long a Closing session waits for its
	// outbound queue to drain before the connection is dropped.
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
	// OutboundQueueSize is the bounded per-session outbound queue length.
	OutboundQueueSize int `mapstructure:"outbound_queue_size"`
}

// RoomConfig holds room lifecycle settings.
type RoomConfig struct {
	// EmptyGracePeriod defers destruction of an empty room to absorb
	// rapid rejoin after a transient disconnect.
	EmptyGracePeriod time.Duration `mapstructure:"empty_grace_period"`
	// MaxCapacity is the upper bound accepted for a room's player limit.
	MaxCapacity int `mapstructure:"max_capacity"`
	// MaxNameLength bounds room names on create.
	MaxNameLength int `mapstructure:"max_name_length"`
}

// RateCategoryConfig holds one token bucket's parameters.
type RateCategoryConfig struct {
	// Capacity is the bucket size in tokens.
	Capacity float64 `mapstructure:"capacity"`
	// RefillPerSecond is the continuous refill rate.
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// RateConfig holds the per-category rate limiter settings.
type RateConfig struct {
	StateUpdate RateCategoryConfig `mapstructure:"state_update"`
	Chat        RateCategoryConfig `mapstructure:"chat"`
	Control     RateCategoryConfig `mapstructure:"control"`
	// ViolationThreshold is the number of chat/control rejections within
	// ViolationWindow that tears the session down.
	ViolationThreshold int           `mapstructure:"violation_threshold"`
	ViolationWindow    time.Duration `mapstructure:"violation_window"`
}

// DatabaseConfig holds PostgreSQL connection settings for the account store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LevelsConfig holds settings for the read-only level metadata store.
type LevelsConfig struct {
	// StorePath is the path to the compressed level store built by
	// cmd/levelpack. Empty disables level validation on room create.
	StorePath string `mapstructure:"store_path"`
}

// ModerationConfig holds chat word-filter settings.
type ModerationConfig struct {
	// WordListPath is the path to the filter word list. Empty disables
	// filtering; all chat is relayed unmodified.
	WordListPath string `mapstructure:"word_list_path"`
}

// AnalyticsConfig holds ClickHouse event export settings.
type AnalyticsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// BatchSize is the number of events flushed per insert.
	BatchSize int `mapstructure:"batch_size"`
	// FlushInterval bounds how long events wait before a partial batch
	// is flushed anyway.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TraceConfig holds diagnostic packet-trace settings.
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Dir is the directory trace dumps are written to on operator signal.
	Dir string `mapstructure:"dir"`
	// RingSize is the number of packets retained per connection.
	RingSize int `mapstructure:"ring_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	Session    SessionConfig    `mapstructure:"session"`
	Room       RoomConfig       `mapstructure:"room"`
	Rate       RateConfig       `mapstructure:"rate"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Levels     LevelsConfig     `mapstructure:"levels"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Analytics  AnalyticsConfig  `mapstructure:"analytics"`
	Trace      TraceConfig      `mapstructure:"trace"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateProtocol(c.Protocol); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateSession(c.Session); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRoom(c.Room); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRate(c.Rate); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAnalytics(c.Analytics); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Name == "" {
		errs = append(errs, "server.name must not be empty")
	}
	if s.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("server.max_connections must be >= 1, got %d", s.MaxConnections))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(name string, port int) string {
	if port < 1 || port > 65535 {
		return fmt.Sprintf("%s must be 1-65535, got %d", name, port)
	}
	return ""
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if !t.TCP.Enabled && !t.UDP.Enabled && !t.QUIC.Enabled {
		errs = append(errs, "at least one transport must be enabled")
	}
	if t.TCP.Enabled {
		if msg := validatePort("transport.tcp.port", t.TCP.Port); msg != "" {
			errs = append(errs, msg)
		}
	}
	if t.UDP.Enabled {
		if msg := validatePort("transport.udp.port", t.UDP.Port); msg != "" {
			errs = append(errs, msg)
		}
	}
	if t.QUIC.Enabled {
		if msg := validatePort("transport.quic.port", t.QUIC.Port); msg != "" {
			errs = append(errs, msg)
		}
		if t.QUIC.CertFile == "" || t.QUIC.KeyFile == "" {
			errs = append(errs, "transport.quic requires cert_file and key_file")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateProtocol(p ProtocolConfig) error {
	if p.MaxPacketSize < 64 {
		return fmt.Errorf("protocol.max_packet_size must be >= 64, got %d", p.MaxPacketSize)
	}
	return nil
}

func validateSession(s SessionConfig) error {
	var errs []string
	if s.AuthTimeout <= 0 {
		errs = append(errs, "session.auth_timeout must be positive")
	}
	if s.IdleTimeout <= 0 {
		errs = append(errs, "session.idle_timeout must be positive")
	}
	if s.FlushTimeout < 0 {
		errs = append(errs, "session.flush_timeout must not be negative")
	}
	if s.OutboundQueueSize < 1 {
		errs = append(errs, fmt.Sprintf("session.outbound_queue_size must be >= 1, got %d", s.OutboundQueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRoom(r RoomConfig) error {
	var errs []string
	if r.EmptyGracePeriod < 0 {
		errs = append(errs, "room.empty_grace_period must not be negative")
	}
	if r.MaxCapacity < 2 {
		errs = append(errs, fmt.Sprintf("room.max_capacity must be >= 2, got %d", r.MaxCapacity))
	}
	if r.MaxNameLength < 1 {
		errs = append(errs, fmt.Sprintf("room.max_name_length must be >= 1, got %d", r.MaxNameLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRateCategory(name string, c RateCategoryConfig) []string {
	var errs []string
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Sprintf("rate.%s.capacity must be positive, got %v", name, c.Capacity))
	}
	if c.RefillPerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("rate.%s.refill_per_second must be positive, got %v", name, c.RefillPerSecond))
	}
	return errs
}

func validateRate(r RateConfig) error {
	var errs []string
	errs = append(errs, validateRateCategory("state_update", r.StateUpdate)...)
	errs = append(errs, validateRateCategory("chat", r.Chat)...)
	errs = append(errs, validateRateCategory("control", r.Control)...)
	if r.ViolationThreshold < 1 {
		errs = append(errs, fmt.Sprintf("rate.violation_threshold must be >= 1, got %d", r.ViolationThreshold))
	}
	if r.ViolationWindow <= 0 {
		errs = append(errs, "rate.violation_window must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if msg := validatePort("database.port", d.Port); msg != "" {
		errs = append(errs, msg)
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAnalytics(a AnalyticsConfig) error {
	if !a.Enabled {
		return nil
	}
	var errs []string
	if a.Addr == "" {
		errs = append(errs, "analytics.addr must not be empty when enabled")
	}
	if a.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("analytics.batch_size must be >= 1, got %d", a.BatchSize))
	}
	if a.FlushInterval <= 0 {
		errs = append(errs, "analytics.flush_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "relay-1")
	v.SetDefault("server.id", 1)
	v.SetDefault("server.max_connections", 5000)

	v.SetDefault("transport.tcp.enabled", true)
	v.SetDefault("transport.tcp.host", "0.0.0.0")
	v.SetDefault("transport.tcp.port", 41001)
	v.SetDefault("transport.tcp.write_timeout", "30s")

	v.SetDefault("transport.udp.enabled", true)
	v.SetDefault("transport.udp.host", "0.0.0.0")
	v.SetDefault("transport.udp.port", 41001)
	v.SetDefault("transport.udp.read_buffer_size", 1048576)

	v.SetDefault("transport.quic.enabled", false)
	v.SetDefault("transport.quic.host", "0.0.0.0")
	v.SetDefault("transport.quic.port", 41002)

	v.SetDefault("protocol.max_packet_size", 65536)

	v.SetDefault("session.auth_timeout", "10s")
	v.SetDefault("session.idle_timeout", "60s")
	v.SetDefault("session.flush_timeout", "5s")
	v.SetDefault("session.outbound_queue_size", 256)

	v.SetDefault("room.empty_grace_period", "30s")
	v.SetDefault("room.max_capacity", 250)
	v.SetDefault("room.max_name_length", 64)

	v.SetDefault("rate.state_update.capacity", 60)
	v.SetDefault("rate.state_update.refill_per_second", 30)
	v.SetDefault("rate.chat.capacity", 5)
	v.SetDefault("rate.chat.refill_per_second", 1)
	v.SetDefault("rate.control.capacity", 20)
	v.SetDefault("rate.control.refill_per_second", 5)
	v.SetDefault("rate.violation_threshold", 10)
	v.SetDefault("rate.violation_window", "10s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "relay")
	v.SetDefault("database.password", "relay")
	v.SetDefault("database.name", "relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("analytics.enabled", false)
	v.SetDefault("analytics.batch_size", 500)
	v.SetDefault("analytics.flush_interval", "5s")

	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.dir", "traces")
	v.SetDefault("trace.ring_size", 512)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
