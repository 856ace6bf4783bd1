// Package config loads the meshctl TOML file into resolved runtime settings.
// Keys left out of the file keep their DefaultConfig values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/meshlink/internal/logging"
	"github.com/danmuck/meshlink/internal/protocol/session"
)

var ErrInvalid = errors.New("config: invalid")

const (
	TransportTCP = "tcp"

	StoreSQLite = "sqlite"
	StoreMemory = "memory"

	VaultFile   = "file"
	VaultMemory = "memory"

	DefaultPassphraseEnv = "MESHLINK_VAULT_PASSPHRASE"
)

type TransportConfig struct {
	Kind         string
	Address      string
	DialTimeout  time.Duration
	ReplyTimeout time.Duration
}

type StoreConfig struct {
	Driver string
	Path   string
}

type VaultConfig struct {
	Kind          string
	Path          string
	PassphraseEnv string
}

type EngineConfig struct {
	SyncOnConnect      bool
	ClockSkewTolerance time.Duration
	AckSweepInterval   time.Duration
	ReconnectAttempts  int
}

type StatusConfig struct {
	Enabled     bool
	Addr        string
	CORSOrigins []string
	// TokenEnv names the environment variable holding the API bearer token.
	// Unset or empty leaves the API open.
	TokenEnv string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// Config is the resolved meshctl configuration.
type Config struct {
	DeviceID    string
	AppName     string
	Transport   TransportConfig
	Store       StoreConfig
	Credentials VaultConfig
	Engine      EngineConfig
	Session     session.Config
	Status      StatusConfig
	Log         LogConfig
}

func DefaultConfig() Config {
	return Config{
		DeviceID: "radio",
		AppName:  "meshlink",
		Transport: TransportConfig{
			Kind:         TransportTCP,
			Address:      "127.0.0.1:5000",
			DialTimeout:  5 * time.Second,
			ReplyTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   "meshlink.db",
		},
		Credentials: VaultConfig{
			Kind:          VaultFile,
			Path:          "meshlink.vault",
			PassphraseEnv: DefaultPassphraseEnv,
		},
		Engine: EngineConfig{
			SyncOnConnect:      true,
			ClockSkewTolerance: time.Minute,
			AckSweepInterval:   time.Second,
			ReconnectAttempts:  10,
		},
		Session: session.DefaultConfig(),
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9300",
		},
		Log: LogConfig{Level: "info"},
	}
}

type fileConfig struct {
	DeviceID    string          `toml:"device_id"`
	AppName     string          `toml:"app_name"`
	Transport   fileTransport   `toml:"transport"`
	Store       fileStore       `toml:"store"`
	Credentials fileCredentials `toml:"credentials"`
	Engine      fileEngine      `toml:"engine"`
	Session     fileSession     `toml:"session"`
	Status      fileStatus      `toml:"status"`
	Log         fileLog         `toml:"log"`
}

type fileTransport struct {
	Kind         string `toml:"kind"`
	Address      string `toml:"address"`
	DialTimeout  string `toml:"dial_timeout"`
	ReplyTimeout string `toml:"reply_timeout"`
}

type fileStore struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

type fileCredentials struct {
	Kind          string `toml:"kind"`
	Path          string `toml:"path"`
	PassphraseEnv string `toml:"passphrase_env"`
}

type fileEngine struct {
	SyncOnConnect      bool   `toml:"sync_on_connect"`
	ClockSkewTolerance string `toml:"clock_skew_tolerance"`
	AckSweepInterval   string `toml:"ack_sweep_interval"`
	ReconnectAttempts  int    `toml:"reconnect_attempts"`
}

type fileSession struct {
	CommandTimeout    string `toml:"command_timeout"`
	DefaultAckTimeout string `toml:"default_ack_timeout"`
	AckGrace          string `toml:"ack_grace"`
	KeepAliveTimeout  string `toml:"keep_alive_timeout"`
	KeepAliveInterval string `toml:"keep_alive_interval"`
	QueryTimeout      string `toml:"query_timeout"`
	SectionTimeout    string `toml:"section_timeout"`
	RetryAttempts     int    `toml:"retry_attempts"`
	LoginBase         string `toml:"login_base"`
	LoginPerHop       string `toml:"login_per_hop"`
	LoginFlood        string `toml:"login_flood"`
}

type fileStatus struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	CORSOrigins []string `toml:"cors_origins"`
	TokenEnv    string   `toml:"token_env"`
}

type fileLog struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := DefaultConfig()
	p := overlay{meta: meta}

	p.str(&cfg.DeviceID, raw.DeviceID, "device_id")
	p.str(&cfg.AppName, raw.AppName, "app_name")

	p.str(&cfg.Transport.Kind, raw.Transport.Kind, "transport", "kind")
	p.str(&cfg.Transport.Address, raw.Transport.Address, "transport", "address")
	p.dur(&cfg.Transport.DialTimeout, raw.Transport.DialTimeout, "transport", "dial_timeout")
	p.dur(&cfg.Transport.ReplyTimeout, raw.Transport.ReplyTimeout, "transport", "reply_timeout")

	p.str(&cfg.Store.Driver, raw.Store.Driver, "store", "driver")
	p.str(&cfg.Store.Path, raw.Store.Path, "store", "path")

	p.str(&cfg.Credentials.Kind, raw.Credentials.Kind, "credentials", "kind")
	p.str(&cfg.Credentials.Path, raw.Credentials.Path, "credentials", "path")
	p.str(&cfg.Credentials.PassphraseEnv, raw.Credentials.PassphraseEnv, "credentials", "passphrase_env")

	p.boolean(&cfg.Engine.SyncOnConnect, raw.Engine.SyncOnConnect, "engine", "sync_on_connect")
	p.dur(&cfg.Engine.ClockSkewTolerance, raw.Engine.ClockSkewTolerance, "engine", "clock_skew_tolerance")
	p.dur(&cfg.Engine.AckSweepInterval, raw.Engine.AckSweepInterval, "engine", "ack_sweep_interval")
	p.integer(&cfg.Engine.ReconnectAttempts, raw.Engine.ReconnectAttempts, "engine", "reconnect_attempts")

	s := &cfg.Session
	p.dur(&s.CommandTimeout, raw.Session.CommandTimeout, "session", "command_timeout")
	p.dur(&s.DefaultAckTimeout, raw.Session.DefaultAckTimeout, "session", "default_ack_timeout")
	p.dur(&s.AckGrace, raw.Session.AckGrace, "session", "ack_grace")
	p.dur(&s.KeepAliveTimeout, raw.Session.KeepAliveTimeout, "session", "keep_alive_timeout")
	p.dur(&s.KeepAliveInterval, raw.Session.KeepAliveInterval, "session", "keep_alive_interval")
	p.dur(&s.QueryTimeout, raw.Session.QueryTimeout, "session", "query_timeout")
	p.dur(&s.SectionTimeout, raw.Session.SectionTimeout, "session", "section_timeout")
	p.integer(&s.Retry.MaxAttempts, raw.Session.RetryAttempts, "session", "retry_attempts")
	p.dur(&s.Login.Base, raw.Session.LoginBase, "session", "login_base")
	p.dur(&s.Login.PerHop, raw.Session.LoginPerHop, "session", "login_per_hop")
	p.dur(&s.Login.Flood, raw.Session.LoginFlood, "session", "login_flood")

	p.boolean(&cfg.Status.Enabled, raw.Status.Enabled, "status", "enabled")
	p.str(&cfg.Status.Addr, raw.Status.Addr, "status", "addr")
	p.str(&cfg.Status.TokenEnv, raw.Status.TokenEnv, "status", "token_env")
	if meta.IsDefined("status", "cors_origins") {
		cfg.Status.CORSOrigins = normalizeList(raw.Status.CORSOrigins)
	}

	p.str(&cfg.Log.Level, raw.Log.Level, "log", "level")
	p.boolean(&cfg.Log.JSON, raw.Log.JSON, "log", "json")

	return cfg, p.err
}

// overlay copies a decoded value over the default only when its key is
// present in the file. The first parse error sticks.
type overlay struct {
	meta toml.MetaData
	err  error
}

func (o *overlay) str(dst *string, v string, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = strings.TrimSpace(v)
	}
}

func (o *overlay) boolean(dst *bool, v bool, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) integer(dst *int, v int, key ...string) {
	if o.meta.IsDefined(key...) {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, v string, key ...string) {
	if o.err != nil || !o.meta.IsDefined(key...) {
		return
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		o.err = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		return
	}
	*dst = d
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalid)
	}
	if c.Transport.Kind != TransportTCP {
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalid, c.Transport.Kind)
	}
	if strings.TrimSpace(c.Transport.Address) == "" {
		return fmt.Errorf("%w: transport address is required", ErrInvalid)
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store path is required for sqlite", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalid, c.Store.Driver)
	}
	switch c.Credentials.Kind {
	case VaultMemory:
	case VaultFile:
		if strings.TrimSpace(c.Credentials.Path) == "" {
			return fmt.Errorf("%w: credentials path is required for file vault", ErrInvalid)
		}
		if strings.TrimSpace(c.Credentials.PassphraseEnv) == "" {
			return fmt.Errorf("%w: credentials passphrase_env is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unsupported credentials kind %q", ErrInvalid, c.Credentials.Kind)
	}
	if c.Engine.AckSweepInterval <= 0 {
		return fmt.Errorf("%w: engine ack_sweep_interval must be positive", ErrInvalid)
	}
	if c.Engine.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: engine reconnect_attempts must not be negative", ErrInvalid)
	}
	if c.Status.Enabled && strings.TrimSpace(c.Status.Addr) == "" {
		return fmt.Errorf("%w: status addr is required when enabled", ErrInvalid)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
